package outbox

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/nats-io/nats.go"
)

// maxPendingEvents is the backlog above which the outbox reports itself degraded.
const maxPendingEvents = 1000

type HealthStatus struct {
	Healthy           bool     `json:"healthy"`
	PendingEvents     int      `json:"pending_events"`
	DatabaseConnected bool     `json:"database_connected"`
	NATSConnected     bool     `json:"nats_connected"`
	Errors            []string `json:"errors"`
}

type pendingCounter interface {
	CountPending(ctx context.Context) (int, error)
}

// HealthChecker reports whether the outbox can reach Postgres and NATS.
type HealthChecker struct {
	db       *sql.DB
	natsConn *nats.Conn
	repo     pendingCounter
}

func NewHealthChecker(db *sql.DB, natsConn *nats.Conn, repo pendingCounter) *HealthChecker {
	return &HealthChecker{db: db, natsConn: natsConn, repo: repo}
}

func (h *HealthChecker) Check(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Healthy: true,
		Errors:  []string{},
	}

	if err := h.db.PingContext(ctx); err != nil {
		status.Healthy = false
		status.Errors = append(status.Errors, fmt.Sprintf("database ping failed: %v", err))
	} else {
		status.DatabaseConnected = true
	}

	if h.natsConn != nil {
		status.NATSConnected = h.natsConn.IsConnected()
		if !status.NATSConnected {
			status.Healthy = false
			status.Errors = append(status.Errors, "NATS disconnected")
		}
	}

	if status.DatabaseConnected && h.repo != nil {
		pending, err := h.repo.CountPending(ctx)
		if err != nil {
			status.Errors = append(status.Errors, fmt.Sprintf("failed to count pending events: %v", err))
		} else {
			status.PendingEvents = pending
			if pending > maxPendingEvents {
				status.Errors = append(status.Errors, fmt.Sprintf("high pending event count: %d", pending))
			}
		}
	}
	return status
}
