package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/mcdev12/liftlive/go/internal/store"
	"github.com/rs/zerolog/log"
)

const documentChannel = "document_changes"

type NotifierConfig struct {
	DatabaseURL  string
	PingInterval time.Duration
}

func DefaultNotifierConfig() NotifierConfig {
	return NotifierConfig{
		PingInterval: 90 * time.Second,
	}
}

// Notifier turns document_changes notifications into subscription deliveries.
type Notifier struct {
	gateway  *Gateway
	listener *pq.Listener
	cfg      NotifierConfig
}

// Listen starts a LISTEN connection for the gateway's subscriptions.
func (g *Gateway) Listen(cfg NotifierConfig) (*Notifier, error) {
	l := pq.NewListener(
		cfg.DatabaseURL,
		10*time.Second,
		time.Minute,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				log.Error().Err(err).Msg("document listener event")
			}
		},
	)
	if err := l.Listen(documentChannel); err != nil {
		l.Close()
		return nil, fmt.Errorf("failed to listen to channel: %w", err)
	}

	n := &Notifier{gateway: g, listener: l, cfg: cfg}
	log.Info().Str("channel", documentChannel).Msg("listening for document changes")
	return n, nil
}

// Run dispatches notifications until ctx is done.
func (n *Notifier) Run(ctx context.Context) error {
	pingTicker := time.NewTicker(n.cfg.PingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("document listener shutting down")
			return n.listener.Close()
		case note := <-n.listener.Notify:
			if note == nil {
				// connection was re-established; notifications may have been missed
				n.gateway.refreshAll(ctx)
				continue
			}
			ref, ok := parseRef(note.Extra)
			if !ok {
				log.Warn().Str("payload", note.Extra).Msg("ignoring malformed document notification")
				continue
			}
			n.gateway.refresh(ctx, ref)
		case <-pingTicker.C:
			if err := n.listener.Ping(); err != nil {
				log.Error().Err(err).Msg("failed to ping document listener")
			}
		}
	}
}

func parseRef(payload string) (store.Ref, bool) {
	collection, id, ok := strings.Cut(payload, "/")
	if !ok || collection == "" || id == "" {
		return store.Ref{}, false
	}
	return store.Ref{Collection: collection, ID: id}, true
}
