package models

import (
	"time"

	"github.com/google/uuid"
)

// SessionState defines where a live session is in its lifecycle.
type SessionState string

const (
	SessionStateSetup     SessionState = "setup"
	SessionStateActive    SessionState = "active"
	SessionStatePaused    SessionState = "paused"
	SessionStateCompleted SessionState = "completed"
)

// Valid reports whether s is a known state.
func (s SessionState) Valid() bool {
	switch s {
	case SessionStateSetup, SessionStateActive, SessionStatePaused, SessionStateCompleted:
		return true
	}
	return false
}

// LiveSession is a running competition instance.
type LiveSession struct {
	ID                   uuid.UUID      `json:"id"`
	CompetitionID        string         `json:"competition_id"`
	SetupID              string         `json:"setup_id"`
	Sport                string         `json:"sport"`
	CurrentState         SessionState   `json:"current_state"`
	CurrentAthleteID     *string        `json:"current_athlete_id,omitempty"`
	CurrentDisciplineID  *string        `json:"current_discipline_id,omitempty"`
	CurrentAttemptNumber *int           `json:"current_attempt_number,omitempty"`
	QueuePosition        int            `json:"queue_position"` // items before this index have been consumed
	QueueLength          int            `json:"queue_length"`
	QueueRevision        int            `json:"queue_revision"` // bumped when the queue is regenerated
	JudgeAssignments     map[string]int `json:"judge_assignments,omitempty"` // judge id -> position
	CreatedAt            time.Time      `json:"created_at"`
	UpdatedAt            time.Time      `json:"updated_at"`
}

// HasCurrent reports whether the session points at an attempt slot.
func (s *LiveSession) HasCurrent() bool {
	return s.CurrentAthleteID != nil && s.CurrentDisciplineID != nil && s.CurrentAttemptNumber != nil
}

// Discipline is a lift contested in the session and how many attempts each athlete gets.
type Discipline struct {
	ID          string `json:"id"`
	MaxAttempts int    `json:"max_attempts"`
}

// QueueItem is one slot in the lifting order.
type QueueItem struct {
	SessionID     uuid.UUID `json:"session_id"`
	AthleteID     string    `json:"athlete_id"`
	DisciplineID  string    `json:"discipline_id"`
	AttemptNumber int       `json:"attempt_number"`
	Order         int       `json:"order"`
}
