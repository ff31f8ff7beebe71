package events

import (
	"encoding/json"
	"time"
)

// Event types published for a live session.
const (
	SessionCreated   = "SessionCreated"
	SessionStarted   = "SessionStarted"
	AthleteAdvanced  = "AthleteAdvanced"
	SessionPaused    = "SessionPaused"
	SessionResumed   = "SessionResumed"
	SessionCompleted = "SessionCompleted"
	VoteSubmitted    = "VoteSubmitted"
	AttemptDecided   = "AttemptDecided"
)

// Event payload types shared between the session, attempt, gateway and orchestrator packages.

// SessionCreatedPayload is the payload for a SessionCreated event
type SessionCreatedPayload struct {
	SessionID     string    `json:"session_id"`
	CompetitionID string    `json:"competition_id"`
	Sport         string    `json:"sport"`
	QueueLength   int       `json:"queue_length"`
	CreatedAt     time.Time `json:"created_at"`
}

// SessionStartedPayload is the payload for a SessionStarted event
type SessionStartedPayload struct {
	SessionID     string    `json:"session_id"`
	CompetitionID string    `json:"competition_id"`
	Sport         string    `json:"sport"`
	StartedAt     time.Time `json:"started_at"`
}

// AthleteAdvancedPayload is the payload for an AthleteAdvanced event
type AthleteAdvancedPayload struct {
	SessionID     string    `json:"session_id"`
	CompetitionID string    `json:"competition_id"`
	Sport         string    `json:"sport"`
	AthleteID     string    `json:"athlete_id"`
	DisciplineID  string    `json:"discipline_id"`
	AttemptNumber int       `json:"attempt_number"`
	Order         int       `json:"order"`
	Remaining     int       `json:"remaining"`
	AdvancedAt    time.Time `json:"advanced_at"`
}

// SessionPausedPayload is the payload for a SessionPaused event
type SessionPausedPayload struct {
	SessionID     string    `json:"session_id"`
	CompetitionID string    `json:"competition_id"`
	PausedAt      time.Time `json:"paused_at"`
}

// SessionResumedPayload is the payload for a SessionResumed event
type SessionResumedPayload struct {
	SessionID     string    `json:"session_id"`
	CompetitionID string    `json:"competition_id"`
	Sport         string    `json:"sport"`
	ResumedAt     time.Time `json:"resumed_at"`
}

// SessionCompletedPayload is the payload for a SessionCompleted event
type SessionCompletedPayload struct {
	SessionID     string    `json:"session_id"`
	CompetitionID string    `json:"competition_id"`
	CompletedAt   time.Time `json:"completed_at"`
	TotalItems    int       `json:"total_items"`
}

// VoteSubmittedPayload is the payload for a VoteSubmitted event
type VoteSubmittedPayload struct {
	AttemptID string    `json:"attempt_id"`
	JudgeID   string    `json:"judge_id"`
	Position  int       `json:"position"`
	Vote      string    `json:"vote"`
	Corrected bool      `json:"corrected"`
	VotedAt   time.Time `json:"voted_at"`
}

// AttemptDecidedPayload is the payload for an AttemptDecided event
type AttemptDecidedPayload struct {
	AttemptID     string    `json:"attempt_id"`
	AthleteID     string    `json:"athlete_id"`
	DisciplineID  string    `json:"discipline_id"`
	AttemptNumber int       `json:"attempt_number"`
	IsValid       bool      `json:"is_valid"`
	ActualWeight  float64   `json:"actual_weight"`
	DecidedAt     time.Time `json:"decided_at"`
}

// Envelope is the message published to the event bus for every outbox event.
type Envelope struct {
	EventID   string          `json:"eventId"`
	EventType string          `json:"eventType"`
	SessionID string          `json:"sessionId"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}
