package api

import (
	"github.com/google/uuid"
	"github.com/mcdev12/liftlive/go/internal/live/attempt"
	"github.com/mcdev12/liftlive/go/internal/live/session"
	"github.com/mcdev12/liftlive/go/internal/live/timer"
	"github.com/mcdev12/liftlive/go/internal/models"
)

// SessionRef names one live session.
type SessionRef struct {
	SessionID uuid.UUID `json:"session_id"`
}

type RegenerateQueueRequest struct {
	SessionID   uuid.UUID           `json:"session_id"`
	Disciplines []models.Discipline `json:"disciplines"`
	Roster      []string            `json:"roster"`
}

type UpdateStateRequest struct {
	SessionID uuid.UUID            `json:"session_id"`
	Patch     session.SessionPatch `json:"patch"`
}

type EnsureAttemptRequest struct {
	SessionID       uuid.UUID `json:"session_id"`
	RequestedWeight float64   `json:"requested_weight"`
}

type QueueResponse struct {
	Items []models.QueueItem `json:"items"`
}

// AttemptRef names one attempt.
type AttemptRef struct {
	AttemptID uuid.UUID `json:"attempt_id"`
}

type UpdateWeightRequest struct {
	AttemptID uuid.UUID `json:"attempt_id"`
	Weight    float64   `json:"weight"`
}

type SubmitVoteRequest struct {
	AttemptID uuid.UUID           `json:"attempt_id"`
	Vote      attempt.VoteRequest `json:"vote"`
}

type ListAttemptsResponse struct {
	Attempts []models.AttemptRecord `json:"attempts"`
}

// TimerRef names the timer of one event.
type TimerRef struct {
	EventID string `json:"event_id"`
}

type SyncTimerRequest struct {
	EventID  string           `json:"event_id"`
	Patch    timer.TimerPatch `json:"patch"`
	SyncedAt int64            `json:"synced_at"`
}

type SettingsRequest struct {
	Sport string `json:"sport"`
}

// Empty is the response of calls that return nothing.
type Empty struct{}
