package models

import (
	"time"

	"github.com/google/uuid"
)

// Vote is a judge's call on an attempt.
type Vote string

const (
	VoteValid   Vote = "valid"
	VoteInvalid Vote = "invalid"
)

// Valid reports whether v is a known vote value.
func (v Vote) Valid() bool {
	return v == VoteValid || v == VoteInvalid
}

// AttemptResult is the derived outcome of an attempt.
type AttemptResult string

const (
	AttemptResultValid   AttemptResult = "valid"
	AttemptResultInvalid AttemptResult = "invalid"
	AttemptResultPending AttemptResult = "pending"
)

// JudgesPerAttempt is the size of the judging panel.
const JudgesPerAttempt = 3

// JudgeVote is one judge's vote on an attempt. A judge has at most one vote per attempt.
type JudgeVote struct {
	JudgeID      string    `json:"judge_id"`
	Position     int       `json:"position"`
	Vote         Vote      `json:"vote"`
	Timestamp    time.Time `json:"timestamp"`
	Corrected    bool      `json:"corrected"`
	OriginalVote *Vote     `json:"original_vote,omitempty"`
}

// AttemptRecord is a single attempt by one athlete in one discipline.
type AttemptRecord struct {
	ID              uuid.UUID   `json:"id"`
	SessionID       uuid.UUID   `json:"session_id"`
	AthleteID       string      `json:"athlete_id"`
	DisciplineID    string      `json:"discipline_id"`
	AttemptNumber   int         `json:"attempt_number"`
	RequestedWeight float64     `json:"requested_weight"`
	ActualWeight    float64     `json:"actual_weight"`
	JudgeVotes      []JudgeVote `json:"judge_votes"`
	IsValid         bool        `json:"is_valid"`
	StartedAt       time.Time   `json:"started_at"`
	CompletedAt     *time.Time  `json:"completed_at,omitempty"`
}

// IsCompleted reports whether a decision has been recorded.
func (a *AttemptRecord) IsCompleted() bool {
	return a.CompletedAt != nil
}

// AttemptStats is a derived view of an attempt's votes.
type AttemptStats struct {
	ValidVotes   int           `json:"valid_votes"`
	InvalidVotes int           `json:"invalid_votes"`
	PendingVotes int           `json:"pending_votes"`
	IsCompleted  bool          `json:"is_completed"`
	Result       AttemptResult `json:"result"`
}

// SessionStats aggregates attempt outcomes for a session.
type SessionStats struct {
	TotalAttempts     int `json:"total_attempts"`
	CompletedAttempts int `json:"completed_attempts"`
	ValidAttempts     int `json:"valid_attempts"`
	InvalidAttempts   int `json:"invalid_attempts"`
	PendingAttempts   int `json:"pending_attempts"`
}
