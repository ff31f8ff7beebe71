package attempt

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/liftlive/go/internal/models"
	"github.com/mcdev12/liftlive/go/internal/store"
)

// CreateAttemptRequest represents the data needed to open an attempt
type CreateAttemptRequest struct {
	SessionID       uuid.UUID `json:"session_id"`
	AthleteID       string    `json:"athlete_id"`
	DisciplineID    string    `json:"discipline_id"`
	AttemptNumber   int       `json:"attempt_number"`
	RequestedWeight float64   `json:"requested_weight"`
}

// VoteRequest is one judge's call
type VoteRequest struct {
	JudgeID  string      `json:"judge_id"`
	Position int         `json:"position"`
	Vote     models.Vote `json:"vote"`
}

// VoteResult reports the state of the attempt after a vote
type VoteResult struct {
	IsCompleted bool                  `json:"is_completed"`
	IsValid     bool                  `json:"is_valid"`
	Corrected   bool                  `json:"corrected"`
	Attempt     *models.AttemptRecord `json:"attempt"`
}

// AttemptPatch is a partial update of an AttemptRecord. Only non-nil fields change.
type AttemptPatch struct {
	ActualWeight *float64
	JudgeVotes   []models.JudgeVote
	IsValid      *bool
	CompletedAt  *time.Time
}

func (p AttemptPatch) isEmpty() bool {
	return p.ActualWeight == nil && p.JudgeVotes == nil && p.IsValid == nil && p.CompletedAt == nil
}

func (p AttemptPatch) fields() store.Fields {
	f := store.Fields{}
	if p.ActualWeight != nil {
		f["actual_weight"] = *p.ActualWeight
	}
	if p.JudgeVotes != nil {
		f["judge_votes"] = p.JudgeVotes
	}
	if p.IsValid != nil {
		f["is_valid"] = *p.IsValid
	}
	if p.CompletedAt != nil {
		f["completed_at"] = p.CompletedAt.UTC()
	}
	return f
}

func (p AttemptPatch) apply(a *models.AttemptRecord) {
	if p.ActualWeight != nil {
		a.ActualWeight = *p.ActualWeight
	}
	if p.JudgeVotes != nil {
		a.JudgeVotes = p.JudgeVotes
	}
	if p.IsValid != nil {
		a.IsValid = *p.IsValid
	}
	if p.CompletedAt != nil {
		t := p.CompletedAt.UTC()
		a.CompletedAt = &t
	}
}

// ID returns the deterministic id of the attempt for a queue slot, so
// creating the attempt for the same slot twice yields the same record.
func ID(sessionID uuid.UUID, athleteID, disciplineID string, attemptNumber int) uuid.UUID {
	return uuid.NewSHA1(sessionID, []byte(fmt.Sprintf("%s/%s/%d", athleteID, disciplineID, attemptNumber)))
}

func (r VoteRequest) validate() error {
	if r.JudgeID == "" {
		return fmt.Errorf("judge_id is required")
	}
	if r.Position < 1 || r.Position > models.JudgesPerAttempt {
		return fmt.Errorf("position must be between 1 and %d, got %d", models.JudgesPerAttempt, r.Position)
	}
	if !r.Vote.Valid() {
		return fmt.Errorf("vote must be %q or %q, got %q", models.VoteValid, models.VoteInvalid, r.Vote)
	}
	return nil
}
