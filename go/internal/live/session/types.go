package session

import (
	"fmt"

	"github.com/mcdev12/liftlive/go/internal/models"
	"github.com/mcdev12/liftlive/go/internal/store"
)

// CreateSessionRequest represents the data needed to open a live session
type CreateSessionRequest struct {
	CompetitionID    string              `json:"competition_id"`
	SetupID          string              `json:"setup_id"`
	Sport            string              `json:"sport"`
	Disciplines      []models.Discipline `json:"disciplines"`
	Roster           []string            `json:"roster"`
	JudgeAssignments map[string]int      `json:"judge_assignments,omitempty"`
}

// RegenerateQueueRequest replaces the lifting order of a session that has not started
type RegenerateQueueRequest struct {
	Disciplines []models.Discipline `json:"disciplines"`
	Roster      []string            `json:"roster"`
}

// SessionPatch is a partial update of a LiveSession. Only non-nil fields change.
type SessionPatch struct {
	CurrentState         *models.SessionState `json:"current_state,omitempty"`
	CurrentAthleteID     *string              `json:"current_athlete_id,omitempty"`
	CurrentDisciplineID  *string              `json:"current_discipline_id,omitempty"`
	CurrentAttemptNumber *int                 `json:"current_attempt_number,omitempty"`
	JudgeAssignments     map[string]int       `json:"judge_assignments,omitempty"`
	// ClearCurrent unsets the current athlete, discipline and attempt number.
	ClearCurrent bool `json:"clear_current,omitempty"`

	queuePosition *int
}

// IsEmpty reports whether the patch changes nothing.
func (p SessionPatch) IsEmpty() bool {
	return p.CurrentState == nil &&
		p.CurrentAthleteID == nil &&
		p.CurrentDisciplineID == nil &&
		p.CurrentAttemptNumber == nil &&
		p.JudgeAssignments == nil &&
		!p.ClearCurrent &&
		p.queuePosition == nil
}

func (p SessionPatch) validate() error {
	if p.CurrentState != nil && !p.CurrentState.Valid() {
		return fmt.Errorf("unknown session state %q", *p.CurrentState)
	}
	if p.CurrentAttemptNumber != nil && *p.CurrentAttemptNumber < 1 {
		return fmt.Errorf("attempt number must be at least 1")
	}
	if p.ClearCurrent && (p.CurrentAthleteID != nil || p.CurrentDisciplineID != nil || p.CurrentAttemptNumber != nil) {
		return fmt.Errorf("cannot clear and set the current slot in one patch")
	}
	if p.JudgeAssignments != nil {
		if err := validateJudgeAssignments(p.JudgeAssignments); err != nil {
			return err
		}
	}
	return nil
}

func (p SessionPatch) fields() store.Fields {
	f := store.Fields{}
	if p.CurrentState != nil {
		f["current_state"] = *p.CurrentState
	}
	if p.ClearCurrent {
		f["current_athlete_id"] = nil
		f["current_discipline_id"] = nil
		f["current_attempt_number"] = nil
	}
	if p.CurrentAthleteID != nil {
		f["current_athlete_id"] = *p.CurrentAthleteID
	}
	if p.CurrentDisciplineID != nil {
		f["current_discipline_id"] = *p.CurrentDisciplineID
	}
	if p.CurrentAttemptNumber != nil {
		f["current_attempt_number"] = *p.CurrentAttemptNumber
	}
	if p.JudgeAssignments != nil {
		f["judge_assignments"] = p.JudgeAssignments
	}
	if p.queuePosition != nil {
		f["queue_position"] = *p.queuePosition
	}
	return f
}

// apply mirrors fields() onto an in-memory session.
func (p SessionPatch) apply(s *models.LiveSession) {
	if p.CurrentState != nil {
		s.CurrentState = *p.CurrentState
	}
	if p.ClearCurrent {
		s.CurrentAthleteID = nil
		s.CurrentDisciplineID = nil
		s.CurrentAttemptNumber = nil
	}
	if p.CurrentAthleteID != nil {
		v := *p.CurrentAthleteID
		s.CurrentAthleteID = &v
	}
	if p.CurrentDisciplineID != nil {
		v := *p.CurrentDisciplineID
		s.CurrentDisciplineID = &v
	}
	if p.CurrentAttemptNumber != nil {
		v := *p.CurrentAttemptNumber
		s.CurrentAttemptNumber = &v
	}
	if p.JudgeAssignments != nil {
		s.JudgeAssignments = p.JudgeAssignments
	}
	if p.queuePosition != nil {
		s.QueuePosition = *p.queuePosition
	}
}

func validateJudgeAssignments(assignments map[string]int) error {
	taken := make(map[int]string, len(assignments))
	for judgeID, position := range assignments {
		if judgeID == "" {
			return fmt.Errorf("judge id is required")
		}
		if position < 1 || position > models.JudgesPerAttempt {
			return fmt.Errorf("judge %s has invalid position %d", judgeID, position)
		}
		if other, ok := taken[position]; ok {
			return fmt.Errorf("judges %s and %s share position %d", other, judgeID, position)
		}
		taken[position] = judgeID
	}
	return nil
}

func statePtr(s models.SessionState) *models.SessionState {
	return &s
}
