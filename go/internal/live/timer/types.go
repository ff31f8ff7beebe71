package timer

import (
	"fmt"

	"github.com/mcdev12/liftlive/go/internal/models"
	"github.com/mcdev12/liftlive/go/internal/store"
)

// Slot names the lift a countdown runs for. The zero Slot means none.
type Slot struct {
	AthleteID     string
	DisciplineID  string
	AttemptNumber int
}

// SlotOf returns the slot recorded on a timer.
func SlotOf(st models.TimerState) Slot {
	var s Slot
	if st.AthleteID != nil {
		s.AthleteID = *st.AthleteID
	}
	if st.Discipline != nil {
		s.DisciplineID = *st.Discipline
	}
	if st.AttemptNumber != nil {
		s.AttemptNumber = *st.AttemptNumber
	}
	return s
}

func (s Slot) applyTo(st *models.TimerState) {
	st.AthleteID, st.Discipline, st.AttemptNumber = nil, nil, nil
	if s.AthleteID != "" {
		id := s.AthleteID
		st.AthleteID = &id
	}
	if s.DisciplineID != "" {
		d := s.DisciplineID
		st.Discipline = &d
	}
	if s.AttemptNumber > 0 {
		n := s.AttemptNumber
		st.AttemptNumber = &n
	}
}

// TimerPatch is a partial update of a TimerState. Only non-nil fields change.
type TimerPatch struct {
	IsRunning     *bool             `json:"is_running,omitempty"`
	TimeRemaining *int              `json:"time_remaining,omitempty"`
	TotalTime     *int              `json:"total_time,omitempty"`
	TimerType     *models.TimerType `json:"timer_type,omitempty"`
	AthleteID     *string           `json:"athlete_id,omitempty"`
	Discipline    *string           `json:"discipline,omitempty"`
	AttemptNumber *int              `json:"attempt_number,omitempty"`
	// ClearSlot unsets athlete, discipline and attempt number before the
	// slot fields of this patch apply.
	ClearSlot bool `json:"clear_slot,omitempty"`
}

// PatchOf returns a patch that overwrites every field with the values in s,
// including an empty slot.
func PatchOf(s models.TimerState) TimerPatch {
	running := s.IsRunning
	remaining := s.TimeRemaining
	total := s.TotalTime
	tt := s.TimerType
	return TimerPatch{
		IsRunning:     &running,
		TimeRemaining: &remaining,
		TotalTime:     &total,
		TimerType:     &tt,
		AthleteID:     s.AthleteID,
		Discipline:    s.Discipline,
		AttemptNumber: s.AttemptNumber,
		ClearSlot:     true,
	}
}

func (p TimerPatch) validate() error {
	if p.TimeRemaining != nil && *p.TimeRemaining < 0 {
		return fmt.Errorf("time_remaining must not be negative")
	}
	if p.TotalTime != nil && *p.TotalTime < 0 {
		return fmt.Errorf("total_time must not be negative")
	}
	if p.AttemptNumber != nil && *p.AttemptNumber < 1 {
		return fmt.Errorf("attempt_number must be at least 1")
	}
	if p.TimerType != nil && !p.TimerType.Valid() {
		return fmt.Errorf("unknown timer_type %q", *p.TimerType)
	}
	return nil
}

func (p TimerPatch) fields(eventID string, syncedAt int64) store.Fields {
	f := store.Fields{
		"event_id":     eventID,
		"synced_at":    syncedAt,
		"last_updated": store.ServerTimestamp,
	}
	if p.IsRunning != nil {
		f["is_running"] = *p.IsRunning
	}
	if p.TimeRemaining != nil {
		f["time_remaining"] = *p.TimeRemaining
	}
	if p.TotalTime != nil {
		f["total_time"] = *p.TotalTime
	}
	if p.TimerType != nil {
		f["timer_type"] = *p.TimerType
	}
	if p.ClearSlot {
		f["athlete_id"] = nil
		f["discipline"] = nil
		f["attempt_number"] = nil
	}
	if p.AthleteID != nil {
		f["athlete_id"] = *p.AthleteID
	}
	if p.Discipline != nil {
		f["discipline"] = *p.Discipline
	}
	if p.AttemptNumber != nil {
		f["attempt_number"] = *p.AttemptNumber
	}
	return f
}
