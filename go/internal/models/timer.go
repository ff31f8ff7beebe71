package models

import "time"

// TimerType defines what a countdown is measuring.
type TimerType string

const (
	TimerTypeAttempt TimerType = "attempt"
	TimerTypeRest    TimerType = "rest"
	TimerTypeWarmup  TimerType = "warmup"
	TimerTypeExtra   TimerType = "extra"
)

// Valid reports whether t is a known timer type.
func (t TimerType) Valid() bool {
	switch t {
	case TimerTypeAttempt, TimerTypeRest, TimerTypeWarmup, TimerTypeExtra:
		return true
	}
	return false
}

// TimerState is the shared countdown for one competition event.
type TimerState struct {
	EventID       string    `json:"event_id"`
	IsRunning     bool      `json:"is_running"`
	TimeRemaining int       `json:"time_remaining"` // seconds
	TotalTime     int       `json:"total_time"`     // seconds
	TimerType     TimerType `json:"timer_type"`
	AthleteID     *string   `json:"athlete_id,omitempty"`
	Discipline    *string   `json:"discipline,omitempty"`
	AttemptNumber *int      `json:"attempt_number,omitempty"`
	LastUpdated   time.Time `json:"last_updated"` // assigned by the store
	SyncedAt      int64     `json:"synced_at"`    // assigned by the writing client
}
