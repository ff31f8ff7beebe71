package timer

import (
	"fmt"
	"os"

	"github.com/mcdev12/liftlive/go/internal/apperr"
	"github.com/mcdev12/liftlive/go/internal/models"
	"gopkg.in/yaml.v3"
)

// Settings holds the countdown lengths of one sport, in seconds.
type Settings struct {
	AttemptTime int `yaml:"attempt_time" json:"attempt_time"`
	RestTime    int `yaml:"rest_time" json:"rest_time"`
	WarmupTime  int `yaml:"warmup_time" json:"warmup_time"`
	ExtraTime   int `yaml:"extra_time" json:"extra_time"`
}

// Seconds returns the configured length of a timer type.
func (s Settings) Seconds(t models.TimerType) int {
	switch t {
	case models.TimerTypeAttempt:
		return s.AttemptTime
	case models.TimerTypeRest:
		return s.RestTime
	case models.TimerTypeWarmup:
		return s.WarmupTime
	case models.TimerTypeExtra:
		return s.ExtraTime
	}
	return 0
}

func (s Settings) validate() error {
	if s.AttemptTime <= 0 {
		return fmt.Errorf("attempt_time must be positive")
	}
	if s.RestTime < 0 || s.WarmupTime < 0 || s.ExtraTime < 0 {
		return fmt.Errorf("timer lengths must not be negative")
	}
	return nil
}

// Table maps a sport identifier to its timer settings.
type Table map[string]Settings

// DefaultTable is used when no table file is configured.
func DefaultTable() Table {
	return Table{
		"weightlifting": {AttemptTime: 60, RestTime: 120, WarmupTime: 600, ExtraTime: 120},
		"powerlifting":  {AttemptTime: 60, RestTime: 60, WarmupTime: 900, ExtraTime: 60},
	}
}

// Lookup returns the settings for a sport.
func (t Table) Lookup(sport string) (Settings, error) {
	s, ok := t[sport]
	if !ok {
		return Settings{}, apperr.NotFound(fmt.Sprintf("no timer settings for sport %q", sport))
	}
	return s, nil
}

// ParseTable decodes a YAML document of the form
//
//	weightlifting:
//	  attempt_time: 60
//	  rest_time: 120
func ParseTable(data []byte) (Table, error) {
	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to parse timer table: %w", err)
	}
	if len(t) == 0 {
		return nil, fmt.Errorf("timer table is empty")
	}
	for sport, s := range t {
		if err := s.validate(); err != nil {
			return nil, fmt.Errorf("invalid timer settings for %q: %w", sport, err)
		}
	}
	return t, nil
}

// LoadTable reads a timer table from a YAML file.
func LoadTable(path string) (Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read timer table: %w", err)
	}
	return ParseTable(data)
}
