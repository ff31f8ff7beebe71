package queue

import (
	"testing"

	"github.com/mcdev12/liftlive/go/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildQueueOrdering(t *testing.T) {
	disciplines := []models.Discipline{
		{ID: "squat", MaxAttempts: 2},
		{ID: "bench", MaxAttempts: 1},
	}
	roster := []string{"ana", "ben"}

	items := BuildQueue(disciplines, roster)

	want := []models.QueueItem{
		{AthleteID: "ana", DisciplineID: "squat", AttemptNumber: 1, Order: 1},
		{AthleteID: "ben", DisciplineID: "squat", AttemptNumber: 1, Order: 2},
		{AthleteID: "ana", DisciplineID: "squat", AttemptNumber: 2, Order: 3},
		{AthleteID: "ben", DisciplineID: "squat", AttemptNumber: 2, Order: 4},
		{AthleteID: "ana", DisciplineID: "bench", AttemptNumber: 1, Order: 5},
		{AthleteID: "ben", DisciplineID: "bench", AttemptNumber: 1, Order: 6},
	}
	assert.Equal(t, want, items)
}

func TestBuildQueueLength(t *testing.T) {
	tests := []struct {
		name        string
		disciplines []models.Discipline
		roster      []string
		want        int
	}{
		{"three by three", []models.Discipline{{ID: "snatch", MaxAttempts: 3}}, []string{"a", "b", "c"}, 9},
		{"mixed attempts", []models.Discipline{{ID: "s", MaxAttempts: 3}, {ID: "b", MaxAttempts: 2}, {ID: "d", MaxAttempts: 1}}, []string{"a", "b"}, 12},
		{"empty roster", []models.Discipline{{ID: "s", MaxAttempts: 3}}, nil, 0},
		{"no disciplines", nil, []string{"a"}, 0},
		{"zero attempts", []models.Discipline{{ID: "s", MaxAttempts: 0}}, []string{"a"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			items := BuildQueue(tt.disciplines, tt.roster)
			require.Len(t, items, tt.want)
			assert.Equal(t, tt.want, Length(tt.disciplines, len(tt.roster)))
			for i := 1; i < len(items); i++ {
				assert.Greater(t, items[i].Order, items[i-1].Order)
			}
		})
	}
}

func TestBuildQueueIsDeterministic(t *testing.T) {
	disciplines := []models.Discipline{{ID: "clean-jerk", MaxAttempts: 3}}
	roster := []string{"x", "y", "z"}
	assert.Equal(t, BuildQueue(disciplines, roster), BuildQueue(disciplines, roster))
}
