package queue

import (
	"github.com/mcdev12/liftlive/go/internal/models"
)

// BuildQueue generates the lifting order: discipline by discipline, then
// attempt number, then roster order. Order numbers start at 1.
func BuildQueue(disciplines []models.Discipline, roster []string) []models.QueueItem {
	items := make([]models.QueueItem, 0, Length(disciplines, len(roster)))
	order := 1
	for _, d := range disciplines {
		for attempt := 1; attempt <= d.MaxAttempts; attempt++ {
			for _, athleteID := range roster {
				items = append(items, models.QueueItem{
					AthleteID:     athleteID,
					DisciplineID:  d.ID,
					AttemptNumber: attempt,
					Order:         order,
				})
				order++
			}
		}
	}
	return items
}

// Length is the number of items BuildQueue produces.
func Length(disciplines []models.Discipline, rosterSize int) int {
	total := 0
	for _, d := range disciplines {
		if d.MaxAttempts > 0 {
			total += d.MaxAttempts
		}
	}
	return total * rosterSize
}
