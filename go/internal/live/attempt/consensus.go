package attempt

import (
	"github.com/mcdev12/liftlive/go/internal/models"
)

// majority is the number of agreeing votes that decides an attempt.
const majority = 2

// Tally counts votes over a full vote list.
type Tally struct {
	Valid   int
	Invalid int
	Total   int
}

// Count tallies every vote in the list.
func Count(votes []models.JudgeVote) Tally {
	var t Tally
	for _, v := range votes {
		switch v.Vote {
		case models.VoteValid:
			t.Valid++
		case models.VoteInvalid:
			t.Invalid++
		}
		t.Total++
	}
	return t
}

// IsValid is true once a majority called the lift good.
func (t Tally) IsValid() bool {
	return t.Valid >= majority
}

// IsCompleted is true as soon as either side reaches a majority or every judge has voted.
func (t Tally) IsCompleted() bool {
	return t.Total >= models.JudgesPerAttempt || t.Valid >= majority || t.Invalid >= majority
}

// ApplyVote returns a new vote list with v recorded. A second vote from the
// same judge replaces the first in place and is marked as a correction that
// keeps the value it replaced.
func ApplyVote(votes []models.JudgeVote, v models.JudgeVote) ([]models.JudgeVote, bool) {
	out := make([]models.JudgeVote, len(votes), len(votes)+1)
	copy(out, votes)
	for i, existing := range out {
		if existing.JudgeID != v.JudgeID {
			continue
		}
		previous := existing.Vote
		v.Corrected = true
		v.OriginalVote = &previous
		out[i] = v
		return out, true
	}
	v.Corrected = false
	v.OriginalVote = nil
	return append(out, v), false
}

// Stats derives the vote view of an attempt.
func Stats(a *models.AttemptRecord) models.AttemptStats {
	t := Count(a.JudgeVotes)
	completed := t.IsCompleted()
	result := models.AttemptResultPending
	if completed {
		result = models.AttemptResultInvalid
		if t.IsValid() {
			result = models.AttemptResultValid
		}
	}
	pending := models.JudgesPerAttempt - t.Total
	if pending < 0 {
		pending = 0
	}
	return models.AttemptStats{
		ValidVotes:   t.Valid,
		InvalidVotes: t.Invalid,
		PendingVotes: pending,
		IsCompleted:  completed,
		Result:       result,
	}
}

// SessionStats aggregates the outcome of every attempt in a session.
func SessionStats(attempts []models.AttemptRecord) models.SessionStats {
	stats := models.SessionStats{TotalAttempts: len(attempts)}
	for i := range attempts {
		a := &attempts[i]
		if !a.IsCompleted() {
			continue
		}
		stats.CompletedAttempts++
		if a.IsValid {
			stats.ValidAttempts++
		} else {
			stats.InvalidAttempts++
		}
	}
	stats.PendingAttempts = stats.TotalAttempts - stats.CompletedAttempts
	return stats
}
