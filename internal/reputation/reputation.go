// Package reputation tracks how often a contributor agrees with consensus.
package reputation

import (
	"time"

	"annotask/internal/domain"
)

const (
	// DefaultEWMA seeds contributors without history.
	DefaultEWMA = 0.8

	decay = 0.85
	gain  = 0.15
)

// NextEWMA folds one aligned/not-aligned signal into the running score.
// The result is stored as is; voting weight clamps on read.
func NextEWMA(prev float64, aligned bool) float64 {
	signal := 0.0
	if aligned {
		signal = 1
	}
	return decay*prev + gain*signal
}

// Seed returns fresh stats for a contributor with no history.
func Seed(contributorID string) domain.ContributorStats {
	return domain.ContributorStats{ContributorID: contributorID, EWMAAgreement: DefaultEWMA}
}

// Outcome is what one submission contributes to a contributor's stats.
type Outcome struct {
	Aligned         bool
	GoldenEvaluated bool
	GoldenMatch     bool
}

// Apply returns prev updated with the outcome of one submission.
func Apply(prev domain.ContributorStats, o Outcome, at time.Time) domain.ContributorStats {
	next := prev
	next.EWMAAgreement = NextEWMA(prev.EWMAAgreement, o.Aligned)
	next.TasksTotal++
	if o.Aligned {
		next.TasksAgreed++
	}
	if o.GoldenEvaluated {
		next.GoldenTotal++
		if o.GoldenMatch {
			next.GoldenCorrect++
		}
	}
	next.LastActive = at
	return next
}
