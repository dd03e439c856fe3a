package health

import (
	"time"

	"github.com/linearhealth/linearhealth/internal/domain"
)

// Component weights of the quality score. They sum to 1; each component is
// independently capped before weighting.
const (
	qualityWeightLoad = 0.30
	qualityWeightNet  = 0.40
	qualityWeightAge  = 0.30
)

// QualityInputs are the raw bug aggregates a quality score is computed from.
type QualityInputs struct {
	OpenBugs     int
	NetChange14d float64
	AvgAgeDays   float64
	Engineers    int
}

// BugStats derives QualityInputs from the issue set. A bug is any issue
// carrying a `type: bug` label; open means not completed and not canceled.
func BugStats(issues []domain.Issue, engineers int, now time.Time) QualityInputs {
	in := QualityInputs{Engineers: engineers}
	window := now.Add(-14 * 24 * time.Hour)
	var ageSum float64
	for _, i := range issues {
		if !IsBug(i) {
			continue
		}
		open := i.StateType != domain.StateCompleted && i.StateType != domain.StateCanceled
		if open {
			in.OpenBugs++
			if i.CreatedAt != nil {
				ageSum += now.Sub(*i.CreatedAt).Hours() / 24
			}
		}
		if i.CreatedAt != nil && i.CreatedAt.After(window) {
			in.NetChange14d++
		}
		if i.CompletedAt != nil && i.CompletedAt.After(window) {
			in.NetChange14d--
		}
	}
	if in.OpenBugs > 0 {
		in.AvgAgeDays = ageSum / float64(in.OpenBugs)
	}
	return in
}

// QualityScore computes the composite 0-100 score and its per-component
// penalties (positive values subtract from 100; the net component may be
// negative, rewarding shrinkage).
func (t Thresholds) QualityScore(in QualityInputs) (float64, map[string]float64) {
	engineers := float64(in.Engineers)
	if engineers < 1 {
		engineers = 1
	}
	bugCap := t.BugsPerEngineer
	if bugCap <= 0 {
		bugCap = 1
	}
	ageCap := t.BugAgeDays
	if ageCap <= 0 {
		ageCap = 1
	}

	load := float64(in.OpenBugs) / engineers / bugCap
	if load > 1 {
		load = 1
	}
	net := in.NetChange14d / engineers / bugCap
	if net > 1 {
		net = 1
	}
	if net < -1 {
		net = -1
	}
	age := in.AvgAgeDays / ageCap
	if age > 1 {
		age = 1
	}
	if age < 0 {
		age = 0
	}

	penalties := map[string]float64{
		"bug_load":   qualityWeightLoad * 100 * load,
		"net_change": qualityWeightNet * 100 * net,
		"bug_age":    qualityWeightAge * 100 * age,
	}
	score := 100 - penalties["bug_load"] - penalties["net_change"] - penalties["bug_age"]
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score, penalties
}
