package health

import (
	"time"

	"github.com/linearhealth/linearhealth/internal/domain"
)

// Health sources recorded on derived projects.
const (
	SourceReported = "reported"
	SourceVelocity = "velocity"
	SourceNone     = "none"
)

// DeriveProject recomputes every derived column on p from its issue set.
// Derived fields are always rebuilt wholesale, never patched.
func (t Thresholds) DeriveProject(p *domain.Project, issues []domain.Issue, now time.Time) {
	p.IssueCount = len(issues)
	p.StartedCount = 0
	p.CompletedCount = 0
	var firstCreated *time.Time
	var cycleSum float64
	var cycleN int
	for _, i := range issues {
		switch i.StateType {
		case domain.StateStarted:
			p.StartedCount++
		case domain.StateCompleted:
			p.CompletedCount++
			if i.StartedAt != nil && i.CompletedAt != nil {
				cycleSum += i.CompletedAt.Sub(*i.StartedAt).Hours() / 24
				cycleN++
			}
		}
		if i.CreatedAt != nil && (firstCreated == nil || i.CreatedAt.Before(*firstCreated)) {
			firstCreated = i.CreatedAt
		}
	}
	if cycleN > 0 {
		p.CycleTimeDays = cycleSum / float64(cycleN)
	} else {
		p.CycleTimeDays = 0
	}

	// Velocity: completed issues per elapsed week since the first issue was
	// created. Projects younger than a week are measured over one week.
	p.Velocity = 0
	p.PredictedEnd = nil
	if firstCreated != nil {
		weeks := now.Sub(*firstCreated).Hours() / (7 * 24)
		if weeks < 1 {
			weeks = 1
		}
		p.Velocity = float64(p.CompletedCount) / weeks
		if remaining := p.IssueCount - p.CompletedCount; remaining > 0 && p.Velocity > 0 {
			end := now.Add(time.Duration(float64(remaining)/p.Velocity*7*24) * time.Hour)
			p.PredictedEnd = &end
		}
	}

	p.StatusMismatch = HasStatusMismatch(*p, p.StartedCount)
	p.StaleUpdate = t.IsStaleUpdate(*p, now)
	p.MissingLead = IsMissingLead(*p, p.StartedCount)
	p.EffectiveHealth, p.HealthSource = t.effectiveHealth(*p)
}

// effectiveHealth resolves the hybrid of human-reported status and the
// velocity projection. A human atRisk/offTrack always wins; an onTrack claim
// is overridden when the projection misses the target date badly enough.
func (t Thresholds) effectiveHealth(p domain.Project) (string, string) {
	switch p.Health {
	case domain.HealthAtRisk, domain.HealthOffTrack:
		return p.Health, SourceReported
	}
	source := SourceReported
	eff := p.Health
	if eff == "" {
		eff = domain.HealthOnTrack
		source = SourceNone
	}
	if p.PredictedEnd != nil && p.TargetDate != nil {
		slipDays := int(p.PredictedEnd.Sub(*p.TargetDate).Hours() / 24)
		if slipDays >= t.VelocityOffTrackDays {
			return domain.HealthOffTrack, SourceVelocity
		}
		if slipDays >= t.VelocityAtRiskDays {
			return domain.HealthAtRisk, SourceVelocity
		}
	}
	return eff, source
}
