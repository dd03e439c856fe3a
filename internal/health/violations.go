package health

import (
	"strings"
	"time"

	"github.com/linearhealth/linearhealth/internal/domain"
)

// Violation type keys, used as engineer violation-count map keys and hygiene
// gap identifiers.
const (
	ViolationMissingEstimate    = "missing_estimate"
	ViolationMissingPriority    = "missing_priority"
	ViolationNoRecentComment    = "no_recent_comment"
	ViolationWIPAge             = "wip_age"
	ViolationMissingScopedLabel = "missing_scoped_label"
)

// Thresholds carries every tunable the detectors and scorers consult.
type Thresholds struct {
	WIPLimit             int
	WIPAgeDays           int
	StaleCommentBizDays  int
	StaleUpdateDays      int
	VelocityAtRiskDays   int
	VelocityOffTrackDays int
	BugsPerEngineer      float64
	BugAgeDays           float64
	ThroughputTarget     float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		WIPLimit:             6,
		WIPAgeDays:           14,
		StaleCommentBizDays:  3,
		StaleUpdateDays:      7,
		VelocityAtRiskDays:   14,
		VelocityOffTrackDays: 28,
		BugsPerEngineer:      3,
		BugAgeDays:           30,
		ThroughputTarget:     6,
	}
}

// suppressed reports whether hygiene alerts are muted for the issue:
// sub-issues and terminal-negative states never alert.
func suppressed(i domain.Issue) bool {
	if i.IsSubIssue() {
		return true
	}
	if i.StateType == domain.StateCanceled {
		return true
	}
	return strings.EqualFold(strings.TrimSpace(i.StateName), "duplicate")
}

// MissingEstimate flags issues with no point estimate. Sub-issues and
// canceled/duplicate issues are exempt.
func MissingEstimate(i domain.Issue) bool {
	if suppressed(i) {
		return false
	}
	return i.Estimate == nil
}

// MissingPriority flags issues with priority 0 (Linear's "no priority").
// Same exemptions as MissingEstimate.
func MissingPriority(i domain.Issue) bool {
	if suppressed(i) {
		return false
	}
	return i.Priority == 0
}

// NoRecentComment flags started issues whose last comment predates the
// business-day cutoff, or that have no comment at all.
func (t Thresholds) NoRecentComment(i domain.Issue, now time.Time) bool {
	if i.StateType != domain.StateStarted {
		return false
	}
	cutoff := BusinessDayCutoff(now, t.StaleCommentBizDays)
	if i.LastCommentAt == nil {
		return true
	}
	return i.LastCommentAt.Before(cutoff)
}

// WIPAgeViolation flags started issues in flight longer than the age limit.
func (t Thresholds) WIPAgeViolation(i domain.Issue, now time.Time) bool {
	if i.StateType != domain.StateStarted || i.StartedAt == nil {
		return false
	}
	return now.Sub(*i.StartedAt) > time.Duration(t.WIPAgeDays)*24*time.Hour
}

// MissingScopedLabel flags issues lacking a `type:` label under the "scoped"
// label category.
func MissingScopedLabel(i domain.Issue) bool {
	for _, l := range i.Labels {
		if strings.EqualFold(l.Parent, "scoped") && hasPrefixFold(l.Name, "type:") {
			return false
		}
	}
	return true
}

// IsBug reports whether the issue carries a `type: bug` label, compared
// case-insensitively and ignoring spaces around the colon.
func IsBug(i domain.Issue) bool {
	for _, l := range i.Labels {
		name := strings.ToLower(strings.ReplaceAll(l.Name, " ", ""))
		if name == "type:bug" {
			return true
		}
	}
	return false
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}

// IssueViolations evaluates every issue-level rule at once.
func (t Thresholds) IssueViolations(i domain.Issue, now time.Time) map[string]bool {
	return map[string]bool{
		ViolationMissingEstimate:    MissingEstimate(i),
		ViolationMissingPriority:    MissingPriority(i),
		ViolationNoRecentComment:    t.NoRecentComment(i, now),
		ViolationWIPAge:             t.WIPAgeViolation(i, now),
		ViolationMissingScopedLabel: MissingScopedLabel(i),
	}
}

// ---- project-level rules ----

// projectActiveStates are the lifecycle states that count as in-progress.
func projectActive(state string) bool {
	switch strings.ToLower(state) {
	case "started", "in progress", "inprogress":
		return true
	}
	return false
}

// HasStatusMismatch flags projects that show started issues while their own
// lifecycle state says otherwise.
func HasStatusMismatch(p domain.Project, startedIssues int) bool {
	return startedIssues > 0 && !projectActive(p.State)
}

// IsStaleUpdate flags projects with no status update inside the window.
func (t Thresholds) IsStaleUpdate(p domain.Project, now time.Time) bool {
	cutoff := now.Add(-time.Duration(t.StaleUpdateDays) * 24 * time.Hour)
	for _, u := range p.Updates {
		if u.CreatedAt != nil && u.CreatedAt.After(cutoff) {
			return false
		}
	}
	return true
}

// IsMissingLead flags projects with active work but no assigned lead.
func IsMissingLead(p domain.Project, startedIssues int) bool {
	return startedIssues > 0 && p.LeadID == ""
}

// riceCategories are the sizing label prefixes every project must carry.
var riceCategories = []string{"reach:", "impact:", "confidence:", "effort:"}

// HasMissingProjectScopedLabels flags projects missing one or more of the
// four RICE sizing labels.
func HasMissingProjectScopedLabels(p domain.Project) bool {
	for _, cat := range riceCategories {
		found := false
		for _, l := range p.Labels {
			if hasPrefixFold(l.Name, cat) {
				found = true
				break
			}
		}
		if !found {
			return true
		}
	}
	return false
}
