package health

import (
	"testing"
	"time"

	"github.com/linearhealth/linearhealth/internal/domain"
)

func fp(v float64) *float64 { return &v }

func tp(t time.Time) *time.Time { return &t }

func TestMissingEstimateExemptions(t *testing.T) {
	base := domain.Issue{StateType: domain.StateUnstarted}
	if !MissingEstimate(base) {
		t.Fatalf("no estimate should flag")
	}
	withEst := base
	withEst.Estimate = fp(3)
	if MissingEstimate(withEst) {
		t.Fatalf("estimated issue should not flag")
	}
	sub := base
	sub.ParentID = "parent-1"
	if MissingEstimate(sub) {
		t.Fatalf("sub-issues never require an estimate")
	}
	canceled := base
	canceled.StateType = domain.StateCanceled
	if MissingEstimate(canceled) {
		t.Fatalf("canceled issues are suppressed")
	}
	dup := base
	dup.StateName = "Duplicate"
	if MissingEstimate(dup) {
		t.Fatalf("duplicate-state issues are suppressed")
	}
}

func TestMissingPriorityExemptions(t *testing.T) {
	base := domain.Issue{StateType: domain.StateStarted, Priority: 0}
	if !MissingPriority(base) {
		t.Fatalf("priority 0 should flag")
	}
	base.Priority = 2
	if MissingPriority(base) {
		t.Fatalf("priority set should not flag")
	}
	sub := domain.Issue{Priority: 0, ParentID: "p"}
	if MissingPriority(sub) {
		t.Fatalf("sub-issues never require a priority")
	}
}

func TestNoRecentCommentBusinessDays(t *testing.T) {
	th := DefaultThresholds()
	friday := time.Date(2026, 8, 21, 15, 0, 0, 0, time.UTC)
	monday := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	tuesday := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)

	issue := domain.Issue{StateType: domain.StateStarted, LastCommentAt: tp(friday)}
	if th.NoRecentComment(issue, monday) {
		t.Fatalf("Friday comment must still be recent on Monday")
	}
	if !th.NoRecentComment(issue, tuesday) {
		t.Fatalf("Friday comment must be stale on Tuesday")
	}

	// Not started: rule does not apply at all.
	backlog := domain.Issue{StateType: domain.StateBacklog}
	if th.NoRecentComment(backlog, tuesday) {
		t.Fatalf("rule applies only to started issues")
	}

	// Started with no comment ever: stale.
	silent := domain.Issue{StateType: domain.StateStarted}
	if !th.NoRecentComment(silent, monday) {
		t.Fatalf("commentless started issue is stale")
	}
}

func TestBusinessDayCutoffMidweek(t *testing.T) {
	// Evaluated Thursday, the cutoff is start of Wednesday: a Monday comment
	// is stale, a Wednesday comment is not.
	thursday := time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)
	cutoff := BusinessDayCutoff(thursday, 3)
	want := time.Date(2026, 8, 26, 0, 0, 0, 0, time.UTC)
	if !cutoff.Equal(want) {
		t.Fatalf("cutoff = %s, want %s", cutoff, want)
	}
}

func TestWIPAgeViolation(t *testing.T) {
	th := DefaultThresholds()
	now := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	fresh := domain.Issue{StateType: domain.StateStarted, StartedAt: tp(now.AddDate(0, 0, -13))}
	if th.WIPAgeViolation(fresh, now) {
		t.Fatalf("13 days in flight is within the limit")
	}
	old := domain.Issue{StateType: domain.StateStarted, StartedAt: tp(now.AddDate(0, 0, -15))}
	if !th.WIPAgeViolation(old, now) {
		t.Fatalf("15 days in flight should flag")
	}
	done := domain.Issue{StateType: domain.StateCompleted, StartedAt: tp(now.AddDate(0, 0, -30))}
	if th.WIPAgeViolation(done, now) {
		t.Fatalf("completed issues are not WIP")
	}
}

func TestMissingScopedLabel(t *testing.T) {
	bare := domain.Issue{}
	if !MissingScopedLabel(bare) {
		t.Fatalf("unlabeled issue should flag")
	}
	labeled := domain.Issue{Labels: []domain.Label{{Name: "type: feature", Parent: "Scoped"}}}
	if MissingScopedLabel(labeled) {
		t.Fatalf("scoped type label satisfies the rule")
	}
	wrongParent := domain.Issue{Labels: []domain.Label{{Name: "type: feature", Parent: "Misc"}}}
	if !MissingScopedLabel(wrongParent) {
		t.Fatalf("label outside the scoped category does not count")
	}
}

func TestIsBug(t *testing.T) {
	for _, name := range []string{"type: bug", "Type: Bug", "type:bug"} {
		i := domain.Issue{Labels: []domain.Label{{Name: name}}}
		if !IsBug(i) {
			t.Errorf("%q should count as a bug label", name)
		}
	}
	if IsBug(domain.Issue{Labels: []domain.Label{{Name: "type: feature"}}}) {
		t.Fatalf("feature label is not a bug")
	}
}

func TestProjectRules(t *testing.T) {
	th := DefaultThresholds()
	now := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)

	p := domain.Project{State: "planned"}
	if !HasStatusMismatch(p, 3) {
		t.Fatalf("planned project with started issues mismatches")
	}
	if HasStatusMismatch(domain.Project{State: "started"}, 3) {
		t.Fatalf("started project with started issues is aligned")
	}
	if HasStatusMismatch(p, 0) {
		t.Fatalf("no started issues, no mismatch")
	}

	stale := domain.Project{Updates: []domain.ProjectUpdate{{CreatedAt: tp(now.AddDate(0, 0, -10))}}}
	if !th.IsStaleUpdate(stale, now) {
		t.Fatalf("10-day-old update is stale")
	}
	fresh := domain.Project{Updates: []domain.ProjectUpdate{{CreatedAt: tp(now.AddDate(0, 0, -2))}}}
	if th.IsStaleUpdate(fresh, now) {
		t.Fatalf("2-day-old update is fresh")
	}

	if !IsMissingLead(domain.Project{}, 1) {
		t.Fatalf("active work without a lead should flag")
	}
	if IsMissingLead(domain.Project{LeadID: "u1"}, 1) {
		t.Fatalf("lead assigned")
	}
	if IsMissingLead(domain.Project{}, 0) {
		t.Fatalf("idle project does not require a lead")
	}
}

func TestHasMissingProjectScopedLabels(t *testing.T) {
	full := domain.Project{Labels: []domain.Label{
		{Name: "reach: high"}, {Name: "impact: medium"},
		{Name: "confidence: 80%"}, {Name: "effort: weeks"},
	}}
	if HasMissingProjectScopedLabels(full) {
		t.Fatalf("all four RICE labels present")
	}
	partial := domain.Project{Labels: []domain.Label{{Name: "reach: high"}}}
	if !HasMissingProjectScopedLabels(partial) {
		t.Fatalf("three RICE categories missing")
	}
}
