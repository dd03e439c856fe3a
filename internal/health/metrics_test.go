package health

import (
	"fmt"
	"testing"
	"time"

	"github.com/linearhealth/linearhealth/internal/domain"
)

func TestBandBoundaries(t *testing.T) {
	cases := []struct {
		score float64
		want  string
	}{
		{100, StatusHealthy},
		{90, StatusHealthy},
		{89.9, StatusWarning},
		{75, StatusWarning},
		{74.9, StatusCritical},
		{0, StatusCritical},
	}
	for _, c := range cases {
		if got := Band(c.score); got != c.want {
			t.Errorf("Band(%v) = %s, want %s", c.score, got, c.want)
		}
	}
}

func TestQualityScoreBoundaries(t *testing.T) {
	th := DefaultThresholds()

	// Zero bugs, zero change, zero age: exactly 100.
	score, _ := th.QualityScore(QualityInputs{Engineers: 4})
	if score != 100 {
		t.Fatalf("clean org should score 100, got %v", score)
	}

	// Exactly at the bug-per-engineer threshold with no other penalties:
	// 100 - 30 = 70.
	score, pen := th.QualityScore(QualityInputs{
		OpenBugs:  int(th.BugsPerEngineer * 2),
		Engineers: 2,
	})
	if score != 70 {
		t.Fatalf("at-threshold org should score 70, got %v (penalties %v)", score, pen)
	}

	// Shrinking bug count rewards, but the score stays clamped at 100.
	score, _ = th.QualityScore(QualityInputs{NetChange14d: -10, Engineers: 2})
	if score != 100 {
		t.Fatalf("reward must clamp at 100, got %v", score)
	}

	// Everything maxed out floors at 0.
	score, _ = th.QualityScore(QualityInputs{
		OpenBugs:     1000,
		NetChange14d: 1000,
		AvgAgeDays:   1000,
		Engineers:    1,
	})
	if score != 0 {
		t.Fatalf("worst case must clamp at 0, got %v", score)
	}
}

func TestVelocityOverride(t *testing.T) {
	th := DefaultThresholds()
	now := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	created := now.AddDate(0, 0, -70) // ten weeks of history

	makeIssues := func() []domain.Issue {
		var issues []domain.Issue
		for i := 0; i < 10; i++ {
			issues = append(issues, domain.Issue{
				ID: fmt.Sprintf("done-%d", i), StateType: domain.StateCompleted,
				CreatedAt: tp(created), CompletedAt: tp(now.AddDate(0, 0, -i)),
			})
		}
		for i := 0; i < 10; i++ {
			issues = append(issues, domain.Issue{
				ID: fmt.Sprintf("open-%d", i), StateType: domain.StateUnstarted,
				CreatedAt: tp(created),
			})
		}
		return issues
	}

	// Velocity 1/week, 10 issues remaining: predicted end is now+70d.
	// Target 40 days out means a 30-day slip: offTrack, velocity source.
	p := domain.Project{Health: domain.HealthOnTrack, State: "started", TargetDate: tp(now.AddDate(0, 0, 40))}
	th.DeriveProject(&p, makeIssues(), now)
	if p.Velocity != 1 {
		t.Fatalf("velocity = %v, want 1", p.Velocity)
	}
	if p.EffectiveHealth != domain.HealthOffTrack || p.HealthSource != SourceVelocity {
		t.Fatalf("got %s/%s, want offTrack/velocity", p.EffectiveHealth, p.HealthSource)
	}

	// A 20-day slip only downgrades to atRisk.
	p = domain.Project{Health: domain.HealthOnTrack, State: "started", TargetDate: tp(now.AddDate(0, 0, 50))}
	th.DeriveProject(&p, makeIssues(), now)
	if p.EffectiveHealth != domain.HealthAtRisk || p.HealthSource != SourceVelocity {
		t.Fatalf("got %s/%s, want atRisk/velocity", p.EffectiveHealth, p.HealthSource)
	}

	// A 10-day slip is within grace.
	p = domain.Project{Health: domain.HealthOnTrack, State: "started", TargetDate: tp(now.AddDate(0, 0, 60))}
	th.DeriveProject(&p, makeIssues(), now)
	if p.EffectiveHealth != domain.HealthOnTrack {
		t.Fatalf("got %s, want onTrack", p.EffectiveHealth)
	}

	// Human judgment wins: a reported atRisk is never overridden.
	p = domain.Project{Health: domain.HealthAtRisk, State: "started", TargetDate: tp(now.AddDate(0, 0, 40))}
	th.DeriveProject(&p, makeIssues(), now)
	if p.EffectiveHealth != domain.HealthAtRisk || p.HealthSource != SourceReported {
		t.Fatalf("got %s/%s, want atRisk/reported", p.EffectiveHealth, p.HealthSource)
	}
}

func TestWIPLimitBoundary(t *testing.T) {
	th := DefaultThresholds()
	six := domain.Engineer{StartedCount: 6}
	if th.OverWIPLimit(six) {
		t.Fatalf("exactly 6 started issues is within the limit")
	}
	seven := domain.Engineer{StartedCount: 7}
	if !th.OverWIPLimit(seven) {
		t.Fatalf("7 started issues breaks the limit")
	}
	spread := domain.Engineer{StartedCount: 2, MultiProject: true}
	if th.WIPCompliant(spread) {
		t.Fatalf("multi-project spread is non-compliant even under the limit")
	}
}

// Fixture from the scoring scenario: 50 issues across 5 projects, project
// proj-0 holding 8 started issues all assigned to one engineer.
func scenarioIssues(now time.Time) []domain.Issue {
	var issues []domain.Issue
	for i := 0; i < 8; i++ {
		issues = append(issues, domain.Issue{
			ID: fmt.Sprintf("hot-%d", i), Identifier: fmt.Sprintf("ENG-%d", i),
			StateType: domain.StateStarted, StartedAt: tp(now.AddDate(0, 0, -2)),
			AssigneeID: "eng-busy", AssigneeName: "Busy Engineer",
			TeamID: "t1", TeamName: "Core", TeamKey: "CORE",
			ProjectID: "proj-0", Estimate: fp(2), Priority: 1,
			LastCommentAt: tp(now.AddDate(0, 0, -1)),
			Labels:        []domain.Label{{Name: "type: feature", Parent: "Scoped"}},
		})
	}
	n := 8
	for p := 1; p < 5; p++ {
		for i := 0; i < 10; i++ {
			n++
			issues = append(issues, domain.Issue{
				ID: fmt.Sprintf("iss-%d", n), Identifier: fmt.Sprintf("ENG-%d", n),
				StateType:  domain.StateUnstarted,
				AssigneeID: fmt.Sprintf("eng-%d", p), AssigneeName: fmt.Sprintf("Engineer %d", p),
				TeamID: "t1", TeamName: "Core", TeamKey: "CORE",
				ProjectID: fmt.Sprintf("proj-%d", p), Estimate: fp(1), Priority: 2,
				Labels: []domain.Label{{Name: "type: feature", Parent: "Scoped"}},
			})
		}
	}
	// 48 so far; two unassigned stragglers round out the 50.
	issues = append(issues,
		domain.Issue{ID: "iss-49", StateType: domain.StateBacklog, ProjectID: "proj-1"},
		domain.Issue{ID: "iss-50", StateType: domain.StateBacklog, ProjectID: "proj-2"},
	)
	return issues
}

func TestScenarioWIPViolation(t *testing.T) {
	th := DefaultThresholds()
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	issues := scenarioIssues(now)
	if len(issues) != 50 {
		t.Fatalf("fixture should hold 50 issues, got %d", len(issues))
	}

	engineers := th.ComputeEngineers(issues, nil, now)
	var busy *domain.Engineer
	seen := 0
	for i := range engineers {
		if engineers[i].AssigneeID == "eng-busy" {
			busy = &engineers[i]
			seen++
		}
	}
	if seen != 1 {
		t.Fatalf("engineer must appear exactly once, got %d rows", seen)
	}
	if busy.StartedCount != 8 || !th.OverWIPLimit(*busy) {
		t.Fatalf("expected WIP violation with 8 started, got %#v", busy)
	}
	if busy.MultiProject {
		t.Fatalf("all work is in one project, no multi-project violation")
	}
	if busy.StartedPoints != 16 {
		t.Fatalf("started points = %v, want 16", busy.StartedPoints)
	}
	if len(busy.ActiveIssues) != 8 {
		t.Fatalf("active issue summaries = %d, want 8", len(busy.ActiveIssues))
	}

	c := Computer{T: th}
	report := c.Report(domain.LevelOrg, "", issues, nil, nil, now)
	if report.WIP.Score == nil {
		t.Fatalf("wip pillar must be scored")
	}
	// 1 of 5 engineers violates: 80% compliant, warning band.
	if *report.WIP.Score != 80 || report.WIP.Status != StatusWarning {
		t.Fatalf("wip = %v/%s, want 80/warning", *report.WIP.Score, report.WIP.Status)
	}
	// The violating engineer touches exactly one of five projects.
	if got := report.WIP.Detail["violating_project_pct"]; got != 20 {
		t.Fatalf("violating_project_pct = %v, want 20", got)
	}
}

func TestProductivityPending(t *testing.T) {
	c := Computer{T: DefaultThresholds()}
	p := c.productivityPillar(nil)
	if p.Status != StatusPending || p.Score != nil {
		t.Fatalf("unconfigured feed must report pending without a score, got %#v", p)
	}

	p = c.productivityPillar([]ThroughputSample{
		{Contributor: "a", Completed: 8},
		{Contributor: "b", Completed: 2},
	})
	if p.Score == nil || *p.Score != 50 {
		t.Fatalf("expected 50%% meeting target, got %#v", p)
	}
}

func TestDomainScoping(t *testing.T) {
	th := DefaultThresholds()
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	issues := []domain.Issue{
		{ID: "a", TeamKey: "CORE", AssigneeID: "u1", AssigneeName: "U One", StateType: domain.StateStarted, StartedAt: tp(now), Estimate: fp(1), Priority: 1, LastCommentAt: tp(now)},
		{ID: "b", TeamKey: "WEB", AssigneeID: "u2", AssigneeName: "U Two", StateType: domain.StateStarted, StartedAt: tp(now), Estimate: fp(1), Priority: 1, LastCommentAt: tp(now)},
	}
	c := Computer{T: th, DomainTeams: map[string][]string{"platform": {"CORE"}}}
	scoped := c.scopeIssues(issues, domain.LevelDomain, "platform")
	if len(scoped) != 1 || scoped[0].ID != "a" {
		t.Fatalf("domain scope should keep only CORE issues: %#v", scoped)
	}
	team := c.scopeIssues(issues, domain.LevelTeam, "web")
	if len(team) != 1 || team[0].ID != "b" {
		t.Fatalf("team scope is case-insensitive on key: %#v", team)
	}
}

func TestHygienePillarCleanSlate(t *testing.T) {
	th := DefaultThresholds()
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	c := Computer{T: th}
	issues := []domain.Issue{{
		ID: "a", StateType: domain.StateStarted, StartedAt: tp(now.AddDate(0, 0, -1)),
		Estimate: fp(2), Priority: 1, LastCommentAt: tp(now),
	}}
	projects := []domain.Project{{
		ID: "p1", State: "started", Health: domain.HealthOnTrack,
		LeadID: "u1", TargetDate: tp(now.AddDate(0, 0, 30)),
		Updates: []domain.ProjectUpdate{{CreatedAt: tp(now.AddDate(0, 0, -1))}},
	}}
	th.DeriveProject(&projects[0], issues, now)
	p := c.hygienePillar(issues, projects, now)
	if p.Score == nil || *p.Score != 100 {
		t.Fatalf("clean slate should score 100, got %#v", p)
	}
}
