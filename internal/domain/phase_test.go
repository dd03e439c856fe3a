package domain

import "testing"

func TestPhaseOrdering(t *testing.T) {
	phases := AllPhases()
	for i := 1; i < len(phases); i++ {
		if !phases[i-1].Before(phases[i]) {
			t.Fatalf("expected %s before %s", phases[i-1], phases[i])
		}
		if phases[i].Before(phases[i-1]) {
			t.Fatalf("did not expect %s before %s", phases[i], phases[i-1])
		}
	}
	if !PhaseComputingMetrics.Before(PhaseComplete) {
		t.Fatalf("computing_metrics must precede complete")
	}
}

func TestParsePhase(t *testing.T) {
	p, err := ParsePhase("active_projects")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p != PhaseActiveProjects {
		t.Fatalf("got %s", p)
	}
	if _, err := ParsePhase("warp_drive"); err == nil {
		t.Fatalf("expected error for unknown phase")
	}
}

func TestIsProjectPhase(t *testing.T) {
	cases := map[Phase]bool{
		PhaseInitialIssues:      false,
		PhaseRecentIssues:       false,
		PhaseActiveProjects:     true,
		PhasePlannedProjects:    true,
		PhaseCompletedProjects:  true,
		PhaseInitiatives:        false,
		PhaseInitiativeProjects: true,
		PhaseComputingMetrics:   false,
	}
	for p, want := range cases {
		if got := p.IsProjectPhase(); got != want {
			t.Errorf("%s: got %v, want %v", p, got, want)
		}
	}
}
