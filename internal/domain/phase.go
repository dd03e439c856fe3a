package domain

import "fmt"

// Phase identifies one step of the sync sequence. Ordering comparisons go
// through the phaseOrder table, not string matching.
type Phase string

const (
	PhaseInitialIssues      Phase = "initial_issues"
	PhaseRecentIssues       Phase = "recently_updated_issues"
	PhaseActiveProjects     Phase = "active_projects"
	PhasePlannedProjects    Phase = "planned_projects"
	PhaseCompletedProjects  Phase = "completed_projects"
	PhaseInitiatives        Phase = "initiatives"
	PhaseInitiativeProjects Phase = "initiative_projects"
	PhaseComputingMetrics   Phase = "computing_metrics"
	PhaseComplete           Phase = "complete"
)

var phaseOrder = map[Phase]int{
	PhaseInitialIssues:      0,
	PhaseRecentIssues:       1,
	PhaseActiveProjects:     2,
	PhasePlannedProjects:    3,
	PhaseCompletedProjects:  4,
	PhaseInitiatives:        5,
	PhaseInitiativeProjects: 6,
	PhaseComputingMetrics:   7,
	PhaseComplete:           8,
}

// AllPhases in execution order, terminal marker excluded.
func AllPhases() []Phase {
	return []Phase{
		PhaseInitialIssues,
		PhaseRecentIssues,
		PhaseActiveProjects,
		PhasePlannedProjects,
		PhaseCompletedProjects,
		PhaseInitiatives,
		PhaseInitiativeProjects,
		PhaseComputingMetrics,
	}
}

func (p Phase) Valid() bool {
	_, ok := phaseOrder[p]
	return ok
}

// Before reports whether p runs earlier in the sequence than q.
func (p Phase) Before(q Phase) bool { return phaseOrder[p] < phaseOrder[q] }

func (p Phase) String() string { return string(p) }

// ParsePhase validates a stored phase name, e.g. from a checkpoint row.
func ParsePhase(s string) (Phase, error) {
	p := Phase(s)
	if !p.Valid() {
		return "", fmt.Errorf("unknown sync phase %q", s)
	}
	return p, nil
}

// IsProjectPhase reports whether the phase fans out per-project work.
func (p Phase) IsProjectPhase() bool {
	switch p {
	case PhaseActiveProjects, PhasePlannedProjects, PhaseCompletedProjects, PhaseInitiativeProjects:
		return true
	}
	return false
}
