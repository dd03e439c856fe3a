package sync

import (
	"time"

	"github.com/linearhealth/linearhealth/internal/domain"
)

// Event kinds emitted on the orchestrator's progress channel.
const (
	EventPhaseChanged = "phase_changed"
	EventProgress     = "progress"
	EventStat         = "stat"
)

// Event is one progress notification. Consumers (the status endpoint, logs)
// never share mutable state with the run; they see only these messages or the
// Status snapshot.
type Event struct {
	Kind    string       `json:"kind"`
	Phase   domain.Phase `json:"phase,omitempty"`
	Percent int          `json:"percent,omitempty"`
	Stat    string       `json:"stat,omitempty"`
	Delta   int          `json:"delta,omitempty"`
}

// Phase execution states reported per phase in the status poll.
const (
	PhasePending = "pending"
	PhaseRunning = "running"
	PhaseDone    = "complete"
	PhaseSkipped = "skipped"
	PhaseFailed  = "failed"
)

// Status is the read-only snapshot served to status polls. Retryability is
// signalled by Resumable (checkpoint presence), never by parsing Error.
type Status struct {
	Status          string            `json:"status"`
	IsRunning       bool              `json:"isRunning"`
	LastSyncTime    *time.Time        `json:"lastSyncTime"`
	Error           string            `json:"error,omitempty"`
	ProgressPercent int               `json:"progressPercent"`
	CurrentPhase    string            `json:"currentPhase,omitempty"`
	PerPhaseStatus  map[string]string `json:"perPhaseStatus"`
	Stats           map[string]int    `json:"stats"`
	APIQueryCount   int               `json:"apiQueryCount"`
	Resumable       bool              `json:"resumable"`
}
