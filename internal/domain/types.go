package domain

import "time"

// Workflow state types as Linear reports them.
const (
	StateBacklog   = "backlog"
	StateUnstarted = "unstarted"
	StateStarted   = "started"
	StateCompleted = "completed"
	StateCanceled  = "canceled"
)

// Project health values as reported by Linear. Empty means unset.
const (
	HealthOnTrack  = "onTrack"
	HealthAtRisk   = "atRisk"
	HealthOffTrack = "offTrack"
)

type Issue struct {
	ID            string
	Identifier    string
	Title         string
	TeamID        string
	TeamName      string
	TeamKey       string
	StateID       string
	StateName     string
	StateType     string
	AssigneeID    string
	AssigneeName  string
	Priority      int
	Estimate      *float64
	CreatedAt     *time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
	CanceledAt    *time.Time
	UpdatedAt     *time.Time
	LastCommentAt *time.Time
	ParentID      string
	ProjectID     string
	ProjectName   string
	ProjectState  string
	ProjectHealth string
	Labels        []Label
}

// IsSubIssue reports whether the issue is parent-linked. Sub-issues are exempt
// from estimate and priority hygiene.
func (i Issue) IsSubIssue() bool { return i.ParentID != "" }

type Label struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Parent string `json:"parent,omitempty"`
}

type Project struct {
	ID          string
	Name        string
	State       string
	Health      string
	LeadID      string
	LeadName    string
	TargetDate  *time.Time
	StartedAt   *time.Time
	CreatedAt   *time.Time
	UpdatedAt   *time.Time
	Description string
	Content     string
	Labels      []Label
	Updates     []ProjectUpdate

	// Derived columns, recomputed wholesale every sync.
	Velocity        float64
	CycleTimeDays   float64
	PredictedEnd    *time.Time
	EffectiveHealth string
	HealthSource    string
	StatusMismatch  bool
	StaleUpdate     bool
	MissingLead     bool
	IssueCount      int
	StartedCount    int
	CompletedCount  int
}

type ProjectUpdate struct {
	ID        string     `json:"id"`
	Health    string     `json:"health"`
	Author    string     `json:"author"`
	Body      string     `json:"body"`
	CreatedAt *time.Time `json:"created_at"`
}

// ProjectFullData is the per-project metadata bundle fetched separately from
// the issue queries.
type ProjectFullData struct {
	Labels      []Label
	Description string
	Content     string
	Updates     []ProjectUpdate
}

type Initiative struct {
	ID         string
	Name       string
	Archived   bool
	Completed  bool
	Started    bool
	OwnerID    string
	OwnerName  string
	ProjectIDs []string
}

// Engineer is one derived capture of an assignee's in-flight load. Each sync
// appends a fresh capture; older ones are kept for point-in-time inspection.
type Engineer struct {
	AssigneeID      string
	AssigneeName    string
	TeamIDs         []string
	TeamNames       []string
	StartedCount    int
	StartedPoints   float64
	ActiveProjects  int
	MultiProject    bool
	ViolationCounts map[string]int
	ActiveIssues    []ActiveIssue
	CapturedAt      time.Time
}

// ActiveIssue is the serialized summary of one in-flight issue on an engineer row.
type ActiveIssue struct {
	Identifier string     `json:"identifier"`
	Title      string     `json:"title"`
	ProjectID  string     `json:"project_id,omitempty"`
	Estimate   *float64   `json:"estimate,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
}

// Sync status values for the metadata singleton.
const (
	SyncIdle    = "idle"
	SyncRunning = "syncing"
	SyncError   = "error"
)

type SyncRecord struct {
	RunID        string
	Status       string
	LastSyncTime *time.Time
	// LastProjectSyncTime gates single-project refreshes on their own clock,
	// so they never push out the next full sync.
	LastProjectSyncTime *time.Time
	LastError           string
	ProgressPercent     int
	QueryCount          int
	Checkpoint          *Checkpoint
}

// Checkpoint is the resumable partial-sync state. It exists iff the previous
// run failed for a retryable reason.
type Checkpoint struct {
	Phase     Phase           `json:"phase"`
	Projects  []ProjectStatus `json:"projects"`
	Retryable bool            `json:"retryable"`
}

type ProjectStatus struct {
	ProjectID string `json:"project_id"`
	Status    string `json:"status"` // complete | incomplete
}

const (
	ProjectComplete   = "complete"
	ProjectIncomplete = "incomplete"
)

// Snapshot granularity levels.
const (
	LevelOrg    = "org"
	LevelDomain = "domain"
	LevelTeam   = "team"
)

// Snapshot is a write-once metrics capture.
type Snapshot struct {
	Level         string
	LevelID       string
	SchemaVersion int
	CapturedAt    time.Time
	Metrics       []byte
}
