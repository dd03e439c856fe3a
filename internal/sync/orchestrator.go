package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	stdsync "sync"
	"time"

	"github.com/google/uuid"
	"github.com/linearhealth/linearhealth/internal/adapters/linear"
	"github.com/linearhealth/linearhealth/internal/adapters/throughput"
	"github.com/linearhealth/linearhealth/internal/config"
	"github.com/linearhealth/linearhealth/internal/domain"
	"github.com/linearhealth/linearhealth/internal/health"
	"github.com/linearhealth/linearhealth/internal/repo"
	"github.com/rs/zerolog"
)

var (
	ErrSyncRunning = errors.New("sync already running")
	ErrTooSoon     = errors.New("sync requested too soon after the last one")
)

// Client is the remote API surface the orchestrator consumes.
type Client interface {
	FetchIssues(ctx context.Context, q linear.IssueQuery, onProgress func(fetched int)) ([]domain.Issue, error)
	FetchIssuesByProjects(ctx context.Context, projectIDs []string, onProgress func(fetched int)) ([]domain.Issue, error)
	FetchProjects(ctx context.Context, states []string) ([]domain.Project, error)
	FetchProjectsByIDs(ctx context.Context, ids []string) ([]domain.Project, error)
	FetchMultipleProjectsFullData(ctx context.Context, ids []string) (map[string]domain.ProjectFullData, error)
	FetchInitiatives(ctx context.Context) ([]domain.Initiative, error)
	CreateComment(ctx context.Context, issueID, body string) error
	HasCommentContaining(ctx context.Context, issueID, marker string) (bool, error)
	QueryCount() int
}

// Store is the persistence surface the orchestrator consumes.
type Store interface {
	UpsertIssues(ctx context.Context, issues []domain.Issue) error
	UpsertProjects(ctx context.Context, projects []domain.Project) error
	UpsertInitiatives(ctx context.Context, inits []domain.Initiative) error
	RecordEngineers(ctx context.Context, engineers []domain.Engineer) error
	GetIssues(ctx context.Context) ([]domain.Issue, error)
	GetProjects(ctx context.Context) ([]domain.Project, error)
	DeleteIssuesByTeamKeys(ctx context.Context, keys []string) (int64, error)
	GetSyncRecord(ctx context.Context) (domain.SyncRecord, error)
	SaveSyncRecord(ctx context.Context, rec domain.SyncRecord) error
	InsertSnapshot(ctx context.Context, s domain.Snapshot) error
	StartSyncRun(ctx context.Context, runID, trigger string) error
	FinishSyncRun(ctx context.Context, runID string, issues, projects, queries int, success bool, errStr string) error
}

// ThroughputFeed is the optional external productivity source.
type ThroughputFeed interface {
	Configured() bool
	FetchWindow(ctx context.Context, since, until time.Time) ([]throughput.Record, error)
}

// Options select what one run does. Zero value means a full sync.
type Options struct {
	Trigger     string
	Phases      []domain.Phase
	ProjectIDs  []string
	DeepHistory bool
	Incremental bool
}

// Orchestrator executes the phase sequence. One run at a time; status polls
// read a snapshot and never block on a run.
type Orchestrator struct {
	cfg    config.Config
	client Client
	store  Store
	tput   ThroughputFeed
	log    zerolog.Logger

	mu      stdsync.Mutex
	running bool
	st      runState
	events  chan Event
}

type runState struct {
	runID   string
	status  string
	phase   domain.Phase
	percent int
	lastErr string
	phaseSt map[domain.Phase]string
	stats   map[string]int
}

func NewOrchestrator(cfg config.Config, client Client, store Store, tput ThroughputFeed, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:    cfg,
		client: client,
		store:  store,
		tput:   tput,
		log:    log,
		events: make(chan Event, 64),
	}
}

// Events exposes the progress stream. Slow consumers lose events rather than
// stalling the run.
func (o *Orchestrator) Events() <-chan Event { return o.events }

func (o *Orchestrator) emit(e Event) {
	select {
	case o.events <- e:
	default:
	}
}

// runCtx is the state owned by one run: cache, cancel flag, checkpoint and
// the bulk-fetch tracker. Created at run start, dropped at run end.
type runCtx struct {
	opts Options

	cache *projectCache
	flag  *cancelFlag

	mu          stdsync.Mutex
	ckpt        *domain.Checkpoint
	resumePhase domain.Phase
	doneBefore  map[string]bool
	fetched     map[string]bool
	seen        map[string]bool
	inits       []domain.Initiative

	issuesSynced    int
	projectsSynced  int
	lastSync        *time.Time
	lastProjectSync *time.Time
}

func (run *runCtx) ensureEntry(id string) {
	if run.ckpt == nil {
		return
	}
	for _, ps := range run.ckpt.Projects {
		if ps.ProjectID == id {
			return
		}
	}
	run.ckpt.Projects = append(run.ckpt.Projects, domain.ProjectStatus{ProjectID: id, Status: domain.ProjectIncomplete})
}

func (run *runCtx) markDone(id string) {
	if run.ckpt == nil {
		return
	}
	for i := range run.ckpt.Projects {
		if run.ckpt.Projects[i].ProjectID == id {
			run.ckpt.Projects[i].Status = domain.ProjectComplete
			return
		}
	}
}

func phaseSet(opts Options) func(domain.Phase) bool {
	if len(opts.ProjectIDs) > 0 {
		return func(p domain.Phase) bool {
			return p == domain.PhaseActiveProjects || p == domain.PhaseComputingMetrics
		}
	}
	if len(opts.Phases) == 0 {
		return func(domain.Phase) bool { return true }
	}
	set := map[domain.Phase]bool{}
	for _, p := range opts.Phases {
		set[p] = true
	}
	return func(p domain.Phase) bool { return set[p] }
}

func (o *Orchestrator) minGap(opts Options) time.Duration {
	if len(opts.ProjectIDs) > 0 {
		return o.cfg.ProjectSyncMinInterval
	}
	return o.cfg.SyncMinInterval
}

// lastRunTime picks the gate timestamp for the requested mode. Project-scoped
// refreshes run on their own clock and never delay the next full sync.
func lastRunTime(rec domain.SyncRecord, opts Options) *time.Time {
	if len(opts.ProjectIDs) > 0 {
		return rec.LastProjectSyncTime
	}
	return rec.LastSyncTime
}

// Start applies the same admission checks as Run and, when they pass, executes
// the sync in the background. Failures after admission land in the sync record
// and surface through Status.
func (o *Orchestrator) Start(opts Options) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return ErrSyncRunning
	}
	o.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	rec, err := o.store.GetSyncRecord(ctx)
	cancel()
	if err != nil {
		return err
	}
	if last := lastRunTime(rec, opts); last != nil && time.Since(*last) < o.minGap(opts) {
		return ErrTooSoon
	}

	go func() {
		if err := o.Run(context.Background(), opts); err != nil {
			o.log.Error().Err(err).Str("trigger", opts.Trigger).Msg("background sync failed")
		}
	}()
	return nil
}

// Run executes one sync. It returns ErrSyncRunning / ErrTooSoon without side
// effects; any other error has already been recorded in the sync state.
func (o *Orchestrator) Run(ctx context.Context, opts Options) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return ErrSyncRunning
	}
	o.running = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.running = false
		o.mu.Unlock()
	}()

	rec, err := o.store.GetSyncRecord(ctx)
	if err != nil {
		return err
	}
	if last := lastRunTime(rec, opts); last != nil && time.Since(*last) < o.minGap(opts) {
		return ErrTooSoon
	}

	run := &runCtx{
		opts:            opts,
		cache:           newProjectCache(),
		flag:            &cancelFlag{},
		doneBefore:      map[string]bool{},
		fetched:         map[string]bool{},
		seen:            map[string]bool{},
		lastSync:        rec.LastSyncTime,
		lastProjectSync: rec.LastProjectSyncTime,
	}
	if rec.Checkpoint != nil && rec.Checkpoint.Retryable {
		run.resumePhase = rec.Checkpoint.Phase
		run.ckpt = &domain.Checkpoint{Phase: rec.Checkpoint.Phase, Projects: rec.Checkpoint.Projects}
		for _, ps := range rec.Checkpoint.Projects {
			if ps.Status == domain.ProjectComplete {
				run.doneBefore[ps.ProjectID] = true
			}
		}
		o.log.Info().Str("phase", run.resumePhase.String()).Msg("resuming from rate-limit checkpoint")
	} else {
		if rec.Checkpoint != nil {
			o.log.Info().Msg("discarding non-retryable checkpoint, starting fresh")
		}
		run.ckpt = &domain.Checkpoint{Phase: domain.PhaseInitialIssues}
	}

	runID := uuid.NewString()
	o.resetState(runID)
	if err := o.store.StartSyncRun(ctx, runID, opts.Trigger); err != nil {
		o.log.Warn().Err(err).Msg("sync run audit insert failed")
	}
	o.persist(ctx, run)

	should := phaseSet(opts)
	phases := domain.AllPhases()
	for idx, p := range phases {
		if !should(p) || (run.resumePhase != "" && p.Before(run.resumePhase)) {
			o.setPhaseStatus(p, PhaseSkipped)
			continue
		}
		o.enterPhase(ctx, run, p)
		if err := o.runPhase(ctx, run, p); err != nil {
			return o.fail(ctx, run, p, err)
		}
		o.finishPhase(p, idx, len(phases))
		o.persist(ctx, run)
	}
	return o.succeed(ctx, run)
}

func (o *Orchestrator) resetState(runID string) {
	o.mu.Lock()
	o.st = runState{
		runID:   runID,
		status:  domain.SyncRunning,
		phaseSt: map[domain.Phase]string{},
		stats:   map[string]int{},
	}
	for _, p := range domain.AllPhases() {
		o.st.phaseSt[p] = PhasePending
	}
	o.mu.Unlock()
}

func (o *Orchestrator) setPhaseStatus(p domain.Phase, s string) {
	o.mu.Lock()
	o.st.phaseSt[p] = s
	o.mu.Unlock()
}

func (o *Orchestrator) enterPhase(ctx context.Context, run *runCtx, p domain.Phase) {
	o.mu.Lock()
	o.st.phase = p
	o.st.phaseSt[p] = PhaseRunning
	o.mu.Unlock()
	run.mu.Lock()
	if run.ckpt != nil {
		run.ckpt.Phase = p
	}
	run.mu.Unlock()
	o.persist(ctx, run)
	o.emit(Event{Kind: EventPhaseChanged, Phase: p})
	o.log.Info().Str("phase", p.String()).Msg("sync phase started")
}

func (o *Orchestrator) finishPhase(p domain.Phase, idx, total int) {
	o.mu.Lock()
	o.st.phaseSt[p] = PhaseDone
	o.st.percent = (idx + 1) * 100 / total
	percent := o.st.percent
	o.mu.Unlock()
	o.emit(Event{Kind: EventProgress, Phase: p, Percent: percent})
}

func (o *Orchestrator) bumpStat(name string, delta int) {
	if delta == 0 {
		return
	}
	o.mu.Lock()
	o.st.stats[name] += delta
	o.mu.Unlock()
	o.emit(Event{Kind: EventStat, Stat: name, Delta: delta})
}

// persist writes the sync-state singleton. Concurrent project completions
// race benignly: one record, last writer wins.
func (o *Orchestrator) persist(ctx context.Context, run *runCtx) {
	o.mu.Lock()
	rec := domain.SyncRecord{
		RunID:           o.st.runID,
		Status:          o.st.status,
		LastError:       o.st.lastErr,
		ProgressPercent: o.st.percent,
		QueryCount:      o.client.QueryCount(),
	}
	o.mu.Unlock()
	run.mu.Lock()
	rec.LastSyncTime = run.lastSync
	rec.LastProjectSyncTime = run.lastProjectSync
	if run.ckpt != nil {
		cp := *run.ckpt
		cp.Projects = append([]domain.ProjectStatus(nil), run.ckpt.Projects...)
		rec.Checkpoint = &cp
	}
	run.mu.Unlock()
	if err := o.store.SaveSyncRecord(ctx, rec); err != nil {
		o.log.Warn().Err(err).Msg("sync state save failed")
	}
}

func (o *Orchestrator) fail(ctx context.Context, run *runCtx, p domain.Phase, err error) error {
	retryable := linear.IsRateLimit(err)
	o.mu.Lock()
	o.st.status = domain.SyncError
	o.st.lastErr = err.Error()
	o.st.phaseSt[p] = PhaseFailed
	runID := o.st.runID
	o.mu.Unlock()
	run.mu.Lock()
	if retryable && run.ckpt != nil {
		run.ckpt.Retryable = true
	} else {
		run.ckpt = nil
	}
	run.mu.Unlock()
	o.persist(ctx, run)
	if ferr := o.store.FinishSyncRun(ctx, runID, run.issuesSynced, run.projectsSynced, o.client.QueryCount(), false, err.Error()); ferr != nil {
		o.log.Warn().Err(ferr).Msg("sync run audit update failed")
	}
	o.log.Error().Err(err).Str("phase", p.String()).Bool("retryable", retryable).Msg("sync failed")
	return err
}

func (o *Orchestrator) succeed(ctx context.Context, run *runCtx) error {
	now := time.Now().UTC()
	o.mu.Lock()
	o.st.status = domain.SyncIdle
	o.st.phase = domain.PhaseComplete
	o.st.percent = 100
	o.st.lastErr = ""
	runID := o.st.runID
	o.mu.Unlock()
	run.mu.Lock()
	run.ckpt = nil
	if len(run.opts.ProjectIDs) > 0 {
		run.lastProjectSync = &now
	} else {
		run.lastSync = &now
	}
	run.mu.Unlock()
	o.persist(ctx, run)
	if err := o.store.FinishSyncRun(ctx, runID, run.issuesSynced, run.projectsSynced, o.client.QueryCount(), true, ""); err != nil {
		o.log.Warn().Err(err).Msg("sync run audit update failed")
	}
	o.emit(Event{Kind: EventProgress, Phase: domain.PhaseComplete, Percent: 100})
	o.log.Info().
		Int("issues", run.issuesSynced).
		Int("projects", run.projectsSynced).
		Int("queries", o.client.QueryCount()).
		Msg("sync complete")
	if o.cfg.NudgeEnabled {
		o.nudge(ctx)
	}
	return nil
}

// Status merges the persisted record with in-memory run progress.
func (o *Orchestrator) Status(ctx context.Context) (Status, error) {
	rec, err := o.store.GetSyncRecord(ctx)
	if err != nil {
		return Status{}, err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	st := Status{
		Status:          rec.Status,
		IsRunning:       o.running,
		LastSyncTime:    rec.LastSyncTime,
		Error:           rec.LastError,
		ProgressPercent: rec.ProgressPercent,
		APIQueryCount:   o.client.QueryCount(),
		Resumable:       rec.Checkpoint != nil && rec.Checkpoint.Retryable,
		PerPhaseStatus:  map[string]string{},
		Stats:           map[string]int{},
	}
	if o.running {
		st.Status = domain.SyncRunning
		st.CurrentPhase = o.st.phase.String()
		st.ProgressPercent = o.st.percent
		st.Error = o.st.lastErr
	}
	for p, s := range o.st.phaseSt {
		st.PerPhaseStatus[p.String()] = s
	}
	for k, v := range o.st.stats {
		st.Stats[k] = v
	}
	return st, nil
}

func (o *Orchestrator) runPhase(ctx context.Context, run *runCtx, p domain.Phase) error {
	switch p {
	case domain.PhaseInitialIssues:
		return o.phaseInitialIssues(ctx, run)
	case domain.PhaseRecentIssues:
		return o.phaseRecentIssues(ctx, run)
	case domain.PhaseActiveProjects:
		return o.phaseProjects(ctx, run, []string{"started"})
	case domain.PhasePlannedProjects:
		return o.phaseProjects(ctx, run, []string{"planned"})
	case domain.PhaseCompletedProjects:
		return o.phaseProjects(ctx, run, []string{"completed"})
	case domain.PhaseInitiatives:
		return o.phaseInitiatives(ctx, run)
	case domain.PhaseInitiativeProjects:
		return o.phaseInitiativeProjects(ctx, run)
	case domain.PhaseComputingMetrics:
		return o.phaseComputeMetrics(ctx, run)
	}
	return fmt.Errorf("unhandled sync phase %q", p)
}

// ---- issue-centric phases ----

func (o *Orchestrator) phaseInitialIssues(ctx context.Context, run *runCtx) error {
	q := linear.IssueQuery{}
	run.mu.Lock()
	if run.opts.Incremental && run.lastSync != nil {
		q.UpdatedSince = run.lastSync
	}
	run.mu.Unlock()
	return o.fetchAndStoreIssues(ctx, run, q)
}

func (o *Orchestrator) phaseRecentIssues(ctx context.Context, run *runCtx) error {
	days := o.cfg.RecentWindowDays
	if run.opts.DeepHistory {
		days = o.cfg.DeepHistoryDays
	}
	since := time.Now().UTC().AddDate(0, 0, -days)
	run.mu.Lock()
	if run.opts.Incremental && run.lastSync != nil && run.lastSync.After(since) {
		since = *run.lastSync
	}
	run.mu.Unlock()
	return o.fetchAndStoreIssues(ctx, run, linear.IssueQuery{UpdatedSince: &since})
}

func (o *Orchestrator) fetchAndStoreIssues(ctx context.Context, run *runCtx, q linear.IssueQuery) error {
	issues, err := o.client.FetchIssues(ctx, q, func(fetched int) {
		o.emit(Event{Kind: EventStat, Stat: "issues_fetched", Delta: fetched})
	})
	if err != nil {
		return err
	}
	var kept []domain.Issue
	for _, i := range issues {
		if !o.cfg.TeamIncluded(i.TeamKey) {
			continue
		}
		kept = append(kept, i)
	}
	if err := o.store.UpsertIssues(ctx, kept); err != nil {
		return err
	}
	run.mu.Lock()
	for _, i := range kept {
		if i.ProjectID != "" {
			run.fetched[i.ProjectID] = true
		}
	}
	run.issuesSynced += len(kept)
	run.mu.Unlock()
	o.bumpStat("issues_synced", len(kept))

	if len(o.cfg.IgnoredTeamKeys) > 0 {
		n, err := o.store.DeleteIssuesByTeamKeys(ctx, o.cfg.IgnoredTeamKeys)
		if err != nil {
			return err
		}
		if n > 0 {
			o.log.Info().Int64("deleted", n).Msg("purged issues of excluded teams")
		}
	}
	return nil
}

// ---- project phases ----

func (o *Orchestrator) phaseProjects(ctx context.Context, run *runCtx, states []string) error {
	var projects []domain.Project
	var err error
	if len(run.opts.ProjectIDs) > 0 {
		projects, err = o.client.FetchProjectsByIDs(ctx, run.opts.ProjectIDs)
	} else {
		projects, err = o.client.FetchProjects(ctx, states)
	}
	if err != nil {
		return err
	}
	return o.syncProjects(ctx, run, projects)
}

func (o *Orchestrator) syncProjects(ctx context.Context, run *runCtx, projects []domain.Project) error {
	if len(projects) == 0 {
		return nil
	}
	byID := make(map[string]*domain.Project, len(projects))
	var ids []string
	run.mu.Lock()
	for i := range projects {
		p := &projects[i]
		byID[p.ID] = p
		run.seen[p.ID] = true
		if run.doneBefore[p.ID] {
			continue
		}
		ids = append(ids, p.ID)
		run.ensureEntry(p.ID)
	}
	run.mu.Unlock()
	if len(ids) == 0 {
		return nil
	}
	o.persist(ctx, run)

	// Metadata for the whole batch in aliased queries. A failure here is
	// non-fatal unless it is back-pressure: affected projects keep empty
	// descriptions and updates.
	if missing := run.cache.missing(ids); len(missing) > 0 {
		data, err := o.client.FetchMultipleProjectsFullData(ctx, missing)
		if err != nil {
			if linear.IsRateLimit(err) {
				return err
			}
			o.log.Warn().Err(err).Msg("project metadata fetch failed, continuing without")
		}
		for id, d := range data {
			run.cache.put(id, d)
		}
	}

	err := runPool(ctx, o.cfg.SyncConcurrency, ids, run.flag, func(ctx context.Context, id string) (bool, error) {
		p := byID[id]
		if d, ok := run.cache.get(id); ok {
			p.Labels = d.Labels
			p.Description = d.Description
			p.Content = d.Content
			p.Updates = d.Updates
		}
		run.mu.Lock()
		fetched := run.fetched[id]
		run.mu.Unlock()
		if !fetched {
			if run.flag.Stopped() {
				return false, nil
			}
			issues, err := o.client.FetchIssuesByProjects(ctx, []string{id}, nil)
			if err != nil {
				if linear.IsRateLimit(err) {
					return true, err
				}
				o.log.Warn().Err(err).Str("project", id).Msg("project issue fetch failed")
			} else {
				var kept []domain.Issue
				for _, i := range issues {
					if o.cfg.TeamIncluded(i.TeamKey) {
						kept = append(kept, i)
					}
				}
				if err := o.store.UpsertIssues(ctx, kept); err != nil {
					return errors.Is(err, repo.ErrSchemaMismatch), err
				}
				run.mu.Lock()
				run.fetched[id] = true
				run.issuesSynced += len(kept)
				run.mu.Unlock()
				o.bumpStat("issues_synced", len(kept))
			}
		}
		if err := o.store.UpsertProjects(ctx, []domain.Project{*p}); err != nil {
			if errors.Is(err, repo.ErrSchemaMismatch) {
				return true, err
			}
			o.log.Warn().Err(err).Str("project", id).Msg("project upsert failed")
			return false, nil
		}
		run.mu.Lock()
		run.markDone(id)
		run.projectsSynced++
		run.mu.Unlock()
		o.persist(ctx, run)
		return false, nil
	})
	if err != nil {
		return err
	}
	o.bumpStat("projects_synced", len(ids))
	return nil
}

// ---- initiatives ----

func (o *Orchestrator) phaseInitiatives(ctx context.Context, run *runCtx) error {
	inits, err := o.client.FetchInitiatives(ctx)
	if err != nil {
		return err
	}
	if err := o.store.UpsertInitiatives(ctx, inits); err != nil {
		return err
	}
	run.mu.Lock()
	run.inits = inits
	run.mu.Unlock()
	o.bumpStat("initiatives_synced", len(inits))
	return nil
}

// phaseInitiativeProjects picks up projects only reachable through an
// initiative link, i.e. not seen by the lifecycle-state phases.
func (o *Orchestrator) phaseInitiativeProjects(ctx context.Context, run *runCtx) error {
	run.mu.Lock()
	inits := run.inits
	run.mu.Unlock()
	if inits == nil {
		// resumed past the initiatives phase; the list is one cheap query
		var err error
		inits, err = o.client.FetchInitiatives(ctx)
		if err != nil {
			return err
		}
	}
	var ids []string
	dup := map[string]bool{}
	run.mu.Lock()
	for _, in := range inits {
		for _, id := range in.ProjectIDs {
			if run.seen[id] || dup[id] {
				continue
			}
			dup[id] = true
			ids = append(ids, id)
		}
	}
	run.mu.Unlock()
	if len(ids) == 0 {
		return nil
	}
	projects, err := o.client.FetchProjectsByIDs(ctx, ids)
	if err != nil {
		return err
	}
	return o.syncProjects(ctx, run, projects)
}

// ---- metrics ----

func (o *Orchestrator) thresholds() health.Thresholds {
	return health.Thresholds{
		WIPLimit:             o.cfg.WIPLimit,
		WIPAgeDays:           o.cfg.WIPAgeDays,
		StaleCommentBizDays:  o.cfg.StaleCommentBizDays,
		StaleUpdateDays:      o.cfg.StaleUpdateDays,
		VelocityAtRiskDays:   o.cfg.VelocityAtRiskDays,
		VelocityOffTrackDays: o.cfg.VelocityOffTrackDays,
		BugsPerEngineer:      o.cfg.BugsPerEngineer,
		BugAgeDays:           o.cfg.BugAgeDays,
		ThroughputTarget:     o.cfg.ThroughputTarget,
	}
}

// phaseComputeMetrics rebuilds every derived surface from stored rows:
// project columns wholesale, a fresh engineer capture, then one snapshot
// per org/domain/team scope.
func (o *Orchestrator) phaseComputeMetrics(ctx context.Context, run *runCtx) error {
	now := time.Now().UTC()
	issues, err := o.store.GetIssues(ctx)
	if err != nil {
		return err
	}
	projects, err := o.store.GetProjects(ctx)
	if err != nil {
		return err
	}
	th := o.thresholds()

	byProject := map[string][]domain.Issue{}
	for _, i := range issues {
		if i.ProjectID != "" {
			byProject[i.ProjectID] = append(byProject[i.ProjectID], i)
		}
	}
	for i := range projects {
		th.DeriveProject(&projects[i], byProject[projects[i].ID], now)
	}
	if err := o.store.UpsertProjects(ctx, projects); err != nil {
		return err
	}

	engineers := th.ComputeEngineers(issues, o.cfg.EngineerTeams, now)
	if err := o.store.RecordEngineers(ctx, engineers); err != nil {
		return err
	}
	o.bumpStat("engineers_computed", len(engineers))

	var tput []health.ThroughputSample
	if o.tput != nil && o.tput.Configured() {
		recs, err := o.tput.FetchWindow(ctx, now.AddDate(0, 0, -14), now)
		if err != nil {
			o.log.Warn().Err(err).Msg("throughput feed unavailable, productivity pillar pending")
		} else {
			tput = make([]health.ThroughputSample, 0, len(recs))
			for _, r := range recs {
				tput = append(tput, health.ThroughputSample{Contributor: r.Contributor, Completed: r.Completed})
			}
		}
	}

	comp := health.Computer{T: th, DomainTeams: o.cfg.DomainTeams, EngineerTeams: o.cfg.EngineerTeams}
	type scope struct{ level, id string }
	scopes := []scope{{domain.LevelOrg, ""}}
	for _, d := range comp.Domains() {
		scopes = append(scopes, scope{domain.LevelDomain, d})
	}
	teamSet := map[string]struct{}{}
	for _, i := range issues {
		if i.TeamKey != "" {
			teamSet[i.TeamKey] = struct{}{}
		}
	}
	teams := make([]string, 0, len(teamSet))
	for t := range teamSet {
		teams = append(teams, t)
	}
	sort.Strings(teams)
	for _, t := range teams {
		scopes = append(scopes, scope{domain.LevelTeam, t})
	}

	for _, s := range scopes {
		report := comp.Report(s.level, s.id, issues, projects, tput, now)
		blob, err := json.Marshal(report)
		if err != nil {
			return err
		}
		snap := domain.Snapshot{
			Level:         s.level,
			LevelID:       s.id,
			SchemaVersion: health.SchemaVersion,
			CapturedAt:    now,
			Metrics:       blob,
		}
		if err := o.store.InsertSnapshot(ctx, snap); err != nil {
			return err
		}
	}
	o.bumpStat("snapshots_written", len(scopes))
	return nil
}

// ---- assignee nudge ----

const nudgeMarker = "<!-- wip-age-nudge -->"

// nudge posts a reminder comment on long-running started issues, at most once
// per issue. Any failure here is logged and never affects the sync result.
func (o *Orchestrator) nudge(ctx context.Context) {
	issues, err := o.store.GetIssues(ctx)
	if err != nil {
		o.log.Warn().Err(err).Msg("nudge: loading issues failed")
		return
	}
	th := o.thresholds()
	now := time.Now().UTC()
	for _, i := range issues {
		if !th.WIPAgeViolation(i, now) {
			continue
		}
		has, err := o.client.HasCommentContaining(ctx, i.ID, nudgeMarker)
		if err != nil {
			o.log.Warn().Err(err).Str("issue", i.Identifier).Msg("nudge: comment lookup failed")
			continue
		}
		if has {
			continue
		}
		body := fmt.Sprintf(
			"This issue has been in progress for more than %d days. Consider splitting it or updating its status.\n\n%s",
			o.cfg.WIPAgeDays, nudgeMarker)
		if err := o.client.CreateComment(ctx, i.ID, body); err != nil {
			o.log.Warn().Err(err).Str("issue", i.Identifier).Msg("nudge: comment create failed")
		}
	}
}
