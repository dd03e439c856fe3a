package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/linearhealth/linearhealth/internal/domain"
	"github.com/rs/zerolog"
)

// AdvisoryLockKey guards sync execution across replicas.
const AdvisoryLockKey int64 = 7441002

// ErrSchemaMismatch wraps database errors caused by a stale schema. The
// snapshot payload is versioned separately; this covers missing tables or
// columns after an upgrade.
var ErrSchemaMismatch = errors.New("database schema out of date, run migrations")

type DB struct {
	Pool *pgxpool.Pool
	log  zerolog.Logger
}

func MustOpen(ctx context.Context, dsn string, log zerolog.Logger) *DB {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect failed")
	}
	ctx2, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pool.Ping(ctx2); err != nil {
		log.Fatal().Err(err).Msg("db ping failed")
	}
	return &DB{Pool: pool, log: log}
}

func (d *DB) Close() { d.Pool.Close() }

type Repository struct {
	db  *DB
	log zerolog.Logger
}

func NewRepository(d *DB, log zerolog.Logger) *Repository {
	return &Repository{db: d, log: log}
}

// wrapSchema converts undefined-table/column errors into ErrSchemaMismatch so
// callers can surface a remediation hint instead of a raw SQLSTATE.
func wrapSchema(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "42P01", "42703": // undefined_table, undefined_column
			return fmt.Errorf("%w: %s", ErrSchemaMismatch, pgErr.Message)
		}
	}
	return err
}

func (r *Repository) TryAdvisoryLock(ctx context.Context, key int64) (bool, error) {
	var ok bool
	err := r.db.Pool.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&ok)
	return ok, err
}

func (r *Repository) AdvisoryUnlock(ctx context.Context, key int64) error {
	var ok bool
	err := r.db.Pool.QueryRow(ctx, "SELECT pg_advisory_unlock($1)", key).Scan(&ok)
	if !ok && err == nil {
		return errors.New("advisory unlock returned false")
	}
	return err
}

// ---- issues ----

// UpsertIssues writes the batch keyed by Linear's issue id. Re-running a sync
// over the same window converges to the same rows.
func (r *Repository) UpsertIssues(ctx context.Context, issues []domain.Issue) error {
	if len(issues) == 0 {
		return nil
	}
	const q = `
        INSERT INTO issues(id, identifier, title, team_id, team_name, team_key,
            state_id, state_name, state_type, assignee_id, assignee_name,
            priority, estimate, created_at, started_at, completed_at, canceled_at,
            updated_at, last_comment_at, parent_id, project_id, project_name,
            project_state, project_health, labels)
        VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25)
        ON CONFLICT(id) DO UPDATE SET
            identifier=EXCLUDED.identifier,
            title=EXCLUDED.title,
            team_id=EXCLUDED.team_id,
            team_name=EXCLUDED.team_name,
            team_key=EXCLUDED.team_key,
            state_id=EXCLUDED.state_id,
            state_name=EXCLUDED.state_name,
            state_type=EXCLUDED.state_type,
            assignee_id=EXCLUDED.assignee_id,
            assignee_name=EXCLUDED.assignee_name,
            priority=EXCLUDED.priority,
            estimate=EXCLUDED.estimate,
            created_at=EXCLUDED.created_at,
            started_at=EXCLUDED.started_at,
            completed_at=EXCLUDED.completed_at,
            canceled_at=EXCLUDED.canceled_at,
            updated_at=EXCLUDED.updated_at,
            last_comment_at=EXCLUDED.last_comment_at,
            parent_id=EXCLUDED.parent_id,
            project_id=EXCLUDED.project_id,
            project_name=EXCLUDED.project_name,
            project_state=EXCLUDED.project_state,
            project_health=EXCLUDED.project_health,
            labels=EXCLUDED.labels`
	batch := &pgx.Batch{}
	for _, i := range issues {
		labels, err := json.Marshal(i.Labels)
		if err != nil {
			return err
		}
		batch.Queue(q, i.ID, i.Identifier, i.Title, i.TeamID, i.TeamName, i.TeamKey,
			i.StateID, i.StateName, i.StateType, i.AssigneeID, i.AssigneeName,
			i.Priority, i.Estimate, i.CreatedAt, i.StartedAt, i.CompletedAt, i.CanceledAt,
			i.UpdatedAt, i.LastCommentAt, i.ParentID, i.ProjectID, i.ProjectName,
			i.ProjectState, i.ProjectHealth, labels)
	}
	br := r.db.Pool.SendBatch(ctx, batch)
	defer br.Close()
	for range issues {
		if _, err := br.Exec(); err != nil {
			return wrapSchema(err)
		}
	}
	return nil
}

func (r *Repository) GetIssues(ctx context.Context) ([]domain.Issue, error) {
	rows, err := r.db.Pool.Query(ctx, `
        SELECT id, identifier, title, team_id, team_name, team_key,
            state_id, state_name, state_type, assignee_id, assignee_name,
            priority, estimate, created_at, started_at, completed_at, canceled_at,
            updated_at, last_comment_at, parent_id, project_id, project_name,
            project_state, project_health, labels
        FROM issues`)
	if err != nil {
		return nil, wrapSchema(err)
	}
	defer rows.Close()
	var out []domain.Issue
	for rows.Next() {
		var i domain.Issue
		var labels []byte
		if err := rows.Scan(&i.ID, &i.Identifier, &i.Title, &i.TeamID, &i.TeamName, &i.TeamKey,
			&i.StateID, &i.StateName, &i.StateType, &i.AssigneeID, &i.AssigneeName,
			&i.Priority, &i.Estimate, &i.CreatedAt, &i.StartedAt, &i.CompletedAt, &i.CanceledAt,
			&i.UpdatedAt, &i.LastCommentAt, &i.ParentID, &i.ProjectID, &i.ProjectName,
			&i.ProjectState, &i.ProjectHealth, &labels); err != nil {
			return nil, err
		}
		if len(labels) > 0 {
			if err := json.Unmarshal(labels, &i.Labels); err != nil {
				return nil, err
			}
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

// DeleteIssuesByTeamKeys removes rows belonging to teams dropped from the
// include set, so a config change does not leave ghosts behind.
func (r *Repository) DeleteIssuesByTeamKeys(ctx context.Context, keys []string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM issues WHERE team_key = ANY($1)`, keys)
	if err != nil {
		return 0, wrapSchema(err)
	}
	return tag.RowsAffected(), nil
}

// ---- projects ----

func (r *Repository) UpsertProjects(ctx context.Context, projects []domain.Project) error {
	if len(projects) == 0 {
		return nil
	}
	const q = `
        INSERT INTO projects(id, name, state, health, lead_id, lead_name,
            target_date, started_at, created_at, updated_at, description, content,
            labels, updates, velocity, cycle_time_days, predicted_end,
            effective_health, health_source, status_mismatch, stale_update,
            missing_lead, issue_count, started_count, completed_count)
        VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25)
        ON CONFLICT(id) DO UPDATE SET
            name=EXCLUDED.name,
            state=EXCLUDED.state,
            health=EXCLUDED.health,
            lead_id=EXCLUDED.lead_id,
            lead_name=EXCLUDED.lead_name,
            target_date=EXCLUDED.target_date,
            started_at=EXCLUDED.started_at,
            created_at=EXCLUDED.created_at,
            updated_at=EXCLUDED.updated_at,
            description=EXCLUDED.description,
            content=EXCLUDED.content,
            labels=EXCLUDED.labels,
            updates=EXCLUDED.updates,
            velocity=EXCLUDED.velocity,
            cycle_time_days=EXCLUDED.cycle_time_days,
            predicted_end=EXCLUDED.predicted_end,
            effective_health=EXCLUDED.effective_health,
            health_source=EXCLUDED.health_source,
            status_mismatch=EXCLUDED.status_mismatch,
            stale_update=EXCLUDED.stale_update,
            missing_lead=EXCLUDED.missing_lead,
            issue_count=EXCLUDED.issue_count,
            started_count=EXCLUDED.started_count,
            completed_count=EXCLUDED.completed_count`
	batch := &pgx.Batch{}
	for _, p := range projects {
		labels, err := json.Marshal(p.Labels)
		if err != nil {
			return err
		}
		updates, err := json.Marshal(p.Updates)
		if err != nil {
			return err
		}
		batch.Queue(q, p.ID, p.Name, p.State, p.Health, p.LeadID, p.LeadName,
			p.TargetDate, p.StartedAt, p.CreatedAt, p.UpdatedAt, p.Description, p.Content,
			labels, updates, p.Velocity, p.CycleTimeDays, p.PredictedEnd,
			p.EffectiveHealth, p.HealthSource, p.StatusMismatch, p.StaleUpdate,
			p.MissingLead, p.IssueCount, p.StartedCount, p.CompletedCount)
	}
	br := r.db.Pool.SendBatch(ctx, batch)
	defer br.Close()
	for range projects {
		if _, err := br.Exec(); err != nil {
			return wrapSchema(err)
		}
	}
	return nil
}

func (r *Repository) GetProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.db.Pool.Query(ctx, `
        SELECT id, name, state, health, lead_id, lead_name,
            target_date, started_at, created_at, updated_at, description, content,
            labels, updates, velocity, cycle_time_days, predicted_end,
            effective_health, health_source, status_mismatch, stale_update,
            missing_lead, issue_count, started_count, completed_count
        FROM projects`)
	if err != nil {
		return nil, wrapSchema(err)
	}
	defer rows.Close()
	var out []domain.Project
	for rows.Next() {
		var p domain.Project
		var labels, updates []byte
		if err := rows.Scan(&p.ID, &p.Name, &p.State, &p.Health, &p.LeadID, &p.LeadName,
			&p.TargetDate, &p.StartedAt, &p.CreatedAt, &p.UpdatedAt, &p.Description, &p.Content,
			&labels, &updates, &p.Velocity, &p.CycleTimeDays, &p.PredictedEnd,
			&p.EffectiveHealth, &p.HealthSource, &p.StatusMismatch, &p.StaleUpdate,
			&p.MissingLead, &p.IssueCount, &p.StartedCount, &p.CompletedCount); err != nil {
			return nil, err
		}
		if len(labels) > 0 {
			if err := json.Unmarshal(labels, &p.Labels); err != nil {
				return nil, err
			}
		}
		if len(updates) > 0 {
			if err := json.Unmarshal(updates, &p.Updates); err != nil {
				return nil, err
			}
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ---- initiatives ----

func (r *Repository) UpsertInitiatives(ctx context.Context, inits []domain.Initiative) error {
	if len(inits) == 0 {
		return nil
	}
	const q = `
        INSERT INTO initiatives(id, name, archived, completed, started, owner_id, owner_name, project_ids)
        VALUES($1,$2,$3,$4,$5,$6,$7,$8)
        ON CONFLICT(id) DO UPDATE SET
            name=EXCLUDED.name,
            archived=EXCLUDED.archived,
            completed=EXCLUDED.completed,
            started=EXCLUDED.started,
            owner_id=EXCLUDED.owner_id,
            owner_name=EXCLUDED.owner_name,
            project_ids=EXCLUDED.project_ids`
	batch := &pgx.Batch{}
	for _, in := range inits {
		batch.Queue(q, in.ID, in.Name, in.Archived, in.Completed, in.Started, in.OwnerID, in.OwnerName, in.ProjectIDs)
	}
	br := r.db.Pool.SendBatch(ctx, batch)
	defer br.Close()
	for range inits {
		if _, err := br.Exec(); err != nil {
			return wrapSchema(err)
		}
	}
	return nil
}

// ---- engineers ----

// RecordEngineers appends one capture of the derived engineer rows inside one
// transaction. Earlier captures are never deleted; GetEngineers serves only
// the newest one and EngineerHistory reads back in time.
func (r *Repository) RecordEngineers(ctx context.Context, engineers []domain.Engineer) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	const q = `
        INSERT INTO engineers(assignee_id, assignee_name, team_ids, team_names,
            started_count, started_points, active_projects, multi_project,
            violation_counts, active_issues, captured_at)
        VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
        ON CONFLICT(assignee_id, captured_at) DO NOTHING`
	for _, e := range engineers {
		counts, err := json.Marshal(e.ViolationCounts)
		if err != nil {
			return err
		}
		active, err := json.Marshal(e.ActiveIssues)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, q, e.AssigneeID, e.AssigneeName, e.TeamIDs, e.TeamNames,
			e.StartedCount, e.StartedPoints, e.ActiveProjects, e.MultiProject,
			counts, active, e.CapturedAt); err != nil {
			return wrapSchema(err)
		}
	}
	return tx.Commit(ctx)
}

const engineerColumns = `assignee_id, assignee_name, team_ids, team_names,
            started_count, started_points, active_projects, multi_project,
            violation_counts, active_issues, captured_at`

func scanEngineers(rows pgx.Rows) ([]domain.Engineer, error) {
	defer rows.Close()
	var out []domain.Engineer
	for rows.Next() {
		var e domain.Engineer
		var counts, active []byte
		if err := rows.Scan(&e.AssigneeID, &e.AssigneeName, &e.TeamIDs, &e.TeamNames,
			&e.StartedCount, &e.StartedPoints, &e.ActiveProjects, &e.MultiProject,
			&counts, &active, &e.CapturedAt); err != nil {
			return nil, err
		}
		if len(counts) > 0 {
			if err := json.Unmarshal(counts, &e.ViolationCounts); err != nil {
				return nil, err
			}
		}
		if len(active) > 0 {
			if err := json.Unmarshal(active, &e.ActiveIssues); err != nil {
				return nil, err
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetEngineers returns the newest capture.
func (r *Repository) GetEngineers(ctx context.Context) ([]domain.Engineer, error) {
	rows, err := r.db.Pool.Query(ctx, `
        SELECT `+engineerColumns+`
        FROM engineers
        WHERE captured_at = (SELECT max(captured_at) FROM engineers)
        ORDER BY assignee_id`)
	if err != nil {
		return nil, wrapSchema(err)
	}
	return scanEngineers(rows)
}

// EngineerHistory returns every capture of one engineer since the given
// time, oldest first.
func (r *Repository) EngineerHistory(ctx context.Context, assigneeID string, since time.Time) ([]domain.Engineer, error) {
	rows, err := r.db.Pool.Query(ctx, `
        SELECT `+engineerColumns+`
        FROM engineers
        WHERE assignee_id = $1 AND captured_at >= $2
        ORDER BY captured_at`, assigneeID, since)
	if err != nil {
		return nil, wrapSchema(err)
	}
	return scanEngineers(rows)
}

// ---- sync metadata singleton ----

// GetSyncRecord loads the single sync-state row. A missing row reports idle.
func (r *Repository) GetSyncRecord(ctx context.Context) (domain.SyncRecord, error) {
	const q = `SELECT run_id, status, last_sync_time, last_project_sync_time,
        coalesce(last_error,''), coalesce(progress_percent,0), coalesce(query_count,0), checkpoint
        FROM sync_state WHERE id = 1`
	var rec domain.SyncRecord
	var cp []byte
	err := r.db.Pool.QueryRow(ctx, q).Scan(&rec.RunID, &rec.Status, &rec.LastSyncTime,
		&rec.LastProjectSyncTime, &rec.LastError, &rec.ProgressPercent, &rec.QueryCount, &cp)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.SyncRecord{Status: domain.SyncIdle}, nil
	}
	if err != nil {
		return rec, wrapSchema(err)
	}
	if len(cp) > 0 {
		rec.Checkpoint = &domain.Checkpoint{}
		if err := json.Unmarshal(cp, rec.Checkpoint); err != nil {
			return rec, err
		}
	}
	return rec, nil
}

func (r *Repository) SaveSyncRecord(ctx context.Context, rec domain.SyncRecord) error {
	var cp any
	if rec.Checkpoint != nil {
		b, err := json.Marshal(rec.Checkpoint)
		if err != nil {
			return err
		}
		cp = b
	}
	const q = `
        INSERT INTO sync_state(id, run_id, status, last_sync_time, last_project_sync_time,
            last_error, progress_percent, query_count, checkpoint)
        VALUES(1,$1,$2,$3,$4,$5,$6,$7,$8)
        ON CONFLICT(id) DO UPDATE SET
            run_id=EXCLUDED.run_id,
            status=EXCLUDED.status,
            last_sync_time=EXCLUDED.last_sync_time,
            last_project_sync_time=EXCLUDED.last_project_sync_time,
            last_error=EXCLUDED.last_error,
            progress_percent=EXCLUDED.progress_percent,
            query_count=EXCLUDED.query_count,
            checkpoint=EXCLUDED.checkpoint`
	_, err := r.db.Pool.Exec(ctx, q, rec.RunID, rec.Status, rec.LastSyncTime,
		rec.LastProjectSyncTime, rec.LastError, rec.ProgressPercent, rec.QueryCount, cp)
	return wrapSchema(err)
}

// ---- snapshots ----

// InsertSnapshot appends one capture. Snapshots are write-once; there is no
// update path.
func (r *Repository) InsertSnapshot(ctx context.Context, s domain.Snapshot) error {
	const q = `INSERT INTO snapshots(level, level_id, schema_version, captured_at, metrics)
        VALUES($1,$2,$3,$4,$5)`
	_, err := r.db.Pool.Exec(ctx, q, s.Level, s.LevelID, s.SchemaVersion, s.CapturedAt, s.Metrics)
	return wrapSchema(err)
}

func (r *Repository) LatestSnapshot(ctx context.Context, level, levelID string) (*domain.Snapshot, error) {
	const q = `SELECT level, level_id, schema_version, captured_at, metrics
        FROM snapshots WHERE level=$1 AND level_id=$2
        ORDER BY captured_at DESC LIMIT 1`
	var s domain.Snapshot
	err := r.db.Pool.QueryRow(ctx, q, level, levelID).Scan(&s.Level, &s.LevelID, &s.SchemaVersion, &s.CapturedAt, &s.Metrics)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapSchema(err)
	}
	return &s, nil
}

// AllLatestSnapshots returns the most recent capture per (level, level_id).
func (r *Repository) AllLatestSnapshots(ctx context.Context) ([]domain.Snapshot, error) {
	const q = `SELECT DISTINCT ON (level, level_id)
            level, level_id, schema_version, captured_at, metrics
        FROM snapshots ORDER BY level, level_id, captured_at DESC`
	rows, err := r.db.Pool.Query(ctx, q)
	if err != nil {
		return nil, wrapSchema(err)
	}
	defer rows.Close()
	var out []domain.Snapshot
	for rows.Next() {
		var s domain.Snapshot
		if err := rows.Scan(&s.Level, &s.LevelID, &s.SchemaVersion, &s.CapturedAt, &s.Metrics); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// SnapshotTrend returns captures for one scope since the given time, oldest
// first, for trend charts.
func (r *Repository) SnapshotTrend(ctx context.Context, level, levelID string, since time.Time) ([]domain.Snapshot, error) {
	const q = `SELECT level, level_id, schema_version, captured_at, metrics
        FROM snapshots WHERE level=$1 AND level_id=$2 AND captured_at >= $3
        ORDER BY captured_at ASC`
	rows, err := r.db.Pool.Query(ctx, q, level, levelID, since)
	if err != nil {
		return nil, wrapSchema(err)
	}
	defer rows.Close()
	var out []domain.Snapshot
	for rows.Next() {
		var s domain.Snapshot
		if err := rows.Scan(&s.Level, &s.LevelID, &s.SchemaVersion, &s.CapturedAt, &s.Metrics); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ---- sync run audit trail ----

func (r *Repository) StartSyncRun(ctx context.Context, runID, trigger string) error {
	const q = `INSERT INTO sync_runs(run_id, trigger, started_at, success) VALUES($1,$2,now(),false)`
	_, err := r.db.Pool.Exec(ctx, q, runID, trigger)
	return wrapSchema(err)
}

func (r *Repository) FinishSyncRun(ctx context.Context, runID string, issues, projects, queries int, success bool, errStr string) error {
	const q = `UPDATE sync_runs SET finished_at=now(), issues_synced=$2,
        projects_synced=$3, query_count=$4, success=$5, error=$6 WHERE run_id=$1`
	_, err := r.db.Pool.Exec(ctx, q, runID, issues, projects, queries, success, errStr)
	return wrapSchema(err)
}

type LastRun struct {
	RunID          string     `json:"run_id"`
	Trigger        string     `json:"trigger"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at"`
	IssuesSynced   int        `json:"issues_synced"`
	ProjectsSynced int        `json:"projects_synced"`
	QueryCount     int        `json:"query_count"`
	Success        bool       `json:"success"`
	Error          string     `json:"error"`
}

func (r *Repository) GetLastRun(ctx context.Context) (*LastRun, error) {
	const q = `SELECT run_id, trigger, started_at, finished_at,
        coalesce(issues_synced,0), coalesce(projects_synced,0), coalesce(query_count,0),
        coalesce(success,false), coalesce(error,'')
        FROM sync_runs ORDER BY started_at DESC LIMIT 1`
	lr := &LastRun{}
	err := r.db.Pool.QueryRow(ctx, q).Scan(&lr.RunID, &lr.Trigger, &lr.StartedAt, &lr.FinishedAt,
		&lr.IssuesSynced, &lr.ProjectsSynced, &lr.QueryCount, &lr.Success, &lr.Error)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapSchema(err)
	}
	return lr, nil
}
