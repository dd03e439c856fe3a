package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/linearhealth/linearhealth/internal/config"
	"github.com/linearhealth/linearhealth/internal/domain"
	"github.com/linearhealth/linearhealth/internal/repo"
	"github.com/linearhealth/linearhealth/internal/sync"
	"github.com/rs/zerolog"
)

type syncService interface {
	Start(opts sync.Options) error
	Status(ctx context.Context) (sync.Status, error)
}

type store interface {
	AllLatestSnapshots(ctx context.Context) ([]domain.Snapshot, error)
	LatestSnapshot(ctx context.Context, level, levelID string) (*domain.Snapshot, error)
	SnapshotTrend(ctx context.Context, level, levelID string, since time.Time) ([]domain.Snapshot, error)
	GetEngineers(ctx context.Context) ([]domain.Engineer, error)
	EngineerHistory(ctx context.Context, assigneeID string, since time.Time) ([]domain.Engineer, error)
	GetLastRun(ctx context.Context) (*repo.LastRun, error)
}

type Handlers struct {
	cfg config.Config
	log zerolog.Logger
	svc syncService
	db  store
}

func NewHandlers(cfg config.Config, log zerolog.Logger, svc syncService, db store) *Handlers {
	return &Handlers{cfg: cfg, log: log, svc: svc, db: db}
}

func (h *Handlers) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// StartSync queues a full sync. The admission checks run synchronously so the
// caller learns about busy/too-soon immediately; the run itself is background.
func (h *Handlers) StartSync(c *gin.Context) {
	var body struct {
		DeepHistory bool `json:"deepHistory"`
		Incremental bool `json:"incremental"`
	}
	// Body is optional.
	_ = c.ShouldBindJSON(&body)

	err := h.svc.Start(sync.Options{
		Trigger:     "manual",
		DeepHistory: body.DeepHistory,
		Incremental: body.Incremental,
	})
	switch {
	case errors.Is(err, sync.ErrSyncRunning):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, sync.ErrTooSoon):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
	case err != nil:
		h.log.Error().Err(err).Msg("sync admission failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
	}
}

// StartProjectSync queues a targeted refresh of a single project.
func (h *Handlers) StartProjectSync(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing project id"})
		return
	}
	err := h.svc.Start(sync.Options{Trigger: "project", ProjectIDs: []string{id}})
	switch {
	case errors.Is(err, sync.ErrSyncRunning):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, sync.ErrTooSoon):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
	case err != nil:
		h.log.Error().Err(err).Str("project", id).Msg("project sync admission failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusAccepted, gin.H{"status": "queued", "projectId": id})
	}
}

func (h *Handlers) SyncStatus(c *gin.Context) {
	st, err := h.svc.Status(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *Handlers) LastRun(c *gin.Context) {
	run, err := h.db.GetLastRun(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if run == nil {
		c.JSON(http.StatusOK, gin.H{"status": "no runs yet"})
		return
	}
	c.JSON(http.StatusOK, run)
}

// snapshotView keeps the stored metrics blob as raw JSON in responses.
type snapshotView struct {
	Level         string          `json:"level"`
	LevelID       string          `json:"levelId,omitempty"`
	SchemaVersion int             `json:"schemaVersion"`
	CapturedAt    time.Time       `json:"capturedAt"`
	Metrics       json.RawMessage `json:"metrics"`
}

func toView(s domain.Snapshot) snapshotView {
	return snapshotView{
		Level:         s.Level,
		LevelID:       s.LevelID,
		SchemaVersion: s.SchemaVersion,
		CapturedAt:    s.CapturedAt,
		Metrics:       json.RawMessage(s.Metrics),
	}
}

// Metrics serves the latest snapshot per scope. Without query params it lists
// every scope's latest; with level (and levelId for domain/team) it serves one.
func (h *Handlers) Metrics(c *gin.Context) {
	level := c.Query("level")
	levelID := c.Query("levelId")

	if level == "" {
		snaps, err := h.db.AllLatestSnapshots(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		out := make([]snapshotView, 0, len(snaps))
		for _, s := range snaps {
			out = append(out, toView(s))
		}
		c.JSON(http.StatusOK, gin.H{"snapshots": out})
		return
	}

	snap, err := h.db.LatestSnapshot(c.Request.Context(), level, levelID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if snap == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no snapshot for scope"})
		return
	}
	c.JSON(http.StatusOK, toView(*snap))
}

// MetricsTrend serves the snapshot history for one scope, oldest first.
// days defaults to 90.
func (h *Handlers) MetricsTrend(c *gin.Context) {
	level := c.Query("level")
	if level == "" {
		level = domain.LevelOrg
	}
	levelID := c.Query("levelId")
	days := 90
	if v := c.Query("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "days must be a positive integer"})
			return
		}
		days = n
	}
	since := time.Now().UTC().AddDate(0, 0, -days)
	snaps, err := h.db.SnapshotTrend(c.Request.Context(), level, levelID, since)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out := make([]snapshotView, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, toView(s))
	}
	c.JSON(http.StatusOK, gin.H{"level": level, "levelId": levelID, "snapshots": out})
}

func (h *Handlers) Engineers(c *gin.Context) {
	engs, err := h.db.GetEngineers(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"engineers": engs})
}

// EngineerHistory serves past captures of one engineer, oldest first.
// days defaults to 90.
func (h *Handlers) EngineerHistory(c *gin.Context) {
	id := c.Param("id")
	days := 90
	if v := c.Query("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "days must be a positive integer"})
			return
		}
		days = n
	}
	since := time.Now().UTC().AddDate(0, 0, -days)
	engs, err := h.db.EngineerHistory(c.Request.Context(), id, since)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"assigneeId": id, "captures": engs})
}
