package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/linearhealth/linearhealth/internal/config"
	"github.com/linearhealth/linearhealth/internal/repo"
	syncer "github.com/linearhealth/linearhealth/internal/sync"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

type service interface {
	Run(ctx context.Context, opts syncer.Options) error
}

type Cron struct {
	cfg  config.Config
	log  zerolog.Logger
	svc  service
	repo *repo.Repository
	c    *cron.Cron
}

func NewCron(cfg config.Config, log zerolog.Logger, svc service, r *repo.Repository) *Cron {
	loc, _ := time.LoadLocation(cfg.TZ)
	c := cron.New(cron.WithLocation(loc), cron.WithParser(cron.NewParser(cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow)))
	cr := &Cron{cfg: cfg, log: log, svc: svc, repo: r, c: c}
	_, _ = c.AddFunc(cfg.SyncCron, cr.sync)
	return cr
}

func (cr *Cron) Start() { cr.c.Start() }
func (cr *Cron) Stop()  { cr.c.Stop() }

// sync runs a scheduled incremental sync. The advisory lock keeps replicas
// from syncing the same workspace at the same time; the orchestrator's own
// guards handle overlap within one process.
func (cr *Cron) sync() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()
	ok, err := cr.repo.TryAdvisoryLock(ctx, repo.AdvisoryLockKey)
	if err != nil {
		cr.log.Error().Err(err).Msg("cron: lock error")
		return
	}
	if !ok {
		cr.log.Info().Msg("cron: sync already running elsewhere")
		return
	}
	defer func() { _ = cr.repo.AdvisoryUnlock(context.Background(), repo.AdvisoryLockKey) }()

	cr.log.Info().Msg("cron: scheduled sync")
	err = cr.svc.Run(ctx, syncer.Options{Trigger: "cron", Incremental: true})
	switch {
	case errors.Is(err, syncer.ErrSyncRunning), errors.Is(err, syncer.ErrTooSoon):
		cr.log.Info().Err(err).Msg("cron: sync skipped")
	case err != nil:
		cr.log.Error().Err(err).Msg("cron: sync failed")
	}
}
