package main

import (
	"context"
	"errors"
	nethttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/linearhealth/linearhealth/internal/adapters/linear"
	"github.com/linearhealth/linearhealth/internal/adapters/throughput"
	"github.com/linearhealth/linearhealth/internal/config"
	apphttp "github.com/linearhealth/linearhealth/internal/http"
	"github.com/linearhealth/linearhealth/internal/jobs"
	"github.com/linearhealth/linearhealth/internal/logger"
	"github.com/linearhealth/linearhealth/internal/repo"
	"github.com/linearhealth/linearhealth/internal/sync"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// DB
	db := repo.MustOpen(ctx, cfg.DBDSN, log)
	defer db.Close()

	// Adapters
	lc := linear.NewClient(cfg, log)
	tput := throughput.NewClient(cfg, log)

	// Services
	repository := repo.NewRepository(db, log)
	orc := sync.NewOrchestrator(cfg, lc, repository, tput, log)

	// Verify API credentials up front; a bad key should be loud, not a
	// mystery inside the first cron run.
	{
		ctx2, cancel2 := context.WithTimeout(ctx, 20*time.Second)
		if ok, err := lc.TestConnection(ctx2); err != nil || !ok {
			log.Error().Err(err).Msg("linear connection check failed")
		} else {
			log.Info().Msg("linear connection ok")
		}
		cancel2()
	}

	// HTTP server (Gin)
	router := apphttp.NewRouter(cfg, log, orc, repository)
	srv := &nethttp.Server{Addr: cfg.HTTPAddr, Handler: router}

	// Cron
	cron := jobs.NewCron(cfg, log, orc, repository)
	cron.Start()
	defer cron.Stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.Info().Str("addr", cfg.HTTPAddr).Msg("listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Info().Msg("shutting down...")
	case err := <-errCh:
		if err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
			log.Error().Err(err).Msg("http server error")
		}
	}

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown error")
	}
}
