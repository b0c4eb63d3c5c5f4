package app

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"iris/internal/api"
	"iris/internal/config"
	"iris/internal/storage"
)

type App struct {
	cfg config.Config
	log *slog.Logger

	store *storage.Storage
	api   *api.Server

	httpSrv *http.Server
}

func New(cfg config.Config, logger *slog.Logger) (*App, error) {
	store, err := storage.New(storage.Config{
		DBPath:              cfg.DBPath,
		CacheSizePerAgent:   cfg.CacheSizePerAgent,
		BatchSize:           cfg.BatchSize,
		BatchTimeout:        cfg.BatchTimeout,
		ChannelCapacity:     cfg.ChannelCapacity,
		MaxRecordsPerAgent:  cfg.MaxRecordsPerAgent,
		RetentionDays:       cfg.RetentionDays,
		CleanupInterval:     cfg.CleanupInterval,
		EnableCleanup:       cfg.EnableCleanup,
		BroadcastQueueDepth: 16,
	}, logger)
	if err != nil {
		return nil, err
	}

	a := api.NewServer(store, logger.With("module", "api"))

	app := &App{
		cfg:   cfg,
		log:   logger,
		store: store,
		api:   a,
	}
	app.httpSrv = &http.Server{Addr: cfg.Addr, Handler: a.Routes()}
	return app, nil
}

func (a *App) Run(ctx context.Context) error {
	a.store.Start(ctx)

	go func() {
		a.log.Info("http server listening", "addr", a.cfg.Addr)
		if err := a.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.log.Error("http server failed", "err", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.httpSrv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("http server shutdown failed", "err", err)
	}
	return a.store.Shutdown(shutdownCtx)
}
