// Package server assembles the analysis service from its parts and runs it
// until the context ends.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/zerverless/analysisd/internal/api"
	"github.com/zerverless/analysisd/internal/broadcast"
	"github.com/zerverless/analysisd/internal/config"
	"github.com/zerverless/analysisd/internal/db"
	"github.com/zerverless/analysisd/internal/db/postgres"
	"github.com/zerverless/analysisd/internal/docker"
	"github.com/zerverless/analysisd/internal/events"
	"github.com/zerverless/analysisd/internal/job"
	"github.com/zerverless/analysisd/internal/supervisor"
	"github.com/zerverless/analysisd/internal/tracing"
	"github.com/zerverless/analysisd/internal/ws"
)

// OpenStore builds the job store on the configured backend.
func OpenStore(ctx context.Context, cfg config.StoreConfig) (*job.Store, error) {
	switch cfg.Backend {
	case "memory":
		return job.NewStore(job.NewMemoryBackend()), nil

	case "badger":
		dbStore, err := db.NewStore(cfg.Path)
		if err != nil {
			return nil, err
		}
		return job.NewStore(job.NewBadgerBackend(dbStore)), nil

	case "postgres":
		pg, err := postgres.Open(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, err
		}
		if cfg.AutoMigrate {
			if err := postgres.Migrate(pg); err != nil {
				pg.Close()
				return nil, err
			}
		}
		return job.NewStore(job.NewPostgresBackend(pg)), nil
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
}

// NewLauncher returns the worker launcher and a func releasing what it holds.
func NewLauncher(ctx context.Context, cfg config.WorkerConfig) (supervisor.Launcher, func(), error) {
	switch cfg.Runtime {
	case "exec":
		return &supervisor.ExecLauncher{
			Command: cfg.Command,
			Dir:     cfg.Dir,
			Env:     cfg.Env,
		}, func() {}, nil

	case "docker":
		rt, err := docker.NewRuntime()
		if err != nil {
			return nil, nil, err
		}
		if err := rt.Ping(ctx); err != nil {
			rt.Close()
			return nil, nil, err
		}
		return &supervisor.DockerLauncher{
			Runtime:     rt,
			Image:       cfg.Image,
			Command:     cfg.Command,
			Env:         cfg.Env,
			MemoryBytes: cfg.MemoryMB * 1024 * 1024,
			NetworkMode: cfg.Network,
		}, func() { rt.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown worker runtime %q", cfg.Runtime)
}

func Run(ctx context.Context, cfg *config.Config) error {
	log.Info().Str("node_id", cfg.Server.NodeID).Str("store", cfg.Store.Backend).
		Str("runtime", cfg.Worker.Runtime).Msg("starting analysisd")

	if cfg.Tracing.Enabled {
		shutdown, err := tracing.Setup(os.Stderr)
		if err != nil {
			return err
		}
		defer shutdown(context.Background())
	}

	store, err := OpenStore(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	launcher, closeLauncher, err := NewLauncher(ctx, cfg.Worker)
	if err != nil {
		return fmt.Errorf("worker launcher: %w", err)
	}
	defer closeLauncher()

	b := broadcast.New(store)
	store.Observe(b.Notify)

	if cfg.NATS.Enabled {
		pub, err := events.NewPublisher(cfg.NATS.URL, cfg.NATS.SubjectPrefix)
		if err != nil {
			return err
		}
		defer pub.Close()
		store.Observe(pub.Notify)
		log.Info().Str("url", cfg.NATS.URL).Msg("publishing job events to NATS")
	}

	sup := supervisor.New(store, launcher, supervisor.Options{
		MaxConcurrent: cfg.Worker.MaxConcurrent,
		MaxLineBytes:  cfg.Worker.MaxLineBytes,
	})
	recovered, err := sup.Recover()
	if err != nil {
		return err
	}
	if recovered > 0 {
		log.Warn().Int("jobs", recovered).Msg("failed jobs orphaned by a previous run")
	}

	push := ws.NewServer(b, ws.Options{
		HeartbeatTimeout: cfg.Realtime.HeartbeatTimeout,
		WriteTimeout:     cfg.Realtime.WriteTimeout,
		OriginPatterns:   cfg.Realtime.OriginPatterns,
	})
	// stopped explicitly below so clients get a going-away close
	push.Start(context.Background())

	router := api.NewRouter(api.Deps{
		NodeID: cfg.Server.NodeID,
		Store:  store,
		Runner: sup,
		Push:   push,
	})

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// jobs queued before a restart
	sup.Dispatch()

	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr()).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errc:
	}
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	push.Stop()
	if err := sup.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("supervisor shutdown")
	}

	log.Info().Msg("server stopped")
	return serveErr
}
