// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/AleutianAI/lookout/pkg/logging"
	"github.com/AleutianAI/lookout/services/lookout/config"
	"github.com/AleutianAI/lookout/services/lookout/examples"
	"github.com/AleutianAI/lookout/services/lookout/manager"
	"github.com/AleutianAI/lookout/services/lookout/modelrepo"
	"github.com/AleutianAI/lookout/services/lookout/modelrepo/badgerstore"
	"github.com/AleutianAI/lookout/services/lookout/modelrepo/blob"
	"github.com/AleutianAI/lookout/services/lookout/modelrepo/sqlstore"
	"github.com/AleutianAI/lookout/services/lookout/observability"
	"github.com/AleutianAI/lookout/services/lookout/server"
	"github.com/AleutianAI/lookout/services/lookout/telemetry"
	"github.com/AleutianAI/lookout/services/lookout/transport"
)

const shutdownTimeout = 30 * time.Second

func newLogger(w io.Writer, s *config.Settings) *logging.Logger {
	l, err := logging.New(logging.Config{
		Level:   s.SlogLevel(),
		JSON:    s.LogFormat == "json",
		Console: w,
		LogDir:  s.LogDir,
		Service: "lookout",
	})
	if err != nil {
		l.Warn("file logging disabled", "log_dir", s.LogDir, "error", err)
	}
	return l
}

// openBackend builds the durable backend selected by r.Driver.
func openBackend(ctx context.Context, r config.RepositorySettings, logger *slog.Logger) (modelrepo.Backend, error) {
	switch r.Driver {
	case config.DriverMemory:
		return modelrepo.NewMemoryBackend(), nil
	case config.DriverBadger:
		cfg := badgerstore.DefaultConfig(r.BadgerPath)
		cfg.Logger = logger.With("component", "badger")
		return badgerstore.Open(cfg)
	case config.DriverPostgres, config.DriverMySQL:
		blobs, err := openBlobs(ctx, r)
		if err != nil {
			return nil, err
		}
		return sqlstore.Open(ctx, r.Driver, r.DSN, blobs, logger.With("component", "sqlstore"))
	default:
		return nil, fmt.Errorf("unknown repository driver %q", r.Driver)
	}
}

func openBlobs(ctx context.Context, r config.RepositorySettings) (blob.Store, error) {
	if r.MinIO.Endpoint != "" {
		return blob.NewMinIO(ctx, r.MinIO)
	}
	return blob.NewFS(r.FS)
}

// openRepository wraps the configured backend in the model cache.
func openRepository(ctx context.Context, s *config.Settings, logger *slog.Logger, metrics *observability.CacheMetrics) (*modelrepo.Cache, error) {
	size, err := s.Repository.CacheBytes()
	if err != nil {
		return nil, err
	}
	ttl, err := s.Repository.TTL()
	if err != nil {
		return nil, err
	}
	backend, err := openBackend(ctx, s.Repository, logger)
	if err != nil {
		return nil, fmt.Errorf("open %s repository: %w", s.Repository.Driver, err)
	}
	opts := []modelrepo.CacheOption{
		modelrepo.WithMaxMemory(size),
		modelrepo.WithTTL(ttl),
		modelrepo.WithLogger(logger.With("component", "modelrepo")),
	}
	if metrics != nil {
		opts = append(opts, modelrepo.WithMetrics(metrics))
	}
	return modelrepo.NewCache(backend, opts...), nil
}

func initRepository(ctx context.Context, s *config.Settings, logOut io.Writer) error {
	l := newLogger(logOut, s)
	defer l.Close()
	logger := l.Logger

	repo, err := openRepository(ctx, s, logger, nil)
	if err != nil {
		return err
	}
	initErr := repo.Init(ctx)
	if err := repo.Shutdown(ctx); err != nil && initErr == nil {
		return err
	}
	if initErr != nil {
		return fmt.Errorf("initialize repository: %w", initErr)
	}
	logger.Info("model repository initialized", "driver", s.Repository.Driver)
	return nil
}

// runService wires the host together and blocks until ctx is done.
func runService(ctx context.Context, s *config.Settings, logOut io.Writer) error {
	l := newLogger(logOut, s)
	defer l.Close()
	logger := l.Logger
	slog.SetDefault(logger)
	gin.SetMode(gin.ReleaseMode)

	regs, err := examples.Select(s.Analyzers)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	telCfg := s.Telemetry
	if telCfg.ServiceVersion == "" || telCfg.ServiceVersion == "dev" {
		telCfg.ServiceVersion = version
	}
	shutdownTelemetry, err := telemetry.Init(ctx, telCfg, registry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	metrics := observability.NewMetrics(registry)

	repo, err := openRepository(ctx, s, logger, metrics.Cache)
	if err != nil {
		return err
	}
	logger.Info("created model repository", "driver", s.Repository.Driver,
		"cache_size", s.Repository.CacheSize, "cache_ttl", s.Repository.CacheTTL)

	pool := transport.NewPool(s.DataServiceAddress(),
		transport.WithLogger(logger.With("component", "transport")),
		transport.WithMetrics(metrics.Transport),
	)
	logger.Info("created data service pool", "address", pool.Address())

	mgr, err := manager.New(regs, repo, pool,
		manager.WithLogger(logger.With("component", "manager")),
		manager.WithMetrics(metrics.Events),
	)
	if err != nil {
		return err
	}
	logger.Info("created analyzer manager", "version", mgr.Version())

	srv := server.New(s.Server, mgr, pool,
		server.WithWorkers(s.Workers),
		server.WithLogger(logger.With("component", "server")),
	)
	if err := srv.Start(ctx); err != nil {
		return err
	}

	var httpSrv *observability.HTTPServer
	if s.MetricsAddr != "" {
		router := observability.NewRouter(registry, func(context.Context) error {
			if !srv.Healthy() {
				return errors.New("analyzer server is not serving")
			}
			return nil
		})
		httpSrv, err = observability.ListenHTTP(s.MetricsAddr, router, logger)
		if err != nil {
			logger.Error("metrics server disabled", "addr", s.MetricsAddr, "error", err)
		} else {
			go func() {
				if err := httpSrv.Serve(); err != nil {
					logger.Error("metrics server failed", "error", err)
				}
			}()
		}
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	errs = append(errs, srv.Stop(shutdownCtx))
	if httpSrv != nil {
		errs = append(errs, httpSrv.Shutdown(shutdownCtx))
	}
	pool.ShutdownAll()
	errs = append(errs, repo.Shutdown(shutdownCtx))
	errs = append(errs, shutdownTelemetry(shutdownCtx))
	return errors.Join(errs...)
}
