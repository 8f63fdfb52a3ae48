package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/upgradoor/pkg/config"
	"github.com/ethpandaops/upgradoor/pkg/lock"
	"github.com/ethpandaops/upgradoor/pkg/migrate"
	"github.com/ethpandaops/upgradoor/pkg/pipeline"
	"github.com/ethpandaops/upgradoor/pkg/reporter"
	"github.com/ethpandaops/upgradoor/pkg/shell"
	"github.com/ethpandaops/upgradoor/pkg/steps"
	"github.com/ethpandaops/upgradoor/pkg/store"
	"github.com/ethpandaops/upgradoor/pkg/updater"
	"github.com/ethpandaops/upgradoor/pkg/upload"
	"github.com/ethpandaops/upgradoor/pkg/vcs"
)

// app holds the wired components shared by the commands.
type app struct {
	cfg      *config.Config
	store    store.Store
	locks    *lock.Service
	reporter *reporter.Reporter
	engine   *migrate.Engine
	kernel   *updater.Updater

	closers []io.Closer
}

// loadConfig loads, resolves and validates the configuration files given
// with --config.
func loadConfig() (*config.Config, error) {
	if len(cfgFiles) == 0 {
		return nil, errors.New("config file is required (use --config)")
	}

	cfg, err := config.Load(cfgFiles...)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	cfg.ResolvePaths()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if !rootCmd.PersistentFlags().Changed("log-level") {
		level, err := logrus.ParseLevel(cfg.Global.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("invalid global.log_level %q: %w", cfg.Global.LogLevel, err)
		}

		log.SetLevel(level)
	}

	return cfg, nil
}

// newApp wires the store, lock, steps and kernel from the configuration.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg}

	a.store = store.NewStore(log, &cfg.Store)
	if err := a.store.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting store: %w", err)
	}

	a.closers = append(a.closers, closerFunc(a.store.Stop))

	locks, lockCloser, err := lock.New(ctx, log, &cfg.Updater.Lock)
	if err != nil {
		a.Close()

		return nil, fmt.Errorf("creating lock: %w", err)
	}

	a.locks = locks
	a.closers = append(a.closers, lockCloser)

	a.reporter = reporter.New(log, cfg.Global.LogFile, a.store)
	a.closers = append(a.closers, a.reporter)

	runner := shell.NewRunner(log)
	driver := vcs.NewGitDriver(log, runner, cfg.Updater.AppDir, cfg.Updater.Git)
	resolver := migrate.NewResolver(log, cfg.Databases)

	deps := &steps.Deps{
		Log:     log,
		Config:  cfg,
		Runner:  runner,
		Lock:    locks,
		VCS:     driver,
		Targets: resolver,
		Store:   a.store,
		HTTP:    &http.Client{},
	}

	if cfg.Migrations.Path != "" {
		a.engine = migrate.NewEngine(log, resolver, cfg.Migrations.Path)
		deps.Migrator = a.engine
	}

	if cfg.Updater.Backup.Upload.Enabled {
		uploader, err := upload.NewS3Uploader(log, &cfg.Updater.Backup.Upload)
		if err != nil {
			a.Close()

			return nil, fmt.Errorf("creating backup uploader: %w", err)
		}

		if err := uploader.Preflight(ctx); err != nil {
			log.WithError(err).Warn("Backup upload preflight failed, uploads will likely fail")
		}

		deps.Uploader = uploader
	}

	all := steps.Default(deps)

	a.kernel = updater.New(log, updater.Deps{
		Config:   cfg,
		Store:    a.store,
		VCS:      driver,
		Locks:    locks,
		Pipeline: pipeline.New(log, all...),
		Guards:   steps.Guards(all),
		Reporter: a.reporter,
	})

	return a, nil
}

// Close releases everything newApp opened, newest first.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			log.WithError(err).Warn("Failed to close resource")
		}
	}

	a.closers = nil
}

type closerFunc func() error

func (f closerFunc) Close() error {
	return f()
}
