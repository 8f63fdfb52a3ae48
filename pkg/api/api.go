// Package api serves the read and trigger HTTP API used by the admin UI.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/upgradoor/pkg/config"
	"github.com/ethpandaops/upgradoor/pkg/pipeline"
	"github.com/ethpandaops/upgradoor/pkg/store"
	"github.com/ethpandaops/upgradoor/pkg/updater"
)

const shutdownTimeout = 10 * time.Second

// Kernel is the part of the updater the API exposes.
type Kernel interface {
	Check(ctx context.Context, allowDirty bool) (*updater.CheckResult, error)
	Status(ctx context.Context) (*updater.StatusResult, error)
	Busy(ctx context.Context) (bool, error)
	Start(ctx context.Context, opts *pipeline.Options) (*store.Run, error)
	Execute(ctx context.Context, run *store.Run, opts pipeline.Options) (*pipeline.Context, error)
	StartRollback(ctx context.Context, req updater.RollbackRequest) (*store.Run, error)
	ExecuteRollback(ctx context.Context, run *store.Run, req updater.RollbackRequest) (*pipeline.Context, error)
}

// Server exposes the API HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log        logrus.FieldLogger
	cfg        *config.APIConfig
	kernel     Kernel
	store      store.Store
	httpServer *http.Server
	wg         sync.WaitGroup
	done       chan struct{}
	stopOnce   sync.Once

	// runCtx outlives the triggering request; triggered runs are not
	// cancelled when the client disconnects.
	runCtx context.Context
	// triggered is set while a run started through the API is executing.
	triggered atomic.Bool
	// jobs tracks triggered runs so Stop can wait for them.
	jobs sync.WaitGroup
}

// NewServer creates a new API server. The store is owned by the caller.
func NewServer(
	log logrus.FieldLogger,
	cfg *config.APIConfig,
	kernel Kernel,
	st store.Store,
) Server {
	return newServer(log, cfg, kernel, st)
}

func newServer(
	log logrus.FieldLogger,
	cfg *config.APIConfig,
	kernel Kernel,
	st store.Store,
) *server {
	return &server{
		log:    log.WithField("component", "api"),
		cfg:    cfg,
		kernel: kernel,
		store:  st,
		done:   make(chan struct{}),
		runCtx: context.Background(),
	}
}

// Start binds the listener and serves in the background.
func (s *server) Start(ctx context.Context) error {
	s.runCtx = context.WithoutCancel(ctx)

	s.httpServer = &http.Server{
		Addr:              s.cfg.Server.Listen,
		Handler:           s.buildRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Bind the listener synchronously so we fail fast on port conflicts.
	ln, err := net.Listen("tcp", s.cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Server.Listen, err)
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithField("listen", s.cfg.Server.Listen).
			Info("API server starting")

		if err := s.httpServer.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	return nil
}

// Stop shuts the HTTP server down and waits for triggered runs to finish.
func (s *server) Stop() error {
	s.stopOnce.Do(func() { close(s.done) })

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("HTTP server shutdown error")
		}
	}

	s.wg.Wait()

	if s.triggered.Load() {
		s.log.Info("Waiting for triggered run to finish")
	}

	s.jobs.Wait()

	s.log.Info("API server stopped")

	return nil
}
