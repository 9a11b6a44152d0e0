// Package api exposes the testgate HTTP surface: gating verdicts and
// build-load management.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ciwatch/testgate/pkg/config"
	"github.com/ciwatch/testgate/pkg/gate"
	"github.com/ciwatch/testgate/pkg/loader"
	"github.com/ciwatch/testgate/pkg/remote"
	"github.com/ciwatch/testgate/pkg/store"
)

const shutdownTimeout = 10 * time.Second

// Server exposes the API HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log         logrus.FieldLogger
	cfg         *config.Config
	store       store.Store
	engine      *gate.Engine
	coordinator loader.Coordinator
	httpServer  *http.Server
	wg          sync.WaitGroup
}

// NewServer creates a new API server.
func NewServer(log logrus.FieldLogger, cfg *config.Config) Server {
	return &server{
		log: log.WithField("component", "api"),
		cfg: cfg,
	}
}

// Start opens the store, wires the gate engine and loader, and starts
// the HTTP server.
func (s *server) Start(ctx context.Context) error {
	s.store = store.NewStore(
		s.log, &s.cfg.Database, s.cfg.Gate.UsableThresholdPct,
	)
	if err := s.store.Start(ctx); err != nil {
		return fmt.Errorf("starting store: %w", err)
	}

	s.engine = gate.NewEngine(s.log, s.cfg, s.store)

	client := remote.NewClient(s.log)
	s.coordinator = loader.NewCoordinator(s.log, s.cfg, s.store, client)

	router := s.buildRouter()

	s.httpServer = &http.Server{
		Addr:              s.cfg.Server.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Bind the listener synchronously so we fail fast on port
	// conflicts.
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

	// Start the loader AFTER the API is listening so the server is
	// reachable while the first heartbeat pass runs.
	if err := s.coordinator.Start(ctx); err != nil {
		return fmt.Errorf("starting loader: %w", err)
	}

	return nil
}

// Stop gracefully shuts down the HTTP server, the loader and the
// store.
func (s *server) Stop() error {
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

	if s.coordinator != nil {
		if err := s.coordinator.Stop(); err != nil {
			s.log.WithError(err).Warn("Loader shutdown error")
		}
	}

	if s.store != nil {
		if err := s.store.Stop(); err != nil {
			s.log.WithError(err).Warn("Store shutdown error")
		}
	}

	s.log.Info("API server stopped")

	return nil
}
