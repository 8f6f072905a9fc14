// Package pushdispatch assembles one pipeline stage into a runnable service:
// the stage's long-running loop plus the health/readiness server.
package pushdispatch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tinywideclouds/go-microservice-base/pkg/microservice"
)

// Service wraps a stage loop with the shared lifecycle: readiness is flipped
// once the loop is running, and Done reports the loop's exit so the binary can
// terminate instead of serving health checks for a dead stage.
type Service struct {
	*microservice.BaseServer
	stage  string
	run    func(ctx context.Context) error
	logger *slog.Logger
	done   chan error
}

// New assembles the service around a stage loop.
func New(stage, listenAddr string, run func(ctx context.Context) error, logger *slog.Logger) *Service {
	return &Service{
		BaseServer: microservice.NewBaseServer(logger, listenAddr),
		stage:      stage,
		run:        run,
		logger:     logger,
		done:       make(chan error, 1),
	}
}

// Start launches the stage loop and then serves health endpoints until
// Shutdown.
func (s *Service) Start(ctx context.Context) error {
	s.logger.Info("Stage starting...", "stage", s.stage)
	go func() {
		err := s.run(ctx)
		if err != nil && ctx.Err() == nil {
			s.logger.Error("Stage loop exited with error", "stage", s.stage, "err", err)
		}
		s.done <- err
	}()
	s.SetReady(true)
	s.logger.Info("Service is now ready.", "stage", s.stage)
	return s.BaseServer.Start()
}

// Done reports the stage loop's exit.
func (s *Service) Done() <-chan error {
	return s.done
}

// Shutdown stops the health server; the stage loop is stopped by cancelling
// the context passed to Start.
func (s *Service) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down service components...", "stage", s.stage)
	if err := s.BaseServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	s.logger.Info("Service shutdown complete.", "stage", s.stage)
	return nil
}
