// Package app contains the shared, reusable logic for starting and stopping
// the relay and edge binaries.
package app

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// Service is a long-running component with the usual lifecycle. Start
// blocks until the service stops; Shutdown asks it to stop gracefully.
type Service interface {
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

const shutdownTimeout = 15 * time.Second

// Run executes the main application lifecycle. It starts every service in
// its own goroutine, listens for OS signals, and performs a graceful
// shutdown of all of them. A failure in any one service triggers shutdown
// of the rest.
func Run(ctx context.Context, logger zerolog.Logger, services ...Service) {
	var wg sync.WaitGroup
	wg.Add(len(services))
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for _, svc := range services {
		go func(svc Service) {
			defer wg.Done()
			err := svc.Start(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Msg("Service failed")
				cancel()
			}
		}(svc)
	}

	// Wait for a shutdown signal.
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-shutdown:
		logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal.")
	case <-ctx.Done():
		logger.Info().Msg("Context cancelled, initiating shutdown.")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	for _, svc := range services {
		if err := svc.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Service shutdown failed.")
		}
	}

	wg.Wait()
	logger.Info().Msg("All services shut down gracefully.")
}
