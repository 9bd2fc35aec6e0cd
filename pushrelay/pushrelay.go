// Package pushrelay wires the storage backend, the fan-out bridge and the
// HTTP API into a single runnable service.
package pushrelay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-push-relay/internal/api"
	"github.com/tinywideclouds/go-push-relay/pkg/push"
	"github.com/tinywideclouds/go-push-relay/pushrelay/config"
)

// Wrapper owns the relay's HTTP server and exposes the usual
// Start/Shutdown lifecycle.
type Wrapper struct {
	cfg        *config.AppConfig
	mux        *http.ServeMux
	httpServer *http.Server
	logger     zerolog.Logger

	ready    chan struct{}
	baseAddr atomic.Value // string, set once the listener is up
}

// New creates and wires up the relay service.
func New(
	cfg *config.AppConfig,
	storage push.Storage,
	notifier api.Notifier,
	logger zerolog.Logger,
) *Wrapper {
	mux := http.NewServeMux()

	apiHandler := api.NewAPI(storage, notifier, logger)
	apiHandler.Register(mux)

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return &Wrapper{
		cfg:        cfg,
		mux:        mux,
		httpServer: &http.Server{Addr: ":" + cfg.APIPort, Handler: mux},
		logger:     logger.With().Str("component", "Relay").Logger(),
		ready:      make(chan struct{}),
	}
}

// Handler returns the relay's router, for in-process test servers.
func (w *Wrapper) Handler() http.Handler {
	return w.mux
}

// Addr returns the bound listener address. Empty until Start has
// signalled readiness.
func (w *Wrapper) Addr() string {
	addr, _ := w.baseAddr.Load().(string)
	return addr
}

// Start binds the listener and serves until Shutdown or a server
// failure. It returns once the server has stopped.
func (w *Wrapper) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", w.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("relay listen on %s: %w", w.httpServer.Addr, err)
	}
	w.baseAddr.Store(listener.Addr().String())
	w.logger.Info().Str("addr", listener.Addr().String()).Msg("HTTP listener is active")
	close(w.ready)

	serverErrChan := make(chan error, 1)
	go func() {
		if err := w.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrChan <- err
		}
		close(serverErrChan)
	}()

	select {
	case err := <-serverErrChan:
		if err != nil {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ready closes once the HTTP listener is accepting connections.
func (w *Wrapper) Ready() <-chan struct{} {
	return w.ready
}

// Shutdown gracefully stops the HTTP server.
func (w *Wrapper) Shutdown(ctx context.Context) error {
	w.logger.Info().Msg("Shutting down HTTP server...")
	if err := w.httpServer.Shutdown(ctx); err != nil {
		w.logger.Error().Err(err).Msg("HTTP server shutdown failed.")
		return err
	}
	w.logger.Info().Msg("HTTP server shut down.")
	return nil
}
