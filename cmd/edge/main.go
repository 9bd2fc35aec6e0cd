// The edge binary holds client websocket connections. It subscribes to
// every relay's broker endpoint, demultiplexes fan-out frames onto the
// matching connections, and keeps its own load registered in storage so
// the relay's node listing can steer new clients to the least-loaded edge.
package main

import (
	"context"
	_ "embed"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tinywideclouds/go-push-relay/cmd"
	"github.com/tinywideclouds/go-push-relay/internal/app"
	"github.com/tinywideclouds/go-push-relay/internal/broker"
	"github.com/tinywideclouds/go-push-relay/internal/metrics"
	"github.com/tinywideclouds/go-push-relay/internal/realtime"
)

//go:embed config.yaml
var configFile []byte

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := log.With().Str("service", "push-edge").Logger()

	cfg, err := cmd.Load(configFile, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if len(cfg.Broker.SubscribeEndpoints) == 0 {
		logger.Fatal().Msg("No broker subscribe endpoints configured")
	}
	if cfg.AdvertiseAddr == "" {
		logger.Fatal().Msg("No advertise address configured")
	}

	ctx := context.Background()
	storage, cleanup, err := cmd.NewStorage(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize storage")
	}
	defer cleanup()

	metrics.Register()

	subscriber := broker.NewZMQSubscriber(
		ctx,
		cfg.Broker.SubscribeEndpoints,
		broker.DefaultSubscriberBuffer,
		logger,
	)

	mux := realtime.NewMultiplexer(
		cfg.WebSocketPort,
		cfg.AdvertiseAddr,
		subscriber,
		storage,
		logger,
	)

	app.Run(ctx, logger, mux)
}
