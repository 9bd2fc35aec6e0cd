// The relay binary serves the public HTTP API: token issuance, queue
// management, message posting and the edge-node listing. Posted messages
// are fanned out to edge nodes over the broker.
//
// In "local" run mode the broker is in-process and a websocket
// multiplexer runs inside the same binary, so a single process serves the
// whole system for development.
package main

import (
	"context"
	_ "embed"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tinywideclouds/go-push-relay/cmd"
	"github.com/tinywideclouds/go-push-relay/internal/app"
	"github.com/tinywideclouds/go-push-relay/internal/broker"
	"github.com/tinywideclouds/go-push-relay/internal/fanout"
	"github.com/tinywideclouds/go-push-relay/internal/metrics"
	"github.com/tinywideclouds/go-push-relay/internal/realtime"
	"github.com/tinywideclouds/go-push-relay/pushrelay"
)

//go:embed config.yaml
var configFile []byte

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := log.With().Str("service", "push-relay").Logger()

	cfg, err := cmd.Load(configFile, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}

	ctx := context.Background()
	storage, cleanup, err := cmd.NewStorage(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize storage")
	}
	defer cleanup()

	metrics.Register()

	if cfg.RunMode == "local" {
		logger.Warn().Msg("Running in 'local' mode: in-process broker, single binary.")
		inproc := broker.NewInproc(logger)

		bridge := fanout.NewBridge(inproc.Publisher(), logger)
		relay := pushrelay.New(cfg, storage, bridge, logger)

		mux := realtime.NewMultiplexer(
			cfg.WebSocketPort,
			cfg.AdvertiseAddr,
			inproc.Subscriber(broker.DefaultSubscriberBuffer),
			storage,
			logger,
		)

		app.Run(ctx, logger, relay, mux)
		return
	}

	publisher, err := broker.NewZMQPublisher(ctx, cfg.Broker.PublishEndpoint, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to bind broker publisher")
	}
	defer func() { _ = publisher.Close() }()

	bridge := fanout.NewBridge(publisher, logger)
	relay := pushrelay.New(cfg, storage, bridge, logger)

	app.Run(ctx, logger, relay)
}
