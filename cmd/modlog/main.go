// Command modlog consumes the moderation copies the bot publishes on NATS
// and persists them to the message log table. Session events are logged.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/whisper/pairbot/internal/config"
	"github.com/whisper/pairbot/internal/logging"
	"github.com/whisper/pairbot/internal/matching"
	"github.com/whisper/pairbot/internal/messaging"
	"github.com/whisper/pairbot/internal/relay"
	"github.com/whisper/pairbot/internal/store/sqlstore"
)

func main() {
	cfg, err := config.LoadModlog()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger, err := logging.New(logging.Options{Service: "modlog", Level: cfg.LogLevel, JSON: cfg.LogJSON})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := logging.Component(logger, "main")
	log.Info().Msg("starting moderation log consumer")

	dialect, dsn := sqlstore.DialectPostgres, cfg.DatabaseURL
	if cfg.Driver == config.DriverSQLite {
		dialect, dsn = sqlstore.DialectSQLite, sqlstore.SQLiteDSN(cfg.SQLitePath)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	st, err := sqlstore.Open(ctx, dialect, dsn)
	cancel()
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.Driver).Msg("failed to open store")
	}

	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATSURL
	natsConfig.Name = "pairbot-modlog"
	natsClient, err := messaging.NewNATSClient(natsConfig, logger)
	if err != nil {
		st.Close()
		log.Fatal().Err(err).Msg("failed to connect to NATS")
	}

	// Writes go through the async sink so a slow database never stalls the
	// NATS subscription goroutine.
	sink := relay.NewAsyncSink(relay.NewStoreSink(st, logger), 4*relay.DefaultQueueSize, logger)

	err = natsClient.SubscribeModeration(cfg.Queue, func(r relay.Record) {
		log.Debug().
			Int64("sender_id", r.SenderID).
			Int64("receiver_id", r.ReceiverID).
			Str("kind", string(r.Kind)).
			Bool("delivered", r.Delivered).
			Msg("moderation copy")
		sink.Record(context.Background(), r)
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to subscribe to moderation copies")
	}

	err = natsClient.SubscribeSessionEvents(func(ev matching.SessionEvent) {
		log.Info().
			Str("event", ev.Type).
			Int64("user_a", ev.UserA).
			Int64("user_b", ev.UserB).
			Time("at", ev.At).
			Msg("session event")
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to subscribe to session events")
	}

	log.Info().Str("nats_url", natsConfig.URL).Str("queue", cfg.Queue).Str("driver", cfg.Driver).Msg("modlog running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("shutting down")

	natsClient.Close()
	drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := sink.Close(drainCtx); err != nil {
		log.Warn().Err(err).Msg("message log queue not fully drained")
	}
	cancel()
	st.Close()
}
