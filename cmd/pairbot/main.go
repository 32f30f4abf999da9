// Command pairbot runs the anonymous chat bot: Telegram long polling, the
// pairing engine, the maintenance jobs and the status HTTP server.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/whisper/pairbot/internal/admin"
	"github.com/whisper/pairbot/internal/config"
	"github.com/whisper/pairbot/internal/engine"
	"github.com/whisper/pairbot/internal/httpapi"
	"github.com/whisper/pairbot/internal/logging"
	"github.com/whisper/pairbot/internal/matching"
	"github.com/whisper/pairbot/internal/messaging"
	"github.com/whisper/pairbot/internal/ratelimit"
	"github.com/whisper/pairbot/internal/relay"
	"github.com/whisper/pairbot/internal/scheduler"
	"github.com/whisper/pairbot/internal/store"
	"github.com/whisper/pairbot/internal/store/memstore"
	"github.com/whisper/pairbot/internal/store/redisstore"
	"github.com/whisper/pairbot/internal/store/sqlstore"
	"github.com/whisper/pairbot/internal/telegram"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx)
	stop()
	os.Exit(code)
}

func run(ctx context.Context) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	logger, err := logging.New(logging.Options{Service: "pairbot", Level: cfg.Log.Level, JSON: cfg.Log.JSON})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	log := logging.Component(logger, "main")

	var rdb *redis.Client
	if cfg.UseRedis() {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			log.Error().Err(err).Str("addr", cfg.Redis.Addr).Msg("failed to connect to Redis")
			return 1
		}
		defer rdb.Close()
	}

	st, err := openStore(ctx, cfg, rdb)
	if err != nil {
		log.Error().Err(err).Str("driver", cfg.Store.Driver).Msg("failed to open store")
		return 1
	}
	defer st.Close()
	log.Info().Str("driver", cfg.Store.Driver).Msg("store ready")

	tg, err := telegram.New(cfg.Telegram.BotToken, logger)
	if err != nil {
		log.Error().Err(err).Msg("failed to create Telegram bot")
		return 1
	}
	me, err := tg.API().GetMe(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to get bot info")
		return 1
	}

	// Moderation copies go to NATS for cmd/modlog to persist when a broker
	// is configured, straight to the store otherwise.
	var (
		sinks  relay.MultiSink
		events matching.EventPublisher
		conns  []httpapi.Conn
	)
	if cfg.NATSURL != "" {
		natsCfg := messaging.DefaultNATSConfig()
		natsCfg.URL = cfg.NATSURL
		nc, err := messaging.NewNATSClient(natsCfg, logger)
		if err != nil {
			log.Error().Err(err).Str("url", cfg.NATSURL).Msg("failed to connect to NATS")
			return 1
		}
		defer nc.Close()
		sinks = append(sinks, messaging.NewModerationPublisher(nc, logger))
		events = messaging.NewSessionEventPublisher(nc)
		conns = append(conns, httpapi.Conn{Name: "nats", Connected: nc.Connected})
	} else {
		sinks = append(sinks, relay.NewStoreSink(st, logger))
	}
	if cfg.Telegram.LogGroupID != 0 {
		sinks = append(sinks, telegram.NewLogGroupSink(tg.API(), cfg.Telegram.LogGroupID, st, logger))
	}
	moderation := relay.NewAsyncSink(sinks, relay.DefaultQueueSize, logger)

	var (
		limiter ratelimit.Allower
		pruner  *ratelimit.MemoryLimiter
	)
	if rdb != nil {
		limiter = ratelimit.NewLimiter(rdb, "pairbot:", logger)
	} else {
		pruner = ratelimit.NewMemoryLimiter()
		limiter = pruner
	}

	engCfg := engine.DefaultConfig()
	engCfg.KeepWaiting = cfg.Matching.KeepWaiting
	engCfg.CandidateSample = cfg.Matching.CandidateSample
	engCfg.MembershipTimeout = cfg.Matching.MembershipTimeout
	engCfg.SearchRule = ratelimit.RuleSearch.WithLimit(cfg.Limits.Search)
	engCfg.MessageRule = ratelimit.RuleMessage.WithLimit(cfg.Limits.Message)

	eng := engine.New(engine.Deps{
		Store:      st,
		Transport:  telegram.NewTransport(tg.API()),
		Members:    telegram.NewMembers(tg.API()),
		Moderation: moderation,
		Events:     events,
		Limiter:    limiter,
	}, engCfg, logger)
	adm := admin.NewService(st, eng, eng.Tracker(), cfg.Telegram.BootstrapAdmin, logger)
	tg.Attach(eng, adm, me.Username)

	sched, err := scheduler.New(logger)
	if err != nil {
		log.Error().Err(err).Msg("failed to create scheduler")
		return 1
	}
	jobs := []job{
		{"vip-sweep", cfg.Jobs.VipSweepInterval, scheduler.VipSweep(eng.Tracker())},
		{"stats-refresh", cfg.Jobs.StatsInterval, scheduler.StatsRefresh(eng)},
	}
	if pruner != nil {
		jobs = append(jobs, job{"ratelimit-prune", time.Minute, scheduler.Prune(pruner)})
	}
	for _, j := range jobs {
		if err := sched.Every(j.name, j.interval, j.run); err != nil {
			log.Error().Err(err).Msg("failed to schedule job")
			return 1
		}
	}

	srv := httpapi.NewServer(cfg.HTTPAddr, httpapi.NewRouter("pairbot", st, logger, conns...), logger)

	log.Info().
		Str("username", me.Username).
		Int64("bootstrap_admin", cfg.Telegram.BootstrapAdmin).
		Bool("nats", cfg.NATSURL != "").
		Bool("log_group", cfg.Telegram.LogGroupID != 0).
		Msg("pairbot starting")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error {
		tg.Start(gctx)
		if gctx.Err() == nil {
			return errors.New("telegram polling stopped unexpectedly")
		}
		return nil
	})
	g.Go(func() error {
		sched.Start()
		<-gctx.Done()
		return sched.Stop()
	})
	runErr := g.Wait()

	drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := moderation.Close(drainCtx); err != nil {
		log.Warn().Err(err).Msg("moderation queue not fully drained")
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.Error().Err(runErr).Msg("pairbot stopped with error")
		return 1
	}
	log.Info().Msg("pairbot stopped")
	return 0
}

func openStore(ctx context.Context, cfg *config.Config, rdb *redis.Client) (store.Store, error) {
	switch cfg.Store.Driver {
	case config.DriverMemory:
		return memstore.New(), nil
	case config.DriverRedis:
		return redisstore.NewStore(rdb), nil
	case config.DriverPostgres:
		return sqlstore.Open(ctx, sqlstore.DialectPostgres, cfg.Store.DatabaseURL)
	case config.DriverSQLite:
		return sqlstore.Open(ctx, sqlstore.DialectSQLite, sqlstore.SQLiteDSN(cfg.Store.SQLitePath))
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
}

type job struct {
	name     string
	interval time.Duration
	run      func(context.Context) error
}
