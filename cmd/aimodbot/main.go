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
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"maunium.net/go/mautrix/id"

	"github.com/whisper/aimodbot/internal/audit"
	"github.com/whisper/aimodbot/internal/classifier"
	"github.com/whisper/aimodbot/internal/config"
	"github.com/whisper/aimodbot/internal/ledger"
	"github.com/whisper/aimodbot/internal/logger"
	"github.com/whisper/aimodbot/internal/matrix"
	"github.com/whisper/aimodbot/internal/messaging"
	"github.com/whisper/aimodbot/internal/metrics"
	"github.com/whisper/aimodbot/internal/moderation"
	"github.com/whisper/aimodbot/internal/ratelimit"
	"github.com/whisper/aimodbot/internal/server"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "aimodbot: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	defaultPath := "config.yaml"
	if v := os.Getenv("AIMOD_CONFIG"); v != "" {
		defaultPath = v
	}
	flags := pflag.NewFlagSet("aimodbot", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", defaultPath, "path to the YAML config file")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	store, err := config.NewStore(*configPath)
	if err != nil {
		return err
	}
	cfg := store.Current()

	log, err := logger.New(cfg.Bot.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	log.Info("starting aimodbot", zap.String("config", *configPath), zap.String("user_id", cfg.Bot.UserID))
	logWarnings(log, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	checks := make(map[string]server.Check)
	sinks := []moderation.Sink{metrics.Sink{}}

	// Redis setup. Without it the ledger is per-process and budgets are off.
	mem := ledger.NewMemory()
	var (
		led      moderation.Ledger     = mem
		offenses server.OffenseCounter = mem
		budget   *ratelimit.RoomBudget
		srvOpts  []server.Option
	)
	if cfg.Bot.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Bot.RedisAddr})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("connect to redis %s: %w", cfg.Bot.RedisAddr, err)
		}
		defer rdb.Close()

		redisLedger := ledger.NewStore(rdb)
		led, offenses = redisLedger, redisLedger
		budget = ratelimit.NewRoomBudget(ratelimit.NewLimiter(rdb, log))
		srvOpts = append(srvOpts, server.WithBudget(func(ctx context.Context, roomID string) (int, error) {
			return budget.Remaining(ctx, roomID, store.Filter().Budget)
		}))
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	} else {
		log.Warn("redis_addr not set; using in-memory ledger and no classifier budget")
	}

	// NATS setup.
	if cfg.Bot.NATSURL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.Bot.NATSURL

		nc, err := messaging.NewNATSClient(natsConfig, log)
		if err != nil {
			return fmt.Errorf("connect to nats: %w", err)
		}
		defer nc.Close()

		sinks = append(sinks, messaging.NewDecisionSink(nc))
		checks["nats"] = nc.Healthy
		if err := nc.SubscribeReload(func() { reload(log, store, "nats") }); err != nil {
			return fmt.Errorf("subscribe to reload requests: %w", err)
		}
	}

	// Postgres setup.
	if cfg.Bot.DatabaseURL != "" {
		db, err := audit.Open(ctx, cfg.Bot.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := audit.Migrate(db); err != nil {
			return err
		}
		auditStore := audit.NewStore(db)
		sinks = append(sinks, auditStore)
		srvOpts = append(srvOpts, server.WithDecisionLog(auditStore))
		checks["postgres"] = db.PingContext
	}

	client, err := matrix.NewClient(cfg.Bot)
	if err != nil {
		return err
	}
	host := matrix.NewHost(client, id.UserID(cfg.Bot.UserID))

	opts := []moderation.Option{
		moderation.WithSinks(sinks...),
		moderation.WithLogger(log),
		moderation.WithBotUserID(cfg.Bot.UserID),
	}
	if budget != nil {
		opts = append(opts, moderation.WithBudget(budget))
	}
	pipeline := moderation.NewPipeline(host, classifier.New(log),
		moderation.NewExecutor(host, led, log), opts...)

	bot := matrix.NewBot(client, host, pipeline, store, matrix.BotConfig{
		Workers:      cfg.Bot.Workers,
		EventTimeout: cfg.Bot.EventTimeout,
	}, log)

	srvOpts = append(srvOpts, server.WithOffenses(offenses))
	srv := server.New(cfg.Bot.MetricsAddr, checks, log, srvOpts...)
	srv.Start()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				reload(log, store, "sighup")
			}
		}
	}()

	log.Info("aimodbot running",
		zap.String("homeserver", cfg.Bot.Homeserver),
		zap.Bool("ai_enabled", cfg.Filter.AIEnabled),
		zap.Int("workers", cfg.Bot.Workers),
		zap.String("metrics_addr", cfg.Bot.MetricsAddr),
	)

	runErr := bot.Run(ctx)
	if runErr != nil {
		log.Error("sync loop stopped", zap.Error(runErr))
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http server shutdown", zap.Error(err))
	}
	return runErr
}

// reload swaps in a freshly parsed config. A broken file leaves the
// running policy untouched.
func reload(log *zap.Logger, store *config.Store, source string) {
	cfg, err := store.Reload()
	if err != nil {
		metrics.ConfigReloadsTotal.WithLabelValues("error").Inc()
		log.Error("config reload failed", zap.String("source", source), zap.Error(err))
		return
	}
	metrics.ConfigReloadsTotal.WithLabelValues("ok").Inc()
	log.Info("config reloaded",
		zap.String("source", source),
		zap.Bool("ai_enabled", cfg.Filter.AIEnabled),
		zap.Float64("threshold", cfg.Filter.AIModThreshold),
	)
	logWarnings(log, cfg)
}

func logWarnings(log *zap.Logger, cfg *config.Config) {
	for _, w := range cfg.Warnings {
		log.Warn("config fallback applied", zap.String("detail", w))
	}
}
