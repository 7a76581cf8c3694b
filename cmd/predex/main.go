package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/efreitasn/predex/internal/config"
	"github.com/efreitasn/predex/internal/domain"
	"github.com/efreitasn/predex/internal/engine"
	"github.com/efreitasn/predex/internal/handler"
	"github.com/efreitasn/predex/internal/oracle"
	"github.com/efreitasn/predex/internal/outbox"
	"github.com/efreitasn/predex/internal/pubsub"
	"github.com/efreitasn/predex/internal/service"
	"github.com/efreitasn/predex/internal/store"
	"github.com/efreitasn/predex/internal/store/postgres"
	"github.com/efreitasn/predex/internal/store/sqlite"
	"github.com/efreitasn/predex/internal/ws"
)

func main() {
	healthcheck := flag.Bool("healthcheck", false, "Run health check against running server")
	configPath := flag.String("config", "", "Path to an optional TOML config file")
	flag.Parse()

	// HTTP GET to localhost:PORT/healthz, exit 0/1.
	if *healthcheck {
		port := os.Getenv("PORT")
		if port == "" {
			port = "8080"
		}
		client := &http.Client{Timeout: 3 * time.Second}
		resp, err := client.Get(fmt.Sprintf("http://localhost:%s/healthz", port))
		if err != nil || resp.StatusCode != http.StatusOK {
			os.Exit(1)
		}
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func newLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redacted := cfg.Redacted()
	logger.Info("config loaded",
		slog.Int("port", redacted.Port),
		slog.String("persistence", redacted.PersistenceDriver),
		slog.String("database_url", redacted.DatabaseURL),
		slog.String("redis_addr", redacted.RedisAddr),
		slog.String("fee_base_rate", redacted.FeeBaseRate.String()),
		slog.String("treasury", redacted.TreasuryAddress),
		slog.Bool("admin_enabled", cfg.AdminAPIKey != ""),
	)

	persist, closePersist, err := openPersistence(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closePersist()

	bus := pubsub.NewBus()
	var publisher pubsub.Publisher = bus
	var cache pubsub.MarketCache = pubsub.NopMarketCache{}
	if cfg.RedisAddr != "" {
		rdb, err := pubsub.NewRedisClient(ctx, pubsub.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			return err
		}
		defer rdb.Close()
		publisher = pubsub.MultiPublisher{bus, pubsub.NewRedisBus(rdb)}
		cache = pubsub.NewRedisMarketCache(rdb, cfg.MarketCacheTTL)
		logger.Info("redis connected", slog.String("addr", cfg.RedisAddr))
	}

	ob := outbox.New(outbox.Config{
		QueueSize:    cfg.OutboxQueueSize,
		MaxAttempts:  cfg.OutboxMaxAttempts,
		RetryBackoff: cfg.OutboxRetryBackoff,
	}, persist, publisher, cache, logger)

	// In-memory state.
	accounts := store.NewAccountStore()
	markets := store.NewMarketStore()
	trades := store.NewTradeStore()
	settlements := store.NewSettlementStore()

	fees, err := engine.NewFeeSchedule(cfg.FeeBaseRate)
	if err != nil {
		return fmt.Errorf("fee schedule: %w", err)
	}
	books := engine.NewBookManager()
	matcher := engine.NewMatcher(books, accounts, store.NewOrderStore(), trades, markets, fees, cfg.TreasuryAddress)
	notifier := service.NewNotifier(ob, matcher, logger)
	expiry := engine.NewExpiryManager(cfg.ExpirationInterval, matcher, notifier)
	oc := oracle.New(markets, books, trades, notifier, logger)

	if err := persist.EnsureAccount(ctx, cfg.TreasuryAddress); err != nil {
		return fmt.Errorf("ensure treasury account: %w", err)
	}
	stats, err := service.WarmStart(ctx, persist, markets, accounts, settlements, matcher, expiry)
	if err != nil {
		return fmt.Errorf("warm start: %w", err)
	}
	logger.Info("state restored",
		slog.Int("markets", stats.Markets),
		slog.Int("accounts", stats.Accounts),
		slog.Int("settlements", stats.Settlements),
		slog.Int("resting_orders", stats.RestingOrders),
		slog.Int("skipped_orders", stats.SkippedOrders),
	)

	accountSvc := service.NewAccountService(accounts, markets, ob, logger)
	orderSvc := service.NewOrderService(matcher, expiry, oc, accounts, markets, trades, ob, logger)
	marketSvc := service.NewMarketService(markets, trades, matcher, expiry, oc, ob, logger)
	settlementSvc := service.NewSettlementService(markets, accounts, settlements, ob, logger)

	hub := ws.NewHub(bus, logger, ws.Config{AllowedOrigins: cfg.CORSOrigins})

	router := handler.NewRouter(accountSvc, orderSvc, marketSvc, settlementSvc, handler.Options{
		AdminAPIKey: cfg.AdminAPIKey,
		CORSOrigins: cfg.CORSOrigins,
		MarketCache: cache,
		WebSocket:   hub,
	}, logger)

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	// The outbox outlives the other workers so envelopes submitted by
	// in-flight requests are still written.
	obCtx, cancelOutbox := context.WithCancel(context.Background())
	obDone := make(chan struct{})
	go func() {
		defer close(obDone)
		_ = ob.Run(obCtx)
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server starting", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", slog.String("error", err.Error()))
		}
		return nil
	})
	g.Go(func() error { return expiry.Run(gctx) })
	g.Go(func() error { return oracle.NewRefresher(oc, cfg.OracleRefreshInterval).Run(gctx) })
	g.Go(func() error { return hub.Run(gctx) })

	err = g.Wait()
	cancelOutbox()
	<-obDone
	if n := ob.DeadLetters(); n > 0 {
		logger.Warn("writes left undelivered", slog.Int("dead_letters", n))
	}
	return err
}

// openPersistence returns the configured durable store and its closer.
func openPersistence(ctx context.Context, cfg *config.Config, logger *slog.Logger) (domain.Persistence, func(), error) {
	switch cfg.PersistenceDriver {
	case config.DriverPostgres:
		pool, err := postgres.Connect(ctx, postgres.Config{DSN: cfg.DatabaseURL, MaxConns: cfg.DatabaseMaxConns})
		if err != nil {
			return nil, nil, err
		}
		if cfg.RunMigrations {
			if err := postgres.Migrate(ctx, pool); err != nil {
				pool.Close()
				return nil, nil, err
			}
		}
		logger.Info("postgres connected", slog.Bool("migrations", cfg.RunMigrations))
		return postgres.NewPersistence(pool), pool.Close, nil
	case config.DriverSQLite:
		st, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("sqlite opened", slog.String("path", cfg.SQLitePath))
		return st, func() { _ = st.Close() }, nil
	default:
		logger.Warn("in-memory persistence: state is lost on restart")
		return store.NewJournal(), func() {}, nil
	}
}
