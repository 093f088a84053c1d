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
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/perp-engine/internal/config"
	"github.com/atmx/perp-engine/internal/keeper"
	"github.com/atmx/perp-engine/internal/logging"
	"github.com/atmx/perp-engine/internal/market"
	"github.com/atmx/perp-engine/internal/metrics"
	"github.com/atmx/perp-engine/internal/oracle"
	"github.com/atmx/perp-engine/internal/publish"
	"github.com/atmx/perp-engine/internal/store"
	"github.com/atmx/perp-engine/internal/trade"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (default $PERP_CONFIG)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	logger, logCloser, err := logging.New(cfg.Logging, os.Stdout)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logging:", err)
		os.Exit(1)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		slog.Error("perp-engine failed", "err", err)
		logCloser.Close()
		os.Exit(1)
	}
	fmt.Println("perp-engine stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Redis (state cache and oracle feeds) ---
	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
	}

	// --- Initialize store ---
	var st store.Store
	if cfg.Database.URL != "" {
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			return fmt.Errorf("database migration failed: %w", err)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if rdb != nil {
			st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Listeners ---
	hub := trade.NewWSHub(logger)
	go hub.Run(ctx)

	listeners := []market.Listener{
		store.NewRecorder(st, logger),
		metrics.Listener{},
		hub,
	}
	if cfg.NATS.URL != "" {
		pub, closeNATS, err := connectNATS(ctx, cfg.NATS, logger)
		if err != nil {
			return err
		}
		cleanup = append(cleanup, closeNATS)
		listeners = append(listeners, pub)
		go pub.Run(ctx)
		slog.Info("NATS event publishing enabled", "url", cfg.NATS.URL)
	}

	// --- Markets ---
	engines, feeds, err := buildMarkets(ctx, cfg.Markets, st, rdb, logger, listeners)
	if err != nil {
		return err
	}

	// --- Keeper ---
	if cfg.Keeper.Enabled {
		markets := make([]keeper.Market, 0, len(engines))
		for _, e := range engines {
			markets = append(markets, e)
		}
		k, err := keeper.New(keeper.Config{
			Account:             cfg.Keeper.Account,
			FundingSchedule:     cfg.Keeper.FundingSchedule,
			LiquidationSchedule: cfg.Keeper.LiquidationSchedule,
		}, markets, logger)
		if err != nil {
			return err
		}
		k.Start()
		cleanup = append(cleanup, func() { <-k.Stop().Done() })
		slog.Info("keeper started", "account", cfg.Keeper.Account)
	}

	// --- Trade service ---
	svc := trade.NewService(st, engines,
		trade.WithStaticFeeds(feeds),
		trade.WithAdminToken(cfg.Admin.Token),
		trade.WithLogger(logger),
	)
	if cfg.Admin.Token == "" {
		slog.Warn("ADMIN_TOKEN not set, admin routes disabled")
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"perp-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for committed engine events.
		r.Get("/ws", hub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			if cfg.RateLimit.RequestsPerSecond > 0 {
				r.Use(trade.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst).Middleware)
			}
			svc.Routes(r)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("perp-engine listening", "port", cfg.Server.Port, "markets", len(engines))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Graceful shutdown.
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("shutting down perp-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	return nil
}

// buildMarkets creates one engine per configured market, restoring
// persisted state when the store has it. Static oracle feeds are returned
// so the admin route can set them.
func buildMarkets(
	ctx context.Context,
	defs []config.MarketConfig,
	st store.Store,
	rdb *redis.Client,
	logger *slog.Logger,
	listeners []market.Listener,
) ([]*market.Engine, map[string]*oracle.StaticFeed, error) {
	engines := make([]*market.Engine, 0, len(defs))
	feeds := make(map[string]*oracle.StaticFeed)

	for _, def := range defs {
		ec, err := def.Engine()
		if err != nil {
			return nil, nil, err
		}

		var feed oracle.Feed
		switch def.Oracle.Source {
		case config.OracleRedis:
			if rdb == nil {
				return nil, nil, fmt.Errorf("market %s: redis oracle requires REDIS_URL", def.Symbol)
			}
			feed = oracle.NewRedisFeed(rdb, def.Symbol, def.Oracle.MaxAge)
		default:
			price, err := def.InitialPrice()
			if err != nil {
				return nil, nil, err
			}
			sf := oracle.NewStaticFeed(price, time.Now(), def.Oracle.MaxAge)
			feeds[def.Symbol] = sf
			feed = sf
		}

		opts := []market.Option{
			market.WithLogger(logger),
			market.WithListeners(listeners...),
		}
		saved, err := st.LoadState(ctx, def.Symbol)
		switch {
		case err == nil:
			opts = append(opts, market.WithState(*saved))
			slog.Info("market restored", "market", def.Symbol, "event_seq", saved.EventSeq)
		case errors.Is(err, store.ErrNotFound):
			slog.Info("market deployed", "market", def.Symbol,
				"base_reserve", ec.BaseReserve.String(),
				"quote_reserve", ec.QuoteReserve.String(),
			)
		default:
			return nil, nil, fmt.Errorf("market %s: load state: %w", def.Symbol, err)
		}

		e, err := market.New(ec, feed, opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("market %s: %w", def.Symbol, err)
		}
		engines = append(engines, e)
	}
	return engines, feeds, nil
}

// connectNATS dials NATS, ensures the event stream exists and returns a
// publisher with a function that drains the connection.
func connectNATS(ctx context.Context, cfg config.NATSConfig, logger *slog.Logger) (*publish.NATSPublisher, func(), error) {
	nc, err := nats.Connect(cfg.URL, nats.Name("perp-engine"))
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	if err := publish.EnsureStream(ctx, js, cfg.StreamMaxAge); err != nil {
		nc.Close()
		return nil, nil, err
	}
	return publish.NewNATSPublisher(js, cfg.Buffer, logger), func() { nc.Drain() }, nil
}
