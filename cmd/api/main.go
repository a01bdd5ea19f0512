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
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/shopspring/decimal"

	"loyalty-engine/internal/cache"
	"loyalty-engine/internal/challenge"
	"loyalty-engine/internal/config"
	"loyalty-engine/internal/database"
	"loyalty-engine/internal/events"
	"loyalty-engine/internal/features"
	"loyalty-engine/internal/handler"
	"loyalty-engine/internal/logging"
	"loyalty-engine/internal/metrics"
	"loyalty-engine/internal/middleware"
	"loyalty-engine/internal/models"
	"loyalty-engine/internal/random"
	"loyalty-engine/internal/retry"
	"loyalty-engine/internal/service"
	"loyalty-engine/internal/tracing"
)

func main() {
	configFile := flag.String("config", "", "Path to a JSON config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Setup(cfg.Tracing.ServiceName, cfg.Server.Env)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	if _, err := tracing.InitTracing(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.JaegerEndpoint,
		ServiceName: cfg.Tracing.ServiceName,
		Environment: cfg.Server.Env,
	}); err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracing.Shutdown(ctx); err != nil {
			logger.Error("tracing shutdown failed", "error", err)
		}
	}()

	// Initialize database
	db, err := database.NewDBWithOptions(cfg.Database.Path, database.Options{BusyTimeout: cfg.Database.BusyTimeout})
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.Close()

	catalog, err := config.LoadCatalog(cfg.Engine.ProgramsFile)
	if err != nil {
		return err
	}

	var leaderboards cache.Cache = cache.NewInMemoryCache()
	if cfg.Cache.RedisAddr != "" {
		rc, err := cache.NewRedisCache(cfg.Cache.RedisAddr, cfg.Cache.RedisPassword, cfg.Cache.RedisDB)
		if err != nil {
			return err
		}
		defer rc.Close()
		leaderboards = rc
	}

	seed := cfg.Engine.RandomSeed
	if seed == 0 {
		if seed, err = random.NewSeed(); err != nil {
			return err
		}
	}

	eventManager := events.NewManager(true, logger.With("component", "events"))
	defer eventManager.Shutdown()
	eventManager.Subscribe(events.EventRewardIssued, logReward(logger))

	m := metrics.New("loyalty")

	svc := service.NewService(service.Config{
		DB:             db,
		Catalog:        catalog,
		Cache:          leaderboards,
		Events:         eventManager,
		Features:       features.FromConfig(cfg.Features),
		Random:         random.New(seed),
		Retry:          retryPolicy(cfg.Retry),
		RewardPolicy:   rewardPolicy(cfg.Engine),
		LeaderboardTTL: cfg.Cache.LeaderboardTTL,
		Metrics:        m,
		Logger:         logger,
	})

	h := handler.NewHandlerWithOptions(svc, handler.NewHandlerOptions{
		MaxBodySize: cfg.Security.MaxRequestBodySize,
		Metrics:     m.Handler(),
		Logger:      logger,
	})

	// Setup router
	r := chi.NewRouter()

	// Middleware (order matters)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)

	if cfg.RateLimit.Enabled {
		rateLimiter := middleware.NewRateLimiter(cfg.RateLimit.Rate, time.Duration(cfg.RateLimit.Window)*time.Second, cfg.RateLimit.Burst)
		defer rateLimiter.Stop()
		r.Use(middleware.RateLimitMiddleware(rateLimiter))
	}
	r.Use(middleware.TracingMiddleware(cfg.Tracing.ServiceName))
	r.Use(middleware.MetricsMiddleware(m))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   strings.Split(cfg.Security.AllowedOrigins, ","),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	h.Routes(r)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Engine.SweepInterval > 0 {
		go runSweeps(ctx, svc, cfg.Engine.SweepInterval, logger)
	}

	addr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		protocol := "HTTP"
		if cfg.Server.EnableTLS {
			protocol = "HTTPS"
		}
		logger.Info("starting server", "protocol", protocol, "addr", addr, "database", cfg.Database.Path,
			"programs", len(catalog.Programs()), "rate_limit", cfg.RateLimit.Rate, "rate_window_seconds", cfg.RateLimit.Window)

		var err error
		if cfg.Server.EnableTLS {
			err = server.ListenAndServeTLS(cfg.Server.CertFile, cfg.Server.KeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	// Graceful shutdown
	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	return nil
}

// runSweeps expires points and challenges every interval until ctx ends.
func runSweeps(ctx context.Context, svc *service.Service, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if n, err := svc.ExpirePoints(ctx, time.Time{}); err != nil {
			logger.Error("points expiry sweep failed", "expired", n, "error", err)
		}
		if n, err := svc.ExpireChallenges(ctx); err != nil {
			logger.Error("challenge expiry sweep failed", "expired", n, "error", err)
		}
	}
}

// logReward records published reward issuances until a downstream consumer
// takes over delivery.
func logReward(logger *slog.Logger) events.Handler {
	return func(ctx context.Context, ev events.Event) error {
		reward, ok := ev.Data.(models.RewardIssuance)
		if !ok {
			return fmt.Errorf("unexpected payload %T", ev.Data)
		}
		logger.Info("reward issued", "reward_id", reward.ID, "source", string(reward.Source),
			"source_id", reward.SourceID, "customer_id", reward.CustomerID,
			"reward_type", reward.RewardType, "reward_value", reward.RewardValue.String())
		return nil
	}
}

func retryPolicy(cfg config.RetryConfig) retry.Policy {
	return retry.Policy{
		MaxAttempts:    cfg.MaxAttempts,
		InitialBackoff: cfg.InitialBackoff,
		MaxBackoff:     cfg.MaxBackoff,
	}
}

func rewardPolicy(cfg config.EngineConfig) challenge.RewardPolicy {
	policy := challenge.DefaultRewardPolicy()
	for name, m := range cfg.DifficultyMultipliers {
		policy.Difficulty[name] = decimal.NewFromFloat(m)
	}
	policy.Floor = decimal.NewFromFloat(cfg.RewardFloor)
	policy.Ceiling = decimal.NewFromFloat(cfg.RewardCeiling)
	return policy
}
