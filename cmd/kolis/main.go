package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"kolis/internal/config"
	"kolis/internal/connectivity"
	"kolis/internal/events"
	"kolis/internal/export"
	"kolis/internal/logging"
	"kolis/internal/metrics"
	"kolis/internal/models"
	"kolis/internal/pricing"
	"kolis/internal/queue"
	"kolis/internal/remote"
	"kolis/internal/repository"
	"kolis/internal/settlement"
	"kolis/internal/storage"
	"kolis/internal/tracking"
	"kolis/internal/worker"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	cfg, logger, closer, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	if closer != nil {
		defer func() { _ = closer.Close() }()
	}

	store, err := storage.Open(cfg.Database.Path, &logger)
	if err != nil {
		logger.Error().Err(err).Str("db_path", cfg.Database.Path).Msg("open storage")
		return err
	}
	defer store.Close()

	redisClient := initRedis(cfg, &logger)
	if redisClient != nil {
		defer redisClient.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := events.NewBus()
	pendingQueue := queue.New(store, bus, cfg.Sync.QueueCapacity, &logger)
	cache := initCache(redisClient, &logger)
	client := remote.NewClient(cfg.Remote, &logger)

	monitor := connectivity.NewMonitor(ctx, store, pendingQueue, bus, &logger)

	limiter := rate.NewLimiter(rate.Limit(cfg.Sync.RemoteRPS), cfg.Sync.RemoteBurst)
	coordinator := worker.NewCoordinator(pendingQueue, client, monitor, cache, bus, worker.PolicyFromConfig(cfg.Sync), limiter, &logger)
	monitor.OnSyncProposal(func(pending int) {
		logger.Info().Int("pending", pending).Msg("connectivity restored, draining queue")
		coordinator.Trigger()
	})

	engine := settlement.NewEngine(client, pendingQueue, monitor, cache, bus, &logger)
	bus.Subscribe(events.TopicDeliverySynced, func(ev events.Event) {
		if synced, ok := ev.Payload.(worker.DeliverySynced); ok {
			engine.AdoptServerDelivery(synced.ClientRef, synced.Delivery)
		}
	})

	estimator := pricing.NewEstimator(cfg.Pricing, client, monitor, &logger)
	push := repository.NewRedisPushChannel(redisClient, &logger)
	trackers := tracking.NewManager(client, push, estimator, bus, cfg.Tracking, &logger)
	defer trackers.Close()

	exporter := export.NewExporter(cfg.Exports, &logger)

	if cfg.Monitoring.PrometheusEnabled {
		metrics.Register()
	}

	go coordinator.Run(ctx)
	go probeReachability(ctx, cfg.Remote, monitor, &logger)
	go finalizeExpired(ctx, engine, &logger)

	return serveHTTP(ctx, cfg, monitor, coordinator, cache, engine, exporter, &logger)
}

func loadConfigAndLogger() (*config.Config, zerolog.Logger, io.Closer, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("load config: %w", err)
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("init logger: %w", err)
	}
	logger := baseLogger.With().Str("component", "main").Logger()

	return cfg, logger, closer, nil
}

func initRedis(cfg *config.Config, logger *zerolog.Logger) *redis.Client {
	if cfg.Redis.Address == "" {
		return nil
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})

	if _, err := redisClient.Ping(context.Background()).Result(); err != nil {
		logger.Warn().Err(err).Msg("redis connection failed, continuing without redis")
		return nil
	}

	logger.Info().Str("addr", cfg.Redis.Address).Msg("redis connected")
	return redisClient
}

// initCache builds the snapshot cache: redis when available, with the
// in-memory cache always standing by for failover.
func initCache(redisClient *redis.Client, logger *zerolog.Logger) *repository.FailoverCache {
	memory := repository.NewMemoryCache()
	if redisClient == nil {
		return repository.NewFailoverCache(memory, memory, logger)
	}
	primary := repository.NewRedisCache(redisClient, models.DefaultCacheTTL)
	return repository.NewFailoverCache(primary, memory, logger)
}

// probeReachability polls the remote health endpoint and feeds the
// result to the connectivity monitor.
func probeReachability(ctx context.Context, cfg config.RemoteConfig, monitor *connectivity.Monitor, logger *zerolog.Logger) {
	client := &http.Client{Timeout: cfg.Timeout()}
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	probe := func() {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.BaseURL+"/healthz", nil)
		if err != nil {
			logger.Error().Err(err).Msg("build reachability probe")
			return
		}
		resp, err := client.Do(req)
		if err != nil {
			monitor.SetReachability(ctx, connectivity.ReachOffline)
			return
		}
		_ = resp.Body.Close()
		monitor.SetReachability(ctx, connectivity.ReachOnline)
	}

	probe()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probe()
		}
	}
}

// finalizeExpired periodically completes delivered deliveries whose
// rating window has lapsed without a client confirmation.
func finalizeExpired(ctx context.Context, engine *settlement.Engine, logger *zerolog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if completed := engine.CompleteExpired(ctx, models.DefaultRatingWindow); len(completed) > 0 {
				logger.Info().Strs("delivery_ids", completed).Msg("rating window lapsed, deliveries completed")
			}
		}
	}
}

func serveHTTP(
	ctx context.Context,
	cfg *config.Config,
	monitor *connectivity.Monitor,
	coordinator *worker.Coordinator,
	cache *repository.FailoverCache,
	engine *settlement.Engine,
	exporter *export.Exporter,
	logger *zerolog.Logger,
) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		state := monitor.State()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":       "ok",
			"reachability": state.Reachability.String(),
			"offline_mode": state.OfflineMode,
		})
	})

	mux.HandleFunc("/sync", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		allowed, err := cache.CheckRateLimit(r.Context(), "manual_sync", models.SyncTriggerLimit, models.SyncTriggerWindow)
		if err != nil {
			logger.Error().Err(err).Msg("manual sync rate limit check failed")
		}
		if !allowed && err == nil {
			http.Error(w, "too many sync requests", http.StatusTooManyRequests)
			return
		}
		coordinator.Trigger()
		w.WriteHeader(http.StatusAccepted)
	})

	mux.HandleFunc("/export", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		path, err := exporter.DeliveryHistory(engine.Deliveries())
		if err != nil {
			logger.Error().Err(err).Msg("export failed")
			http.Error(w, "export failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"file": path})
	})

	if cfg.Monitoring.PrometheusEnabled {
		mux.Handle("/metrics", promhttp.Handler())
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Monitoring.HTTPPort),
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		logger.Info().Msg("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info().Int("http_port", cfg.Monitoring.HTTPPort).Msg("client core started")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	logger.Info().Msg("client core stopped")
	return nil
}
