package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/spreadrun/spreadrun/internal/artifact"
	"github.com/spreadrun/spreadrun/internal/cache"
	"github.com/spreadrun/spreadrun/internal/db"
	"github.com/spreadrun/spreadrun/internal/engine"
	"github.com/spreadrun/spreadrun/internal/notifications"
	"github.com/spreadrun/spreadrun/internal/observability"
	"github.com/spreadrun/spreadrun/internal/workflow"
)

// Config holds the application configuration loaded from environment variables
type Config struct {
	Port                 string // HTTP port for health endpoint
	Env                  string // Environment (development/production)
	SentryDSN            string // Sentry DSN for error tracking
	LogLevel             string // Log level (debug, info, warn, error)
	ObservabilityEnabled bool   // Toggle OpenTelemetry + Prometheus exporters
	MetricsAddr          string // Address for Prometheus metrics endpoint (":9464" style)
	OTLPEndpoint         string // OTLP HTTP endpoint for trace export
	OTLPHeaders          string // Comma separated headers for OTLP exporter
	OTLPInsecure         bool   // Disable TLS verification for OTLP exporter
	ArtifactsDir         string // Directory for source and result artifacts
	WorkflowsConfig      string // Path to workflow registry JSON
	MockWorkflows        bool   // Answer invocations from the built-in mock
	RedisURL             string // Optional Redis for shared progress snapshots
	SlackWebhookURL      string // Optional Slack webhook for batch completion
	MaxActiveBatches     int    // How many batches may run at once
	RetentionDays        int    // Terminal batches older than this get cleaned up
}

func main() {
	// Load .env files - .env.local takes priority for development
	godotenv.Load(".env.local", ".env")

	config := &Config{
		Port:                 getEnvWithDefault("PORT", "8080"),
		Env:                  getEnvWithDefault("APP_ENV", "development"),
		SentryDSN:            os.Getenv("SENTRY_DSN"),
		LogLevel:             getEnvWithDefault("LOG_LEVEL", "info"),
		ObservabilityEnabled: getEnvWithDefault("OBSERVABILITY_ENABLED", "true") == "true",
		MetricsAddr:          getEnvWithDefault("METRICS_ADDR", ":9464"),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTLPHeaders:          os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"),
		OTLPInsecure:         getEnvWithDefault("OTEL_EXPORTER_OTLP_INSECURE", "false") == "true",
		ArtifactsDir:         getEnvWithDefault("ARTIFACTS_DIR", "./artifacts"),
		WorkflowsConfig:      getEnvWithDefault("WORKFLOWS_CONFIG", "workflows.json"),
		MockWorkflows:        getEnvWithDefault("MOCK_WORKFLOWS", "false") == "true",
		RedisURL:             os.Getenv("REDIS_URL"),
		SlackWebhookURL:      os.Getenv("SLACK_WEBHOOK_URL"),
		MaxActiveBatches:     getEnvInt("MAX_ACTIVE_BATCHES", engine.DefaultMaxActiveBatches),
		RetentionDays:        getEnvInt("BATCH_RETENTION_DAYS", 30),
	}

	setupLogging(config)

	// Initialise Sentry for error tracking and performance monitoring
	if config.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:         config.SentryDSN,
			Environment: config.Env,
			TracesSampleRate: func() float64 {
				if config.Env == "production" {
					return 0.1 // 10% sampling in production
				}
				return 1.0 // 100% sampling in development
			}(),
			AttachStacktrace: true,
			Debug:            config.Env == "development",
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialise Sentry")
		} else {
			log.Info().Str("environment", config.Env).Msg("Sentry initialised successfully")
			// Ensure Sentry flushes before application exits
			defer sentry.Flush(2 * time.Second)
		}
	} else {
		log.Warn().Msg("Sentry DSN not configured, error tracking disabled")
	}

	var (
		obsProviders *observability.Providers
		metricsSrv   *http.Server
	)

	if config.ObservabilityEnabled {
		var err error
		obsProviders, err = observability.Init(context.Background(), observability.Config{
			Enabled:        true,
			ServiceName:    "spreadrun",
			Environment:    config.Env,
			OTLPEndpoint:   strings.TrimSpace(config.OTLPEndpoint),
			OTLPHeaders:    parseOTLPHeaders(config.OTLPHeaders),
			OTLPInsecure:   config.OTLPInsecure,
			MetricsAddress: config.MetricsAddr,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialise observability providers")
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := obsProviders.Shutdown(shutdownCtx); err != nil {
					log.Warn().Err(err).Msg("Failed to flush telemetry providers cleanly")
				}
			}()

			if obsProviders.MetricsHandler != nil && config.MetricsAddr != "" {
				metricsSrv = &http.Server{
					Addr:              config.MetricsAddr,
					Handler:           obsProviders.MetricsHandler,
					ReadHeaderTimeout: 5 * time.Second,
				}

				go func() {
					log.Info().Str("addr", config.MetricsAddr).Msg("Metrics server listening")
					if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						sentry.CaptureException(err)
						log.Error().Err(err).Msg("Metrics server failed")
					}
				}()

				defer func() {
					ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					if err := metricsSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
						log.Warn().Err(err).Msg("Graceful shutdown of metrics server failed")
					}
				}()
			}
		}
	}

	// Connect to PostgreSQL
	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 2*time.Minute)
	pgDB, err := db.InitFromEnvWithRetry(startupCtx)
	cancelStartup()
	if err != nil {
		sentry.CaptureException(err)
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL database")
	}
	defer pgDB.Close()

	log.Info().Msg("Connected to PostgreSQL database")

	store := db.NewStore(pgDB.GetDB())

	// Progress snapshots live in Redis when configured so other replicas
	// can serve reads; otherwise in process memory.
	var progressCache engine.ProgressCache
	if config.RedisURL != "" {
		redisCache, err := cache.NewRedisCacheFromURL(context.Background(), config.RedisURL)
		if err != nil {
			sentry.CaptureException(err)
			log.Fatal().Err(err).Msg("Failed to connect to Redis")
		}
		defer redisCache.Close()
		progressCache = redisCache
		log.Info().Msg("Progress snapshots cached in Redis")
	} else {
		progressCache = cache.NewInMemoryCache()
	}

	artifacts, err := artifact.NewStore(config.ArtifactsDir, nil)
	if err != nil {
		log.Fatal().Err(err).Str("dir", config.ArtifactsDir).Msg("Failed to initialise artifact store")
	}

	// Resolve workflow invokers from the registry file, or answer from the
	// built-in mock for local development.
	var invokers engine.InvokerFactory
	if config.MockWorkflows {
		invokers = &workflow.MockFactory{Mock: workflow.NewMockInvoker()}
		log.Warn().Msg("Workflow invocations answered by the built-in mock")
	} else {
		registry, err := workflow.LoadRegistry(config.WorkflowsConfig)
		if err != nil {
			log.Fatal().Err(err).Str("path", config.WorkflowsConfig).Msg("Failed to load workflow registry")
		}
		invokers = registry
		log.Info().Strs("workflows", registry.Refs()).Msg("Workflow registry loaded")
	}

	var notifier engine.Notifier
	if config.SlackWebhookURL != "" {
		notifier = notifications.NewSlackNotifier(config.SlackWebhookURL)
		log.Info().Msg("Slack notifications enabled")
	}

	// Root context for schedulers and trackers; cancelled on shutdown.
	engineCtx, cancelEngine := context.WithCancel(context.Background())
	defer cancelEngine()

	tracker := engine.NewProgressTracker(engineCtx, store, progressCache, nil, engine.DefaultProgressInterval)

	controller := engine.NewController(engineCtx, engine.ControllerOptions{
		Store:            store,
		Invokers:         invokers,
		Rows:             artifacts,
		Sink:             artifacts,
		Artifacts:        artifacts,
		Notifier:         notifier,
		Tracker:          tracker,
		MaxActiveBatches: config.MaxActiveBatches,
	})

	// Normalise batches interrupted by the previous run before taking on
	// new work.
	recovery := engine.NewRecovery(store, controller, artifacts, notifier, invokers, nil)
	if err := recovery.Run(engineCtx); err != nil {
		sentry.CaptureException(err)
		log.Fatal().Err(err).Msg("Startup recovery failed")
	}

	// Wake schedulers as soon as executions become claimable instead of
	// waiting out their poll interval.
	listener := db.NewListener(pgDB.GetConfig().ConnectionString())
	if err := listener.Start(engineCtx); err != nil {
		log.Warn().Err(err).Msg("Work notifications unavailable, schedulers fall back to polling")
	} else {
		defer listener.Close()
		go func() {
			for batchID := range listener.Updates() {
				controller.WakeBatch(batchID)
			}
		}()
	}

	go runCleanup(engineCtx, controller, time.Duration(config.RetentionDays)*24*time.Hour)

	// Minimal HTTP surface: health for the platform, everything else is
	// driven through the engine API.
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := pgDB.GetDB().PingContext(r.Context()); err != nil {
			http.Error(w, "database unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	server := &http.Server{
		Addr:    ":" + config.Port,
		Handler: observability.WrapHandler(mux, obsProviders),
	}

	// Channel to listen for termination signals
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	// Channel to signal when the server has shut down
	done := make(chan struct{})

	go func() {
		<-stop
		log.Info().Msg("Shutting down...")

		cancelEngine()
		controller.Shutdown()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			sentry.CaptureException(err)
			log.Error().Err(err).Msg("Server forced to shutdown")
		}

		close(done)
	}()

	log.Info().Str("port", config.Port).Msg("Starting batch engine")

	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		sentry.CaptureException(err)
		log.Fatal().Err(err).Msg("Server error")
	}

	<-done // Wait for the shutdown process to complete
	log.Info().Msg("Batch engine stopped")
}

// runCleanup periodically deletes terminal batches past the retention window.
func runCleanup(ctx context.Context, controller *engine.Controller, retention time.Duration) {
	ticker := time.NewTicker(6 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := controller.CleanupOldBatches(ctx, retention); err != nil {
				sentry.CaptureException(err)
				log.Error().Err(err).Msg("Batch cleanup failed")
			}
		}
	}
}

// getEnvWithDefault retrieves an environment variable or returns a default value if not set
func getEnvWithDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvInt retrieves an environment variable as an integer or returns a default value if not set or invalid
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	var result int
	if _, err := fmt.Sscanf(value, "%d", &result); err != nil {
		log.Warn().
			Str("key", key).
			Str("value", value).
			Int("default", defaultValue).
			Msg("Invalid integer in environment variable, using default")
		return defaultValue
	}

	return result
}

func parseOTLPHeaders(raw string) map[string]string {
	headers := make(map[string]string)
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return headers
	}

	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}

		headers[key] = value
	}

	return headers
}

// setupLogging configures the logging system
func setupLogging(config *Config) {
	// Configure log level
	level, err := zerolog.ParseLevel(config.LogLevel)
	if err != nil {
		level = zerolog.WarnLevel
	}
	zerolog.SetGlobalLevel(level)

	// Use console writer in development
	if config.Env == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		log.Logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Str("service", "spreadrun").
			Logger()
	}
}
