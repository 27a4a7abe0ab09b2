// Package main runs the balloon constellation tracker daemon: hourly ingest,
// identity tracking, prediction, and the read API.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/stratowatch/constellation/pkg/config"
	"github.com/stratowatch/constellation/pkg/events"
	"github.com/stratowatch/constellation/pkg/handler"
	"github.com/stratowatch/constellation/pkg/ingest"
	"github.com/stratowatch/constellation/pkg/predict"
	"github.com/stratowatch/constellation/pkg/query"
	"github.com/stratowatch/constellation/pkg/source"
	"github.com/stratowatch/constellation/pkg/store"
	"github.com/stratowatch/constellation/pkg/tracker"
	"github.com/stratowatch/constellation/pkg/wind"
	"github.com/stratowatch/constellation/pkg/windcache"
)

// Prometheus metrics
var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "constellation_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "constellation_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	wsConnectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "constellation_websocket_connections_active",
			Help: "Number of active WebSocket connections",
		},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal)
	prometheus.MustRegister(httpRequestDuration)
	prometheus.MustRegister(wsConnectionsActive)
}

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load(getEnv("CONFIG_FILE", "config.yaml"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	setupLogging(cfg)

	log.Info().
		Str("listen_addr", cfg.ListenAddr).
		Str("store_driver", cfg.Store.Driver).
		Str("source", cfg.SourceBaseURL).
		Bool("auto_ingest", cfg.AutoIngest).
		Msg("Starting constellation tracker")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	st, err := openStore(ctx, cfg)
	if err != nil {
		log.Error().Err(err).Msg("Failed to open store")
		os.Exit(1)
	}
	defer st.Close()

	// Collaborators.
	src := source.New(cfg.SourceBaseURL, log.Logger, prometheus.DefaultRegisterer)
	cache := windcache.New(cfg.WindCacheMax, windcache.WithMetrics(prometheus.DefaultRegisterer))
	winds := wind.New(cfg.WindBaseURL, cache, log.Logger, prometheus.DefaultRegisterer)
	predictor := predict.New(winds, log.Logger)
	querySvc := query.New(st, cfg.AutoIngest, log.Logger)

	publisher := events.Connect(cfg.NATSUrl, log.Logger)
	defer publisher.Close()

	wsHub := handler.NewWebSocketHub(log.Logger)

	ctrl := ingest.New(st, src, tracker.New(tracker.DefaultConfig()), log.Logger,
		prometheus.DefaultRegisterer,
		ingest.WithNotifier(func(summary ingest.TickSummary) {
			publisher.PublishTick(summary)
			wsHub.BroadcastTick(summary)
		}))

	// First build. A failed bootstrap is not fatal: the API serves whatever
	// window survives and the next tick retries.
	if err := ctrl.Start(ctx); err != nil {
		log.Warn().Err(err).Msg("Initial ingest pass failed, serving stored window")
	}

	router := setupRouter(cfg, querySvc, predictor, winds, ctrl, wsHub)

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		wsHub.Run(gCtx)
		return nil
	})

	g.Go(func() error {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-gCtx.Done():
				return nil
			case <-ticker.C:
				wsConnectionsActive.Set(float64(wsHub.ClientCount()))
			}
		}
	})

	var scheduler *ingest.Scheduler
	if cfg.AutoIngest {
		scheduler = ingest.NewScheduler(ctrl, log.Logger)
		if err := scheduler.Start(gCtx); err != nil {
			log.Error().Err(err).Msg("Failed to start scheduler")
			os.Exit(1)
		}
	}

	g.Go(func() error {
		log.Info().Str("addr", server.Addr).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		log.Info().Msg("Shutting down HTTP server")

		if scheduler != nil {
			scheduler.Stop()
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Server error")
	}

	log.Info().Msg("Constellation tracker shutdown complete")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func setupLogging(cfg config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.LogJSON {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().Timestamp().Logger()
	}
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	switch cfg.Store.Driver {
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DSN)
	case "sqlite":
		return store.NewSQLite(cfg.Store.DSN)
	default:
		return store.NewMemory(), nil
	}
}

func setupRouter(cfg config.Config, querySvc *query.Service, predictor *predict.Predictor, winds *wind.Client, ctrl *ingest.Controller, wsHub *handler.WebSocketHub) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(correlationIDMiddleware)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(prometheusMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Correlation-ID", "X-Request-ID"},
		ExposedHeaders: []string{"X-Correlation-ID", "X-Request-ID"},
		MaxAge:         300,
	}))

	r.Handle("/metrics", promhttp.Handler())
	r.Handle("/ws", handler.NewWebSocketHandler(wsHub, log.Logger))

	systemHandler := handler.NewSystemHandler(querySvc, ctrl, log.Logger)
	r.Get("/health", systemHandler.Health)
	r.Post("/refresh", systemHandler.Refresh)

	balloonHandler := handler.NewBalloonHandler(querySvc, predictor, log.Logger)
	r.Mount("/balloons", balloonHandler.Routes())

	trajectoryHandler := handler.NewTrajectoryHandler(querySvc, predictor, winds, log.Logger)
	r.Mount("/trajectory", trajectoryHandler.Routes())

	return r
}

// correlationIDMiddleware adds a correlation ID to each request
func correlationIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := r.Header.Get("X-Correlation-ID")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}

		ctx := handler.WithCorrelationID(r.Context(), correlationID)
		w.Header().Set("X-Correlation-ID", correlationID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requestLogger logs each HTTP request
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Str("correlation_id", handler.GetCorrelationID(r.Context())).
			Str("remote_addr", r.RemoteAddr).
			Msg("HTTP request")
	})
}

// prometheusMiddleware records HTTP metrics
func prometheusMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		path := chi.RouteContext(r.Context()).RoutePattern()
		if path == "" {
			path = r.URL.Path
		}

		httpRequestsTotal.WithLabelValues(r.Method, path, fmt.Sprintf("%d", ww.Status())).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}
