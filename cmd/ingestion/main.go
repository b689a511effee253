// Command ingestion runs the admission HTTP service: it validates incoming
// event envelopes and hands them off to a durable queue for the worker to
// process.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/driftline/driftline/pkg/ingestion"
	"github.com/driftline/driftline/pkg/metrics"
	"github.com/driftline/driftline/pkg/mid"
	"github.com/driftline/driftline/pkg/queue"
)

var met = metrics.New()

var (
	mRequestsTotal = func(status string) *metrics.Counter {
		return met.Counter(metrics.WithLabels("driftline_ingest_requests_total", "status", status), "Total /ingest requests by outcome")
	}
	mRequestDuration = met.Histogram("driftline_ingest_request_duration_seconds", "Request handling latency", nil)
)

// Config holds the ingestion service's environment-derived settings.
type Config struct {
	Port        string
	QueueType   string // memory | http | broker
	QueueURL    string
	RateLimit   float64
	RateBurst   int
	MetricsPort int
}

func loadConfig() Config {
	rateLimit, _ := strconv.ParseFloat(envOr("INGEST_RATE_LIMIT", "500"), 64)
	rateBurst, _ := strconv.Atoi(envOr("INGEST_RATE_BURST", "1000"))
	metricsPort, _ := strconv.Atoi(envOr("METRICS_PORT", "9091"))
	return Config{
		Port:        envOr("PORT", "8080"),
		QueueType:   envOr("QUEUE_TYPE", "memory"),
		QueueURL:    envOr("QUEUE_URL", envOr("BROKER_URL", "")),
		RateLimit:   rateLimit,
		RateBurst:   rateBurst,
		MetricsPort: metricsPort,
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	cfg := loadConfig()
	logger := slog.Default()

	if err := run(cfg, logger); err != nil {
		logger.Error("ingestion: fatal", "error", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	q, err := newQueueAdapter(cfg)
	if err != nil {
		return err
	}
	defer q.Close()

	met.ServeAsync(cfg.MetricsPort)
	logger.Info("ingestion: metrics server started", "port", cfg.MetricsPort)

	handler := ingestion.New(q, logger)
	limiter := rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst)

	mux := http.NewServeMux()
	mux.Handle("POST /ingest", instrument(ingestion.RateLimited(limiter, handler)))
	mux.HandleFunc("GET /health", handleHealth)

	chained := mid.Chain(mux, mid.RequestID(), mid.Recover(logger), mid.Logger(logger), mid.OTel("driftline-ingestion"), mid.CORS("*"))

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      chained,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ingestion: listening", "addr", srv.Addr, "queueType", cfg.QueueType)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("ingestion: shutting down")
	case err := <-errCh:
		return err
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

func newQueueAdapter(cfg Config) (queue.Adapter, error) {
	switch cfg.QueueType {
	case "memory":
		return queue.NewMemory(), nil
	case "http":
		return queue.NewHTTP(cfg.QueueURL, nil), nil
	case "broker", "nats":
		return queue.NewNATS(cfg.QueueURL, queue.DefaultNATSConfig())
	default:
		return queue.NewMemory(), nil
	}
}

func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		mRequestDuration.Since(start)
		mRequestsTotal(strconv.Itoa(sw.status)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}
