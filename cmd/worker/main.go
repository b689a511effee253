// Command worker runs the processor loop: it polls the durable queue,
// writes every payload to the blob store, and maintains the analytical
// store's denormalized rows.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/driftline/driftline/pkg/analytical"
	"github.com/driftline/driftline/pkg/blobstore"
	"github.com/driftline/driftline/pkg/metrics"
	"github.com/driftline/driftline/pkg/queue"
	"github.com/driftline/driftline/pkg/resilience"
	"github.com/driftline/driftline/pkg/worker"
)

var met = metrics.New()

// Config holds the worker's environment-derived settings.
type Config struct {
	QueueType     string
	QueueURL      string
	BlobKind      string // memory | s3
	BlobBucket    string
	BlobRegion    string
	BlobEndpoint  string
	BlobPathStyle bool

	AnalyticalKind string // memory | postgres
	AnalyticalDSN  string

	BatchSize    int
	PollInterval time.Duration
	MetricsPort  int

	// WriteRateLimit, when > 0, caps downstream store writes per second. 0
	// disables throttling, which is the right default for the in-memory
	// adapters and for low-volume deployments.
	WriteRateLimit float64
	WriteRateBurst int
}

func loadConfig() Config {
	batchSize, _ := strconv.Atoi(envOr("BATCH_SIZE", "10"))
	pollMs, _ := strconv.Atoi(envOr("POLL_INTERVAL_MS", "1000"))
	metricsPort, _ := strconv.Atoi(envOr("METRICS_PORT", "9092"))
	pathStyle, _ := strconv.ParseBool(envOr("BLOB_PATH_STYLE", "false"))
	writeRateLimit, _ := strconv.ParseFloat(envOr("WORKER_WRITE_RATE_LIMIT", "0"), 64)
	writeRateBurst, _ := strconv.Atoi(envOr("WORKER_WRITE_RATE_BURST", "50"))

	return Config{
		QueueType:     envOr("QUEUE_TYPE", "memory"),
		QueueURL:      envOr("QUEUE_URL", envOr("BROKER_URL", "")),
		BlobKind:      envOr("BLOB_KIND", "memory"),
		BlobBucket:    envOr("BLOB_BUCKET", ""),
		BlobRegion:    envOr("BLOB_REGION", ""),
		BlobEndpoint:  envOr("BLOB_ENDPOINT", ""),
		BlobPathStyle: pathStyle,

		AnalyticalKind: envOr("ANALYTICAL_KIND", "memory"),
		AnalyticalDSN:  analyticalDSN(),

		BatchSize:    batchSize,
		PollInterval: time.Duration(pollMs) * time.Millisecond,
		MetricsPort:  metricsPort,

		WriteRateLimit: writeRateLimit,
		WriteRateBurst: writeRateBurst,
	}
}

func analyticalDSN() string {
	if dsn := os.Getenv("ANALYTICAL_DSN"); dsn != "" {
		return dsn
	}
	host := envOr("ANALYTICAL_HOST", "")
	if host == "" {
		return ""
	}
	port := envOr("ANALYTICAL_PORT", "5432")
	db := envOr("ANALYTICAL_DATABASE", "driftline")
	user := envOr("ANALYTICAL_USER", "driftline")
	pass := envOr("ANALYTICAL_PASSWORD", "")
	return "postgres://" + user + ":" + pass + "@" + host + ":" + port + "/" + db
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
		logger.Error("worker: fatal", "error", err)
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

	blobs, err := newBlobStore(ctx, cfg)
	if err != nil {
		return err
	}

	store, err := newAnalyticalStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	var notifyConn *nats.Conn
	if cfg.QueueType == "broker" || cfg.QueueType == "nats" {
		notifyConn, err = nats.Connect(cfg.QueueURL, nats.MaxReconnects(-1))
		if err != nil {
			logger.Warn("worker: run-completed notifications disabled, nats connect failed", "error", err)
		} else {
			defer notifyConn.Close()
		}
	}

	met.ServeAsync(cfg.MetricsPort)
	logger.Info("worker: metrics server started", "port", cfg.MetricsPort)

	var writeLimiter *resilience.Limiter
	if cfg.WriteRateLimit > 0 {
		writeLimiter = resilience.NewLimiter(resilience.LimiterOpts{Rate: cfg.WriteRateLimit, Burst: cfg.WriteRateBurst})
	}

	w := worker.New(worker.Config{
		BatchSize:    cfg.BatchSize,
		PollInterval: cfg.PollInterval,
		Queue:        q,
		Blobs:        blobs,
		Analytical:   store,
		NotifyConn:   notifyConn,
		WriteLimiter: writeLimiter,
		Log:          logger,
	})

	logger.Info("worker: starting", "queueType", cfg.QueueType, "blobKind", cfg.BlobKind, "analyticalKind", cfg.AnalyticalKind)
	if err := w.Run(ctx); err != nil && err != context.Canceled {
		return err
	}
	logger.Info("worker: shut down")
	return nil
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

func newBlobStore(ctx context.Context, cfg Config) (blobstore.Store, error) {
	switch cfg.BlobKind {
	case "s3":
		return blobstore.NewS3(ctx, blobstore.S3Config{
			Bucket:       cfg.BlobBucket,
			Region:       cfg.BlobRegion,
			Endpoint:     cfg.BlobEndpoint,
			UsePathStyle: cfg.BlobPathStyle,
		})
	default:
		return blobstore.NewMemory(), nil
	}
}

func newAnalyticalStore(ctx context.Context, cfg Config) (analytical.Store, error) {
	switch cfg.AnalyticalKind {
	case "postgres":
		return analytical.NewPostgres(ctx, cfg.AnalyticalDSN)
	default:
		return analytical.NewMemory(), nil
	}
}
