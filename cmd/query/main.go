// Command query runs the read-side HTTP service: run/step/item-trajectory
// queries over the analytical store, with on-demand blob hydration.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/driftline/driftline/pkg/analytical"
	"github.com/driftline/driftline/pkg/blobstore"
	"github.com/driftline/driftline/pkg/mid"
	"github.com/driftline/driftline/pkg/query"
)

// Config holds the query service's environment-derived settings.
type Config struct {
	Port       string
	CORSOrigin string

	AnalyticalKind string // memory | postgres
	AnalyticalDSN  string

	BlobKind      string // memory | s3
	BlobBucket    string
	BlobRegion    string
	BlobEndpoint  string
	BlobPathStyle bool
}

func loadConfig() Config {
	pathStyle, _ := parseBoolEnv("BLOB_PATH_STYLE")
	return Config{
		Port:       envOr("PORT", "8080"),
		CORSOrigin: envOr("CORS_ORIGIN", "*"),

		AnalyticalKind: envOr("ANALYTICAL_KIND", "memory"),
		AnalyticalDSN:  analyticalDSN(),

		BlobKind:      envOr("BLOB_KIND", "memory"),
		BlobBucket:    envOr("BLOB_BUCKET", ""),
		BlobRegion:    envOr("BLOB_REGION", ""),
		BlobEndpoint:  envOr("BLOB_ENDPOINT", ""),
		BlobPathStyle: pathStyle,
	}
}

func parseBoolEnv(key string) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return false, nil
	}
	return v == "true" || v == "1", nil
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
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := loadConfig()

	if err := run(cfg, logger); err != nil {
		logger.Error("query: fatal", "error", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := newAnalyticalStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	blobs, err := newBlobStore(ctx, cfg)
	if err != nil {
		return err
	}

	handler := query.New(store, blobs, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", handleHealth)
	mux.HandleFunc("GET /runs", handler.ListRuns)
	mux.HandleFunc("GET /runs/{id}", handler.GetRun)
	mux.HandleFunc("GET /steps/{id}/details", handler.GetStepDetails)
	mux.HandleFunc("GET /runs/{runId}/items/{itemId}/trajectory", handler.GetItemTrajectory)

	chained := mid.Chain(mux, mid.RequestID(), mid.Recover(logger), mid.Logger(logger), mid.OTel("driftline-query"), mid.CORS(cfg.CORSOrigin))

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      chained,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("query: listening", "addr", srv.Addr, "analyticalKind", cfg.AnalyticalKind)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-ctx.Done():
		logger.Info("query: shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

func newAnalyticalStore(ctx context.Context, cfg Config) (analytical.Store, error) {
	switch cfg.AnalyticalKind {
	case "postgres":
		return analytical.NewPostgres(ctx, cfg.AnalyticalDSN)
	default:
		return analytical.NewMemory(), nil
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

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
