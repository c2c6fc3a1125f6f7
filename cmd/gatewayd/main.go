// gatewayd serves /v2/ask and /v2/query: evidence assembly, the budget
// gate, the LLM router and validator-driven fallback.
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/batvault/batvault/pkg/api"
	"github.com/batvault/batvault/pkg/artifacts"
	"github.com/batvault/batvault/pkg/cache"
	"github.com/batvault/batvault/pkg/config"
	"github.com/batvault/batvault/pkg/gateway"
	"github.com/batvault/batvault/pkg/policy"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var rdb redis.UniversalClient
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "error", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opts)
	}
	c := cache.New(rdb)
	defer c.Close()

	store, err := openArtifactStore(ctx, cfg)
	if err != nil {
		slog.Error("artifact store init failed", "error", err)
		os.Exit(1)
	}

	registry := policy.NewRegistry(cfg.PolicyDir)
	if err := registry.LoadAll(); err != nil {
		slog.Error("policy registry load failed", "dir", cfg.PolicyDir, "error", err)
		os.Exit(1)
	}

	// Per-process attestation key: bundle receipts are verifiable within
	// the process lifetime.
	_, signer, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		slog.Error("signing key generation failed", "error", err)
		os.Exit(1)
	}

	svc := gateway.NewService(cfg, c, store, registry, api.NewIdempotencyStore(rdb), signer)
	server := &http.Server{
		Addr:              cfg.GatewayAddr,
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		slog.Info("gateway listening", "addr", cfg.GatewayAddr, "memory_url", cfg.MemoryURL, "version", gateway.Version)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down", "drain", cfg.SWRDrain)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.SWRDrain)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown failed", "error", err)
	}
}

// openArtifactStore prefers MinIO/S3 and falls back to the local CAS.
func openArtifactStore(ctx context.Context, cfg *config.Config) (artifacts.Store, error) {
	if cfg.MinioEndpoint != "" {
		return artifacts.NewS3Store(ctx, artifacts.S3Config{
			Bucket:   cfg.MinioBucket,
			Region:   cfg.MinioRegion,
			Endpoint: cfg.MinioEndpoint,
			Prefix:   "bundles",
		})
	}
	return artifacts.NewFileStore(cfg.ArtifactDir)
}
