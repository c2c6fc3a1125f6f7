// memoryd serves the Memory API: policy-scoped, snapshot-pinned graph
// reads over the decision/event store.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/batvault/batvault/pkg/cache"
	"github.com/batvault/batvault/pkg/config"
	"github.com/batvault/batvault/pkg/memory"
	"github.com/batvault/batvault/pkg/policy"
	"github.com/batvault/batvault/pkg/storage"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(ctx, storage.Options{DSN: cfg.StorageDSN, DevMode: cfg.StorageDev})
	if err != nil {
		slog.Error("storage open failed", "error", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

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

	registry := policy.NewRegistry(cfg.PolicyDir)
	if err := registry.LoadAll(); err != nil {
		slog.Error("policy registry load failed", "dir", cfg.PolicyDir, "error", err)
		os.Exit(1)
	}

	svc := memory.NewService(store, c, registry, cfg)
	server := &http.Server{
		Addr:              cfg.MemoryAddr,
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		slog.Info("memory service listening", "addr", cfg.MemoryAddr, "snapshot_etag", store.SnapshotETag())
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
