// batvault-ingest rebuilds the graph from a fixture directory and
// publishes a fresh snapshot ETag.
//
// Exit codes: 0 ok, 1 no fixtures found, 2 validation errors,
// 3 referential-integrity errors.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log/slog"
	"os"

	"github.com/batvault/batvault/pkg/config"
	"github.com/batvault/batvault/pkg/ingest"
	"github.com/batvault/batvault/pkg/storage"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
	cfg := config.Load()

	dir := flag.String("dir", "fixtures", "fixture batch directory")
	flag.Parse()

	ctx := context.Background()
	store, err := storage.Open(ctx, storage.Options{DSN: cfg.StorageDSN, DevMode: cfg.StorageDev})
	if err != nil {
		slog.Error("storage open failed", "error", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	result, err := ingest.Run(ctx, store, *dir)
	if err != nil {
		var validation ingest.ValidationErrors
		var integrity ingest.IntegrityErrors
		switch {
		case errors.Is(err, ingest.ErrNoFixtures):
			slog.Error("no fixtures", "dir", *dir)
			os.Exit(1)
		case errors.As(err, &validation):
			for _, msg := range validation {
				slog.Error("validation failed", "detail", msg)
			}
			os.Exit(2)
		case errors.As(err, &integrity):
			for _, msg := range integrity {
				slog.Error("integrity check failed", "detail", msg)
			}
			os.Exit(3)
		default:
			slog.Error("ingest failed", "error", err)
			os.Exit(1)
		}
	}

	_ = json.NewEncoder(os.Stdout).Encode(result)
}
