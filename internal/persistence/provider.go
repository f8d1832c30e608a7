// Package persistence selects and opens the durable store backend.
package persistence

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/mindmux/mindmux/internal/common/config"
	"github.com/mindmux/mindmux/internal/common/logger"
	"github.com/mindmux/mindmux/internal/storage"
	"github.com/mindmux/mindmux/internal/storage/jsonfile"
	"github.com/mindmux/mindmux/internal/storage/sqlite"
)

// Provide opens the configured durable store. SQLite is the default;
// MINDMUX_STORE=json selects the legacy JSON-file backend, which is also
// the fallback when the SQLite database cannot be opened.
func Provide(cfg *config.Config, log *logger.Logger) (storage.Store, func() error, error) {
	if os.Getenv("MINDMUX_STORE") == "json" {
		store, err := jsonfile.Open(cfg.DataDir)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open json store: %w", err)
		}
		log.Info("Durable store initialized",
			zap.String("backend", "jsonfile"),
			zap.String("data_dir", cfg.DataDir))
		return store, store.Close, nil
	}

	store, err := sqlite.Open(cfg.StatePath())
	if err != nil {
		log.Warn("SQLite store unavailable, falling back to JSON files",
			zap.String("db_path", cfg.StatePath()),
			zap.Error(err))
		fallback, ferr := jsonfile.Open(cfg.DataDir)
		if ferr != nil {
			return nil, nil, fmt.Errorf("failed to open fallback json store: %w", ferr)
		}
		return fallback, fallback.Close, nil
	}
	log.Info("Durable store initialized",
		zap.String("backend", "sqlite"),
		zap.String("db_path", cfg.StatePath()))
	return store, store.Close, nil
}
