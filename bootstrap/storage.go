package bootstrap

import (
	"fmt"

	"eventd/config"
	"eventd/ingest"
	"eventd/storage"

	"go.uber.org/zap"
)

// InitDLQ opens the dead-letter database and starts its writer.
// It returns nils when the DLQ is disabled.
func InitDLQ(cfg *config.Config, sugar *zap.SugaredLogger) (*storage.SQLite, *ingest.DLQ, error) {
	if !cfg.DLQ.Enabled {
		sugar.Info("Dead-letter queue disabled")
		return nil, nil, nil
	}

	sqlite, err := storage.NewSQLite(cfg.DLQ.Path, sugar)
	if err != nil {
		sugar.Errorf("%s", ClassifySQLiteError(err, cfg.DLQ.Path))
		return nil, nil, fmt.Errorf("failed to initialize DLQ database: %w", err)
	}

	dlq := ingest.NewDLQ(sqlite.DB, cfg.DLQ.BufferSize, sugar)
	dlq.Start()
	sugar.Infow("DLQ initialized successfully", "path", cfg.DLQ.Path, "buffer_size", cfg.DLQ.BufferSize)
	return sqlite, dlq, nil
}
