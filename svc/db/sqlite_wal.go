package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"ciphertoken/svc/util"
)

const (
	checkpointInterval  = 5 * time.Minute
	truncateLogPages    = 1000
	integrityTimeout    = 30 * time.Second
	checkpointQueryWait = 10 * time.Second
)

// RunWALMaintenance checkpoints the write-ahead log until ctx is done, then
// runs one last checkpoint so the database file is self-contained on exit.
func (s *SQLite) RunWALMaintenance(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = checkpointInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := checkpoint(ctx, s.db); err != nil {
				util.Error().Err(err).Msg("WAL checkpoint failed")
			}
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), checkpointQueryWait)
			if err := checkpoint(final, s.db); err != nil {
				util.Error().Err(err).Msg("final WAL checkpoint failed")
			}
			cancel()
			return
		}
	}
}

func checkpoint(ctx context.Context, db *sql.DB) error {
	start := time.Now()
	var busy, logPages, done int
	err := db.QueryRowContext(ctx, "PRAGMA wal_checkpoint(PASSIVE)").Scan(&busy, &logPages, &done)
	if err != nil {
		return fmt.Errorf("PASSIVE checkpoint failed: %w", err)
	}
	util.Debug().
		Int("busy", busy).
		Int("log", logPages).
		Int("checkpointed", done).
		Msg("PASSIVE checkpoint result")
	if logPages > truncateLogPages || busy > 0 {
		util.Info().Int("log", logPages).Msg("escalating to TRUNCATE checkpoint")
		if err := db.QueryRowContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)").Scan(&busy, &logPages, &done); err != nil {
			return fmt.Errorf("TRUNCATE checkpoint failed: %w", err)
		}
	}
	if err := verifyIntegrity(ctx, db); err != nil {
		util.Error().Err(err).Msg("database integrity check failed after checkpoint")
		return err
	}
	util.Debug().Dur("duration", time.Since(start)).Msg("WAL checkpoint completed")
	return nil
}

func verifyIntegrity(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, integrityTimeout)
	defer cancel()
	var result string
	if err := db.QueryRowContext(ctx, "PRAGMA quick_check").Scan(&result); err != nil {
		return fmt.Errorf("quick_check query failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("quick_check returned: %s", result)
	}
	return nil
}
