// Package postgres provides the optional archive store: terminal job
// records copied out of Redis into a durable table for later review.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/promptlab/promptq/internal/domain"
)

// ArchiveStore persists completed and failed jobs to PostgreSQL.
type ArchiveStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewArchiveStore connects to the database and verifies the connection.
func NewArchiveStore(ctx context.Context, databaseURL string, logger *slog.Logger) (*ArchiveStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &ArchiveStore{
		pool:   pool,
		logger: logger.With("component", "archive_store"),
	}, nil
}

// Archive upserts a terminal job record. Re-archiving the same job
// overwrites the previous row, so retries are safe.
func (s *ArchiveStore) Archive(ctx context.Context, rec *domain.JobRecord) error {
	var resultJSON []byte
	if rec.Result != nil {
		var err error
		resultJSON, err = json.Marshal(rec.Result)
		if err != nil {
			return fmt.Errorf("marshal job result: %w", err)
		}
	}

	query := `
		INSERT INTO archived_jobs
			(job_id, user_id, username, prompt, status,
			 created_at, started_at, completed_at, result, error, archived_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		ON CONFLICT (job_id) DO UPDATE SET
			status       = EXCLUDED.status,
			started_at   = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at,
			result       = EXCLUDED.result,
			error        = EXCLUDED.error,
			archived_at  = NOW()
	`
	_, err := s.pool.Exec(ctx, query,
		rec.ID, rec.UserID, rec.Username, rec.Prompt, string(rec.Status),
		rec.CreatedAt, rec.StartedAt, rec.CompletedAt, resultJSON, rec.Error)
	if err != nil {
		return fmt.Errorf("archive job %s: %w", rec.ID, err)
	}

	s.logger.Debug("job archived", "job_id", rec.ID, "status", rec.Status)
	return nil
}

// Close releases the connection pool.
func (s *ArchiveStore) Close() {
	s.pool.Close()
}
