// internal/storage/storage.go
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"photostore/internal/models"
)

// Storage is the Postgres job ledger. It remembers, per original, whether its thumbnail job
// reached the queue, so failed publishes can be retried later.
//
// Queries go through database/sql on top of the pgx pool.
type Storage struct {
	pool *pgxpool.Pool
	db   *sql.DB
}

func newStorage(pool *pgxpool.Pool, db *sql.DB) *Storage {
	return &Storage{pool: pool, db: db}
}

func NewStorage(ctx context.Context, dsn string, log *slog.Logger) (*Storage, error) {
	const op = "storage.NewStorage"

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	db := stdlib.OpenDBFromPool(pool)
	if err := runMigrations(db, log); err != nil {
		db.Close()
		pool.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return newStorage(pool, db), nil
}

func (s *Storage) Close() {
	s.db.Close()
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Storage) RecordPublished(ctx context.Context, originalID, ownerRef string) error {
	const op = "storage.RecordPublished"

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO photo_jobs (original_id, owner_ref, status)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (original_id) DO UPDATE
		 SET status = EXCLUDED.status, attempts = photo_jobs.attempts + 1, last_error = '', updated_at = now()
		 WHERE photo_jobs.status <> $4`,
		originalID, ownerRef, string(models.JobPublished), string(models.JobDone))
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Storage) RecordFailed(ctx context.Context, originalID, ownerRef string, cause error) error {
	const op = "storage.RecordFailed"

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO photo_jobs (original_id, owner_ref, status, last_error)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (original_id) DO UPDATE
		 SET status = EXCLUDED.status, attempts = photo_jobs.attempts + 1, last_error = EXCLUDED.last_error, updated_at = now()
		 WHERE photo_jobs.status <> $5`,
		originalID, ownerRef, string(models.JobFailed), cause.Error(), string(models.JobDone))
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Storage) MarkDone(ctx context.Context, originalID string) error {
	const op = "storage.MarkDone"

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO photo_jobs (original_id, status)
		 VALUES ($1, $2)
		 ON CONFLICT (original_id) DO UPDATE
		 SET status = EXCLUDED.status, last_error = '', updated_at = now()`,
		originalID, string(models.JobDone))
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// ListFailed returns the oldest jobs whose publish failed.
func (s *Storage) ListFailed(ctx context.Context, limit int) ([]models.Job, error) {
	const op = "storage.ListFailed"

	rows, err := s.db.QueryContext(ctx,
		`SELECT original_id, owner_ref, status, attempts, last_error, updated_at
		 FROM photo_jobs WHERE status = $1 ORDER BY updated_at LIMIT $2`,
		string(models.JobFailed), limit)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		var (
			job    models.Job
			status string
		)
		if err := rows.Scan(&job.OriginalID, &job.OwnerRef, &status, &job.Attempts, &job.LastError, &job.UpdatedAt); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		job.Status = models.JobStatus(status)
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return jobs, nil
}

// Nop is the ledger used when no database is configured. Failed publishes are then only logged.
type Nop struct{}

func (Nop) RecordPublished(context.Context, string, string) error     { return nil }
func (Nop) RecordFailed(context.Context, string, string, error) error { return nil }
func (Nop) MarkDone(context.Context, string) error                    { return nil }
func (Nop) ListFailed(context.Context, int) ([]models.Job, error)     { return nil, nil }
