package joblog

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const selectColumns = `
	id, feature, triggered_by, status, percentage, status_text,
	total_units, success_units, skipped_units, failed_units, empty_units, files_written,
	error_message, created_at, updated_at, finished_at
`

// Repository is the PostgreSQL job log sink
// ⭐ SSOT: tradeflow.job_logs 저장/조회
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new job log repository
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Create(ctx context.Context, feature, trigger string) (int64, error) {
	query := `
		INSERT INTO tradeflow.job_logs (feature, triggered_by, status)
		VALUES ($1, $2, $3)
		RETURNING id
	`

	var id int64
	if err := r.pool.QueryRow(ctx, query, feature, trigger, StatusRunning).Scan(&id); err != nil {
		return 0, fmt.Errorf("create job log: %w", err)
	}
	return id, nil
}

func (r *Repository) Update(ctx context.Context, id int64, percentage float64, statusText string) error {
	query := `
		UPDATE tradeflow.job_logs
		SET percentage = $2, status_text = $3, updated_at = NOW()
		WHERE id = $1 AND status = 'running'
	`

	if _, err := r.pool.Exec(ctx, query, id, clampPercentage(percentage), statusText); err != nil {
		return fmt.Errorf("update job log %d: %w", id, err)
	}
	return nil
}

func (r *Repository) Complete(ctx context.Context, id int64, counts Counts) error {
	query := `
		UPDATE tradeflow.job_logs
		SET status = $2, percentage = 100, status_text = 'completed',
			total_units = $3, success_units = $4, skipped_units = $5,
			failed_units = $6, empty_units = $7, files_written = $8,
			updated_at = NOW(), finished_at = NOW()
		WHERE id = $1 AND status = 'running'
	`

	_, err := r.pool.Exec(ctx, query, id, StatusCompleted,
		counts.Total, counts.Success, counts.Skipped,
		counts.Failed, counts.Empty, counts.Files,
	)
	if err != nil {
		return fmt.Errorf("complete job log %d: %w", id, err)
	}
	return nil
}

func (r *Repository) Fail(ctx context.Context, id int64, message string) error {
	return r.finish(ctx, id, StatusFailed, message)
}

func (r *Repository) Cancel(ctx context.Context, id int64) error {
	return r.finish(ctx, id, StatusCancelled, "")
}

func (r *Repository) finish(ctx context.Context, id int64, status Status, message string) error {
	query := `
		UPDATE tradeflow.job_logs
		SET status = $2, status_text = $2, error_message = $3,
			updated_at = NOW(), finished_at = NOW()
		WHERE id = $1 AND status = 'running'
	`

	if _, err := r.pool.Exec(ctx, query, id, status, message); err != nil {
		return fmt.Errorf("%s job log %d: %w", status, id, err)
	}
	return nil
}

func (r *Repository) IsCancelled(ctx context.Context, id int64) (bool, error) {
	query := `SELECT status FROM tradeflow.job_logs WHERE id = $1`

	var status Status
	err := r.pool.QueryRow(ctx, query, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("job log %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("job log %d status: %w", id, err)
	}
	return status == StatusCancelled, nil
}

func (r *Repository) Get(ctx context.Context, id int64) (*Entry, error) {
	query := `SELECT ` + selectColumns + ` FROM tradeflow.job_logs WHERE id = $1`

	e, err := scanEntry(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("job log %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get job log %d: %w", id, err)
	}
	return e, nil
}

// List returns the newest entries first
func (r *Repository) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + selectColumns + ` FROM tradeflow.job_logs ORDER BY id DESC LIMIT $1`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list job logs: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job log: %w", err)
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list job logs: %w", err)
	}

	return entries, nil
}

func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	err := row.Scan(
		&e.ID,
		&e.Feature,
		&e.Trigger,
		&e.Status,
		&e.Percentage,
		&e.StatusText,
		&e.Counts.Total,
		&e.Counts.Success,
		&e.Counts.Skipped,
		&e.Counts.Failed,
		&e.Counts.Empty,
		&e.Counts.Files,
		&e.Error,
		&e.CreatedAt,
		&e.UpdatedAt,
		&e.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}
