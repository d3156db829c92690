package joblog

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/wonny/tradeflow/pkg/logger"
)

//go:embed sqlite_migrations/*.sql
var sqliteMigrations embed.FS

// SQLite is a single-file job log for one-node deployments
// ⭐ SSOT: 단일 노드 job_logs 저장/조회
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (or creates) the database at path and migrates it
func OpenSQLite(path string, log *logger.Logger) (*SQLite, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open job log %s: %w", path, err)
	}
	// one writer; the scheduler and API share it
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open job log %s: %w", path, err)
	}
	if err := migrateSQLite(db, log.Module("joblog")); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &SQLite{db: db, now: time.Now}, nil
}

func migrateSQLite(db *sql.DB, log *logger.Logger) error {
	src, err := iofs.New(sqliteMigrations, "sqlite_migrations")
	if err != nil {
		return fmt.Errorf("open job log migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(db, &sqlite.Config{MigrationsTable: migrationsTable})
	if err != nil {
		return fmt.Errorf("init job log migrations: %w", err)
	}
	// not closed: closing the migrate instance closes db
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("init job log migrations: %w", err)
	}

	err = m.Up()
	switch {
	case errors.Is(err, migrate.ErrNoChange):
		return nil
	case err != nil:
		return fmt.Errorf("migrate job logs: %w", err)
	}
	log.Info("Job log migrations applied")
	return nil
}

// Close closes the database
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) stamp() int64 {
	return s.now().UnixMilli()
}

func (s *SQLite) Create(ctx context.Context, feature, trigger string) (int64, error) {
	now := s.stamp()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO job_logs (feature, triggered_by, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		feature, trigger, StatusRunning, now, now)
	if err != nil {
		return 0, fmt.Errorf("create job log: %w", err)
	}
	return res.LastInsertId()
}

func (s *SQLite) Update(ctx context.Context, id int64, percentage float64, statusText string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE job_logs SET percentage = ?, status_text = ?, updated_at = ?
		 WHERE id = ? AND status = 'running'`,
		clampPercentage(percentage), statusText, s.stamp(), id)
	if err != nil {
		return fmt.Errorf("update job log %d: %w", id, err)
	}
	return s.mustExist(ctx, id)
}

func (s *SQLite) Complete(ctx context.Context, id int64, counts Counts) error {
	now := s.stamp()
	_, err := s.db.ExecContext(ctx,
		`UPDATE job_logs SET status = ?, percentage = 100, status_text = 'completed',
			total_units = ?, success_units = ?, skipped_units = ?,
			failed_units = ?, empty_units = ?, files_written = ?,
			updated_at = ?, finished_at = ?
		 WHERE id = ? AND status = 'running'`,
		StatusCompleted, counts.Total, counts.Success, counts.Skipped,
		counts.Failed, counts.Empty, counts.Files, now, now, id)
	if err != nil {
		return fmt.Errorf("complete job log %d: %w", id, err)
	}
	return s.mustExist(ctx, id)
}

func (s *SQLite) Fail(ctx context.Context, id int64, message string) error {
	return s.finish(ctx, id, StatusFailed, message)
}

func (s *SQLite) Cancel(ctx context.Context, id int64) error {
	return s.finish(ctx, id, StatusCancelled, "")
}

func (s *SQLite) finish(ctx context.Context, id int64, status Status, message string) error {
	now := s.stamp()
	_, err := s.db.ExecContext(ctx,
		`UPDATE job_logs SET status = ?, status_text = ?, error_message = ?,
			updated_at = ?, finished_at = ?
		 WHERE id = ? AND status = 'running'`,
		status, string(status), message, now, now, id)
	if err != nil {
		return fmt.Errorf("%s job log %d: %w", status, id, err)
	}
	return s.mustExist(ctx, id)
}

// mustExist turns a no-op update of an unknown id into ErrNotFound
func (s *SQLite) mustExist(ctx context.Context, id int64) error {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM job_logs WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("job log %d: %w", id, ErrNotFound)
	}
	return err
}

func (s *SQLite) IsCancelled(ctx context.Context, id int64) (bool, error) {
	var status Status
	err := s.db.QueryRowContext(ctx, `SELECT status FROM job_logs WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("job log %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("job log %d status: %w", id, err)
	}
	return status == StatusCancelled, nil
}

func (s *SQLite) Get(ctx context.Context, id int64) (*Entry, error) {
	e, err := scanSQLiteEntry(s.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM job_logs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job log %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get job log %d: %w", id, err)
	}
	return e, nil
}

// List returns the newest entries first
func (s *SQLite) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM job_logs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list job logs: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanSQLiteEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job log: %w", err)
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

func scanSQLiteEntry(row interface{ Scan(dest ...any) error }) (*Entry, error) {
	var (
		e                Entry
		created, updated int64
		finished         sql.NullInt64
	)
	err := row.Scan(
		&e.ID, &e.Feature, &e.Trigger, &e.Status, &e.Percentage, &e.StatusText,
		&e.Counts.Total, &e.Counts.Success, &e.Counts.Skipped,
		&e.Counts.Failed, &e.Counts.Empty, &e.Counts.Files,
		&e.Error, &created, &updated, &finished,
	)
	if err != nil {
		return nil, err
	}

	e.CreatedAt = time.UnixMilli(created)
	e.UpdatedAt = time.UnixMilli(updated)
	if finished.Valid {
		t := time.UnixMilli(finished.Int64)
		e.FinishedAt = &t
	}
	return &e, nil
}
