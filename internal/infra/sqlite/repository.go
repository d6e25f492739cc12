// Package sqlite exports and restores the job queue to an SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/emanuelef/yt-batch-go/internal/domain"
)

// Repository stores explicit snapshots of the job queue.
type Repository struct {
	db *sql.DB
}

// NewRepository opens (or creates) the export database at path.
func NewRepository(path string) (*Repository, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool for SQLite (single writer)
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if err := configureDB(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	slog.Debug("Export database opened", "path", path)

	return &Repository{db: db}, nil
}

// configureDB applies SQLite optimizations.
func configureDB(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}

	return nil
}

func createSchema(db *sql.DB) error {
	schema := `
		CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			url TEXT NOT NULL,
			title TEXT,
			format TEXT NOT NULL,
			encoding_mode TEXT NOT NULL,
			audio_bitrate INTEGER NOT NULL,
			video_bitrate INTEGER,
			selected INTEGER NOT NULL DEFAULT 1,
			state TEXT NOT NULL DEFAULT 'pending',
			progress REAL NOT NULL DEFAULT 0,
			error TEXT,
			error_kind TEXT,
			retry_count INTEGER NOT NULL DEFAULT 0,
			file_path TEXT,
			added_at TEXT NOT NULL,
			started_at TEXT,
			completed_at TEXT,
			position INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state);
	`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	return r.db.Close()
}

// SaveJobs replaces the stored snapshot with jobs, in order.
func (r *Repository) SaveJobs(ctx context.Context, jobs []domain.Job) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin export: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM jobs`); err != nil {
		return fmt.Errorf("failed to clear previous export: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO jobs (id, url, title, format, encoding_mode, audio_bitrate, video_bitrate, selected,
			state, progress, error, error_kind, retry_count, file_path, added_at, started_at, completed_at, position)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare export: %w", err)
	}
	defer stmt.Close()

	for i, job := range jobs {
		var videoBitrate sql.NullInt64
		if job.VideoBitrate != nil {
			videoBitrate = sql.NullInt64{Int64: int64(*job.VideoBitrate), Valid: true}
		}

		_, err := stmt.ExecContext(ctx,
			job.ID,
			job.URL,
			job.Title,
			string(job.Format),
			string(job.EncodingMode),
			int(job.AudioBitrate),
			videoBitrate,
			job.Selected,
			string(job.State),
			job.Progress,
			job.Error,
			string(job.ErrorKind),
			job.RetryCount,
			job.FilePath,
			formatTime(&job.AddedAt),
			formatTime(job.StartedAt),
			formatTime(job.CompletedAt),
			i,
		)
		if err != nil {
			return fmt.Errorf("failed to export job %s: %w", job.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit export: %w", err)
	}

	slog.Info("Jobs exported", "count", len(jobs))
	return nil
}

// ListJobs returns the stored snapshot in its saved order.
func (r *Repository) ListJobs(ctx context.Context) ([]domain.Job, error) {
	query := `
		SELECT id, url, title, format, encoding_mode, audio_bitrate, video_bitrate, selected,
			state, progress, error, error_kind, retry_count, file_path, added_at, started_at, completed_at
		FROM jobs
		ORDER BY position ASC
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []domain.Job

	for rows.Next() {
		var job domain.Job
		var title, errorMsg, errorKind, filePath, startedAt, completedAt sql.NullString
		var videoBitrate sql.NullInt64
		var format, mode, state, addedAt string
		var audioBitrate int

		err := rows.Scan(
			&job.ID,
			&job.URL,
			&title,
			&format,
			&mode,
			&audioBitrate,
			&videoBitrate,
			&job.Selected,
			&state,
			&job.Progress,
			&errorMsg,
			&errorKind,
			&job.RetryCount,
			&filePath,
			&addedAt,
			&startedAt,
			&completedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}

		job.Title = title.String
		job.Format = domain.Format(format)
		job.EncodingMode = domain.EncodingMode(mode)
		job.AudioBitrate = domain.AudioBitrate(audioBitrate)
		if videoBitrate.Valid {
			v := int(videoBitrate.Int64)
			job.VideoBitrate = &v
		}
		job.State = domain.JobState(state)
		job.Error = errorMsg.String
		job.ErrorKind = domain.ErrorKind(errorKind.String)
		job.FilePath = filePath.String
		if t := parseTime(sql.NullString{String: addedAt, Valid: true}); t != nil {
			job.AddedAt = *t
		}
		job.StartedAt = parseTime(startedAt)
		job.CompletedAt = parseTime(completedAt)

		jobs = append(jobs, job)
	}

	return jobs, rows.Err()
}

// Count returns the number of stored jobs.
func (r *Repository) Count(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM jobs").Scan(&count)
	return count, err
}

// CountByState returns the number of stored jobs in the given state.
func (r *Repository) CountByState(ctx context.Context, state domain.JobState) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM jobs WHERE state = ?", string(state)).Scan(&count)
	return count, err
}

func formatTime(t *time.Time) sql.NullString {
	if t == nil || t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

func parseTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}
