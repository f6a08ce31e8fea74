// Package store persists jobs in SQLite through GORM.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"cesar/internal/domain"
	"cesar/internal/jobs"
)

// ErrNotFound is returned when no job has the requested id.
var ErrNotFound = errors.New("job not found")

// Progress is the subset of job fields updated while a job runs.
type Progress struct {
	Overall  int
	Phase    string
	PhasePct int
	Download *int
}

// Repository is the job persistence port.
type Repository interface {
	Create(ctx context.Context, job domain.Job) error
	Get(ctx context.Context, id string) (domain.Job, error)
	Update(ctx context.Context, job domain.Job) error
	List(ctx context.Context) ([]domain.Job, error)
	ListByStatus(ctx context.Context, status domain.JobStatus) ([]domain.Job, error)
	NextEligible(ctx context.Context) (*domain.Job, error)
	UpdateProgress(ctx context.Context, id string, p Progress) error
	RetryPartial(ctx context.Context, id string) (domain.Job, error)
	RecoverInterrupted(ctx context.Context) (int64, error)
	Close() error
}

// SQLite is the GORM-backed Repository.
type SQLite struct {
	db *gorm.DB
}

// Open creates the database file (and parent directory) if missing and
// migrates the schema. WAL mode lets the API read while the worker writes.
func Open(path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.AutoMigrate(&jobRow{}); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Create inserts a new job.
func (s *SQLite) Create(ctx context.Context, job domain.Job) error {
	row := toRow(job)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("create job %s: %w", job.ID, err)
	}
	return nil
}

// Get loads one job by id.
func (s *SQLite) Get(ctx context.Context, id string) (domain.Job, error) {
	var row jobRow
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Job{}, ErrNotFound
	}
	if err != nil {
		return domain.Job{}, fmt.Errorf("get job %s: %w", id, err)
	}
	return row.toDomain(), nil
}

// Update overwrites every column of an existing job.
func (s *SQLite) Update(ctx context.Context, job domain.Job) error {
	row := toRow(job)
	res := s.db.WithContext(ctx).Model(&jobRow{}).Where("id = ?", job.ID).Select("*").Updates(&row)
	if res.Error != nil {
		return fmt.Errorf("update job %s: %w", job.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns all jobs newest first.
func (s *SQLite) List(ctx context.Context) ([]domain.Job, error) {
	return s.list(ctx, s.db.WithContext(ctx))
}

// ListByStatus returns jobs with status, newest first.
func (s *SQLite) ListByStatus(ctx context.Context, status domain.JobStatus) ([]domain.Job, error) {
	return s.list(ctx, s.db.WithContext(ctx).Where("status = ?", string(status)))
}

func (s *SQLite) list(_ context.Context, q *gorm.DB) ([]domain.Job, error) {
	var rows []jobRow
	if err := q.Order("created_at DESC").Order("rowid DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	out := make([]domain.Job, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

// NextEligible returns the oldest queued or downloading job, or nil.
func (s *SQLite) NextEligible(ctx context.Context) (*domain.Job, error) {
	var rows []jobRow
	err := s.db.WithContext(ctx).
		Where("status IN ?", []string{string(domain.JobStatusQueued), string(domain.JobStatusDownloading)}).
		Order("created_at ASC").Order("rowid ASC").
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("next eligible job: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	job := rows[0].toDomain()
	return &job, nil
}

// UpdateProgress writes progress columns for one job in a single statement.
func (s *SQLite) UpdateProgress(ctx context.Context, id string, p Progress) error {
	fields := map[string]any{
		"progress":           p.Overall,
		"progress_phase":     p.Phase,
		"progress_phase_pct": p.PhasePct,
	}
	if p.Download != nil {
		fields["download_progress"] = *p.Download
	}
	res := s.db.WithContext(ctx).Model(&jobRow{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("update progress %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// RetryPartial re-queues a partial job with one conditional UPDATE, so it
// cannot race the worker picking up or finishing the same row.
func (s *SQLite) RetryPartial(ctx context.Context, id string) (domain.Job, error) {
	res := s.db.WithContext(ctx).Model(&jobRow{}).
		Where("id = ? AND status = ?", id, string(domain.JobStatusPartial)).
		Updates(map[string]any{
			"status":                 string(domain.JobStatusQueued),
			"started_at":             nil,
			"completed_at":           nil,
			"diarization_error":      nil,
			"diarization_error_code": nil,
			"diarized":               nil,
			"speaker_count":          nil,
			"progress":               0,
			"progress_phase":         "",
			"progress_phase_pct":     0,
			"retry_requested":        true,
		})
	if res.Error != nil {
		return domain.Job{}, fmt.Errorf("retry job %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		job, err := s.Get(ctx, id)
		if err != nil {
			return domain.Job{}, err
		}
		return domain.Job{}, fmt.Errorf("%w: status is %s", jobs.ErrNotRetryable, job.Status)
	}
	return s.Get(ctx, id)
}

// RecoverInterrupted returns jobs left in processing by a crash to the queue.
func (s *SQLite) RecoverInterrupted(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Model(&jobRow{}).
		Where("status = ?", string(domain.JobStatusProcessing)).
		Updates(map[string]any{
			"status":       string(domain.JobStatusQueued),
			"started_at":   nil,
			"completed_at": nil,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("recover interrupted jobs: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Close releases the underlying connection pool.
func (s *SQLite) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

var _ Repository = (*SQLite)(nil)
