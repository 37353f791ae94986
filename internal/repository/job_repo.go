package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/timmy/catalogsync/internal/domain"
	"gorm.io/gorm"
)

// ErrClaimConflict is returned when another runner claimed one of the rows first.
var ErrClaimConflict = errors.New("job already claimed by another runner")

// JobRepository handles index_queue persistence.
type JobRepository struct {
	db *gorm.DB
}

// NewJobRepository creates a new JobRepository.
// Parameters:
//   - db: GORM database handle used for queries.
//
// Returns:
//   - *JobRepository: repository instance bound to db.
func NewJobRepository(db *gorm.DB) *JobRepository {
	return &JobRepository{db: db}
}

// Create inserts a new job row.
func (r *JobRepository) Create(ctx context.Context, job *domain.Job) error {
	return r.db.WithContext(ctx).Create(job).Error
}

// FetchPending returns unclaimed, retryable jobs with an id greater than afterID, oldest first.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - afterID: cursor; 0 starts from the head of the queue.
//   - limit: maximum number of rows.
//
// Returns:
//   - []domain.Job: jobs in creation order.
//   - error: non-nil if the query fails.
func (r *JobRepository) FetchPending(ctx context.Context, afterID uint, limit int) ([]domain.Job, error) {
	var jobs []domain.Job
	err := r.db.WithContext(ctx).
		Where("job_id > ? AND pid IS NULL AND retries < max_retries", afterID).
		Order("job_id ASC").
		Limit(limit).
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("fetch pending jobs: %w", err)
	}
	return jobs, nil
}

// Claim stamps every row in ids with pid, all or nothing.
// Returns ErrClaimConflict when any row was already claimed; no row is changed in that case.
func (r *JobRepository) Claim(ctx context.Context, ids []uint, pid string, at time.Time) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&domain.Job{}).
			Where("job_id IN ? AND pid IS NULL", ids).
			Updates(map[string]any{"pid": pid, "locked_at": at})
		if res.Error != nil {
			return fmt.Errorf("claim jobs: %w", res.Error)
		}
		if res.RowsAffected != int64(len(ids)) {
			return ErrClaimConflict
		}
		return nil
	})
}

// Release clears the claim on the given rows.
func (r *JobRepository) Release(ctx context.Context, ids []uint) error {
	if len(ids) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Model(&domain.Job{}).
		Where("job_id IN ?", ids).
		Updates(map[string]any{"pid": nil, "locked_at": nil}).Error
}

// ReleaseStale clears claims older than before, returning how many rows were released.
func (r *JobRepository) ReleaseStale(ctx context.Context, before time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Model(&domain.Job{}).
		Where("pid IS NOT NULL AND locked_at < ?", before).
		Updates(map[string]any{"pid": nil, "locked_at": nil})
	if res.Error != nil {
		return 0, fmt.Errorf("release stale jobs: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Delete removes the given rows.
func (r *JobRepository) Delete(ctx context.Context, ids []uint) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := r.db.WithContext(ctx).Where("job_id IN ?", ids).Delete(&domain.Job{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete jobs: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// DeleteAll empties the queue.
func (r *JobRepository) DeleteAll(ctx context.Context) (int64, error) {
	res := r.db.WithContext(ctx).Where("1 = 1").Delete(&domain.Job{})
	if res.Error != nil {
		return 0, fmt.Errorf("clear queue: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Requeue replaces the job rows (own and merged) with one row at the back of the queue
// carrying the merged payload, an incremented retry counter and the error text.
func (r *JobRepository) Requeue(ctx context.Context, job *domain.Job, errText string, at time.Time) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("job_id IN ?", job.AllIDs()).Delete(&domain.Job{}).Error; err != nil {
			return fmt.Errorf("requeue job %d: %w", job.ID, err)
		}
		retry := &domain.Job{
			Created:       at,
			Class:         job.Class,
			Method:        job.Method,
			Data:          job.Data,
			MaxRetries:    job.MaxRetries,
			Retries:       job.Retries + 1,
			ErrorLog:      errText,
			DataSize:      job.DataSize,
			IsFullReindex: job.IsFullReindex,
		}
		if err := tx.Create(retry).Error; err != nil {
			return fmt.Errorf("requeue job %d: %w", job.ID, err)
		}
		return nil
	})
}

// Abandon marks the job rows as permanently failed and copies the job to the archive.
// The rows stay in the queue with retries = max_retries so operators can inspect them.
func (r *JobRepository) Abandon(ctx context.Context, job *domain.Job, errText string, at time.Time) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&domain.Job{}).
			Where("job_id IN ?", job.AllIDs()).
			Updates(map[string]any{
				"retries":   gorm.Expr("max_retries"),
				"error_log": errText,
				"pid":       nil,
				"locked_at": nil,
			}).Error
		if err != nil {
			return fmt.Errorf("abandon job %d: %w", job.ID, err)
		}

		archived := &domain.JobArchive{
			JobID:      job.ID,
			Created:    job.Created,
			Class:      job.Class,
			Method:     job.Method,
			Data:       job.Data,
			Retries:    job.MaxRetries,
			ErrorLog:   errText,
			DataSize:   job.DataSize,
			ArchivedAt: at,
		}
		if err := tx.Create(archived).Error; err != nil {
			return fmt.Errorf("archive job %d: %w", job.ID, err)
		}
		return nil
	})
}

// List returns every row in the queue, oldest first.
func (r *JobRepository) List(ctx context.Context) ([]domain.Job, error) {
	var jobs []domain.Job
	if err := r.db.WithContext(ctx).Order("job_id ASC").Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// ListActiveByMethod returns the retryable rows (claimed or not) for one handler.
func (r *JobRepository) ListActiveByMethod(ctx context.Context, class, method string) ([]domain.Job, error) {
	var jobs []domain.Job
	err := r.db.WithContext(ctx).
		Where("class = ? AND method = ? AND retries < max_retries", class, method).
		Order("job_id ASC").
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("list jobs for %s::%s: %w", class, method, err)
	}
	return jobs, nil
}

// Get returns one job by id.
func (r *JobRepository) Get(ctx context.Context, id uint) (*domain.Job, error) {
	var job domain.Job
	if err := r.db.WithContext(ctx).First(&job, "job_id = ?", id).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

// JobCounts summarizes the queue.
type JobCounts struct {
	Pending int64 `json:"pending"`
	Locked  int64 `json:"locked"`
	Failed  int64 `json:"failed"`
}

// Counts returns pending, locked and failed row counts.
func (r *JobRepository) Counts(ctx context.Context) (*JobCounts, error) {
	var counts JobCounts
	db := r.db.WithContext(ctx).Model(&domain.Job{})

	if err := db.Session(&gorm.Session{}).Where("pid IS NULL AND retries < max_retries").Count(&counts.Pending).Error; err != nil {
		return nil, fmt.Errorf("count pending jobs: %w", err)
	}
	if err := db.Session(&gorm.Session{}).Where("pid IS NOT NULL").Count(&counts.Locked).Error; err != nil {
		return nil, fmt.Errorf("count locked jobs: %w", err)
	}
	if err := db.Session(&gorm.Session{}).Where("retries >= max_retries").Count(&counts.Failed).Error; err != nil {
		return nil, fmt.Errorf("count failed jobs: %w", err)
	}
	return &counts, nil
}

// CreateRunLog stores one runner invocation.
func (r *JobRepository) CreateRunLog(ctx context.Context, entry *domain.QueueRunLog) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

// RecentRunLogs returns the latest runner invocations, newest first.
func (r *JobRepository) RecentRunLogs(ctx context.Context, limit int) ([]domain.QueueRunLog, error) {
	var logs []domain.QueueRunLog
	if err := r.db.WithContext(ctx).Order("id DESC").Limit(limit).Find(&logs).Error; err != nil {
		return nil, fmt.Errorf("list run logs: %w", err)
	}
	return logs, nil
}

// ListArchive returns the latest abandoned jobs, newest first.
func (r *JobRepository) ListArchive(ctx context.Context, limit int) ([]domain.JobArchive, error) {
	var archived []domain.JobArchive
	if err := r.db.WithContext(ctx).Order("id DESC").Limit(limit).Find(&archived).Error; err != nil {
		return nil, fmt.Errorf("list archived jobs: %w", err)
	}
	return archived, nil
}
