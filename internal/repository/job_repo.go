package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/timmy/teachermon/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// JobRepository persists analysis jobs.
type JobRepository struct {
	db *gorm.DB
}

// NewJobRepository creates a new JobRepository.
func NewJobRepository(db *gorm.DB) *JobRepository {
	return &JobRepository{db: db}
}

// Create inserts a new job record.
func (r *JobRepository) Create(ctx context.Context, job *domain.AnalysisJob) error {
	return r.db.WithContext(ctx).Create(job).Error
}

// GetByID retrieves a job regardless of owner.
// Returns a NOT_FOUND error when no row matches.
func (r *JobRepository) GetByID(ctx context.Context, id string) (*domain.AnalysisJob, error) {
	var job domain.AnalysisJob
	if err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		return nil, notFound(err, id)
	}
	return &job, nil
}

// GetForOwner retrieves a job scoped to its owner.
// A job owned by someone else is reported as not found.
func (r *JobRepository) GetForOwner(ctx context.Context, id, ownerID string) (*domain.AnalysisJob, error) {
	var job domain.AnalysisJob
	if err := r.db.WithContext(ctx).First(&job, "id = ? AND owner_id = ?", id, ownerID).Error; err != nil {
		return nil, notFound(err, id)
	}
	return &job, nil
}

// ListByOwner returns the owner's jobs, newest first.
func (r *JobRepository) ListByOwner(ctx context.Context, ownerID string, limit int) ([]domain.AnalysisJob, error) {
	var jobs []domain.AnalysisJob
	err := r.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at DESC").
		Limit(limit).
		Find(&jobs).Error
	return jobs, err
}

// ListByStatus returns jobs in the given status, oldest first.
func (r *JobRepository) ListByStatus(ctx context.Context, status domain.JobStatus, limit int) ([]domain.AnalysisJob, error) {
	var jobs []domain.AnalysisJob
	err := r.db.WithContext(ctx).
		Where("status = ?", status).
		Order("created_at ASC").
		Limit(limit).
		Find(&jobs).Error
	return jobs, err
}

// ListExpiredFrames returns jobs whose frames retention window has elapsed.
func (r *JobRepository) ListExpiredFrames(ctx context.Context, now time.Time, limit int) ([]domain.AnalysisJob, error) {
	var jobs []domain.AnalysisJob
	err := r.db.WithContext(ctx).
		Where("frames_expires_at <= ? AND frames_deleted_at IS NULL AND has_frames = ?", now, true).
		Order("frames_expires_at ASC").
		Limit(limit).
		Find(&jobs).Error
	return jobs, err
}

// UpdateFrom writes every column of job, but only if the stored row is
// still in status from. A vanished row yields NOT_FOUND and a row that
// moved on yields INVALID_STATE, so callers never overwrite newer state.
func (r *JobRepository) UpdateFrom(ctx context.Context, job *domain.AnalysisJob, from domain.JobStatus) error {
	res := r.db.WithContext(ctx).
		Model(job).
		Where("status = ?", from).
		Select("*").
		Omit("id", "owner_id", "source_type", "created_at").
		Updates(job)
	if res.Error != nil {
		return fmt.Errorf("failed to update job %s: %w", job.ID, res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}

	exists, err := r.Exists(ctx, job.ID)
	if err != nil {
		return err
	}
	if !exists {
		return domain.NewError(domain.KindNotFound, "job %s no longer exists", job.ID)
	}
	return domain.NewError(domain.KindInvalidState, "job %s is no longer %s", job.ID, from)
}

// DeleteForOwner removes the job row and returns it as it was at deletion
// time. Concurrent deleters race on the DELETE itself, so exactly one of
// them receives the row.
func (r *JobRepository) DeleteForOwner(ctx context.Context, id, ownerID string) (*domain.AnalysisJob, error) {
	var deleted []domain.AnalysisJob
	res := r.db.WithContext(ctx).
		Clauses(clause.Returning{}).
		Where("id = ? AND owner_id = ?", id, ownerID).
		Delete(&deleted)
	if res.Error != nil {
		return nil, fmt.Errorf("failed to delete job %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 || len(deleted) == 0 {
		return nil, domain.NewError(domain.KindNotFound, "job %s not found", id)
	}
	return &deleted[0], nil
}

// MarkFramesPurged records the removal of a job's frames. It succeeds only
// for the caller that observes framesBytes still on the row, which makes
// the matching quota release happen once.
func (r *JobRepository) MarkFramesPurged(ctx context.Context, id string, framesBytes int64, now time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&domain.AnalysisJob{}).
		Where("id = ? AND frames_deleted_at IS NULL AND has_frames = ? AND frames_bytes = ?", id, true, framesBytes).
		Updates(map[string]interface{}{
			"frames_deleted_at": now,
			"has_frames":        false,
			"frames_bytes":      0,
			"total_bytes":       gorm.Expr("raw_bytes"),
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to mark frames purged for job %s: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Exists reports whether a job row is present.
func (r *JobRepository) Exists(ctx context.Context, id string) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&domain.AnalysisJob{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func notFound(err error, id string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.NewError(domain.KindNotFound, "job %s not found", id)
	}
	return err
}
