package service

import (
	"context"
	"io"
	"time"

	"github.com/timmy/teachermon/internal/domain"
)

// JobStore is the job persistence the services need. It is satisfied by
// repository.JobRepository.
type JobStore interface {
	Create(ctx context.Context, job *domain.AnalysisJob) error
	GetByID(ctx context.Context, id string) (*domain.AnalysisJob, error)
	GetForOwner(ctx context.Context, id, ownerID string) (*domain.AnalysisJob, error)
	ListByOwner(ctx context.Context, ownerID string, limit int) ([]domain.AnalysisJob, error)
	ListByStatus(ctx context.Context, status domain.JobStatus, limit int) ([]domain.AnalysisJob, error)
	ListExpiredFrames(ctx context.Context, now time.Time, limit int) ([]domain.AnalysisJob, error)
	// UpdateFrom persists job only while the stored row is still in status from.
	UpdateFrom(ctx context.Context, job *domain.AnalysisJob, from domain.JobStatus) error
	DeleteForOwner(ctx context.Context, id, ownerID string) (*domain.AnalysisJob, error)
	MarkFramesPurged(ctx context.Context, id string, framesBytes int64, now time.Time) (bool, error)
	Exists(ctx context.Context, id string) (bool, error)
}

// QuotaStore is the quota ledger persistence. Increments and decrements
// are single atomic statements. It is satisfied by repository.QuotaRepository.
type QuotaStore interface {
	GetOrCreate(ctx context.Context, ownerID string, defaultLimit int64) (*domain.MediaQuota, error)
	TryIncrement(ctx context.Context, ownerID string, bytes int64) (bool, error)
	Increment(ctx context.Context, ownerID string, bytes int64) error
	Decrement(ctx context.Context, ownerID string, bytes int64) error
}

// DriveDownloader streams a shared Drive file, failing once limit is passed.
type DriveDownloader interface {
	Open(ctx context.Context, fileID string, limit int64) (io.ReadCloser, error)
}
