package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/timmy/teachermon/internal/domain"
	"github.com/timmy/teachermon/internal/logger"
	"github.com/timmy/teachermon/internal/metrics"
	"github.com/timmy/teachermon/internal/queue"
	"github.com/timmy/teachermon/internal/source"
	"github.com/timmy/teachermon/internal/source/gdrive"
	"github.com/timmy/teachermon/internal/source/youtube"
	"github.com/timmy/teachermon/internal/storage"
)

// JobConfig holds the ingestion limits of the job service.
type JobConfig struct {
	MaxUploadBytes int64
	MaxImageBytes  int64
	MaxImages      int
	ListLimit      int
}

// JobService is the synchronous job surface: creation, ingestion,
// processing requests, reads and deletion.
type JobService struct {
	jobs     JobStore
	quota    *QuotaService
	store    storage.ArtifactStore
	drive    DriveDownloader
	notifier queue.Notifier
	parsers  map[domain.SourceType]source.Parser
	metrics  *metrics.Metrics
	logger   *logger.Logger
	cfg      JobConfig
	now      func() time.Time
}

// NewJobService creates a new JobService.
func NewJobService(
	jobs JobStore,
	quota *QuotaService,
	store storage.ArtifactStore,
	drive DriveDownloader,
	notifier queue.Notifier,
	m *metrics.Metrics,
	log *logger.Logger,
	cfg *JobConfig,
) *JobService {
	if notifier == nil {
		notifier = queue.NoopNotifier{}
	}
	c := *cfg
	if c.MaxImages <= 0 {
		c.MaxImages = 5
	}
	if c.ListLimit <= 0 {
		c.ListLimit = 50
	}
	return &JobService{
		jobs:     jobs,
		quota:    quota,
		store:    store,
		drive:    drive,
		notifier: notifier,
		parsers: map[domain.SourceType]source.Parser{
			domain.SourceGDrive:  gdrive.Parser{},
			domain.SourceYouTube: youtube.Parser{},
		},
		metrics: m,
		logger:  log,
		cfg:     c,
		now:     time.Now,
	}
}

// log returns a logger from context if available, otherwise returns the default logger
func (s *JobService) log(ctx context.Context) *logger.Logger {
	if l := logger.FromContext(ctx); l != nil {
		return l
	}
	return s.logger
}

// CreateJobInput describes a new job.
type CreateJobInput struct {
	OwnerID      string
	TeacherID    *string
	SourceType   domain.SourceType
	AnalysisMode domain.AnalysisMode
	SourceURL    string
	Description  string
}

// CreateJob registers a job. Byte-bearing sources start in UPLOADING; a
// YouTube link needs no upload and starts in UPLOADED.
func (s *JobService) CreateJob(ctx context.Context, in CreateJobInput) (*domain.AnalysisJob, error) {
	if strings.TrimSpace(in.OwnerID) == "" {
		return nil, domain.NewError(domain.KindValidation, "owner is required")
	}
	if !in.SourceType.Valid() {
		return nil, domain.NewError(domain.KindValidation, "unknown source type %q", in.SourceType)
	}
	mode := in.AnalysisMode
	if mode == "" {
		mode = domain.ModeTextOnly
	}
	if !mode.Valid() {
		return nil, domain.NewError(domain.KindValidation, "unknown analysis mode %q", in.AnalysisMode)
	}
	if in.SourceType == domain.SourceImages {
		mode = domain.ModeFull
	}

	remaining, err := s.quota.Remaining(ctx, in.OwnerID)
	if err != nil {
		return nil, err
	}
	if remaining <= 0 {
		return nil, domain.NewError(domain.KindQuotaExceeded, "storage quota is used up; delete old jobs to free space")
	}

	var sourceURL string
	if in.SourceType.IsURLBased() {
		ref, err := s.parsers[in.SourceType].Parse(in.SourceURL)
		if err != nil {
			return nil, err
		}
		sourceURL = ref.URL
	}

	now := s.now()
	job := &domain.AnalysisJob{
		ID:           uuid.New().String(),
		OwnerID:      in.OwnerID,
		TeacherID:    in.TeacherID,
		SourceType:   in.SourceType,
		AnalysisMode: mode,
		Status:       domain.JobStatusUploading,
		SourceURL:    sourceURL,
		Description:  strings.TrimSpace(in.Description),
		CreatedAt:    now,
	}
	if in.SourceType == domain.SourceYouTube {
		job.Status = domain.JobStatusUploaded
		job.UploadedAt = &now
	}

	if err := s.jobs.Create(ctx, job); err != nil {
		return nil, err
	}
	s.metrics.JobTransition(string(job.Status))

	s.log(ctx).WithFields(logger.Fields{
		logger.FieldJobID:  job.ID,
		logger.FieldSource: job.SourceType,
		logger.FieldStatus: job.Status,
		"analysis_mode":    job.AnalysisMode,
	}).Info("Job created")
	return job, nil
}

// ProcessJob requests analysis of an uploaded job. The queue hint is best
// effort; the analysis poll picks the job up either way.
func (s *JobService) ProcessJob(ctx context.Context, ownerID, jobID string) (*domain.AnalysisJob, error) {
	job, err := s.jobs.GetForOwner(ctx, jobID, ownerID)
	if err != nil {
		return nil, err
	}
	if err := s.transition(ctx, job, domain.JobStatusQueued); err != nil {
		return nil, err
	}

	// Only local media is useful to an external transcription worker.
	if job.SourceType == domain.SourceUpload || job.SourceType == domain.SourceGDrive {
		err := s.notifier.Publish(ctx, queue.Message{JobID: job.ID, AnalysisMode: job.AnalysisMode})
		s.metrics.QueuePublish(s.notifier.Name(), err)
		if err != nil {
			s.log(ctx).WithError(err).WithField(logger.FieldJobID, job.ID).
				Warn("Queue unavailable, job will be picked up by the analysis poll")
		}
	}

	s.log(ctx).WithField(logger.FieldJobID, job.ID).Info("Job queued for analysis")
	return job, nil
}

// GetJob returns a job owned by ownerID.
func (s *JobService) GetJob(ctx context.Context, ownerID, jobID string) (*domain.AnalysisJob, error) {
	return s.jobs.GetForOwner(ctx, jobID, ownerID)
}

// ListJobs returns the owner's newest jobs. limit is capped at the
// configured list limit.
func (s *JobService) ListJobs(ctx context.Context, ownerID string, limit int) ([]domain.AnalysisJob, error) {
	if limit <= 0 || limit > s.cfg.ListLimit {
		limit = s.cfg.ListLimit
	}
	return s.jobs.ListByOwner(ctx, ownerID, limit)
}

// DeleteJob removes a job in any state. The row is deleted first and the
// quota is released from the deleted row, so a repeated or concurrent
// delete finds nothing and releases nothing. File removal is best effort.
func (s *JobService) DeleteJob(ctx context.Context, ownerID, jobID string) error {
	job, err := s.jobs.DeleteForOwner(ctx, jobID, ownerID)
	if err != nil {
		return err
	}

	log := s.log(ctx).WithFields(logger.Fields{
		logger.FieldJobID:  job.ID,
		logger.FieldSize:   job.TotalBytes,
		logger.FieldStatus: job.Status,
	})
	cleanupCtx := context.WithoutCancel(ctx)
	if err := s.quota.Release(cleanupCtx, job.OwnerID, job.TotalBytes); err != nil {
		log.WithError(err).Error("Failed to release quota of deleted job")
	}
	if err := s.store.Delete(cleanupCtx, job.ID); err != nil {
		log.WithError(err).Warn("Failed to remove job files")
	}

	log.Info("Job deleted")
	return nil
}

// Quota returns the owner's quota projection.
func (s *JobService) Quota(ctx context.Context, ownerID string) (domain.QuotaView, error) {
	return s.quota.View(ctx, ownerID)
}

// OpenArtifact opens a file under one of the job's areas for range serving.
func (s *JobService) OpenArtifact(ctx context.Context, ownerID, jobID, area, name string) (storage.Object, error) {
	if _, err := s.jobs.GetForOwner(ctx, jobID, ownerID); err != nil {
		return nil, err
	}
	relPath, err := storage.AreaPath(area, name)
	if err != nil {
		return nil, domain.NewError(domain.KindValidation, "invalid file name %q", name)
	}
	obj, err := s.store.Open(ctx, jobID, relPath)
	if errors.Is(err, storage.ErrNotExist) {
		return nil, domain.NewError(domain.KindNotFound, "%s not found", relPath)
	}
	return obj, err
}

// transition persists job's move to next, conditional on the status it was
// read in. job is left untouched when the move is refused.
func (s *JobService) transition(ctx context.Context, job *domain.AnalysisJob, next domain.JobStatus) error {
	return advance(ctx, s.jobs, s.metrics, job, next, s.now())
}

func advance(ctx context.Context, jobs JobStore, m *metrics.Metrics, job *domain.AnalysisJob, next domain.JobStatus, now time.Time) error {
	prev := *job
	if err := job.TransitionTo(next, now); err != nil {
		return err
	}
	if err := jobs.UpdateFrom(ctx, job, prev.Status); err != nil {
		*job = prev
		return err
	}
	m.JobTransition(string(next))
	return nil
}
