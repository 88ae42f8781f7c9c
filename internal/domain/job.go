package domain

import (
	"time"

	"gorm.io/datatypes"
)

// SourceType is the ingestion channel of a job. Immutable after creation.
type SourceType string

const (
	SourceUpload  SourceType = "UPLOAD"
	SourceGDrive  SourceType = "GDRIVE"
	SourceYouTube SourceType = "YOUTUBE"
	SourceImages  SourceType = "IMAGES"
)

// Valid reports whether s is a known source type.
func (s SourceType) Valid() bool {
	switch s {
	case SourceUpload, SourceGDrive, SourceYouTube, SourceImages:
		return true
	}
	return false
}

// IsURLBased reports whether the source arrives as a link instead of bytes.
func (s SourceType) IsURLBased() bool {
	return s == SourceGDrive || s == SourceYouTube
}

// AnalysisMode selects transcript-only analysis or full analysis with frame retention.
type AnalysisMode string

const (
	ModeTextOnly AnalysisMode = "TEXT_ONLY"
	ModeFull     AnalysisMode = "FULL"
)

// Valid reports whether m is a known analysis mode.
func (m AnalysisMode) Valid() bool {
	return m == ModeTextOnly || m == ModeFull
}

// AnalysisJob is one submitted piece of teaching evidence and its state machine.
type AnalysisJob struct {
	ID           string       `gorm:"type:varchar(36);primaryKey"`
	OwnerID      string       `gorm:"type:varchar(64);not null;index:idx_jobs_owner_created,priority:1"`
	TeacherID    *string      `gorm:"type:varchar(64)"`
	SourceType   SourceType   `gorm:"type:varchar(16);not null"`
	AnalysisMode AnalysisMode `gorm:"type:varchar(16);not null"`
	Status       JobStatus    `gorm:"type:varchar(20);not null;index:idx_jobs_status_created,priority:1"`

	// TotalBytes is the quota-chargeable amount and always equals RawBytes + FramesBytes.
	RawBytes    int64 `gorm:"not null;default:0"`
	FramesBytes int64 `gorm:"not null;default:0"`
	TotalBytes  int64 `gorm:"not null;default:0"`
	ImageCount  int   `gorm:"not null;default:0"`

	OriginalFilename string `gorm:"type:varchar(255)"`
	MimeType         string `gorm:"type:varchar(128)"`
	SourceURL        string `gorm:"type:text"`
	Description      string `gorm:"type:text"`

	HasTranscript     bool   `gorm:"not null;default:false"`
	HasFrames         bool   `gorm:"not null;default:false;index"`
	HasReport         bool   `gorm:"not null;default:false"`
	HasCover          bool   `gorm:"not null;default:false"`
	TranscriptSummary string `gorm:"type:text"`
	AnalysisReport    datatypes.JSON
	EvaluationResult  datatypes.JSON
	AIAdvice          string `gorm:"type:text"`
	ErrorMessage      string `gorm:"type:text"`

	FramesExpiresAt *time.Time `gorm:"index"`
	FramesDeletedAt *time.Time

	CreatedAt      time.Time `gorm:"index:idx_jobs_owner_created,priority:2;index:idx_jobs_status_created,priority:2"`
	UploadedAt     *time.Time
	QueuedAt       *time.Time
	AnalysisDoneAt *time.Time
	DoneAt         *time.Time
	UpdatedAt      time.Time
}

// TableName returns the database table name for AnalysisJob.
func (AnalysisJob) TableName() string {
	return "analysis_jobs"
}

// TransitionTo moves the job to next and stamps the matching timestamp.
// Returns an INVALID_STATE error when the transition table forbids the move.
func (j *AnalysisJob) TransitionTo(next JobStatus, now time.Time) error {
	if !j.Status.CanTransitionTo(next) {
		return InvalidTransition(j.Status, next)
	}
	j.Status = next
	switch next {
	case JobStatusUploaded:
		j.UploadedAt = &now
	case JobStatusQueued:
		j.QueuedAt = &now
	case JobStatusDone:
		j.AnalysisDoneAt = &now
		j.DoneAt = &now
	}
	return nil
}

// Fail moves the job to FAILED with a human-readable reason.
func (j *AnalysisJob) Fail(reason string, now time.Time) error {
	if err := j.TransitionTo(JobStatusFailed, now); err != nil {
		return err
	}
	j.ErrorMessage = reason
	return nil
}

// SetRawBytes records the size of the stored source media.
func (j *AnalysisJob) SetRawBytes(n int64) {
	j.RawBytes = n
	j.TotalBytes = j.RawBytes + j.FramesBytes
}

// SetFramesBytes records the size of the derived frames.
func (j *AnalysisJob) SetFramesBytes(n int64) {
	j.FramesBytes = n
	j.TotalBytes = j.RawBytes + j.FramesBytes
}

// PurgeFrames marks the frames as deleted and returns the bytes freed.
func (j *AnalysisJob) PurgeFrames(now time.Time) int64 {
	freed := j.FramesBytes
	j.SetFramesBytes(0)
	j.HasFrames = false
	j.FramesDeletedAt = &now
	return freed
}

// FramesExpired reports whether the retention window of the frames has elapsed.
func (j *AnalysisJob) FramesExpired(now time.Time) bool {
	return j.HasFrames && j.FramesDeletedAt == nil && j.FramesExpiresAt != nil && !now.Before(*j.FramesExpiresAt)
}
