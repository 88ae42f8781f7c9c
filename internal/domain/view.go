package domain

import (
	"encoding/json"
	"time"
)

// JobView is the public projection of an AnalysisJob. It never carries
// filesystem locations.
type JobView struct {
	ID                string          `json:"id"`
	Status            JobStatus       `json:"status"`
	AnalysisMode      AnalysisMode    `json:"analysisMode"`
	SourceType        SourceType      `json:"sourceType"`
	TeacherID         *string         `json:"teacherId"`
	OriginalFilename  string          `json:"originalFilename,omitempty"`
	MimeType          string          `json:"mimeType,omitempty"`
	SourceURL         string          `json:"sourceUrl,omitempty"`
	Description       string          `json:"description,omitempty"`
	RawBytes          int64           `json:"rawBytes"`
	FramesBytes       int64           `json:"framesBytes"`
	TotalBytes        int64           `json:"totalBytes"`
	ImageCount        int             `json:"imageCount"`
	ErrorMessage      string          `json:"errorMessage,omitempty"`
	HasTranscript     bool            `json:"hasTranscript"`
	HasFrames         bool            `json:"hasFrames"`
	HasReport         bool            `json:"hasReport"`
	HasCover          bool            `json:"hasCover"`
	TranscriptSummary string          `json:"transcriptSummary,omitempty"`
	AnalysisReport    json.RawMessage `json:"analysisReport"`
	EvaluationResult  json.RawMessage `json:"evaluationResult"`
	AIAdvice          string          `json:"aiAdvice,omitempty"`
	FramesExpiresAt   *time.Time      `json:"framesExpiresAt"`
	FramesDeletedAt   *time.Time      `json:"framesDeletedAt"`
	CreatedAt         time.Time       `json:"createdAt"`
	UploadedAt        *time.Time      `json:"uploadedAt"`
	QueuedAt          *time.Time      `json:"queuedAt"`
	AnalysisDoneAt    *time.Time      `json:"analysisDoneAt"`
	DoneAt            *time.Time      `json:"doneAt"`
}

// View projects the job for API consumers.
func (j *AnalysisJob) View() JobView {
	return JobView{
		ID:                j.ID,
		Status:            j.Status,
		AnalysisMode:      j.AnalysisMode,
		SourceType:        j.SourceType,
		TeacherID:         j.TeacherID,
		OriginalFilename:  j.OriginalFilename,
		MimeType:          j.MimeType,
		SourceURL:         j.SourceURL,
		Description:       j.Description,
		RawBytes:          j.RawBytes,
		FramesBytes:       j.FramesBytes,
		TotalBytes:        j.TotalBytes,
		ImageCount:        j.ImageCount,
		ErrorMessage:      j.ErrorMessage,
		HasTranscript:     j.HasTranscript,
		HasFrames:         j.HasFrames,
		HasReport:         j.HasReport,
		HasCover:          j.HasCover,
		TranscriptSummary: j.TranscriptSummary,
		AnalysisReport:    rawOrNull(j.AnalysisReport),
		EvaluationResult:  rawOrNull(j.EvaluationResult),
		AIAdvice:          j.AIAdvice,
		FramesExpiresAt:   j.FramesExpiresAt,
		FramesDeletedAt:   j.FramesDeletedAt,
		CreatedAt:         j.CreatedAt,
		UploadedAt:        j.UploadedAt,
		QueuedAt:          j.QueuedAt,
		AnalysisDoneAt:    j.AnalysisDoneAt,
		DoneAt:            j.DoneAt,
	}
}

func rawOrNull(b []byte) json.RawMessage {
	if len(b) == 0 {
		return json.RawMessage("null")
	}
	return json.RawMessage(b)
}
