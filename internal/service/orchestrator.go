package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/timmy/teachermon/internal/ai"
	"github.com/timmy/teachermon/internal/domain"
	"github.com/timmy/teachermon/internal/logger"
	"github.com/timmy/teachermon/internal/metrics"
	"github.com/timmy/teachermon/internal/prompts"
	"github.com/timmy/teachermon/internal/storage"
	"gorm.io/datatypes"
)

const (
	transcriptJSONPath = "artifacts/transcript.json"
	transcriptTextPath = "artifacts/transcript.txt"
	transcriptSRTPath  = "artifacts/transcript.srt"
	reportPath         = "artifacts/report.json"
)

// OrchestratorConfig holds the analysis poll settings.
type OrchestratorConfig struct {
	BatchSize       int
	FramesRetention time.Duration
}

// Orchestrator drives queued jobs through transcription and analysis.
type Orchestrator struct {
	jobs     JobStore
	quota    *QuotaService
	store    storage.ArtifactStore
	provider ai.Provider
	metrics  *metrics.Metrics
	logger   *logger.Logger
	cfg      OrchestratorConfig
	now      func() time.Time
}

// NewOrchestrator creates a new Orchestrator.
func NewOrchestrator(
	jobs JobStore,
	quota *QuotaService,
	store storage.ArtifactStore,
	provider ai.Provider,
	m *metrics.Metrics,
	log *logger.Logger,
	cfg *OrchestratorConfig,
) *Orchestrator {
	c := *cfg
	if c.BatchSize <= 0 {
		c.BatchSize = 3
	}
	if c.FramesRetention <= 0 {
		c.FramesRetention = 365 * 24 * time.Hour
	}
	return &Orchestrator{
		jobs:     jobs,
		quota:    quota,
		store:    store,
		provider: provider,
		metrics:  m,
		logger:   log,
		cfg:      c,
		now:      time.Now,
	}
}

// log returns a logger from context if available, otherwise returns the default logger
func (o *Orchestrator) log(ctx context.Context) *logger.Logger {
	if l := logger.FromContext(ctx); l != nil {
		return l
	}
	return o.logger
}

// TickStats holds statistics for one analysis poll tick.
type TickStats struct {
	Picked    int
	Done      int
	Failed    int
	Discarded int
	StartTime time.Time
	EndTime   time.Time
}

type jobResult int

const (
	resultDone jobResult = iota
	resultFailed
	resultDiscarded
)

func (s *TickStats) add(r jobResult) {
	s.Picked++
	switch r {
	case resultDone:
		s.Done++
	case resultFailed:
		s.Failed++
	case resultDiscarded:
		s.Discarded++
	}
}

// RunPendingAnalysis processes up to BatchSize QUEUED jobs, oldest first,
// then up to BatchSize jobs whose transcript was produced by an external
// worker. Jobs run one after another; a failing job never stops the tick.
func (o *Orchestrator) RunPendingAnalysis(ctx context.Context) (*TickStats, error) {
	ctx = logger.SetComponent(ctx, "orchestrator")
	stats := &TickStats{StartTime: time.Now()}
	defer func() {
		stats.EndTime = time.Now()
		o.metrics.ObserveTick(stats.EndTime.Sub(stats.StartTime))
	}()

	passes := []struct {
		status domain.JobStatus
		run    func(context.Context, *domain.AnalysisJob) error
	}{
		{domain.JobStatusQueued, o.analyzeQueued},
		{domain.JobStatusASRDone, o.analyzeTranscribed},
	}
	for _, pass := range passes {
		jobs, err := o.jobs.ListByStatus(ctx, pass.status, o.cfg.BatchSize)
		if err != nil {
			return stats, fmt.Errorf("failed to list %s jobs: %w", pass.status, err)
		}
		for i := range jobs {
			if ctx.Err() != nil {
				return stats, ctx.Err()
			}
			stats.add(o.runGuarded(ctx, &jobs[i], pass.run))
		}
	}

	if stats.Picked > 0 {
		o.log(ctx).WithFields(logger.Fields{
			"picked":    stats.Picked,
			"done":      stats.Done,
			"failed":    stats.Failed,
			"discarded": stats.Discarded,
			"duration":  time.Since(stats.StartTime).String(),
		}).Info("Analysis tick completed")
	}
	return stats, nil
}

// runGuarded runs one job step, converting errors and panics into a FAILED
// job. Results for jobs deleted mid-flight are discarded.
func (o *Orchestrator) runGuarded(ctx context.Context, job *domain.AnalysisJob, run func(context.Context, *domain.AnalysisJob) error) (result jobResult) {
	ctx = logger.SetJobID(ctx, job.ID)
	ctx = logger.SetOwnerID(ctx, job.OwnerID)

	defer func() {
		if r := recover(); r != nil {
			o.log(ctx).WithField("panic", r).Error("Analysis panicked")
			result = o.fail(ctx, job, fmt.Errorf("internal error: %v", r))
		}
	}()

	err := run(ctx, job)
	switch {
	case err == nil:
		return resultDone
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrAborted):
		o.discard(ctx, job)
		return resultDiscarded
	case errors.Is(err, domain.ErrInvalidState):
		o.log(ctx).WithError(err).Warn("Job changed state during analysis, leaving it alone")
		return resultDiscarded
	default:
		return o.fail(ctx, job, err)
	}
}

// discard drops the work of a job that was deleted while it ran and removes
// any artifacts written after the deletion.
func (o *Orchestrator) discard(ctx context.Context, job *domain.AnalysisJob) {
	o.log(ctx).Info("Job was deleted during analysis, discarding result")
	if err := o.store.Delete(context.WithoutCancel(ctx), job.ID); err != nil {
		o.log(ctx).WithError(err).Warn("Failed to remove files of deleted job")
	}
}

func (o *Orchestrator) fail(ctx context.Context, job *domain.AnalysisJob, cause error) jobResult {
	ctx = context.WithoutCancel(ctx)
	from := job.Status
	if err := job.Fail(cause.Error(), o.now()); err != nil {
		o.log(ctx).WithError(err).Error("Cannot mark job failed")
		return resultFailed
	}
	if err := o.jobs.UpdateFrom(ctx, job, from); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			o.discard(ctx, job)
			return resultDiscarded
		}
		o.log(ctx).WithError(err).Error("Failed to record job failure")
		return resultFailed
	}
	o.metrics.JobTransition(string(domain.JobStatusFailed))
	o.log(ctx).WithError(cause).WithField(logger.FieldStatus, from).Error("Analysis failed")
	return resultFailed
}

func (o *Orchestrator) advance(ctx context.Context, job *domain.AnalysisJob, next domain.JobStatus) error {
	if err := advance(ctx, o.jobs, o.metrics, job, next, o.now()); err != nil {
		return err
	}
	o.log(ctx).WithField(logger.FieldStatus, next).Debug("Job advanced")
	return nil
}

// analyzeQueued is the direct analysis path. It routes by source type:
// YouTube links go to the provider as a URL, image sets as inline images,
// and a single stored file as media, with transcription first for video.
func (o *Orchestrator) analyzeQueued(ctx context.Context, job *domain.AnalysisJob) error {
	var text string
	var err error

	switch job.SourceType {
	case domain.SourceYouTube:
		if err := o.advance(ctx, job, domain.JobStatusAnalyzing); err != nil {
			return err
		}
		text, err = o.callAI(ctx, "youtube_analysis", func(ctx context.Context) (string, error) {
			return o.provider.GenerateText(ctx, prompts.YouTubeAnalysis(job.SourceURL, job.Description))
		})

	case domain.SourceImages:
		text, err = o.analyzeImages(ctx, job)

	default:
		text, err = o.analyzeMedia(ctx, job)
	}
	if err != nil {
		return err
	}
	return o.complete(ctx, job, text)
}

func (o *Orchestrator) analyzeImages(ctx context.Context, job *domain.AnalysisJob) (string, error) {
	files, err := storage.ListRaw(ctx, o.store, job.ID)
	if err != nil {
		return "", err
	}
	if len(files) == 0 {
		return "", errors.New("no images stored for this job")
	}

	images := make([]ai.Media, 0, len(files))
	for _, f := range files {
		local, release, err := o.store.LocalPath(ctx, job.ID, storage.AreaRaw+"/"+f.Name)
		if err != nil {
			return "", fmt.Errorf("failed to open %s: %w", f.Name, err)
		}
		defer release()
		mt, err := mimetype.DetectFile(local)
		if err != nil {
			return "", fmt.Errorf("failed to inspect %s: %w", f.Name, err)
		}
		images = append(images, ai.Media{Path: local, MimeType: mt.String()})
	}

	if err := o.advance(ctx, job, domain.JobStatusAnalyzing); err != nil {
		return "", err
	}
	return o.callAI(ctx, "images_analysis", func(ctx context.Context) (string, error) {
		return o.provider.GenerateWithMultipleImages(ctx, prompts.ImagesAnalysis(len(images), job.Description), images)
	})
}

func (o *Orchestrator) analyzeMedia(ctx context.Context, job *domain.AnalysisJob) (string, error) {
	files, err := storage.ListRaw(ctx, o.store, job.ID)
	if err != nil {
		return "", err
	}
	if len(files) == 0 {
		return "", errors.New("no media stored for this job")
	}
	local, release, err := o.store.LocalPath(ctx, job.ID, storage.AreaRaw+"/"+files[0].Name)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", files[0].Name, err)
	}
	defer release()

	mimeType := job.MimeType
	if mimeType == "" {
		mt, err := mimetype.DetectFile(local)
		if err != nil {
			return "", fmt.Errorf("failed to inspect %s: %w", files[0].Name, err)
		}
		mimeType = mt.String()
	}
	abort := ai.WithAbortCheck(o.abortCheck(job.ID))

	if !strings.HasPrefix(mimeType, "video/") {
		if err := o.advance(ctx, job, domain.JobStatusAnalyzing); err != nil {
			return "", err
		}
		return o.callAI(ctx, "image_analysis", func(ctx context.Context) (string, error) {
			return o.provider.GenerateWithMedia(ctx, prompts.ImageAnalysis(job.Description), local, mimeType, abort)
		})
	}

	if err := o.advance(ctx, job, domain.JobStatusProcessingASR); err != nil {
		return "", err
	}
	transcript, err := o.transcribe(logger.SetStage(ctx, "transcribe"), job, local, mimeType)
	if err != nil {
		return "", err
	}
	if err := o.advance(ctx, job, domain.JobStatusAnalyzing); err != nil {
		return "", err
	}
	return o.callAI(logger.SetStage(ctx, "analyze"), "video_analysis", func(ctx context.Context) (string, error) {
		return o.provider.GenerateWithMedia(ctx, prompts.VideoAnalysis(job.Description, transcript), local, mimeType, abort)
	})
}

// transcribe asks the provider for a timed transcript and stores it. Apart
// from a disabled provider or a deleted job, failures only cost the
// transcript: analysis continues without it.
func (o *Orchestrator) transcribe(ctx context.Context, job *domain.AnalysisJob, local, mimeType string) (string, error) {
	raw, err := o.callAI(ctx, "transcription", func(ctx context.Context) (string, error) {
		return o.provider.GenerateWithMedia(ctx, prompts.Transcription, local, mimeType, ai.WithAbortCheck(o.abortCheck(job.ID)))
	})
	if err != nil {
		if errors.Is(err, domain.ErrProviderDisabled) || errors.Is(err, domain.ErrAborted) || ctx.Err() != nil {
			return "", err
		}
		o.log(ctx).WithError(err).Warn("Transcription failed, continuing without transcript")
		return "", nil
	}

	transcript := parseTranscript(raw)
	text := strings.TrimSpace(transcript.Text())
	if text == "" {
		o.log(ctx).Info("No speech found in media")
		return "", nil
	}
	if transcript.Meta == nil {
		transcript.Meta = map[string]interface{}{}
	}
	transcript.Meta["model"] = o.provider.Model()

	if err := o.writeTranscript(ctx, job.ID, transcript); err != nil {
		o.log(ctx).WithError(err).Warn("Failed to store transcript, continuing without it")
		return text, nil
	}
	job.HasTranscript = true

	o.log(ctx).WithFields(logger.Fields{
		"segments": len(transcript.Segments),
		"chars":    len([]rune(text)),
	}).Info("Transcript stored")
	return text, nil
}

func (o *Orchestrator) writeTranscript(ctx context.Context, jobID string, t *domain.Transcript) error {
	data, err := prettyJSON(t)
	if err != nil {
		return err
	}
	if _, err := o.store.Write(ctx, jobID, transcriptJSONPath, strings.NewReader(string(data))); err != nil {
		return err
	}
	if _, err := o.store.Write(ctx, jobID, transcriptTextPath, strings.NewReader(transcriptText(t))); err != nil {
		return err
	}
	if len(t.Segments) > 0 {
		if _, err := o.store.Write(ctx, jobID, transcriptSRTPath, strings.NewReader(transcriptSRT(t))); err != nil {
			return err
		}
	}
	return nil
}

// analyzeTranscribed is the path for jobs an external worker moved to
// ASR_DONE after writing transcript.json.
func (o *Orchestrator) analyzeTranscribed(ctx context.Context, job *domain.AnalysisJob) error {
	data, err := o.store.Read(ctx, job.ID, transcriptJSONPath)
	if errors.Is(err, storage.ErrNotExist) {
		return errors.New("transcript file not found")
	}
	if err != nil {
		return fmt.Errorf("failed to read transcript: %w", err)
	}
	var transcript domain.Transcript
	if err := json.Unmarshal(data, &transcript); err != nil {
		return domain.WrapError(domain.KindMalformedResponse, err, "transcript file is not valid JSON")
	}
	text := strings.TrimSpace(transcript.Text())
	if text == "" {
		return errors.New("transcript is empty")
	}
	job.HasTranscript = true

	if err := o.advance(ctx, job, domain.JobStatusAnalyzing); err != nil {
		return err
	}
	out, err := o.callAI(logger.SetStage(ctx, "analyze"), "transcript_analysis", func(ctx context.Context) (string, error) {
		return o.provider.GenerateText(ctx, prompts.TranscriptAnalysis(text, job.Description))
	})
	if err != nil {
		return err
	}
	return o.complete(ctx, job, out)
}

// complete stores the report, reconciles frames written by an external
// worker and moves the job to DONE. Frame bytes are charged only after the
// conditional DONE update, so they are charged once.
func (o *Orchestrator) complete(ctx context.Context, job *domain.AnalysisJob, text string) error {
	ctx = logger.SetStage(ctx, "persist")
	outcome := interpretAnalysis(text)
	report := reportOf(outcome)
	if outcome.Kind == domain.OutcomeDegraded {
		o.log(ctx).WithField("chars", len([]rune(text))).Warn("Provider response is not report JSON, storing degraded report")
	}

	pretty, err := prettyJSON(report)
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	if _, err := o.store.Write(ctx, job.ID, reportPath, strings.NewReader(string(pretty))); err != nil {
		return fmt.Errorf("failed to store report: %w", err)
	}
	compact, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	indicators, err := marshalIndicators(report.Indicators)
	if err != nil {
		return fmt.Errorf("failed to encode indicators: %w", err)
	}

	// Frames state is only persisted together with DONE; a failure row must
	// not claim bytes that were never charged.
	framesBytes, hasFrames, framesExpiresAt := job.FramesBytes, job.HasFrames, job.FramesExpiresAt
	restoreFrames := func() {
		job.SetFramesBytes(framesBytes)
		job.HasFrames = hasFrames
		job.FramesExpiresAt = framesExpiresAt
	}

	now := o.now()
	job.HasReport = true
	job.AnalysisReport = datatypes.JSON(compact)
	job.EvaluationResult = datatypes.JSON(indicators)
	job.TranscriptSummary = report.Summary
	job.AIAdvice = report.Advice
	job.ErrorMessage = ""
	if job.AnalysisMode == domain.ModeFull {
		expires := now.Add(o.cfg.FramesRetention)
		job.FramesExpiresAt = &expires
	}

	newFrames, err := o.reconcileFrames(ctx, job)
	if err != nil {
		restoreFrames()
		return err
	}
	if err := o.advance(ctx, job, domain.JobStatusDone); err != nil {
		restoreFrames()
		return err
	}
	if newFrames > 0 {
		if err := o.quota.Charge(ctx, job.OwnerID, newFrames); err != nil {
			o.log(ctx).WithError(err).WithField(logger.FieldSize, newFrames).Error("Failed to charge frames to quota")
		}
	}

	o.log(ctx).WithFields(logger.Fields{
		"degraded":         outcome.Kind == domain.OutcomeDegraded,
		"has_transcript":   job.HasTranscript,
		"frames_bytes":     job.FramesBytes,
		logger.FieldSource: job.SourceType,
	}).Info("Analysis done")
	return nil
}

// reconcileFrames records frames an external worker wrote under frames/
// and returns the bytes not yet accounted for.
func (o *Orchestrator) reconcileFrames(ctx context.Context, job *domain.AnalysisJob) (int64, error) {
	if job.AnalysisMode != domain.ModeFull || job.FramesDeletedAt != nil {
		return 0, nil
	}
	files, err := o.store.List(ctx, job.ID, storage.AreaFrames)
	if err != nil {
		return 0, fmt.Errorf("failed to list frames: %w", err)
	}
	var total int64
	for _, f := range files {
		total += f.Size
	}
	if total <= job.FramesBytes {
		return 0, nil
	}
	added := total - job.FramesBytes
	job.SetFramesBytes(total)
	job.HasFrames = true
	return added, nil
}

// abortCheck stops provider file polling once the job row is gone.
func (o *Orchestrator) abortCheck(jobID string) ai.AbortCheck {
	return func(ctx context.Context) error {
		ok, err := o.jobs.Exists(ctx, jobID)
		if err != nil {
			o.log(ctx).WithError(err).Warn("Failed to check job existence, continuing")
			return nil
		}
		if !ok {
			return domain.NewError(domain.KindAborted, "job %s was deleted", jobID)
		}
		return nil
	}
}

// callAI runs one provider call and records its latency.
func (o *Orchestrator) callAI(ctx context.Context, operation string, call func(context.Context) (string, error)) (string, error) {
	start := time.Now()
	text, err := call(ctx)
	elapsed := time.Since(start)

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	o.metrics.ObserveAI(operation, outcome, elapsed)
	logger.With(logger.Fields{
		"operation": operation,
		"model":     o.provider.Model(),
		"outcome":   outcome,
	}).WithDuration(elapsed.Milliseconds()).Info(ctx, "AI call finished")
	return text, err
}
