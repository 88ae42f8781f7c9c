package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/teachermon/internal/domain"
)

// queuedVideo uploads a video for a new UPLOAD job and queues it.
func (h *harness) queuedVideo(t *testing.T, mode domain.AnalysisMode, size int64) *domain.AnalysisJob {
	t.Helper()
	ctx := context.Background()
	job := h.create(t, domain.SourceUpload, mode, "")
	_, err := h.svc.UploadFile(ctx, owner, job.ID, fakeVideo(size))
	require.NoError(t, err)
	job, err = h.svc.ProcessJob(ctx, owner, job.ID)
	require.NoError(t, err)
	return job
}

func (h *harness) queuedYouTube(t *testing.T) *domain.AnalysisJob {
	t.Helper()
	job := h.create(t, domain.SourceYouTube, domain.ModeTextOnly, "https://www.youtube.com/watch?v=dQw4w9WgXcQ")
	job, err := h.svc.ProcessJob(context.Background(), owner, job.ID)
	require.NoError(t, err)
	return job
}

func (h *harness) writeFrames(t *testing.T, jobID string, sizes ...int) {
	t.Helper()
	for i, n := range sizes {
		name := fmt.Sprintf("frames/frame_%04d.jpg", i+1)
		_, err := h.store.Write(context.Background(), jobID, name, bytes.NewReader(make([]byte, n)))
		require.NoError(t, err)
	}
}

func (h *harness) tick(t *testing.T) *TickStats {
	t.Helper()
	stats, err := h.orch.RunPendingAnalysis(context.Background())
	require.NoError(t, err)
	return stats
}

func TestAnalyzeTextOnlyVideo(t *testing.T) {
	h := newHarness(t, 1<<30)
	job := h.queuedVideo(t, domain.ModeTextOnly, 4096)

	stats := h.tick(t)
	assert.Equal(t, 1, stats.Done)

	got := h.jobs.get(t, job.ID)
	assert.Equal(t, domain.JobStatusDone, got.Status)
	assert.True(t, got.HasReport)
	assert.True(t, got.HasTranscript)
	assert.Nil(t, got.FramesExpiresAt)
	assert.NotNil(t, got.DoneAt)
	assert.Equal(t, "ครูอธิบายเศษส่วนชัดเจน", got.TranscriptSummary)
	assert.Equal(t, "ให้นักเรียนอภิปรายกลุ่ม", got.AIAdvice)
	assert.JSONEq(t, `{"WP_1":"ดี","ET_1":"ดีมาก"}`, string(got.EvaluationResult))

	var report domain.Report
	require.NoError(t, json.Unmarshal(got.AnalysisReport, &report))
	assert.Equal(t, domain.Score(4), report.OverallScore)

	assert.Equal(t, 1, h.callsWith("transcribe:video/mp4"))
	assert.Equal(t, 1, h.callsWith("media:video/mp4"))
	for _, p := range []string{"artifacts/transcript.json", "artifacts/transcript.txt", "artifacts/transcript.srt", "artifacts/report.json"} {
		assert.True(t, h.exists(t, job.ID, p), p)
	}

	txt, err := h.store.Read(context.Background(), job.ID, "artifacts/transcript.txt")
	require.NoError(t, err)
	assert.Equal(t, "[00:00 - 00:02] สวัสดีนักเรียน\n[00:02 - 00:06] วันนี้เราจะเรียนเรื่องเศษส่วน\n", string(txt))

	var stored domain.Transcript
	data, err := h.store.Read(context.Background(), job.ID, "artifacts/transcript.json")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &stored))
	assert.Equal(t, "fake-model", stored.Meta["model"])
	assert.Len(t, stored.Segments, 2)

	assert.Zero(t, h.tick(t).Picked)
}

func TestAnalyzeImageSet(t *testing.T) {
	h := newHarness(t, 1<<30)
	ctx := context.Background()
	job := h.create(t, domain.SourceImages, "", "")
	_, err := h.svc.UploadImages(ctx, owner, job.ID, []FileInput{
		imageInput("a.png", pngImage(t, 16, 16)),
		imageInput("b.png", pngImage(t, 16, 16)),
		imageInput("c.png", pngImage(t, 16, 16)),
	})
	require.NoError(t, err)
	_, err = h.svc.ProcessJob(ctx, owner, job.ID)
	require.NoError(t, err)

	h.tick(t)

	got := h.jobs.get(t, job.ID)
	assert.Equal(t, domain.JobStatusDone, got.Status)
	require.NotNil(t, got.FramesExpiresAt)
	assert.Equal(t, got.DoneAt.Add(h.orch.cfg.FramesRetention).Add(-time.Second), *got.FramesExpiresAt)
	assert.Equal(t, 1, h.callsWith("images"))
	assert.Zero(t, h.callsWith("transcribe"))
	require.Len(t, h.provider.images, 3)
	for _, img := range h.provider.images {
		assert.Equal(t, "image/png", img.MimeType)
	}
	assert.Empty(t, h.notifier.msgs)
}

func TestAnalyzeYouTubeDegradedReport(t *testing.T) {
	h := newHarness(t, 1<<30)
	job := h.queuedYouTube(t)
	raw := "The lesson was engaging but the response is not JSON."
	h.provider.analyze = func(string) (string, error) { return raw, nil }

	h.tick(t)

	got := h.jobs.get(t, job.ID)
	assert.Equal(t, domain.JobStatusDone, got.Status)
	assert.Equal(t, raw, got.TranscriptSummary)
	assert.Equal(t, raw, got.AIAdvice)
	assert.Nil(t, got.EvaluationResult)
	assert.Equal(t, 1, h.callsWith("text"))
	assert.Zero(t, h.callsWith("transcribe"))

	data, err := h.store.Read(context.Background(), job.ID, "artifacts/report.json")
	require.NoError(t, err)
	var report domain.Report
	require.NoError(t, json.Unmarshal(data, &report))
	assert.Equal(t, []string{}, report.Strengths)
}

func TestTranscriptionFailureIsNotFatal(t *testing.T) {
	h := newHarness(t, 1<<30)
	job := h.queuedVideo(t, domain.ModeTextOnly, 4096)
	h.provider.transcribe = func() (string, error) { return "", errors.New("upstream returned 500") }

	h.tick(t)

	got := h.jobs.get(t, job.ID)
	assert.Equal(t, domain.JobStatusDone, got.Status)
	assert.False(t, got.HasTranscript)
	assert.False(t, h.exists(t, job.ID, "artifacts/transcript.json"))
	assert.Equal(t, 1, h.callsWith("media:video/mp4"))
}

func TestDisabledProviderFailsJob(t *testing.T) {
	h := newHarness(t, 1<<30)
	job := h.queuedVideo(t, domain.ModeTextOnly, 4096)
	h.provider.transcribe = func() (string, error) { return "", domain.ErrProviderDisabled }

	stats := h.tick(t)
	assert.Equal(t, 1, stats.Failed)

	got := h.jobs.get(t, job.ID)
	assert.Equal(t, domain.JobStatusFailed, got.Status)
	assert.NotEmpty(t, got.ErrorMessage)
	assert.Zero(t, h.callsWith("media"))
}

func TestJobDeletedDuringAnalysisIsDiscarded(t *testing.T) {
	h := newHarness(t, 1<<30)
	job := h.queuedVideo(t, domain.ModeFull, 4096)
	h.provider.analyze = func(string) (string, error) {
		require.NoError(t, h.svc.DeleteJob(context.Background(), owner, job.ID))
		return reportJSON, nil
	}

	stats := h.tick(t)

	assert.Equal(t, 1, stats.Discarded)
	_, err := h.jobs.GetByID(context.Background(), job.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.False(t, h.exists(t, job.ID, "artifacts/report.json"))
	assert.False(t, h.exists(t, job.ID, "artifacts/transcript.json"))
	assert.Equal(t, int64(0), h.quotas.usage(owner))
}

func TestPanicFailsOnlyThatJob(t *testing.T) {
	h := newHarness(t, 1<<30)
	first := h.queuedYouTube(t)
	second := h.queuedYouTube(t)
	var calls atomic.Int32
	h.provider.analyze = func(string) (string, error) {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		return reportJSON, nil
	}

	stats := h.tick(t)

	assert.Equal(t, 2, stats.Picked)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.Done)
	failed := h.jobs.get(t, first.ID)
	assert.Equal(t, domain.JobStatusFailed, failed.Status)
	assert.Contains(t, failed.ErrorMessage, "boom")
	assert.Equal(t, domain.JobStatusDone, h.jobs.get(t, second.ID).Status)
}

func TestTickHonoursBatchSize(t *testing.T) {
	h := newHarness(t, 1<<30)
	for i := 0; i < 4; i++ {
		h.queuedYouTube(t)
	}

	assert.Equal(t, 3, h.tick(t).Done)
	assert.Equal(t, 1, h.tick(t).Done)
	assert.Zero(t, h.tick(t).Picked)
}

// asrDone moves a queued job to ASR_DONE the way an external worker would.
func (h *harness) asrDone(t *testing.T, job *domain.AnalysisJob, transcript string) {
	t.Helper()
	ctx := context.Background()
	if transcript != "" {
		_, err := h.store.Write(ctx, job.ID, "artifacts/transcript.json", bytes.NewReader([]byte(transcript)))
		require.NoError(t, err)
	}
	stored := h.jobs.get(t, job.ID)
	require.NoError(t, stored.TransitionTo(domain.JobStatusProcessingASR, h.clock))
	require.NoError(t, h.jobs.UpdateFrom(ctx, &stored, domain.JobStatusQueued))
	require.NoError(t, stored.TransitionTo(domain.JobStatusASRDone, h.clock))
	require.NoError(t, h.jobs.UpdateFrom(ctx, &stored, domain.JobStatusProcessingASR))
}

func TestAnalyzeTranscribedChargesFrames(t *testing.T) {
	h := newHarness(t, 1<<30)
	job := h.queuedVideo(t, domain.ModeFull, 4096)
	h.asrDone(t, job, transcriptJSON)
	h.writeFrames(t, job.ID, 1000, 500)

	stats := h.tick(t)
	assert.Equal(t, 1, stats.Done)

	got := h.jobs.get(t, job.ID)
	assert.Equal(t, domain.JobStatusDone, got.Status)
	assert.True(t, got.HasFrames)
	assert.True(t, got.HasTranscript)
	assert.Equal(t, int64(1500), got.FramesBytes)
	assert.Equal(t, int64(4096+1500), got.TotalBytes)
	assert.Equal(t, int64(4096+1500), h.quotas.usage(owner))
	assert.NotNil(t, got.FramesExpiresAt)
	assert.Equal(t, 1, h.callsWith("text"))
	assert.Zero(t, h.callsWith("transcribe"))

	h.tick(t)
	assert.Equal(t, int64(4096+1500), h.quotas.usage(owner))
}

// flakyDone fails every write that would move a job to DONE.
type flakyDone struct {
	*memJobs
}

func (f *flakyDone) UpdateFrom(ctx context.Context, job *domain.AnalysisJob, from domain.JobStatus) error {
	if job.Status == domain.JobStatusDone {
		return errors.New("connection reset by peer")
	}
	return f.memJobs.UpdateFrom(ctx, job, from)
}

func TestFailedDoneWriteKeepsFramesUncharged(t *testing.T) {
	h := newHarness(t, 1<<30)
	job := h.queuedVideo(t, domain.ModeFull, 4096)
	h.asrDone(t, job, transcriptJSON)
	h.writeFrames(t, job.ID, 1000, 500)
	h.orch.jobs = &flakyDone{memJobs: h.jobs}

	stats := h.tick(t)
	assert.Equal(t, 1, stats.Failed)

	got := h.jobs.get(t, job.ID)
	assert.Equal(t, domain.JobStatusFailed, got.Status)
	assert.False(t, got.HasFrames)
	assert.Zero(t, got.FramesBytes)
	assert.Nil(t, got.FramesExpiresAt)
	assert.Equal(t, int64(4096), got.TotalBytes)
	assert.Equal(t, int64(4096), h.quotas.usage(owner))

	require.NoError(t, h.svc.DeleteJob(context.Background(), owner, job.ID))
	assert.Zero(t, h.quotas.usage(owner))
}

func TestAnalyzeTranscribedWithoutTranscriptFails(t *testing.T) {
	h := newHarness(t, 1<<30)
	job := h.queuedVideo(t, domain.ModeTextOnly, 4096)
	h.asrDone(t, job, "")

	h.tick(t)

	got := h.jobs.get(t, job.ID)
	assert.Equal(t, domain.JobStatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "transcript")
}
