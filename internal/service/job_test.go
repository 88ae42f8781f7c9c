package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/teachermon/internal/domain"
	"github.com/timmy/teachermon/internal/storage"
)

func TestCreateJobInitialState(t *testing.T) {
	h := newHarness(t, 1<<30)

	upload := h.create(t, domain.SourceUpload, domain.ModeTextOnly, "")
	assert.Equal(t, domain.JobStatusUploading, upload.Status)
	assert.Nil(t, upload.UploadedAt)

	yt := h.create(t, domain.SourceYouTube, domain.ModeTextOnly, "https://youtu.be/dQw4w9WgXcQ")
	assert.Equal(t, domain.JobStatusUploaded, yt.Status)
	assert.NotNil(t, yt.UploadedAt)
	assert.Equal(t, "https://www.youtube.com/watch?v=dQw4w9WgXcQ", yt.SourceURL)

	images := h.create(t, domain.SourceImages, domain.ModeTextOnly, "")
	assert.Equal(t, domain.ModeFull, images.AnalysisMode)

	drive := h.create(t, domain.SourceGDrive, "", "https://drive.google.com/file/d/ABC123/view?usp=sharing")
	assert.Equal(t, domain.JobStatusUploading, drive.Status)
	assert.Equal(t, domain.ModeTextOnly, drive.AnalysisMode)
}

func TestCreateJobRejectsBadInput(t *testing.T) {
	h := newHarness(t, 1<<30)
	ctx := context.Background()

	_, err := h.svc.CreateJob(ctx, CreateJobInput{OwnerID: owner, SourceType: domain.SourceYouTube, SourceURL: "https://example.com/video"})
	assert.ErrorIs(t, err, domain.ErrInvalidSourceURL)

	_, err = h.svc.CreateJob(ctx, CreateJobInput{OwnerID: owner, SourceType: domain.SourceGDrive, SourceURL: "https://youtu.be/dQw4w9WgXcQ"})
	assert.ErrorIs(t, err, domain.ErrInvalidSourceURL)

	_, err = h.svc.CreateJob(ctx, CreateJobInput{OwnerID: owner, SourceType: "FTP"})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = h.svc.CreateJob(ctx, CreateJobInput{OwnerID: owner, SourceType: domain.SourceUpload, AnalysisMode: "AUDIO"})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestCreateJobFailsWhenQuotaIsUsedUp(t *testing.T) {
	h := newHarness(t, 100)
	require.NoError(t, h.quota.Reserve(context.Background(), owner, 100))

	_, err := h.svc.CreateJob(context.Background(), CreateJobInput{OwnerID: owner, SourceType: domain.SourceUpload})
	assert.ErrorIs(t, err, domain.ErrQuotaExceeded)
}

func TestUploadOverQuota(t *testing.T) {
	h := newHarness(t, 10<<20)
	job := h.create(t, domain.SourceUpload, domain.ModeTextOnly, "")

	_, err := h.svc.UploadFile(context.Background(), owner, job.ID, fakeVideo(15<<20))

	require.ErrorIs(t, err, domain.ErrQuotaExceeded)
	assert.Equal(t, domain.JobStatusUploading, h.jobs.get(t, job.ID).Status)
	assert.Equal(t, int64(0), h.quotas.usage(owner))
	files, err := storage.ListRaw(context.Background(), h.store, job.ID)
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestUploadStoresVideo(t *testing.T) {
	h := newHarness(t, 1<<30)
	job := h.create(t, domain.SourceUpload, domain.ModeTextOnly, "")

	got, err := h.svc.UploadFile(context.Background(), owner, job.ID, fakeVideo(2<<20))
	require.NoError(t, err)

	assert.Equal(t, domain.JobStatusUploaded, got.Status)
	assert.Equal(t, "video/mp4", got.MimeType)
	assert.Equal(t, "lesson.mp4", got.OriginalFilename)
	assert.Equal(t, int64(2<<20), got.RawBytes)
	assert.Equal(t, got.RawBytes+got.FramesBytes, got.TotalBytes)
	assert.Equal(t, int64(2<<20), h.quotas.usage(owner))
	assert.True(t, h.exists(t, job.ID, "raw/video.mp4"))

	_, err = h.svc.UploadFile(context.Background(), owner, job.ID, fakeVideo(1<<20))
	assert.ErrorIs(t, err, domain.ErrInvalidState)
	assert.Equal(t, int64(2<<20), h.quotas.usage(owner))
}

// staleJobs serves the row as it was when the snapshot was taken, the view
// of a request that read the job just before another request committed.
type staleJobs struct {
	*memJobs
	snapshot domain.AnalysisJob
}

func (s *staleJobs) GetForOwner(ctx context.Context, id, ownerID string) (*domain.AnalysisJob, error) {
	job := s.snapshot
	return &job, nil
}

func TestOverlappingUploadKeepsCommittedMedia(t *testing.T) {
	h := newHarness(t, 1<<30)
	ctx := context.Background()
	job := h.create(t, domain.SourceUpload, domain.ModeTextOnly, "")
	stale := &staleJobs{memJobs: h.jobs, snapshot: h.jobs.get(t, job.ID)}

	first, err := h.svc.UploadFile(ctx, owner, job.ID, fakeVideo(4096))
	require.NoError(t, err)
	require.Equal(t, domain.JobStatusUploaded, first.Status)

	h.svc.jobs = stale
	_, err = h.svc.UploadFile(ctx, owner, job.ID, fakeVideo(2048))
	require.ErrorIs(t, err, domain.ErrInvalidState)

	stored := h.jobs.get(t, job.ID)
	assert.Equal(t, domain.JobStatusUploaded, stored.Status)
	assert.Equal(t, int64(4096), stored.RawBytes)
	assert.Equal(t, int64(4096), h.quotas.usage(owner))
	data, err := h.store.Read(ctx, job.ID, "raw/video.mp4")
	require.NoError(t, err)
	assert.Len(t, data, 4096)

	incoming, err := h.store.List(ctx, job.ID, storage.AreaIncoming)
	require.NoError(t, err)
	assert.Empty(t, incoming)
}

func TestOverlappingDriveIngestKeepsCommittedMedia(t *testing.T) {
	h := newHarness(t, 1<<30)
	ctx := context.Background()
	job := h.create(t, domain.SourceGDrive, domain.ModeTextOnly, "https://drive.google.com/file/d/ABC123/view")
	stale := &staleJobs{memJobs: h.jobs, snapshot: h.jobs.get(t, job.ID)}
	winner := append(append([]byte{}, mp4Header...), bytes.Repeat([]byte{7}, 4096)...)
	h.drive.data = winner

	_, err := h.svc.IngestFromURL(ctx, owner, job.ID)
	require.NoError(t, err)

	h.svc.jobs = stale
	h.drive.data = append(append([]byte{}, mp4Header...), bytes.Repeat([]byte{9}, 100)...)
	_, err = h.svc.IngestFromURL(ctx, owner, job.ID)
	require.ErrorIs(t, err, domain.ErrInvalidState)

	data, err := h.store.Read(ctx, job.ID, "raw/video.mp4")
	require.NoError(t, err)
	assert.Equal(t, winner, data)
	assert.Equal(t, int64(len(winner)), h.jobs.get(t, job.ID).RawBytes)
	assert.Equal(t, int64(len(winner)), h.quotas.usage(owner))
}

func TestUploadValidatesBeforeWriting(t *testing.T) {
	h := newHarness(t, 1<<30)
	ctx := context.Background()
	job := h.create(t, domain.SourceUpload, domain.ModeTextOnly, "")

	_, err := h.svc.UploadFile(ctx, owner, job.ID, FileInput{Name: "big.mp4", Size: 501 << 20, Content: bytes.NewReader(nil)})
	assert.ErrorIs(t, err, domain.ErrFileTooLarge)

	text := []byte("just some notes, not a video")
	_, err = h.svc.UploadFile(ctx, owner, job.ID, FileInput{Name: "notes.txt", Size: int64(len(text)), Content: bytes.NewReader(text)})
	assert.ErrorIs(t, err, domain.ErrUnsupportedMediaType)

	assert.Equal(t, int64(0), h.quotas.usage(owner))
	assert.Equal(t, domain.JobStatusUploading, h.jobs.get(t, job.ID).Status)
}

func TestUploadRollsBackShortBody(t *testing.T) {
	h := newHarness(t, 1<<30)
	job := h.create(t, domain.SourceUpload, domain.ModeTextOnly, "")

	in := fakeVideo(1000)
	in.Size = 5000
	_, err := h.svc.UploadFile(context.Background(), owner, job.ID, in)

	require.Error(t, err)
	assert.Equal(t, int64(0), h.quotas.usage(owner))
	assert.False(t, h.exists(t, job.ID, "raw/video.mp4"))
	assert.Equal(t, domain.JobStatusUploading, h.jobs.get(t, job.ID).Status)
}

func TestUploadImages(t *testing.T) {
	h := newHarness(t, 1<<30)
	job := h.create(t, domain.SourceImages, "", "")

	files := []FileInput{
		imageInput("a.png", pngImage(t, 1200, 800)),
		imageInput("b.png", pngImage(t, 40, 40)),
		imageInput("c.png", pngImage(t, 64, 32)),
	}
	var total int64
	for _, f := range files {
		total += f.Size
	}

	got, err := h.svc.UploadImages(context.Background(), owner, job.ID, files)
	require.NoError(t, err)

	assert.Equal(t, domain.JobStatusUploaded, got.Status)
	assert.Equal(t, 3, got.ImageCount)
	assert.Equal(t, domain.ModeFull, got.AnalysisMode)
	assert.True(t, got.HasCover)
	assert.Equal(t, total, got.RawBytes)
	assert.Equal(t, total, h.quotas.usage(owner))

	raw, err := storage.ListRaw(context.Background(), h.store, job.ID)
	require.NoError(t, err)
	require.Len(t, raw, 3)
	assert.Equal(t, "image_1.png", raw[0].Name)
	assert.Equal(t, "image_3.png", raw[2].Name)

	cover, err := h.store.Read(context.Background(), job.ID, "artifacts/cover.jpg")
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0xD8}, cover[:2])
}

func TestUploadImagesRejectsBadSets(t *testing.T) {
	h := newHarness(t, 1<<30)
	ctx := context.Background()
	job := h.create(t, domain.SourceImages, "", "")
	img := pngImage(t, 8, 8)

	_, err := h.svc.UploadImages(ctx, owner, job.ID, nil)
	assert.ErrorIs(t, err, domain.ErrValidation)

	six := make([]FileInput, 6)
	for i := range six {
		six[i] = imageInput("x.png", img)
	}
	_, err = h.svc.UploadImages(ctx, owner, job.ID, six)
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = h.svc.UploadImages(ctx, owner, job.ID, []FileInput{{Name: "huge.png", Size: 21 << 20, Content: bytes.NewReader(img)}})
	assert.ErrorIs(t, err, domain.ErrFileTooLarge)

	// A PNG signature followed by garbage sniffs as an image but does not decode.
	broken := append([]byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}, bytes.Repeat([]byte{1}, 64)...)
	_, err = h.svc.UploadImages(ctx, owner, job.ID, []FileInput{imageInput("ok.png", img), imageInput("broken.png", broken)})
	assert.ErrorIs(t, err, domain.ErrUnsupportedMediaType)

	assert.Equal(t, int64(0), h.quotas.usage(owner))
	assert.Equal(t, domain.JobStatusUploading, h.jobs.get(t, job.ID).Status)
}

func TestIngestFromDrive(t *testing.T) {
	h := newHarness(t, 1<<30)
	job := h.create(t, domain.SourceGDrive, domain.ModeTextOnly, "https://drive.google.com/open?id=FILE42")
	h.drive.data = append(append([]byte{}, mp4Header...), bytes.Repeat([]byte{7}, 4096)...)

	got, err := h.svc.IngestFromURL(context.Background(), owner, job.ID)
	require.NoError(t, err)

	assert.Equal(t, domain.JobStatusUploaded, got.Status)
	assert.Equal(t, int64(len(h.drive.data)), got.RawBytes)
	assert.Equal(t, "video/mp4", got.MimeType)
	assert.Equal(t, int64(len(h.drive.data)), h.quotas.usage(owner))
	assert.True(t, h.exists(t, job.ID, "raw/video.mp4"))
}

func TestIngestFromDriveOverQuota(t *testing.T) {
	h := newHarness(t, 1000)
	job := h.create(t, domain.SourceGDrive, domain.ModeTextOnly, "https://drive.google.com/file/d/ABC123/view")
	h.drive.data = append(append([]byte{}, mp4Header...), bytes.Repeat([]byte{7}, 5000)...)

	_, err := h.svc.IngestFromURL(context.Background(), owner, job.ID)

	require.ErrorIs(t, err, domain.ErrQuotaExceeded)
	assert.False(t, h.exists(t, job.ID, "raw/video.mp4"))
	assert.Equal(t, int64(0), h.quotas.usage(owner))
	assert.Equal(t, domain.JobStatusUploading, h.jobs.get(t, job.ID).Status)
}

func TestIngestFromDrivePropagatesPrivateFile(t *testing.T) {
	h := newHarness(t, 1<<30)
	job := h.create(t, domain.SourceGDrive, domain.ModeTextOnly, "https://drive.google.com/file/d/ABC123/view")
	h.drive.err = domain.NewError(domain.KindInvalidSourceURL, "not shared")

	_, err := h.svc.IngestFromURL(context.Background(), owner, job.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidSourceURL)
}

func TestProcessJob(t *testing.T) {
	h := newHarness(t, 1<<30)
	ctx := context.Background()
	job := h.create(t, domain.SourceUpload, domain.ModeFull, "")

	_, err := h.svc.ProcessJob(ctx, owner, job.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	_, err = h.svc.UploadFile(ctx, owner, job.ID, fakeVideo(4096))
	require.NoError(t, err)

	got, err := h.svc.ProcessJob(ctx, owner, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusQueued, got.Status)
	assert.NotNil(t, got.QueuedAt)
	require.Len(t, h.notifier.msgs, 1)
	assert.Equal(t, job.ID, h.notifier.msgs[0].JobID)
	assert.Equal(t, domain.ModeFull, h.notifier.msgs[0].AnalysisMode)

	_, err = h.svc.ProcessJob(ctx, owner, job.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestProcessJobToleratesQueueOutage(t *testing.T) {
	h := newHarness(t, 1<<30)
	ctx := context.Background()
	h.notifier.err = errors.New("redis: connection refused")
	job := h.create(t, domain.SourceUpload, domain.ModeTextOnly, "")
	_, err := h.svc.UploadFile(ctx, owner, job.ID, fakeVideo(4096))
	require.NoError(t, err)

	got, err := h.svc.ProcessJob(ctx, owner, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusQueued, got.Status)
}

func TestProcessFailedJobIsRejected(t *testing.T) {
	h := newHarness(t, 1<<30)
	job := h.create(t, domain.SourceYouTube, domain.ModeTextOnly, "https://youtu.be/dQw4w9WgXcQ")
	stored := h.jobs.get(t, job.ID)
	require.NoError(t, stored.Fail("boom", h.clock))
	require.NoError(t, h.jobs.UpdateFrom(context.Background(), &stored, domain.JobStatusUploaded))

	_, err := h.svc.ProcessJob(context.Background(), owner, job.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestDeleteJobReleasesOnce(t *testing.T) {
	h := newHarness(t, 1<<30)
	ctx := context.Background()
	job := h.create(t, domain.SourceUpload, domain.ModeTextOnly, "")
	_, err := h.svc.UploadFile(ctx, owner, job.ID, fakeVideo(8192))
	require.NoError(t, err)
	require.NoError(t, h.quota.Reserve(ctx, owner, 100))

	require.NoError(t, h.svc.DeleteJob(ctx, owner, job.ID))
	assert.Equal(t, int64(100), h.quotas.usage(owner))
	assert.False(t, h.exists(t, job.ID, "raw/video.mp4"))

	err = h.svc.DeleteJob(ctx, owner, job.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, int64(100), h.quotas.usage(owner))
}

func TestJobsAreOwnerScoped(t *testing.T) {
	h := newHarness(t, 1<<30)
	ctx := context.Background()
	job := h.create(t, domain.SourceUpload, domain.ModeTextOnly, "")

	_, err := h.svc.GetJob(ctx, "someone-else", job.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.ErrorIs(t, h.svc.DeleteJob(ctx, "someone-else", job.ID), domain.ErrNotFound)

	others, err := h.svc.ListJobs(ctx, "someone-else", 0)
	require.NoError(t, err)
	assert.Empty(t, others)
}

func TestListJobsNewestFirst(t *testing.T) {
	h := newHarness(t, 1<<30)
	first := h.create(t, domain.SourceUpload, domain.ModeTextOnly, "")
	second := h.create(t, domain.SourceUpload, domain.ModeTextOnly, "")

	jobs, err := h.svc.ListJobs(context.Background(), owner, 500)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, second.ID, jobs[0].ID)
	assert.Equal(t, first.ID, jobs[1].ID)
}

func TestOpenArtifact(t *testing.T) {
	h := newHarness(t, 1<<30)
	ctx := context.Background()
	job := h.create(t, domain.SourceUpload, domain.ModeTextOnly, "")
	_, err := h.store.Write(ctx, job.ID, "artifacts/report.json", bytes.NewReader([]byte(`{"summary":"ok"}`)))
	require.NoError(t, err)

	obj, err := h.svc.OpenArtifact(ctx, owner, job.ID, storage.AreaArtifacts, "report.json")
	require.NoError(t, err)
	data, err := io.ReadAll(obj)
	require.NoError(t, err)
	require.NoError(t, obj.Close())
	assert.JSONEq(t, `{"summary":"ok"}`, string(data))

	_, err = h.svc.OpenArtifact(ctx, owner, job.ID, storage.AreaArtifacts, "../raw/video.mp4")
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = h.svc.OpenArtifact(ctx, owner, job.ID, storage.AreaArtifacts, "/etc/passwd")
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = h.svc.OpenArtifact(ctx, owner, job.ID, storage.AreaFrames, "frame_0001.jpg")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = h.svc.OpenArtifact(ctx, "someone-else", job.ID, storage.AreaArtifacts, "report.json")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
