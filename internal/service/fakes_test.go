package service

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/timmy/teachermon/internal/ai"
	"github.com/timmy/teachermon/internal/domain"
	"github.com/timmy/teachermon/internal/logger"
	"github.com/timmy/teachermon/internal/prompts"
	"github.com/timmy/teachermon/internal/queue"
	"github.com/timmy/teachermon/internal/source/gdrive"
	"github.com/timmy/teachermon/internal/storage"
)

// memJobs is an in-memory JobStore with the same conditional semantics as
// the gorm repository.
type memJobs struct {
	mu   sync.Mutex
	rows map[string]domain.AnalysisJob
}

func newMemJobs() *memJobs {
	return &memJobs{rows: map[string]domain.AnalysisJob{}}
}

func (m *memJobs) Create(ctx context.Context, job *domain.AnalysisJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[job.ID] = *job
	return nil
}

func (m *memJobs) GetByID(ctx context.Context, id string) (*domain.AnalysisJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.rows[id]
	if !ok {
		return nil, domain.NewError(domain.KindNotFound, "job %s not found", id)
	}
	return &job, nil
}

func (m *memJobs) GetForOwner(ctx context.Context, id, ownerID string) (*domain.AnalysisJob, error) {
	job, err := m.GetByID(ctx, id)
	if err != nil || job.OwnerID != ownerID {
		return nil, domain.NewError(domain.KindNotFound, "job %s not found", id)
	}
	return job, nil
}

func (m *memJobs) list(filter func(domain.AnalysisJob) bool, less func(a, b domain.AnalysisJob) bool, limit int) []domain.AnalysisJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.AnalysisJob
	for _, j := range m.rows {
		if filter(j) {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return less(out[i], out[k]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *memJobs) ListByOwner(ctx context.Context, ownerID string, limit int) ([]domain.AnalysisJob, error) {
	return m.list(func(j domain.AnalysisJob) bool { return j.OwnerID == ownerID },
		func(a, b domain.AnalysisJob) bool { return a.CreatedAt.After(b.CreatedAt) }, limit), nil
}

func (m *memJobs) ListByStatus(ctx context.Context, status domain.JobStatus, limit int) ([]domain.AnalysisJob, error) {
	return m.list(func(j domain.AnalysisJob) bool { return j.Status == status },
		func(a, b domain.AnalysisJob) bool { return a.CreatedAt.Before(b.CreatedAt) }, limit), nil
}

func (m *memJobs) ListExpiredFrames(ctx context.Context, now time.Time, limit int) ([]domain.AnalysisJob, error) {
	return m.list(func(j domain.AnalysisJob) bool { return j.FramesExpired(now) },
		func(a, b domain.AnalysisJob) bool { return a.FramesExpiresAt.Before(*b.FramesExpiresAt) }, limit), nil
}

func (m *memJobs) UpdateFrom(ctx context.Context, job *domain.AnalysisJob, from domain.JobStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.rows[job.ID]
	if !ok {
		return domain.NewError(domain.KindNotFound, "job %s no longer exists", job.ID)
	}
	if stored.Status != from {
		return domain.NewError(domain.KindInvalidState, "job %s is no longer %s", job.ID, from)
	}
	next := *job
	next.OwnerID = stored.OwnerID
	next.SourceType = stored.SourceType
	next.CreatedAt = stored.CreatedAt
	m.rows[job.ID] = next
	return nil
}

func (m *memJobs) DeleteForOwner(ctx context.Context, id, ownerID string) (*domain.AnalysisJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.rows[id]
	if !ok || job.OwnerID != ownerID {
		return nil, domain.NewError(domain.KindNotFound, "job %s not found", id)
	}
	delete(m.rows, id)
	return &job, nil
}

func (m *memJobs) MarkFramesPurged(ctx context.Context, id string, framesBytes int64, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.rows[id]
	if !ok || job.FramesDeletedAt != nil || !job.HasFrames || job.FramesBytes != framesBytes {
		return false, nil
	}
	job.PurgeFrames(now)
	m.rows[id] = job
	return true, nil
}

func (m *memJobs) Exists(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.rows[id]
	return ok, nil
}

func (m *memJobs) get(t *testing.T, id string) domain.AnalysisJob {
	t.Helper()
	job, err := m.GetByID(context.Background(), id)
	require.NoError(t, err)
	return *job
}

// memQuota is an in-memory QuotaStore.
type memQuota struct {
	mu   sync.Mutex
	rows map[string]*domain.MediaQuota
}

func newMemQuota() *memQuota {
	return &memQuota{rows: map[string]*domain.MediaQuota{}}
}

func (m *memQuota) GetOrCreate(ctx context.Context, ownerID string, defaultLimit int64) (*domain.MediaQuota, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.rows[ownerID]
	if !ok {
		q = &domain.MediaQuota{OwnerID: ownerID, LimitBytes: defaultLimit}
		m.rows[ownerID] = q
	}
	out := *q
	return &out, nil
}

func (m *memQuota) TryIncrement(ctx context.Context, ownerID string, bytes int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.rows[ownerID]
	if !ok || q.UsageBytes+bytes > q.LimitBytes {
		return false, nil
	}
	q.UsageBytes += bytes
	return true, nil
}

func (m *memQuota) Increment(ctx context.Context, ownerID string, bytes int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.rows[ownerID]; ok {
		q.UsageBytes += bytes
	}
	return nil
}

func (m *memQuota) Decrement(ctx context.Context, ownerID string, bytes int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.rows[ownerID]; ok {
		q.UsageBytes = max(0, q.UsageBytes-bytes)
	}
	return nil
}

func (m *memQuota) usage(owner string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.rows[owner]; ok {
		return q.UsageBytes
	}
	return 0
}

// fakeProvider answers transcription prompts with transcribe and every
// analysis prompt with analyze.
type fakeProvider struct {
	mu         sync.Mutex
	transcribe func() (string, error)
	analyze    func(prompt string) (string, error)
	calls      []string
	images     []ai.Media
}

const transcriptJSON = `{"fullText":"สวัสดีนักเรียน วันนี้เราจะเรียนเรื่องเศษส่วน","segments":[{"start":0,"end":2.5,"text":"สวัสดีนักเรียน"},{"start":2.5,"end":6,"text":"วันนี้เราจะเรียนเรื่องเศษส่วน"}]}`

const reportJSON = "```json\n" + `{
  "summary": "ครูอธิบายเศษส่วนชัดเจน",
  "strengths": ["ใช้สื่อประกอบ"],
  "improvements": ["เพิ่มคำถามปลายเปิด"],
  "teachingTechniques": ["สาธิต"],
  "studentEngagement": "สูง",
  "indicators": {"WP_1": "ดี", "ET_1": "ดีมาก"},
  "overallScore": "4/5",
  "advice": "ให้นักเรียนอภิปรายกลุ่ม"
}` + "\n```"

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		transcribe: func() (string, error) { return transcriptJSON, nil },
		analyze:    func(string) (string, error) { return reportJSON, nil },
	}
}

func (f *fakeProvider) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeProvider) GenerateText(ctx context.Context, prompt string) (string, error) {
	f.record("text")
	return f.analyze(prompt)
}

func (f *fakeProvider) GenerateWithMedia(ctx context.Context, prompt, filePath, mimeType string, opts ...ai.MediaOption) (string, error) {
	if prompt == prompts.Transcription {
		f.record("transcribe:" + mimeType)
		return f.transcribe()
	}
	f.record("media:" + mimeType)
	return f.analyze(prompt)
}

func (f *fakeProvider) GenerateWithMultipleImages(ctx context.Context, prompt string, images []ai.Media) (string, error) {
	f.record("images")
	f.mu.Lock()
	f.images = images
	f.mu.Unlock()
	return f.analyze(prompt)
}

func (f *fakeProvider) Model() string { return "fake-model" }

type fakeNotifier struct {
	msgs []queue.Message
	err  error
}

func (f *fakeNotifier) Publish(ctx context.Context, msg queue.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msg)
	return nil
}
func (f *fakeNotifier) Close() error { return nil }
func (f *fakeNotifier) Name() string { return "fake" }

// fakeDrive serves data and enforces the limit like the real downloader.
type fakeDrive struct {
	data []byte
	err  error
}

func (f *fakeDrive) Open(ctx context.Context, fileID string, limit int64) (io.ReadCloser, error) {
	if f.err != nil {
		return nil, f.err
	}
	if int64(len(f.data)) > limit {
		return io.NopCloser(io.MultiReader(bytes.NewReader(f.data[:limit]), errReader{gdrive.ErrLimitExceeded})), nil
	}
	return io.NopCloser(bytes.NewReader(f.data)), nil
}

type errReader struct{ err error }

func (e errReader) Read([]byte) (int, error) { return 0, e.err }

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}

// mp4Header is an ISO base media ftyp box, enough for MIME sniffing.
var mp4Header = []byte{0, 0, 0, 0x18, 'f', 't', 'y', 'p', 'i', 's', 'o', 'm', 0, 0, 2, 0, 'i', 's', 'o', 'm', 'm', 'p', '4', '1'}

// fakeVideo returns size bytes that sniff as video/mp4.
func fakeVideo(size int64) FileInput {
	return FileInput{
		Name:    "lesson.mp4",
		Size:    size,
		Content: io.MultiReader(bytes.NewReader(mp4Header), io.LimitReader(zeroReader{}, size-int64(len(mp4Header)))),
	}
}

func pngImage(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func imageInput(name string, data []byte) FileInput {
	return FileInput{Name: name, Size: int64(len(data)), Content: bytes.NewReader(data)}
}

// harness wires the services over in-memory stores and a temp directory.
type harness struct {
	jobs     *memJobs
	quotas   *memQuota
	store    *storage.LocalStore
	provider *fakeProvider
	notifier *fakeNotifier
	drive    *fakeDrive
	quota    *QuotaService
	svc      *JobService
	orch     *Orchestrator
	reaper   *Reaper
	clock    time.Time
}

const owner = "teacher-1"

func newHarness(t *testing.T, quotaLimit int64) *harness {
	t.Helper()
	store, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	h := &harness{
		jobs:     newMemJobs(),
		quotas:   newMemQuota(),
		store:    store,
		provider: newFakeProvider(),
		notifier: &fakeNotifier{},
		drive:    &fakeDrive{},
		clock:    time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	log := logger.GetDefault()
	h.quota = NewQuotaService(h.quotas, quotaLimit, nil)
	h.svc = NewJobService(h.jobs, h.quota, store, h.drive, h.notifier, nil, log, &JobConfig{
		MaxUploadBytes: 500 << 20,
		MaxImageBytes:  20 << 20,
		MaxImages:      5,
		ListLimit:      50,
	})
	h.orch = NewOrchestrator(h.jobs, h.quota, store, h.provider, nil, log, &OrchestratorConfig{
		BatchSize:       3,
		FramesRetention: 365 * 24 * time.Hour,
	})
	h.reaper = NewReaper(h.jobs, h.quota, store, nil, log)

	now := func() time.Time {
		h.clock = h.clock.Add(time.Second)
		return h.clock
	}
	h.svc.now = now
	h.orch.now = now
	return h
}

func (h *harness) create(t *testing.T, src domain.SourceType, mode domain.AnalysisMode, url string) *domain.AnalysisJob {
	t.Helper()
	job, err := h.svc.CreateJob(context.Background(), CreateJobInput{
		OwnerID:      owner,
		SourceType:   src,
		AnalysisMode: mode,
		SourceURL:    url,
		Description:  "ป.4 คณิตศาสตร์",
	})
	require.NoError(t, err)
	return job
}

func (h *harness) exists(t *testing.T, jobID, relPath string) bool {
	t.Helper()
	_, err := h.store.Read(context.Background(), jobID, relPath)
	return err == nil
}

func (h *harness) callsWith(prefix string) int {
	h.provider.mu.Lock()
	defer h.provider.mu.Unlock()
	n := 0
	for _, c := range h.provider.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}
