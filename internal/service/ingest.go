package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"path"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/timmy/teachermon/internal/domain"
	"github.com/timmy/teachermon/internal/logger"
	"github.com/timmy/teachermon/internal/source/gdrive"
	"github.com/timmy/teachermon/internal/storage"
	_ "golang.org/x/image/webp"
)

// sniffLen is how much of a stream mimetype inspects.
const sniffLen = 3072

// FileInput is one uploaded file. Size is the declared length, checked
// before anything is written.
type FileInput struct {
	Name    string
	Size    int64
	Content io.Reader
}

// UploadFile stores the single media file of an UPLOAD job and moves it to
// UPLOADED. Quota is reserved before the write and returned if any later
// step fails.
func (s *JobService) UploadFile(ctx context.Context, ownerID, jobID string, in FileInput) (*domain.AnalysisJob, error) {
	job, err := s.jobs.GetForOwner(ctx, jobID, ownerID)
	if err != nil {
		return nil, err
	}
	if job.SourceType != domain.SourceUpload {
		return nil, domain.NewError(domain.KindValidation, "job %s takes no file upload (source %s)", job.ID, job.SourceType)
	}
	if job.Status != domain.JobStatusUploading {
		return nil, domain.InvalidTransition(job.Status, domain.JobStatusUploaded)
	}
	if in.Size <= 0 {
		return nil, domain.NewError(domain.KindValidation, "file is empty")
	}
	if in.Size > s.cfg.MaxUploadBytes {
		return nil, domain.NewError(domain.KindFileTooLarge, "file of %s exceeds the %s upload limit",
			humanize.IBytes(uint64(in.Size)), humanize.IBytes(uint64(s.cfg.MaxUploadBytes)))
	}

	mt, content, err := sniff(in.Content)
	if err != nil {
		return nil, err
	}
	var base string
	switch {
	case strings.HasPrefix(mt.String(), "video/"):
		base = "video"
	case strings.HasPrefix(mt.String(), "image/"):
		base = "image"
	default:
		return nil, domain.NewError(domain.KindUnsupportedMediaType, "%s is not a video or image", mt.String())
	}

	if err := s.quota.Reserve(ctx, ownerID, in.Size); err != nil {
		return nil, err
	}

	st := s.newStaging(ctx, job.ID)
	relPath := path.Join(storage.AreaRaw, base+extension(mt, in.Name))
	written, err := st.write(ctx, relPath, io.LimitReader(content, in.Size+1))
	if err == nil && written != in.Size {
		err = domain.NewError(domain.KindValidation, "received %d bytes, expected %d", written, in.Size)
	}
	if err != nil {
		s.rollback(ctx, job, in.Size, st)
		return nil, fmt.Errorf("failed to store upload: %w", err)
	}

	job.SetRawBytes(written)
	job.MimeType = mt.String()
	job.OriginalFilename = path.Base(in.Name)
	if err := s.commit(ctx, job, in.Size, st); err != nil {
		return nil, err
	}

	s.metrics.Ingested(string(job.SourceType), written)
	s.log(ctx).WithFields(logger.Fields{
		logger.FieldJobID: job.ID,
		logger.FieldSize:  written,
		"mime_type":       job.MimeType,
	}).Info("Upload stored")
	return job, nil
}

type imageUpload struct {
	data   []byte
	format string
	mime   string
	name   string
}

// UploadImages stores the 1..MaxImages images of an IMAGES job as
// raw/image_<n>.<ext>, renders a cover and moves the job to UPLOADED.
// Every image is validated before any byte is written.
func (s *JobService) UploadImages(ctx context.Context, ownerID, jobID string, files []FileInput) (*domain.AnalysisJob, error) {
	job, err := s.jobs.GetForOwner(ctx, jobID, ownerID)
	if err != nil {
		return nil, err
	}
	if job.SourceType != domain.SourceImages {
		return nil, domain.NewError(domain.KindValidation, "job %s takes no image set (source %s)", job.ID, job.SourceType)
	}
	if job.Status != domain.JobStatusUploading {
		return nil, domain.InvalidTransition(job.Status, domain.JobStatusUploaded)
	}
	if len(files) == 0 || len(files) > s.cfg.MaxImages {
		return nil, domain.NewError(domain.KindValidation, "between 1 and %d images are required, got %d", s.cfg.MaxImages, len(files))
	}

	uploads := make([]imageUpload, 0, len(files))
	var total int64
	for i, f := range files {
		if f.Size > s.cfg.MaxImageBytes {
			return nil, domain.NewError(domain.KindFileTooLarge, "image %d (%s) exceeds the %s image limit",
				i+1, humanize.IBytes(uint64(f.Size)), humanize.IBytes(uint64(s.cfg.MaxImageBytes)))
		}
		u, err := s.readImage(f, i+1)
		if err != nil {
			return nil, err
		}
		total += int64(len(u.data))
		uploads = append(uploads, u)
	}

	if err := s.quota.Reserve(ctx, ownerID, total); err != nil {
		return nil, err
	}

	st := s.newStaging(ctx, job.ID)
	for i, u := range uploads {
		relPath := fmt.Sprintf("%s/image_%d.%s", storage.AreaRaw, i+1, u.format)
		if _, err := st.write(ctx, relPath, bytes.NewReader(u.data)); err != nil {
			s.rollback(ctx, job, total, st)
			return nil, fmt.Errorf("failed to store image %d: %w", i+1, err)
		}
	}

	if err := stageCover(ctx, st, uploads[0].data); err != nil {
		s.log(ctx).WithError(err).WithField(logger.FieldJobID, job.ID).Warn("Failed to render cover")
		st.drop(coverPath)
	} else {
		job.HasCover = true
	}

	job.ImageCount = len(uploads)
	job.AnalysisMode = domain.ModeFull
	job.SetRawBytes(total)
	job.MimeType = uploads[0].mime
	job.OriginalFilename = uploads[0].name
	if err := s.commit(ctx, job, total, st); err != nil {
		return nil, err
	}

	s.metrics.Ingested(string(job.SourceType), total)
	s.log(ctx).WithFields(logger.Fields{
		logger.FieldJobID: job.ID,
		logger.FieldCount: job.ImageCount,
		logger.FieldSize:  total,
	}).Info("Images stored")
	return job, nil
}

// readImage buffers one image and checks that it decodes.
func (s *JobService) readImage(f FileInput, n int) (imageUpload, error) {
	data, err := io.ReadAll(io.LimitReader(f.Content, s.cfg.MaxImageBytes+1))
	if err != nil {
		return imageUpload{}, fmt.Errorf("failed to read image %d: %w", n, err)
	}
	if int64(len(data)) > s.cfg.MaxImageBytes {
		return imageUpload{}, domain.NewError(domain.KindFileTooLarge, "image %d exceeds the %s image limit",
			n, humanize.IBytes(uint64(s.cfg.MaxImageBytes)))
	}
	if len(data) == 0 {
		return imageUpload{}, domain.NewError(domain.KindValidation, "image %d is empty", n)
	}
	mt := mimetype.Detect(data)
	if !strings.HasPrefix(mt.String(), "image/") {
		return imageUpload{}, domain.NewError(domain.KindUnsupportedMediaType, "file %d is %s, not an image", n, mt.String())
	}
	_, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return imageUpload{}, domain.WrapError(domain.KindUnsupportedMediaType, err, "image %d cannot be decoded", n)
	}
	if format == "jpeg" {
		format = "jpg"
	}
	return imageUpload{data: data, format: format, mime: mt.String(), name: path.Base(f.Name)}, nil
}

// IngestFromURL downloads the Drive file of a GDRIVE job into
// raw/video.mp4. The stream is cut off as soon as it passes the smaller of
// the remaining quota and the upload cap; the reservation made afterwards
// is the authoritative check.
func (s *JobService) IngestFromURL(ctx context.Context, ownerID, jobID string) (*domain.AnalysisJob, error) {
	job, err := s.jobs.GetForOwner(ctx, jobID, ownerID)
	if err != nil {
		return nil, err
	}
	if job.SourceType != domain.SourceGDrive {
		return nil, domain.NewError(domain.KindValidation, "job %s has no downloadable link (source %s)", job.ID, job.SourceType)
	}
	if job.Status != domain.JobStatusUploading {
		return nil, domain.InvalidTransition(job.Status, domain.JobStatusUploaded)
	}
	fileID, err := gdrive.ParseFileID(job.SourceURL)
	if err != nil {
		return nil, err
	}

	remaining, err := s.quota.Remaining(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	limit := min(remaining, s.cfg.MaxUploadBytes)
	overLimit := func() error {
		if remaining < s.cfg.MaxUploadBytes {
			return domain.NewError(domain.KindQuotaExceeded, "Drive file exceeds remaining quota of %s", humanize.IBytes(uint64(remaining)))
		}
		return domain.NewError(domain.KindFileTooLarge, "Drive file exceeds the %s upload limit", humanize.IBytes(uint64(s.cfg.MaxUploadBytes)))
	}
	if limit <= 0 {
		return nil, overLimit()
	}

	log := s.log(ctx).WithFields(logger.Fields{logger.FieldJobID: job.ID, "file_id": fileID})
	log.Info("Downloading Drive file")

	body, err := s.drive.Open(ctx, fileID, limit)
	if err != nil {
		if errors.Is(err, gdrive.ErrLimitExceeded) {
			return nil, overLimit()
		}
		return nil, err
	}
	defer body.Close()

	mt, content, err := sniff(body)
	if err != nil {
		if errors.Is(err, gdrive.ErrLimitExceeded) {
			return nil, overLimit()
		}
		return nil, err
	}
	if !strings.HasPrefix(mt.String(), "video/") {
		return nil, domain.NewError(domain.KindUnsupportedMediaType, "Drive file is %s, not a video", mt.String())
	}

	st := s.newStaging(ctx, job.ID)
	written, err := st.write(ctx, path.Join(storage.AreaRaw, "video.mp4"), content)
	if err != nil {
		st.discard(ctx)
		if errors.Is(err, gdrive.ErrLimitExceeded) {
			return nil, overLimit()
		}
		return nil, fmt.Errorf("failed to download Drive file: %w", err)
	}

	if err := s.quota.Reserve(ctx, ownerID, written); err != nil {
		st.discard(ctx)
		return nil, err
	}

	job.SetRawBytes(written)
	job.MimeType = mt.String()
	job.OriginalFilename = fileID + ".mp4"
	if err := s.commit(ctx, job, written, st); err != nil {
		return nil, err
	}

	s.metrics.Ingested(string(job.SourceType), written)
	log.WithField(logger.FieldSize, written).Info("Drive file stored")
	return job, nil
}

// staging holds the files of one ingestion request under incoming/ until
// the job row has moved to UPLOADED. Names are unique per request, so a
// concurrent request for the same job never touches these files.
type staging struct {
	store storage.ArtifactStore
	log   *logger.Logger
	jobID string
	token string
	files []stagedFile
}

type stagedFile struct {
	tmp   string
	final string
}

func (s *JobService) newStaging(ctx context.Context, jobID string) *staging {
	return &staging{store: s.store, log: s.log(ctx), jobID: jobID, token: uuid.NewString()}
}

// write stores r under a staging name for the final path relPath.
func (st *staging) write(ctx context.Context, relPath string, r io.Reader) (int64, error) {
	f := stagedFile{
		tmp:   path.Join(storage.AreaIncoming, st.token+"-"+path.Base(relPath)),
		final: relPath,
	}
	st.files = append(st.files, f)
	return st.store.Write(ctx, st.jobID, f.tmp, r)
}

// drop forgets a staged file so it is neither promoted nor kept.
func (st *staging) drop(relPath string) {
	for i, f := range st.files {
		if f.final == relPath {
			st.remove(context.Background(), f.tmp)
			st.files = append(st.files[:i], st.files[i+1:]...)
			return
		}
	}
}

// promote moves every staged file to its final path.
func (st *staging) promote(ctx context.Context) error {
	for _, f := range st.files {
		if err := st.store.Rename(ctx, st.jobID, f.tmp, f.final); err != nil {
			return fmt.Errorf("failed to move %s into place: %w", f.final, err)
		}
	}
	return nil
}

// discard removes the staged files. It runs even when the request context
// is already cancelled.
func (st *staging) discard(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	for _, f := range st.files {
		st.remove(ctx, f.tmp)
	}
}

func (st *staging) remove(ctx context.Context, relPath string) {
	if err := st.store.Remove(ctx, st.jobID, relPath); err != nil && !errors.Is(err, storage.ErrNotExist) {
		st.log.WithError(err).WithFields(logger.Fields{
			logger.FieldJobID: st.jobID,
			"path":            relPath,
		}).Warn("Failed to remove staged file")
	}
}

// commit moves the job to UPLOADED and only then puts the staged files in
// place. A request that loses the status update returns its own
// reservation and files and leaves the winner's media alone.
func (s *JobService) commit(ctx context.Context, job *domain.AnalysisJob, reserved int64, st *staging) error {
	if err := s.transition(ctx, job, domain.JobStatusUploaded); err != nil {
		s.rollback(ctx, job, reserved, st)
		return err
	}
	ctx = context.WithoutCancel(ctx)
	if err := st.promote(ctx); err != nil {
		st.discard(ctx)
		s.log(ctx).WithError(err).WithField(logger.FieldJobID, job.ID).Error("Failed to commit ingested media")
		if ferr := s.failJob(ctx, job, "stored media could not be committed"); ferr != nil {
			s.log(ctx).WithError(ferr).WithField(logger.FieldJobID, job.ID).Error("Failed to mark job failed")
		}
		return err
	}
	return nil
}

// failJob moves an UPLOADED job whose media is unusable to FAILED. The
// reservation stays with the job and is returned when it is deleted.
func (s *JobService) failJob(ctx context.Context, job *domain.AnalysisJob, reason string) error {
	prev := *job
	if err := job.Fail(reason, s.now()); err != nil {
		return err
	}
	if err := s.jobs.UpdateFrom(ctx, job, prev.Status); err != nil {
		*job = prev
		return err
	}
	s.metrics.JobTransition(string(domain.JobStatusFailed))
	return nil
}

// rollback returns reserved bytes and removes the staged files of a failed
// ingestion.
func (s *JobService) rollback(ctx context.Context, job *domain.AnalysisJob, reserved int64, st *staging) {
	ctx = context.WithoutCancel(ctx)
	if err := s.quota.Release(ctx, job.OwnerID, reserved); err != nil {
		s.log(ctx).WithError(err).WithField(logger.FieldJobID, job.ID).Error("Failed to roll back quota reservation")
	}
	st.discard(ctx)
}

// sniff detects the media type from the head of r and returns a reader
// that still yields the whole stream.
func sniff(r io.Reader) (*mimetype.MIME, io.Reader, error) {
	head := make([]byte, sniffLen)
	n, err := io.ReadFull(r, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, nil, fmt.Errorf("failed to read file: %w", err)
	}
	head = head[:n]
	return mimetype.Detect(head), io.MultiReader(bytes.NewReader(head), r), nil
}

func extension(mt *mimetype.MIME, name string) string {
	if ext := mt.Extension(); ext != "" {
		return ext
	}
	return strings.ToLower(path.Ext(name))
}
