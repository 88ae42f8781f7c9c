package handler

import (
	"errors"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"
	"github.com/timmy/teachermon/internal/api/middleware"
	"github.com/timmy/teachermon/internal/domain"
	"github.com/timmy/teachermon/internal/service"
)

// multipartSlack covers multipart framing on top of the file bytes.
const multipartSlack = 1 << 20

// JobHandler handles the analysis job endpoints.
type JobHandler struct {
	jobs           *service.JobService
	maxUploadBytes int64
	maxImagesBytes int64
}

// NewJobHandler creates a new job handler. The byte limits bound whole
// request bodies before any file reaches the service.
func NewJobHandler(jobs *service.JobService, maxUploadBytes, maxImageBytes int64, maxImages int) *JobHandler {
	return &JobHandler{
		jobs:           jobs,
		maxUploadBytes: maxUploadBytes,
		maxImagesBytes: maxImageBytes * int64(maxImages),
	}
}

type createJobRequest struct {
	AnalysisMode domain.AnalysisMode `json:"analysisMode"`
	SourceType   domain.SourceType   `json:"sourceType"`
	SourceURL    string              `json:"sourceUrl"`
	Description  string              `json:"description"`
}

// CreateJob handles POST /api/v1/jobs.
func (h *JobHandler) CreateJob(c *gin.Context) {
	var req createJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request: "+err.Error())
		return
	}
	if req.SourceType == "" {
		req.SourceType = domain.SourceUpload
	}

	job, err := h.jobs.CreateJob(c.Request.Context(), service.CreateJobInput{
		OwnerID:      middleware.OwnerID(c),
		TeacherID:    middleware.TeacherID(c),
		SourceType:   req.SourceType,
		AnalysisMode: req.AnalysisMode,
		SourceURL:    req.SourceURL,
		Description:  req.Description,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, job.View())
}

// ListJobs handles GET /api/v1/jobs.
func (h *JobHandler) ListJobs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))

	jobs, err := h.jobs.ListJobs(c.Request.Context(), middleware.OwnerID(c), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	views := make([]domain.JobView, 0, len(jobs))
	for i := range jobs {
		views = append(views, jobs[i].View())
	}
	c.JSON(http.StatusOK, gin.H{
		"jobs":  views,
		"count": len(views),
	})
}

// GetJob handles GET /api/v1/jobs/:id.
func (h *JobHandler) GetJob(c *gin.Context) {
	job, err := h.jobs.GetJob(c.Request.Context(), middleware.OwnerID(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job.View())
}

// DeleteJob handles DELETE /api/v1/jobs/:id.
func (h *JobHandler) DeleteJob(c *gin.Context) {
	if err := h.jobs.DeleteJob(c.Request.Context(), middleware.OwnerID(c), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Upload handles POST /api/v1/jobs/:id/upload with a multipart "file".
func (h *JobHandler) Upload(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes+multipartSlack)
	fh, err := c.FormFile("file")
	if err != nil {
		h.formError(c, err, h.maxUploadBytes)
		return
	}
	f, err := fh.Open()
	if err != nil {
		respondError(c, err)
		return
	}
	defer f.Close()

	job, err := h.jobs.UploadFile(c.Request.Context(), middleware.OwnerID(c), c.Param("id"), service.FileInput{
		Name:    fh.Filename,
		Size:    fh.Size,
		Content: f,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job.View())
}

// UploadImages handles POST /api/v1/jobs/:id/images with multipart "files".
func (h *JobHandler) UploadImages(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxImagesBytes+multipartSlack)
	form, err := c.MultipartForm()
	if err != nil {
		h.formError(c, err, h.maxImagesBytes)
		return
	}
	headers := form.File["files"]
	if len(headers) == 0 {
		badRequest(c, "at least one image is required in the \"files\" field")
		return
	}

	files := make([]service.FileInput, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			respondError(c, err)
			return
		}
		defer f.Close()
		files = append(files, service.FileInput{Name: fh.Filename, Size: fh.Size, Content: f})
	}

	job, err := h.jobs.UploadImages(c.Request.Context(), middleware.OwnerID(c), c.Param("id"), files)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job.View())
}

// Ingest handles POST /api/v1/jobs/:id/ingest for Drive jobs.
func (h *JobHandler) Ingest(c *gin.Context) {
	job, err := h.jobs.IngestFromURL(c.Request.Context(), middleware.OwnerID(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job.View())
}

// Process handles POST /api/v1/jobs/:id/process.
func (h *JobHandler) Process(c *gin.Context) {
	job, err := h.jobs.ProcessJob(c.Request.Context(), middleware.OwnerID(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, job.View())
}

// Quota handles GET /api/v1/quota.
func (h *JobHandler) Quota(c *gin.Context) {
	view, err := h.jobs.Quota(c.Request.Context(), middleware.OwnerID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *JobHandler) formError(c *gin.Context, err error, limit int64) {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge), errors.Is(err, multipart.ErrMessageTooLarge):
		respondError(c, domain.NewError(domain.KindFileTooLarge, "request exceeds the %s limit", humanize.IBytes(uint64(limit))))
	case errors.Is(err, http.ErrMissingFile):
		badRequest(c, "a file is required in the \"file\" field")
	default:
		badRequest(c, "Invalid multipart form: "+err.Error())
	}
}
