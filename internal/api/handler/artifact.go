package handler

import (
	"net/http"
	"path"

	"github.com/gin-gonic/gin"
	"github.com/timmy/teachermon/internal/api/middleware"
	"github.com/timmy/teachermon/internal/service"
	"github.com/timmy/teachermon/internal/storage"
)

// ArtifactHandler serves stored job files with byte-range support.
type ArtifactHandler struct {
	jobs *service.JobService
}

// NewArtifactHandler creates a new artifact handler.
func NewArtifactHandler(jobs *service.JobService) *ArtifactHandler {
	return &ArtifactHandler{jobs: jobs}
}

// Artifact handles GET /api/v1/jobs/:id/artifact/:name.
func (h *ArtifactHandler) Artifact(c *gin.Context) {
	h.serve(c, storage.AreaArtifacts, c.Param("name"))
}

// Frame handles GET /api/v1/jobs/:id/frame/:name.
func (h *ArtifactHandler) Frame(c *gin.Context) {
	h.serve(c, storage.AreaFrames, c.Param("name"))
}

// Raw handles GET /api/v1/jobs/:id/raw/:name.
func (h *ArtifactHandler) Raw(c *gin.Context) {
	h.serve(c, storage.AreaRaw, c.Param("name"))
}

// Cover handles GET /api/v1/jobs/:id/cover.
func (h *ArtifactHandler) Cover(c *gin.Context) {
	h.serve(c, storage.AreaArtifacts, "cover.jpg")
}

func (h *ArtifactHandler) serve(c *gin.Context, area, name string) {
	obj, err := h.jobs.OpenArtifact(c.Request.Context(), middleware.OwnerID(c), c.Param("id"), area, name)
	if err != nil {
		respondError(c, err)
		return
	}
	defer obj.Close()

	c.Header("Cache-Control", "private, max-age=300")
	http.ServeContent(c.Writer, c.Request, path.Base(name), obj.ModTime(), obj)
}
