package storage

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"
	"time"
)

// Areas of a job directory.
const (
	AreaRaw       = "raw"
	AreaFrames    = "frames"
	AreaArtifacts = "artifacts"
	// AreaIncoming holds files of an ingestion that has not committed yet.
	// It is never served and never listed as media.
	AreaIncoming = "incoming"
)

// ErrInvalidPath is returned for paths that escape the job directory.
var ErrInvalidPath = errors.New("invalid artifact path")

// ErrNotExist is returned when an artifact is missing.
var ErrNotExist = errors.New("artifact does not exist")

// FileInfo describes one stored file.
type FileInfo struct {
	Name string // path relative to the listed area
	Size int64
}

// Object is an opened artifact ready for range serving.
type Object interface {
	io.ReadSeekCloser
	Size() int64
	ModTime() time.Time
}

// ArtifactStore keeps per-job media and derived outputs. Paths are relative
// to the job directory, e.g. "raw/video.mp4" or "artifacts/report.json".
type ArtifactStore interface {
	// Write stores r at relPath, replacing any existing file. A failed write
	// leaves nothing behind.
	Write(ctx context.Context, jobID, relPath string, r io.Reader) (int64, error)
	Read(ctx context.Context, jobID, relPath string) ([]byte, error)
	Open(ctx context.Context, jobID, relPath string) (Object, error)
	// List returns the files under an area, sorted by name.
	List(ctx context.Context, jobID, area string) ([]FileInfo, error)
	Remove(ctx context.Context, jobID, relPath string) error
	// Rename moves a file within the job directory, replacing the target.
	Rename(ctx context.Context, jobID, from, to string) error
	// DeleteArea removes an area and returns the bytes it held.
	DeleteArea(ctx context.Context, jobID, area string) (int64, error)
	// Delete removes the whole job directory. Missing files are not an error.
	Delete(ctx context.Context, jobID string) error
	// LocalPath makes the file available on the local filesystem. The
	// returned release func must be called when the path is no longer used.
	LocalPath(ctx context.Context, jobID, relPath string) (string, func(), error)
}

// ListRaw returns the source media of a job.
func ListRaw(ctx context.Context, s ArtifactStore, jobID string) ([]FileInfo, error) {
	return s.List(ctx, jobID, AreaRaw)
}

// CleanRelPath validates a job-relative path and returns it in canonical
// slash form. Absolute paths, parent references and empty names are rejected.
func CleanRelPath(relPath string) (string, error) {
	if relPath == "" || strings.ContainsRune(relPath, '\\') || strings.ContainsRune(relPath, 0) {
		return "", ErrInvalidPath
	}
	if strings.HasPrefix(relPath, "/") {
		return "", ErrInvalidPath
	}
	for _, part := range strings.Split(relPath, "/") {
		if part == ".." {
			return "", ErrInvalidPath
		}
	}
	cleaned := path.Clean(relPath)
	if cleaned == "." || strings.HasPrefix(cleaned, "../") {
		return "", ErrInvalidPath
	}
	return cleaned, nil
}

// AreaPath joins an area and a file name supplied by a client. The name must
// stay inside the area.
func AreaPath(area, name string) (string, error) {
	switch area {
	case AreaRaw, AreaFrames, AreaArtifacts:
	default:
		return "", ErrInvalidPath
	}
	cleaned, err := CleanRelPath(name)
	if err != nil {
		return "", err
	}
	return area + "/" + cleaned, nil
}

func validJobID(jobID string) error {
	if jobID == "" || strings.ContainsAny(jobID, "/\\.") {
		return ErrInvalidPath
	}
	return nil
}
