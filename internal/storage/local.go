package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// partialPrefix marks in-flight writes, which List never reports.
const partialPrefix = ".partial-"

// LocalStore keeps artifacts under root/<jobID>/.
type LocalStore struct {
	root string
}

// NewLocalStore creates the root directory if needed.
func NewLocalStore(root string) (*LocalStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve storage root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}
	return &LocalStore{root: abs}, nil
}

// Root returns the absolute storage root.
func (s *LocalStore) Root() string {
	return s.root
}

func (s *LocalStore) resolve(jobID, relPath string) (string, error) {
	if err := validJobID(jobID); err != nil {
		return "", err
	}
	cleaned, err := CleanRelPath(relPath)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, jobID, filepath.FromSlash(cleaned)), nil
}

func (s *LocalStore) Write(ctx context.Context, jobID, relPath string, r io.Reader) (int64, error) {
	dst, err := s.resolve(jobID, relPath)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), partialPrefix+"*")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	n, copyErr := io.Copy(tmp, contextReader{ctx: ctx, r: r})
	closeErr := tmp.Close()
	if copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		os.Remove(tmp.Name())
		return n, fmt.Errorf("failed to write %s: %w", relPath, copyErr)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return n, fmt.Errorf("failed to commit %s: %w", relPath, err)
	}
	return n, nil
}

func (s *LocalStore) Read(ctx context.Context, jobID, relPath string) ([]byte, error) {
	p, err := s.resolve(jobID, relPath)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotExist
	}
	return data, err
}

func (s *LocalStore) Open(ctx context.Context, jobID, relPath string) (Object, error) {
	p, err := s.resolve(jobID, relPath)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotExist
	}
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.IsDir() {
		f.Close()
		return nil, ErrNotExist
	}
	return &fileObject{File: f, info: info}, nil
}

func (s *LocalStore) List(ctx context.Context, jobID, area string) ([]FileInfo, error) {
	dir, err := s.resolve(jobID, area)
	if err != nil {
		return nil, err
	}
	var files []FileInfo
	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), partialPrefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		files = append(files, FileInfo{Name: filepath.ToSlash(rel), Size: info.Size()})
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", area, err)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

func (s *LocalStore) Remove(ctx context.Context, jobID, relPath string) error {
	p, err := s.resolve(jobID, relPath)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *LocalStore) Rename(ctx context.Context, jobID, from, to string) error {
	src, err := s.resolve(jobID, from)
	if err != nil {
		return err
	}
	dst, err := s.resolve(jobID, to)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.Rename(src, dst); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotExist
		}
		return fmt.Errorf("failed to move %s: %w", from, err)
	}
	return nil
}

func (s *LocalStore) DeleteArea(ctx context.Context, jobID, area string) (int64, error) {
	files, err := s.List(ctx, jobID, area)
	if err != nil {
		return 0, err
	}
	var freed int64
	for _, f := range files {
		freed += f.Size
	}
	dir, err := s.resolve(jobID, area)
	if err != nil {
		return 0, err
	}
	if err := os.RemoveAll(dir); err != nil {
		return 0, fmt.Errorf("failed to remove %s: %w", area, err)
	}
	return freed, nil
}

func (s *LocalStore) Delete(ctx context.Context, jobID string) error {
	if err := validJobID(jobID); err != nil {
		return err
	}
	return os.RemoveAll(filepath.Join(s.root, jobID))
}

func (s *LocalStore) LocalPath(ctx context.Context, jobID, relPath string) (string, func(), error) {
	p, err := s.resolve(jobID, relPath)
	if err != nil {
		return "", nil, err
	}
	if _, err := os.Stat(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil, ErrNotExist
		}
		return "", nil, err
	}
	return p, func() {}, nil
}

type fileObject struct {
	*os.File
	info fs.FileInfo
}

func (f *fileObject) Size() int64        { return f.info.Size() }
func (f *fileObject) ModTime() time.Time { return f.info.ModTime() }

// contextReader stops a copy once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
