package storage

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanRelPath(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "raw/video.mp4", want: "raw/video.mp4"},
		{in: "frames/./f_0001.jpg", want: "frames/f_0001.jpg"},
		{in: "", wantErr: true},
		{in: "/etc/passwd", wantErr: true},
		{in: "../other/raw/video.mp4", wantErr: true},
		{in: "artifacts/../../x", wantErr: true},
		{in: "artifacts\\..\\x", wantErr: true},
		{in: ".", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := CleanRelPath(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidPath)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAreaPath(t *testing.T) {
	p, err := AreaPath(AreaArtifacts, "report.json")
	require.NoError(t, err)
	assert.Equal(t, "artifacts/report.json", p)

	_, err = AreaPath("secrets", "x")
	assert.ErrorIs(t, err, ErrInvalidPath)
	_, err = AreaPath(AreaFrames, "../raw/video.mp4")
	assert.ErrorIs(t, err, ErrInvalidPath)
}

func TestLocalStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	n, err := store.Write(ctx, "job1", "raw/video.mp4", strings.NewReader("0123456789"))
	require.NoError(t, err)
	assert.Equal(t, int64(10), n)
	_, err = store.Write(ctx, "job1", "frames/a/f1.jpg", strings.NewReader("abc"))
	require.NoError(t, err)
	_, err = store.Write(ctx, "job1", "frames/f2.jpg", strings.NewReader("de"))
	require.NoError(t, err)

	data, err := store.Read(ctx, "job1", "raw/video.mp4")
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(data))

	raw, err := ListRaw(ctx, store, "job1")
	require.NoError(t, err)
	assert.Equal(t, []FileInfo{{Name: "video.mp4", Size: 10}}, raw)

	obj, err := store.Open(ctx, "job1", "raw/video.mp4")
	require.NoError(t, err)
	_, err = obj.Seek(5, io.SeekStart)
	require.NoError(t, err)
	rest, err := io.ReadAll(obj)
	require.NoError(t, err)
	assert.Equal(t, "56789", string(rest))
	assert.Equal(t, int64(10), obj.Size())
	require.NoError(t, obj.Close())

	freed, err := store.DeleteArea(ctx, "job1", AreaFrames)
	require.NoError(t, err)
	assert.Equal(t, int64(5), freed)
	frames, err := store.List(ctx, "job1", AreaFrames)
	require.NoError(t, err)
	assert.Empty(t, frames)

	require.NoError(t, store.Delete(ctx, "job1"))
	_, err = store.Read(ctx, "job1", "raw/video.mp4")
	assert.ErrorIs(t, err, ErrNotExist)
	require.NoError(t, store.Delete(ctx, "job1"))
}

type failingReader struct{ sent bool }

func (f *failingReader) Read(p []byte) (int, error) {
	if f.sent {
		return 0, errors.New("connection reset")
	}
	f.sent = true
	return copy(p, "partial"), nil
}

func TestLocalStoreRename(t *testing.T) {
	ctx := context.Background()
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Write(ctx, "job1", "raw/video.mp4", strings.NewReader("old"))
	require.NoError(t, err)
	_, err = store.Write(ctx, "job1", "incoming/abc-video.mp4", strings.NewReader("fresh"))
	require.NoError(t, err)

	require.NoError(t, store.Rename(ctx, "job1", "incoming/abc-video.mp4", "raw/video.mp4"))
	data, err := store.Read(ctx, "job1", "raw/video.mp4")
	require.NoError(t, err)
	assert.Equal(t, "fresh", string(data))
	_, err = store.Read(ctx, "job1", "incoming/abc-video.mp4")
	assert.ErrorIs(t, err, ErrNotExist)

	err = store.Rename(ctx, "job1", "incoming/gone.mp4", "raw/video.mp4")
	assert.ErrorIs(t, err, ErrNotExist)
	assert.ErrorIs(t, store.Rename(ctx, "job1", "raw/video.mp4", "../job2/raw/video.mp4"), ErrInvalidPath)
}

func TestLocalStoreFailedWriteLeavesNothing(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	store, err := NewLocalStore(root)
	require.NoError(t, err)

	_, err = store.Write(ctx, "job1", "raw/video.mp4", &failingReader{})
	require.Error(t, err)

	entries, err := os.ReadDir(filepath.Join(root, "job1", "raw"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestLocalStoreRejectsTraversal(t *testing.T) {
	ctx := context.Background()
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Write(ctx, "job1", "../escape.txt", strings.NewReader("x"))
	assert.ErrorIs(t, err, ErrInvalidPath)
	_, err = store.Open(ctx, "../job1", "raw/video.mp4")
	assert.ErrorIs(t, err, ErrInvalidPath)
	assert.ErrorIs(t, store.Delete(ctx, ".."), ErrInvalidPath)
}

func TestNormalizeEndpoint(t *testing.T) {
	assert.Equal(t, "minio:9000", normalizeEndpoint("http://minio:9000/"))
	assert.Equal(t, "acc.r2.cloudflarestorage.com", normalizeEndpoint("https://acc.r2.cloudflarestorage.com/bucket"))
	assert.Equal(t, StorageTypeR2, detectStorageType("https://acc.r2.cloudflarestorage.com"))
	assert.Equal(t, StorageTypeS3, detectStorageType("s3.amazonaws.com"))
	assert.Equal(t, StorageTypeS3Compatible, detectStorageType("localhost:9000"))
}
