package gdrive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/timmy/teachermon/internal/domain"
)

// ErrLimitExceeded is returned by the download stream once it passes its byte limit.
var ErrLimitExceeded = errors.New("download exceeds size limit")

// Config holds Drive download settings.
type Config struct {
	BaseURL      string
	Timeout      time.Duration
	MaxRedirects int
}

// Downloader streams publicly shared Drive files.
type Downloader struct {
	client  *resty.Client
	baseURL string
}

// NewDownloader creates a new Downloader.
// Parameters:
//   - cfg: base URL, total timeout and redirect budget.
//
// Returns:
//   - *Downloader: initialized downloader.
func NewDownloader(cfg *Config) *Downloader {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://drive.usercontent.google.com"
	}
	maxRedirects := cfg.MaxRedirects
	if maxRedirects <= 0 {
		maxRedirects = 5
	}

	client := resty.New()
	client.SetTimeout(cfg.Timeout)
	client.SetRedirectPolicy(resty.FlexibleRedirectPolicy(maxRedirects))

	return &Downloader{client: client, baseURL: strings.TrimSuffix(baseURL, "/")}
}

// Open starts the download of fileID. The returned stream fails with
// ErrLimitExceeded as soon as more than limit bytes arrive, and the request
// is refused up front when the declared length is already too large.
func (d *Downloader) Open(ctx context.Context, fileID string, limit int64) (io.ReadCloser, error) {
	resp, err := d.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		SetQueryParams(map[string]string{
			"id":      fileID,
			"export":  "download",
			"confirm": "t",
		}).
		Get(d.baseURL + "/download")
	if err != nil {
		return nil, fmt.Errorf("failed to download Drive file %s: %w", fileID, err)
	}
	body := resp.RawBody()

	switch {
	case resp.StatusCode() == http.StatusNotFound || resp.StatusCode() == http.StatusForbidden || resp.StatusCode() == http.StatusUnauthorized:
		body.Close()
		return nil, domain.NewError(domain.KindInvalidSourceURL,
			"Drive file %s is missing or not shared publicly (HTTP %d)", fileID, resp.StatusCode())
	case resp.IsError():
		body.Close()
		return nil, fmt.Errorf("Drive download returned HTTP %d", resp.StatusCode())
	}

	// Drive answers with an HTML page instead of bytes for files that
	// require sign-in or a virus-scan confirmation it could not bypass.
	if mediaType, _, _ := mime.ParseMediaType(resp.Header().Get("Content-Type")); mediaType == "text/html" {
		body.Close()
		return nil, domain.NewError(domain.KindInvalidSourceURL,
			"Drive file %s is not downloadable; share it with anyone who has the link", fileID)
	}

	if n := resp.RawResponse.ContentLength; n > limit {
		body.Close()
		return nil, fmt.Errorf("%w: declared %d bytes", ErrLimitExceeded, n)
	}

	return &limitedBody{rc: body, remaining: limit}, nil
}

// limitedBody reads at most remaining bytes and fails on the next one.
type limitedBody struct {
	rc        io.ReadCloser
	remaining int64
}

func (l *limitedBody) Read(p []byte) (int, error) {
	if l.remaining < 0 {
		return 0, ErrLimitExceeded
	}
	// Ask for one byte beyond the limit so an oversized stream is detected
	// without waiting for EOF.
	if int64(len(p)) > l.remaining+1 {
		p = p[:l.remaining+1]
	}
	n, err := l.rc.Read(p)
	l.remaining -= int64(n)
	if l.remaining < 0 {
		return n, ErrLimitExceeded
	}
	return n, err
}

func (l *limitedBody) Close() error {
	return l.rc.Close()
}
