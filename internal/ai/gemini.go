package ai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-resty/resty/v2"
	"github.com/timmy/teachermon/internal/domain"
	"github.com/timmy/teachermon/internal/logger"
)

const (
	defaultGeminiBaseURL = "https://generativelanguage.googleapis.com"
	defaultGeminiModel   = "gemini-2.0-flash"
)

// File API processing states.
const (
	fileStateProcessing = "PROCESSING"
	fileStateActive     = "ACTIVE"
	fileStateFailed     = "FAILED"
)

// GeminiConfig holds configuration for the Gemini REST client.
type GeminiConfig struct {
	APIKey      string
	Model       string
	BaseURL     string
	Timeout     time.Duration
	InlineLimit int64
	PollInitial time.Duration
	PollMax     time.Duration
	PollCeiling time.Duration
}

// GeminiClient talks to the Gemini generateContent and file APIs.
type GeminiClient struct {
	client *resty.Client
	cfg    GeminiConfig
}

// NewGeminiClient creates a new Gemini client.
// Parameters:
//   - cfg: API key, model, endpoint and file API polling settings.
//
// Returns:
//   - *GeminiClient: initialized client; calls fail with PROVIDER_DISABLED when no key is set.
func NewGeminiClient(cfg *GeminiConfig) *GeminiClient {
	c := *cfg
	if c.BaseURL == "" {
		c.BaseURL = defaultGeminiBaseURL
	}
	c.BaseURL = strings.TrimSuffix(c.BaseURL, "/")
	if c.Model == "" {
		c.Model = defaultGeminiModel
	}
	if c.Timeout == 0 {
		c.Timeout = 5 * time.Minute
	}
	if c.InlineLimit == 0 {
		c.InlineLimit = 20 << 20
	}
	if c.PollInitial == 0 {
		c.PollInitial = 5 * time.Second
	}
	if c.PollMax == 0 {
		c.PollMax = 30 * time.Second
	}
	if c.PollCeiling == 0 {
		c.PollCeiling = 10 * time.Minute
	}

	client := resty.New()
	client.SetBaseURL(c.BaseURL)
	client.SetHeader("x-goog-api-key", c.APIKey)
	client.SetTimeout(c.Timeout)

	return &GeminiClient{client: client, cfg: c}
}

// Model returns the model name being used.
func (g *GeminiClient) Model() string {
	return g.cfg.Model
}

type geminiRequest struct {
	Contents []geminiContent `json:"contents"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inline_data,omitempty"`
	FileData   *geminiFileData   `json:"file_data,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type geminiFileData struct {
	MimeType string `json:"mime_type"`
	FileURI  string `json:"file_uri"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback,omitempty"`
	Error *geminiError `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

type geminiFile struct {
	Name     string       `json:"name"`
	URI      string       `json:"uri"`
	MimeType string       `json:"mimeType"`
	State    string       `json:"state"`
	Error    *geminiError `json:"error,omitempty"`
}

// GenerateText sends a text-only prompt.
func (g *GeminiClient) GenerateText(ctx context.Context, prompt string) (string, error) {
	return g.generate(ctx, []geminiPart{{Text: prompt}})
}

// GenerateWithMedia sends prompt with one file, inline when it fits under
// the inline limit and through the resumable file API otherwise.
func (g *GeminiClient) GenerateWithMedia(ctx context.Context, prompt, filePath, mimeType string, opts ...MediaOption) (string, error) {
	if err := g.enabled(); err != nil {
		return "", err
	}
	info, err := os.Stat(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to stat media: %w", err)
	}

	if info.Size() <= g.cfg.InlineLimit {
		part, err := inlinePart(filePath, mimeType)
		if err != nil {
			return "", err
		}
		return g.generate(ctx, []geminiPart{part, {Text: prompt}})
	}

	o := applyMediaOptions(opts)
	file, err := g.uploadFile(ctx, filePath, mimeType, info.Size())
	if err != nil {
		return "", err
	}
	defer g.deleteFile(ctx, file.Name)

	file, err = g.waitActive(ctx, file, o.abort)
	if err != nil {
		return "", err
	}

	return g.generate(ctx, []geminiPart{
		{FileData: &geminiFileData{MimeType: mimeType, FileURI: file.URI}},
		{Text: prompt},
	})
}

// GenerateWithMultipleImages sends prompt with every image inline.
func (g *GeminiClient) GenerateWithMultipleImages(ctx context.Context, prompt string, images []Media) (string, error) {
	if err := g.enabled(); err != nil {
		return "", err
	}
	parts := make([]geminiPart, 0, len(images)+1)
	for _, img := range images {
		part, err := inlinePart(img.Path, img.MimeType)
		if err != nil {
			return "", err
		}
		parts = append(parts, part)
	}
	parts = append(parts, geminiPart{Text: prompt})
	return g.generate(ctx, parts)
}

func (g *GeminiClient) enabled() error {
	if g.cfg.APIKey == "" {
		return domain.ErrProviderDisabled
	}
	return nil
}

func inlinePart(path, mimeType string) (geminiPart, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return geminiPart{}, fmt.Errorf("failed to read media: %w", err)
	}
	return geminiPart{InlineData: &geminiInlineData{
		MimeType: mimeType,
		Data:     base64.StdEncoding.EncodeToString(data),
	}}, nil
}

func (g *GeminiClient) generate(ctx context.Context, parts []geminiPart) (string, error) {
	if err := g.enabled(); err != nil {
		return "", err
	}

	req := geminiRequest{Contents: []geminiContent{{Role: "user", Parts: parts}}}

	var resp geminiResponse
	httpResp, err := g.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&resp).
		SetError(&resp).
		Post(fmt.Sprintf("/v1beta/models/%s:generateContent", g.cfg.Model))
	if err != nil {
		return "", fmt.Errorf("failed to call Gemini API: %w", err)
	}
	if httpResp.IsError() {
		return "", fmt.Errorf("Gemini API returned error: %s", describeError(httpResp, resp.Error))
	}

	if len(resp.Candidates) == 0 {
		reason := "no candidates"
		if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
			reason = "prompt blocked: " + resp.PromptFeedback.BlockReason
		}
		return "", domain.NewError(domain.KindMalformedResponse, "Gemini returned %s", reason)
	}

	var sb strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		sb.WriteString(p.Text)
	}
	text := sb.String()
	if strings.TrimSpace(text) == "" {
		return "", domain.NewError(domain.KindMalformedResponse,
			"Gemini returned empty text (finish reason %s)", resp.Candidates[0].FinishReason)
	}
	return text, nil
}

// uploadFile runs the two-step resumable upload: a start request that
// returns the session URL, then one request carrying every byte.
func (g *GeminiClient) uploadFile(ctx context.Context, path, mimeType string, size int64) (*geminiFile, error) {
	start, err := g.client.R().
		SetContext(ctx).
		SetHeader("X-Goog-Upload-Protocol", "resumable").
		SetHeader("X-Goog-Upload-Command", "start").
		SetHeader("X-Goog-Upload-Header-Content-Length", strconv.FormatInt(size, 10)).
		SetHeader("X-Goog-Upload-Header-Content-Type", mimeType).
		SetBody(map[string]interface{}{
			"file": map[string]string{"display_name": filepath.Base(path)},
		}).
		Post("/upload/v1beta/files")
	if err != nil {
		return nil, fmt.Errorf("failed to start Gemini upload: %w", err)
	}
	if start.IsError() {
		return nil, fmt.Errorf("Gemini upload start returned error: %s", describeError(start, nil))
	}
	uploadURL := start.Header().Get("X-Goog-Upload-URL")
	if uploadURL == "" {
		return nil, domain.NewError(domain.KindMalformedResponse, "Gemini upload start returned no upload url")
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open media: %w", err)
	}
	defer f.Close()

	// Built by hand so the body streams from disk with a declared length.
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadURL, f)
	if err != nil {
		return nil, err
	}
	req.ContentLength = size
	req.Header.Set("X-Goog-Upload-Offset", "0")
	req.Header.Set("X-Goog-Upload-Command", "upload, finalize")

	started := time.Now()
	res, err := g.client.GetClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to upload media to Gemini: %w", err)
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read Gemini upload response: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, fmt.Errorf("Gemini upload returned error: HTTP %d: %s", res.StatusCode, string(body))
	}

	var out struct {
		File geminiFile `json:"file"`
	}
	if err := json.Unmarshal(body, &out); err != nil || out.File.Name == "" {
		return nil, domain.NewError(domain.KindMalformedResponse, "Gemini upload returned an unreadable file descriptor")
	}

	logger.With(logger.Fields{
		logger.FieldDurationMs: time.Since(started).Milliseconds(),
		logger.FieldSize:       size,
	}).Info(ctx, "Uploaded %s to Gemini file API as %s", humanize.IBytes(uint64(size)), out.File.Name)

	return &out.File, nil
}

// waitActive polls the file until it leaves PROCESSING, doubling the wait
// from PollInitial up to PollMax and giving up after PollCeiling.
func (g *GeminiClient) waitActive(ctx context.Context, file *geminiFile, abort AbortCheck) (*geminiFile, error) {
	deadline := time.Now().Add(g.cfg.PollCeiling)
	wait := g.cfg.PollInitial

	for {
		switch file.State {
		case fileStateActive:
			return file, nil
		case fileStateFailed:
			msg := "provider could not process the media"
			if file.Error != nil && file.Error.Message != "" {
				msg = file.Error.Message
			}
			return nil, fmt.Errorf("Gemini file %s failed: %s", file.Name, msg)
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, domain.NewError(domain.KindProviderTimeout,
				"file %s still processing after %s", file.Name, g.cfg.PollCeiling)
		}
		if wait > remaining {
			wait = remaining
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}

		if abort != nil {
			if err := abort(ctx); err != nil {
				return nil, err
			}
		}

		next, err := g.getFile(ctx, file.Name)
		if err != nil {
			return nil, err
		}
		file = next

		wait *= 2
		if wait > g.cfg.PollMax {
			wait = g.cfg.PollMax
		}
	}
}

func (g *GeminiClient) getFile(ctx context.Context, name string) (*geminiFile, error) {
	var file geminiFile
	resp, err := g.client.R().
		SetContext(ctx).
		SetResult(&file).
		Get("/v1beta/" + name)
	if err != nil {
		return nil, fmt.Errorf("failed to poll Gemini file: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("Gemini file status returned error: %s", describeError(resp, nil))
	}
	return &file, nil
}

// deleteFile removes an uploaded file. Failures are only logged.
func (g *GeminiClient) deleteFile(ctx context.Context, name string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	resp, err := g.client.R().SetContext(ctx).Delete("/v1beta/" + name)
	if err == nil && resp.IsError() {
		err = fmt.Errorf("HTTP %d", resp.StatusCode())
	}
	if err != nil {
		logger.FromContext(ctx).WithError(err).Warnf("Failed to delete Gemini file %s", name)
	}
}

func describeError(resp *resty.Response, apiErr *geminiError) string {
	if apiErr != nil && apiErr.Message != "" {
		return fmt.Sprintf("HTTP %d: %s", resp.StatusCode(), apiErr.Message)
	}
	var wrapped geminiResponse
	if err := json.Unmarshal(resp.Body(), &wrapped); err == nil && wrapped.Error != nil {
		return fmt.Sprintf("HTTP %d: %s", resp.StatusCode(), wrapped.Error.Message)
	}
	return fmt.Sprintf("HTTP %d: %s", resp.StatusCode(), string(resp.Body()))
}
