package ai

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/timmy/teachermon/internal/domain"
)

// OpenAIConfig holds configuration for an OpenAI-compatible endpoint.
type OpenAIConfig struct {
	APIKey    string
	Model     string
	BaseURL   string
	Timeout   time.Duration
	MaxTokens int
}

// OpenAIClient drives OpenAI-compatible chat completions. It understands
// images only; video and audio must go through a provider with a file API.
type OpenAIClient struct {
	client    *resty.Client
	model     string
	apiKey    string
	endpoint  string
	maxTokens int
}

// NewOpenAIClient creates a new OpenAI-compatible client.
// Parameters:
//   - cfg: model, API key, base URL and timeout.
//
// Returns:
//   - *OpenAIClient: initialized client wrapper.
func NewOpenAIClient(cfg *OpenAIConfig) *OpenAIClient {
	client := resty.New()
	client.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	client.SetHeader("Content-Type", "application/json")
	client.SetTimeout(cfg.Timeout)

	baseURL := cfg.BaseURL
	if baseURL == "" || strings.Contains(baseURL, "generativelanguage.googleapis.com") {
		baseURL = "https://api.openai.com/v1"
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}

	return &OpenAIClient{
		client:    client,
		model:     model,
		apiKey:    cfg.APIKey,
		endpoint:  strings.TrimSuffix(baseURL, "/") + "/chat/completions",
		maxTokens: maxTokens,
	}
}

// Model returns the model name being used.
func (s *OpenAIClient) Model() string {
	return s.model
}

type openAIRequest struct {
	Model     string          `json:"model"`
	Messages  []openAIMessage `json:"messages"`
	MaxTokens int             `json:"max_tokens"`
}

type openAIMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"` // string, or []interface{} when images are attached
}

type openAITextContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type openAIImageContent struct {
	Type     string         `json:"type"`
	ImageURL openAIImageURL `json:"image_url"`
}

type openAIImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

func (s *OpenAIClient) GenerateText(ctx context.Context, prompt string) (string, error) {
	return s.complete(ctx, prompt)
}

func (s *OpenAIClient) GenerateWithMedia(ctx context.Context, prompt, filePath, mimeType string, _ ...MediaOption) (string, error) {
	if !strings.HasPrefix(mimeType, "image/") {
		return "", domain.NewError(domain.KindUnsupportedMediaType,
			"model %s cannot analyze %s media", s.model, mimeType)
	}
	return s.GenerateWithMultipleImages(ctx, prompt, []Media{{Path: filePath, MimeType: mimeType}})
}

func (s *OpenAIClient) GenerateWithMultipleImages(ctx context.Context, prompt string, images []Media) (string, error) {
	content := []interface{}{openAITextContent{Type: "text", Text: prompt}}
	for _, img := range images {
		data, err := os.ReadFile(img.Path)
		if err != nil {
			return "", fmt.Errorf("failed to read image: %w", err)
		}
		content = append(content, openAIImageContent{
			Type: "image_url",
			ImageURL: openAIImageURL{
				URL:    fmt.Sprintf("data:%s;base64,%s", img.MimeType, base64.StdEncoding.EncodeToString(data)),
				Detail: "auto",
			},
		})
	}
	return s.complete(ctx, content)
}

func (s *OpenAIClient) complete(ctx context.Context, content interface{}) (string, error) {
	if s.apiKey == "" {
		return "", domain.ErrProviderDisabled
	}

	req := openAIRequest{
		Model:     s.model,
		Messages:  []openAIMessage{{Role: "user", Content: content}},
		MaxTokens: s.maxTokens,
	}

	var resp openAIResponse
	httpResp, err := s.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&resp).
		Post(s.endpoint)
	if err != nil {
		return "", fmt.Errorf("failed to call chat completions API: %w", err)
	}

	if httpResp.StatusCode() < 200 || httpResp.StatusCode() >= 300 {
		errorMsg := fmt.Sprintf("HTTP %d: %s", httpResp.StatusCode(), string(httpResp.Body()))
		if resp.Error != nil {
			errorMsg = fmt.Sprintf("HTTP %d: %s", httpResp.StatusCode(), resp.Error.Message)
		}
		return "", fmt.Errorf("chat completions API returned error: %s", errorMsg)
	}
	if resp.Error != nil {
		return "", fmt.Errorf("chat completions API error: %s", resp.Error.Message)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", domain.NewError(domain.KindMalformedResponse, "chat completions API returned no content")
	}

	return resp.Choices[0].Message.Content, nil
}
