package ai

import (
	"context"
	"fmt"
	"time"

	"github.com/timmy/teachermon/internal/config"
)

// Media is one local file handed to the provider.
type Media struct {
	Path     string
	MimeType string
}

// Provider is a multimodal text generation backend.
type Provider interface {
	GenerateText(ctx context.Context, prompt string) (string, error)
	// GenerateWithMedia sends prompt together with one media file. Files above
	// the inline limit go through the provider's file API.
	GenerateWithMedia(ctx context.Context, prompt, filePath, mimeType string, opts ...MediaOption) (string, error)
	GenerateWithMultipleImages(ctx context.Context, prompt string, images []Media) (string, error)
	Model() string
}

// AbortCheck is consulted before each file status poll. A non-nil error
// stops the wait and is returned to the caller.
type AbortCheck func(ctx context.Context) error

type mediaOptions struct {
	abort AbortCheck
}

// MediaOption customizes a GenerateWithMedia call.
type MediaOption func(*mediaOptions)

// WithAbortCheck stops large-file processing waits when check fails,
// typically because the owning job was deleted.
func WithAbortCheck(check AbortCheck) MediaOption {
	return func(o *mediaOptions) {
		o.abort = check
	}
}

func applyMediaOptions(opts []MediaOption) mediaOptions {
	var o mediaOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// New creates the provider selected by cfg.Provider. A provider without an
// API key is still returned; its calls fail with PROVIDER_DISABLED.
func New(cfg *config.AIConfig) (Provider, error) {
	switch cfg.Provider {
	case "", "gemini":
		return NewGeminiClient(&GeminiConfig{
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			BaseURL:     cfg.BaseURL,
			Timeout:     cfg.Timeout,
			InlineLimit: cfg.InlineLimitBytes,
			PollInitial: cfg.PollInitial,
			PollMax:     cfg.PollMax,
			PollCeiling: cfg.PollCeiling,
		}), nil
	case "openai":
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 2 * time.Minute
		}
		return NewOpenAIClient(&OpenAIConfig{
			APIKey:  cfg.APIKey,
			Model:   cfg.Model,
			BaseURL: cfg.BaseURL,
			Timeout: timeout,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported ai provider %q", cfg.Provider)
	}
}
