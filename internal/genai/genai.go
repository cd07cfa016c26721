// Package genai provides the language-model operations of LeadPipe using the
// OpenAI API: writing the personalized document, extracting content themes
// from a profile and answering follow-up questions.
package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// DefaultModel is used when no model is configured.
const DefaultModel = openai.ChatModelGPT4oMini

var (
	// ErrNoChoicesReturned is returned when the API answers without choices.
	ErrNoChoicesReturned = errors.New("no choices returned")
	// ErrEmptyResponse is returned when the only choice has no text.
	ErrEmptyResponse = errors.New("empty response content")
)

// chatService defines minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// completions adapts the SDK service to chatService.
type completions struct {
	svc *openai.ChatCompletionService
}

func (c completions) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := c.svc.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// Opts holds configuration options for the GenAI client.
type Opts struct {
	APIKey  string
	Model   string
	BaseURL string
}

// Option defines a configuration option for the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel overrides DefaultModel.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithBaseURL points the client at an OpenAI-compatible endpoint.
func WithBaseURL(u string) Option {
	return func(o *Opts) { o.BaseURL = u }
}

// Client wraps the OpenAI chat completion service.
type Client struct {
	chat  chatService
	model openai.ChatModel
}

// NewClient initializes a client. The API key falls back to OPENAI_API_KEY.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	model := openai.ChatModel(cfg.Model)
	if model == "" {
		model = DefaultModel
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	cli := openai.NewClient(reqOpts...)
	slog.Debug("GenAI client initialized", "model", model, "base_url_set", cfg.BaseURL != "")
	return &Client{chat: completions{svc: &cli.Chat.Completions}, model: model}, nil
}

// generation holds the sampling settings of one call.
type generation struct {
	temperature float64
	maxTokens   int64
}

var (
	documentGeneration = generation{temperature: 0.8, maxTokens: 2000}
	themesGeneration   = generation{temperature: 0.3, maxTokens: 200}
	answerGeneration   = generation{temperature: 0.7, maxTokens: 500}
)

func (c *Client) complete(ctx context.Context, g generation, messages []openai.ChatCompletionMessageParamUnion) (string, error) {
	resp, err := c.chat.Create(ctx, openai.ChatCompletionNewParams{
		Model:       c.model,
		Messages:    messages,
		Temperature: openai.Float(g.temperature),
		MaxTokens:   openai.Int(g.maxTokens),
	})
	if err != nil {
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoicesReturned
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return "", ErrEmptyResponse
	}
	return content, nil
}
