// Package llm adapts the OpenAI API to the language model and embedding
// ports.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"decisium-backend/application/ports"
	"decisium-backend/infrastructure/resilience"
	pkgerrors "decisium-backend/pkg/errors"
)

// Config selects the models and endpoint
type Config struct {
	APIKey         string
	BaseURL        string // optional, for proxies and tests
	ChatModel      string
	EmbeddingModel string
	Timeout        time.Duration
	MaxRetries     int
}

// Client implements ports.LanguageModel and ports.Embedder
type Client struct {
	api            openai.Client
	chatModel      string
	embeddingModel string
	timeout        time.Duration
	chatBreaker    *gobreaker.CircuitBreaker
	embedBreaker   *gobreaker.CircuitBreaker
	logger         *zap.Logger
}

var (
	_ ports.LanguageModel = (*Client)(nil)
	_ ports.Embedder      = (*Client)(nil)
)

// NewClient creates an OpenAI client
func NewClient(cfg Config, logger *zap.Logger) *Client {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	return &Client{
		api:            openai.NewClient(opts...),
		chatModel:      cfg.ChatModel,
		embeddingModel: cfg.EmbeddingModel,
		timeout:        timeout,
		chatBreaker:    resilience.NewBreaker(resilience.DefaultBreakerConfig("openai-chat"), logger),
		embedBreaker:   resilience.NewBreaker(resilience.DefaultBreakerConfig("openai-embeddings"), logger),
		logger:         logger,
	}
}

// Complete runs one chat completion
func (c *Client) Complete(ctx context.Context, p ports.Prompt) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if p.System != "" {
		messages = append(messages, openai.SystemMessage(p.System))
	}
	messages = append(messages, openai.UserMessage(p.User))

	start := time.Now()
	out, err := c.chatBreaker.Execute(func() (interface{}, error) {
		return c.api.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
			Model:    openai.ChatModel(c.chatModel),
			Messages: messages,
		})
	})
	if err != nil {
		return "", c.wrap("chat completion", err)
	}

	resp := out.(*openai.ChatCompletion)
	if len(resp.Choices) == 0 {
		return "", pkgerrors.NewExternalError("openai", errors.New("completion returned no choices"))
	}

	c.logger.Debug("Chat completion finished",
		zap.String("model", c.chatModel),
		zap.Int64("prompt_tokens", resp.Usage.PromptTokens),
		zap.Int64("completion_tokens", resp.Usage.CompletionTokens),
		zap.Duration("duration", time.Since(start)),
	)
	return resp.Choices[0].Message.Content, nil
}

// Embed returns the embedding vector of text
func (c *Client) Embed(ctx context.Context, text string) ([]float64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	out, err := c.embedBreaker.Execute(func() (interface{}, error) {
		return c.api.Embeddings.New(ctx, openai.EmbeddingNewParams{
			Model: openai.EmbeddingModel(c.embeddingModel),
			Input: openai.EmbeddingNewParamsInputUnion{OfString: openai.String(text)},
		})
	})
	if err != nil {
		return nil, c.wrap("embedding", err)
	}

	resp := out.(*openai.CreateEmbeddingResponse)
	if len(resp.Data) == 0 {
		return nil, pkgerrors.NewExternalError("openai", errors.New("embedding response was empty"))
	}
	return resp.Data[0].Embedding, nil
}

func (c *Client) wrap(op string, err error) error {
	if resilience.IsOpen(err) {
		return pkgerrors.NewExternalError("openai", fmt.Errorf("%s: circuit open: %w", op, err))
	}

	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		c.logger.Warn("OpenAI request failed",
			zap.String("operation", op),
			zap.Int("status", apiErr.StatusCode),
			zap.Error(err),
		)
	}
	return pkgerrors.NewExternalError("openai", fmt.Errorf("%s: %w", op, err))
}
