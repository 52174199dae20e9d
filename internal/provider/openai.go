package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/xkilldash9x/greyhat-cli/api/schemas"
)

// Known chat-completions endpoints for backends that speak the OpenAI wire
// format. A configured endpoint always wins.
const (
	mistralEndpoint = "https://api.mistral.ai/v1/chat/completions"
	groqEndpoint    = "https://api.groq.com/openai/v1/chat/completions"
)

// ChatClient implements schemas.Provider against any backend speaking the
// OpenAI chat-completions format (Mistral, Groq, and compatible gateways).
type ChatClient struct {
	cfg        schemas.ProviderConfig
	endpoint   string
	httpClient *http.Client
	logger     *zap.Logger
}

// -- chat-completions wire format --

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	Temperature    float64       `json:"temperature"`
	MaxTokens      int           `json:"max_tokens,omitempty"`
	ResponseFormat *struct {
		Type string `json:"type"`
	} `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// NewChatClient initializes a chat-completions client for the backend.
func NewChatClient(cfg schemas.ProviderConfig, endpoint string, logger *zap.Logger) (*ChatClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("provider %q: API key is required", cfg.Name)
	}
	if cfg.Endpoint != "" {
		endpoint = cfg.Endpoint
	}
	if endpoint == "" {
		return nil, fmt.Errorf("provider %q: endpoint is required", cfg.Name)
	}

	timeout := cfg.APITimeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}

	return &ChatClient{
		cfg:        cfg,
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.Named("provider.chat").With(zap.String("backend", cfg.Name)),
	}, nil
}

func (c *ChatClient) Name() string                   { return c.cfg.Name }
func (c *ChatClient) Class() schemas.CapabilityClass { return c.cfg.Class }

// Complete sends the request with backoff retries for transient failures.
// The escaping error is always a *schemas.ProviderError.
func (c *ChatClient) Complete(ctx context.Context, req schemas.CompletionRequest) (schemas.CompletionResponse, error) {
	payload := chatRequest{
		Model:       c.cfg.Model,
		Temperature: float64(req.Temperature),
		MaxTokens:   req.MaxTokens,
		Messages: []chatMessage{
			{Role: "system", Content: req.SystemPrompt},
			{Role: "user", Content: req.UserPrompt},
		},
	}
	if req.ForceJSON {
		payload.ResponseFormat = &struct {
			Type string `json:"type"`
		}{Type: "json_object"}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return schemas.CompletionResponse{}, c.wrap(0, fmt.Errorf("marshal request: %w", err))
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 90 * time.Second
	b.MaxInterval = 20 * time.Second

	var out schemas.CompletionResponse
	var lastStatus int

	operation := func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("create request: %w", err))
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

		start := time.Now()
		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			lastStatus = 0
			c.logger.Warn("Network error during completion request, retrying...", zap.Error(err))
			return err
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			lastStatus = 0
			return fmt.Errorf("read response body: %w", err)
		}

		if resp.StatusCode != http.StatusOK {
			lastStatus = resp.StatusCode
			c.logger.Error("API returned error status",
				zap.Int("status", resp.StatusCode),
				zap.ByteString("response", respBody))
			err := fmt.Errorf("status %d: %s", resp.StatusCode, respBody)
			switch resp.StatusCode {
			case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusServiceUnavailable:
				return err
			default:
				return backoff.Permanent(err)
			}
		}

		var parsed chatResponse
		if err := json.Unmarshal(respBody, &parsed); err != nil {
			lastStatus = resp.StatusCode
			return backoff.Permanent(fmt.Errorf("decode response: %w", err))
		}
		if len(parsed.Choices) == 0 {
			lastStatus = resp.StatusCode
			return backoff.Permanent(fmt.Errorf("no choices in response"))
		}

		c.logger.Debug("Completion succeeded",
			zap.Duration("duration", time.Since(start)),
			zap.Int("prompt_tokens", parsed.Usage.PromptTokens),
			zap.Int("completion_tokens", parsed.Usage.CompletionTokens))

		out = schemas.CompletionResponse{
			Text:             parsed.Choices[0].Message.Content,
			Provider:         c.cfg.Name,
			Model:            c.cfg.Model,
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
		}
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return schemas.CompletionResponse{}, c.wrap(lastStatus, err)
	}
	return out, nil
}

func (c *ChatClient) wrap(status int, err error) error {
	return &schemas.ProviderError{Provider: c.cfg.Name, StatusCode: status, Err: err}
}
