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

const defaultGeminiEndpoint = "https://generativelanguage.googleapis.com/v1beta/models/%s:generateContent"

// GeminiClient implements schemas.Provider against the Google Gemini API.
type GeminiClient struct {
	cfg        schemas.ProviderConfig
	endpoint   string
	httpClient *http.Client
	logger     *zap.Logger
}

// -- Gemini wire format --

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
	Role  string       `json:"role,omitempty"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenerationConfig struct {
	Temperature      float64 `json:"temperature"`
	ResponseMimeType string  `json:"response_mime_type,omitempty"`
	MaxOutputTokens  int     `json:"maxOutputTokens,omitempty"`
}

type geminiRequest struct {
	Contents          []geminiContent        `json:"contents"`
	SystemInstruction *struct {
		Parts []geminiPart `json:"parts"`
	} `json:"system_instruction,omitempty"`
	GenerationConfig geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

// NewGeminiClient initializes the client from its backend configuration.
func NewGeminiClient(cfg schemas.ProviderConfig, logger *zap.Logger) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("provider %q: API key is required", cfg.Name)
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf(defaultGeminiEndpoint, cfg.Model)
	}

	timeout := cfg.APITimeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}

	return &GeminiClient{
		cfg:        cfg,
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.Named("provider.gemini").With(zap.String("backend", cfg.Name)),
	}, nil
}

func (c *GeminiClient) Name() string                  { return c.cfg.Name }
func (c *GeminiClient) Class() schemas.CapabilityClass { return c.cfg.Class }

// Complete sends the request and returns the normalized response. Transient
// failures are retried with exponential backoff inside the call; the error
// that escapes is always a *schemas.ProviderError.
func (c *GeminiClient) Complete(ctx context.Context, req schemas.CompletionRequest) (schemas.CompletionResponse, error) {
	body, err := json.Marshal(c.buildRequest(req))
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
		httpReq.Header.Set("x-goog-api-key", c.cfg.APIKey)

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
			return c.handleAPIError(resp.StatusCode, respBody)
		}

		var payload geminiResponse
		if err := json.Unmarshal(respBody, &payload); err != nil {
			lastStatus = resp.StatusCode
			return backoff.Permanent(fmt.Errorf("decode response: %w", err))
		}
		if len(payload.Candidates) == 0 {
			lastStatus = resp.StatusCode
			return backoff.Permanent(fmt.Errorf("no candidates in response"))
		}

		candidate := payload.Candidates[0]
		if len(candidate.Content.Parts) == 0 {
			if candidate.FinishReason == "SAFETY" || candidate.FinishReason == "BLOCKLIST" {
				return backoff.Permanent(fmt.Errorf("request blocked (reason: %s)", candidate.FinishReason))
			}
			return fmt.Errorf("empty content parts (reason: %s)", candidate.FinishReason)
		}

		c.logger.Debug("Completion succeeded",
			zap.Duration("duration", time.Since(start)),
			zap.Int("prompt_tokens", payload.UsageMetadata.PromptTokenCount),
			zap.Int("completion_tokens", payload.UsageMetadata.CandidatesTokenCount))

		out = schemas.CompletionResponse{
			Text:             candidate.Content.Parts[0].Text,
			Provider:         c.cfg.Name,
			Model:            c.cfg.Model,
			PromptTokens:     payload.UsageMetadata.PromptTokenCount,
			CompletionTokens: payload.UsageMetadata.CandidatesTokenCount,
		}
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return schemas.CompletionResponse{}, c.wrap(lastStatus, err)
	}
	return out, nil
}

func (c *GeminiClient) buildRequest(req schemas.CompletionRequest) geminiRequest {
	genConfig := geminiGenerationConfig{
		Temperature:     float64(req.Temperature),
		MaxOutputTokens: req.MaxTokens,
	}
	if req.ForceJSON {
		genConfig.ResponseMimeType = "application/json"
	}

	payload := geminiRequest{
		Contents: []geminiContent{
			{Role: "user", Parts: []geminiPart{{Text: req.UserPrompt}}},
		},
		GenerationConfig: genConfig,
	}
	if req.SystemPrompt != "" {
		payload.SystemInstruction = &struct {
			Parts []geminiPart `json:"parts"`
		}{Parts: []geminiPart{{Text: req.SystemPrompt}}}
	}
	return payload
}

func (c *GeminiClient) handleAPIError(statusCode int, body []byte) error {
	c.logger.Error("API returned error status",
		zap.Int("status", statusCode),
		zap.ByteString("response", body))
	err := fmt.Errorf("status %d: %s", statusCode, body)

	switch statusCode {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusServiceUnavailable:
		return err
	default:
		return backoff.Permanent(err)
	}
}

func (c *GeminiClient) wrap(status int, err error) error {
	return &schemas.ProviderError{Provider: c.cfg.Name, StatusCode: status, Err: err}
}
