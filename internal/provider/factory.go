package provider

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/greyhat-cli/api/schemas"
)

// NewClient builds the concrete provider for one backend entry. The wire
// format is inferred from the backend name: anything gemini-flavored speaks
// the Gemini API, everything else is assumed OpenAI chat-completions
// compatible (Mistral, Groq, and most gateways).
func NewClient(cfg schemas.ProviderConfig, logger *zap.Logger) (schemas.Provider, error) {
	name := strings.ToLower(cfg.Name)
	switch {
	case strings.Contains(name, "gemini") || strings.Contains(name, "google"):
		return NewGeminiClient(cfg, logger)
	case strings.Contains(name, "mistral"):
		return NewChatClient(cfg, mistralEndpoint, logger)
	case strings.Contains(name, "groq"):
		return NewChatClient(cfg, groqEndpoint, logger)
	default:
		if cfg.Endpoint == "" {
			return nil, fmt.Errorf("provider %q: unknown backend and no endpoint configured", cfg.Name)
		}
		return NewChatClient(cfg, cfg.Endpoint, logger)
	}
}

// BuildAll constructs every configured backend, failing fast on the first
// invalid entry.
func BuildAll(backends []schemas.ProviderConfig, logger *zap.Logger) ([]schemas.Provider, error) {
	providers := make([]schemas.Provider, 0, len(backends))
	for _, cfg := range backends {
		client, err := NewClient(cfg, logger)
		if err != nil {
			return nil, err
		}
		providers = append(providers, client)
	}
	return providers, nil
}
