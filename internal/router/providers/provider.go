package providers

// Package providers implements the LLM backends used for query routing.
// A provider turns a system/user prompt pair into raw model output; plan
// parsing happens in the router, not here.

import (
	"context"
	"time"

	"github.com/conduitmcp/conduit/pkg/types"
)

// Provider is one chat-completion backend.
type Provider interface {
	// Complete sends a prompt pair and returns the model's raw text
	Complete(ctx context.Context, system, user string) (string, error)

	// HealthCheck verifies the backend is reachable
	HealthCheck(ctx context.Context) error

	// Name identifies the provider in logs and errors
	Name() string
}

// FromConfig builds a provider from its configuration.
func FromConfig(cfg types.LLMProviderConfig) Provider {
	timeout := 30 * time.Second
	if cfg.Timeout != "" {
		if d, err := time.ParseDuration(cfg.Timeout); err == nil {
			timeout = d
		}
	}

	switch cfg.Provider {
	case "ollama":
		return NewOllamaProvider(cfg.Endpoint, cfg.Model, timeout, cfg.APIKey)
	default:
		return NewChatProvider(cfg)
	}
}
