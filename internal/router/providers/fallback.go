package providers

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/conduitmcp/conduit/pkg/types"
)

// FallbackProvider tries the primary backend and switches to the
// secondary once the primary fails. The switch is sticky for the life of
// the provider.
type FallbackProvider struct {
	primary     Provider
	fallback    Provider
	useFallback atomic.Bool
}

// NewFallbackProvider creates a provider with primary/fallback.
func NewFallbackProvider(primary, fallback Provider) *FallbackProvider {
	return &FallbackProvider{
		primary:  primary,
		fallback: fallback,
	}
}

// Name identifies whichever backend is active.
func (f *FallbackProvider) Name() string {
	if f.useFallback.Load() && f.fallback != nil {
		return f.fallback.Name()
	}
	return f.primary.Name()
}

// Complete tries primary, falls back to secondary.
func (f *FallbackProvider) Complete(ctx context.Context, system, user string) (string, error) {
	if !f.useFallback.Load() {
		out, err := f.primary.Complete(ctx, system, user)
		if err == nil {
			return out, nil
		}

		log.Warn().Err(err).Msg("Primary LLM failed, switching to fallback")
		f.useFallback.Store(true)
	}

	if f.fallback != nil {
		log.Info().Str("provider", f.fallback.Name()).Msg("Using fallback LLM provider")
		return f.fallback.Complete(ctx, system, user)
	}

	return "", &types.LLMProviderError{Provider: f.primary.Name(), Err: errAllProvidersFailed}
}

// HealthCheck checks the active backend.
func (f *FallbackProvider) HealthCheck(ctx context.Context) error {
	if f.useFallback.Load() && f.fallback != nil {
		return f.fallback.HealthCheck(ctx)
	}
	return f.primary.HealthCheck(ctx)
}

var errAllProvidersFailed = errors.New("all llm providers failed")
