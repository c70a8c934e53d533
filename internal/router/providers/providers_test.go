package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conduitmcp/conduit/pkg/types"
)

func chatServer(t *testing.T, content string, status int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		if status != http.StatusOK {
			w.WriteHeader(status)
			w.Write([]byte(`{"error":{"message":"nope"}}`))
			return
		}

		resp := map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"content": content}},
			},
		}
		json.NewEncoder(w).Encode(resp)
	}))
}

func TestChatProvider_Complete(t *testing.T) {
	srv := chatServer(t, `{"selectedServer":"files"}`, http.StatusOK)
	defer srv.Close()

	p := NewChatProvider(types.LLMProviderConfig{
		Provider: "openai",
		Endpoint: srv.URL,
		APIKey:   "test-key",
		Model:    "test-model",
	})

	out, err := p.Complete(context.Background(), "system", "user")
	require.NoError(t, err)
	assert.Equal(t, `{"selectedServer":"files"}`, out)
	assert.Equal(t, "openai", p.Name())
}

func TestChatProvider_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	p := NewChatProvider(types.LLMProviderConfig{Endpoint: srv.URL, Model: "m"})

	_, err := p.Complete(context.Background(), "s", "u")
	require.Error(t, err)

	var llmErr *types.LLMProviderError
	assert.ErrorAs(t, err, &llmErr)
	assert.Equal(t, int32(1), calls.Load())
}

func TestChatProvider_EmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	p := NewChatProvider(types.LLMProviderConfig{Endpoint: srv.URL, Model: "m"})
	_, err := p.Complete(context.Background(), "s", "u")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no choices")
}

func TestChatProvider_Defaults(t *testing.T) {
	p := NewChatProvider(types.LLMProviderConfig{})
	assert.Equal(t, "gpt-4o-mini", p.Model())
	assert.Equal(t, "chat", p.Name())
}

func TestOllamaProvider_Complete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)

		var req ollamaRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.False(t, req.Stream)

		json.NewEncoder(w).Encode(ollamaResponse{
			Model:    req.Model,
			Response: "routed",
			Done:     true,
		})
	}))
	defer srv.Close()

	p := NewOllamaProvider(srv.URL, "test-model", 5*time.Second, "")

	out, err := p.Complete(context.Background(), "system", "user")
	require.NoError(t, err)
	assert.Equal(t, "routed", out)
}

func TestOllamaProvider_HealthCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/tags", r.URL.Path)
		w.Write([]byte(`{"models":[]}`))
	}))
	defer srv.Close()

	p := NewOllamaProvider(srv.URL, "m", time.Second, "")
	assert.NoError(t, p.HealthCheck(context.Background()))
}

// flakyProvider fails a fixed number of times then succeeds.
type staticProvider struct {
	name string
	out  string
	err  error
}

func (s *staticProvider) Complete(ctx context.Context, system, user string) (string, error) {
	return s.out, s.err
}
func (s *staticProvider) HealthCheck(ctx context.Context) error { return s.err }
func (s *staticProvider) Name() string                          { return s.name }

func TestFallbackProvider_SwitchesAndSticks(t *testing.T) {
	primary := &staticProvider{name: "primary", err: assert.AnError}
	secondary := &staticProvider{name: "secondary", out: "from-fallback"}

	f := NewFallbackProvider(primary, secondary)

	out, err := f.Complete(context.Background(), "s", "u")
	require.NoError(t, err)
	assert.Equal(t, "from-fallback", out)

	// Primary recovers, but the switch is sticky
	primary.err = nil
	primary.out = "from-primary"

	out, err = f.Complete(context.Background(), "s", "u")
	require.NoError(t, err)
	assert.Equal(t, "from-fallback", out)
	assert.Equal(t, "secondary", f.Name())
}

func TestFallbackProvider_NoFallbackConfigured(t *testing.T) {
	primary := &staticProvider{name: "primary", err: assert.AnError}
	f := NewFallbackProvider(primary, nil)

	_, err := f.Complete(context.Background(), "s", "u")
	require.Error(t, err)

	var llmErr *types.LLMProviderError
	assert.ErrorAs(t, err, &llmErr)
}

func TestFromConfig(t *testing.T) {
	p := FromConfig(types.LLMProviderConfig{Provider: "ollama"})
	assert.Equal(t, "ollama", p.Name())

	p = FromConfig(types.LLMProviderConfig{Provider: "cerebras"})
	assert.Equal(t, "cerebras", p.Name())
}
