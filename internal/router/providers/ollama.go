package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/conduitmcp/conduit/pkg/types"
)

// OllamaProvider runs completions against a local Ollama instance or any
// Ollama-compatible API.
type OllamaProvider struct {
	client   *http.Client
	endpoint string
	model    string
	apiKey   string
}

type ollamaRequest struct {
	Model   string                 `json:"model"`
	Prompt  string                 `json:"prompt"`
	Stream  bool                   `json:"stream"`
	Options map[string]interface{} `json:"options,omitempty"`
}

type ollamaResponse struct {
	Model    string `json:"model"`
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// NewOllamaProvider creates an Ollama provider.
func NewOllamaProvider(endpoint, model string, timeout time.Duration, apiKey string) *OllamaProvider {
	if endpoint == "" {
		endpoint = "http://localhost:11434"
	}
	if model == "" {
		model = "llama3.2:3b"
	}
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &OllamaProvider{
		client:   &http.Client{Timeout: timeout},
		endpoint: endpoint,
		model:    model,
		apiKey:   apiKey,
	}
}

// Name identifies the provider.
func (p *OllamaProvider) Name() string { return "ollama" }

// Complete sends the prompt pair via the generate API.
func (p *OllamaProvider) Complete(ctx context.Context, system, user string) (string, error) {
	startTime := time.Now()

	reqBody := ollamaRequest{
		Model:  p.model,
		Prompt: system + "\n\n" + user,
		Stream: false,
		Options: map[string]interface{}{
			"temperature": 0.1,
		},
	}

	bodyJSON, err := json.Marshal(reqBody)
	if err != nil {
		return "", &types.LLMProviderError{Provider: p.Name(), Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/api/generate", bytes.NewReader(bodyJSON))
	if err != nil {
		return "", &types.LLMProviderError{Provider: p.Name(), Err: err}
	}
	p.setHeaders(req)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", &types.LLMProviderError{Provider: p.Name(), Err: fmt.Errorf("request failed: %w", err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &types.LLMProviderError{Provider: p.Name(), Err: fmt.Errorf("failed to read response: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		return "", &types.LLMProviderError{
			Provider: p.Name(),
			Err:      fmt.Errorf("api error [%d]: %s", resp.StatusCode, string(respBody)),
		}
	}

	var out ollamaResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", &types.LLMProviderError{Provider: p.Name(), Err: fmt.Errorf("failed to unmarshal response: %w", err)}
	}

	log.Debug().
		Str("model", p.model).
		Dur("duration", time.Since(startTime)).
		Msg("Completion generated via Ollama")

	return out.Response, nil
}

// HealthCheck pings the Ollama tags endpoint.
func (p *OllamaProvider) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint+"/api/tags", nil)
	if err != nil {
		return err
	}
	p.setHeaders(req)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("ollama unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama health check failed with status: %d", resp.StatusCode)
	}
	return nil
}

func (p *OllamaProvider) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
}
