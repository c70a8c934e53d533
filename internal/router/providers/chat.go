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

// ChatProvider talks to any OpenAI-compatible chat-completions endpoint.
type ChatProvider struct {
	client   *http.Client
	config   types.LLMProviderConfig
	endpoint string
	retries  int
}

// NewChatProvider creates a chat-completions provider.
func NewChatProvider(cfg types.LLMProviderConfig) *ChatProvider {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://api.openai.com/v1/chat/completions"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 400
	}

	timeout := 30 * time.Second
	if cfg.Timeout != "" {
		if d, err := time.ParseDuration(cfg.Timeout); err == nil {
			timeout = d
		}
	}

	client := &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        10,
			IdleConnTimeout:     30 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}

	return &ChatProvider{
		client:   client,
		config:   cfg,
		endpoint: cfg.Endpoint,
		retries:  3,
	}
}

// Name identifies the provider.
func (c *ChatProvider) Name() string {
	if c.config.Provider != "" {
		return c.config.Provider
	}
	return "chat"
}

// Complete sends the prompt pair and returns the raw completion text.
// Server errors are retried with a linear delay.
func (c *ChatProvider) Complete(ctx context.Context, system, user string) (string, error) {
	requestBody := map[string]interface{}{
		"model": c.config.Model,
		"messages": []map[string]string{
			{"role": "system", "content": system},
			{"role": "user", "content": user},
		},
		"temperature": c.config.Temperature,
		"max_tokens":  c.config.MaxTokens,
		"stream":      false,
	}

	bodyJSON, err := json.Marshal(requestBody)
	if err != nil {
		return "", &types.LLMProviderError{Provider: c.Name(), Err: fmt.Errorf("failed to marshal request: %w", err)}
	}

	var respBody []byte
	var lastErr error
	for i := 0; i < c.retries; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(bodyJSON))
		if err != nil {
			return "", &types.LLMProviderError{Provider: c.Name(), Err: err}
		}

		req.Header.Set("Content-Type", "application/json")
		if c.config.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = err
			log.Warn().Err(err).Int("attempt", i+1).Str("provider", c.Name()).Msg("Completion request failed, retrying")
			time.Sleep(time.Duration(i+1) * time.Second)
			continue
		}

		respBody, err = io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return "", &types.LLMProviderError{Provider: c.Name(), Err: fmt.Errorf("failed to read response: %w", err)}
		}

		if resp.StatusCode != http.StatusOK {
			lastErr = fmt.Errorf("api error [%d]: %s", resp.StatusCode, string(respBody))
			log.Error().Int("status", resp.StatusCode).Str("provider", c.Name()).Msg("Completion API error")
			if resp.StatusCode >= 500 {
				time.Sleep(time.Duration(i+1) * time.Second)
				continue
			}
			return "", &types.LLMProviderError{Provider: c.Name(), Err: lastErr}
		}

		lastErr = nil
		break
	}
	if lastErr != nil {
		return "", &types.LLMProviderError{Provider: c.Name(), Err: lastErr}
	}

	var chatResponse struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}

	if err := json.Unmarshal(respBody, &chatResponse); err != nil {
		return "", &types.LLMProviderError{Provider: c.Name(), Err: fmt.Errorf("failed to unmarshal response: %w", err)}
	}

	if chatResponse.Error != nil {
		return "", &types.LLMProviderError{Provider: c.Name(), Err: fmt.Errorf("api error: %s", chatResponse.Error.Message)}
	}

	if len(chatResponse.Choices) == 0 {
		return "", &types.LLMProviderError{Provider: c.Name(), Err: fmt.Errorf("no choices in response")}
	}

	return chatResponse.Choices[0].Message.Content, nil
}

// HealthCheck makes a minimal completion request. There is no dedicated
// health endpoint on most chat APIs.
func (c *ChatProvider) HealthCheck(ctx context.Context) error {
	requestBody := map[string]interface{}{
		"model": c.config.Model,
		"messages": []map[string]string{
			{"role": "user", "content": "ping"},
		},
		"max_tokens": 1,
	}

	bodyJSON, err := json.Marshal(requestBody)
	if err != nil {
		return fmt.Errorf("failed to marshal health check request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(bodyJSON))
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("provider unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed with status: %d", resp.StatusCode)
	}

	return nil
}

// Model returns the configured model name.
func (c *ChatProvider) Model() string {
	return c.config.Model
}
