// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// =============================================================================
// SERVER CLIENT
// =============================================================================

// Server is the inference surface the registry drives. The HTTP client below
// is the production implementation; tests substitute fakes.
type Server interface {
	// Generate produces text for a prompt, invoking onToken for each delta
	// when streaming. Returns the complete text.
	Generate(ctx context.Context, modelID, prompt string, params SamplingParams, onToken func(string)) (string, error)
	// Embed returns the embedding vector for text.
	Embed(ctx context.Context, modelID, text string) ([]float64, error)
	// Load makes a model resident and returns its approximate memory size.
	Load(ctx context.Context, modelID string, contextTokens int) (int64, error)
	// Unload releases a model.
	Unload(ctx context.Context, modelID string) error
	// Health reports whether the server is reachable.
	Health(ctx context.Context) error
}

// ClientConfig configures the local inference server client.
type ClientConfig struct {
	// BaseURL is the server address. Explicit IPv4 avoids IPv6 resolution
	// stalls on some platforms.
	BaseURL string
	// Timeout bounds health checks and embedding requests. Loads, unloads
	// and generations are bounded only by the caller's context.
	Timeout time.Duration
}

// DefaultClientConfig returns the default client configuration.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		BaseURL: "http://127.0.0.1:11434",
		Timeout: 30 * time.Second,
	}
}

// Client talks to a local Ollama-compatible inference server. Safe for
// concurrent use.
type Client struct {
	config     ClientConfig
	httpClient *http.Client
}

// NewClient creates a client, filling zero-valued config fields.
func NewClient(config ClientConfig) *Client {
	if config.BaseURL == "" {
		config.BaseURL = "http://127.0.0.1:11434"
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	return &Client{
		config:     config,
		httpClient: &http.Client{},
	}
}

// =============================================================================
// REQUEST / RESPONSE SHAPES
// =============================================================================

type generateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
	// KeepAlive controls residency: a duration keeps the model warm, 0
	// releases it after the call.
	KeepAlive string `json:"keep_alive,omitempty"`
}

type generateChunk struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

type embedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResponse struct {
	Embedding []float64 `json:"embedding"`
	Error     string    `json:"error,omitempty"`
}

type showRequest struct {
	Name string `json:"name"`
}

// =============================================================================
// OPERATIONS
// =============================================================================

// Health checks server reachability.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return backendErr(ErrKindNotRunning, "", "inference server unreachable", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return backendErr(ErrKindNotRunning, "", fmt.Sprintf("inference server status %d", resp.StatusCode), nil)
	}
	return nil
}

// Load warms a model with an empty generation and returns its size.
func (c *Client) Load(ctx context.Context, modelID string, contextTokens int) (int64, error) {
	body, _ := json.Marshal(generateRequest{
		Model:     modelID,
		Prompt:    "",
		Stream:    false,
		Options:   map[string]any{"num_ctx": contextTokens},
		KeepAlive: "30m",
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.config.BaseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, backendErr(ErrKindNotRunning, modelID, "load request failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return 0, backendErr(ErrKindModelNotFound, modelID, "model not found", nil)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, backendErr(ErrKindLoadFailed, modelID, fmt.Sprintf("load status %d", resp.StatusCode), nil)
	}
	return c.modelSize(ctx, modelID)
}

// Unload releases a model by requesting zero keep-alive.
func (c *Client) Unload(ctx context.Context, modelID string) error {
	body, _ := json.Marshal(generateRequest{
		Model:     modelID,
		Prompt:    "",
		Stream:    false,
		KeepAlive: "0",
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.config.BaseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return backendErr(ErrKindNotRunning, modelID, "unload request failed", err)
	}
	resp.Body.Close()
	return nil
}

// Generate streams a completion, invoking onToken per delta.
func (c *Client) Generate(ctx context.Context, modelID, prompt string, params SamplingParams, onToken func(string)) (string, error) {
	options := map[string]any{}
	if params.MaxTokens > 0 {
		options["num_predict"] = params.MaxTokens
	}
	if params.Temperature > 0 {
		options["temperature"] = params.Temperature
	}
	if params.ContextSize > 0 {
		options["num_ctx"] = params.ContextSize
	}
	body, _ := json.Marshal(generateRequest{
		Model:   modelID,
		Prompt:  prompt,
		Stream:  true,
		Options: options,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.config.BaseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", backendErr(ErrKindTimeout, modelID, "generation timed out", err)
		}
		if errors.Is(err, context.Canceled) {
			return "", backendErr(ErrKindCancelled, modelID, "generation cancelled", err)
		}
		return "", backendErr(ErrKindNotRunning, modelID, "generate request failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", backendErr(ErrKindUnknown, modelID, fmt.Sprintf("generate status %d", resp.StatusCode), nil)
	}

	var out strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var chunk generateChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			return out.String(), backendErr(ErrKindDecode, modelID, "stream decode failed", err)
		}
		if chunk.Error != "" {
			return out.String(), classifyServerError(modelID, chunk.Error)
		}
		if chunk.Response != "" {
			out.WriteString(chunk.Response)
			if onToken != nil {
				onToken(chunk.Response)
			}
		}
		if chunk.Done {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return out.String(), backendErr(ErrKindTimeout, modelID, "generation timed out", err)
		}
		if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
			return out.String(), backendErr(ErrKindCancelled, modelID, "generation cancelled", err)
		}
		return out.String(), backendErr(ErrKindDecode, modelID, "stream read failed", err)
	}
	return out.String(), nil
}

// Embed returns the embedding for text.
func (c *Client) Embed(ctx context.Context, modelID, text string) ([]float64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()
	body, _ := json.Marshal(embedRequest{Model: modelID, Prompt: text})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.config.BaseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, backendErr(ErrKindNotRunning, modelID, "embed request failed", err)
	}
	defer resp.Body.Close()
	var parsed embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, backendErr(ErrKindDecode, modelID, "embed decode failed", err)
	}
	if parsed.Error != "" {
		return nil, classifyServerError(modelID, parsed.Error)
	}
	return parsed.Embedding, nil
}

// modelSize looks the model's disk size up in the tag list; the resident
// size tracks it closely enough for status reporting.
func (c *Client) modelSize(ctx context.Context, modelID string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+"/api/tags", nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil
	}
	defer resp.Body.Close()
	var parsed struct {
		Models []struct {
			Name string `json:"name"`
			Size int64  `json:"size"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return 0, nil
	}
	for _, m := range parsed.Models {
		if m.Name == modelID || strings.HasPrefix(m.Name, modelID) {
			return m.Size, nil
		}
	}
	return 0, nil
}

// classifyServerError maps a server error string to a typed error.
func classifyServerError(modelID, message string) *BackendError {
	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "not found"):
		return backendErr(ErrKindModelNotFound, modelID, message, nil)
	case strings.Contains(lower, "out of memory"), strings.Contains(lower, "oom"):
		return backendErr(ErrKindOutOfMemory, modelID, message, nil)
	case strings.Contains(lower, "context"):
		return backendErr(ErrKindContextOverflow, modelID, message, nil)
	default:
		return backendErr(ErrKindUnknown, modelID, message, nil)
	}
}
