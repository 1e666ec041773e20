// Package embeddings provides optional dense-vector embedders used to blend
// semantic similarity into relevance search.
package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultOllamaURL   = "http://127.0.0.1:11434"
	DefaultOllamaModel = "nomic-embed-text"
)

// Embedder turns texts into vectors. Implementations must return one vector
// per input, in input order.
type Embedder interface {
	Model() string
	Embed(ctx context.Context, inputs []string) ([][]float32, error)
}

// OllamaClient calls a local Ollama server's /api/embed endpoint.
type OllamaClient struct {
	BaseURL   string
	ModelName string
	Client    *http.Client
}

// NewOllama returns a client with a per-request timeout.
func NewOllama(baseURL, model string, timeout time.Duration) *OllamaClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &OllamaClient{
		BaseURL:   baseURL,
		ModelName: model,
		Client:    &http.Client{Timeout: timeout},
	}
}

type ollamaEmbedRequest struct {
	Model string         `json:"model"`
	Input []string       `json:"input"`
	Opts  *ollamaOptions `json:"options,omitempty"`
}

type ollamaOptions struct {
	Truncate bool `json:"truncate,omitempty"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
}

// Model returns the configured model name, or the default.
func (c *OllamaClient) Model() string {
	if c == nil {
		return DefaultOllamaModel
	}
	if m := strings.TrimSpace(c.ModelName); m != "" {
		return m
	}
	return DefaultOllamaModel
}

func (c *OllamaClient) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	if c == nil {
		return nil, errors.New("ollama client is nil")
	}
	if len(inputs) == 0 {
		return nil, nil
	}
	base := strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if base == "" {
		base = DefaultOllamaURL
	}
	httpClient := c.Client
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}

	reqBody, err := json.Marshal(ollamaEmbedRequest{
		Model: c.Model(),
		Input: inputs,
		Opts:  &ollamaOptions{Truncate: true},
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/api/embed", bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("ollama embed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out ollamaEmbedResponse
	if err = json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	if len(out.Embeddings) != len(inputs) {
		return nil, fmt.Errorf("ollama embed: got %d vectors for %d inputs", len(out.Embeddings), len(inputs))
	}

	vecs := make([][]float32, 0, len(out.Embeddings))
	for _, v := range out.Embeddings {
		if len(v) == 0 {
			vecs = append(vecs, nil)
			continue
		}
		f := make([]float32, len(v))
		for i := range v {
			f[i] = float32(v[i])
		}
		vecs = append(vecs, f)
	}
	return vecs, nil
}
