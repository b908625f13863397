// Package embedding defines the collaborator interface the core consumes
// to turn query/fact text into dense vectors. The core never requires a
// provider: callers may always supply vectors directly to Store and Search.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sovereign-memory/trustengine/internal/apperr"
)

// ErrNoProvider is returned by NoopProvider, for deployments that only ever
// pass pre-computed vectors.
var ErrNoProvider = apperr.InvalidArgument("no embedding provider configured")

// Provider turns text into a fixed-dimension dense vector.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// NoopProvider always fails; used when the engine is configured to accept
// only caller-supplied vectors.
type NoopProvider struct {
	Dim int
}

func (p NoopProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, ErrNoProvider
}

func (p NoopProvider) Dimensions() int {
	return p.Dim
}

// HTTPProvider calls an Ollama/OpenAI-compatible /embeddings endpoint.
type HTTPProvider struct {
	BaseURL    string
	Model      string
	Dim        int
	HTTPClient *http.Client
}

// NewHTTPProvider builds an HTTPProvider with a bounded-timeout client.
func NewHTTPProvider(baseURL, model string, dim int) *HTTPProvider {
	return &HTTPProvider{
		BaseURL: baseURL,
		Model:   model,
		Dim:     dim,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type embedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed requests a single embedding vector for text.
func (p *HTTPProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embedRequest{Model: p.Model, Input: text})
	if err != nil {
		return nil, apperr.Internal("embedding: marshal request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, apperr.Internal("embedding: build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.HTTPClient.Do(req)
	if err != nil {
		return nil, apperr.Unavailable("embedding provider request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apperr.Internal(fmt.Sprintf("embedding provider returned status %d", resp.StatusCode), nil)
	}

	var parsed embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, apperr.Internal("embedding: decode response", err)
	}
	if len(parsed.Data) == 0 {
		return nil, apperr.Internal("embedding: empty response", nil)
	}
	return parsed.Data[0].Embedding, nil
}

// Dimensions returns the configured vector dimension.
func (p *HTTPProvider) Dimensions() int {
	return p.Dim
}
