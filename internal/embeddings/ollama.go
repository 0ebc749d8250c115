package embeddings

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

var _ Embedder = (*OllamaClient)(nil)

// OllamaClient represents an Ollama embedding client
type OllamaClient struct {
	baseURL string
	model   string
	client  *http.Client
}

// NewOllamaClient creates a new Ollama embedding client
func NewOllamaClient(baseURL, model string) *OllamaClient {
	// Larger models (qwen, etc.) need more time to generate embeddings
	timeout := 60 * time.Second
	if strings.HasPrefix(model, "qwen3-embedding") {
		timeout = 3 * time.Minute
	}

	return &OllamaClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		client:  newHTTPClient(timeout),
	}
}

// embedRequest is the request format for Ollama's /api/embed endpoint
type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Model      string      `json:"model"`
	Embeddings [][]float32 `json:"embeddings"`
}

func (c *OllamaClient) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("text cannot be empty")
	}
	vecs, err := c.embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("no embeddings returned")
	}
	return vecs[0], nil
}

func (c *OllamaClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("texts cannot be empty")
	}
	vecs, err := c.embed(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(vecs))
	}
	return vecs, nil
}

func (c *OllamaClient) embed(ctx context.Context, texts []string) ([][]float32, error) {
	var resp embedResponse
	if err := postJSON(ctx, c.client, c.baseURL+"/api/embed", "ollama", embedRequest{Model: c.model, Input: texts}, &resp); err != nil {
		return nil, err
	}
	return resp.Embeddings, nil
}

// Health checks if the Ollama service is available and the model is pulled
func (c *OllamaClient) Health(ctx context.Context) error {
	var tagsResp struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	status, err := getJSON(ctx, c.client, c.baseURL+"/api/tags", &tagsResp)
	if err != nil {
		return fmt.Errorf("ollama not available: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("ollama returned status %d", status)
	}

	// Compare base names without tags
	wanted := stripModelTag(c.model)
	for _, model := range tagsResp.Models {
		if stripModelTag(model.Name) == wanted {
			return nil
		}
	}

	return fmt.Errorf("model %s not found (run: ollama pull %s)", c.model, c.model)
}

// stripModelTag removes the tag suffix from a model name (e.g., "model:latest" -> "model")
func stripModelTag(modelName string) string {
	name, _, _ := strings.Cut(modelName, ":")
	return name
}
