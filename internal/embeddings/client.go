package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"
)

// ErrDimensionMismatch is returned when a provider's vectors do not have the
// dimension the graph index was created with.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// Embedder is the interface for embedding providers (Ollama, LMStudio, etc.)
type Embedder interface {
	// Embed generates an embedding for a single text string
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple text strings in a single request
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Health checks if the service is available and the model is loaded
	Health(ctx context.Context) error
}

// NewEmbedder creates a new embedding client based on the provider type
// Supported providers: "ollama", "lmstudio"
func NewEmbedder(provider, baseURL, model string) (Embedder, error) {
	if baseURL == "" {
		baseURL = DefaultURL(provider)
	}
	if model == "" {
		model = DefaultModel(provider)
	}
	switch provider {
	case "ollama":
		return NewOllamaClient(baseURL, model), nil
	case "lmstudio":
		return NewLMStudioClient(baseURL, model), nil
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s (supported: ollama, lmstudio)", provider)
	}
}

func DefaultURL(provider string) string {
	switch provider {
	case "ollama":
		return "http://localhost:11434"
	case "lmstudio":
		return "http://localhost:1234"
	default:
		return ""
	}
}

// DefaultModel is a multilingual model; forum posts are mostly German.
func DefaultModel(provider string) string {
	switch provider {
	case "ollama":
		return "nomic-embed-text"
	case "lmstudio":
		return "text-embedding-nomic-embed-text-v1.5"
	default:
		return ""
	}
}

// Probe embeds a fixed text once and returns the provider's vector dimension.
func Probe(ctx context.Context, e Embedder) (int, error) {
	vec, err := e.Embed(ctx, "dimension probe")
	if err != nil {
		return 0, fmt.Errorf("probe embedder: %w", err)
	}
	return len(vec), nil
}

// CheckDimension fails when the provider's dimension differs from want.
func CheckDimension(ctx context.Context, e Embedder, want int) error {
	got, err := Probe(ctx, e)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("%w: provider returns %d, index expects %d", ErrDimensionMismatch, got, want)
	}
	return nil
}

// CosineSimilarity computes the cosine similarity between two vectors
// Returns a value between -1 and 1, where 1 means identical direction
func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) {
		return 0
	}

	var dotProduct, normA, normB float32
	for i := range a {
		dotProduct += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (float32(math.Sqrt(float64(normA))) * float32(math.Sqrt(float64(normB))))
}

func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

// postJSON sends body to url and decodes a 200 response into out.
func postJSON(ctx context.Context, client *http.Client, url, provider string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s error (status %d): %s", provider, resp.StatusCode, string(bodyBytes))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func getJSON(ctx context.Context, client *http.Client, url string, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode response: %w", err)
	}
	return resp.StatusCode, nil
}
