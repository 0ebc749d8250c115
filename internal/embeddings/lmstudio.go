package embeddings

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

var _ Embedder = (*LMStudioClient)(nil)

// LMStudioClient talks to LM Studio's OpenAI-compatible API
type LMStudioClient struct {
	baseURL string
	model   string
	client  *http.Client
}

func NewLMStudioClient(baseURL, model string) *LMStudioClient {
	return &LMStudioClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		client:  newHTTPClient(3 * time.Minute),
	}
}

type openAIEmbedRequest struct {
	Input interface{} `json:"input"` // string or []string
	Model string      `json:"model"`
}

type openAIEmbedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Model string `json:"model"`
}

func (c *LMStudioClient) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("text cannot be empty")
	}

	var resp openAIEmbedResponse
	if err := postJSON(ctx, c.client, c.baseURL+"/v1/embeddings", "lmstudio", openAIEmbedRequest{Input: text, Model: c.model}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("no embeddings returned")
	}
	return resp.Data[0].Embedding, nil
}

func (c *LMStudioClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("texts cannot be empty")
	}

	var resp openAIEmbedResponse
	if err := postJSON(ctx, c.client, c.baseURL+"/v1/embeddings", "lmstudio", openAIEmbedRequest{Input: texts, Model: c.model}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(resp.Data))
	}

	// The API may return items out of order
	result := make([][]float32, len(texts))
	for _, data := range resp.Data {
		if data.Index < 0 || data.Index >= len(texts) {
			return nil, fmt.Errorf("invalid embedding index: %d", data.Index)
		}
		result[data.Index] = data.Embedding
	}
	return result, nil
}

// Health checks that LM Studio is up with at least one model loaded. The
// configured model is not required to be listed: LM Studio accepts
// identifiers it does not report.
func (c *LMStudioClient) Health(ctx context.Context) error {
	var modelsResp struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	status, err := getJSON(ctx, c.client, c.baseURL+"/v1/models", &modelsResp)
	if err != nil {
		return fmt.Errorf("lmstudio not available: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("lmstudio returned status %d", status)
	}
	if len(modelsResp.Data) == 0 {
		return fmt.Errorf("no models loaded in lmstudio")
	}
	return nil
}
