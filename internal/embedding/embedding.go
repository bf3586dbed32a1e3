// Package embedding provides a pluggable interface for text embedding
// providers, with Ollama and OpenAI-compatible implementations.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"time"

	"github.com/weftmem/weft/internal/chunker"
	"github.com/weftmem/weft/internal/config"
	"github.com/weftmem/weft/internal/model"
	"github.com/weftmem/weft/internal/retry"
)

// Vector is a float32 embedding vector.
type Vector = []float32

// Embedder converts text into dense vector representations for semantic
// similarity search. One vector is returned per input, in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([]Vector, error)
	Dimension() int
}

// CosineSimilarity computes cosine similarity between two vectors,
// returning 0 for mismatched or empty vectors.
func CosineSimilarity(a, b Vector) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// EmbedText embeds a single text, splitting content past the provider's
// comfortable input size into pieces and mean-pooling the piece vectors so
// the caller still gets exactly one vector per text.
func EmbedText(ctx context.Context, e Embedder, text string) (Vector, error) {
	pieces := chunker.Split(text, chunker.DefaultOptions())
	if len(pieces) == 0 {
		return make(Vector, e.Dimension()), nil
	}
	vectors, err := e.Embed(ctx, pieces)
	if err != nil {
		return nil, err
	}
	if len(vectors) == 1 {
		return vectors[0], nil
	}
	return MeanPool(vectors), nil
}

// MeanPool averages a set of equal-dimension vectors. Used both for
// chunked-content embeddings and for episode centroids in reflection.
func MeanPool(vectors []Vector) Vector {
	if len(vectors) == 0 {
		return nil
	}
	dim := len(vectors[0])
	sum := make([]float64, dim)
	n := 0
	for _, v := range vectors {
		if len(v) != dim {
			continue
		}
		for i, f := range v {
			sum[i] += float64(f)
		}
		n++
	}
	if n == 0 {
		return nil
	}
	out := make(Vector, dim)
	for i := range sum {
		out[i] = float32(sum[i] / float64(n))
	}
	return out
}

// IsZero reports whether v is all zeros (a NullEmbedder product); scoring
// and dedup treat zero vectors as "no embedding available".
func IsZero(v Vector) bool {
	for _, f := range v {
		if f != 0 {
			return false
		}
	}
	return true
}

// NullEmbedder returns zero vectors of a fixed dimension, for sessions
// constructed without a real embedding provider.
type NullEmbedder struct {
	dimension int
}

// NewNullEmbedder returns a NullEmbedder of the given dimension.
func NewNullEmbedder(dimension int) *NullEmbedder {
	if dimension <= 0 {
		dimension = 1536
	}
	return &NullEmbedder{dimension: dimension}
}

func (e *NullEmbedder) Embed(_ context.Context, texts []string) ([]Vector, error) {
	out := make([]Vector, len(texts))
	for i := range texts {
		out[i] = make(Vector, e.dimension)
	}
	return out, nil
}

func (e *NullEmbedder) Dimension() int { return e.dimension }

// IsNull reports whether e is a zero-vector NullEmbedder, used by the
// reflection scoping step to treat "no real embedder configured" as
// "include every candidate" rather than comparing zero vectors.
func IsNull(e Embedder) bool {
	_, ok := e.(*NullEmbedder)
	return ok
}

// --- Ollama provider ---

// OllamaEmbedder uses a local Ollama instance for embeddings.
type OllamaEmbedder struct {
	baseURL string
	model   string
	dims    int
	client  *http.Client
	retry   config.Retry
}

type ollamaRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaResponse struct {
	Embedding []float32 `json:"embedding"`
}

// NewOllamaEmbedder creates an embedder using Ollama's API.
// Default model: nomic-embed-text (768 dims), all-minilm (384 dims).
func NewOllamaEmbedder(model string, retryCfg config.Retry) *OllamaEmbedder {
	baseURL := os.Getenv("OLLAMA_HOST")
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	dims := 768
	if model == "all-minilm" {
		dims = 384
	}
	return &OllamaEmbedder{
		baseURL: baseURL,
		model:   model,
		dims:    dims,
		client:  &http.Client{Timeout: 30 * time.Second},
		retry:   retryCfg,
	}
}

func (e *OllamaEmbedder) Embed(ctx context.Context, texts []string) ([]Vector, error) {
	out := make([]Vector, len(texts))
	for i, text := range texts {
		var vec Vector
		err := retry.Do(ctx, e.retry, retry.DefaultRetryable, func() error {
			v, err := e.embedOne(ctx, text)
			if err != nil {
				return err
			}
			vec = v
			return nil
		})
		if err != nil {
			return nil, model.ProviderError("ollama", true, err)
		}
		out[i] = vec
	}
	return out, nil
}

func (e *OllamaEmbedder) embedOne(ctx context.Context, text string) (Vector, error) {
	body, _ := json.Marshal(ollamaRequest{Model: e.model, Prompt: text})
	req, err := http.NewRequestWithContext(ctx, "POST", e.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("ollama error %d: %s", resp.StatusCode, string(b))
	}

	var result ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return result.Embedding, nil
}

func (e *OllamaEmbedder) Dimension() int { return e.dims }

// --- OpenAI-compatible provider ---

// OpenAIEmbedder uses any OpenAI-compatible embedding API, batching all
// texts into a single request.
type OpenAIEmbedder struct {
	baseURL string
	apiKey  string
	model   string
	dims    int
	client  *http.Client
	retry   config.Retry
}

type openaiEmbedRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type openaiEmbedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// NewOpenAIEmbedder creates an embedder using an OpenAI-compatible API.
func NewOpenAIEmbedder(baseURL, apiKey, model string, dims int, retryCfg config.Retry) *OpenAIEmbedder {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if model == "" {
		model = "text-embedding-3-small"
	}
	if dims == 0 {
		dims = 1536
	}
	return &OpenAIEmbedder{
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   model,
		dims:    dims,
		client:  &http.Client{Timeout: 30 * time.Second},
		retry:   retryCfg,
	}
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([]Vector, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	var out []Vector
	err := retry.Do(ctx, e.retry, retry.DefaultRetryable, func() error {
		vecs, err := e.embedBatch(ctx, texts)
		if err != nil {
			return err
		}
		out = vecs
		return nil
	})
	if err != nil {
		return nil, model.ProviderError("openai", true, err)
	}
	return out, nil
}

func (e *OpenAIEmbedder) embedBatch(ctx context.Context, texts []string) ([]Vector, error) {
	body, _ := json.Marshal(openaiEmbedRequest{Input: texts, Model: e.model})
	req, err := http.NewRequestWithContext(ctx, "POST", e.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openai request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("openai error %d: %s", resp.StatusCode, string(b))
	}

	var result openaiEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	if len(result.Data) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(result.Data))
	}
	out := make([]Vector, len(texts))
	for _, d := range result.Data {
		out[d.Index] = d.Embedding
	}
	return out, nil
}

func (e *OpenAIEmbedder) Dimension() int { return e.dims }

// --- Factory ---

// NewFromEnv creates an embedder from environment variables, falling
// back to NullEmbedder when no provider is configured.
// WEFT_EMBED_PROVIDER: "ollama" | "openai" | "" (disabled)
// WEFT_EMBED_MODEL: model name
// WEFT_EMBED_URL: base URL override
// OPENAI_API_KEY: for the openai provider
func NewFromEnv(retryCfg config.Retry) Embedder {
	provider := os.Getenv("WEFT_EMBED_PROVIDER")
	modelName := os.Getenv("WEFT_EMBED_MODEL")

	switch provider {
	case "ollama":
		if modelName == "" {
			modelName = "nomic-embed-text"
		}
		return NewOllamaEmbedder(modelName, retryCfg)
	case "openai":
		url := os.Getenv("WEFT_EMBED_URL")
		key := os.Getenv("OPENAI_API_KEY")
		return NewOpenAIEmbedder(url, key, modelName, 0, retryCfg)
	default:
		return NewNullEmbedder(1536)
	}
}
