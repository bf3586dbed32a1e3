// Package reflectprovider implements LLM-assisted fact extraction and
// consolidation over an OpenAI-compatible chat-completions endpoint.
package reflectprovider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/weftmem/weft/internal/config"
	"github.com/weftmem/weft/internal/model"
	"github.com/weftmem/weft/internal/retry"
)

// Reflector extracts standalone facts from a closed episode (the legacy,
// non-consolidating path).
type Reflector interface {
	Reflect(ctx context.Context, episode model.Episode, turns []model.Turn) ([]model.Fact, error)
}

// ConsolidatingReflector additionally merges prior active facts with new
// episode content, returning typed actions instead of standalone facts.
type ConsolidatingReflector interface {
	Reflector
	ReflectWithConsolidation(ctx context.Context, episode model.Episode, turns []model.Turn, priorFacts []model.Fact) ([]model.ConsolidationAction, error)
}

// NullReflector performs no reflection; used when reflection is disabled
// or no provider is configured.
type NullReflector struct{}

func (NullReflector) Reflect(context.Context, model.Episode, []model.Turn) ([]model.Fact, error) {
	return nil, nil
}

func (NullReflector) ReflectWithConsolidation(context.Context, model.Episode, []model.Turn, []model.Fact) ([]model.ConsolidationAction, error) {
	return nil, nil
}

// HTTPReflector drives an OpenAI-compatible chat-completions endpoint to
// extract and consolidate facts.
type HTTPReflector struct {
	baseURL  string
	model    string
	apiKey   string
	maxFacts int
	client   *http.Client
	retry    config.Retry
}

// NewHTTPReflector constructs an HTTPReflector.
func NewHTTPReflector(baseURL, modelName, apiKey string, maxFacts int, retryCfg config.Retry) *HTTPReflector {
	if maxFacts <= 0 {
		maxFacts = 5
	}
	return &HTTPReflector{
		baseURL:  strings.TrimRight(baseURL, "/"),
		model:    modelName,
		apiKey:   apiKey,
		maxFacts: maxFacts,
		client:   &http.Client{Timeout: 60 * time.Second},
		retry:    retryCfg,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string                 `json:"model"`
	Messages       []chatMessage          `json:"messages"`
	ResponseFormat map[string]string      `json:"response_format"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (r *HTTPReflector) call(ctx context.Context, prompt string) (string, error) {
	req := chatRequest{
		Model: r.model,
		Messages: []chatMessage{
			{Role: "user", Content: prompt},
		},
		ResponseFormat: map[string]string{"type": "json_object"},
	}
	body, _ := json.Marshal(req)

	var content string
	err := retry.Do(ctx, r.retry, retry.DefaultRetryable, func() error {
		httpReq, err := http.NewRequestWithContext(ctx, "POST", r.baseURL+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			return err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if r.apiKey != "" {
			httpReq.Header.Set("Authorization", "Bearer "+r.apiKey)
		}
		resp, err := r.client.Do(httpReq)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != 200 {
			b, _ := io.ReadAll(resp.Body)
			retryable := resp.StatusCode == 429 || resp.StatusCode >= 500
			return model.ProviderError("reflector", retryable, fmt.Errorf("status %d: %s", resp.StatusCode, string(b)))
		}
		var out chatResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return err
		}
		if len(out.Choices) == 0 {
			return fmt.Errorf("no choices returned")
		}
		content = out.Choices[0].Message.Content
		return nil
	})
	if err != nil {
		return "", model.ProviderError("reflector", true, err)
	}
	return content, nil
}

// Reflect extracts standalone facts from an episode's turns.
func (r *HTTPReflector) Reflect(ctx context.Context, episode model.Episode, turns []model.Turn) ([]model.Fact, error) {
	if len(turns) == 0 {
		return nil, nil
	}
	prompt := reflectionPrompt(turns, r.maxFacts)
	content, err := r.call(ctx, prompt)
	if err != nil {
		return nil, err
	}
	return parseFacts(content, episode)
}

// ReflectWithConsolidation merges prior facts with new episode content.
func (r *HTTPReflector) ReflectWithConsolidation(ctx context.Context, episode model.Episode, turns []model.Turn, priorFacts []model.Fact) ([]model.ConsolidationAction, error) {
	if len(turns) == 0 {
		return nil, nil
	}
	prompt := consolidationPrompt(priorFacts, turns)
	content, err := r.call(ctx, prompt)
	if err != nil {
		return nil, err
	}
	return parseActions(content)
}

func reflectionPrompt(turns []model.Turn, maxFacts int) string {
	var b strings.Builder
	b.WriteString("Extract durable facts worth remembering from this conversation episode.\n")
	b.WriteString("Respond with JSON: {\"facts\": [{\"content\": str, \"fact_type\": str, \"confidence\": float}]}\n")
	fmt.Fprintf(&b, "Return at most %d facts.\n\nTurns:\n", maxFacts)
	for _, t := range turns {
		fmt.Fprintf(&b, "[%s]: %s\n", t.Role, t.Content)
	}
	return b.String()
}

func consolidationPrompt(priorFacts []model.Fact, turns []model.Turn) string {
	var b strings.Builder
	b.WriteString("Consolidate prior facts with new episode content.\n")
	b.WriteString("For each prior fact, decide keep/update/remove. Propose add for genuinely new facts.\n")
	b.WriteString("Respond with JSON: {\"actions\": [{\"action\": str, \"content\": str, \"fact_type\": str, ")
	b.WriteString("\"confidence\": float, \"source_fact_id\": str, \"reason\": str}]}\n\nPrior facts:\n")
	for _, f := range priorFacts {
		fmt.Fprintf(&b, "[%s] %s\n", f.ID, f.Content)
	}
	b.WriteString("\nTurns:\n")
	for _, t := range turns {
		fmt.Fprintf(&b, "[%s]: %s\n", t.Role, t.Content)
	}
	return b.String()
}

type factPayload struct {
	Content    string  `json:"content"`
	FactType   string  `json:"fact_type"`
	Confidence float64 `json:"confidence"`
}

func parseFacts(content string, episode model.Episode) ([]model.Fact, error) {
	var parsed struct {
		Facts []factPayload `json:"facts"`
	}
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		return nil, model.ProviderError("reflector", false, fmt.Errorf("parse facts: %w", err))
	}
	facts := make([]model.Fact, 0, len(parsed.Facts))
	for _, p := range parsed.Facts {
		facts = append(facts, model.Fact{
			SourceEpisodeIDs: []string{episode.ID},
			Content:          p.Content,
			Markers:          markersFromFactType(p.FactType),
			Status:           model.FactActive,
			Confidence:       p.Confidence,
		})
	}
	return facts, nil
}

type actionPayload struct {
	Action       string  `json:"action"`
	Content      string  `json:"content"`
	FactType     string  `json:"fact_type"`
	Confidence   float64 `json:"confidence"`
	SourceFactID string  `json:"source_fact_id"`
	Reason       string  `json:"reason"`
}

func parseActions(content string) ([]model.ConsolidationAction, error) {
	var parsed struct {
		Actions []actionPayload `json:"actions"`
	}
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		return nil, model.ProviderError("reflector", false, fmt.Errorf("parse actions: %w", err))
	}
	actions := make([]model.ConsolidationAction, 0, len(parsed.Actions))
	for _, p := range parsed.Actions {
		actions = append(actions, model.ConsolidationAction{
			Action:       model.ConsolidationActionType(p.Action),
			Content:      p.Content,
			FactType:     p.FactType,
			Confidence:   p.Confidence,
			SourceFactID: p.SourceFactID,
			Reason:       p.Reason,
		})
	}
	return actions, nil
}

// NewFromEnv creates a reflector from environment variables, falling back
// to NullReflector when no provider is configured.
// WEFT_REFLECT_URL: OpenAI-compatible base URL (enables the provider)
// WEFT_REFLECT_MODEL: model name
// OPENAI_API_KEY: bearer token, if the endpoint needs one
func NewFromEnv(maxFacts int, retryCfg config.Retry) Reflector {
	baseURL := os.Getenv("WEFT_REFLECT_URL")
	if baseURL == "" {
		return NullReflector{}
	}
	return NewHTTPReflector(baseURL, os.Getenv("WEFT_REFLECT_MODEL"), os.Getenv("OPENAI_API_KEY"), maxFacts, retryCfg)
}

func markersFromFactType(factType string) []string {
	if factType == "" {
		return nil
	}
	return []string{factType}
}
