// Package config holds validated configuration for the memory layer.
package config

import (
	"regexp"

	"github.com/weftmem/weft/internal/model"
)

// EpisodeBoundary configures automatic episode closing.
type EpisodeBoundary struct {
	MaxTurnsPerEpisode int
	MaxTimeGapSeconds  int
	CloseOnToolResult  bool
	ClosePatterns      []string

	compiled []*regexp.Regexp
}

func defaultEpisodeBoundary() EpisodeBoundary {
	return EpisodeBoundary{
		MaxTurnsPerEpisode: 6,
		MaxTimeGapSeconds:  1800,
		CloseOnToolResult:  false,
		ClosePatterns:      nil,
	}
}

// compile lazily compiles configured regex patterns, caching the result.
func (b *EpisodeBoundary) compile() error {
	if len(b.compiled) == len(b.ClosePatterns) {
		return nil
	}
	compiled := make([]*regexp.Regexp, 0, len(b.ClosePatterns))
	for _, p := range b.ClosePatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return model.ValidationError("close_on_patterns", "invalid pattern %q: %v", p, err)
		}
		compiled = append(compiled, re)
	}
	b.compiled = compiled
	return nil
}

// MatchesContent reports whether content matches any close pattern.
func (b *EpisodeBoundary) MatchesContent(content string) bool {
	for _, re := range b.compiled {
		if re.MatchString(content) {
			return true
		}
	}
	return false
}

// Recall configures the recall pipeline.
type Recall struct {
	DefaultTokenBudget       int
	CurrentEpisodeBudgetPct  float64
	VectorSearchK            int
	MinRelevanceThreshold    float64
}

func defaultRecall() Recall {
	return Recall{
		DefaultTokenBudget:      4000,
		CurrentEpisodeBudgetPct: 0.4,
		VectorSearchK:           10,
		MinRelevanceThreshold:   0.0,
	}
}

// Reflection configures the reflection runner.
type Reflection struct {
	Enabled                         bool
	MinEpisodeTurns                 int
	MaxFactsPerEpisode              int
	MinConfidence                   float64
	ConsolidationSimilarityThreshold float64
	DedupSimilarityThreshold        float64
	ConsolidationMaxScopedFacts     int
}

func defaultReflection() Reflection {
	return Reflection{
		Enabled:                          true,
		MinEpisodeTurns:                  3,
		MaxFactsPerEpisode:               5,
		MinConfidence:                    0.7,
		ConsolidationSimilarityThreshold: 0.3,
		DedupSimilarityThreshold:         0.95,
		ConsolidationMaxScopedFacts:      20,
	}
}

// Retry configures the provider-call retry policy.
type Retry struct {
	MaxAttempts     int
	BaseDelaySecs   float64
	MaxDelaySecs    float64
	ExponentialBase float64
	Jitter          bool
}

func defaultRetry() Retry {
	return Retry{
		MaxAttempts:     3,
		BaseDelaySecs:   0.5,
		MaxDelaySecs:    30,
		ExponentialBase: 2.0,
		Jitter:          true,
	}
}

// Cache configures the optional bounded LRU cache.
type Cache struct {
	Enabled       bool
	MaxTurns      int
	MaxEpisodes   int
	MaxEmbeddings int
	MaxFacts      int
}

func defaultCache() Cache {
	return Cache{
		Enabled:       true,
		MaxTurns:      1000,
		MaxEpisodes:   100,
		MaxEmbeddings: 1000,
		MaxFacts:      500,
	}
}

// Config is the complete, validated configuration for a session.
type Config struct {
	AutoDetectMarkers bool
	MarkerWeights     map[string]float64
	EpisodeBoundary   EpisodeBoundary
	Recall            Recall
	Reflection        Reflection
	Retry             Retry
	Cache             Cache
	MaxContentLength  int
}

// Default returns a Config populated with defaults.
func Default() Config {
	weights := make(map[string]float64, len(model.DefaultMarkerWeights))
	for k, v := range model.DefaultMarkerWeights {
		weights[k] = v
	}
	return Config{
		AutoDetectMarkers: true,
		MarkerWeights:     weights,
		EpisodeBoundary:   defaultEpisodeBoundary(),
		Recall:            defaultRecall(),
		Reflection:        defaultReflection(),
		Retry:             defaultRetry(),
		Cache:             defaultCache(),
		MaxContentLength:  100_000,
	}
}

// Option mutates a Config during construction.
type Option func(*Config)

// New builds a validated Config from Default() plus the given options.
func New(opts ...Option) (Config, error) {
	cfg := Default()
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration for internally-consistent values.
func (c *Config) Validate() error {
	if c.Recall.CurrentEpisodeBudgetPct < 0 || c.Recall.CurrentEpisodeBudgetPct > 1 {
		return model.ValidationError("current_episode_budget_pct",
			"must be between 0 and 1, got %f", c.Recall.CurrentEpisodeBudgetPct)
	}
	if c.Recall.VectorSearchK <= 0 {
		return model.ValidationError("vector_search_k", "must be positive, got %d", c.Recall.VectorSearchK)
	}
	if c.Recall.DefaultTokenBudget <= 0 {
		return model.ValidationError("default_token_budget", "must be positive, got %d", c.Recall.DefaultTokenBudget)
	}
	if c.Recall.MinRelevanceThreshold < 0 || c.Recall.MinRelevanceThreshold > 1 {
		return model.ValidationError("min_relevance_threshold",
			"must be between 0 and 1, got %f", c.Recall.MinRelevanceThreshold)
	}
	if c.EpisodeBoundary.MaxTurnsPerEpisode <= 0 {
		return model.ValidationError("max_turns_per_episode", "must be positive, got %d", c.EpisodeBoundary.MaxTurnsPerEpisode)
	}
	if c.EpisodeBoundary.MaxTimeGapSeconds <= 0 {
		return model.ValidationError("max_time_gap_seconds", "must be positive, got %d", c.EpisodeBoundary.MaxTimeGapSeconds)
	}
	if err := c.EpisodeBoundary.compile(); err != nil {
		return err
	}
	if c.Reflection.MinEpisodeTurns <= 0 {
		return model.ValidationError("min_episode_turns", "must be positive, got %d", c.Reflection.MinEpisodeTurns)
	}
	if c.Reflection.MaxFactsPerEpisode <= 0 {
		return model.ValidationError("max_facts_per_episode", "must be positive, got %d", c.Reflection.MaxFactsPerEpisode)
	}
	for marker, weight := range c.MarkerWeights {
		if weight < 0 {
			return model.ValidationError("marker_weights", "weight for %q must be non-negative, got %f", marker, weight)
		}
	}
	if c.MaxContentLength <= 0 {
		return model.ValidationError("max_content_length", "must be positive, got %d", c.MaxContentLength)
	}
	if c.Retry.MaxAttempts <= 0 {
		return model.ValidationError("retry.max_attempts", "must be positive, got %d", c.Retry.MaxAttempts)
	}
	return nil
}

// MarkerWeight returns the configured weight for a marker, falling back to
// DefaultCustomMarkerWeight for anything not explicitly configured
// (including all "custom:*" markers).
func (c *Config) MarkerWeight(marker string) float64 {
	if w, ok := c.MarkerWeights[marker]; ok {
		return w
	}
	return model.DefaultCustomMarkerWeight
}
