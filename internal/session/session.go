// Package session provides the per-session facade that owns the memory
// layer's lifecycle: the current episode, the ingestion and recall
// pipelines, and the reflection runner. One Session instance serves
// exactly one session id.
package session

import (
	"context"
	"sync"

	"github.com/weftmem/weft/internal/cache"
	"github.com/weftmem/weft/internal/config"
	"github.com/weftmem/weft/internal/embedding"
	"github.com/weftmem/weft/internal/episode"
	"github.com/weftmem/weft/internal/ingest"
	"github.com/weftmem/weft/internal/model"
	"github.com/weftmem/weft/internal/recall"
	"github.com/weftmem/weft/internal/reflection"
	"github.com/weftmem/weft/internal/reflectprovider"
	"github.com/weftmem/weft/internal/store"
	"github.com/weftmem/weft/internal/tokencount"
)

// Session is the facade for one conversational session. Ingest and recall
// are serialized with respect to the facade state; reflection runs in the
// background, serialized per session in episode-close order.
type Session struct {
	id        string
	storage   store.Store
	embedder  embedding.Embedder
	reflector reflectprovider.Reflector
	counter   tokencount.Counter
	cfg       config.Config

	caches     *cache.Caches
	episodes   *episode.Manager
	ingestPipe *ingest.Pipeline
	recallPipe *recall.Pipeline
	runner     *reflection.Runner

	mu          sync.Mutex
	initialized bool
	closed      bool
}

// Option configures a Session at construction.
type Option func(*Session)

// WithEmbedder sets the embedding provider. Defaults to a NullEmbedder
// (embeddings disabled, vector search empty).
func WithEmbedder(e embedding.Embedder) Option {
	return func(s *Session) { s.embedder = e }
}

// WithReflector sets the reflection provider. Defaults to a NullReflector
// (no facts are ever produced).
func WithReflector(r reflectprovider.Reflector) Option {
	return func(s *Session) { s.reflector = r }
}

// WithTokenCounter sets the token counter. Defaults to the ceil(chars/4)
// heuristic.
func WithTokenCounter(c tokencount.Counter) Option {
	return func(s *Session) { s.counter = c }
}

// WithConfig replaces the default configuration. The config is validated
// during New.
func WithConfig(cfg config.Config) Option {
	return func(s *Session) { s.cfg = cfg }
}

// New constructs a Session. Call Initialize before first use.
func New(sessionID string, storage store.Store, opts ...Option) (*Session, error) {
	if sessionID == "" {
		return nil, model.ValidationError("session_id", "session id must be non-empty")
	}
	if storage == nil {
		return nil, model.ValidationError("storage", "storage backend is required")
	}
	s := &Session{
		id:        sessionID,
		storage:   storage,
		embedder:  embedding.NewNullEmbedder(0),
		reflector: reflectprovider.NullReflector{},
		counter:   tokencount.NewHeuristic(),
		cfg:       config.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.cfg.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// CurrentEpisodeID returns the open episode's id, or "" before Initialize.
func (s *Session) CurrentEpisodeID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.episodes == nil {
		return ""
	}
	return s.episodes.CurrentEpisodeID()
}

// Initialize prepares storage and guarantees an open episode exists.
// Idempotent: calling it again after success is a no-op.
func (s *Session) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return model.ValidationError("session", "session is closed")
	}
	if s.initialized {
		return nil
	}

	if err := s.storage.Initialize(ctx); err != nil {
		return err
	}
	if err := s.storage.EnsureSession(ctx, s.id); err != nil {
		return err
	}

	caches, err := cache.New(s.cfg.Cache)
	if err != nil {
		return err
	}
	s.caches = caches

	s.episodes = episode.New(s.id, s.storage, &s.cfg)
	if err := s.episodes.Initialize(ctx); err != nil {
		return err
	}

	s.runner = reflection.New(s.id, s.storage, s.reflector, s.embedder, s.counter, &s.cfg, s.caches)

	s.ingestPipe = ingest.New(s.id, s.storage, s.embedder, s.counter, s.episodes, &s.cfg, s.caches,
		func(_ context.Context, closedID string) { s.runner.Enqueue(closedID) })
	if err := s.ingestPipe.Initialize(ctx); err != nil {
		return err
	}

	s.recallPipe = recall.New(s.id, s.storage, s.embedder, s.episodes, &s.cfg, s.caches)

	s.initialized = true
	return nil
}

func (s *Session) ensureReady() error {
	if s.closed {
		return model.ValidationError("session", "session is closed")
	}
	if !s.initialized {
		return model.ValidationError("session", "session not initialized; call Initialize first")
	}
	return nil
}

// Ingest records one turn. Calls on the same session are serialized.
func (s *Session) Ingest(ctx context.Context, role model.Role, content string, explicitMarkers []string, metadata map[string]string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureReady(); err != nil {
		return "", err
	}
	return s.ingestPipe.Ingest(ctx, role, content, explicitMarkers, metadata)
}

// Recall assembles token-budgeted context for a query. It may run while a
// reflection is pending; each storage read sees a coherent snapshot. A
// returned error of kind token_budget_exceeded is a diagnostic: the
// accompanying result is still the best effort that fit the budget.
func (s *Session) Recall(ctx context.Context, query string, opts recall.Options) ([]model.ContextItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	return s.recallPipe.Recall(ctx, query, opts)
}

// CloseEpisode force-closes the open episode, triggers reflection, and
// opens a fresh one. Returns the closed episode's id, or "" if the open
// episode had no turns.
func (s *Session) CloseEpisode(ctx context.Context, reason string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureReady(); err != nil {
		return "", err
	}
	closedID, err := s.episodes.CloseEpisode(ctx, reason)
	if err != nil {
		return "", err
	}
	if closedID != "" {
		s.runner.Enqueue(closedID)
	}
	return closedID, nil
}

// GetSessionStats reports counts of turns, episodes, facts, tokens
// ingested, and reflections executed.
func (s *Session) GetSessionStats(ctx context.Context) (model.SessionStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureReady(); err != nil {
		return model.SessionStats{}, err
	}
	return s.storage.GetSessionStats(ctx, s.id)
}

// SetTraceCallback installs the reflection trace sink.
func (s *Session) SetTraceCallback(fn reflection.TraceCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runner != nil {
		s.runner.SetTraceCallback(fn)
	}
}

// WaitReflections blocks until every pending reflection has finished.
func (s *Session) WaitReflections() {
	s.mu.Lock()
	runner := s.runner
	s.mu.Unlock()
	if runner != nil {
		runner.Wait()
	}
}

// Close closes the open episode (triggering a final reflection), awaits
// pending reflections, and releases resources. Safe to call repeatedly.
// The storage backend is left open; the caller that constructed it closes
// it.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	var closeErr error
	if s.initialized {
		closedID, err := s.episodes.CloseEpisode(ctx, "session_close")
		if err != nil {
			closeErr = err
		} else if closedID != "" {
			s.runner.Enqueue(closedID)
		}
	}
	runner := s.runner
	s.closed = true
	s.mu.Unlock()

	if runner != nil {
		runner.Close()
	}
	return closeErr
}
