// Package cache provides bounded, per-entity write-through caches in
// front of the storage backend, built on
// github.com/hashicorp/golang-lru/v2. Caches are non-authoritative:
// storage remains the source of truth and a disabled cache only costs
// the extra reads.
package cache

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/weftmem/weft/internal/config"
	"github.com/weftmem/weft/internal/model"
)

// Caches holds the four bounded entity caches a session may consult
// before falling back to storage. A nil field means caching for that
// entity kind is disabled.
type Caches struct {
	Turns       *lru.Cache[string, model.Turn]
	Episodes    *lru.Cache[string, model.Episode]
	Embeddings  *lru.Cache[string, []float32]
	Facts       *lru.Cache[string, model.Fact]

	// ActiveFacts caches the active-fact list per session, invalidated
	// whenever a fact in that session is superseded or added.
	ActiveFacts *lru.Cache[string, []model.Fact]
}

// New builds a Caches from cfg, or a Caches with every field nil when
// caching is disabled.
func New(cfg config.Cache) (*Caches, error) {
	if !cfg.Enabled {
		return &Caches{}, nil
	}
	turns, err := lru.New[string, model.Turn](cfg.MaxTurns)
	if err != nil {
		return nil, err
	}
	episodes, err := lru.New[string, model.Episode](cfg.MaxEpisodes)
	if err != nil {
		return nil, err
	}
	embeddings, err := lru.New[string, []float32](cfg.MaxEmbeddings)
	if err != nil {
		return nil, err
	}
	facts, err := lru.New[string, model.Fact](cfg.MaxFacts)
	if err != nil {
		return nil, err
	}
	activeFacts, err := lru.New[string, []model.Fact](128)
	if err != nil {
		return nil, err
	}
	return &Caches{
		Turns:       turns,
		Episodes:    episodes,
		Embeddings:  embeddings,
		Facts:       facts,
		ActiveFacts: activeFacts,
	}, nil
}

// InvalidateActiveFacts drops the cached active-fact list for a session,
// called whenever reflection adds, updates, or removes a fact so the next
// recall re-reads storage.
func (c *Caches) InvalidateActiveFacts(sessionID string) {
	if c.ActiveFacts != nil {
		c.ActiveFacts.Remove(sessionID)
	}
}

// PutTurn writes a turn into the turn cache, a no-op if caching is disabled.
func (c *Caches) PutTurn(t model.Turn) {
	if c.Turns != nil {
		c.Turns.Add(t.ID, t)
	}
}

// GetTurn reads a turn from cache.
func (c *Caches) GetTurn(id string) (model.Turn, bool) {
	if c.Turns == nil {
		return model.Turn{}, false
	}
	return c.Turns.Get(id)
}

// PutEpisode writes an episode into the episode cache.
func (c *Caches) PutEpisode(e model.Episode) {
	if c.Episodes != nil {
		c.Episodes.Add(e.ID, e)
	}
}

// GetEpisode reads an episode from cache.
func (c *Caches) GetEpisode(id string) (model.Episode, bool) {
	if c.Episodes == nil {
		return model.Episode{}, false
	}
	return c.Episodes.Get(id)
}

// PutEmbedding writes a vector into the embedding cache.
func (c *Caches) PutEmbedding(id string, v []float32) {
	if c.Embeddings != nil {
		c.Embeddings.Add(id, v)
	}
}

// GetEmbedding reads a vector from cache.
func (c *Caches) GetEmbedding(id string) ([]float32, bool) {
	if c.Embeddings == nil {
		return nil, false
	}
	return c.Embeddings.Get(id)
}
