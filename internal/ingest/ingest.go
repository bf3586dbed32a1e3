// Package ingest implements the ingestion pipeline: validate, mark,
// count tokens, assign to an episode, persist, embed.
package ingest

import (
	"context"
	"log"
	"time"

	"github.com/weftmem/weft/internal/cache"
	"github.com/weftmem/weft/internal/config"
	"github.com/weftmem/weft/internal/embedding"
	"github.com/weftmem/weft/internal/episode"
	"github.com/weftmem/weft/internal/idgen"
	"github.com/weftmem/weft/internal/markers"
	"github.com/weftmem/weft/internal/model"
	"github.com/weftmem/weft/internal/store"
	"github.com/weftmem/weft/internal/tokencount"
)

// CloseNotifier is invoked whenever an ingest closes an episode as a
// side effect, so the session facade can trigger reflection without the
// pipeline knowing about reflection itself.
type CloseNotifier func(ctx context.Context, closedEpisodeID string)

// Pipeline ingests turns for one session.
type Pipeline struct {
	sessionID string
	storage   store.Store
	embedder  embedding.Embedder
	counter   tokencount.Counter
	episodes  *episode.Manager
	cfg       *config.Config
	caches    *cache.Caches
	onClose   CloseNotifier

	position int
}

// New constructs a Pipeline. Call Initialize before first use.
func New(sessionID string, storage store.Store, embedder embedding.Embedder, counter tokencount.Counter, episodes *episode.Manager, cfg *config.Config, caches *cache.Caches, onClose CloseNotifier) *Pipeline {
	return &Pipeline{
		sessionID: sessionID,
		storage:   storage,
		embedder:  embedder,
		counter:   counter,
		episodes:  episodes,
		cfg:       cfg,
		caches:    caches,
		onClose:   onClose,
	}
}

// Initialize seeds the turn-position counter from existing storage state.
func (p *Pipeline) Initialize(ctx context.Context) error {
	n, err := p.storage.CountTurnsBySession(ctx, p.sessionID)
	if err != nil {
		return err
	}
	p.position = n
	return nil
}

// Ingest runs the full pipeline for one turn and returns its id.
func (p *Pipeline) Ingest(ctx context.Context, role model.Role, content string, explicitMarkers []string, metadata map[string]string) (string, error) {
	// 1. Validate.
	if !model.ValidRoles[role] {
		return "", model.ValidationError("role", "invalid role %q", role)
	}
	if content == "" {
		return "", model.ValidationError("content", "content must be non-empty")
	}
	if len(content) > p.cfg.MaxContentLength {
		return "", model.ValidationError("content", "content exceeds max_content_length (%d)", p.cfg.MaxContentLength)
	}
	for _, m := range explicitMarkers {
		if !markers.Validate(m) {
			return "", model.ValidationError("markers", "malformed marker %q", m)
		}
	}

	// 2. Detect markers.
	effective := markers.Merge(explicitMarkers, content, p.cfg.AutoDetectMarkers)

	// 3. Compute tokens.
	tokenCount := p.counter.Count(content)

	turn := model.Turn{
		ID:         idgen.New(),
		SessionID:  p.sessionID,
		Role:       role,
		Content:    content,
		Markers:    effective,
		TokenCount: tokenCount,
		Metadata:   metadata,
		CreatedAt:  time.Now(),
		Position:   p.position,
	}

	// 4. Assign episode; this may close the current one and open a new one.
	episodeID, closedIDs, err := p.episodes.AssignTurn(ctx, &turn)
	if err != nil {
		return "", err
	}
	turn.EpisodeID = episodeID

	// 6. Persist turn. No embedding is issued on failure.
	if err := p.storage.SaveTurn(ctx, turn); err != nil {
		return "", err
	}
	p.position++
	p.caches.PutTurn(turn)

	// 7-8. Embed and persist the embedding, keyed by the turn id so vector
	// search hits map straight back to turns. Swallow-and-log on permanent
	// failure: the turn remains retrievable by id and by marker/current
	// episode paths, but will not surface from vector search.
	if !embedding.IsNull(p.embedder) {
		vector, err := embedding.EmbedText(ctx, p.embedder, content)
		if err != nil {
			log.Printf("ingest: embedding failed for turn %s: %v", turn.ID, err)
		} else {
			meta := model.EmbeddingMetadata{
				SessionID:  p.sessionID,
				Kind:       "turn",
				EpisodeID:  episodeID,
				HasMarkers: len(effective) > 0,
			}
			if err := p.storage.SaveEmbedding(ctx, turn.ID, vector, meta); err != nil {
				log.Printf("ingest: saving embedding failed for turn %s: %v", turn.ID, err)
			} else {
				turn.EmbeddingID = turn.ID
				if uerr := p.storage.UpdateTurnEmbedding(ctx, turn.ID, turn.EmbeddingID); uerr != nil {
					log.Printf("ingest: linking embedding to turn %s failed: %v", turn.ID, uerr)
				}
				p.caches.PutEmbedding(turn.ID, vector)
				p.caches.PutTurn(turn)
			}
		}
	}

	// 9. Trigger reflection for any episode closed as a side effect.
	if p.onClose != nil {
		for _, closedID := range closedIDs {
			p.onClose(ctx, closedID)
		}
	}

	return turn.ID, nil
}
