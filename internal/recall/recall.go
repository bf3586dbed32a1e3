// Package recall assembles token-budgeted context for a query: gather
// candidates from four sources, score by relevance plus marker boost,
// pack under budget by priority, and emit in assembly order.
package recall

import (
	"context"
	"log"
	"sort"

	"github.com/weftmem/weft/internal/cache"
	"github.com/weftmem/weft/internal/config"
	"github.com/weftmem/weft/internal/embedding"
	"github.com/weftmem/weft/internal/episode"
	"github.com/weftmem/weft/internal/markers"
	"github.com/weftmem/weft/internal/model"
	"github.com/weftmem/weft/internal/store"
)

// defaultRelevance is assumed for scored candidates that never got an
// embedding (or when the query itself could not be embedded), so marked
// turns and facts stay reachable on the degraded path.
const defaultRelevance = 0.5

// Options tunes one recall call. Zero values fall back to configuration:
// TokenBudget to DefaultTokenBudget, MinRelevance to MinRelevanceThreshold.
type Options struct {
	TokenBudget           int
	IncludeCurrentEpisode bool
	MinRelevance          float64
	// CurrentEpisodeBudgetPct overrides the configured reservation when
	// non-negative. Callers leave it at -1 to use the config value.
	CurrentEpisodeBudgetPct float64
}

// DefaultOptions returns Options for an unconstrained recall call.
func DefaultOptions() Options {
	return Options{
		IncludeCurrentEpisode:   true,
		CurrentEpisodeBudgetPct: -1,
	}
}

// Pipeline recalls context for one session.
type Pipeline struct {
	sessionID string
	storage   store.Store
	embedder  embedding.Embedder
	episodes  *episode.Manager
	cfg       *config.Config
	caches    *cache.Caches
}

// New constructs a Pipeline.
func New(sessionID string, storage store.Store, embedder embedding.Embedder, episodes *episode.Manager, cfg *config.Config, caches *cache.Caches) *Pipeline {
	return &Pipeline{
		sessionID: sessionID,
		storage:   storage,
		embedder:  embedder,
		episodes:  episodes,
		cfg:       cfg,
		caches:    caches,
	}
}

// candidate pairs a context item with its relevance before boosting.
type candidate struct {
	item      model.ContextItem
	relevance float64
}

// Recall runs the full pipeline. It always returns a usable (possibly
// empty) result: provider and storage failures on side paths degrade the
// candidate set rather than failing the call. When candidates existed but
// none fit the budget, the empty result carries a token_budget_exceeded
// error as a diagnostic.
func (p *Pipeline) Recall(ctx context.Context, query string, opts Options) ([]model.ContextItem, error) {
	if query == "" {
		return nil, model.ValidationError("query", "query must be non-empty")
	}
	budget := opts.TokenBudget
	if budget <= 0 {
		budget = p.cfg.Recall.DefaultTokenBudget
	}
	if opts.MinRelevance < 0 || opts.MinRelevance > 1 {
		return nil, model.ValidationError("min_relevance", "must be between 0 and 1, got %f", opts.MinRelevance)
	}
	minRelevance := opts.MinRelevance
	if minRelevance == 0 {
		minRelevance = p.cfg.Recall.MinRelevanceThreshold
	}
	pct := opts.CurrentEpisodeBudgetPct
	if pct < 0 {
		pct = p.cfg.Recall.CurrentEpisodeBudgetPct
	}
	if pct > 1 {
		return nil, model.ValidationError("current_episode_budget_pct", "must be between 0 and 1, got %f", pct)
	}

	// Step 1: embed the query. Failure degrades to the non-vector path.
	var qv []float32
	if !embedding.IsNull(p.embedder) {
		v, err := embedding.EmbedText(ctx, p.embedder, query)
		if err != nil {
			log.Printf("recall: query embedding failed, degrading to non-vector path: %v", err)
		} else if !embedding.IsZero(v) {
			qv = v
		}
	}

	// Step 2: gather candidates from the four sources.
	var current []model.Turn
	if opts.IncludeCurrentEpisode {
		turns, err := p.episodes.CurrentEpisodeTurns(ctx)
		if err != nil {
			return nil, err
		}
		current = turns
	}

	marked := p.markedCandidates(ctx, qv, minRelevance)
	facts := p.factCandidates(ctx, qv, minRelevance)
	vectors := p.vectorCandidates(ctx, qv, minRelevance)

	// Step 7 (dedup by source id): a turn reachable from both the marked
	// and vector paths, or already in the current episode, is kept once.
	seen := make(map[string]bool, len(current)+len(marked))
	for _, t := range current {
		seen[t.ID] = true
	}
	for _, c := range marked {
		seen[c.item.SourceID] = true
	}
	var uniqueVectors []candidate
	for _, c := range vectors {
		if !seen[c.item.SourceID] {
			seen[c.item.SourceID] = true
			uniqueVectors = append(uniqueVectors, c)
		}
	}

	// Steps 4-6: pack under budget, then assemble in output order. The
	// returned error, when non-nil, is a token_budget_exceeded diagnostic
	// accompanying a best-effort (possibly empty) result, never a failure.
	return p.pack(budget, pct, current, marked, facts, uniqueVectors)
}

// markedCandidates loads marked turns from closed episodes and scores them.
func (p *Pipeline) markedCandidates(ctx context.Context, qv []float32, minRelevance float64) []candidate {
	turns, err := p.storage.GetMarkedTurns(ctx, p.sessionID, p.episodes.CurrentEpisodeID())
	if err != nil {
		log.Printf("recall: loading marked turns: %v", err)
		return nil
	}
	var out []candidate
	for _, t := range turns {
		relevance := p.turnRelevance(ctx, qv, t)
		if relevance < minRelevance {
			continue
		}
		out = append(out, p.turnCandidate(t, relevance))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].item.Score > out[j].item.Score })
	return out
}

// factCandidates loads the session's active facts and scores them.
func (p *Pipeline) factCandidates(ctx context.Context, qv []float32, minRelevance float64) []candidate {
	if !p.cfg.Reflection.Enabled {
		return nil
	}
	facts, err := p.activeFacts(ctx)
	if err != nil {
		log.Printf("recall: loading active facts: %v", err)
		return nil
	}
	var out []candidate
	for _, f := range facts {
		relevance := defaultRelevance
		if qv != nil && f.EmbeddingID != "" {
			if v, ok := p.getEmbedding(ctx, f.EmbeddingID); ok {
				relevance = embedding.CosineSimilarity(qv, v)
			}
		}
		if relevance < minRelevance {
			continue
		}
		boost := markers.Boost(f.Markers, p.cfg.MarkerWeights, model.DefaultCustomMarkerWeight)
		out = append(out, candidate{
			item: model.ContextItem{
				Content:    f.Content,
				SourceType: "fact",
				SourceID:   f.ID,
				Markers:    f.Markers,
				Score:      relevance + boost,
				TokenCount: f.TokenCount,
			},
			relevance: relevance,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].item.Score > out[j].item.Score })
	return out
}

// vectorCandidates finds unmarked past turns by vector similarity.
func (p *Pipeline) vectorCandidates(ctx context.Context, qv []float32, minRelevance float64) []candidate {
	if qv == nil {
		return nil
	}
	markersEmpty := true
	matches, err := p.storage.VectorSearch(ctx, qv, p.cfg.Recall.VectorSearchK, store.VectorFilter{
		SessionID:    p.sessionID,
		Kind:         "turn",
		MarkersEmpty: &markersEmpty,
	})
	if err != nil {
		log.Printf("recall: vector search: %v", err)
		return nil
	}
	currentEpisodeID := p.episodes.CurrentEpisodeID()
	var out []candidate
	for _, m := range matches {
		if m.Score < minRelevance {
			continue
		}
		if m.Metadata.EpisodeID == currentEpisodeID {
			continue
		}
		turn, ok := p.getTurn(ctx, m.ID)
		if !ok {
			continue
		}
		out = append(out, p.turnCandidate(turn, m.Score))
	}
	return out
}

func (p *Pipeline) turnRelevance(ctx context.Context, qv []float32, t model.Turn) float64 {
	if qv == nil || t.EmbeddingID == "" {
		return defaultRelevance
	}
	v, ok := p.getEmbedding(ctx, t.EmbeddingID)
	if !ok {
		return defaultRelevance
	}
	return embedding.CosineSimilarity(qv, v)
}

func (p *Pipeline) turnCandidate(t model.Turn, relevance float64) candidate {
	boost := markers.Boost(t.Markers, p.cfg.MarkerWeights, model.DefaultCustomMarkerWeight)
	return candidate{
		item: model.ContextItem{
			Content:    t.Content,
			Role:       t.Role,
			SourceType: "turn",
			SourceID:   t.ID,
			Markers:    t.Markers,
			Score:      relevance + boost,
			TokenCount: t.TokenCount,
		},
		relevance: relevance,
	}
}

func (p *Pipeline) getEmbedding(ctx context.Context, id string) ([]float32, bool) {
	if v, ok := p.caches.GetEmbedding(id); ok {
		return v, true
	}
	v, err := p.storage.GetEmbedding(ctx, id)
	if err != nil {
		return nil, false
	}
	p.caches.PutEmbedding(id, v)
	return v, true
}

func (p *Pipeline) getTurn(ctx context.Context, id string) (model.Turn, bool) {
	if t, ok := p.caches.GetTurn(id); ok {
		return t, true
	}
	t, err := p.storage.GetTurn(ctx, id)
	if err != nil {
		return model.Turn{}, false
	}
	p.caches.PutTurn(t)
	return t, true
}

func (p *Pipeline) activeFacts(ctx context.Context) ([]model.Fact, error) {
	if p.caches.ActiveFacts != nil {
		if facts, ok := p.caches.ActiveFacts.Get(p.sessionID); ok {
			return facts, nil
		}
	}
	active := model.FactActive
	facts, err := p.storage.GetFactsBySession(ctx, p.sessionID, &active)
	if err != nil {
		return nil, err
	}
	if p.caches.ActiveFacts != nil {
		p.caches.ActiveFacts.Add(p.sessionID, facts)
	}
	return facts, nil
}

// pack performs the priority-ordered budget allocation and final assembly.
// The reservation (step A) keeps the most recent current-episode turn, then
// the episode's marked turns, then its most recent unmarked turns; marked past turns
// (step B) fill in descending score until the first item that would
// overflow; facts and unmarked vector hits (step C) merge by score and
// skip items that do not fit. Output order is facts, then past turns by
// score, then current-episode turns chronologically.
//
// When candidates exist but none fit the budget, the empty result is
// accompanied by a token_budget_exceeded diagnostic.
func (p *Pipeline) pack(budget int, pct float64, current []model.Turn, marked, facts, vectors []candidate) ([]model.ContextItem, error) {
	used := 0

	// Step A: current-episode reservation.
	reservation := int(float64(budget) * pct)
	selectedCurrent := packCurrentEpisode(current, reservation, budget)
	for _, t := range selectedCurrent {
		used += t.TokenCount
	}
	if len(selectedCurrent) < len(current) {
		log.Printf("recall: current episode exceeds its %d-token reservation; dropped %d oldest unmarked turns",
			reservation, len(current)-len(selectedCurrent))
	}

	// Step B: marked past turns, descending score, stop at first overflow.
	var selectedMarked []candidate
	for _, c := range marked {
		if used+c.item.TokenCount > budget {
			break
		}
		selectedMarked = append(selectedMarked, c)
		used += c.item.TokenCount
	}

	// Step C: facts and unmarked vector results merged by score; items that
	// do not fit are skipped whole, never truncated.
	merged := append(append([]candidate(nil), facts...), vectors...)
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].item.Score > merged[j].item.Score })
	var selectedRest []candidate
	for _, c := range merged {
		if used+c.item.TokenCount > budget {
			continue
		}
		selectedRest = append(selectedRest, c)
		used += c.item.TokenCount
	}

	// Assemble: facts first, then past turns by descending score, then the
	// current episode chronologically.
	out := make([]model.ContextItem, 0, len(selectedRest)+len(selectedMarked)+len(selectedCurrent))
	var pastTurns []candidate
	for _, c := range selectedRest {
		if c.item.SourceType == "fact" {
			out = append(out, c.item)
		} else {
			pastTurns = append(pastTurns, c)
		}
	}
	pastTurns = append(pastTurns, selectedMarked...)
	sort.SliceStable(pastTurns, func(i, j int) bool { return pastTurns[i].item.Score > pastTurns[j].item.Score })
	for _, c := range pastTurns {
		out = append(out, c.item)
	}
	for _, t := range selectedCurrent {
		out = append(out, model.ContextItem{
			Content:    t.Content,
			Role:       t.Role,
			SourceType: "turn",
			SourceID:   t.ID,
			Markers:    t.Markers,
			TokenCount: t.TokenCount,
		})
	}

	if len(out) == 0 {
		if min := smallestCandidate(current, marked, facts, vectors); min > 0 {
			return out, model.BudgetExceededError(budget, min)
		}
	}
	return out, nil
}

// smallestCandidate returns the smallest token count across every gathered
// candidate, or 0 when there were none. Used to size the budget diagnostic
// when packing could not fit a single item.
func smallestCandidate(current []model.Turn, sources ...[]candidate) int {
	min := 0
	note := func(tokens int) {
		if tokens > 0 && (min == 0 || tokens < min) {
			min = tokens
		}
	}
	for _, t := range current {
		note(t.TokenCount)
	}
	for _, source := range sources {
		for _, c := range source {
			note(c.item.TokenCount)
		}
	}
	return min
}

// packCurrentEpisode fits the open episode's turns into the reservation:
// the most recent turn is retained first, then the remaining marked turns
// (most recent first), then the most recent unmarked turns. The most recent
// turn is retained whenever it fits the full budget, even if the reservation
// alone cannot hold it, so a large trailing turn borrows space instead of
// vanishing; older marked turns that no longer fit are dropped.
// Chronological order is preserved in the returned slice.
func packCurrentEpisode(turns []model.Turn, reservation, budget int) []model.Turn {
	total := 0
	for _, t := range turns {
		total += t.TokenCount
	}
	if total <= reservation {
		return turns
	}

	keep := make(map[string]bool, len(turns))
	used := 0

	recent := turns[len(turns)-1]
	capacity := reservation
	if recent.TokenCount > capacity && recent.TokenCount <= budget {
		capacity = recent.TokenCount
	}
	if recent.TokenCount <= capacity {
		keep[recent.ID] = true
		used = recent.TokenCount
	}

	// Remaining marked turns are retained next, most recent first.
	droppedMarked := 0
	for i := len(turns) - 2; i >= 0; i-- {
		t := turns[i]
		if len(t.Markers) == 0 {
			continue
		}
		if used+t.TokenCount <= capacity {
			keep[t.ID] = true
			used += t.TokenCount
		} else {
			droppedMarked++
		}
	}
	if droppedMarked > 0 {
		log.Printf("recall: current episode's marked turns alone exceed the %d-token reservation; dropped %d", reservation, droppedMarked)
	}
	// Fill the remainder with the most recent unmarked turns.
	for i := len(turns) - 2; i >= 0; i-- {
		t := turns[i]
		if len(t.Markers) > 0 {
			continue
		}
		if used+t.TokenCount <= capacity {
			keep[t.ID] = true
			used += t.TokenCount
		}
	}

	var out []model.Turn
	for _, t := range turns {
		if keep[t.ID] {
			out = append(out, t)
		}
	}
	return out
}
