// Package reflection distills closed episodes into durable facts,
// consolidating against prior facts with supersession semantics. A
// single FIFO worker goroutine per session runs reflections one at a
// time, in episode-close order.
package reflection

import (
	"context"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/weftmem/weft/internal/cache"
	"github.com/weftmem/weft/internal/config"
	"github.com/weftmem/weft/internal/embedding"
	"github.com/weftmem/weft/internal/idgen"
	"github.com/weftmem/weft/internal/model"
	"github.com/weftmem/weft/internal/reflectprovider"
	"github.com/weftmem/weft/internal/store"
	"github.com/weftmem/weft/internal/tokencount"
)

// Modes a reflection can run in: "initial" extracts facts from episode
// turns alone; "consolidation" merges prior active facts with new turns.
const (
	ModeInitial       = "initial"
	ModeConsolidation = "consolidation"
)

// TraceTurn is a truncated view of one input turn in a Trace.
type TraceTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TraceFact is a compact view of a fact referenced by a Trace.
type TraceFact struct {
	ID           string   `json:"id"`
	Content      string   `json:"content"`
	Markers      []string `json:"markers,omitempty"`
	SupersededBy string   `json:"superseded_by,omitempty"`
}

// Trace captures one complete reflection: inputs, the provider's raw
// output, and everything that was persisted or superseded. Emitted at most
// once per reflection through the trace callback.
type Trace struct {
	EpisodeID       string                      `json:"episode_id"`
	Mode            string                      `json:"mode"`
	InputTurnCount  int                         `json:"input_turn_count"`
	InputTurns      []TraceTurn                 `json:"input_turns"`
	PriorFacts      []TraceFact                 `json:"prior_facts,omitempty"`
	ScopedFactCount int                         `json:"scoped_fact_count"`
	RawActions      []model.ConsolidationAction `json:"raw_actions,omitempty"`
	RawOutput       string                      `json:"raw_output,omitempty"`
	SavedFacts      []TraceFact                 `json:"saved_facts"`
	SupersededFacts []TraceFact                 `json:"superseded_facts"`
	SkippedActions  int                         `json:"skipped_actions"`
	ElapsedMs       int64                       `json:"elapsed_ms"`
}

// TraceCallback receives reflection traces when installed on a Runner.
type TraceCallback func(Trace)

// Runner consolidates closed episodes into facts for one session. Episode
// ids enqueued for reflection are processed by a single worker goroutine,
// so at most one reflection runs per session at a time and reflections
// execute in close order.
type Runner struct {
	sessionID string
	storage   store.Store
	reflector reflectprovider.Reflector
	embedder  embedding.Embedder
	counter   tokencount.Counter
	cfg       *config.Config
	caches    *cache.Caches

	traceMu sync.Mutex
	trace   TraceCallback

	mu      sync.Mutex
	carried []model.Turn

	jobs     chan string
	wg       sync.WaitGroup
	stopOnce sync.Once
	baseCtx  context.Context
	cancel   context.CancelFunc
}

// New constructs a Runner and starts its worker goroutine. Call Close to
// drain pending work and stop the worker.
func New(sessionID string, storage store.Store, reflector reflectprovider.Reflector, embedder embedding.Embedder, counter tokencount.Counter, cfg *config.Config, caches *cache.Caches) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		sessionID: sessionID,
		storage:   storage,
		reflector: reflector,
		embedder:  embedder,
		counter:   counter,
		cfg:       cfg,
		caches:    caches,
		jobs:      make(chan string, 64),
		baseCtx:   ctx,
		cancel:    cancel,
	}
	go r.loop()
	return r
}

// SetTraceCallback installs (or clears, with nil) the trace sink.
func (r *Runner) SetTraceCallback(fn TraceCallback) {
	r.traceMu.Lock()
	r.trace = fn
	r.traceMu.Unlock()
}

// Enqueue schedules a closed episode for reflection. Fire-and-forget: the
// call returns once the id is queued; failures are logged by the worker.
func (r *Runner) Enqueue(episodeID string) {
	if !r.cfg.Reflection.Enabled {
		return
	}
	r.wg.Add(1)
	r.jobs <- episodeID
}

// Wait blocks until every enqueued reflection has finished.
func (r *Runner) Wait() { r.wg.Wait() }

// Close drains pending reflections and stops the worker. Safe to call
// more than once.
func (r *Runner) Close() {
	r.wg.Wait()
	r.stopOnce.Do(func() {
		close(r.jobs)
		r.cancel()
	})
}

func (r *Runner) loop() {
	for id := range r.jobs {
		if err := r.Run(r.baseCtx, id); err != nil {
			log.Printf("reflection: episode %s: %v", id, err)
		}
		r.wg.Done()
	}
}

// Run executes one reflection synchronously. The worker goroutine calls
// this for enqueued episodes; tests may call it directly.
func (r *Runner) Run(ctx context.Context, episodeID string) error {
	if !r.cfg.Reflection.Enabled {
		return nil
	}

	episode, err := r.storage.GetEpisode(ctx, episodeID)
	if err != nil {
		return err
	}
	turns, err := r.storage.GetTurnsByEpisode(ctx, episodeID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	combined := append(append([]model.Turn(nil), r.carried...), turns...)
	r.mu.Unlock()

	if err := r.storage.RecordReflectionRun(ctx, r.sessionID); err != nil {
		log.Printf("reflection: recording run for session %s: %v", r.sessionID, err)
	}

	start := time.Now()
	trace := Trace{
		EpisodeID:       episodeID,
		Mode:            ModeInitial,
		InputTurnCount:  len(combined),
		InputTurns:      traceTurns(combined),
		SavedFacts:      []TraceFact{},
		SupersededFacts: []TraceFact{},
	}

	activeStatus := model.FactActive
	priorFacts, err := r.storage.GetFactsBySession(ctx, r.sessionID, &activeStatus)
	if err != nil {
		return err
	}

	// Below the turn threshold with nothing to consolidate against:
	// retain the turns for the next eligible reflection instead of
	// calling the provider.
	if len(combined) < r.cfg.Reflection.MinEpisodeTurns && len(priorFacts) == 0 {
		r.mu.Lock()
		r.carried = combined
		r.mu.Unlock()
		r.emit(trace, start)
		return nil
	}

	centroid := r.episodeCentroid(ctx, combined)

	var actions []model.ConsolidationAction
	consolidator, canConsolidate := r.reflector.(reflectprovider.ConsolidatingReflector)
	if len(priorFacts) > 0 && canConsolidate {
		trace.Mode = ModeConsolidation
		trace.PriorFacts = traceFacts(priorFacts)
		scoped := r.scopeFacts(ctx, centroid, priorFacts)
		trace.ScopedFactCount = len(scoped)
		actions, err = consolidator.ReflectWithConsolidation(ctx, episode, combined, scoped)
	} else {
		var proposed []model.Fact
		proposed, err = r.reflector.Reflect(ctx, episode, combined)
		for _, f := range proposed {
			actions = append(actions, model.ConsolidationAction{
				Action:     model.ConsolidationAdd,
				Content:    f.Content,
				FactType:   firstMarker(f.Markers),
				Confidence: f.Confidence,
			})
		}
	}
	if err != nil {
		// Provider failure leaves all existing facts untouched; the
		// episode stays closed and its turns carry forward.
		r.mu.Lock()
		r.carried = combined
		r.mu.Unlock()
		trace.RawOutput = err.Error()
		r.emit(trace, start)
		return err
	}
	trace.RawActions = actions

	r.applyActions(ctx, episode, actions, priorFacts, &trace)

	r.mu.Lock()
	r.carried = nil
	r.mu.Unlock()

	r.emit(trace, start)
	return nil
}

// applyActions processes consolidation actions one at a time. Each action
// is independent: a failing action is logged and skipped, never rolling
// back or blocking the ones before or after it.
func (r *Runner) applyActions(ctx context.Context, episode model.Episode, actions []model.ConsolidationAction, priorFacts []model.Fact, trace *Trace) {
	priorByID := make(map[string]model.Fact, len(priorFacts))
	for _, f := range priorFacts {
		priorByID[f.ID] = f
	}

	// Active facts with vectors, for dedup of adds within this run too.
	activeVectors := r.loadFactVectors(ctx, priorFacts)

	saved := 0
	for _, action := range actions {
		switch action.Action {
		case model.ConsolidationKeep:
			// Fact stays active untouched.

		case model.ConsolidationAdd:
			if saved >= r.cfg.Reflection.MaxFactsPerEpisode {
				trace.SkippedActions++
				continue
			}
			if action.Confidence < r.cfg.Reflection.MinConfidence {
				log.Printf("reflection: dropping low-confidence add (%.2f): %.60s", action.Confidence, action.Content)
				trace.SkippedActions++
				continue
			}
			fact, vector, ok := r.addFact(ctx, episode, action, activeVectors)
			if !ok {
				trace.SkippedActions++
				continue
			}
			saved++
			trace.SavedFacts = append(trace.SavedFacts, TraceFact{ID: fact.ID, Content: fact.Content, Markers: fact.Markers})
			if vector != nil {
				activeVectors = append(activeVectors, factVector{fact: fact, vector: vector})
			}

		case model.ConsolidationUpdate:
			target, ok := r.lookupTarget(ctx, action.SourceFactID, priorByID)
			if !ok {
				log.Printf("reflection: update references unknown fact %q", action.SourceFactID)
				trace.SkippedActions++
				continue
			}
			if target.Status != model.FactActive {
				// Already superseded: no-op.
				log.Printf("reflection: update target %s already superseded", target.ID)
				trace.SkippedActions++
				continue
			}
			if action.Confidence < r.cfg.Reflection.MinConfidence {
				trace.SkippedActions++
				continue
			}
			if saved >= r.cfg.Reflection.MaxFactsPerEpisode {
				trace.SkippedActions++
				continue
			}
			fact, _, ok := r.addFact(ctx, episode, action, nil)
			if !ok {
				trace.SkippedActions++
				continue
			}
			now := time.Now()
			if err := r.storage.UpdateFactSupersession(ctx, target.ID, fact.ID, now); err != nil {
				log.Printf("reflection: superseding fact %s: %v", target.ID, err)
				trace.SkippedActions++
				continue
			}
			r.caches.InvalidateActiveFacts(r.sessionID)
			saved++
			trace.SavedFacts = append(trace.SavedFacts, TraceFact{ID: fact.ID, Content: fact.Content, Markers: fact.Markers})
			trace.SupersededFacts = append(trace.SupersededFacts, TraceFact{ID: target.ID, Content: target.Content, SupersededBy: fact.ID})

		case model.ConsolidationRemove:
			target, ok := r.lookupTarget(ctx, action.SourceFactID, priorByID)
			if !ok {
				log.Printf("reflection: remove references unknown fact %q", action.SourceFactID)
				trace.SkippedActions++
				continue
			}
			now := time.Now()
			if err := r.storage.UpdateFactSupersession(ctx, target.ID, "", now); err != nil {
				log.Printf("reflection: removing fact %s: %v", target.ID, err)
				trace.SkippedActions++
				continue
			}
			r.caches.InvalidateActiveFacts(r.sessionID)
			trace.SupersededFacts = append(trace.SupersededFacts, TraceFact{ID: target.ID, Content: target.Content})

		default:
			log.Printf("reflection: unknown action %q skipped", action.Action)
			trace.SkippedActions++
		}
	}
}

// addFact embeds, dedup-checks, and persists a new active fact. Returns
// ok=false when the fact was discarded as a duplicate or persistence
// failed. activeVectors may be nil to skip dedup (update replacements are
// expected to resemble the fact they replace).
func (r *Runner) addFact(ctx context.Context, episode model.Episode, action model.ConsolidationAction, activeVectors []factVector) (model.Fact, []float32, bool) {
	fact := model.Fact{
		ID:               idgen.New(),
		SessionID:        r.sessionID,
		SourceEpisodeIDs: []string{episode.ID},
		Content:          action.Content,
		Markers:          markersFromFactType(action.FactType),
		Status:           model.FactActive,
		Confidence:       action.Confidence,
		TokenCount:       r.counter.Count(action.Content),
		CreatedAt:        time.Now(),
	}

	var vector []float32
	if !embedding.IsNull(r.embedder) {
		v, err := embedding.EmbedText(ctx, r.embedder, fact.Content)
		if err != nil {
			log.Printf("reflection: embedding fact failed: %v", err)
		} else {
			vector = v
		}
	}

	if vector != nil && !embedding.IsZero(vector) {
		for _, existing := range activeVectors {
			sim := embedding.CosineSimilarity(vector, existing.vector)
			if sim >= r.cfg.Reflection.DedupSimilarityThreshold {
				log.Printf("reflection: dedup: %.60s is %.3f similar to fact %s", fact.Content, sim, existing.fact.ID)
				return model.Fact{}, nil, false
			}
		}
	}

	if vector != nil {
		meta := model.EmbeddingMetadata{
			SessionID:  r.sessionID,
			Kind:       "fact",
			EpisodeID:  episode.ID,
			HasMarkers: len(fact.Markers) > 0,
		}
		if err := r.storage.SaveEmbedding(ctx, fact.ID, vector, meta); err != nil {
			log.Printf("reflection: saving fact embedding: %v", err)
		} else {
			fact.EmbeddingID = fact.ID
			r.caches.PutEmbedding(fact.ID, vector)
		}
	}

	if err := r.storage.SaveFact(ctx, fact); err != nil {
		log.Printf("reflection: saving fact: %v", err)
		return model.Fact{}, nil, false
	}
	r.caches.InvalidateActiveFacts(r.sessionID)
	return fact, vector, true
}

func (r *Runner) lookupTarget(ctx context.Context, id string, priorByID map[string]model.Fact) (model.Fact, bool) {
	if id == "" {
		return model.Fact{}, false
	}
	if f, ok := priorByID[id]; ok {
		return f, true
	}
	// The provider may reference a fact outside the scoped set.
	f, err := r.storage.GetFact(ctx, id)
	if err != nil {
		return model.Fact{}, false
	}
	return f, true
}

// episodeCentroid is the mean of the episode's turn embeddings, falling
// back to embedding the concatenated content when none are stored. Returns
// nil when no real embedder is configured.
func (r *Runner) episodeCentroid(ctx context.Context, turns []model.Turn) []float32 {
	if embedding.IsNull(r.embedder) {
		return nil
	}
	var vectors [][]float32
	for _, t := range turns {
		if t.EmbeddingID == "" {
			continue
		}
		v, ok := r.caches.GetEmbedding(t.EmbeddingID)
		if !ok {
			var err error
			v, err = r.storage.GetEmbedding(ctx, t.EmbeddingID)
			if err != nil {
				continue
			}
			r.caches.PutEmbedding(t.EmbeddingID, v)
		}
		vectors = append(vectors, v)
	}
	if len(vectors) > 0 {
		return embedding.MeanPool(vectors)
	}

	var b strings.Builder
	for i, t := range turns {
		if i > 0 {
			b.WriteString(" ")
		}
		b.WriteString(t.Content)
	}
	v, err := embedding.EmbedText(ctx, r.embedder, b.String())
	if err != nil {
		log.Printf("reflection: embedding episode for scoping: %v", err)
		return nil
	}
	return v
}

// scopeFacts selects the prior facts worth sending to the provider: those
// whose embeddings sit within the consolidation similarity threshold of
// the episode centroid, capped at the configured maximum. Facts without
// embeddings are always included, and an empty scope falls back to all
// prior facts so consolidation never silently loses its baseline.
func (r *Runner) scopeFacts(ctx context.Context, centroid []float32, priorFacts []model.Fact) []model.Fact {
	if centroid == nil || embedding.IsZero(centroid) {
		return capFacts(priorFacts, r.cfg.Reflection.ConsolidationMaxScopedFacts)
	}

	type scoredFact struct {
		fact model.Fact
		sim  float64
	}
	var scoped []scoredFact
	for _, f := range priorFacts {
		if f.EmbeddingID == "" {
			scoped = append(scoped, scoredFact{fact: f, sim: 1})
			continue
		}
		v, ok := r.caches.GetEmbedding(f.EmbeddingID)
		if !ok {
			var err error
			v, err = r.storage.GetEmbedding(ctx, f.EmbeddingID)
			if err != nil {
				scoped = append(scoped, scoredFact{fact: f, sim: 1})
				continue
			}
			r.caches.PutEmbedding(f.EmbeddingID, v)
		}
		sim := embedding.CosineSimilarity(centroid, v)
		if sim >= r.cfg.Reflection.ConsolidationSimilarityThreshold {
			scoped = append(scoped, scoredFact{fact: f, sim: sim})
		}
	}

	if len(scoped) == 0 {
		return capFacts(priorFacts, r.cfg.Reflection.ConsolidationMaxScopedFacts)
	}

	// Highest similarity first before applying the cap.
	sort.SliceStable(scoped, func(i, j int) bool { return scoped[i].sim > scoped[j].sim })
	out := make([]model.Fact, 0, len(scoped))
	for _, s := range scoped {
		out = append(out, s.fact)
	}
	return capFacts(out, r.cfg.Reflection.ConsolidationMaxScopedFacts)
}

type factVector struct {
	fact   model.Fact
	vector []float32
}

func (r *Runner) loadFactVectors(ctx context.Context, facts []model.Fact) []factVector {
	var out []factVector
	for _, f := range facts {
		if f.EmbeddingID == "" {
			continue
		}
		v, ok := r.caches.GetEmbedding(f.EmbeddingID)
		if !ok {
			var err error
			v, err = r.storage.GetEmbedding(ctx, f.EmbeddingID)
			if err != nil {
				continue
			}
			r.caches.PutEmbedding(f.EmbeddingID, v)
		}
		out = append(out, factVector{fact: f, vector: v})
	}
	return out
}

func (r *Runner) emit(trace Trace, start time.Time) {
	r.traceMu.Lock()
	fn := r.trace
	r.traceMu.Unlock()
	if fn == nil {
		return
	}
	trace.ElapsedMs = time.Since(start).Milliseconds()
	defer func() {
		if p := recover(); p != nil {
			log.Printf("reflection: trace callback panicked: %v", p)
		}
	}()
	fn(trace)
}

func traceTurns(turns []model.Turn) []TraceTurn {
	out := make([]TraceTurn, 0, len(turns))
	for _, t := range turns {
		content := t.Content
		if len(content) > 200 {
			content = content[:200]
		}
		out = append(out, TraceTurn{Role: string(t.Role), Content: content})
	}
	return out
}

func traceFacts(facts []model.Fact) []TraceFact {
	out := make([]TraceFact, 0, len(facts))
	for _, f := range facts {
		out = append(out, TraceFact{ID: f.ID, Content: f.Content, Markers: f.Markers})
	}
	return out
}

func capFacts(facts []model.Fact, max int) []model.Fact {
	if max > 0 && len(facts) > max {
		return facts[:max]
	}
	return facts
}

func markersFromFactType(factType string) []string {
	if factType == "" {
		return nil
	}
	return []string{factType}
}

func firstMarker(markers []string) string {
	if len(markers) == 0 {
		return ""
	}
	return markers[0]
}
