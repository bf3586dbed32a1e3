package recall

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/weftmem/weft/internal/cache"
	"github.com/weftmem/weft/internal/config"
	"github.com/weftmem/weft/internal/embedding"
	"github.com/weftmem/weft/internal/episode"
	"github.com/weftmem/weft/internal/idgen"
	"github.com/weftmem/weft/internal/model"
	"github.com/weftmem/weft/internal/store"
	"github.com/weftmem/weft/internal/tokencount"
)

// stubEmbedder maps keyword presence onto axes so similarity is
// predictable: texts sharing a keyword are close, others are not, and the
// shared trailing component keeps every similarity non-negative.
type stubEmbedder struct{}

var keywords = []string{"database", "deploy", "cache"}

func (stubEmbedder) Embed(_ context.Context, texts []string) ([]embedding.Vector, error) {
	out := make([]embedding.Vector, len(texts))
	for i, text := range texts {
		v := make(embedding.Vector, len(keywords)+1)
		lower := strings.ToLower(text)
		for j, kw := range keywords {
			if strings.Contains(lower, kw) {
				v[j] = 1
			}
		}
		v[len(keywords)] = 0.1
		out[i] = v
	}
	return out, nil
}

func (stubEmbedder) Dimension() int { return len(keywords) + 1 }

type fixture struct {
	pipeline *Pipeline
	storage  *store.SQLiteStore
	episodes *episode.Manager
	counter  tokencount.Counter
	cfg      config.Config
}

func newFixture(t *testing.T, opts ...config.Option) *fixture {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "weft.db"))
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()
	if err := s.EnsureSession(ctx, "s1"); err != nil {
		t.Fatalf("ensure session: %v", err)
	}

	cfg, err := config.New(opts...)
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	caches, err := cache.New(cfg.Cache)
	if err != nil {
		t.Fatalf("caches: %v", err)
	}
	episodes := episode.New("s1", s, &cfg)
	if err := episodes.Initialize(ctx); err != nil {
		t.Fatalf("episode manager: %v", err)
	}

	f := &fixture{storage: s, episodes: episodes, counter: tokencount.NewHeuristic(), cfg: cfg}
	f.pipeline = New("s1", s, stubEmbedder{}, episodes, &cfg, caches)
	return f
}

// addTurn assigns a turn to the current episode and persists it with an
// embedding, mirroring what the ingestion pipeline does.
func (f *fixture) addTurn(t *testing.T, role model.Role, content string, markerList []string) model.Turn {
	t.Helper()
	ctx := context.Background()
	turn := model.Turn{
		ID:         idgen.New(),
		SessionID:  "s1",
		Role:       role,
		Content:    content,
		Markers:    markerList,
		TokenCount: f.counter.Count(content),
		CreatedAt:  time.Now(),
	}
	epID, _, err := f.episodes.AssignTurn(ctx, &turn)
	if err != nil {
		t.Fatalf("assign turn: %v", err)
	}
	turn.EpisodeID = epID
	vectors, _ := stubEmbedder{}.Embed(ctx, []string{content})
	if err := f.storage.SaveEmbedding(ctx, turn.ID, vectors[0], model.EmbeddingMetadata{
		SessionID: "s1", Kind: "turn", EpisodeID: epID, HasMarkers: len(markerList) > 0,
	}); err != nil {
		t.Fatalf("save embedding: %v", err)
	}
	turn.EmbeddingID = turn.ID
	if err := f.storage.SaveTurn(ctx, turn); err != nil {
		t.Fatalf("save turn: %v", err)
	}
	return turn
}

func (f *fixture) closeEpisode(t *testing.T) {
	t.Helper()
	if _, err := f.episodes.CloseEpisode(context.Background(), "test"); err != nil {
		t.Fatalf("close episode: %v", err)
	}
}

func (f *fixture) addFact(t *testing.T, content string, markerList []string) model.Fact {
	t.Helper()
	ctx := context.Background()
	fact := model.Fact{
		ID:         idgen.New(),
		SessionID:  "s1",
		Content:    content,
		Markers:    markerList,
		Status:     model.FactActive,
		TokenCount: f.counter.Count(content),
		CreatedAt:  time.Now(),
	}
	vectors, _ := stubEmbedder{}.Embed(ctx, []string{content})
	if err := f.storage.SaveEmbedding(ctx, fact.ID, vectors[0], model.EmbeddingMetadata{
		SessionID: "s1", Kind: "fact", HasMarkers: len(markerList) > 0,
	}); err != nil {
		t.Fatalf("save embedding: %v", err)
	}
	fact.EmbeddingID = fact.ID
	if err := f.storage.SaveFact(ctx, fact); err != nil {
		t.Fatalf("save fact: %v", err)
	}
	return fact
}

func totalTokens(items []model.ContextItem) int {
	total := 0
	for _, item := range items {
		total += item.TokenCount
	}
	return total
}

func TestRecall_EmptySession(t *testing.T) {
	f := newFixture(t)
	items, err := f.pipeline.Recall(context.Background(), "anything", DefaultOptions())
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("expected empty result, got %+v", items)
	}
}

func TestRecall_EmptyQueryRejected(t *testing.T) {
	f := newFixture(t)
	_, err := f.pipeline.Recall(context.Background(), "", DefaultOptions())
	if !model.IsKind(err, model.KindValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestRecall_BasicDecisionFromCurrentEpisode(t *testing.T) {
	// Scenario: a decision made in the open episode is recallable within
	// budget, with its detected marker attached.
	f := newFixture(t)
	f.addTurn(t, model.RoleUser, "Let's pick a database.", nil)
	decision := f.addTurn(t, model.RoleAssistant, "Decision: We'll use PostgreSQL.", []string{"decision"})

	opts := DefaultOptions()
	opts.TokenBudget = 200
	items, err := f.pipeline.Recall(context.Background(), "What database?", opts)
	if err != nil {
		t.Fatalf("recall: %v", err)
	}

	var found *model.ContextItem
	for i := range items {
		if items[i].SourceID == decision.ID {
			found = &items[i]
		}
	}
	if found == nil {
		t.Fatalf("decision turn missing from result: %+v", items)
	}
	if found.SourceType != "turn" || len(found.Markers) != 1 || found.Markers[0] != "decision" {
		t.Errorf("decision item wrong: %+v", found)
	}
	if totalTokens(items) > 200 {
		t.Errorf("budget exceeded: %d > 200", totalTokens(items))
	}
}

func TestRecall_CurrentEpisodeOverflowKeepsMostRecent(t *testing.T) {
	// Five 50-token turns, budget 100, full reservation: the two most
	// recent turns survive, in chronological order.
	f := newFixture(t)
	content := strings.Repeat("x", 200) // 50 tokens
	var turns []model.Turn
	for i := 0; i < 5; i++ {
		turns = append(turns, f.addTurn(t, model.RoleUser, content, nil))
	}

	opts := DefaultOptions()
	opts.TokenBudget = 100
	opts.CurrentEpisodeBudgetPct = 1.0
	items, err := f.pipeline.Recall(context.Background(), "anything", opts)
	if err != nil {
		t.Fatalf("recall: %v", err)
	}

	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	if items[0].SourceID != turns[3].ID || items[1].SourceID != turns[4].ID {
		t.Errorf("expected the two most recent turns in order, got %s, %s", items[0].SourceID, items[1].SourceID)
	}
	if totalTokens(items) > 100 {
		t.Errorf("budget exceeded: %d", totalTokens(items))
	}
}

func TestRecall_OverflowRetainsMarkedTurn(t *testing.T) {
	f := newFixture(t)
	content := strings.Repeat("x", 200) // 50 tokens
	marked := f.addTurn(t, model.RoleUser, "Constraint: "+content, []string{"constraint"})
	for i := 0; i < 4; i++ {
		f.addTurn(t, model.RoleUser, content, nil)
	}

	opts := DefaultOptions()
	opts.TokenBudget = 120
	opts.CurrentEpisodeBudgetPct = 1.0
	items, err := f.pipeline.Recall(context.Background(), "anything", opts)
	if err != nil {
		t.Fatalf("recall: %v", err)
	}

	foundMarked := false
	for _, item := range items {
		if item.SourceID == marked.ID {
			foundMarked = true
		}
	}
	if !foundMarked {
		t.Errorf("oldest marked turn should be retained over newer unmarked ones: %+v", items)
	}
	if totalTokens(items) > 120 {
		t.Errorf("budget exceeded: %d", totalTokens(items))
	}
}

func TestRecall_MarkedPastTurnsIncluded(t *testing.T) {
	f := newFixture(t)
	decision := f.addTurn(t, model.RoleAssistant, "Decision: use the database replica for reads", []string{"decision"})
	f.addTurn(t, model.RoleUser, "sounds good", nil)
	f.closeEpisode(t)
	f.addTurn(t, model.RoleUser, "new topic", nil)

	items, err := f.pipeline.Recall(context.Background(), "database reads?", DefaultOptions())
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	found := false
	for _, item := range items {
		if item.SourceID == decision.ID {
			found = true
			if item.Score <= 0 {
				t.Errorf("marked past turn should carry a positive score: %+v", item)
			}
		}
	}
	if !found {
		t.Errorf("marked past turn missing: %+v", items)
	}
}

func TestRecall_ActiveFactsOnly(t *testing.T) {
	f := newFixture(t)
	active := f.addFact(t, "Database is MySQL", []string{"decision"})
	stale := f.addFact(t, "Database is PostgreSQL", []string{"decision"})
	if err := f.storage.UpdateFactSupersession(context.Background(), stale.ID, active.ID, time.Now()); err != nil {
		t.Fatalf("supersede: %v", err)
	}

	items, err := f.pipeline.Recall(context.Background(), "Which database?", DefaultOptions())
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	for _, item := range items {
		if item.SourceID == stale.ID {
			t.Errorf("superseded fact leaked into recall: %+v", item)
		}
	}
	found := false
	for _, item := range items {
		if item.SourceID == active.ID {
			found = true
			if item.SourceType != "fact" {
				t.Errorf("source type = %s, want fact", item.SourceType)
			}
		}
	}
	if !found {
		t.Errorf("active fact missing: %+v", items)
	}
}

func TestRecall_VectorSearchFindsUnmarkedPastTurns(t *testing.T) {
	f := newFixture(t)
	past := f.addTurn(t, model.RoleUser, "the database keeps timing out", nil)
	f.addTurn(t, model.RoleUser, "unrelated chatter", nil)
	f.closeEpisode(t)
	f.addTurn(t, model.RoleUser, "fresh topic", nil)

	items, err := f.pipeline.Recall(context.Background(), "database timeouts", DefaultOptions())
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	found := false
	for _, item := range items {
		if item.SourceID == past.ID {
			found = true
		}
	}
	if !found {
		t.Errorf("unmarked past turn not surfaced by vector search: %+v", items)
	}
}

func TestRecall_MinRelevanceFiltersPastOnly(t *testing.T) {
	f := newFixture(t)
	f.addTurn(t, model.RoleUser, "Decision: cache invalidation strategy", []string{"decision"})
	f.closeEpisode(t)
	current := f.addTurn(t, model.RoleUser, "completely unrelated", nil)

	opts := DefaultOptions()
	opts.MinRelevance = 0.99
	items, err := f.pipeline.Recall(context.Background(), "database things", opts)
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	// Past candidates all fall below the threshold; the current episode is
	// not relevance-filtered.
	if len(items) != 1 || items[0].SourceID != current.ID {
		t.Errorf("expected only the current-episode turn, got %+v", items)
	}
}

func TestRecall_AssemblyOrder(t *testing.T) {
	f := newFixture(t)
	f.addFact(t, "Database is MySQL", []string{"decision"})
	f.addTurn(t, model.RoleAssistant, "Decision: database backups run nightly", []string{"decision"})
	f.closeEpisode(t)
	f.addTurn(t, model.RoleUser, "current database question", nil)

	items, err := f.pipeline.Recall(context.Background(), "database", DefaultOptions())
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("expected 3 items, got %d: %+v", len(items), items)
	}
	if items[0].SourceType != "fact" {
		t.Errorf("facts should come first, got %s", items[0].SourceType)
	}
	if items[1].SourceType != "turn" || len(items[1].Markers) == 0 {
		t.Errorf("marked past turn should come second: %+v", items[1])
	}
	if items[2].SourceType != "turn" || items[2].Content != "current database question" {
		t.Errorf("current episode should come last: %+v", items[2])
	}
}

func TestRecall_ExcludeCurrentEpisode(t *testing.T) {
	f := newFixture(t)
	current := f.addTurn(t, model.RoleUser, "in-flight discussion", nil)

	opts := DefaultOptions()
	opts.IncludeCurrentEpisode = false
	items, err := f.pipeline.Recall(context.Background(), "anything", opts)
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	for _, item := range items {
		if item.SourceID == current.ID {
			t.Errorf("current episode excluded but present: %+v", item)
		}
	}
}

func TestRecall_NoDuplicateSources(t *testing.T) {
	f := newFixture(t)
	f.addTurn(t, model.RoleUser, "the database migration plan", nil)
	f.closeEpisode(t)
	f.addTurn(t, model.RoleUser, "database follow-up", nil)

	items, err := f.pipeline.Recall(context.Background(), "database", DefaultOptions())
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	seen := map[string]bool{}
	for _, item := range items {
		if seen[item.SourceID] {
			t.Errorf("duplicate source id %s", item.SourceID)
		}
		seen[item.SourceID] = true
	}
}

func TestRecall_MostRecentTurnExceedsReservation(t *testing.T) {
	// A single turn larger than the reservation but within the full
	// budget must still appear in the result.
	f := newFixture(t)
	turn := f.addTurn(t, model.RoleUser, strings.Repeat("x", 800), nil) // 200 tokens

	opts := DefaultOptions()
	opts.TokenBudget = 400 // default pct 0.4 -> 160-token reservation
	items, err := f.pipeline.Recall(context.Background(), "anything", opts)
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	if len(items) != 1 || items[0].SourceID != turn.ID {
		t.Fatalf("most recent turn missing despite fitting the budget: %+v", items)
	}
	if totalTokens(items) > 400 {
		t.Errorf("budget exceeded: %d", totalTokens(items))
	}
}

func TestRecall_ZeroReservationStillKeepsMostRecent(t *testing.T) {
	f := newFixture(t)
	f.addTurn(t, model.RoleUser, strings.Repeat("x", 200), nil)
	recent := f.addTurn(t, model.RoleUser, strings.Repeat("y", 200), nil) // 50 tokens

	opts := DefaultOptions()
	opts.TokenBudget = 100
	opts.CurrentEpisodeBudgetPct = 0
	items, err := f.pipeline.Recall(context.Background(), "anything", opts)
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	found := false
	for _, item := range items {
		if item.SourceID == recent.ID {
			found = true
		}
	}
	if !found {
		t.Errorf("most recent turn missing at zero reservation: %+v", items)
	}
	if totalTokens(items) > 100 {
		t.Errorf("budget exceeded: %d", totalTokens(items))
	}
}

func TestRecall_BudgetExceededDiagnostic(t *testing.T) {
	// One candidate, far larger than the whole budget: the result is empty
	// and the diagnostic names the shortfall.
	f := newFixture(t)
	f.addTurn(t, model.RoleUser, strings.Repeat("x", 200), nil) // 50 tokens

	opts := DefaultOptions()
	opts.TokenBudget = 10
	items, err := f.pipeline.Recall(context.Background(), "anything", opts)
	if len(items) != 0 {
		t.Fatalf("expected empty result, got %+v", items)
	}
	if !model.IsKind(err, model.KindBudgetExceeded) {
		t.Fatalf("expected token_budget_exceeded diagnostic, got %v", err)
	}
}

func TestRecall_NoDiagnosticWhenSomethingFits(t *testing.T) {
	f := newFixture(t)
	f.addFact(t, strings.Repeat("database ", 100), nil) // ~225 tokens, never fits
	f.addFact(t, "Database is MySQL", nil)

	opts := DefaultOptions()
	opts.TokenBudget = 40
	items, err := f.pipeline.Recall(context.Background(), "database", opts)
	if err != nil {
		t.Fatalf("diagnostic should only accompany an empty result: %v", err)
	}
	if len(items) == 0 {
		t.Fatal("expected the small fact in the result")
	}
}

func TestRecall_ConfigMinRelevanceFallback(t *testing.T) {
	// With no per-call threshold, the configured session-wide
	// min_relevance_threshold filters past candidates.
	f := newFixture(t, func(c *config.Config) {
		c.Recall.MinRelevanceThreshold = 0.99
	})
	f.addTurn(t, model.RoleUser, "Decision: cache invalidation strategy", []string{"decision"})
	f.closeEpisode(t)
	current := f.addTurn(t, model.RoleUser, "completely unrelated", nil)

	items, err := f.pipeline.Recall(context.Background(), "database things", DefaultOptions())
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	if len(items) != 1 || items[0].SourceID != current.ID {
		t.Errorf("config threshold not applied; got %+v", items)
	}

	// An explicit per-call threshold overrides the configured one.
	opts := DefaultOptions()
	opts.MinRelevance = 0.01
	items, err = f.pipeline.Recall(context.Background(), "cache strategy?", opts)
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	foundPast := false
	for _, item := range items {
		if len(item.Markers) > 0 && item.SourceID != current.ID {
			foundPast = true
		}
	}
	if !foundPast {
		t.Errorf("per-call threshold should override config; got %+v", items)
	}
}

func TestRecall_SingleOversizedItemSkipped(t *testing.T) {
	f := newFixture(t)
	huge := strings.Repeat("database ", 100) // ~225 tokens
	f.addFact(t, huge, nil)
	small := f.addFact(t, "Database is MySQL", nil)

	opts := DefaultOptions()
	opts.TokenBudget = 40
	items, err := f.pipeline.Recall(context.Background(), "database", opts)
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	if totalTokens(items) > 40 {
		t.Fatalf("budget exceeded: %d", totalTokens(items))
	}
	found := false
	for _, item := range items {
		if item.SourceID == small.ID {
			found = true
		}
	}
	if !found {
		t.Errorf("small fact should fit after the oversized one is skipped: %+v", items)
	}
}
