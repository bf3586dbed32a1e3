package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/weftmem/weft/internal/idgen"
	"github.com/weftmem/weft/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "weft.db"))
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func saveTestEpisode(t *testing.T, s *SQLiteStore, sessionID string, status model.EpisodeStatus) model.Episode {
	t.Helper()
	ep := model.Episode{
		ID:        idgen.New(),
		SessionID: sessionID,
		Status:    status,
		OpenedAt:  time.Now(),
	}
	if status == model.EpisodeClosed {
		now := time.Now()
		ep.ClosedAt = &now
		ep.CloseReason = "max_turns"
	}
	if err := s.SaveEpisode(context.Background(), ep); err != nil {
		t.Fatalf("save episode: %v", err)
	}
	return ep
}

func TestTurnRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.EnsureSession(ctx, "s1"); err != nil {
		t.Fatalf("ensure session: %v", err)
	}
	ep := saveTestEpisode(t, s, "s1", model.EpisodeOpen)

	turn := model.Turn{
		ID:         idgen.New(),
		SessionID:  "s1",
		EpisodeID:  ep.ID,
		Role:       model.RoleAssistant,
		Content:    "Decision: We'll use PostgreSQL.",
		Markers:    []string{"decision"},
		TokenCount: 8,
		Metadata:   map[string]string{"agent": "planner"},
		CreatedAt:  time.Now(),
	}
	if err := s.SaveTurn(ctx, turn); err != nil {
		t.Fatalf("save turn: %v", err)
	}

	got, err := s.GetTurn(ctx, turn.ID)
	if err != nil {
		t.Fatalf("get turn: %v", err)
	}
	if got.Content != turn.Content || got.Role != turn.Role || got.TokenCount != 8 {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if len(got.Markers) != 1 || got.Markers[0] != "decision" {
		t.Errorf("markers lost: %v", got.Markers)
	}
	if got.Metadata["agent"] != "planner" {
		t.Errorf("metadata lost: %v", got.Metadata)
	}

	turns, err := s.GetTurnsByEpisode(ctx, ep.ID)
	if err != nil {
		t.Fatalf("get turns by episode: %v", err)
	}
	if len(turns) != 1 || turns[0].ID != turn.ID {
		t.Errorf("episode turns = %v", turns)
	}
}

func TestGetTurn_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetTurn(context.Background(), "missing")
	if !model.IsKind(err, model.KindNotFound) {
		t.Errorf("expected not-found error, got %v", err)
	}
}

func TestUpdateTurnEmbedding(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ep := saveTestEpisode(t, s, "s1", model.EpisodeOpen)

	turn := model.Turn{ID: idgen.New(), SessionID: "s1", EpisodeID: ep.ID, Role: model.RoleUser, Content: "hi", CreatedAt: time.Now()}
	if err := s.SaveTurn(ctx, turn); err != nil {
		t.Fatalf("save turn: %v", err)
	}
	if err := s.UpdateTurnEmbedding(ctx, turn.ID, turn.ID); err != nil {
		t.Fatalf("update turn embedding: %v", err)
	}
	got, _ := s.GetTurn(ctx, turn.ID)
	if got.EmbeddingID != turn.ID {
		t.Errorf("embedding id not linked: %q", got.EmbeddingID)
	}

	if err := s.UpdateTurnEmbedding(ctx, "missing", "x"); !model.IsKind(err, model.KindNotFound) {
		t.Errorf("expected not-found for missing turn, got %v", err)
	}
}

func TestEpisodeLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ep := saveTestEpisode(t, s, "s1", model.EpisodeOpen)

	now := time.Now()
	ep.Status = model.EpisodeClosed
	ep.ClosedAt = &now
	ep.CloseReason = "manual"
	ep.TurnCount = 2
	if err := s.UpdateEpisode(ctx, ep); err != nil {
		t.Fatalf("update episode: %v", err)
	}

	got, err := s.GetEpisode(ctx, ep.ID)
	if err != nil {
		t.Fatalf("get episode: %v", err)
	}
	if got.Status != model.EpisodeClosed || got.CloseReason != "manual" || got.TurnCount != 2 {
		t.Errorf("episode mismatch: %+v", got)
	}
	if got.ClosedAt == nil {
		t.Error("closed_at not persisted")
	}

	closed := model.EpisodeClosed
	episodes, err := s.GetEpisodes(ctx, "s1", &closed, 0)
	if err != nil {
		t.Fatalf("get episodes: %v", err)
	}
	if len(episodes) != 1 {
		t.Errorf("expected 1 closed episode, got %d", len(episodes))
	}
}

func TestFactSupersession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := model.Fact{
		ID:        idgen.New(),
		SessionID: "s1",
		Content:   "Database is PostgreSQL",
		Markers:   []string{"decision"},
		Status:    model.FactActive,
		CreatedAt: time.Now(),
	}
	if err := s.SaveFact(ctx, old); err != nil {
		t.Fatalf("save fact: %v", err)
	}
	newer := model.Fact{
		ID:        idgen.New(),
		SessionID: "s1",
		Content:   "Database is MySQL",
		Markers:   []string{"decision"},
		Status:    model.FactActive,
		CreatedAt: time.Now(),
	}
	if err := s.SaveFact(ctx, newer); err != nil {
		t.Fatalf("save fact: %v", err)
	}

	if err := s.UpdateFactSupersession(ctx, old.ID, newer.ID, time.Now()); err != nil {
		t.Fatalf("supersede: %v", err)
	}

	got, err := s.GetFact(ctx, old.ID)
	if err != nil {
		t.Fatalf("get fact: %v", err)
	}
	if got.Status != model.FactSuperseded || got.SupersededBy != newer.ID || got.SupersededAt == nil {
		t.Errorf("supersession not recorded: %+v", got)
	}

	// Compare-and-set: superseding an already-superseded fact is a no-op.
	third := idgen.New()
	if err := s.UpdateFactSupersession(ctx, old.ID, third, time.Now()); err != nil {
		t.Fatalf("second supersede should be a no-op, got %v", err)
	}
	got, _ = s.GetFact(ctx, old.ID)
	if got.SupersededBy != newer.ID {
		t.Errorf("CAS violated: superseded_by rewritten to %q", got.SupersededBy)
	}

	active := model.FactActive
	activeFacts, err := s.GetFactsBySession(ctx, "s1", &active)
	if err != nil {
		t.Fatalf("get facts: %v", err)
	}
	if len(activeFacts) != 1 || activeFacts[0].ID != newer.ID {
		t.Errorf("active facts = %+v", activeFacts)
	}
}

func TestRemoveLeavesSupersededByEmpty(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	f := model.Fact{ID: idgen.New(), SessionID: "s1", Content: "obsolete", Status: model.FactActive, CreatedAt: time.Now()}
	if err := s.SaveFact(ctx, f); err != nil {
		t.Fatalf("save fact: %v", err)
	}
	if err := s.UpdateFactSupersession(ctx, f.ID, "", time.Now()); err != nil {
		t.Fatalf("remove: %v", err)
	}
	got, _ := s.GetFact(ctx, f.ID)
	if got.Status != model.FactSuperseded || got.SupersededBy != "" {
		t.Errorf("remove semantics wrong: %+v", got)
	}
}

func TestVectorSearchFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	save := func(id, sessionID, kind string, hasMarkers bool, v []float32) {
		t.Helper()
		err := s.SaveEmbedding(ctx, id, v, model.EmbeddingMetadata{
			SessionID: sessionID, Kind: kind, HasMarkers: hasMarkers,
		})
		if err != nil {
			t.Fatalf("save embedding %s: %v", id, err)
		}
	}

	save("t1", "s1", "turn", false, []float32{1, 0, 0})
	save("t2", "s1", "turn", false, []float32{0.9, 0.1, 0})
	save("t3", "s1", "turn", true, []float32{1, 0, 0})  // marked, excluded by filter
	save("f1", "s1", "fact", false, []float32{1, 0, 0}) // wrong kind
	save("t4", "s2", "turn", false, []float32{1, 0, 0}) // wrong session

	markersEmpty := true
	matches, err := s.VectorSearch(ctx, []float32{1, 0, 0}, 10, VectorFilter{
		SessionID:    "s1",
		Kind:         "turn",
		MarkersEmpty: &markersEmpty,
	})
	if err != nil {
		t.Fatalf("vector search: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %d: %+v", len(matches), matches)
	}
	if matches[0].ID != "t1" {
		t.Errorf("expected t1 first (highest similarity), got %s", matches[0].ID)
	}
	if matches[0].Score < matches[1].Score {
		t.Error("matches not in descending score order")
	}
}

func TestVectorSearchRespectsK(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		id := idgen.New()
		err := s.SaveEmbedding(ctx, id, []float32{float32(i), 1, 0}, model.EmbeddingMetadata{SessionID: "s1", Kind: "turn"})
		if err != nil {
			t.Fatalf("save embedding: %v", err)
		}
	}
	matches, err := s.VectorSearch(ctx, []float32{1, 1, 0}, 3, VectorFilter{SessionID: "s1", Kind: "turn"})
	if err != nil {
		t.Fatalf("vector search: %v", err)
	}
	if len(matches) != 3 {
		t.Errorf("expected k=3 matches, got %d", len(matches))
	}
}

func TestGetMarkedTurns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	closedEp := saveTestEpisode(t, s, "s1", model.EpisodeClosed)
	openEp := saveTestEpisode(t, s, "s1", model.EpisodeOpen)

	saveTurn := func(epID string, markers []string) model.Turn {
		t.Helper()
		turn := model.Turn{
			ID: idgen.New(), SessionID: "s1", EpisodeID: epID,
			Role: model.RoleUser, Content: "c", Markers: markers, CreatedAt: time.Now(),
		}
		if err := s.SaveTurn(ctx, turn); err != nil {
			t.Fatalf("save turn: %v", err)
		}
		return turn
	}

	marked := saveTurn(closedEp.ID, []string{"decision"})
	saveTurn(closedEp.ID, nil)                 // unmarked
	saveTurn(openEp.ID, []string{"decision"})  // open episode, excluded

	got, err := s.GetMarkedTurns(ctx, "s1", openEp.ID)
	if err != nil {
		t.Fatalf("get marked turns: %v", err)
	}
	if len(got) != 1 || got[0].ID != marked.ID {
		t.Errorf("marked turns = %+v", got)
	}
}

func TestSessionStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.EnsureSession(ctx, "s1"); err != nil {
		t.Fatalf("ensure session: %v", err)
	}
	ep := saveTestEpisode(t, s, "s1", model.EpisodeOpen)
	turn := model.Turn{ID: idgen.New(), SessionID: "s1", EpisodeID: ep.ID, Role: model.RoleUser, Content: "hello", TokenCount: 2, CreatedAt: time.Now()}
	if err := s.SaveTurn(ctx, turn); err != nil {
		t.Fatalf("save turn: %v", err)
	}
	if err := s.RecordReflectionRun(ctx, "s1"); err != nil {
		t.Fatalf("record reflection: %v", err)
	}

	stats, err := s.GetSessionStats(ctx, "s1")
	if err != nil {
		t.Fatalf("get stats: %v", err)
	}
	if stats.TotalTurns != 1 || stats.TokensIngested != 2 {
		t.Errorf("turn stats wrong: %+v", stats)
	}
	if stats.OpenEpisodes != 1 || stats.OpenEpisodeID != ep.ID {
		t.Errorf("episode stats wrong: %+v", stats)
	}
	if stats.ReflectionsRun != 1 {
		t.Errorf("reflections_run = %d, want 1", stats.ReflectionsRun)
	}
}

func TestSessionStats_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetSessionStats(context.Background(), "nope")
	if !model.IsKind(err, model.KindNotFound) {
		t.Errorf("expected not-found, got %v", err)
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	src := newTestStore(t)
	ctx := context.Background()

	if err := src.EnsureSession(ctx, "s1"); err != nil {
		t.Fatalf("ensure session: %v", err)
	}
	ep := saveTestEpisode(t, src, "s1", model.EpisodeClosed)
	turn := model.Turn{ID: idgen.New(), SessionID: "s1", EpisodeID: ep.ID, Role: model.RoleUser, Content: "hello", CreatedAt: time.Now()}
	if err := src.SaveTurn(ctx, turn); err != nil {
		t.Fatalf("save turn: %v", err)
	}
	fact := model.Fact{ID: idgen.New(), SessionID: "s1", Content: "a fact", Status: model.FactActive, CreatedAt: time.Now()}
	if err := src.SaveFact(ctx, fact); err != nil {
		t.Fatalf("save fact: %v", err)
	}
	if err := src.SaveEmbedding(ctx, turn.ID, []float32{1, 2, 3}, model.EmbeddingMetadata{SessionID: "s1", Kind: "turn", EpisodeID: ep.ID}); err != nil {
		t.Fatalf("save embedding: %v", err)
	}

	export, err := src.ExportSession(ctx, "s1")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if len(export.Episodes) != 1 || len(export.Turns) != 1 || len(export.Facts) != 1 || len(export.Embeddings) != 1 {
		t.Fatalf("export incomplete: %+v", export)
	}

	dst := newTestStore(t)
	if err := dst.ImportSession(ctx, export); err != nil {
		t.Fatalf("import: %v", err)
	}
	gotTurn, err := dst.GetTurn(ctx, turn.ID)
	if err != nil || gotTurn.Content != "hello" {
		t.Errorf("imported turn mismatch: %+v, %v", gotTurn, err)
	}
	gotVec, err := dst.GetEmbedding(ctx, turn.ID)
	if err != nil || len(gotVec) != 3 {
		t.Errorf("imported embedding mismatch: %v, %v", gotVec, err)
	}
}
