package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	_ "modernc.org/sqlite"

	"github.com/weftmem/weft/internal/model"
)

// SQLiteStore implements Store on a local, WAL-mode SQLite database
// (pure Go, cgo-free). VectorSearch is a brute-force cosine scan over
// the embeddings table; a pure-Go sqlite driver has no vector extension
// to delegate to, and per-session candidate sets stay small. Entity ids
// are minted by callers via internal/idgen before records reach Save*,
// so this type never generates ids itself.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens or creates a SQLite database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, model.StorageError("open", fmt.Errorf("create db dir: %w", err))
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)")
	if err != nil {
		return nil, model.StorageError("open", err)
	}

	s := &SQLiteStore{db: db}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, model.StorageError("migrate", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id                TEXT PRIMARY KEY,
		created_at        TEXT NOT NULL,
		last_activity_at  TEXT NOT NULL,
		reflections_run   INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS episodes (
		id           TEXT PRIMARY KEY,
		session_id   TEXT NOT NULL,
		status       TEXT NOT NULL,
		turn_count   INTEGER NOT NULL DEFAULT 0,
		total_tokens INTEGER NOT NULL DEFAULT 0,
		markers      TEXT,
		opened_at    TEXT NOT NULL,
		closed_at    TEXT,
		close_reason TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_episodes_session ON episodes(session_id, opened_at);
	CREATE INDEX IF NOT EXISTS idx_episodes_status ON episodes(session_id, status);

	CREATE TABLE IF NOT EXISTS turns (
		id           TEXT PRIMARY KEY,
		session_id   TEXT NOT NULL,
		episode_id   TEXT NOT NULL,
		role         TEXT NOT NULL,
		content      TEXT NOT NULL,
		markers      TEXT,
		token_count  INTEGER NOT NULL DEFAULT 0,
		metadata     TEXT,
		embedding_id TEXT,
		created_at   TEXT NOT NULL,
		position     INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_turns_episode ON turns(episode_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_turns_markers ON turns(session_id, markers);

	CREATE TABLE IF NOT EXISTS facts (
		id                 TEXT PRIMARY KEY,
		session_id         TEXT NOT NULL,
		source_episode_ids TEXT,
		content            TEXT NOT NULL,
		markers            TEXT,
		status             TEXT NOT NULL,
		superseded_by      TEXT,
		confidence         REAL NOT NULL DEFAULT 0,
		token_count        INTEGER NOT NULL DEFAULT 0,
		embedding_id       TEXT,
		created_at         TEXT NOT NULL,
		superseded_at      TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_facts_session ON facts(session_id, status);

	CREATE TABLE IF NOT EXISTS embeddings (
		id          TEXT PRIMARY KEY,
		vector      BLOB NOT NULL,
		session_id  TEXT NOT NULL,
		kind        TEXT NOT NULL,
		episode_id  TEXT,
		has_markers INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_embeddings_session_kind ON embeddings(session_id, kind);
	`
	_, err := s.db.Exec(schema)
	return err
}

// --- session bookkeeping ---

func (s *SQLiteStore) EnsureSession(ctx context.Context, sessionID string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, created_at, last_activity_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET last_activity_at = excluded.last_activity_at`,
		sessionID, now, now)
	if err != nil {
		return model.StorageError("ensure_session", err)
	}
	return nil
}

func (s *SQLiteStore) touchSession(ctx context.Context, sessionID string) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	s.db.ExecContext(ctx, `UPDATE sessions SET last_activity_at = ? WHERE id = ?`, now, sessionID)
}

func (s *SQLiteStore) RecordReflectionRun(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET reflections_run = reflections_run + 1 WHERE id = ?`, sessionID)
	if err != nil {
		return model.StorageError("record_reflection_run", err)
	}
	return nil
}

func (s *SQLiteStore) GetSessionStats(ctx context.Context, sessionID string) (model.SessionStats, error) {
	stats := model.SessionStats{SessionID: sessionID}

	var createdAt, lastActivity string
	err := s.db.QueryRowContext(ctx,
		`SELECT created_at, last_activity_at, reflections_run FROM sessions WHERE id = ?`,
		sessionID).Scan(&createdAt, &lastActivity, &stats.ReflectionsRun)
	if err == sql.ErrNoRows {
		return model.SessionStats{}, model.NotFoundError("session", sessionID)
	}
	if err != nil {
		return model.SessionStats{}, model.StorageError("get_session_stats", err)
	}
	stats.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	stats.LastActivityAt, _ = time.Parse(time.RFC3339Nano, lastActivity)

	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM turns WHERE session_id = ?`, sessionID).Scan(&stats.TotalTurns)
	s.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(token_count),0) FROM turns WHERE session_id = ?`, sessionID).Scan(&stats.TokensIngested)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM episodes WHERE session_id = ?`, sessionID).Scan(&stats.TotalEpisodes)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM episodes WHERE session_id = ? AND status = 'open'`, sessionID).Scan(&stats.OpenEpisodes)
	stats.ClosedEpisodes = stats.TotalEpisodes - stats.OpenEpisodes

	var openID sql.NullString
	s.db.QueryRowContext(ctx,
		`SELECT id FROM episodes WHERE session_id = ? AND status = 'open' LIMIT 1`, sessionID).Scan(&openID)
	if openID.Valid {
		stats.OpenEpisodeID = openID.String
	}

	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM facts WHERE session_id = ? AND status = 'active'`, sessionID).Scan(&stats.ActiveFacts)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM facts WHERE session_id = ? AND status = 'superseded'`, sessionID).Scan(&stats.SupersededFacts)

	return stats, nil
}

// --- turns ---

func (s *SQLiteStore) SaveTurn(ctx context.Context, t model.Turn) error {
	markers, _ := json.Marshal(t.Markers)
	metadata, _ := json.Marshal(t.Metadata)
	var embeddingID *string
	if t.EmbeddingID != "" {
		embeddingID = &t.EmbeddingID
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO turns (id, session_id, episode_id, role, content, markers, token_count, metadata, embedding_id, created_at, position)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.SessionID, t.EpisodeID, string(t.Role), t.Content, string(markers),
		t.TokenCount, string(metadata), embeddingID, t.CreatedAt.UTC().Format(time.RFC3339Nano), t.Position)
	if err != nil {
		return model.StorageError("save_turn", err)
	}
	s.touchSession(ctx, t.SessionID)
	return nil
}

func (s *SQLiteStore) UpdateTurnEmbedding(ctx context.Context, turnID, embeddingID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE turns SET embedding_id = ? WHERE id = ?`, embeddingID, turnID)
	if err != nil {
		return model.StorageError("update_turn_embedding", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.NotFoundError("turn", turnID)
	}
	return nil
}

func (s *SQLiteStore) GetTurn(ctx context.Context, id string) (model.Turn, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, episode_id, role, content, markers, token_count, metadata, embedding_id, created_at, position
		 FROM turns WHERE id = ?`, id)
	t, err := scanTurn(row)
	if err == sql.ErrNoRows {
		return model.Turn{}, model.NotFoundError("turn", id)
	}
	if err != nil {
		return model.Turn{}, model.StorageError("get_turn", err)
	}
	return t, nil
}

func (s *SQLiteStore) GetTurnsByEpisode(ctx context.Context, episodeID string) ([]model.Turn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, episode_id, role, content, markers, token_count, metadata, embedding_id, created_at, position
		 FROM turns WHERE episode_id = ? ORDER BY created_at ASC, position ASC`, episodeID)
	if err != nil {
		return nil, model.StorageError("get_turns_by_episode", err)
	}
	defer rows.Close()
	return scanTurns(rows)
}

func (s *SQLiteStore) CountTurnsBySession(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM turns WHERE session_id = ?`, sessionID).Scan(&n)
	if err != nil {
		return 0, model.StorageError("count_turns_by_session", err)
	}
	return n, nil
}

func (s *SQLiteStore) GetMarkedTurns(ctx context.Context, sessionID, excludeEpisodeID string) ([]model.Turn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT t.id, t.session_id, t.episode_id, t.role, t.content, t.markers, t.token_count, t.metadata, t.embedding_id, t.created_at, t.position
		 FROM turns t
		 JOIN episodes e ON e.id = t.episode_id
		 WHERE t.session_id = ? AND e.status = 'closed' AND t.episode_id != ?
		   AND t.markers IS NOT NULL AND t.markers != '' AND t.markers != 'null' AND t.markers != '[]'
		 ORDER BY t.created_at ASC`, sessionID, excludeEpisodeID)
	if err != nil {
		return nil, model.StorageError("get_marked_turns", err)
	}
	defer rows.Close()
	return scanTurns(rows)
}

func scanTurns(rows *sql.Rows) ([]model.Turn, error) {
	var out []model.Turn
	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			return nil, model.StorageError("scan_turn", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTurn(row rowScanner) (model.Turn, error) {
	var t model.Turn
	var role, markers, metadata, createdAt string
	var embeddingID sql.NullString
	err := row.Scan(&t.ID, &t.SessionID, &t.EpisodeID, &role, &t.Content, &markers,
		&t.TokenCount, &metadata, &embeddingID, &createdAt, &t.Position)
	if err != nil {
		return t, err
	}
	t.Role = model.Role(role)
	t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if embeddingID.Valid {
		t.EmbeddingID = embeddingID.String
	}
	json.Unmarshal([]byte(markers), &t.Markers)
	json.Unmarshal([]byte(metadata), &t.Metadata)
	return t, nil
}

// --- episodes ---

func (s *SQLiteStore) SaveEpisode(ctx context.Context, e model.Episode) error {
	markers, _ := json.Marshal(e.Markers)
	var closedAt, closeReason *string
	if e.ClosedAt != nil {
		v := e.ClosedAt.UTC().Format(time.RFC3339Nano)
		closedAt = &v
	}
	if e.CloseReason != "" {
		closeReason = &e.CloseReason
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO episodes (id, session_id, status, turn_count, total_tokens, markers, opened_at, closed_at, close_reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.SessionID, string(e.Status), e.TurnCount, e.TotalTokens, string(markers),
		e.OpenedAt.UTC().Format(time.RFC3339Nano), closedAt, closeReason)
	if err != nil {
		return model.StorageError("save_episode", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateEpisode(ctx context.Context, e model.Episode) error {
	markers, _ := json.Marshal(e.Markers)
	var closedAt, closeReason *string
	if e.ClosedAt != nil {
		v := e.ClosedAt.UTC().Format(time.RFC3339Nano)
		closedAt = &v
	}
	if e.CloseReason != "" {
		closeReason = &e.CloseReason
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE episodes SET status = ?, turn_count = ?, total_tokens = ?, markers = ?, closed_at = ?, close_reason = ?
		 WHERE id = ?`,
		string(e.Status), e.TurnCount, e.TotalTokens, string(markers), closedAt, closeReason, e.ID)
	if err != nil {
		return model.StorageError("update_episode", err)
	}
	return nil
}

func (s *SQLiteStore) GetEpisode(ctx context.Context, id string) (model.Episode, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, status, turn_count, total_tokens, markers, opened_at, closed_at, close_reason
		 FROM episodes WHERE id = ?`, id)
	e, err := scanEpisode(row)
	if err == sql.ErrNoRows {
		return model.Episode{}, model.NotFoundError("episode", id)
	}
	if err != nil {
		return model.Episode{}, model.StorageError("get_episode", err)
	}
	return e, nil
}

func (s *SQLiteStore) GetEpisodes(ctx context.Context, sessionID string, status *model.EpisodeStatus, limit int) ([]model.Episode, error) {
	query := `SELECT id, session_id, status, turn_count, total_tokens, markers, opened_at, closed_at, close_reason
		FROM episodes WHERE session_id = ?`
	args := []any{sessionID}
	if status != nil {
		query += ` AND status = ?`
		args = append(args, string(*status))
	}
	query += ` ORDER BY opened_at ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, model.StorageError("get_episodes", err)
	}
	defer rows.Close()

	var out []model.Episode
	for rows.Next() {
		e, err := scanEpisode(rows)
		if err != nil {
			return nil, model.StorageError("scan_episode", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEpisode(row rowScanner) (model.Episode, error) {
	var e model.Episode
	var status, markers, openedAt string
	var closedAt, closeReason sql.NullString
	err := row.Scan(&e.ID, &e.SessionID, &status, &e.TurnCount, &e.TotalTokens, &markers, &openedAt, &closedAt, &closeReason)
	if err != nil {
		return e, err
	}
	e.Status = model.EpisodeStatus(status)
	e.OpenedAt, _ = time.Parse(time.RFC3339Nano, openedAt)
	json.Unmarshal([]byte(markers), &e.Markers)
	if closedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, closedAt.String)
		e.ClosedAt = &t
	}
	if closeReason.Valid {
		e.CloseReason = closeReason.String
	}
	return e, nil
}

// --- facts ---

func (s *SQLiteStore) SaveFact(ctx context.Context, f model.Fact) error {
	sourceEpisodes, _ := json.Marshal(f.SourceEpisodeIDs)
	markers, _ := json.Marshal(f.Markers)
	var supersededBy *string
	if f.SupersededBy != "" {
		supersededBy = &f.SupersededBy
	}
	var embeddingID *string
	if f.EmbeddingID != "" {
		embeddingID = &f.EmbeddingID
	}
	var supersededAt *string
	if f.SupersededAt != nil {
		v := f.SupersededAt.UTC().Format(time.RFC3339Nano)
		supersededAt = &v
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO facts (id, session_id, source_episode_ids, content, markers, status, superseded_by, confidence, token_count, embedding_id, created_at, superseded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.SessionID, string(sourceEpisodes), f.Content, string(markers), string(f.Status),
		supersededBy, f.Confidence, f.TokenCount, embeddingID, f.CreatedAt.UTC().Format(time.RFC3339Nano), supersededAt)
	if err != nil {
		return model.StorageError("save_fact", err)
	}
	return nil
}

// UpdateFactSupersession is an atomic compare-and-set: the update only
// takes effect if the target fact is still active, preventing lost
// updates from concurrent reflections sharing a store.
func (s *SQLiteStore) UpdateFactSupersession(ctx context.Context, targetID, supersededBy string, supersededAt time.Time) error {
	var supersededByPtr *string
	if supersededBy != "" {
		supersededByPtr = &supersededBy
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE facts SET status = 'superseded', superseded_by = ?, superseded_at = ?
		 WHERE id = ? AND status = 'active'`,
		supersededByPtr, supersededAt.UTC().Format(time.RFC3339Nano), targetID)
	if err != nil {
		return model.StorageError("update_fact_supersession", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		// Already superseded (or missing): a no-op, not an error. The
		// caller logs and continues.
		return nil
	}
	return nil
}

func (s *SQLiteStore) GetFactsBySession(ctx context.Context, sessionID string, status *model.FactStatus) ([]model.Fact, error) {
	query := `SELECT id, session_id, source_episode_ids, content, markers, status, superseded_by, confidence, token_count, embedding_id, created_at, superseded_at
		FROM facts WHERE session_id = ?`
	args := []any{sessionID}
	if status != nil {
		query += ` AND status = ?`
		args = append(args, string(*status))
	}
	query += ` ORDER BY created_at ASC`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, model.StorageError("get_facts_by_session", err)
	}
	defer rows.Close()

	var out []model.Fact
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			return nil, model.StorageError("scan_fact", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetFact(ctx context.Context, id string) (model.Fact, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, source_episode_ids, content, markers, status, superseded_by, confidence, token_count, embedding_id, created_at, superseded_at
		 FROM facts WHERE id = ?`, id)
	f, err := scanFact(row)
	if err == sql.ErrNoRows {
		return model.Fact{}, model.NotFoundError("fact", id)
	}
	if err != nil {
		return model.Fact{}, model.StorageError("get_fact", err)
	}
	return f, nil
}

func scanFact(row rowScanner) (model.Fact, error) {
	var f model.Fact
	var sourceEpisodes, markers, status, createdAt string
	var supersededBy, embeddingID, supersededAt sql.NullString
	err := row.Scan(&f.ID, &f.SessionID, &sourceEpisodes, &f.Content, &markers, &status,
		&supersededBy, &f.Confidence, &f.TokenCount, &embeddingID, &createdAt, &supersededAt)
	if err != nil {
		return f, err
	}
	f.Status = model.FactStatus(status)
	f.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	json.Unmarshal([]byte(sourceEpisodes), &f.SourceEpisodeIDs)
	json.Unmarshal([]byte(markers), &f.Markers)
	if supersededBy.Valid {
		f.SupersededBy = supersededBy.String
	}
	if embeddingID.Valid {
		f.EmbeddingID = embeddingID.String
	}
	if supersededAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, supersededAt.String)
		f.SupersededAt = &t
	}
	return f, nil
}

// --- embeddings ---

func (s *SQLiteStore) SaveEmbedding(ctx context.Context, id string, vector []float32, meta model.EmbeddingMetadata) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO embeddings (id, vector, session_id, kind, episode_id, has_markers) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET vector = excluded.vector, session_id = excluded.session_id,
		   kind = excluded.kind, episode_id = excluded.episode_id, has_markers = excluded.has_markers`,
		id, encodeVector(vector), meta.SessionID, meta.Kind, meta.EpisodeID, boolToInt(meta.HasMarkers))
	if err != nil {
		return model.StorageError("save_embedding", err)
	}
	return nil
}

func (s *SQLiteStore) GetEmbedding(ctx context.Context, id string) ([]float32, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, `SELECT vector FROM embeddings WHERE id = ?`, id).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, model.NotFoundError("embedding", id)
	}
	if err != nil {
		return nil, model.StorageError("get_embedding", err)
	}
	return decodeVector(blob), nil
}

// VectorSearch performs an indexed brute-force cosine scan: rows are
// pre-filtered by the SQL WHERE clause on session/kind/markers before
// any vector math runs, then ranked in Go.
func (s *SQLiteStore) VectorSearch(ctx context.Context, vector []float32, k int, filter VectorFilter) ([]model.VectorMatch, error) {
	query := `SELECT id, vector, session_id, kind, episode_id, has_markers FROM embeddings WHERE session_id = ? AND kind = ?`
	args := []any{filter.SessionID, filter.Kind}
	if filter.MarkersEmpty != nil {
		if *filter.MarkersEmpty {
			query += ` AND has_markers = 0`
		} else {
			query += ` AND has_markers = 1`
		}
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, model.StorageError("vector_search", err)
	}
	defer rows.Close()

	var matches []model.VectorMatch
	for rows.Next() {
		var id, sessionID, kind string
		var blob []byte
		var episodeID sql.NullString
		var hasMarkersInt int
		if err := rows.Scan(&id, &blob, &sessionID, &kind, &episodeID, &hasMarkersInt); err != nil {
			return nil, model.StorageError("scan_embedding", err)
		}
		candidate := decodeVector(blob)
		score := cosineSimilarity(vector, candidate)
		matches = append(matches, model.VectorMatch{
			ID:    id,
			Score: score,
			Metadata: model.EmbeddingMetadata{
				SessionID:  sessionID,
				Kind:       kind,
				EpisodeID:  episodeID.String,
				HasMarkers: hasMarkersInt != 0,
			},
		})
	}
	if err := rows.Err(); err != nil {
		return nil, model.StorageError("vector_search", err)
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if k > 0 && len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

func cosineSimilarity(a, b []float32) float64 {
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

func encodeVector(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	n := len(b) / 4
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// --- export / import ---

func (s *SQLiteStore) ExportSession(ctx context.Context, sessionID string) (SessionExport, error) {
	episodes, err := s.GetEpisodes(ctx, sessionID, nil, 0)
	if err != nil {
		return SessionExport{}, err
	}
	var turns []model.Turn
	for _, e := range episodes {
		ts, err := s.GetTurnsByEpisode(ctx, e.ID)
		if err != nil {
			return SessionExport{}, err
		}
		turns = append(turns, ts...)
	}
	facts, err := s.GetFactsBySession(ctx, sessionID, nil)
	if err != nil {
		return SessionExport{}, err
	}

	var embeddings []EmbeddingExport
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, vector, session_id, kind, episode_id, has_markers FROM embeddings WHERE session_id = ?`, sessionID)
	if err != nil {
		return SessionExport{}, model.StorageError("export_session", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, sid, kind string
		var blob []byte
		var episodeID sql.NullString
		var hasMarkersInt int
		if err := rows.Scan(&id, &blob, &sid, &kind, &episodeID, &hasMarkersInt); err != nil {
			return SessionExport{}, model.StorageError("export_session", err)
		}
		embeddings = append(embeddings, EmbeddingExport{
			ID:     id,
			Vector: decodeVector(blob),
			Metadata: model.EmbeddingMetadata{
				SessionID: sid, Kind: kind, EpisodeID: episodeID.String, HasMarkers: hasMarkersInt != 0,
			},
		})
	}

	return SessionExport{SessionID: sessionID, Episodes: episodes, Turns: turns, Facts: facts, Embeddings: embeddings}, nil
}

func (s *SQLiteStore) ImportSession(ctx context.Context, export SessionExport) error {
	if err := s.EnsureSession(ctx, export.SessionID); err != nil {
		return err
	}
	for _, e := range export.Episodes {
		if _, err := s.GetEpisode(ctx, e.ID); err == nil {
			if err := s.UpdateEpisode(ctx, e); err != nil {
				return err
			}
			continue
		}
		if err := s.SaveEpisode(ctx, e); err != nil {
			return err
		}
	}
	for _, t := range export.Turns {
		if _, err := s.GetTurn(ctx, t.ID); err == nil {
			continue
		}
		if err := s.SaveTurn(ctx, t); err != nil {
			return err
		}
	}
	for _, f := range export.Facts {
		if _, err := s.GetFact(ctx, f.ID); err == nil {
			continue
		}
		if err := s.SaveFact(ctx, f); err != nil {
			return err
		}
	}
	for _, emb := range export.Embeddings {
		if emb.Vector == nil {
			continue
		}
		if err := s.SaveEmbedding(ctx, emb.ID, emb.Vector, emb.Metadata); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) Initialize(ctx context.Context) error {
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
