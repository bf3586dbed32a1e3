// Package store defines the storage backend contract — CRUD on turns,
// episodes, and facts, plus a metadata-filtered vector index — and ships
// SQLiteStore, the local SQLite implementation.
package store

import (
	"context"
	"time"

	"github.com/weftmem/weft/internal/model"
)

// VectorFilter constrains a VectorSearch call. MarkersEmpty, when
// non-nil, requires the matched embedding's source to have an empty
// (true) or non-empty (false) marker set.
type VectorFilter struct {
	SessionID    string
	Kind         string // "turn" or "fact"
	MarkersEmpty *bool
}

// Store is the storage backend contract every session facade is built on.
// All operations may fail with a model.Error of kind model.KindStorage.
type Store interface {
	Initialize(ctx context.Context) error
	Close() error

	// Turns.
	SaveTurn(ctx context.Context, turn model.Turn) error
	// UpdateTurnEmbedding links a persisted turn to its embedding row
	// once the embed step succeeds (the turn is persisted first).
	UpdateTurnEmbedding(ctx context.Context, turnID, embeddingID string) error
	GetTurn(ctx context.Context, id string) (model.Turn, error)
	GetTurnsByEpisode(ctx context.Context, episodeID string) ([]model.Turn, error)
	CountTurnsBySession(ctx context.Context, sessionID string) (int, error)
	// GetMarkedTurns returns turns from closed episodes with a non-empty
	// marker set, optionally excluding one episode (the current open one).
	GetMarkedTurns(ctx context.Context, sessionID, excludeEpisodeID string) ([]model.Turn, error)

	// Episodes.
	SaveEpisode(ctx context.Context, episode model.Episode) error
	UpdateEpisode(ctx context.Context, episode model.Episode) error
	GetEpisode(ctx context.Context, id string) (model.Episode, error)
	GetEpisodes(ctx context.Context, sessionID string, status *model.EpisodeStatus, limit int) ([]model.Episode, error)

	// Facts.
	SaveFact(ctx context.Context, fact model.Fact) error
	// UpdateFactSupersession atomically marks targetID superseded, iff
	// it is currently active (compare-and-set on status). supersededBy is
	// empty for a remove action.
	UpdateFactSupersession(ctx context.Context, targetID, supersededBy string, supersededAt time.Time) error
	GetFactsBySession(ctx context.Context, sessionID string, status *model.FactStatus) ([]model.Fact, error)
	GetFact(ctx context.Context, id string) (model.Fact, error)

	// Embeddings.
	SaveEmbedding(ctx context.Context, id string, vector []float32, meta model.EmbeddingMetadata) error
	GetEmbedding(ctx context.Context, id string) ([]float32, error)
	VectorSearch(ctx context.Context, vector []float32, k int, filter VectorFilter) ([]model.VectorMatch, error)

	// Session-level bookkeeping.
	EnsureSession(ctx context.Context, sessionID string) error
	GetSessionStats(ctx context.Context, sessionID string) (model.SessionStats, error)
	RecordReflectionRun(ctx context.Context, sessionID string) error

	// Export/import of the full per-session graph, for the CLI's backup
	// and restore commands.
	ExportSession(ctx context.Context, sessionID string) (SessionExport, error)
	ImportSession(ctx context.Context, export SessionExport) error
}

// SessionExport is the full turn/episode/fact/embedding graph for one
// session.
type SessionExport struct {
	SessionID  string              `json:"session_id"`
	Episodes   []model.Episode     `json:"episodes"`
	Turns      []model.Turn        `json:"turns"`
	Facts      []model.Fact        `json:"facts"`
	Embeddings []EmbeddingExport   `json:"embeddings"`
}

// EmbeddingExport carries a vector alongside its metadata for export.
// Vector may be nil if the source turn/fact embedding failed permanently.
type EmbeddingExport struct {
	ID       string                 `json:"id"`
	Vector   []float32              `json:"vector,omitempty"`
	Metadata model.EmbeddingMetadata `json:"metadata"`
}
