// Package episode implements the episode lifecycle state machine:
// boundary detection, open/closed transitions, and the single
// current-episode invariant per session.
package episode

import (
	"context"
	"time"

	"github.com/weftmem/weft/internal/config"
	"github.com/weftmem/weft/internal/idgen"
	"github.com/weftmem/weft/internal/model"
	"github.com/weftmem/weft/internal/store"
)

// Manager owns the single open episode for one session and applies the
// close rules. It is not safe for concurrent use; the session facade
// serializes access.
type Manager struct {
	sessionID    string
	storage      store.Store
	cfg          *config.Config
	current      model.Episode
	lastTurnTime time.Time
}

// New constructs a Manager. Call Initialize before first use.
func New(sessionID string, storage store.Store, cfg *config.Config) *Manager {
	return &Manager{sessionID: sessionID, storage: storage, cfg: cfg}
}

// Initialize loads the session's existing open episode, or creates one
// if none exists yet.
func (m *Manager) Initialize(ctx context.Context) error {
	openStatus := model.EpisodeOpen
	episodes, err := m.storage.GetEpisodes(ctx, m.sessionID, &openStatus, 1)
	if err != nil {
		return err
	}
	if len(episodes) > 0 {
		m.current = episodes[0]
		turns, err := m.storage.GetTurnsByEpisode(ctx, m.current.ID)
		if err != nil {
			return err
		}
		if len(turns) > 0 {
			m.lastTurnTime = turns[len(turns)-1].CreatedAt
		}
		return nil
	}
	return m.openNewEpisode(ctx, time.Now())
}

// CurrentEpisode returns the session's current open episode.
func (m *Manager) CurrentEpisode() model.Episode { return m.current }

// CurrentEpisodeID returns the current open episode's id.
func (m *Manager) CurrentEpisodeID() string { return m.current.ID }

func (m *Manager) openNewEpisode(ctx context.Context, at time.Time) error {
	ep := model.Episode{
		ID:        idgen.New(),
		SessionID: m.sessionID,
		Status:    model.EpisodeOpen,
		OpenedAt:  at,
	}
	if err := m.storage.SaveEpisode(ctx, ep); err != nil {
		return err
	}
	m.current = ep
	m.lastTurnTime = time.Time{}
	return nil
}

// AssignTurn appends turn to the current episode, applying the boundary
// rules in order. It may close the current episode (and
// immediately open a new one) either before appending (the time-gap rule)
// or after appending (max-turns, tool-result, and content-pattern rules).
// It returns the episode id the turn was ultimately assigned to and the
// ids of any episodes closed as a side effect (usually zero or one; two
// is possible only when a freshly-opened episode immediately trips a
// post-append rule, e.g. max_turns_per_episode=1).
func (m *Manager) AssignTurn(ctx context.Context, turn *model.Turn) (targetEpisodeID string, closedIDs []string, err error) {
	boundary := &m.cfg.EpisodeBoundary

	// Rule 2 (time gap) is evaluated BEFORE appending.
	if !m.lastTurnTime.IsZero() {
		gap := turn.CreatedAt.Sub(m.lastTurnTime)
		if gap >= time.Duration(boundary.MaxTimeGapSeconds)*time.Second {
			closedID, cerr := m.closeCurrent(ctx, "time_gap")
			if cerr != nil {
				return "", nil, cerr
			}
			closedIDs = append(closedIDs, closedID)
			if err := m.openNewEpisode(ctx, turn.CreatedAt); err != nil {
				return "", nil, err
			}
		}
	}

	turn.EpisodeID = m.current.ID
	m.current.TurnCount++
	m.current.TotalTokens += turn.TokenCount
	m.current.Markers = mergeMarkerSet(m.current.Markers, turn.Markers)
	if err := m.storage.UpdateEpisode(ctx, m.current); err != nil {
		return "", nil, err
	}
	m.lastTurnTime = turn.CreatedAt

	targetEpisodeID = m.current.ID

	if m.shouldClosePostAppend(turn, boundary) {
		closedID, cerr := m.closeCurrent(ctx, closeReasonPostAppend(turn, boundary))
		if cerr != nil {
			return "", nil, cerr
		}
		closedIDs = append(closedIDs, closedID)
		if err := m.openNewEpisode(ctx, turn.CreatedAt); err != nil {
			return "", nil, err
		}
	}

	return targetEpisodeID, closedIDs, nil
}

func (m *Manager) shouldClosePostAppend(turn *model.Turn, boundary *config.EpisodeBoundary) bool {
	if m.current.TurnCount >= boundary.MaxTurnsPerEpisode {
		return true
	}
	if boundary.CloseOnToolResult && turn.Role == model.RoleTool {
		return true
	}
	if boundary.MatchesContent(turn.Content) {
		return true
	}
	return false
}

func closeReasonPostAppend(turn *model.Turn, boundary *config.EpisodeBoundary) string {
	switch {
	case boundary.MatchesContent(turn.Content):
		return "content_pattern"
	case boundary.CloseOnToolResult && turn.Role == model.RoleTool:
		return "tool_result"
	default:
		return "max_turns"
	}
}

// CloseEpisode force-closes the current episode (facade's explicit
// close_episode operation). It returns an empty id if there is no open
// episode to close or the open episode has no turns yet.
func (m *Manager) CloseEpisode(ctx context.Context, reason string) (string, error) {
	if m.current.ID == "" || m.current.TurnCount == 0 {
		return "", nil
	}
	closedID, err := m.closeCurrent(ctx, reason)
	if err != nil {
		return "", err
	}
	if err := m.openNewEpisode(ctx, time.Now()); err != nil {
		return "", err
	}
	return closedID, nil
}

func (m *Manager) closeCurrent(ctx context.Context, reason string) (string, error) {
	now := time.Now()
	m.current.Status = model.EpisodeClosed
	m.current.ClosedAt = &now
	m.current.CloseReason = reason
	if err := m.storage.UpdateEpisode(ctx, m.current); err != nil {
		return "", err
	}
	return m.current.ID, nil
}

// CurrentEpisodeTurns returns all turns in the current open episode, in
// chronological order.
func (m *Manager) CurrentEpisodeTurns(ctx context.Context) ([]model.Turn, error) {
	if m.current.ID == "" {
		return nil, nil
	}
	return m.storage.GetTurnsByEpisode(ctx, m.current.ID)
}

func mergeMarkerSet(existing, incoming []string) []string {
	seen := make(map[string]bool, len(existing))
	out := append([]string(nil), existing...)
	for _, m := range existing {
		seen[m] = true
	}
	for _, m := range incoming {
		if !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
	}
	return out
}
