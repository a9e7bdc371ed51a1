// Package game holds the live in-memory state of one running game: who is
// connected, their public profiles, and the ranked scoreboard derived from
// them. Persistence is delegated to the store and never blocks the live path.
package game

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/promptduel-backend/internal/domain"
	"github.com/promptduel-backend/internal/store"
)

// Publisher emits score events for downstream analytics. Implementations
// must not block.
type Publisher interface {
	PublishScoreEvent(event domain.ScoreEvent)
}

// Registry is the authoritative in-memory view of the live game. Profiles
// are keyed by display name and survive disconnects; connection bindings do
// not. All persistence calls are fire-and-forget with a bounded timeout.
type Registry struct {
	store          store.Store
	publisher      Publisher
	logger         *slog.Logger
	persistTimeout time.Duration
	now            func() time.Time

	mu       sync.RWMutex
	players  map[string]*domain.PlayerProfile
	conns    map[string]string // connection id -> display name
	sessions map[string]string // display name -> persisted session id

	// Ack callbacks waiting on an in-flight session create, keyed by display
	// name. Presence of a key means a create is running; every connection that
	// joins the name meanwhile is acknowledged when it resolves.
	pending map[string][]func(sessionID string)
}

// NewRegistry creates a registry backed by the given store. publisher may be
// nil when Kafka is not configured.
func NewRegistry(st store.Store, publisher Publisher, persistTimeout time.Duration, logger *slog.Logger) *Registry {
	return &Registry{
		store:          st,
		publisher:      publisher,
		logger:         logger,
		persistTimeout: persistTimeout,
		now:            time.Now,
		players:        make(map[string]*domain.PlayerProfile),
		conns:          make(map[string]string),
		sessions:       make(map[string]string),
		pending:        make(map[string][]func(string)),
	}
}

// JoinRequest carries the identity a client announces on connect.
type JoinRequest struct {
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	APIKey      string `json:"api_key,omitempty"`
	IsBot       bool   `json:"is_bot,omitempty"`
}

// Join looks up or creates the profile for the display name and binds the
// connection to it. Re-joining under the same name keeps the accumulated
// score and status; a provided avatar overwrites the stored one. One
// persisted session is created per name for the process lifetime; onSession
// is invoked with its id once known (possibly asynchronously).
func (r *Registry) Join(connID string, req JoinRequest, onSession func(sessionID string)) *domain.PlayerProfile {
	r.mu.Lock()

	now := r.now()
	profile, ok := r.players[req.DisplayName]
	if !ok {
		avatar := req.AvatarURL
		if avatar == "" {
			avatar = domain.PlaceholderAvatar(req.DisplayName)
		}
		profile = &domain.PlayerProfile{
			DisplayName: req.DisplayName,
			AvatarURL:   avatar,
			Status:      string(domain.StatusPlaying),
			IsBot:       req.IsBot,
			JoinedAt:    now,
		}
		r.players[req.DisplayName] = profile
	} else if req.AvatarURL != "" {
		profile.AvatarURL = req.AvatarURL
	}
	profile.UpdatedAt = now
	r.conns[connID] = req.DisplayName

	if sessionID, ok := r.sessions[req.DisplayName]; ok {
		snapshot := *profile
		r.mu.Unlock()
		if onSession != nil {
			onSession(sessionID)
		}
		return &snapshot
	}

	callbacks, inFlight := r.pending[req.DisplayName]
	if onSession != nil {
		callbacks = append(callbacks, onSession)
	}
	r.pending[req.DisplayName] = callbacks
	snapshot := *profile
	r.mu.Unlock()

	if !inFlight {
		go r.createSession(req)
	}
	return &snapshot
}

// createSession persists the session record off the live path, remembers its
// id keyed by display name, and drains every ack queued while it ran.
func (r *Registry) createSession(req JoinRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), r.persistTimeout)
	defer cancel()

	rec, err := r.store.CreateSession(ctx, req.DisplayName, req.AvatarURL, HashAPIKey(req.APIKey))

	r.mu.Lock()
	callbacks := r.pending[req.DisplayName]
	delete(r.pending, req.DisplayName)
	if err == nil {
		r.sessions[req.DisplayName] = rec.ID
	}
	r.mu.Unlock()

	if err != nil {
		r.logger.Warn("failed to create session, live game continues",
			"player", req.DisplayName,
			"error", err,
		)
		return
	}
	for _, cb := range callbacks {
		cb(rec.ID)
	}
}

// UpdateProgress merges the partial fields into the profile bound to the
// connection. Unbound connections are a silent no-op; the event may have
// raced a join or a disconnect. Returns whether anything changed.
func (r *Registry) UpdateProgress(connID string, update domain.ProgressUpdate) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	name, ok := r.conns[connID]
	if !ok {
		return false
	}
	profile := r.players[name]
	if profile == nil {
		return false
	}
	if update.Score != nil {
		profile.Score = *update.Score
	}
	if update.Status != nil {
		profile.Status = *update.Status
	}
	if update.TotalTime != nil {
		profile.TotalTime = *update.TotalTime
	}
	profile.UpdatedAt = r.now()
	return true
}

// Disconnect removes the connection binding only. The profile and its score
// stay so the player can reconnect under the same name.
func (r *Registry) Disconnect(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, connID)
}

// RoundComplete persists the round payload for the connection's session,
// fire-and-forget, and refreshes the profile's public status.
func (r *Registry) RoundComplete(connID string, round int, payload domain.RoundPayload) {
	r.mu.Lock()
	name, bound := r.conns[connID]
	if !bound {
		r.mu.Unlock()
		return
	}
	sessionID := r.sessions[name]
	if profile := r.players[name]; profile != nil {
		profile.Status = string(domain.StatusAfterRound(round))
		profile.UpdatedAt = r.now()
	}
	r.mu.Unlock()

	if sessionID == "" {
		r.logger.Warn("no persisted session for round, skipping save", "player", name, "round", round)
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.persistTimeout)
		defer cancel()

		rec, err := r.store.SaveRound(ctx, sessionID, round, payload)
		if err != nil {
			r.logger.Warn("failed to save round, live game continues",
				"player", name,
				"session_id", sessionID,
				"round", round,
				"error", err,
			)
			return
		}
		r.publish(domain.ScoreEvent{
			PlayerName: name,
			SessionID:  sessionID,
			EventType:  domain.EventRoundComplete,
			Round:      round,
			Score:      payload.Score,
			TotalScore: rec.TotalScore,
			Timestamp:  r.now(),
		})
	}()
}

// GameComplete records the final totals on the profile and marks the
// persisted session Finished, fire-and-forget.
func (r *Registry) GameComplete(connID string, totals domain.CompletionTotals) {
	r.mu.Lock()
	name, bound := r.conns[connID]
	if !bound {
		r.mu.Unlock()
		return
	}
	sessionID := r.sessions[name]
	if profile := r.players[name]; profile != nil {
		profile.Score = totals.TotalScore
		profile.TotalTime = totals.TotalTime
		profile.Status = string(domain.StatusFinished)
		profile.UpdatedAt = r.now()
	}
	r.mu.Unlock()

	if sessionID == "" {
		r.logger.Warn("no persisted session to finish", "player", name)
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.persistTimeout)
		defer cancel()

		if _, err := r.store.CompleteSession(ctx, sessionID, totals); err != nil {
			r.logger.Warn("failed to finish session, live game continues",
				"player", name,
				"session_id", sessionID,
				"error", err,
			)
			return
		}
		r.publish(domain.ScoreEvent{
			PlayerName: name,
			SessionID:  sessionID,
			EventType:  domain.EventGameComplete,
			Score:      totals.TotalScore,
			TotalScore: totals.TotalScore,
			Timestamp:  r.now(),
		})
	}()
}

// Leaderboard recomputes the full ranked view: score descending, ties broken
// by the shorter total time, then by name for a stable order. Ranks are
// 1-based and contiguous.
func (r *Registry) Leaderboard() []domain.LiveLeaderboardEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]domain.LiveLeaderboardEntry, 0, len(r.players))
	for _, p := range r.players {
		entries = append(entries, domain.LiveLeaderboardEntry{
			DisplayName: p.DisplayName,
			AvatarURL:   p.AvatarURL,
			Score:       p.Score,
			Status:      p.Status,
			TotalTime:   p.TotalTime,
			IsBot:       p.IsBot,
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score > entries[j].Score
		}
		if entries[i].TotalTime != entries[j].TotalTime {
			return entries[i].TotalTime < entries[j].TotalTime
		}
		return entries[i].DisplayName < entries[j].DisplayName
	})
	for i := range entries {
		entries[i].Rank = int64(i + 1)
	}
	return entries
}

// Profile returns a copy of the named player's profile.
func (r *Registry) Profile(displayName string) (*domain.PlayerProfile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.players[displayName]
	if !ok {
		return nil, false
	}
	snapshot := *p
	return &snapshot, true
}

// SessionID returns the persisted session id remembered for a display name.
func (r *Registry) SessionID(displayName string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.sessions[displayName]
	return id, ok
}

// ConnectionCount reports how many live connections are currently bound.
func (r *Registry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func (r *Registry) publish(event domain.ScoreEvent) {
	if r.publisher == nil {
		return
	}
	r.publisher.PublishScoreEvent(event)
}

// HashAPIKey returns the hex SHA-256 fingerprint stored for bookkeeping, or
// empty when no key was supplied.
func HashAPIKey(apiKey string) string {
	if apiKey == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:])
}
