package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/promptduel-backend/internal/config"
	"github.com/promptduel-backend/internal/domain"
	"github.com/promptduel-backend/internal/game"
	"github.com/promptduel-backend/internal/redis"
	"github.com/promptduel-backend/internal/store"
	"github.com/promptduel-backend/internal/websocket"
)

// Handler provides HTTP handlers for the session API. It talks to the store
// directly and never touches the live in-memory scoreboard.
type Handler struct {
	store  store.Store
	cache  *redis.LeaderboardCache
	hub    *websocket.Hub
	game   *config.GameConfig
	origin string
	logger *slog.Logger
}

// NewHandler creates a new HTTP handler. cache may be nil when Redis is not
// configured.
func NewHandler(st store.Store, cache *redis.LeaderboardCache, hub *websocket.Hub, gameCfg *config.GameConfig, allowedOrigin string, logger *slog.Logger) *Handler {
	return &Handler{
		store:  st,
		cache:  cache,
		hub:    hub,
		game:   gameCfg,
		origin: allowedOrigin,
		logger: logger,
	}
}

// APIResponse represents a standard API response
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// Router creates and configures the HTTP router
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(h.corsMiddleware)

	// Health check
	r.Get("/health", h.HealthCheck)
	r.Get("/ready", h.ReadyCheck)

	// WebSocket endpoint
	r.Get("/ws", h.HandleWebSocket)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", h.CreateSession)

			r.Route("/{sessionID}", func(r chi.Router) {
				r.Get("/", h.GetSession)
				r.Patch("/", h.UpdateSession)
				r.Post("/rounds/{round}", h.SaveRound)
				r.Post("/complete", h.CompleteSession)
			})
		})

		r.Get("/leaderboard", h.GetLeaderboard)
		r.Get("/players/{playerName}/sessions", h.GetPlayerHistory)

		r.Route("/admin", func(r chi.Router) {
			r.Get("/sessions", h.GetAllSessions)
			r.Get("/stats", h.GetStats)
		})

		// WebSocket info endpoint
		r.Get("/ws/stats", h.GetWebSocketStats)
	})

	return r
}

// corsMiddleware adds CORS headers for the configured origin
func (h *Handler) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", h.origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Request-ID")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeSuccess writes a successful JSON response
func (h *Handler) writeSuccess(w http.ResponseWriter, data interface{}) {
	h.writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    data,
	})
}

// writeError writes an error JSON response
func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	h.writeJSON(w, status, APIResponse{
		Success: false,
		Error:   err.Error(),
	})
}

// writeStoreError maps store errors onto HTTP statuses, distinguishing
// not-found and ordering violations from transport failures
func (h *Handler) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case domain.IsNotFoundError(err):
		h.writeError(w, http.StatusNotFound, err)
	case errors.Is(err, domain.ErrInvalidRequest), errors.Is(err, domain.ErrInvalidRound):
		h.writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, domain.ErrRoundOrder), errors.Is(err, domain.ErrSessionFinished):
		h.writeError(w, http.StatusConflict, err)
	default:
		h.logger.Error("store operation failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
	}
}

// HandleWebSocket handles WebSocket upgrade requests
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	websocket.ServeWs(h.hub, h.logger, w, r)
}

// GetWebSocketStats returns WebSocket connection statistics
func (h *Handler) GetWebSocketStats(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]interface{}{
		"total_connections": h.hub.GetTotalConnections(),
	})
}

// HealthCheck returns service health status
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]string{"status": "healthy"})
}

// ReadyCheck returns service readiness status
func (h *Handler) ReadyCheck(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]string{"status": "ready"})
}

// CreateSessionRequest is the payload for creating a session
type CreateSessionRequest struct {
	PlayerName string `json:"player_name"`
	AvatarURL  string `json:"avatar_url,omitempty"`
	APIKey     string `json:"api_key,omitempty"`
}

// CreateSession handles session creation
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}
	if req.PlayerName == "" {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	avatar := req.AvatarURL
	if avatar == "" {
		avatar = domain.PlaceholderAvatar(req.PlayerName)
	}

	rec, err := h.store.CreateSession(r.Context(), req.PlayerName, avatar, game.HashAPIKey(req.APIKey))
	if err != nil {
		h.writeStoreError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, APIResponse{
		Success: true,
		Data:    rec,
	})
}

// GetSession returns a session by id
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if sessionID == "" {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	rec, err := h.store.GetSession(r.Context(), sessionID)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}

	h.writeSuccess(w, rec)
}

// UpdateSession applies an allowed-field patch to a session. Unknown fields
// are rejected before anything is written.
func (h *Handler) UpdateSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if sessionID == "" {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	var patch store.SessionPatch
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&patch); err != nil {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	rec, err := h.store.UpdateSession(r.Context(), sessionID, patch)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}

	h.writeSuccess(w, rec)
}

// SaveRound persists one round's payload and advances the session status
func (h *Handler) SaveRound(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	round, err := strconv.Atoi(chi.URLParam(r, "round"))
	if sessionID == "" || err != nil {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	var payload domain.RoundPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}
	if len(payload.Items) == 0 || payload.TimeTaken < 0 {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	rec, err := h.store.SaveRound(r.Context(), sessionID, round, payload)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}

	if rec.Status == domain.StatusFinished {
		h.invalidateLeaderboard(r)
	}

	h.writeSuccess(w, rec)
}

// CompleteSession marks a session Finished with the reported totals
func (h *Handler) CompleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if sessionID == "" {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	var totals domain.CompletionTotals
	if err := json.NewDecoder(r.Body).Decode(&totals); err != nil {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	rec, err := h.store.CompleteSession(r.Context(), sessionID, totals)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}

	h.invalidateLeaderboard(r)
	h.writeSuccess(w, rec)
}

// GetLeaderboard returns the ranked finished sessions, served from the Redis
// snapshot when available
func (h *Handler) GetLeaderboard(w http.ResponseWriter, r *http.Request) {
	limit := h.game.DefaultLeaderboardLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = l
		}
	}
	if limit > h.game.MaxLeaderboardLimit {
		limit = h.game.MaxLeaderboardLimit
	}

	if h.cache != nil {
		entries, hit, err := h.cache.GetSnapshot(r.Context())
		if err != nil {
			h.logger.Warn("leaderboard cache read failed", "error", err)
		} else if hit {
			h.writeSuccess(w, clampEntries(entries, limit))
			return
		}
	}

	entries, err := h.store.Leaderboard(r.Context(), h.game.MaxLeaderboardLimit)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}

	if h.cache != nil {
		if err := h.cache.SetSnapshot(r.Context(), entries); err != nil {
			h.logger.Warn("leaderboard cache write failed", "error", err)
		}
	}

	h.writeSuccess(w, clampEntries(entries, limit))
}

// GetPlayerHistory returns all sessions for a player, newest first
func (h *Handler) GetPlayerHistory(w http.ResponseWriter, r *http.Request) {
	playerName := chi.URLParam(r, "playerName")
	if playerName == "" {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	records, err := h.store.PlayerHistory(r.Context(), playerName)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}

	h.writeSuccess(w, records)
}

// GetAllSessions returns the most recent sessions up to a bounded limit
func (h *Handler) GetAllSessions(w http.ResponseWriter, r *http.Request) {
	limit := h.game.DefaultLeaderboardLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = l
		}
	}
	if limit > h.game.MaxLeaderboardLimit {
		limit = h.game.MaxLeaderboardLimit
	}

	records, err := h.store.AllSessions(r.Context(), limit)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}

	h.writeSuccess(w, records)
}

// GetStats returns aggregate session statistics
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.Stats(r.Context())
	if err != nil {
		h.writeStoreError(w, err)
		return
	}

	h.writeSuccess(w, stats)
}

// invalidateLeaderboard drops the cached snapshot after a finish-causing
// write; best effort
func (h *Handler) invalidateLeaderboard(r *http.Request) {
	if h.cache == nil {
		return
	}
	if err := h.cache.Invalidate(r.Context()); err != nil {
		h.logger.Warn("leaderboard cache invalidation failed", "error", err)
	}
}

func clampEntries(entries []domain.LeaderboardEntry, limit int) []domain.LeaderboardEntry {
	if limit > 0 && len(entries) > limit {
		return entries[:limit]
	}
	return entries
}
