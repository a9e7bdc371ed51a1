package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/promptduel-backend/internal/domain"
	"github.com/promptduel-backend/internal/game"
)

// Message types
const (
	MessageTypeJoin              = "join"
	MessageTypeUpdateProgress    = "update_progress"
	MessageTypeRoundComplete     = "round_complete"
	MessageTypeGameComplete      = "game_complete"
	MessageTypeLeaderboardUpdate = "leaderboard_update"
	MessageTypeSessionCreated    = "session_created"
	MessageTypePing              = "ping"
	MessageTypePong              = "pong"
	MessageTypeError             = "error"
)

// Message represents a WebSocket message
type Message struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// clientEvent pairs an inbound message with the connection it arrived on.
// Events flow through a single channel so the run loop applies them in
// order; per-connection ordering is therefore preserved end to end.
type clientEvent struct {
	client  *Client
	message *ClientMessage
}

// Hub maintains the set of active clients, applies their events to the game
// registry, and broadcasts a recomputed leaderboard after every mutation
type Hub struct {
	registry *game.Registry

	// All connected clients
	clients map[*Client]bool

	// Register requests from clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	// Inbound events from clients, processed one at a time
	events chan *clientEvent

	// Mutex for the client set, read by stats endpoints
	mu sync.RWMutex

	allowedOrigin string

	logger *slog.Logger

	// Context for shutdown
	ctx    context.Context
	cancel context.CancelFunc
}

// NewHub creates a new Hub around the game registry
func NewHub(registry *game.Registry, allowedOrigin string, logger *slog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		registry:      registry,
		clients:       make(map[*Client]bool),
		register:      make(chan *Client),
		unregister:    make(chan *Client),
		events:        make(chan *clientEvent, 256),
		allowedOrigin: allowedOrigin,
		logger:        logger,
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Run starts the hub's main loop. All registry mutations triggered by the
// live channel happen here, on a single goroutine.
func (h *Hub) Run() {
	h.logger.Info("WebSocket hub started")
	for {
		select {
		case <-h.ctx.Done():
			h.logger.Info("WebSocket hub stopping")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			// New connections get a snapshot right away, before any event
			// from them is processed.
			client.sendMessage(&Message{
				Type:      MessageTypeLeaderboardUpdate,
				Data:      h.registry.Leaderboard(),
				Timestamp: time.Now(),
			})
			h.logger.Debug("client registered", "client_id", client.id)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.closeSend()
			}
			h.mu.Unlock()
			h.registry.Disconnect(client.id)
			h.logger.Debug("client unregistered", "client_id", client.id)

		case event := <-h.events:
			h.dispatch(event)
		}
	}
}

// Stop stops the hub
func (h *Hub) Stop() {
	h.cancel()
}

// dispatch applies one inbound event to the registry and pushes the
// recomputed leaderboard to everyone when live state changed
func (h *Hub) dispatch(event *clientEvent) {
	client, msg := event.client, event.message

	switch msg.Type {
	case MessageTypeJoin:
		var req game.JoinRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil || req.DisplayName == "" {
			client.sendError("join requires a display_name")
			return
		}
		h.registry.Join(client.id, req, func(sessionID string) {
			// Resolves off the hub loop once persistence answers; the live
			// broadcast below does not wait for it.
			client.sendMessage(&Message{
				Type:      MessageTypeSessionCreated,
				Data:      map[string]string{"session_id": sessionID},
				Timestamp: time.Now(),
			})
		})
		h.broadcastLeaderboard()

	case MessageTypeUpdateProgress:
		var update domain.ProgressUpdate
		if err := json.Unmarshal(msg.Payload, &update); err != nil {
			client.sendError("invalid progress payload")
			return
		}
		if h.registry.UpdateProgress(client.id, update) {
			h.broadcastLeaderboard()
		}

	case MessageTypeRoundComplete:
		var payload roundCompletePayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil || payload.Round < 1 || payload.Round > domain.MaxRounds {
			client.sendError("invalid round payload")
			return
		}
		h.registry.RoundComplete(client.id, payload.Round, payload.RoundPayload)
		h.broadcastLeaderboard()

	case MessageTypeGameComplete:
		var totals domain.CompletionTotals
		if err := json.Unmarshal(msg.Payload, &totals); err != nil {
			client.sendError("invalid completion payload")
			return
		}
		h.registry.GameComplete(client.id, totals)
		h.broadcastLeaderboard()

	case MessageTypePing:
		client.sendPong()

	default:
		h.logger.Debug("unknown message type", "type", msg.Type)
		client.sendError("unsupported message type")
	}
}

// roundCompletePayload is the inbound shape for a finished round
type roundCompletePayload struct {
	Round int `json:"round"`
	domain.RoundPayload
}

// broadcastLeaderboard recomputes the ranked view against the latest state
// and fans it out to every connection
func (h *Hub) broadcastLeaderboard() {
	message := &Message{
		Type:      MessageTypeLeaderboardUpdate,
		Data:      h.registry.Leaderboard(),
		Timestamp: time.Now(),
	}

	data, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("failed to marshal leaderboard message", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if !client.trySend(data) {
			// Client's buffer is full or it is going away, skip
			h.logger.Warn("client not accepting messages, skipping", "client_id", client.id)
		}
	}
}

// GetTotalConnections returns the total number of connected clients
func (h *Hub) GetTotalConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
