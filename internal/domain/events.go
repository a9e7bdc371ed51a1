package domain

import "time"

// Score event types published for downstream consumers.
const (
	EventRoundComplete = "round_complete"
	EventGameComplete  = "game_complete"
)

// ScoreEvent is the analytics record emitted when a round or game finishes.
type ScoreEvent struct {
	PlayerName string    `json:"player_name"`
	SessionID  string    `json:"session_id,omitempty"`
	EventType  string    `json:"event_type"`
	Round      int       `json:"round,omitempty"`
	Score      int64     `json:"score"`
	TotalScore int64     `json:"total_score,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
