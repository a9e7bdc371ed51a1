package domain

import (
	"fmt"
	"net/url"
	"time"
)

// PlayerProfile is the live, in-memory view of one player. There is at most
// one profile per display name; reconnecting under the same name resumes the
// existing profile.
type PlayerProfile struct {
	DisplayName string    `json:"display_name"`
	AvatarURL   string    `json:"avatar_url"`
	Score       int64     `json:"score"`
	Status      string    `json:"status"`
	TotalTime   int64     `json:"total_time_ms"`
	IsBot       bool      `json:"is_bot"`
	JoinedAt    time.Time `json:"joined_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ProgressUpdate carries the optional fields a client may push mid-round.
// Nil pointers mean "leave unchanged".
type ProgressUpdate struct {
	Score     *int64  `json:"score,omitempty"`
	Status    *string `json:"status,omitempty"`
	TotalTime *int64  `json:"total_time_ms,omitempty"`
}

// LiveLeaderboardEntry is one row of the in-memory leaderboard broadcast to
// every connected client.
type LiveLeaderboardEntry struct {
	Rank        int64  `json:"rank"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url"`
	Score       int64  `json:"score"`
	Status      string `json:"status"`
	TotalTime   int64  `json:"total_time_ms"`
	IsBot       bool   `json:"is_bot"`
}

// PlaceholderAvatar returns a deterministic generated avatar URL for players
// that join without one. The seed keeps the image stable across reconnects.
func PlaceholderAvatar(displayName string) string {
	return fmt.Sprintf("https://api.dicebear.com/7.x/bottts/svg?seed=%s", url.QueryEscape(displayName))
}
