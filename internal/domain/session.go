package domain

import "time"

// SessionStatus tracks a session's forward-only lifecycle.
type SessionStatus string

const (
	StatusPlaying  SessionStatus = "Playing"
	StatusRound2   SessionStatus = "Round 2"
	StatusRound3   SessionStatus = "Round 3"
	StatusFinished SessionStatus = "Finished"
)

// MaxRounds is the number of scored rounds in one game attempt.
const MaxRounds = 3

// StatusAfterRound returns the status a session enters once the given round
// has been saved.
func StatusAfterRound(round int) SessionStatus {
	switch round {
	case 1:
		return StatusRound2
	case 2:
		return StatusRound3
	default:
		return StatusFinished
	}
}

// RoundItem is one scored sub-round submission: the prompt the player wrote,
// the output it produced, and how it was judged.
type RoundItem struct {
	SubRoundID    string `json:"sub_round_id,omitempty"`
	TargetPhrase  string `json:"target_phrase,omitempty"`
	TargetContent string `json:"target_content,omitempty"`
	Prompt        string `json:"prompt"`
	Output        string `json:"output"`
	Score         int64  `json:"score"`
	TimeTaken     int64  `json:"time_taken_ms"`
}

// RoundPayload is everything persisted for one completed round.
type RoundPayload struct {
	Items     []RoundItem `json:"items"`
	Score     int64       `json:"score"`
	TimeTaken int64       `json:"time_taken_ms"`
}

// SessionRecord is one player's durable record of a single game attempt.
// Round data is only written once the session has progressed far enough, and
// total_score is always recomputed from the stored round scores.
type SessionRecord struct {
	ID              string                   `json:"id"`
	PlayerName      string                   `json:"player_name"`
	AvatarURL       string                   `json:"avatar_url,omitempty"`
	APIKeyHash      string                   `json:"api_key_hash,omitempty"`
	Rounds          [MaxRounds]*RoundPayload `json:"rounds"`
	TotalScore      int64                    `json:"total_score"`
	TotalTime       int64                    `json:"total_time_ms"`
	RoundsCompleted int                      `json:"rounds_completed"`
	CurrentRound    int                      `json:"current_round"`
	Status          SessionStatus            `json:"status"`
	CreatedAt       time.Time                `json:"created_at"`
	UpdatedAt       time.Time                `json:"updated_at"`
}

// RecomputeTotals derives total_score and total_time from the saved rounds.
func (s *SessionRecord) RecomputeTotals() {
	var score, elapsed int64
	completed := 0
	for _, r := range s.Rounds {
		if r == nil {
			continue
		}
		score += r.Score
		elapsed += r.TimeTaken
		completed++
	}
	s.TotalScore = score
	s.TotalTime = elapsed
	s.RoundsCompleted = completed
}

// LeaderboardEntry is one ranked row of the persisted leaderboard, built from
// Finished sessions only.
type LeaderboardEntry struct {
	Rank       int64  `json:"rank"`
	SessionID  string `json:"session_id"`
	PlayerName string `json:"player_name"`
	AvatarURL  string `json:"avatar_url,omitempty"`
	TotalScore int64  `json:"total_score"`
	TotalTime  int64  `json:"total_time_ms"`
}

// SessionStats aggregates store-wide counters for the admin surface.
type SessionStats struct {
	TotalSessions    int64   `json:"total_sessions"`
	FinishedSessions int64   `json:"finished_sessions"`
	AverageScore     float64 `json:"average_score"`
}

// CompletionTotals carries the final numbers a client reports when the game
// ends.
type CompletionTotals struct {
	TotalScore int64 `json:"total_score"`
	TotalTime  int64 `json:"total_time_ms"`
}
