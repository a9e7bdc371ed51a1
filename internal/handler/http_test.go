package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/promptduel-backend/internal/config"
	"github.com/promptduel-backend/internal/domain"
	"github.com/promptduel-backend/internal/game"
	"github.com/promptduel-backend/internal/redis"
	"github.com/promptduel-backend/internal/store/memory"
	"github.com/promptduel-backend/internal/websocket"
	goredis "github.com/redis/go-redis/v9"
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

func newTestServer(t *testing.T, cache *redis.LeaderboardCache) (*httptest.Server, *memory.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := memory.NewStore()
	registry := game.NewRegistry(st, nil, time.Second, logger)
	hub := websocket.NewHub(registry, "*", logger)

	gameCfg := &config.GameConfig{
		DefaultLeaderboardLimit: 50,
		MaxLeaderboardLimit:     500,
		PersistTimeout:          time.Second,
		RefreshInterval:         time.Minute,
	}

	h := NewHandler(st, cache, hub, gameCfg, "*", logger)
	srv := httptest.NewServer(h.Router())
	t.Cleanup(srv.Close)
	return srv, st
}

func doJSON(t *testing.T, method, url string, body interface{}) (*http.Response, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	return resp, env
}

func createSession(t *testing.T, srv *httptest.Server, player string) domain.SessionRecord {
	t.Helper()
	resp, env := doJSON(t, http.MethodPost, srv.URL+"/api/v1/sessions", map[string]string{"player_name": player})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create session: status %d, error %q", resp.StatusCode, env.Error)
	}
	var rec domain.SessionRecord
	if err := json.Unmarshal(env.Data, &rec); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	return rec
}

func roundBody(score, timeTaken int64) map[string]interface{} {
	return map[string]interface{}{
		"items": []map[string]interface{}{
			{"prompt": "describe the image", "output": "a red kite", "score": score, "time_taken_ms": timeTaken},
		},
		"score":         score,
		"time_taken_ms": timeTaken,
	}
}

func TestHealthAndReady(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	for _, path := range []string{"/health", "/ready"} {
		resp, env := doJSON(t, http.MethodGet, srv.URL+path, nil)
		if resp.StatusCode != http.StatusOK || !env.Success {
			t.Fatalf("%s: status %d success %v", path, resp.StatusCode, env.Success)
		}
	}
}

func TestCreateSessionValidation(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rec := createSession(t, srv, "alice")
	if rec.Status != domain.StatusPlaying || rec.CurrentRound != 1 {
		t.Fatalf("new session wrong shape: %+v", rec)
	}
	if !strings.Contains(rec.AvatarURL, "alice") {
		t.Fatalf("missing avatar must be replaced with a placeholder, got %q", rec.AvatarURL)
	}

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/v1/sessions", map[string]string{"avatar_url": "x"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing player_name must be 400, got %d", resp.StatusCode)
	}
}

func TestGetSession(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	rec := createSession(t, srv, "alice")

	resp, env := doJSON(t, http.MethodGet, srv.URL+"/api/v1/sessions/"+rec.ID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get session: %d %q", resp.StatusCode, env.Error)
	}

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/api/v1/sessions/local-missing", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown session must be 404, got %d", resp.StatusCode)
	}
}

func TestRoundProgressionOverREST(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	rec := createSession(t, srv, "alice")
	base := srv.URL + "/api/v1/sessions/" + rec.ID

	resp, env := doJSON(t, http.MethodPost, base+"/rounds/1", roundBody(10, 5000))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("round 1: %d %q", resp.StatusCode, env.Error)
	}
	var after domain.SessionRecord
	if err := json.Unmarshal(env.Data, &after); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if after.Status != domain.StatusRound2 || after.TotalScore != 10 {
		t.Fatalf("after round 1: %s / %d", after.Status, after.TotalScore)
	}

	resp, env = doJSON(t, http.MethodPost, base+"/rounds/2", roundBody(15, 3000))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("round 2: %d %q", resp.StatusCode, env.Error)
	}
	resp, env = doJSON(t, http.MethodPost, base+"/rounds/3", roundBody(20, 2000))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("round 3: %d %q", resp.StatusCode, env.Error)
	}
	if err := json.Unmarshal(env.Data, &after); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if after.Status != domain.StatusFinished || after.TotalScore != 45 || after.TotalTime != 10000 {
		t.Fatalf("after round 3: %+v", after)
	}
}

func TestSaveRoundValidation(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	rec := createSession(t, srv, "alice")
	base := srv.URL + "/api/v1/sessions/" + rec.ID

	// Round 2 before round 1 is an ordering conflict.
	resp, _ := doJSON(t, http.MethodPost, base+"/rounds/2", roundBody(10, 1000))
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("out-of-order round must be 409, got %d", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodPost, base+"/rounds/4", roundBody(10, 1000))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("round 4 must be 400, got %d", resp.StatusCode)
	}

	// Empty items are rejected before the store is touched.
	resp, _ = doJSON(t, http.MethodPost, base+"/rounds/1", map[string]interface{}{"items": []string{}, "score": 1})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty items must be 400, got %d", resp.StatusCode)
	}

	// Finish the session, then saving anything is a conflict.
	if resp, env := doJSON(t, http.MethodPost, base+"/complete", map[string]int64{"total_score": 30}); resp.StatusCode != http.StatusOK {
		t.Fatalf("complete: %d %q", resp.StatusCode, env.Error)
	}
	resp, _ = doJSON(t, http.MethodPost, base+"/rounds/1", roundBody(10, 1000))
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("saving on a finished session must be 409, got %d", resp.StatusCode)
	}
}

func TestUpdateSessionPatch(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	rec := createSession(t, srv, "alice")
	base := srv.URL + "/api/v1/sessions/" + rec.ID

	resp, env := doJSON(t, http.MethodPatch, base, map[string]string{"avatar_url": "https://example.com/a.png"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("patch avatar: %d %q", resp.StatusCode, env.Error)
	}
	var after domain.SessionRecord
	if err := json.Unmarshal(env.Data, &after); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if after.AvatarURL != "https://example.com/a.png" {
		t.Fatalf("avatar not applied: %q", after.AvatarURL)
	}

	// Unknown fields are rejected.
	resp, _ = doJSON(t, http.MethodPatch, base, map[string]interface{}{"total_score": 999})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown patch field must be 400, got %d", resp.StatusCode)
	}

	// Backwards status moves are rejected.
	resp, _ = doJSON(t, http.MethodPatch, base, map[string]string{"status": "Round 9"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown status must be 400, got %d", resp.StatusCode)
	}
}

func TestLeaderboardEndpoint(t *testing.T) {
	srv, st := newTestServer(t, nil)
	ctx := context.Background()

	names := []string{"alice", "bob", "carol"}
	scores := []int64{40, 50, 30}
	for i, name := range names {
		rec := createSession(t, srv, name)
		if _, err := st.CompleteSession(ctx, rec.ID, domain.CompletionTotals{TotalScore: scores[i], TotalTime: 1000}); err != nil {
			t.Fatalf("complete %s: %v", name, err)
		}
	}
	createSession(t, srv, "dave") // unfinished, stays off the board

	resp, env := doJSON(t, http.MethodGet, srv.URL+"/api/v1/leaderboard", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("leaderboard: %d %q", resp.StatusCode, env.Error)
	}
	var entries []domain.LeaderboardEntry
	if err := json.Unmarshal(env.Data, &entries); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(entries) != 3 || entries[0].PlayerName != "bob" || entries[0].Rank != 1 {
		t.Fatalf("unexpected leaderboard: %+v", entries)
	}

	resp, env = doJSON(t, http.MethodGet, srv.URL+"/api/v1/leaderboard?limit=2", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("limited leaderboard: %d", resp.StatusCode)
	}
	if err := json.Unmarshal(env.Data, &entries); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("limit not applied: %d entries", len(entries))
	}
}

func TestLeaderboardCacheAside(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	cache := redis.NewLeaderboardCacheWithClient(client, time.Minute, logger)

	srv, st := newTestServer(t, cache)
	ctx := context.Background()

	rec := createSession(t, srv, "alice")
	if _, err := st.CompleteSession(ctx, rec.ID, domain.CompletionTotals{TotalScore: 40}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	// First read misses and populates the snapshot.
	if resp, _ := doJSON(t, http.MethodGet, srv.URL+"/api/v1/leaderboard", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("leaderboard: %d", resp.StatusCode)
	}
	if _, hit, err := cache.GetSnapshot(ctx); err != nil || !hit {
		t.Fatalf("first read must populate the cache (hit=%v err=%v)", hit, err)
	}

	// A finish-causing write through the API drops the snapshot.
	second := createSession(t, srv, "bob")
	if resp, env := doJSON(t, http.MethodPost, srv.URL+"/api/v1/sessions/"+second.ID+"/complete", map[string]int64{"total_score": 50}); resp.StatusCode != http.StatusOK {
		t.Fatalf("complete via API: %d %q", resp.StatusCode, env.Error)
	}
	if _, hit, err := cache.GetSnapshot(ctx); err != nil || hit {
		t.Fatalf("completion must invalidate the snapshot (hit=%v err=%v)", hit, err)
	}

	// Next read repopulates with both players.
	resp, env := doJSON(t, http.MethodGet, srv.URL+"/api/v1/leaderboard", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("leaderboard after invalidate: %d", resp.StatusCode)
	}
	var entries []domain.LeaderboardEntry
	if err := json.Unmarshal(env.Data, &entries); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(entries) != 2 || entries[0].PlayerName != "bob" {
		t.Fatalf("unexpected repopulated board: %+v", entries)
	}
}

func TestPlayerHistoryEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	createSession(t, srv, "alice")
	createSession(t, srv, "alice")
	createSession(t, srv, "bob")

	resp, env := doJSON(t, http.MethodGet, srv.URL+"/api/v1/players/alice/sessions", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("history: %d %q", resp.StatusCode, env.Error)
	}
	var records []domain.SessionRecord
	if err := json.Unmarshal(env.Data, &records); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("want 2 alice sessions, got %d", len(records))
	}
}

func TestAdminEndpoints(t *testing.T) {
	srv, st := newTestServer(t, nil)
	ctx := context.Background()

	alice := createSession(t, srv, "alice")
	createSession(t, srv, "bob")
	if _, err := st.CompleteSession(ctx, alice.ID, domain.CompletionTotals{TotalScore: 40}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	resp, env := doJSON(t, http.MethodGet, srv.URL+"/api/v1/admin/stats", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stats: %d %q", resp.StatusCode, env.Error)
	}
	var stats domain.SessionStats
	if err := json.Unmarshal(env.Data, &stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats.TotalSessions != 2 || stats.FinishedSessions != 1 || stats.AverageScore != 40 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	resp, env = doJSON(t, http.MethodGet, srv.URL+"/api/v1/admin/sessions?limit=1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("admin sessions: %d %q", resp.StatusCode, env.Error)
	}
	var records []domain.SessionRecord
	if err := json.Unmarshal(env.Data, &records); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(records) != 1 || records[0].PlayerName != "bob" {
		t.Fatalf("newest-first limit broken: %+v", records)
	}
}

func TestWebSocketStatsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	resp, env := doJSON(t, http.MethodGet, srv.URL+"/api/v1/ws/stats", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ws stats: %d %q", resp.StatusCode, env.Error)
	}
	var stats struct {
		TotalConnections int `json:"total_connections"`
	}
	if err := json.Unmarshal(env.Data, &stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats.TotalConnections != 0 {
		t.Fatalf("no websocket clients expected, got %d", stats.TotalConnections)
	}
}

func TestCORSPreflight(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/api/v1/leaderboard", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("preflight must be 200, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("missing CORS origin header, got %q", got)
	}
}
