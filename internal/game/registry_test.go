package game_test

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/promptduel-backend/internal/domain"
	"github.com/promptduel-backend/internal/game"
	"github.com/promptduel-backend/internal/store/memory"
)

// gatedStore holds CreateSession until the gate opens so tests can pile up
// joins behind one in-flight create.
type gatedStore struct {
	*memory.Store
	gate chan struct{}
}

func (s *gatedStore) CreateSession(ctx context.Context, playerName, avatarURL, apiKeyHash string) (*domain.SessionRecord, error) {
	<-s.gate
	return s.Store.CreateSession(ctx, playerName, avatarURL, apiKeyHash)
}

func newTestRegistry() (*game.Registry, *memory.Store) {
	st := memory.NewStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return game.NewRegistry(st, nil, time.Second, logger), st
}

func int64Ptr(v int64) *int64 { return &v }

func strPtr(v string) *string { return &v }

// waitFor polls until the condition holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestJoinIsIdempotentPerName(t *testing.T) {
	registry, _ := newTestRegistry()

	registry.Join("conn-1", game.JoinRequest{DisplayName: "alice"}, nil)
	if !registry.UpdateProgress("conn-1", domain.ProgressUpdate{Score: int64Ptr(40)}) {
		t.Fatalf("expected progress update to apply")
	}

	// Reconnect under the same name with a new connection and an avatar.
	profile := registry.Join("conn-2", game.JoinRequest{DisplayName: "alice", AvatarURL: "https://example.com/a.png"}, nil)
	if profile.Score != 40 {
		t.Fatalf("re-join must preserve score, got %d", profile.Score)
	}
	if profile.AvatarURL != "https://example.com/a.png" {
		t.Fatalf("re-join must overwrite avatar, got %s", profile.AvatarURL)
	}

	lb := registry.Leaderboard()
	if len(lb) != 1 {
		t.Fatalf("expected exactly one profile for alice, got %d entries", len(lb))
	}
}

func TestJoinGeneratesPlaceholderAvatar(t *testing.T) {
	registry, _ := newTestRegistry()

	profile := registry.Join("conn-1", game.JoinRequest{DisplayName: "alice"}, nil)
	if !strings.Contains(profile.AvatarURL, "alice") {
		t.Fatalf("placeholder avatar should contain the player name, got %s", profile.AvatarURL)
	}
}

func TestUpdateProgressUnboundConnectionIsNoOp(t *testing.T) {
	registry, _ := newTestRegistry()

	if registry.UpdateProgress("ghost", domain.ProgressUpdate{Score: int64Ptr(10)}) {
		t.Fatalf("unbound connection must be a silent no-op")
	}
}

func TestDisconnectPreservesProfile(t *testing.T) {
	registry, _ := newTestRegistry()

	registry.Join("conn-1", game.JoinRequest{DisplayName: "alice"}, nil)
	registry.UpdateProgress("conn-1", domain.ProgressUpdate{Score: int64Ptr(25), Status: strPtr("Round 2")})
	registry.Disconnect("conn-1")

	profile, ok := registry.Profile("alice")
	if !ok {
		t.Fatalf("profile must survive disconnect")
	}
	if profile.Score != 25 || profile.Status != "Round 2" {
		t.Fatalf("disconnect must not change score/status, got %+v", profile)
	}

	// Events on the stale connection no longer apply.
	if registry.UpdateProgress("conn-1", domain.ProgressUpdate{Score: int64Ptr(99)}) {
		t.Fatalf("disconnected connection must be unbound")
	}
}

func TestLeaderboardOrderingAndRanks(t *testing.T) {
	registry, _ := newTestRegistry()

	registry.Join("c1", game.JoinRequest{DisplayName: "alice"}, nil)
	registry.Join("c2", game.JoinRequest{DisplayName: "bob"}, nil)
	registry.Join("c3", game.JoinRequest{DisplayName: "carol"}, nil)

	registry.UpdateProgress("c1", domain.ProgressUpdate{Score: int64Ptr(40), TotalTime: int64Ptr(9000)})
	registry.UpdateProgress("c2", domain.ProgressUpdate{Score: int64Ptr(50)})
	// carol ties alice on score but was faster
	registry.UpdateProgress("c3", domain.ProgressUpdate{Score: int64Ptr(40), TotalTime: int64Ptr(4000)})

	lb := registry.Leaderboard()
	want := []string{"bob", "carol", "alice"}
	for i, name := range want {
		if lb[i].DisplayName != name {
			t.Fatalf("rank %d: want %s, got %s", i+1, name, lb[i].DisplayName)
		}
		if lb[i].Rank != int64(i+1) {
			t.Fatalf("ranks must be 1-based and contiguous, got %d at position %d", lb[i].Rank, i)
		}
	}
}

func TestJoinCreatesLocalSessionWhenStoreIsMemory(t *testing.T) {
	registry, _ := newTestRegistry()

	sessionCh := make(chan string, 1)
	registry.Join("conn-1", game.JoinRequest{DisplayName: "alice"}, func(id string) { sessionCh <- id })

	select {
	case id := <-sessionCh:
		if !strings.HasPrefix(id, memory.LocalIDPrefix) {
			t.Fatalf("fallback session ids must be local-prefixed, got %s", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("session id was never acknowledged")
	}

	// Leaderboard still works after a progress event.
	registry.UpdateProgress("conn-1", domain.ProgressUpdate{Score: int64Ptr(40)})
	lb := registry.Leaderboard()
	if len(lb) != 1 || lb[0].Score != 40 || lb[0].Rank != 1 {
		t.Fatalf("expected alice rank 1 score 40, got %+v", lb)
	}
}

func TestRepeatJoinsReuseOneSession(t *testing.T) {
	registry, _ := newTestRegistry()

	first := make(chan string, 1)
	registry.Join("conn-1", game.JoinRequest{DisplayName: "alice"}, func(id string) { first <- id })
	firstID := <-first

	second := make(chan string, 1)
	registry.Join("conn-2", game.JoinRequest{DisplayName: "alice"}, func(id string) { second <- id })
	if got := <-second; got != firstID {
		t.Fatalf("re-join must reuse the persisted session, got %s want %s", got, firstID)
	}
}

func TestPendingJoinsAllAcknowledged(t *testing.T) {
	st := &gatedStore{Store: memory.NewStore(), gate: make(chan struct{})}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := game.NewRegistry(st, nil, time.Second, logger)

	// Two connections join the same name while the first create is still in
	// flight; both must receive the session id once it resolves.
	first := make(chan string, 1)
	second := make(chan string, 1)
	registry.Join("conn-1", game.JoinRequest{DisplayName: "alice"}, func(id string) { first <- id })
	registry.Join("conn-2", game.JoinRequest{DisplayName: "alice"}, func(id string) { second <- id })

	close(st.gate)

	var firstID, secondID string
	select {
	case firstID = <-first:
	case <-time.After(2 * time.Second):
		t.Fatalf("first join was never acknowledged")
	}
	select {
	case secondID = <-second:
	case <-time.After(2 * time.Second):
		t.Fatalf("second join was never acknowledged")
	}
	if firstID != secondID {
		t.Fatalf("both joins must share one session, got %s and %s", firstID, secondID)
	}
}

func TestRoundCompletePersistsPayload(t *testing.T) {
	registry, st := newTestRegistry()

	sessionCh := make(chan string, 1)
	registry.Join("conn-1", game.JoinRequest{DisplayName: "alice"}, func(id string) { sessionCh <- id })
	sessionID := <-sessionCh

	registry.RoundComplete("conn-1", 1, domain.RoundPayload{
		Items:     []domain.RoundItem{{Prompt: "p", Output: "o", Score: 10, TimeTaken: 5000}},
		Score:     10,
		TimeTaken: 5000,
	})

	waitFor(t, func() bool {
		rec, err := st.GetSession(context.Background(), sessionID)
		return err == nil && rec.RoundsCompleted == 1
	}, "round 1 to persist")

	rec, err := st.GetSession(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if rec.Status != domain.StatusRound2 || rec.TotalScore != 10 {
		t.Fatalf("expected Round 2 / total 10, got %s / %d", rec.Status, rec.TotalScore)
	}

	profile, _ := registry.Profile("alice")
	if profile.Status != string(domain.StatusRound2) {
		t.Fatalf("profile status should advance with the round, got %s", profile.Status)
	}
}

func TestGameCompleteMarksSessionFinished(t *testing.T) {
	registry, st := newTestRegistry()

	sessionCh := make(chan string, 1)
	registry.Join("conn-1", game.JoinRequest{DisplayName: "alice"}, func(id string) { sessionCh <- id })
	sessionID := <-sessionCh

	registry.GameComplete("conn-1", domain.CompletionTotals{TotalScore: 55, TotalTime: 12000})

	waitFor(t, func() bool {
		rec, err := st.GetSession(context.Background(), sessionID)
		return err == nil && rec.Status == domain.StatusFinished
	}, "session to finish")

	rec, _ := st.GetSession(context.Background(), sessionID)
	if rec.TotalScore != 55 || rec.TotalTime != 12000 {
		t.Fatalf("finished totals not recorded, got %+v", rec)
	}

	profile, _ := registry.Profile("alice")
	if profile.Score != 55 || profile.Status != string(domain.StatusFinished) {
		t.Fatalf("live profile should carry final totals, got %+v", profile)
	}
}

func TestHashAPIKey(t *testing.T) {
	if game.HashAPIKey("") != "" {
		t.Fatalf("empty key must hash to empty string")
	}
	h := game.HashAPIKey("sk-test")
	if len(h) != 64 {
		t.Fatalf("expected hex sha256 digest, got %q", h)
	}
	if h != game.HashAPIKey("sk-test") {
		t.Fatalf("hash must be deterministic")
	}
}
