package kafka

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/IBM/sarama/mocks"
	"github.com/promptduel-backend/internal/domain"
)

func TestPublishScoreEvent(t *testing.T) {
	mp := mocks.NewAsyncProducer(t, nil)
	p := &Publisher{
		producer: mp,
		topic:    "score-events",
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	mp.ExpectInputWithCheckerFunctionAndSucceed(func(val []byte) error {
		var event domain.ScoreEvent
		if err := json.Unmarshal(val, &event); err != nil {
			return err
		}
		if event.PlayerName != "alice" || event.EventType != domain.EventRoundComplete || event.Round != 1 {
			t.Errorf("unexpected event: %+v", event)
		}
		return nil
	})

	p.PublishScoreEvent(domain.ScoreEvent{
		PlayerName: "alice",
		SessionID:  "s-1",
		EventType:  domain.EventRoundComplete,
		Round:      1,
		Score:      10,
		TotalScore: 10,
		Timestamp:  time.Now(),
	})

	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
