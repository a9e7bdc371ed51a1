package kafka

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/IBM/sarama"
	"github.com/promptduel-backend/internal/config"
	"github.com/promptduel-backend/internal/domain"
)

// Publisher emits score events to Kafka for downstream analytics. Publishing
// is fire-and-forget: delivery failures are logged, never surfaced to the
// game.
type Publisher struct {
	producer sarama.AsyncProducer
	topic    string
	logger   *slog.Logger
	wg       sync.WaitGroup
}

// NewPublisher creates a new Kafka score event publisher
func NewPublisher(cfg *config.KafkaConfig, logger *slog.Logger) (*Publisher, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = sarama.V3_0_0_0
	saramaConfig.Producer.RequiredAcks = sarama.WaitForLocal
	saramaConfig.Producer.Compression = sarama.CompressionSnappy
	saramaConfig.Producer.Flush.Frequency = cfg.FlushFreq
	saramaConfig.Producer.Flush.Messages = cfg.FlushCount
	saramaConfig.Producer.Return.Successes = false
	saramaConfig.Producer.Return.Errors = true

	producer, err := sarama.NewAsyncProducer(cfg.Brokers, saramaConfig)
	if err != nil {
		return nil, err
	}

	p := &Publisher{
		producer: producer,
		topic:    cfg.Topic,
		logger:   logger,
	}

	// Drain producer errors for the lifetime of the publisher
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for err := range producer.Errors() {
			p.logger.Warn("score event delivery failed", "error", err)
		}
	}()

	return p, nil
}

// PublishScoreEvent queues one event, keyed by player name so a player's
// events stay ordered within a partition. Drops the event rather than block
// when the producer is backed up.
func (p *Publisher) PublishScoreEvent(event domain.ScoreEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("failed to marshal score event", "error", err)
		return
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(event.PlayerName),
		Value: sarama.ByteEncoder(data),
	}

	select {
	case p.producer.Input() <- msg:
	default:
		p.logger.Warn("producer buffer full, dropping score event",
			"player", event.PlayerName,
			"event_type", event.EventType,
		)
	}
}

// Close flushes pending messages and shuts the producer down
func (p *Publisher) Close() error {
	p.producer.AsyncClose()
	p.wg.Wait()
	return nil
}
