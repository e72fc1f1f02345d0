package consumer

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"github.com/showfolio/analytics/internal/config"
	"github.com/showfolio/analytics/internal/event"
	"github.com/showfolio/analytics/internal/producer"
)

// MessageProcessor interface for processing messages
type MessageProcessor interface {
	Process(ctx context.Context, e event.AnalyticsEvent) error
	Flush()
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConsumer consumes accepted events from Kafka
type KafkaConsumer struct {
	reader    messageReader
	processor MessageProcessor
	topic     string
	group     string
}

// NewKafkaConsumer creates a new Kafka consumer
func NewKafkaConsumer(cfg config.KafkaConfig, processor MessageProcessor) (*KafkaConsumer, error) {
	topic := cfg.Topics[producer.EventsTopic]
	if topic == "" {
		return nil, errors.New("kafka events topic not configured")
	}
	if len(cfg.Brokers) == 0 || cfg.Brokers[0] == "" {
		return nil, producer.ErrNoBrokers
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          topic,
		GroupID:        cfg.ConsumerGroup,
		MinBytes:       1e3,  // 1KB
		MaxBytes:       10e6, // 10MB
		CommitInterval: 1000,
		StartOffset:    kafka.FirstOffset,
	})

	return &KafkaConsumer{
		reader:    reader,
		processor: processor,
		topic:     topic,
		group:     cfg.ConsumerGroup,
	}, nil
}

// Start consumes until ctx is cancelled.
func (c *KafkaConsumer) Start(ctx context.Context) {
	log.Info().
		Str("topic", c.topic).
		Str("group", c.group).
		Msg("Starting Kafka consumer")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Kafka consumer stopped")
			return
		default:
			msg, err := c.reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Error().Err(err).Msg("Failed to fetch message")
				continue
			}

			var e event.AnalyticsEvent
			if err := json.Unmarshal(msg.Value, &e); err != nil {
				log.Error().
					Err(err).
					Str("value", string(msg.Value)).
					Msg("Failed to parse message")
				// Still commit to avoid getting stuck
				c.commit(ctx, msg)
				continue
			}

			if err := c.processor.Process(ctx, e); err != nil {
				log.Error().
					Err(err).
					Str("session_id", e.SessionID).
					Str("event", e.Event.String()).
					Msg("Failed to process event")
			}

			c.commit(ctx, msg)
		}
	}
}

func (c *KafkaConsumer) commit(ctx context.Context, msg kafka.Message) {
	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		log.Error().Err(err).Msg("Failed to commit message")
	}
}

// Close flushes the processor and closes the reader.
func (c *KafkaConsumer) Close() error {
	log.Info().Msg("Closing Kafka consumer")
	// Flush remaining events before closing
	c.processor.Flush()
	return c.reader.Close()
}
