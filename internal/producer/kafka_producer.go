package producer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/showfolio/analytics/internal/config"
	"github.com/showfolio/analytics/internal/event"
	"github.com/showfolio/analytics/internal/metrics"
)

// ErrNoBrokers is returned when the Kafka section names no reachable broker.
var ErrNoBrokers = errors.New("no kafka brokers configured")

// EventsTopic is the topics-map key for accepted analytics events.
const EventsTopic = "events"

const breakerName = "kafka-events"

// Publisher fans accepted events out to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, e event.AnalyticsEvent) error
	Close() error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer publishes accepted events, keyed by session id so that one
// session's events stay ordered within a partition.
type KafkaProducer struct {
	writers map[string]messageWriter
	cb      *gobreaker.CircuitBreaker[interface{}]
}

var _ Publisher = (*KafkaProducer)(nil)

func NewKafkaProducer(cfg config.KafkaConfig) (*KafkaProducer, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		if b != "" {
			brokers = append(brokers, b)
		}
	}
	if len(brokers) == 0 {
		return nil, ErrNoBrokers
	}

	topic, ok := cfg.Topics[EventsTopic]
	if !ok || topic == "" {
		return nil, fmt.Errorf("kafka topic %q not configured", EventsTopic)
	}

	writers := map[string]messageWriter{
		EventsTopic: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchSize:    100,
			BatchTimeout: 10 * time.Millisecond,
			RequiredAcks: kafka.RequireOne,
		},
	}
	return newKafkaProducer(writers), nil
}

func newKafkaProducer(writers map[string]messageWriter) *KafkaProducer {
	metrics.CircuitBreakerState.WithLabelValues(breakerName).Set(0)

	cb := gobreaker.NewCircuitBreaker[interface{}](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("Circuit breaker state change")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
		},
	})

	return &KafkaProducer{
		writers: writers,
		cb:      cb,
	}
}

func (p *KafkaProducer) Publish(ctx context.Context, e event.AnalyticsEvent) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	_, err = p.cb.Execute(func() (interface{}, error) {
		return nil, p.writers[EventsTopic].WriteMessages(ctx, kafka.Message{
			Key:   []byte(e.SessionID),
			Value: data,
		})
	})
	switch {
	case err == nil:
		metrics.PublishTotal.WithLabelValues("success").Inc()
		return nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.PublishTotal.WithLabelValues("rejected").Inc()
	default:
		metrics.PublishTotal.WithLabelValues("failure").Inc()
	}
	return fmt.Errorf("publish event: %w", err)
}

// State reports the breaker state for health output.
func (p *KafkaProducer) State() string {
	return p.cb.State().String()
}

func (p *KafkaProducer) Close() error {
	var errs []error
	for _, w := range p.writers {
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NopPublisher drops events; used when Kafka is not configured.
type NopPublisher struct{}

var _ Publisher = NopPublisher{}

func (NopPublisher) Publish(context.Context, event.AnalyticsEvent) error { return nil }
func (NopPublisher) Close() error                                      { return nil }
