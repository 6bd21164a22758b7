// Package telemetry exports the mining event stream to Kafka and InfluxDB.
package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/Klingon-tech/klingnet-miner/internal/events"
	"github.com/Klingon-tech/klingnet-miner/internal/log"
	"github.com/Klingon-tech/klingnet-miner/pkg/retry"
)

// ErrNoBrokers is returned when a Kafka sink is configured without brokers.
var ErrNoBrokers = errors.New("no kafka brokers configured")

// KafkaConfig configures the event export.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// MessageWriter is the subset of *kafka.Writer used by the sink.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaWriter creates a synchronous producer for cfg.Topic.
func NewKafkaWriter(cfg KafkaConfig) (*kafka.Writer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, ErrNoBrokers
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka topic is empty")
	}
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		Compression:  kafka.Snappy,
	}, nil
}

// KafkaSink publishes every event as a JSON message keyed by the miner
// address, so one miner's events stay ordered within a partition.
type KafkaSink struct {
	w     MessageWriter
	key   []byte
	retry *retry.Config

	written uint64
	failed  uint64
}

// NewKafkaSink creates a sink writing to w. retryCfg may be nil.
func NewKafkaSink(w MessageWriter, miner string, retryCfg *retry.Config) *KafkaSink {
	if retryCfg == nil {
		retryCfg = retry.Fixed(3, 500*time.Millisecond)
	}
	return &KafkaSink{w: w, key: []byte(miner), retry: retryCfg}
}

// Run drains sub until it is closed or ctx is done, then closes the writer.
// A message that cannot be written after retries is dropped and logged;
// export failures never stall mining.
func (s *KafkaSink) Run(ctx context.Context, sub *events.Subscription) error {
	defer func() {
		if err := s.w.Close(); err != nil {
			log.Telemetry.Warn().Err(err).Msg("Failed to close kafka writer")
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.C:
			if !ok {
				s.logSummary(sub)
				return nil
			}
			if err := s.Write(ctx, ev); err != nil && ctx.Err() == nil {
				s.failed++
				log.Telemetry.Warn().Err(err).Uint64("seq", ev.Seq).Str("kind", ev.Kind.String()).Msg("Event export failed")
			}
		}
	}
}

// Write encodes and publishes one event.
func (s *KafkaSink) Write(ctx context.Context, ev events.Event) error {
	msg, err := Message(ev, s.key)
	if err != nil {
		return err
	}
	err = retry.Do(ctx, s.retry, nil, nil, func() error {
		return s.w.WriteMessages(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("write event %d: %w", ev.Seq, err)
	}
	s.written++
	return nil
}

// Message encodes ev as a Kafka message.
func Message(ev events.Event, key []byte) (kafka.Message, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal event %d: %w", ev.Seq, err)
	}
	return kafka.Message{
		Key:   key,
		Value: data,
		Time:  ev.Time,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(ev.Kind.String())},
		},
	}, nil
}

func (s *KafkaSink) logSummary(sub *events.Subscription) {
	log.Telemetry.Info().
		Uint64("written", s.written).
		Uint64("failed", s.failed).
		Uint64("dropped", sub.Dropped()).
		Msg("Kafka sink finished")
}
