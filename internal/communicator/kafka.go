package communicator

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"github.com/bilal/switchify-netmon/internal/config"
	"github.com/bilal/switchify-netmon/internal/protocol"
)

var ErrNoBrokers = errors.New("kafka brokers not configured")

// messageWriter is the part of *kafka.Writer the producer uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer publishes every accepted report to a topic, keyed by
// interface so that one interface's reports stay ordered in a partition.
type KafkaProducer struct {
	writer messageWriter
	runID  string
	host   string
	log    zerolog.Logger
}

// NewKafkaProducer builds an asynchronous writer; delivery errors are
// logged from the writer's completion callback.
func NewKafkaProducer(cfg config.KafkaConfig, runID string) (*KafkaProducer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, ErrNoBrokers
	}

	logger := log.With().Str("component", "kafka").Str("topic", cfg.Topic).Logger()
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 100 * time.Millisecond,
		Async:        true,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				logger.Warn().Err(err).Int("count", len(msgs)).Msg("kafka delivery failed")
			}
		},
	}

	logger.Info().Strs("brokers", cfg.Brokers).Msg("kafka producer initialized")
	return newKafkaProducer(writer, runID, logger), nil
}

func newKafkaProducer(w messageWriter, runID string, logger zerolog.Logger) *KafkaProducer {
	host, _ := os.Hostname()
	return &KafkaProducer{writer: w, runID: runID, host: host, log: logger}
}

// Publish writes one telemetry document.
func (p *KafkaProducer) Publish(ctx context.Context, t Telemetry) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(t.Snapshot.Interface),
		Value: data,
		Headers: []kafka.Header{
			{Key: "correlation_id", Value: []byte(t.CorrelationID)},
		},
	})
}

// Record publishes one accepted report. With an async writer this only
// enqueues, so it is safe on the supervisor's dispatch path.
func (p *KafkaProducer) Record(snap protocol.TelemetrySnapshot) {
	if err := p.Publish(context.Background(), newTelemetry(p.runID, p.host, snap)); err != nil {
		p.log.Warn().Err(err).Str("interface", snap.Interface).Msg("kafka publish failed")
	}
}

// Close flushes pending messages and shuts the writer down.
func (p *KafkaProducer) Close() error {
	p.log.Info().Msg("closing kafka producer")
	return p.writer.Close()
}
