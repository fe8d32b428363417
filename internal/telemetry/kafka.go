package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig selects the collector topic.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// KafkaSink publishes denials as JSON keyed by correlation id. The writer is
// async, so EmitDenial returns once the message is queued.
type KafkaSink struct {
	writer  messageWriter
	logger  *zap.Logger
	timeout time.Duration
}

func NewKafkaSink(cfg KafkaConfig, logger *zap.Logger) (*KafkaSink, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("telemetry: kafka brokers required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("telemetry: kafka topic required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		MaxAttempts:  3,
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				logger.Warn("telemetry: kafka write failed",
					zap.Error(err),
					zap.Int("message_count", len(messages)),
				)
			}
		},
	}
	return newKafkaSink(w, logger), nil
}

func newKafkaSink(w messageWriter, logger *zap.Logger) *KafkaSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaSink{writer: w, logger: logger, timeout: 2 * time.Second}
}

func (s *KafkaSink) EmitDenial(ctx context.Context, d Denial) {
	if s == nil || s.writer == nil {
		return
	}
	payload, err := json.Marshal(d)
	if err != nil {
		s.logger.Warn("telemetry: encode denial", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()
	err = s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(d.CorrelationID),
		Value: payload,
		Time:  d.At,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(d.Kind)},
		},
	})
	if err != nil {
		s.logger.Warn("telemetry: emit denial", zap.Error(err), zap.String("correlation_id", d.CorrelationID))
	}
}

func (s *KafkaSink) Close() error {
	if s == nil || s.writer == nil {
		return nil
	}
	return s.writer.Close()
}
