package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/SWAI-Ltd/aerorelay/internal/config"
)

// KafkaProducer publishes to one Kafka topic.
type KafkaProducer struct {
	writer *kafka.Writer
	logger *slog.Logger
	topic  string
}

// NewKafkaProducer returns a synchronous producer for topic.
func NewKafkaProducer(cfg config.KafkaConfig, topic string, logger *slog.Logger) (*KafkaProducer, error) {
	if len(cfg.Brokers) == 0 || topic == "" {
		return nil, errors.New("kafka producer configuration incomplete: both brokers and topic are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("topic", topic)

	var requiredAcks kafka.RequiredAcks
	switch cfg.RequiredAcks {
	case "none":
		requiredAcks = kafka.RequireNone
	case "one":
		requiredAcks = kafka.RequireOne
	default:
		requiredAcks = kafka.RequireAll
	}

	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 100 * time.Millisecond
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}

	w := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Brokers...),
		Topic:    topic,
		Balancer: &kafka.Hash{},

		BatchSize:    cfg.BatchSize,
		BatchTimeout: batchTimeout,

		// Submissions must be on the broker before the engine records them.
		RequiredAcks: requiredAcks,
		Async:        false,

		WriteTimeout: writeTimeout,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error("kafka writer: " + fmt.Sprintf(msg, args...))
		}),
	}

	logger.Info("kafka producer created", "brokers", cfg.Brokers)
	return &KafkaProducer{writer: w, logger: logger, topic: topic}, nil
}

func (p *KafkaProducer) Publish(ctx context.Context, msg Message) error {
	if err := p.writer.WriteMessages(ctx, kafka.Message{Key: msg.Key, Value: msg.Value}); err != nil {
		p.logger.Warn("kafka publish failed", "key", string(msg.Key), "err", err)
		return fmt.Errorf("write to kafka topic %s: %w", p.topic, err)
	}
	return nil
}

func (p *KafkaProducer) PublishBatch(ctx context.Context, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	out := make([]kafka.Message, len(msgs))
	for i, m := range msgs {
		out[i] = kafka.Message{Key: m.Key, Value: m.Value}
	}
	if err := p.writer.WriteMessages(ctx, out...); err != nil {
		p.logger.Warn("kafka batch publish failed", "count", len(msgs), "err", err)
		return fmt.Errorf("batch write to kafka topic %s: %w", p.topic, err)
	}
	return nil
}

func (p *KafkaProducer) Close() error {
	p.logger.Info("closing kafka producer")
	return p.writer.Close()
}

// KafkaConsumer reads one Kafka topic as part of a consumer group and
// commits offsets only on ack.
type KafkaConsumer struct {
	reader *kafka.Reader
	logger *slog.Logger
}

// NewKafkaConsumer returns a group consumer for topic.
func NewKafkaConsumer(cfg config.KafkaConfig, topic string, logger *slog.Logger) (*KafkaConsumer, error) {
	if len(cfg.Brokers) == 0 || topic == "" || cfg.GroupID == "" {
		return nil, errors.New("incomplete kafka configuration: brokers, topic, group_id are all required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("topic", topic, "group", cfg.GroupID)

	rc := kafka.ReaderConfig{
		Brokers:           cfg.Brokers,
		GroupID:           cfg.GroupID,
		Topic:             topic,
		MinBytes:          1,
		MaxBytes:          10e6,
		MaxWait:           time.Second,
		SessionTimeout:    cfg.SessionTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
		StartOffset:       kafka.FirstOffset,
	}
	if cfg.AutoOffsetReset == "latest" {
		rc.StartOffset = kafka.LastOffset
	}

	logger.Info("kafka consumer created", "brokers", cfg.Brokers)
	return &KafkaConsumer{reader: kafka.NewReader(rc), logger: logger}, nil
}

func (k *KafkaConsumer) Consume(ctx context.Context) (*Message, func(bool), error) {
	km, err := k.reader.FetchMessage(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, nil, ctx.Err()
		}
		return nil, nil, err
	}
	ack := func(success bool) {
		if !success {
			k.logger.Debug("nack, offset not committed", "partition", km.Partition, "offset", km.Offset)
			return
		}
		if err := k.reader.CommitMessages(context.Background(), km); err != nil {
			k.logger.Error("commit failed", "partition", km.Partition, "offset", km.Offset, "err", err)
		}
	}
	return &Message{Key: km.Key, Value: km.Value}, ack, nil
}

func (k *KafkaConsumer) Close() error {
	k.logger.Info("closing kafka consumer")
	return k.reader.Close()
}

var (
	_ Producer = (*KafkaProducer)(nil)
	_ Consumer = (*KafkaConsumer)(nil)
)
