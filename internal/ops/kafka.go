package ops

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

type KafkaConfig struct {
	Brokers  []string
	Topic    string
	ClientID string
}

// KafkaNotifier publishes signals as JSON keyed by signal kind.
type KafkaNotifier struct {
	producer sarama.SyncProducer
	topic    string
	logger   *zap.Logger
}

func NewKafkaNotifier(cfg KafkaConfig, logger *zap.Logger) (*KafkaNotifier, error) {
	config := sarama.NewConfig()
	config.ClientID = cfg.ClientID
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true
	config.Producer.RequiredAcks = sarama.WaitForLocal
	config.Producer.Retry.Max = 3
	config.Producer.Timeout = 5 * time.Second
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.Partitioner = sarama.NewHashPartitioner
	config.Version = sarama.V3_3_0_0

	producer, err := sarama.NewSyncProducer(cfg.Brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create ops producer: %w", err)
	}

	logger.Info("Ops Kafka producer initialized",
		zap.Strings("brokers", cfg.Brokers),
		zap.String("topic", cfg.Topic),
	)
	return newKafkaNotifier(producer, cfg.Topic, logger), nil
}

func newKafkaNotifier(producer sarama.SyncProducer, topic string, logger *zap.Logger) *KafkaNotifier {
	return &KafkaNotifier{
		producer: producer,
		topic:    topic,
		logger:   logger,
	}
}

func (k *KafkaNotifier) Notify(_ context.Context, sig Signal) {
	value, err := json.Marshal(sig)
	if err != nil {
		k.logger.Error("Failed to marshal ops signal", zap.Error(err), zap.String("kind", sig.Kind))
		return
	}

	msg := &sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(sig.Kind),
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("severity"), Value: []byte(sig.Severity)},
		},
	}

	partition, offset, err := k.producer.SendMessage(msg)
	if err != nil {
		k.logger.Error("Failed to publish ops signal",
			zap.Error(err),
			zap.String("topic", k.topic),
			zap.String("kind", sig.Kind),
		)
		return
	}

	k.logger.Debug("Ops signal published",
		zap.String("kind", sig.Kind),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset),
	)
}

func (k *KafkaNotifier) Close() error {
	if err := k.producer.Close(); err != nil {
		return fmt.Errorf("failed to close ops producer: %w", err)
	}
	k.logger.Info("Ops Kafka producer closed")
	return nil
}

// Build returns a log notifier, fanned out to Kafka when enabled. A broker
// that cannot be reached degrades to logging only. The returned close
// function releases the producer.
func Build(enabled bool, cfg KafkaConfig, logger *zap.Logger) (Notifier, func() error) {
	logNotifier := NewLogNotifier(logger)
	if !enabled {
		return logNotifier, func() error { return nil }
	}

	kafka, err := NewKafkaNotifier(cfg, logger)
	if err != nil {
		logger.Warn("Ops Kafka unavailable, signals are logged only", zap.Error(err))
		return logNotifier, func() error { return nil }
	}
	return Multi{logNotifier, kafka}, kafka.Close
}
