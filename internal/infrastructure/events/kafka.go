package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"fundingarb/internal/domain/model"
)

// KafkaConfig Kafka 配置
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	MaxRetries   int
	RetryBackoff time.Duration
}

// messageWriter 便于测试替换 kafka.Writer
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher 事件写入 Kafka，key 为持仓或订阅 ID 以保证同一实体有序
type KafkaPublisher struct {
	writer messageWriter
	topic  string
}

// NewKafkaPublisher 创建 Kafka 生产者
func NewKafkaPublisher(cfg KafkaConfig) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: brokers required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka: topic required")
	}
	backoff := cfg.RetryBackoff
	if backoff <= 0 {
		backoff = 100 * time.Millisecond
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		RequiredAcks:           kafka.RequireAll,
		MaxAttempts:            cfg.MaxRetries,
		WriteBackoffMin:        backoff,
		WriteBackoffMax:        backoff * 10,
	}
	log.Info().Strs("brokers", cfg.Brokers).Str("topic", cfg.Topic).Msg("kafka producer created")
	return &KafkaPublisher{writer: writer, topic: cfg.Topic}, nil
}

func (k *KafkaPublisher) Publish(ctx context.Context, ev model.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(ev.Key()),
		Value: data,
		Time:  ev.At,
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		log.Error().Err(err).Str("topic", k.topic).Str("event", string(ev.Type)).Msg("kafka write failed")
		return err
	}
	return nil
}

func (k *KafkaPublisher) Close() error { return k.writer.Close() }
