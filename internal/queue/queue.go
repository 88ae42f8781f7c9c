package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/timmy/teachermon/internal/config"
	"github.com/timmy/teachermon/internal/domain"
	"github.com/timmy/teachermon/internal/logger"
)

// Message is the hint pushed for an external transcription worker.
type Message struct {
	JobID        string              `json:"job_id"`
	AnalysisMode domain.AnalysisMode `json:"analysis_mode"`
}

// Notifier publishes job hints. Delivery is best effort; the analysis
// poll never depends on a consumer.
type Notifier interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
	Name() string
}

// New builds the notifier selected by cfg.Driver.
func New(ctx context.Context, cfg *config.QueueConfig) (Notifier, error) {
	switch cfg.Driver {
	case "", "none":
		return NoopNotifier{}, nil
	case "redis":
		return NewRedisNotifier(ctx, cfg.RedisURL, cfg.RedisKey)
	case "kafka":
		return NewKafkaNotifier(cfg.KafkaBrokers, cfg.KafkaTopic), nil
	default:
		return nil, fmt.Errorf("unsupported queue driver %q", cfg.Driver)
	}
}

// NoopNotifier drops every message.
type NoopNotifier struct{}

func (NoopNotifier) Publish(context.Context, Message) error { return nil }
func (NoopNotifier) Close() error                           { return nil }
func (NoopNotifier) Name() string                           { return "none" }

type listPusher interface {
	RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	Close() error
}

// RedisNotifier appends messages to a Redis list consumed with BLPOP.
type RedisNotifier struct {
	client listPusher
	key    string
}

// NewRedisNotifier connects to redisURL and verifies the connection.
func NewRedisNotifier(ctx context.Context, redisURL, key string) (*RedisNotifier, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Redis notifier connected: key=%s", key)
	return newRedisNotifier(client, key), nil
}

func newRedisNotifier(client listPusher, key string) *RedisNotifier {
	if key == "" {
		key = "queue:jobs"
	}
	return &RedisNotifier{client: client, key: key}
}

func (n *RedisNotifier) Publish(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode queue message: %w", err)
	}
	if err := n.client.RPush(ctx, n.key, payload).Err(); err != nil {
		return fmt.Errorf("failed to push to %s: %w", n.key, err)
	}
	return nil
}

func (n *RedisNotifier) Close() error { return n.client.Close() }
func (n *RedisNotifier) Name() string { return "redis" }

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaNotifier produces messages keyed by job id.
type KafkaNotifier struct {
	writer messageWriter
	topic  string
}

func NewKafkaNotifier(brokers []string, topic string) *KafkaNotifier {
	if topic == "" {
		topic = "analysis-jobs"
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		WriteTimeout:           10 * time.Second,
	}
	logger.Info("Kafka notifier configured: brokers=%v topic=%s", brokers, topic)
	return &KafkaNotifier{writer: w, topic: topic}
}

func (n *KafkaNotifier) Publish(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode queue message: %w", err)
	}
	err = n.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(msg.JobID),
		Value: payload,
		Time:  time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to produce to %s: %w", n.topic, err)
	}
	return nil
}

func (n *KafkaNotifier) Close() error { return n.writer.Close() }
func (n *KafkaNotifier) Name() string { return "kafka" }
