package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/IBM/sarama"

	"github.com/Gopher0727/GroupChat/config"
)

// Producer writes keyed records to one topic. Records with the same key land
// on the same partition, which keeps a chat's events in order.
type Producer struct {
	producer   sarama.SyncProducer
	topic      string
	maxRetries int
	backoff    time.Duration
}

func NewProducer(cfg *config.KafkaConfig) (*Producer, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Producer.Return.Successes = true
	saramaConfig.Producer.Return.Errors = true
	saramaConfig.Producer.RequiredAcks = sarama.WaitForAll
	saramaConfig.Producer.Retry.Max = cfg.Producer.MaxRetries
	saramaConfig.Producer.Retry.Backoff = time.Duration(cfg.Producer.RetryBackoffMs) * time.Millisecond
	saramaConfig.Producer.Compression = sarama.CompressionSnappy
	saramaConfig.Producer.Partitioner = sarama.NewHashPartitioner
	saramaConfig.Producer.Idempotent = true
	saramaConfig.Net.MaxOpenRequests = 1
	saramaConfig.Net.DialTimeout = 10 * time.Second
	saramaConfig.Net.ReadTimeout = 10 * time.Second
	saramaConfig.Net.WriteTimeout = 10 * time.Second
	saramaConfig.Metadata.Retry.Max = 3
	saramaConfig.Metadata.Retry.Backoff = 250 * time.Millisecond

	sp, err := sarama.NewSyncProducer(cfg.Brokers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return Wrap(sp, cfg), nil
}

// Wrap adopts an already configured sync producer.
func Wrap(sp sarama.SyncProducer, cfg *config.KafkaConfig) *Producer {
	return &Producer{
		producer:   sp,
		topic:      cfg.Topic,
		maxRetries: cfg.Producer.MaxRetries,
		backoff:    time.Duration(cfg.Producer.RetryBackoffMs) * time.Millisecond,
	}
}

// Produce sends value under key, retrying with exponential backoff on top of
// sarama's own retries until ctx is done.
func (p *Producer) Produce(ctx context.Context, key string, value []byte) error {
	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(value),
	}

	backoff := p.backoff
	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, _, err := p.producer.SendMessage(msg)
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt == p.maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return fmt.Errorf("failed to send to topic %s after %d attempts: %w", p.topic, p.maxRetries+1, lastErr)
}

func (p *Producer) Close() error {
	if err := p.producer.Close(); err != nil {
		return fmt.Errorf("failed to close kafka producer: %w", err)
	}
	return nil
}
