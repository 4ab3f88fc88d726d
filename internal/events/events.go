// Package events broadcasts committed chat messages to downstream consumers.
package events

import (
	"context"
	"errors"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"golang.org/x/sync/errgroup"

	"github.com/Gopher0727/GroupChat/internal/model"
	"github.com/Gopher0727/GroupChat/internal/pkg/kafka"
	"github.com/Gopher0727/GroupChat/internal/pkg/redis"
)

// MessageEvent is the payload published for every appended message.
type MessageEvent struct {
	MessageID   int64             `json:"message_id"`
	GroupChatID int64             `json:"group_chat_id"`
	AuthorID    string            `json:"author_id"`
	SentAt      time.Time         `json:"sent_at"`
	Kind        model.MessageKind `json:"kind"`
	Text        *string           `json:"text,omitempty"`
	TargetID    *string           `json:"target_id,omitempty"`
}

func NewMessageEvent(m *model.Message) MessageEvent {
	return MessageEvent{
		MessageID:   m.ID,
		GroupChatID: m.ConversationID,
		AuthorID:    m.AuthorID,
		SentAt:      m.SentAt,
		Kind:        m.Kind,
		Text:        m.Text,
		TargetID:    m.TargetID,
	}
}

func (e MessageEvent) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Publisher delivers events after the transaction that produced them has
// committed.
type Publisher interface {
	Publish(ctx context.Context, events ...MessageEvent) error
}

type nop struct{}

func (nop) Publish(context.Context, ...MessageEvent) error { return nil }

// Nop discards every event.
func Nop() Publisher { return nop{} }

// Fanout publishes to every wrapped publisher concurrently. One sink failing
// does not cut the others short; every failure is reported.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, events ...MessageEvent) error {
	errs := make([]error, len(f))
	var g errgroup.Group
	for i, p := range f {
		g.Go(func() error {
			errs[i] = p.Publish(ctx, events...)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// ChannelName is the Redis pub/sub channel of one group chat.
func ChannelName(chatID int64) string {
	return "group_chat:" + strconv.FormatInt(chatID, 10)
}

type RedisPublisher struct {
	client redis.RedisClient
}

func NewRedisPublisher(client redis.RedisClient) *RedisPublisher {
	return &RedisPublisher{client: client}
}

func (p *RedisPublisher) Publish(ctx context.Context, events ...MessageEvent) error {
	for _, e := range events {
		payload, err := e.Encode()
		if err != nil {
			return err
		}
		if err := p.client.Publish(ctx, ChannelName(e.GroupChatID), payload); err != nil {
			return err
		}
	}
	return nil
}

// producer is the part of kafka.Producer the publisher drives.
type producer interface {
	Produce(ctx context.Context, key string, value []byte) error
}

var _ producer = (*kafka.Producer)(nil)

// KafkaPublisher keys records by chat id so one chat's events stay ordered.
type KafkaPublisher struct {
	producer producer
}

func NewKafkaPublisher(p *kafka.Producer) *KafkaPublisher {
	return &KafkaPublisher{producer: p}
}

func (p *KafkaPublisher) Publish(ctx context.Context, events ...MessageEvent) error {
	for _, e := range events {
		payload, err := e.Encode()
		if err != nil {
			return err
		}
		if err := p.producer.Produce(ctx, strconv.FormatInt(e.GroupChatID, 10), payload); err != nil {
			return err
		}
	}
	return nil
}
