package service

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Gopher0727/GroupChat/internal/events"
	"github.com/Gopher0727/GroupChat/internal/model"
	"github.com/Gopher0727/GroupChat/internal/pkg/friends"
	"github.com/Gopher0727/GroupChat/internal/repository"
	logger "github.com/Gopher0727/GroupChat/middleware/log"
	"github.com/Gopher0727/GroupChat/utils/snowflake"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.MessageEvent
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, evs ...events.MessageEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evs...)
	return p.err
}

func (p *recordingPublisher) kinds() []model.MessageKind {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.MessageKind, len(p.events))
	for i, e := range p.events {
		out[i] = e.Kind
	}
	return out
}

type fixture struct {
	svc       IGroupChatService
	store     repository.IStore
	friends   *friends.Static
	publisher *recordingPublisher
}

func newFixture(t testing.TB, pairs ...[2]string) *fixture {
	t.Helper()
	ids, err := snowflake.NewGenerator(1)
	require.NoError(t, err)
	f := &fixture{
		store:     repository.NewMemoryStore(),
		friends:   friends.NewStatic(pairs...),
		publisher: &recordingPublisher{},
	}
	f.svc = NewGroupChatService(f.store, f.friends, f.publisher, ids, logger.NewNop())
	return f
}

func (f *fixture) create(t testing.TB, creator string, recipients ...string) *GroupChatView {
	t.Helper()
	view, err := f.svc.CreateGroupChat(context.Background(), creator, recipients, nil)
	require.NoError(t, err)
	return view
}

func (f *fixture) send(t testing.TB, sender string, chatID int64, text string) *MessageView {
	t.Helper()
	msg, err := f.svc.SendMessage(context.Background(), sender, chatID, text)
	require.NoError(t, err)
	return msg
}

// allMessages walks GetGroupChatMessages to the end and returns every page's
// messages in order.
func (f *fixture) allMessages(t testing.TB, viewer string, chatID int64, onlyUnseen bool) []*MessageView {
	t.Helper()
	var out []*MessageView
	cursor := int64(0)
	for range 1000 {
		page, err := f.svc.GetGroupChatMessages(context.Background(), viewer, chatID, cursor, onlyUnseen)
		require.NoError(t, err)
		out = append(out, page.Messages...)
		if page.NoMore {
			return out
		}
		cursor = page.NextMessageID
	}
	t.Fatal("pagination did not terminate")
	return nil
}

// openSubs reads the open subscriptions of a chat straight from the store.
func (f *fixture) openSubs(t testing.TB, chatID int64) []*model.GroupChatSubscription {
	t.Helper()
	var out []*model.GroupChatSubscription
	err := f.store.ReadOnly(context.Background(), func(tx repository.Tx) error {
		subs, err := tx.ListByChat(context.Background(), chatID)
		for _, sub := range subs {
			if sub.IsOpen() {
				out = append(out, sub)
			}
		}
		return err
	})
	require.NoError(t, err)
	return out
}

func texts(msgs []*MessageView) []string {
	var out []string
	for _, m := range msgs {
		if m.Text != nil {
			out = append(out, *m.Text)
		}
	}
	return out
}

func kinds(msgs []*MessageView) []model.MessageKind {
	out := make([]model.MessageKind, len(msgs))
	for i, m := range msgs {
		out[i] = m.Kind
	}
	return out
}

func ptr[T any](v T) *T {
	return &v
}
