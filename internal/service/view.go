package service

import (
	"context"
	"fmt"
	"time"

	"github.com/Gopher0727/GroupChat/internal/model"
	"github.com/Gopher0727/GroupChat/internal/repository"
)

// PageSize is the number of rows every paginated read returns at most.
const PageSize = 20

// MessageView is a message as a viewer receives it.
type MessageView struct {
	ID          int64             `json:"message_id"`
	GroupChatID int64             `json:"group_chat_id"`
	AuthorID    string            `json:"author_user_id"`
	Time        time.Time         `json:"time"`
	Kind        model.MessageKind `json:"kind"`
	Text        *string           `json:"text,omitempty"`
	TargetID    *string           `json:"target_user_id,omitempty"`
}

func newMessageView(m *model.Message) *MessageView {
	return &MessageView{
		ID:          m.ID,
		GroupChatID: m.ConversationID,
		AuthorID:    m.AuthorID,
		Time:        m.SentAt,
		Kind:        m.Kind,
		Text:        m.Text,
		TargetID:    m.TargetID,
	}
}

func newMessageViews(msgs []*model.Message) []*MessageView {
	out := make([]*MessageView, len(msgs))
	for i, m := range msgs {
		out[i] = newMessageView(m)
	}
	return out
}

// GroupChatView is a chat as seen through one subscription episode of the
// viewer.
type GroupChatView struct {
	ID                 int64        `json:"group_chat_id"`
	Title              string       `json:"title"`
	MemberIDs          []string     `json:"member_user_ids"`
	AdminIDs           []string     `json:"admin_user_ids"`
	OnlyAdminsInvite   bool         `json:"only_admins_invite"`
	IsDM               bool         `json:"is_dm"`
	Created            time.Time    `json:"created"`
	UnseenMessageCount int64        `json:"unseen_message_count"`
	LastSeenMessageID  int64        `json:"last_seen_message_id"`
	LatestMessage      *MessageView `json:"latest_message,omitempty"`
}

type GroupChatPage struct {
	GroupChats    []*GroupChatView `json:"group_chats"`
	NextMessageID int64            `json:"next_message_id"`
	NoMore        bool             `json:"no_more"`
}

type MessagePage struct {
	Messages      []*MessageView `json:"messages"`
	NextMessageID int64          `json:"next_message_id"`
	NoMore        bool           `json:"no_more"`
}

// UpdatesPage is oldest first; NewestMessageID resumes the feed.
type UpdatesPage struct {
	Updates         []*MessageView `json:"updates"`
	NewestMessageID int64          `json:"newest_message_id"`
	NoMore          bool           `json:"no_more"`
}

// buildChatView assembles the view of chat through sub. latest, when already
// known, saves the lookup of the newest visible message.
func buildChatView(ctx context.Context, tx repository.Tx, chat *model.GroupChat, sub *model.GroupChatSubscription, latest *model.Message) (*GroupChatView, error) {
	conv, err := tx.GetConversation(ctx, chat.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	subs, err := tx.ListByChat(ctx, chat.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	unseen, err := tx.Count(ctx, repository.MessageQuery{Windows: []model.Window{sub.UnseenWindow()}})
	if err != nil {
		return nil, fmt.Errorf("failed to count unseen messages: %w", err)
	}
	if latest == nil {
		msgs, err := tx.Find(ctx, repository.MessageQuery{Windows: []model.Window{sub.Window()}, Limit: 1})
		if err != nil {
			return nil, fmt.Errorf("failed to find latest message: %w", err)
		}
		if len(msgs) > 0 {
			latest = msgs[0]
		}
	}

	members, admins := model.VisibleMembers(sub, subs)
	view := &GroupChatView{
		ID:                 chat.ConversationID,
		Title:              chat.Title,
		MemberIDs:          nonNil(members),
		AdminIDs:           nonNil(admins),
		OnlyAdminsInvite:   chat.OnlyAdminsInvite,
		IsDM:               chat.IsDM,
		Created:            conv.CreatedAt,
		UnseenMessageCount: unseen,
		LastSeenMessageID:  sub.LastSeenMessageID,
	}
	if latest != nil {
		view.LatestMessage = newMessageView(latest)
	}
	return view, nil
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

// paginate trims rows fetched with limit PageSize+1 to one page.
func paginate[T any](rows []T) (page []T, noMore bool) {
	if len(rows) <= PageSize {
		return rows, true
	}
	return rows[:PageSize], false
}

// nextCursor is the newest id the following descending page may contain.
func nextCursor(page []*model.Message) int64 {
	if len(page) == 0 {
		return 0
	}
	return page[len(page)-1].ID - 1
}
