package repository

import (
	"context"
	"errors"
	"time"

	"github.com/Gopher0727/GroupChat/internal/model"
)

var (
	ErrNotFound          = errors.New("record not found")
	ErrAlreadyMember     = errors.New("user already holds an open subscription")
	ErrNotOpen           = errors.New("subscription already closed")
	ErrLastSeenRegressed = errors.New("last seen message id cannot decrease")
	ErrReadOnly          = errors.New("write attempted in a read-only scope")
)

// IStore opens transactional scopes over the group chat state. Every write made
// through a Tx commits or aborts together; fn's error aborts the scope and is
// returned unchanged.
type IStore interface {
	Transaction(ctx context.Context, fn func(tx Tx) error) error
	// ReadOnly runs fn against one consistent snapshot and rejects writes.
	ReadOnly(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the view of the store inside one scope.
type Tx interface {
	ConversationRegistry
	MembershipLedger
	MessageLog

	// Now is the timestamp every write of this scope is stamped with. It is fixed
	// on first call.
	Now(ctx context.Context) (time.Time, error)
}

type ConversationRegistry interface {
	CreateGroupChat(ctx context.Context, conv *model.Conversation, chat *model.GroupChat) error
	GetConversation(ctx context.Context, id int64) (*model.Conversation, error)
	GetGroupChat(ctx context.Context, id int64) (*model.GroupChat, error)
	// LockGroupChat is GetGroupChat that also holds the chat exclusively until the
	// scope ends.
	LockGroupChat(ctx context.Context, id int64) (*model.GroupChat, error)
	UpdateGroupChat(ctx context.Context, chat *model.GroupChat) error
	// LockDirectMessagePair serializes DM creation between two users.
	LockDirectMessagePair(ctx context.Context, userA, userB string) error
	// FindOpenDirectMessage returns the DM in which both users hold open
	// subscriptions.
	FindOpenDirectMessage(ctx context.Context, userA, userB string) (*model.GroupChat, error)
}

type MembershipLedger interface {
	Open(ctx context.Context, chatID int64, userID string, role model.Role) (*model.GroupChatSubscription, error)
	Close(ctx context.Context, subID int64) error
	SetRole(ctx context.Context, subID int64, role model.Role) error
	AdvanceLastSeen(ctx context.Context, subID int64, messageID int64) error

	FindOpen(ctx context.Context, chatID int64, userID string) (*model.GroupChatSubscription, error)
	// ListEpisodes returns every subscription userID ever held in chatID, oldest first.
	ListEpisodes(ctx context.Context, chatID int64, userID string) ([]*model.GroupChatSubscription, error)
	ListByChat(ctx context.Context, chatID int64) ([]*model.GroupChatSubscription, error)
	ListByUser(ctx context.Context, userID string, openOnly bool) ([]*model.GroupChatSubscription, error)

	CountActiveAdmins(ctx context.Context, chatID int64, excludingUserID string) (int64, error)
	CountActiveParticipants(ctx context.Context, chatID int64, excludingUserID string) (int64, error)
}

type MessageLog interface {
	// Append assigns msg.ID, strictly greater than every id already in the log,
	// and msg.SentAt.
	Append(ctx context.Context, msg *model.Message) error
	Find(ctx context.Context, q MessageQuery) ([]*model.Message, error)
	Count(ctx context.Context, q MessageQuery) (int64, error)
}

// MessageQuery selects messages contained in at least one of Windows.
type MessageQuery struct {
	Windows []model.Window
	// MaxID is an inclusive upper bound on ids; zero means unbounded.
	MaxID int64
	// MinID is an exclusive lower bound on ids.
	MinID int64
	// Search, when set, keeps normal messages whose text contains it,
	// ignoring case.
	Search    *string
	Ascending bool
	// Limit of zero means no limit.
	Limit int
}

func (q MessageQuery) matches(m *model.Message) bool {
	if q.MaxID > 0 && m.ID > q.MaxID {
		return false
	}
	if m.ID <= q.MinID {
		return false
	}
	if q.Search != nil && (m.Kind != model.KindNormal || m.Text == nil || !containsFold(*m.Text, *q.Search)) {
		return false
	}
	return model.AnyContains(q.Windows, m)
}
