package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/twmb/murmur3"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Gopher0727/GroupChat/internal/model"
)

// messageLogLockKey is the advisory lock every Append takes so that message ids
// become visible in the order they were assigned.
const messageLogLockKey int64 = 0x6d73676c6f67 // "msglog"

// GormStore is the Postgres-backed store. Per-chat exclusion comes from row
// locks on group_chats; DM creation and the message log use transaction-scoped
// advisory locks.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) IStore {
	return &GormStore{db: db}
}

func (s *GormStore) Transaction(ctx context.Context, fn func(tx Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		return fn(&gormTx{db: db})
	})
}

func (s *GormStore) ReadOnly(ctx context.Context, fn func(tx Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		return fn(&gormTx{db: db, readOnly: true})
	}, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
}

type gormTx struct {
	db       *gorm.DB
	readOnly bool
	now      *time.Time
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// Now reads clock_timestamp() rather than now(): callers take their locks
// first, so the stamp orders after whatever the lock waited on.
func (tx *gormTx) Now(ctx context.Context) (time.Time, error) {
	if tx.now == nil {
		var now time.Time
		if err := tx.db.WithContext(ctx).Raw("SELECT clock_timestamp()").Row().Scan(&now); err != nil {
			return time.Time{}, fmt.Errorf("failed to read clock: %w", err)
		}
		now = now.UTC()
		tx.now = &now
	}
	return *tx.now, nil
}

func (tx *gormTx) writable() error {
	if tx.readOnly {
		return ErrReadOnly
	}
	return nil
}

func (tx *gormTx) CreateGroupChat(ctx context.Context, conv *model.Conversation, chat *model.GroupChat) error {
	if err := tx.writable(); err != nil {
		return err
	}
	db := tx.db.WithContext(ctx)
	if err := db.Create(conv).Error; err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}
	chat.ConversationID = conv.ID
	if err := db.Create(chat).Error; err != nil {
		return fmt.Errorf("failed to create group chat: %w", err)
	}
	return nil
}

func (tx *gormTx) GetConversation(ctx context.Context, id int64) (*model.Conversation, error) {
	var conv model.Conversation
	if err := tx.db.WithContext(ctx).First(&conv, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &conv, nil
}

func (tx *gormTx) GetGroupChat(ctx context.Context, id int64) (*model.GroupChat, error) {
	var chat model.GroupChat
	if err := tx.db.WithContext(ctx).First(&chat, "conversation_id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &chat, nil
}

func (tx *gormTx) LockGroupChat(ctx context.Context, id int64) (*model.GroupChat, error) {
	if err := tx.writable(); err != nil {
		return nil, err
	}
	var chat model.GroupChat
	err := tx.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&chat, "conversation_id = ?", id).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &chat, nil
}

func (tx *gormTx) UpdateGroupChat(ctx context.Context, chat *model.GroupChat) error {
	if err := tx.writable(); err != nil {
		return err
	}
	// A map keeps gorm from skipping zero values such as only_admins_invite=false.
	res := tx.db.WithContext(ctx).
		Model(&model.GroupChat{}).
		Where("conversation_id = ?", chat.ConversationID).
		Updates(map[string]any{
			"title":              chat.Title,
			"only_admins_invite": chat.OnlyAdminsInvite,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to update group chat: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func pairLockKey(userA, userB string) int64 {
	if userA > userB {
		userA, userB = userB, userA
	}
	return int64(murmur3.Sum64([]byte("dm\x00" + userA + "\x00" + userB)))
}

func (tx *gormTx) LockDirectMessagePair(ctx context.Context, userA, userB string) error {
	if err := tx.writable(); err != nil {
		return err
	}
	return tx.db.WithContext(ctx).Exec("SELECT pg_advisory_xact_lock(?)", pairLockKey(userA, userB)).Error
}

func (tx *gormTx) FindOpenDirectMessage(ctx context.Context, userA, userB string) (*model.GroupChat, error) {
	var chat model.GroupChat
	err := tx.db.WithContext(ctx).
		Model(&model.GroupChat{}).
		Select("group_chats.*").
		Joins("JOIN group_chat_subscriptions s ON s.group_chat_id = group_chats.conversation_id").
		Where("group_chats.is_dm AND s.left_at IS NULL AND s.user_id IN ?", []string{userA, userB}).
		Group("group_chats.conversation_id").
		Having("COUNT(s.id) = 2").
		Order("group_chats.conversation_id").
		Take(&chat).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &chat, nil
}

func (tx *gormTx) Open(ctx context.Context, chatID int64, userID string, role model.Role) (*model.GroupChatSubscription, error) {
	if err := tx.writable(); err != nil {
		return nil, err
	}
	if _, err := tx.FindOpen(ctx, chatID, userID); err == nil {
		return nil, ErrAlreadyMember
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	now, err := tx.Now(ctx)
	if err != nil {
		return nil, err
	}
	sub := &model.GroupChatSubscription{
		GroupChatID: chatID,
		UserID:      userID,
		Role:        role,
		JoinedAt:    now,
	}
	if err := tx.db.WithContext(ctx).Create(sub).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrAlreadyMember
		}
		return nil, fmt.Errorf("failed to open subscription: %w", err)
	}
	return sub, nil
}

// updateSub applies updates to subscription subID when guard holds. When it does
// not, the result is ErrNotFound for a missing row and rejected otherwise.
func (tx *gormTx) updateSub(ctx context.Context, subID int64, updates map[string]any, rejected error, guard string, guardArgs ...any) error {
	if err := tx.writable(); err != nil {
		return err
	}
	db := tx.db.WithContext(ctx)
	res := db.Model(&model.GroupChatSubscription{}).
		Where("id = ?", subID).
		Where(guard, guardArgs...).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to update subscription: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}
	var n int64
	if err := db.Model(&model.GroupChatSubscription{}).Where("id = ?", subID).Count(&n).Error; err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return rejected
}

func (tx *gormTx) Close(ctx context.Context, subID int64) error {
	now, err := tx.Now(ctx)
	if err != nil {
		return err
	}
	return tx.updateSub(ctx, subID, map[string]any{"left_at": now}, ErrNotOpen, "left_at IS NULL")
}

func (tx *gormTx) SetRole(ctx context.Context, subID int64, role model.Role) error {
	return tx.updateSub(ctx, subID, map[string]any{"role": string(role)}, ErrNotOpen, "left_at IS NULL")
}

func (tx *gormTx) AdvanceLastSeen(ctx context.Context, subID int64, messageID int64) error {
	return tx.updateSub(ctx, subID, map[string]any{"last_seen_message_id": messageID}, ErrLastSeenRegressed,
		"last_seen_message_id <= ?", messageID)
}

func (tx *gormTx) FindOpen(ctx context.Context, chatID int64, userID string) (*model.GroupChatSubscription, error) {
	var sub model.GroupChatSubscription
	err := tx.db.WithContext(ctx).
		Where("group_chat_id = ? AND user_id = ? AND left_at IS NULL", chatID, userID).
		First(&sub).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &sub, nil
}

func (tx *gormTx) listSubs(ctx context.Context, query string, args ...any) ([]*model.GroupChatSubscription, error) {
	var subs []*model.GroupChatSubscription
	if err := tx.db.WithContext(ctx).Where(query, args...).Order("id ASC").Find(&subs).Error; err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	return subs, nil
}

func (tx *gormTx) ListEpisodes(ctx context.Context, chatID int64, userID string) ([]*model.GroupChatSubscription, error) {
	return tx.listSubs(ctx, "group_chat_id = ? AND user_id = ?", chatID, userID)
}

func (tx *gormTx) ListByChat(ctx context.Context, chatID int64) ([]*model.GroupChatSubscription, error) {
	return tx.listSubs(ctx, "group_chat_id = ?", chatID)
}

func (tx *gormTx) ListByUser(ctx context.Context, userID string, openOnly bool) ([]*model.GroupChatSubscription, error) {
	if openOnly {
		return tx.listSubs(ctx, "user_id = ? AND left_at IS NULL", userID)
	}
	return tx.listSubs(ctx, "user_id = ?", userID)
}

func (tx *gormTx) countOpen(ctx context.Context, query string, args ...any) (int64, error) {
	var n int64
	err := tx.db.WithContext(ctx).
		Model(&model.GroupChatSubscription{}).
		Where("left_at IS NULL").
		Where(query, args...).
		Count(&n).Error
	return n, err
}

func (tx *gormTx) CountActiveAdmins(ctx context.Context, chatID int64, excludingUserID string) (int64, error) {
	return tx.countOpen(ctx, "group_chat_id = ? AND role = ? AND user_id <> ?", chatID, string(model.RoleAdmin), excludingUserID)
}

func (tx *gormTx) CountActiveParticipants(ctx context.Context, chatID int64, excludingUserID string) (int64, error) {
	return tx.countOpen(ctx, "group_chat_id = ? AND user_id <> ?", chatID, excludingUserID)
}

func (tx *gormTx) Append(ctx context.Context, msg *model.Message) error {
	if err := tx.writable(); err != nil {
		return err
	}
	db := tx.db.WithContext(ctx)
	if err := db.Exec("SELECT pg_advisory_xact_lock(?)", messageLogLockKey).Error; err != nil {
		return fmt.Errorf("failed to lock message log: %w", err)
	}
	now, err := tx.Now(ctx)
	if err != nil {
		return err
	}
	msg.ID = 0
	msg.SentAt = now
	if err := db.Create(msg).Error; err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// messages renders q as a scoped query on the messages table. Each window
// becomes one parenthesized conjunction and the windows are OR-ed together.
func (tx *gormTx) messages(ctx context.Context, q MessageQuery) *gorm.DB {
	db := tx.db.WithContext(ctx).Model(&model.Message{})
	if len(q.Windows) == 0 {
		return db.Where("1 = 0")
	}

	parts := make([]string, 0, len(q.Windows))
	args := make([]any, 0, len(q.Windows)*4)
	for _, w := range q.Windows {
		part := "(conversation_id = ? AND sent_at >= ? AND id > ?"
		args = append(args, w.ChatID, w.From, w.AfterID)
		if w.To != nil {
			part += " AND sent_at <= ?"
			args = append(args, *w.To)
		}
		parts = append(parts, part+")")
	}
	db = db.Where("("+strings.Join(parts, " OR ")+")", args...)

	if q.MaxID > 0 {
		db = db.Where("id <= ?", q.MaxID)
	}
	if q.MinID > 0 {
		db = db.Where("id > ?", q.MinID)
	}
	if q.Search != nil {
		db = db.Where("kind = ? AND text ILIKE ?", string(model.KindNormal), "%"+likeEscaper.Replace(*q.Search)+"%")
	}
	return db
}

func (tx *gormTx) Find(ctx context.Context, q MessageQuery) ([]*model.Message, error) {
	db := tx.messages(ctx, q)
	if q.Ascending {
		db = db.Order("id ASC")
	} else {
		db = db.Order("id DESC")
	}
	if q.Limit > 0 {
		db = db.Limit(q.Limit)
	}
	var msgs []*model.Message
	if err := db.Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	return msgs, nil
}

func (tx *gormTx) Count(ctx context.Context, q MessageQuery) (int64, error) {
	var n int64
	if err := tx.messages(ctx, q).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}
