package repository

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/Gopher0727/GroupChat/internal/model"
)

// MemoryStore keeps all state in process. A write scope holds the store mutex
// from start to end, and an aborted scope is rolled back from its undo log.
type MemoryStore struct {
	mu    sync.RWMutex
	clock func() time.Time

	lastNow       time.Time
	conversations map[int64]model.Conversation
	chats         map[int64]model.GroupChat
	subs          []model.GroupChatSubscription // subs[i].ID == i+1
	messages      []model.Message               // messages[i].ID == i+1
	byChat        map[int64][]int               // message indexes per conversation
}

func NewMemoryStore() IStore {
	return newMemoryStore(time.Now)
}

func newMemoryStore(clock func() time.Time) *MemoryStore {
	return &MemoryStore{
		clock:         clock,
		conversations: make(map[int64]model.Conversation),
		chats:         make(map[int64]model.GroupChat),
		byChat:        make(map[int64][]int),
	}
}

func (s *MemoryStore) Transaction(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memoryTx{s: s}
	committed := false
	defer func() {
		if !committed {
			tx.rollback()
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	committed = true
	if tx.now != nil {
		s.lastNow = *tx.now
	}
	return nil
}

func (s *MemoryStore) ReadOnly(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(&memoryTx{s: s, readOnly: true})
}

type memoryTx struct {
	s        *MemoryStore
	readOnly bool
	now      *time.Time
	undo     []func()
}

// Now is strictly later than the timestamp of every committed scope, at the
// microsecond precision Postgres keeps.
func (tx *memoryTx) Now(context.Context) (time.Time, error) {
	if tx.now == nil {
		now := tx.s.clock().UTC().Truncate(time.Microsecond)
		if !now.After(tx.s.lastNow) {
			now = tx.s.lastNow.Add(time.Microsecond)
		}
		tx.now = &now
	}
	return *tx.now, nil
}

func (tx *memoryTx) rollback() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
}

func (tx *memoryTx) writable() error {
	if tx.readOnly {
		return ErrReadOnly
	}
	return nil
}

func (tx *memoryTx) CreateGroupChat(_ context.Context, conv *model.Conversation, chat *model.GroupChat) error {
	if err := tx.writable(); err != nil {
		return err
	}
	if _, ok := tx.s.conversations[conv.ID]; ok {
		return fmt.Errorf("conversation %d already exists", conv.ID)
	}
	chat.ConversationID = conv.ID
	tx.s.conversations[conv.ID] = *conv
	tx.s.chats[conv.ID] = *chat
	tx.undo = append(tx.undo, func() {
		delete(tx.s.conversations, conv.ID)
		delete(tx.s.chats, conv.ID)
	})
	return nil
}

func (tx *memoryTx) GetConversation(_ context.Context, id int64) (*model.Conversation, error) {
	conv, ok := tx.s.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &conv, nil
}

func (tx *memoryTx) GetGroupChat(_ context.Context, id int64) (*model.GroupChat, error) {
	chat, ok := tx.s.chats[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &chat, nil
}

func (tx *memoryTx) LockGroupChat(ctx context.Context, id int64) (*model.GroupChat, error) {
	if err := tx.writable(); err != nil {
		return nil, err
	}
	return tx.GetGroupChat(ctx, id)
}

func (tx *memoryTx) UpdateGroupChat(_ context.Context, chat *model.GroupChat) error {
	if err := tx.writable(); err != nil {
		return err
	}
	old, ok := tx.s.chats[chat.ConversationID]
	if !ok {
		return ErrNotFound
	}
	tx.s.chats[chat.ConversationID] = *chat
	tx.undo = append(tx.undo, func() { tx.s.chats[old.ConversationID] = old })
	return nil
}

func (tx *memoryTx) LockDirectMessagePair(context.Context, string, string) error {
	return tx.writable()
}

func (tx *memoryTx) FindOpenDirectMessage(_ context.Context, userA, userB string) (*model.GroupChat, error) {
	counts := make(map[int64]int)
	for i := range tx.s.subs {
		sub := &tx.s.subs[i]
		if !sub.IsOpen() || (sub.UserID != userA && sub.UserID != userB) {
			continue
		}
		if chat := tx.s.chats[sub.GroupChatID]; chat.IsDM {
			counts[sub.GroupChatID]++
		}
	}
	best := int64(-1)
	for id, n := range counts {
		if n == 2 && (best < 0 || id < best) {
			best = id
		}
	}
	if best < 0 {
		return nil, ErrNotFound
	}
	chat := tx.s.chats[best]
	return &chat, nil
}

func (tx *memoryTx) Open(ctx context.Context, chatID int64, userID string, role model.Role) (*model.GroupChatSubscription, error) {
	if err := tx.writable(); err != nil {
		return nil, err
	}
	if _, err := tx.FindOpen(ctx, chatID, userID); err == nil {
		return nil, ErrAlreadyMember
	}
	now, _ := tx.Now(ctx)
	sub := model.GroupChatSubscription{
		ID:          int64(len(tx.s.subs) + 1),
		GroupChatID: chatID,
		UserID:      userID,
		Role:        role,
		JoinedAt:    now,
	}
	tx.s.subs = append(tx.s.subs, sub)
	tx.undo = append(tx.undo, func() { tx.s.subs = tx.s.subs[:len(tx.s.subs)-1] })
	return &sub, nil
}

// mutate applies fn to the subscription subID and records how to revert it.
func (tx *memoryTx) mutate(subID int64, fn func(sub *model.GroupChatSubscription) error) error {
	if err := tx.writable(); err != nil {
		return err
	}
	if subID < 1 || subID > int64(len(tx.s.subs)) {
		return ErrNotFound
	}
	sub := &tx.s.subs[subID-1]
	old := *sub
	if err := fn(sub); err != nil {
		return err
	}
	tx.undo = append(tx.undo, func() { tx.s.subs[subID-1] = old })
	return nil
}

func (tx *memoryTx) Close(ctx context.Context, subID int64) error {
	now, _ := tx.Now(ctx)
	return tx.mutate(subID, func(sub *model.GroupChatSubscription) error {
		if !sub.IsOpen() {
			return ErrNotOpen
		}
		sub.LeftAt = &now
		return nil
	})
}

func (tx *memoryTx) SetRole(_ context.Context, subID int64, role model.Role) error {
	return tx.mutate(subID, func(sub *model.GroupChatSubscription) error {
		if !sub.IsOpen() {
			return ErrNotOpen
		}
		sub.Role = role
		return nil
	})
}

func (tx *memoryTx) AdvanceLastSeen(_ context.Context, subID int64, messageID int64) error {
	return tx.mutate(subID, func(sub *model.GroupChatSubscription) error {
		if messageID < sub.LastSeenMessageID {
			return ErrLastSeenRegressed
		}
		sub.LastSeenMessageID = messageID
		return nil
	})
}

func (tx *memoryTx) selectSubs(keep func(sub *model.GroupChatSubscription) bool) []*model.GroupChatSubscription {
	var out []*model.GroupChatSubscription
	for i := range tx.s.subs {
		if keep(&tx.s.subs[i]) {
			sub := tx.s.subs[i]
			out = append(out, &sub)
		}
	}
	return out
}

func (tx *memoryTx) FindOpen(_ context.Context, chatID int64, userID string) (*model.GroupChatSubscription, error) {
	subs := tx.selectSubs(func(sub *model.GroupChatSubscription) bool {
		return sub.GroupChatID == chatID && sub.UserID == userID && sub.IsOpen()
	})
	if len(subs) == 0 {
		return nil, ErrNotFound
	}
	return subs[0], nil
}

func (tx *memoryTx) ListEpisodes(_ context.Context, chatID int64, userID string) ([]*model.GroupChatSubscription, error) {
	return tx.selectSubs(func(sub *model.GroupChatSubscription) bool {
		return sub.GroupChatID == chatID && sub.UserID == userID
	}), nil
}

func (tx *memoryTx) ListByChat(_ context.Context, chatID int64) ([]*model.GroupChatSubscription, error) {
	return tx.selectSubs(func(sub *model.GroupChatSubscription) bool {
		return sub.GroupChatID == chatID
	}), nil
}

func (tx *memoryTx) ListByUser(_ context.Context, userID string, openOnly bool) ([]*model.GroupChatSubscription, error) {
	return tx.selectSubs(func(sub *model.GroupChatSubscription) bool {
		return sub.UserID == userID && (!openOnly || sub.IsOpen())
	}), nil
}

func (tx *memoryTx) CountActiveAdmins(_ context.Context, chatID int64, excludingUserID string) (int64, error) {
	return int64(len(tx.selectSubs(func(sub *model.GroupChatSubscription) bool {
		return sub.GroupChatID == chatID && sub.IsOpen() && sub.IsAdmin() && sub.UserID != excludingUserID
	}))), nil
}

func (tx *memoryTx) CountActiveParticipants(_ context.Context, chatID int64, excludingUserID string) (int64, error) {
	return int64(len(tx.selectSubs(func(sub *model.GroupChatSubscription) bool {
		return sub.GroupChatID == chatID && sub.IsOpen() && sub.UserID != excludingUserID
	}))), nil
}

func (tx *memoryTx) Append(ctx context.Context, msg *model.Message) error {
	if err := tx.writable(); err != nil {
		return err
	}
	now, _ := tx.Now(ctx)
	msg.ID = int64(len(tx.s.messages) + 1)
	msg.SentAt = now

	idx := len(tx.s.messages)
	tx.s.messages = append(tx.s.messages, *msg)
	tx.s.byChat[msg.ConversationID] = append(tx.s.byChat[msg.ConversationID], idx)
	chatID := msg.ConversationID
	tx.undo = append(tx.undo, func() {
		tx.s.messages = tx.s.messages[:idx]
		list := tx.s.byChat[chatID]
		tx.s.byChat[chatID] = list[:len(list)-1]
	})
	return nil
}

// candidates returns the indexes of messages in the chats q's windows cover,
// ascending.
func (tx *memoryTx) candidates(q MessageQuery) []int {
	chats := make(map[int64]bool, len(q.Windows))
	var idx []int
	for _, w := range q.Windows {
		if chats[w.ChatID] {
			continue
		}
		chats[w.ChatID] = true
		idx = append(idx, tx.s.byChat[w.ChatID]...)
	}
	slices.Sort(idx)
	return idx
}

func (tx *memoryTx) Find(_ context.Context, q MessageQuery) ([]*model.Message, error) {
	idx := tx.candidates(q)
	if !q.Ascending {
		slices.Reverse(idx)
	}
	var out []*model.Message
	for _, i := range idx {
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
		if m := tx.s.messages[i]; q.matches(&m) {
			out = append(out, &m)
		}
	}
	return out, nil
}

func (tx *memoryTx) Count(_ context.Context, q MessageQuery) (int64, error) {
	var n int64
	for _, i := range tx.candidates(q) {
		if q.matches(&tx.s.messages[i]) {
			n++
		}
	}
	return n, nil
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
