package service

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Gopher0727/GroupChat/internal/events"
	"github.com/Gopher0727/GroupChat/internal/model"
	"github.com/Gopher0727/GroupChat/internal/pkg/friends"
	"github.com/Gopher0727/GroupChat/internal/repository"
	logger "github.com/Gopher0727/GroupChat/middleware/log"
)

// IDGenerator hands out conversation ids.
type IDGenerator interface {
	NextID() (int64, error)
}

// GroupChatEdit carries the fields EditGroupChat changes; nil leaves a field
// as it is.
type GroupChatEdit struct {
	Title            *string `json:"title"`
	OnlyAdminsInvite *bool   `json:"only_admins_invite"`
}

// IGroupChatService defines the group chat operations available to an
// authenticated caller.
type IGroupChatService interface {
	CreateGroupChat(ctx context.Context, creatorID string, recipientIDs []string, title *string) (*GroupChatView, error)
	SendMessage(ctx context.Context, senderID string, chatID int64, text string) (*MessageView, error)
	EditGroupChat(ctx context.Context, editorID string, chatID int64, edit GroupChatEdit) error
	MakeGroupChatAdmin(ctx context.Context, actorID string, chatID int64, targetID string) error
	RemoveGroupChatAdmin(ctx context.Context, actorID string, chatID int64, targetID string) error
	InviteToGroupChat(ctx context.Context, inviterID string, chatID int64, targetID string) error
	LeaveGroupChat(ctx context.Context, leaverID string, chatID int64) error
	MarkLastSeenGroupChat(ctx context.Context, viewerID string, chatID int64, messageID int64) error

	ListGroupChats(ctx context.Context, viewerID string, lastMessageID int64) (*GroupChatPage, error)
	GetGroupChat(ctx context.Context, viewerID string, chatID int64) (*GroupChatView, error)
	GetDirectMessage(ctx context.Context, viewerID string, otherUserID string) (*GroupChatView, error)
	GetGroupChatMessages(ctx context.Context, viewerID string, chatID int64, lastMessageID int64, onlyUnseen bool) (*MessagePage, error)
	GetUpdates(ctx context.Context, viewerID string, newestMessageID int64) (*UpdatesPage, error)
	SearchMessages(ctx context.Context, viewerID string, query string, lastMessageID int64) (*MessagePage, error)
}

// GroupChatService implements IGroupChatService on top of a transactional
// store
type GroupChatService struct {
	store     repository.IStore
	friends   friends.IOracle
	publisher events.Publisher
	ids       IDGenerator
	log       *logger.Logger
}

// NewGroupChatService creates a new IGroupChatService instance
func NewGroupChatService(store repository.IStore, oracle friends.IOracle, publisher events.Publisher, ids IDGenerator, log *logger.Logger) IGroupChatService {
	if publisher == nil {
		publisher = events.Nop()
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &GroupChatService{
		store:     store,
		friends:   oracle,
		publisher: publisher,
		ids:       ids,
		log:       log,
	}
}

// mutation is one write scope; it remembers what was appended so the messages
// can be published once the scope commits.
type mutation struct {
	repository.Tx
	appended []*model.Message
}

func (m *mutation) append(ctx context.Context, msg *model.Message) error {
	if err := m.Append(ctx, msg); err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	m.appended = append(m.appended, msg)
	return nil
}

func (s *GroupChatService) mutate(ctx context.Context, fn func(m *mutation) error) error {
	var appended []*model.Message
	err := s.store.Transaction(ctx, func(tx repository.Tx) error {
		m := &mutation{Tx: tx}
		if err := fn(m); err != nil {
			return err
		}
		appended = m.appended
		return nil
	})
	if err != nil {
		return err
	}
	s.publish(ctx, appended)
	return nil
}

func (s *GroupChatService) publish(ctx context.Context, msgs []*model.Message) {
	if len(msgs) == 0 {
		return
	}
	evs := make([]events.MessageEvent, len(msgs))
	for i, msg := range msgs {
		evs[i] = events.NewMessageEvent(msg)
	}
	// The request may already be winding down; delivery should not be cut short
	// by it.
	if err := s.publisher.Publish(context.WithoutCancel(ctx), evs...); err != nil {
		s.log.ErrorContext(ctx, "failed to publish message events",
			zap.Int64("group_chat_id", msgs[0].ConversationID),
			zap.Int("count", len(evs)),
			zap.Error(err))
	}
}

// lockChat takes the chat's exclusive section and returns the caller's open
// subscription. A missing chat or subscription is ErrNotFound.
func lockChat(ctx context.Context, tx repository.Tx, chatID int64, userID string) (*model.GroupChat, *model.GroupChatSubscription, error) {
	chat, err := tx.LockGroupChat(ctx, chatID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to lock group chat: %w", err)
	}
	sub, err := findOpen(ctx, tx, chatID, userID)
	if err != nil {
		return nil, nil, err
	}
	if sub == nil {
		return nil, nil, ErrNotFound
	}
	return chat, sub, nil
}

// findOpen returns nil without error when userID holds no open subscription.
func findOpen(ctx context.Context, tx repository.Tx, chatID int64, userID string) (*model.GroupChatSubscription, error) {
	sub, err := tx.FindOpen(ctx, chatID, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find subscription: %w", err)
	}
	return sub, nil
}

func (s *GroupChatService) areFriends(ctx context.Context, userA, userB string) (bool, error) {
	status, err := s.friends.FriendsStatus(ctx, userA, userB)
	if err != nil {
		return false, fmt.Errorf("failed to check friendship: %w", err)
	}
	return status == friends.StatusFriends, nil
}

// allFriends asks the oracle about every recipient concurrently.
func (s *GroupChatService) allFriends(ctx context.Context, userID string, others []string) (bool, error) {
	results := make([]bool, len(others))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, other := range others {
		g.Go(func() error {
			ok, err := s.areFriends(gctx, userID, other)
			results[i] = ok
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return false, err
	}
	return !slices.Contains(results, false), nil
}

// CreateGroupChat creates a DM for a single recipient and a group otherwise.
// The creator becomes the only admin.
func (s *GroupChatService) CreateGroupChat(ctx context.Context, creatorID string, recipientIDs []string, title *string) (*GroupChatView, error) {
	if len(recipientIDs) == 0 {
		return nil, ErrNoRecipients
	}
	unique := make(map[string]struct{}, len(recipientIDs))
	for _, id := range recipientIDs {
		unique[id] = struct{}{}
	}
	if len(unique) != len(recipientIDs) {
		return nil, ErrDuplicateRecipients
	}
	if _, ok := unique[creatorID]; ok {
		return nil, ErrCantAddSelf
	}
	isDM := len(recipientIDs) == 1

	// The oracle is remote; ask it before any lock is held.
	friendsWithAll, err := s.allFriends(ctx, creatorID, recipientIDs)
	if err != nil {
		return nil, err
	}

	var view *GroupChatView
	err = s.mutate(ctx, func(m *mutation) error {
		if isDM {
			if err := m.LockDirectMessagePair(ctx, creatorID, recipientIDs[0]); err != nil {
				return fmt.Errorf("failed to lock direct message pair: %w", err)
			}
			_, err := m.FindOpenDirectMessage(ctx, creatorID, recipientIDs[0])
			if err == nil {
				return ErrDuplicateDM
			}
			if !errors.Is(err, repository.ErrNotFound) {
				return fmt.Errorf("failed to look up direct message: %w", err)
			}
		}
		if !friendsWithAll {
			if isDM {
				return ErrDirectMessageOnlyFriends
			}
			return ErrGroupChatOnlyFriends
		}

		now, err := m.Now(ctx)
		if err != nil {
			return fmt.Errorf("failed to read scope time: %w", err)
		}
		id, err := s.ids.NextID()
		if err != nil {
			return fmt.Errorf("failed to generate conversation id: %w", err)
		}
		conv := &model.Conversation{ID: id, CreatedAt: now}
		chat := &model.GroupChat{
			ConversationID:   id,
			CreatorID:        creatorID,
			IsDM:             isDM,
			OnlyAdminsInvite: true,
		}
		if title != nil {
			chat.Title = *title
		}
		if err := m.CreateGroupChat(ctx, conv, chat); err != nil {
			return fmt.Errorf("failed to create group chat: %w", err)
		}

		creatorSub, err := m.Open(ctx, id, creatorID, model.RoleAdmin)
		if err != nil {
			return fmt.Errorf("failed to subscribe creator: %w", err)
		}
		for _, recipient := range recipientIDs {
			if _, err := m.Open(ctx, id, recipient, model.RoleParticipant); err != nil {
				return fmt.Errorf("failed to subscribe recipient: %w", err)
			}
		}

		created := model.NewControlMessage(id, creatorID, model.KindChatCreated, nil)
		if err := m.append(ctx, created); err != nil {
			return err
		}

		view, err = buildChatView(ctx, m, chat, creatorSub, created)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.log.InfoContext(ctx, "group chat created",
		zap.Int64("group_chat_id", view.ID),
		zap.Bool("is_dm", isDM),
		zap.Int("recipients", len(recipientIDs)))
	return view, nil
}

// SendMessage appends text to the chat and marks it seen by its sender.
func (s *GroupChatService) SendMessage(ctx context.Context, senderID string, chatID int64, text string) (*MessageView, error) {
	if text == "" {
		return nil, ErrInvalidMessage
	}

	var msg *model.Message
	err := s.mutate(ctx, func(m *mutation) error {
		_, sub, err := lockChat(ctx, m, chatID, senderID)
		if err != nil {
			return err
		}
		msg = model.NewNormalMessage(chatID, senderID, text)
		if err := m.append(ctx, msg); err != nil {
			return err
		}
		if err := m.AdvanceLastSeen(ctx, sub.ID, msg.ID); err != nil {
			return fmt.Errorf("failed to advance last seen: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return newMessageView(msg), nil
}

// EditGroupChat applies edit. Only admins may edit.
func (s *GroupChatService) EditGroupChat(ctx context.Context, editorID string, chatID int64, edit GroupChatEdit) error {
	return s.mutate(ctx, func(m *mutation) error {
		chat, sub, err := lockChat(ctx, m, chatID, editorID)
		if err != nil {
			return err
		}
		if !sub.IsAdmin() {
			return ErrPermissionDenied
		}

		if edit.Title != nil {
			chat.Title = *edit.Title
		}
		if edit.OnlyAdminsInvite != nil {
			chat.OnlyAdminsInvite = *edit.OnlyAdminsInvite
		}
		if err := m.UpdateGroupChat(ctx, chat); err != nil {
			return fmt.Errorf("failed to update group chat: %w", err)
		}
		return m.append(ctx, model.NewControlMessage(chatID, editorID, model.KindChatEdited, nil))
	})
}

// MakeGroupChatAdmin promotes a participant.
func (s *GroupChatService) MakeGroupChatAdmin(ctx context.Context, actorID string, chatID int64, targetID string) error {
	return s.mutate(ctx, func(m *mutation) error {
		_, sub, err := lockChat(ctx, m, chatID, actorID)
		if err != nil {
			return err
		}
		if !sub.IsAdmin() {
			return ErrPermissionDenied
		}
		if targetID == actorID {
			return ErrCantMakeSelfAdmin
		}

		target, err := findOpen(ctx, m, chatID, targetID)
		if err != nil {
			return err
		}
		if target == nil {
			return ErrUserNotInChat
		}
		if target.IsAdmin() {
			return ErrAlreadyAdmin
		}

		if err := m.SetRole(ctx, target.ID, model.RoleAdmin); err != nil {
			return fmt.Errorf("failed to set role: %w", err)
		}
		return m.append(ctx, model.NewControlMessage(chatID, actorID, model.KindMadeAdmin, &targetID))
	})
}

// RemoveGroupChatAdmin demotes an admin. An admin may demote themselves only
// while another admin remains.
func (s *GroupChatService) RemoveGroupChatAdmin(ctx context.Context, actorID string, chatID int64, targetID string) error {
	return s.mutate(ctx, func(m *mutation) error {
		_, sub, err := lockChat(ctx, m, chatID, actorID)
		if err != nil {
			return err
		}
		if !sub.IsAdmin() {
			return ErrPermissionDenied
		}
		if targetID == actorID {
			others, err := m.CountActiveAdmins(ctx, chatID, actorID)
			if err != nil {
				return fmt.Errorf("failed to count admins: %w", err)
			}
			if others == 0 {
				return ErrCantRemoveLastAdmin
			}
		}

		target, err := findOpen(ctx, m, chatID, targetID)
		if err != nil {
			return err
		}
		if target == nil || !target.IsAdmin() {
			return ErrUserNotAdmin
		}

		if err := m.SetRole(ctx, target.ID, model.RoleParticipant); err != nil {
			return fmt.Errorf("failed to set role: %w", err)
		}
		return m.append(ctx, model.NewControlMessage(chatID, actorID, model.KindRemovedAdmin, &targetID))
	})
}

// InviteToGroupChat opens a participant subscription for a friend of the
// inviter. A user who left before gets a new membership episode.
//
// The oracle is only asked once the chat-scoped rules pass; they are checked
// again under the chat lock since the oracle call happens outside it.
func (s *GroupChatService) InviteToGroupChat(ctx context.Context, inviterID string, chatID int64, targetID string) error {
	if targetID == inviterID {
		return ErrCantInviteSelf
	}
	err := s.store.ReadOnly(ctx, func(tx repository.Tx) error {
		chat, err := tx.GetGroupChat(ctx, chatID)
		if errors.Is(err, repository.ErrNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to get group chat: %w", err)
		}
		sub, err := findOpen(ctx, tx, chatID, inviterID)
		if err != nil {
			return err
		}
		if sub == nil {
			return ErrNotFound
		}
		return checkInvite(ctx, tx, chat, sub, targetID)
	})
	if err != nil {
		return err
	}

	friendly, err := s.areFriends(ctx, inviterID, targetID)
	if err != nil {
		return err
	}

	err = s.mutate(ctx, func(m *mutation) error {
		chat, sub, err := lockChat(ctx, m, chatID, inviterID)
		if err != nil {
			return err
		}
		if err := checkInvite(ctx, m, chat, sub, targetID); err != nil {
			return err
		}
		if !friendly {
			return ErrGroupChatOnlyInviteFriends
		}

		if _, err := m.Open(ctx, chatID, targetID, model.RoleParticipant); err != nil {
			if errors.Is(err, repository.ErrAlreadyMember) {
				return ErrAlreadyInChat
			}
			return fmt.Errorf("failed to subscribe invitee: %w", err)
		}
		return m.append(ctx, model.NewControlMessage(chatID, inviterID, model.KindInvited, &targetID))
	})
	if err != nil {
		return err
	}

	s.log.InfoContext(ctx, "user invited to group chat",
		zap.Int64("group_chat_id", chatID),
		zap.String("target_user_id", targetID))
	return nil
}

// checkInvite applies the invite rules that depend only on the chat and the
// inviter's subscription.
func checkInvite(ctx context.Context, tx repository.Tx, chat *model.GroupChat, sub *model.GroupChatSubscription, targetID string) error {
	if chat.IsDM {
		return ErrCantInviteToDM
	}
	if chat.OnlyAdminsInvite && !sub.IsAdmin() {
		return ErrPermissionDenied
	}
	existing, err := findOpen(ctx, tx, chat.ConversationID, targetID)
	if err != nil {
		return err
	}
	if existing != nil {
		return ErrAlreadyInChat
	}
	return nil
}

// LeaveGroupChat closes the caller's subscription. The last admin may leave
// only when nobody else is left in the chat.
func (s *GroupChatService) LeaveGroupChat(ctx context.Context, leaverID string, chatID int64) error {
	return s.mutate(ctx, func(m *mutation) error {
		_, sub, err := lockChat(ctx, m, chatID, leaverID)
		if err != nil {
			return err
		}
		if sub.IsAdmin() {
			otherAdmins, err := m.CountActiveAdmins(ctx, chatID, leaverID)
			if err != nil {
				return fmt.Errorf("failed to count admins: %w", err)
			}
			others, err := m.CountActiveParticipants(ctx, chatID, leaverID)
			if err != nil {
				return fmt.Errorf("failed to count participants: %w", err)
			}
			if otherAdmins == 0 && others > 0 {
				return ErrLastAdminCantLeave
			}
		}

		// Appended while the window is still open; Close stamps the same scope
		// time, so the leaver keeps the message in view.
		if err := m.append(ctx, model.NewControlMessage(chatID, leaverID, model.KindLeft, nil)); err != nil {
			return err
		}
		if err := m.Close(ctx, sub.ID); err != nil {
			return fmt.Errorf("failed to close subscription: %w", err)
		}
		return nil
	})
}

// MarkLastSeenGroupChat moves the caller's read marker forward. A marker past
// the newest message the caller can see is clamped to that message.
func (s *GroupChatService) MarkLastSeenGroupChat(ctx context.Context, viewerID string, chatID int64, messageID int64) error {
	return s.mutate(ctx, func(m *mutation) error {
		sub, err := findOpen(ctx, m, chatID, viewerID)
		if err != nil {
			return err
		}
		if sub == nil {
			return ErrNotFound
		}
		if messageID < sub.LastSeenMessageID {
			return ErrCantUnseeMessages
		}

		latest, err := m.Find(ctx, repository.MessageQuery{Windows: []model.Window{sub.Window()}, Limit: 1})
		if err != nil {
			return fmt.Errorf("failed to find latest message: %w", err)
		}
		target := sub.LastSeenMessageID
		if len(latest) > 0 {
			target = max(target, min(messageID, latest[0].ID))
		}
		if target == sub.LastSeenMessageID {
			return nil
		}

		err = m.AdvanceLastSeen(ctx, sub.ID, target)
		if errors.Is(err, repository.ErrLastSeenRegressed) {
			return ErrCantUnseeMessages
		}
		if err != nil {
			return fmt.Errorf("failed to advance last seen: %w", err)
		}
		return nil
	})
}
