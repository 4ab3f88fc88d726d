package service

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/Gopher0727/GroupChat/internal/model"
	"github.com/Gopher0727/GroupChat/internal/repository"
)

type chatRow struct {
	chat   *model.GroupChat
	sub    *model.GroupChatSubscription
	latest *model.Message
}

// ListGroupChats returns the chats the viewer is currently in, most recently
// active first. lastMessageID of zero starts from the newest chat; otherwise a
// chat is listed by its newest visible message with id <= lastMessageID.
func (s *GroupChatService) ListGroupChats(ctx context.Context, viewerID string, lastMessageID int64) (*GroupChatPage, error) {
	page := &GroupChatPage{GroupChats: []*GroupChatView{}}
	err := s.store.ReadOnly(ctx, func(tx repository.Tx) error {
		subs, err := tx.ListByUser(ctx, viewerID, true)
		if err != nil {
			return fmt.Errorf("failed to list subscriptions: %w", err)
		}

		var rows []chatRow
		for _, sub := range subs {
			latest, err := tx.Find(ctx, repository.MessageQuery{
				Windows: []model.Window{sub.Window()},
				MaxID:   lastMessageID,
				Limit:   1,
			})
			if err != nil {
				return fmt.Errorf("failed to find latest message: %w", err)
			}
			row := chatRow{sub: sub}
			if len(latest) > 0 {
				row.latest = latest[0]
			} else if lastMessageID != 0 {
				continue
			}
			rows = append(rows, row)
		}

		// Newest activity first; chats without a message go last.
		slices.SortFunc(rows, func(a, b chatRow) int {
			switch {
			case a.latest != nil && b.latest != nil:
				return cmp.Compare(b.latest.ID, a.latest.ID)
			case a.latest != nil:
				return -1
			case b.latest != nil:
				return 1
			}
			return cmp.Compare(b.sub.GroupChatID, a.sub.GroupChatID)
		})
		rows, page.NoMore = paginate(rows)

		for _, row := range rows {
			chat, err := tx.GetGroupChat(ctx, row.sub.GroupChatID)
			if err != nil {
				return fmt.Errorf("failed to get group chat: %w", err)
			}
			view, err := buildChatView(ctx, tx, chat, row.sub, row.latest)
			if err != nil {
				return err
			}
			page.GroupChats = append(page.GroupChats, view)
			if row.latest != nil {
				page.NextMessageID = row.latest.ID - 1
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}

// GetGroupChat shows the chat through the viewer's latest membership episode,
// which may be closed.
func (s *GroupChatService) GetGroupChat(ctx context.Context, viewerID string, chatID int64) (*GroupChatView, error) {
	var view *GroupChatView
	err := s.store.ReadOnly(ctx, func(tx repository.Tx) error {
		episodes, err := tx.ListEpisodes(ctx, chatID, viewerID)
		if err != nil {
			return fmt.Errorf("failed to list subscriptions: %w", err)
		}
		if len(episodes) == 0 {
			return ErrNotFound
		}
		chat, err := tx.GetGroupChat(ctx, chatID)
		if err != nil {
			return fmt.Errorf("failed to get group chat: %w", err)
		}
		view, err = buildChatView(ctx, tx, chat, episodes[len(episodes)-1], nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return view, nil
}

// GetDirectMessage finds the DM both users are currently in.
func (s *GroupChatService) GetDirectMessage(ctx context.Context, viewerID string, otherUserID string) (*GroupChatView, error) {
	var view *GroupChatView
	err := s.store.ReadOnly(ctx, func(tx repository.Tx) error {
		chat, err := tx.FindOpenDirectMessage(ctx, viewerID, otherUserID)
		if errors.Is(err, repository.ErrNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to find direct message: %w", err)
		}
		sub, err := findOpen(ctx, tx, chat.ConversationID, viewerID)
		if err != nil {
			return err
		}
		if sub == nil {
			return ErrNotFound
		}
		view, err = buildChatView(ctx, tx, chat, sub, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return view, nil
}

// GetGroupChatMessages pages through the chat newest first, across every
// episode the viewer had in it.
func (s *GroupChatService) GetGroupChatMessages(ctx context.Context, viewerID string, chatID int64, lastMessageID int64, onlyUnseen bool) (*MessagePage, error) {
	var page *MessagePage
	err := s.store.ReadOnly(ctx, func(tx repository.Tx) error {
		episodes, err := tx.ListEpisodes(ctx, chatID, viewerID)
		if err != nil {
			return fmt.Errorf("failed to list subscriptions: %w", err)
		}
		if len(episodes) == 0 {
			return ErrNotFound
		}
		windows := make([]model.Window, len(episodes))
		for i, sub := range episodes {
			if onlyUnseen {
				windows[i] = sub.UnseenWindow()
			} else {
				windows[i] = sub.Window()
			}
		}
		page, err = s.findPage(ctx, tx, repository.MessageQuery{Windows: windows, MaxID: lastMessageID})
		return err
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}

// GetUpdates is the cross-chat feed of messages newer than newestMessageID,
// oldest first.
func (s *GroupChatService) GetUpdates(ctx context.Context, viewerID string, newestMessageID int64) (*UpdatesPage, error) {
	page := &UpdatesPage{NewestMessageID: newestMessageID}
	err := s.store.ReadOnly(ctx, func(tx repository.Tx) error {
		windows, err := viewerWindows(ctx, tx, viewerID)
		if err != nil {
			return err
		}
		msgs, err := tx.Find(ctx, repository.MessageQuery{
			Windows:   windows,
			MinID:     newestMessageID,
			Ascending: true,
			Limit:     PageSize + 1,
		})
		if err != nil {
			return fmt.Errorf("failed to find updates: %w", err)
		}
		msgs, page.NoMore = paginate(msgs)
		page.Updates = newMessageViews(msgs)
		if len(msgs) > 0 {
			page.NewestMessageID = msgs[len(msgs)-1].ID
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}

// SearchMessages matches text messages in every chat the viewer was ever in,
// newest first.
func (s *GroupChatService) SearchMessages(ctx context.Context, viewerID string, query string, lastMessageID int64) (*MessagePage, error) {
	var page *MessagePage
	err := s.store.ReadOnly(ctx, func(tx repository.Tx) error {
		windows, err := viewerWindows(ctx, tx, viewerID)
		if err != nil {
			return err
		}
		page, err = s.findPage(ctx, tx, repository.MessageQuery{Windows: windows, MaxID: lastMessageID, Search: &query})
		return err
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}

func viewerWindows(ctx context.Context, tx repository.Tx, viewerID string) ([]model.Window, error) {
	subs, err := tx.ListByUser(ctx, viewerID, false)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	windows := make([]model.Window, len(subs))
	for i, sub := range subs {
		windows[i] = sub.Window()
	}
	return windows, nil
}

// findPage runs q newest first and cuts one page out of it.
func (s *GroupChatService) findPage(ctx context.Context, tx repository.Tx, q repository.MessageQuery) (*MessagePage, error) {
	q.Ascending = false
	q.Limit = PageSize + 1
	msgs, err := tx.Find(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to find messages: %w", err)
	}
	msgs, noMore := paginate(msgs)
	return &MessagePage{
		Messages:      newMessageViews(msgs),
		NextMessageID: nextCursor(msgs),
		NoMore:        noMore,
	}, nil
}
