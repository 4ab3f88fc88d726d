package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/Gopher0727/GroupChat/internal/model"
	"github.com/Gopher0727/GroupChat/internal/pkg/friends"
	logger "github.com/Gopher0727/GroupChat/middleware/log"
	"github.com/Gopher0727/GroupChat/utils/snowflake"
)

var ctx = context.Background()

func TestCreateGroupChat(t *testing.T) {
	f := newFixture(t, [2]string{"alice", "bob"}, [2]string{"alice", "carol"})

	view, err := f.svc.CreateGroupChat(ctx, "alice", []string{"bob", "carol"}, ptr("weekend"))
	require.NoError(t, err)

	assert.False(t, view.IsDM)
	assert.Equal(t, "weekend", view.Title)
	assert.True(t, view.OnlyAdminsInvite)
	assert.ElementsMatch(t, []string{"alice", "bob", "carol"}, view.MemberIDs)
	assert.Equal(t, []string{"alice"}, view.AdminIDs)
	require.NotNil(t, view.LatestMessage)
	assert.Equal(t, model.KindChatCreated, view.LatestMessage.Kind)
	assert.Equal(t, int64(1), view.UnseenMessageCount)

	subs := f.openSubs(t, view.ID)
	require.Len(t, subs, 3)
	var admins int
	for _, sub := range subs {
		if sub.IsAdmin() {
			admins++
			assert.Equal(t, "alice", sub.UserID)
		}
	}
	assert.Equal(t, 1, admins)

	msgs := f.allMessages(t, "bob", view.ID, false)
	require.Len(t, msgs, 1)
	assert.Equal(t, model.KindChatCreated, msgs[0].Kind)
	assert.Equal(t, "alice", msgs[0].AuthorID)
	assert.Equal(t, []model.MessageKind{model.KindChatCreated}, f.publisher.kinds())
}

func TestCreateGroupChatValidation(t *testing.T) {
	f := newFixture(t, [2]string{"alice", "bob"})

	tests := []struct {
		name       string
		recipients []string
		want       error
	}{
		{"no recipients", nil, ErrNoRecipients},
		{"duplicate recipients", []string{"bob", "bob"}, ErrDuplicateRecipients},
		{"self", []string{"alice"}, ErrCantAddSelf},
		{"self among others", []string{"bob", "alice"}, ErrCantAddSelf},
		{"dm with stranger", []string{"dave"}, ErrDirectMessageOnlyFriends},
		{"group with stranger", []string{"bob", "dave"}, ErrGroupChatOnlyFriends},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.CreateGroupChat(ctx, "alice", tt.recipients, nil)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Empty(t, f.publisher.kinds())
}

func TestDuplicateDM(t *testing.T) {
	f := newFixture(t, [2]string{"alice", "bob"})

	dm := f.create(t, "alice", "bob")
	assert.True(t, dm.IsDM)

	_, err := f.svc.CreateGroupChat(ctx, "bob", []string{"alice"}, nil)
	assert.ErrorIs(t, err, ErrDuplicateDM)

	got, err := f.svc.GetDirectMessage(ctx, "bob", "alice")
	require.NoError(t, err)
	assert.Equal(t, dm.ID, got.ID)

	// Once one side leaves, the pair may start a new DM.
	require.NoError(t, f.svc.LeaveGroupChat(ctx, "bob", dm.ID))
	_, err = f.svc.GetDirectMessage(ctx, "alice", "bob")
	assert.ErrorIs(t, err, ErrNotFound)

	again := f.create(t, "bob", "alice")
	assert.NotEqual(t, dm.ID, again.ID)
}

func TestDirectMessageConversation(t *testing.T) {
	f := newFixture(t, [2]string{"alice", "bob"})
	dm := f.create(t, "alice", "bob")

	f.send(t, "alice", dm.ID, "hi")
	f.send(t, "bob", dm.ID, "hey")

	page, err := f.svc.GetGroupChatMessages(ctx, "alice", dm.ID, 0, false)
	require.NoError(t, err)
	assert.True(t, page.NoMore)
	assert.Equal(t, []string{"hey", "hi"}, texts(page.Messages))
	assert.Equal(t, []model.MessageKind{model.KindNormal, model.KindNormal, model.KindChatCreated}, kinds(page.Messages))
}

func TestSendMessage(t *testing.T) {
	f := newFixture(t, [2]string{"alice", "bob"})
	dm := f.create(t, "alice", "bob")

	_, err := f.svc.SendMessage(ctx, "alice", dm.ID, "")
	assert.ErrorIs(t, err, ErrInvalidMessage)
	_, err = f.svc.SendMessage(ctx, "mallory", dm.ID, "hi")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.svc.SendMessage(ctx, "alice", dm.ID+1, "hi")
	assert.ErrorIs(t, err, ErrNotFound)

	msg := f.send(t, "bob", dm.ID, "hello")
	assert.Equal(t, "bob", msg.AuthorID)
	assert.Equal(t, dm.ID, msg.GroupChatID)

	view, err := f.svc.GetGroupChat(ctx, "bob", dm.ID)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, view.LastSeenMessageID)
	assert.Zero(t, view.UnseenMessageCount)

	view, err = f.svc.GetGroupChat(ctx, "alice", dm.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), view.UnseenMessageCount)
	assert.Equal(t, msg.ID, view.LatestMessage.ID)
}

func TestEditGroupChat(t *testing.T) {
	f := newFixture(t, [2]string{"alice", "bob"}, [2]string{"alice", "carol"})
	chat := f.create(t, "alice", "bob", "carol")

	err := f.svc.EditGroupChat(ctx, "bob", chat.ID, GroupChatEdit{Title: ptr("nope")})
	assert.ErrorIs(t, err, ErrPermissionDenied)
	err = f.svc.EditGroupChat(ctx, "dave", chat.ID, GroupChatEdit{Title: ptr("nope")})
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, f.svc.EditGroupChat(ctx, "alice", chat.ID, GroupChatEdit{Title: ptr("renamed")}))
	view, err := f.svc.GetGroupChat(ctx, "bob", chat.ID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", view.Title)
	assert.True(t, view.OnlyAdminsInvite, "unset fields stay as they were")
	assert.Equal(t, model.KindChatEdited, view.LatestMessage.Kind)

	require.NoError(t, f.svc.EditGroupChat(ctx, "alice", chat.ID, GroupChatEdit{OnlyAdminsInvite: ptr(false)}))
	view, err = f.svc.GetGroupChat(ctx, "bob", chat.ID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", view.Title)
	assert.False(t, view.OnlyAdminsInvite)
}

func TestAdminRoles(t *testing.T) {
	f := newFixture(t, [2]string{"alice", "bob"}, [2]string{"alice", "carol"})
	chat := f.create(t, "alice", "bob", "carol")

	assert.ErrorIs(t, f.svc.MakeGroupChatAdmin(ctx, "bob", chat.ID, "carol"), ErrPermissionDenied)
	assert.ErrorIs(t, f.svc.MakeGroupChatAdmin(ctx, "dave", chat.ID, "carol"), ErrNotFound)
	assert.ErrorIs(t, f.svc.MakeGroupChatAdmin(ctx, "alice", chat.ID, "alice"), ErrCantMakeSelfAdmin)
	assert.ErrorIs(t, f.svc.MakeGroupChatAdmin(ctx, "alice", chat.ID, "dave"), ErrUserNotInChat)

	require.NoError(t, f.svc.MakeGroupChatAdmin(ctx, "alice", chat.ID, "bob"))
	assert.ErrorIs(t, f.svc.MakeGroupChatAdmin(ctx, "alice", chat.ID, "bob"), ErrAlreadyAdmin)

	view, err := f.svc.GetGroupChat(ctx, "carol", chat.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob"}, view.AdminIDs)
	assert.Equal(t, model.KindMadeAdmin, view.LatestMessage.Kind)
	assert.Equal(t, "bob", *view.LatestMessage.TargetID)

	assert.ErrorIs(t, f.svc.RemoveGroupChatAdmin(ctx, "carol", chat.ID, "bob"), ErrPermissionDenied)
	assert.ErrorIs(t, f.svc.RemoveGroupChatAdmin(ctx, "alice", chat.ID, "carol"), ErrUserNotAdmin)
	assert.ErrorIs(t, f.svc.RemoveGroupChatAdmin(ctx, "alice", chat.ID, "dave"), ErrUserNotAdmin, "a stranger is not an admin either")

	require.NoError(t, f.svc.RemoveGroupChatAdmin(ctx, "bob", chat.ID, "bob"))
	assert.ErrorIs(t, f.svc.RemoveGroupChatAdmin(ctx, "alice", chat.ID, "alice"), ErrCantRemoveLastAdmin)

	require.NoError(t, f.svc.MakeGroupChatAdmin(ctx, "alice", chat.ID, "carol"))
	require.NoError(t, f.svc.RemoveGroupChatAdmin(ctx, "alice", chat.ID, "carol"))

	msgs := f.allMessages(t, "carol", chat.ID, false)
	assert.Equal(t, []model.MessageKind{
		model.KindRemovedAdmin,
		model.KindMadeAdmin,
		model.KindRemovedAdmin,
		model.KindMadeAdmin,
		model.KindChatCreated,
	}, kinds(msgs))
}

func TestInviteRequiresAdminWhenOnlyAdminsInvite(t *testing.T) {
	f := newFixture(t,
		[2]string{"xavier", "alice"},
		[2]string{"xavier", "bob"},
		[2]string{"alice", "carol"},
	)
	chat := f.create(t, "xavier", "alice", "bob")

	err := f.svc.InviteToGroupChat(ctx, "alice", chat.ID, "carol")
	assert.ErrorIs(t, err, ErrPermissionDenied)

	require.NoError(t, f.svc.MakeGroupChatAdmin(ctx, "xavier", chat.ID, "alice"))
	require.NoError(t, f.svc.InviteToGroupChat(ctx, "alice", chat.ID, "carol"))

	view, err := f.svc.GetGroupChat(ctx, "carol", chat.ID)
	require.NoError(t, err)
	require.NotNil(t, view.LatestMessage)
	assert.Equal(t, model.KindInvited, view.LatestMessage.Kind)
	assert.Equal(t, "carol", *view.LatestMessage.TargetID)
	assert.Equal(t, "alice", view.LatestMessage.AuthorID)
	assert.Contains(t, view.MemberIDs, "carol")
}

func TestInviteFailures(t *testing.T) {
	f := newFixture(t,
		[2]string{"alice", "bob"},
		[2]string{"alice", "carol"},
		[2]string{"bob", "carol"},
	)
	chat := f.create(t, "alice", "bob")
	dm := f.create(t, "alice", "carol")
	group := f.create(t, "bob", "alice", "carol")

	assert.ErrorIs(t, f.svc.InviteToGroupChat(ctx, "alice", chat.ID, "alice"), ErrCantInviteSelf)
	assert.ErrorIs(t, f.svc.InviteToGroupChat(ctx, "carol", chat.ID, "bob"), ErrNotFound)
	assert.ErrorIs(t, f.svc.InviteToGroupChat(ctx, "alice", dm.ID, "bob"), ErrCantInviteToDM)
	assert.ErrorIs(t, f.svc.InviteToGroupChat(ctx, "bob", group.ID, "alice"), ErrAlreadyInChat)
	assert.ErrorIs(t, f.svc.InviteToGroupChat(ctx, "bob", group.ID, "dave"), ErrGroupChatOnlyInviteFriends)

	require.NoError(t, f.svc.EditGroupChat(ctx, "bob", group.ID, GroupChatEdit{OnlyAdminsInvite: ptr(false)}))
	f.friends.Add("carol", "dave")
	require.NoError(t, f.svc.InviteToGroupChat(ctx, "carol", group.ID, "dave"))
}

// unreachableOracle fails every lookup and counts how often it was asked.
type unreachableOracle struct {
	mu    sync.Mutex
	calls int
}

func (o *unreachableOracle) FriendsStatus(context.Context, string, string) (friends.Status, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls++
	return friends.StatusUnspecified, errors.New("friends service unavailable")
}

func TestInviteRulesPrecedeFriendsLookup(t *testing.T) {
	f := newFixture(t,
		[2]string{"alice", "bob"},
		[2]string{"alice", "carol"},
	)
	dm := f.create(t, "alice", "bob")
	group := f.create(t, "alice", "bob", "carol")

	ids, err := snowflake.NewGenerator(2)
	require.NoError(t, err)
	oracle := &unreachableOracle{}
	svc := NewGroupChatService(f.store, oracle, nil, ids, logger.NewNop())

	assert.ErrorIs(t, svc.InviteToGroupChat(ctx, "dave", group.ID, "erin"), ErrNotFound)
	assert.ErrorIs(t, svc.InviteToGroupChat(ctx, "alice", group.ID+1000, "erin"), ErrNotFound)
	assert.ErrorIs(t, svc.InviteToGroupChat(ctx, "alice", dm.ID, "erin"), ErrCantInviteToDM)
	assert.ErrorIs(t, svc.InviteToGroupChat(ctx, "bob", group.ID, "erin"), ErrPermissionDenied)
	assert.ErrorIs(t, svc.InviteToGroupChat(ctx, "alice", group.ID, "carol"), ErrAlreadyInChat)
	assert.Zero(t, oracle.calls)

	err = svc.InviteToGroupChat(ctx, "alice", group.ID, "erin")
	require.Error(t, err)
	assert.Equal(t, codes.Internal, CodeOf(err))
	assert.Equal(t, 1, oracle.calls)
	assert.Len(t, f.openSubs(t, group.ID), 3)
}

func TestLastAdminCantLeave(t *testing.T) {
	f := newFixture(t,
		[2]string{"alice", "bob"},
		[2]string{"alice", "erin"},
		[2]string{"bob", "dave"},
	)
	chat := f.create(t, "alice", "bob", "erin")

	assert.ErrorIs(t, f.svc.LeaveGroupChat(ctx, "alice", chat.ID), ErrLastAdminCantLeave)

	require.NoError(t, f.svc.MakeGroupChatAdmin(ctx, "alice", chat.ID, "bob"))
	require.NoError(t, f.svc.LeaveGroupChat(ctx, "alice", chat.ID))
	assert.ErrorIs(t, f.svc.LeaveGroupChat(ctx, "alice", chat.ID), ErrNotFound)

	aliceMsgs := f.allMessages(t, "alice", chat.ID, false)
	require.NotEmpty(t, aliceMsgs)
	assert.Equal(t, model.KindLeft, aliceMsgs[0].Kind)
	assert.Equal(t, "alice", aliceMsgs[0].AuthorID)

	require.NoError(t, f.svc.InviteToGroupChat(ctx, "bob", chat.ID, "dave"))
	daveMsgs := f.allMessages(t, "dave", chat.ID, false)
	assert.Equal(t, []model.MessageKind{model.KindInvited}, kinds(daveMsgs))

	// Messages after the departure stay hidden from the leaver.
	f.send(t, "bob", chat.ID, "after")
	aliceAfter := f.allMessages(t, "alice", chat.ID, false)
	assert.Equal(t, kinds(aliceMsgs), kinds(aliceAfter))

	view, err := f.svc.GetGroupChat(ctx, "alice", chat.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob", "erin"}, view.MemberIDs, "members as of the departure")
	assert.Equal(t, model.KindLeft, view.LatestMessage.Kind)
}

func TestLastPersonMayLeave(t *testing.T) {
	f := newFixture(t, [2]string{"alice", "bob"})
	dm := f.create(t, "alice", "bob")

	require.NoError(t, f.svc.LeaveGroupChat(ctx, "bob", dm.ID))
	require.NoError(t, f.svc.LeaveGroupChat(ctx, "alice", dm.ID))
	assert.Empty(t, f.openSubs(t, dm.ID))
}

func TestMarkLastSeen(t *testing.T) {
	f := newFixture(t, [2]string{"alice", "bob"})
	dm := f.create(t, "alice", "bob")
	first := f.send(t, "alice", dm.ID, "one")
	second := f.send(t, "alice", dm.ID, "two")

	assert.ErrorIs(t, f.svc.MarkLastSeenGroupChat(ctx, "carol", dm.ID, first.ID), ErrNotFound)

	require.NoError(t, f.svc.MarkLastSeenGroupChat(ctx, "bob", dm.ID, first.ID))
	view, err := f.svc.GetGroupChat(ctx, "bob", dm.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, view.LastSeenMessageID)
	assert.Equal(t, int64(1), view.UnseenMessageCount)

	unseen := f.allMessages(t, "bob", dm.ID, true)
	assert.Equal(t, []string{"two"}, texts(unseen))

	assert.ErrorIs(t, f.svc.MarkLastSeenGroupChat(ctx, "bob", dm.ID, first.ID-1), ErrCantUnseeMessages)
	require.NoError(t, f.svc.MarkLastSeenGroupChat(ctx, "bob", dm.ID, first.ID), "same value is allowed")

	// Beyond the newest visible message the marker stops at that message.
	require.NoError(t, f.svc.MarkLastSeenGroupChat(ctx, "bob", dm.ID, second.ID+1000))
	view, err = f.svc.GetGroupChat(ctx, "bob", dm.ID)
	require.NoError(t, err)
	assert.Equal(t, second.ID, view.LastSeenMessageID)
	assert.Zero(t, view.UnseenMessageCount)
	assert.ErrorIs(t, f.svc.MarkLastSeenGroupChat(ctx, "bob", dm.ID, first.ID), ErrCantUnseeMessages)
}

func TestRejoinOpensNewEpisode(t *testing.T) {
	f := newFixture(t, [2]string{"xavier", "alice"}, [2]string{"xavier", "bob"}, [2]string{"xavier", "carol"})
	chat := f.create(t, "xavier", "alice", "bob")
	require.False(t, chat.IsDM)

	require.NoError(t, f.svc.InviteToGroupChat(ctx, "xavier", chat.ID, "carol"))
	f.send(t, "xavier", chat.ID, "during first")
	require.NoError(t, f.svc.LeaveGroupChat(ctx, "carol", chat.ID))
	f.send(t, "xavier", chat.ID, "while away")
	require.NoError(t, f.svc.InviteToGroupChat(ctx, "xavier", chat.ID, "carol"))
	f.send(t, "xavier", chat.ID, "during second")

	msgs := f.allMessages(t, "carol", chat.ID, false)
	assert.Equal(t, []string{"during second", "during first"}, texts(msgs))
	assert.Equal(t, []model.MessageKind{
		model.KindNormal,
		model.KindInvited,
		model.KindLeft,
		model.KindNormal,
		model.KindInvited,
	}, kinds(msgs))

	updates, err := f.svc.GetUpdates(ctx, "carol", 0)
	require.NoError(t, err)
	assert.Len(t, updates.Updates, len(msgs))

	view, err := f.svc.GetGroupChat(ctx, "carol", chat.ID)
	require.NoError(t, err)
	assert.Equal(t, "during second", *view.LatestMessage.Text)
}

func TestListGroupChats(t *testing.T) {
	f := newFixture(t, [2]string{"alice", "bob"}, [2]string{"alice", "carol"})
	first := f.create(t, "alice", "bob", "carol")
	second := f.create(t, "alice", "bob")
	third := f.create(t, "alice", "carol")
	f.send(t, "bob", first.ID, "bump")

	page, err := f.svc.ListGroupChats(ctx, "alice", 0)
	require.NoError(t, err)
	assert.True(t, page.NoMore)
	var order []int64
	for _, c := range page.GroupChats {
		order = append(order, c.ID)
	}
	assert.Equal(t, []int64{first.ID, third.ID, second.ID}, order)
	assert.Equal(t, "bump", *page.GroupChats[0].LatestMessage.Text)

	require.NoError(t, f.svc.LeaveGroupChat(ctx, "bob", second.ID))
	page, err = f.svc.ListGroupChats(ctx, "bob", 0)
	require.NoError(t, err)
	require.Len(t, page.GroupChats, 1, "only chats the viewer is still in")
	assert.Equal(t, first.ID, page.GroupChats[0].ID)
}

func TestListGroupChatsPaginates(t *testing.T) {
	f := newFixture(t, [2]string{"alice", "bob"}, [2]string{"alice", "carol"})
	const total = PageSize + 5
	want := make(map[int64]bool, total)
	for range total {
		want[f.create(t, "alice", "bob", "carol").ID] = true
	}

	seen := make(map[int64]bool, total)
	cursor := int64(0)
	for pages := 1; ; pages++ {
		page, err := f.svc.ListGroupChats(ctx, "alice", cursor)
		require.NoError(t, err)
		for _, c := range page.GroupChats {
			assert.False(t, seen[c.ID], "chat %d listed twice", c.ID)
			seen[c.ID] = true
		}
		if page.NoMore {
			assert.Equal(t, 2, pages)
			break
		}
		require.Len(t, page.GroupChats, PageSize)
		cursor = page.NextMessageID
	}
	assert.Equal(t, want, seen)
}

func TestGetUpdates(t *testing.T) {
	f := newFixture(t, [2]string{"alice", "bob"}, [2]string{"alice", "carol"})
	a := f.create(t, "alice", "bob")
	b := f.create(t, "alice", "carol")
	for i := range PageSize {
		chat := a.ID
		if i%2 == 1 {
			chat = b.ID
		}
		f.send(t, "alice", chat, fmt.Sprintf("m%d", i))
	}

	first, err := f.svc.GetUpdates(ctx, "alice", 0)
	require.NoError(t, err)
	assert.False(t, first.NoMore)
	require.Len(t, first.Updates, PageSize)
	for i := 1; i < len(first.Updates); i++ {
		assert.Less(t, first.Updates[i-1].ID, first.Updates[i].ID)
	}
	assert.Equal(t, first.Updates[PageSize-1].ID, first.NewestMessageID)

	rest, err := f.svc.GetUpdates(ctx, "alice", first.NewestMessageID)
	require.NoError(t, err)
	assert.True(t, rest.NoMore)
	assert.Len(t, rest.Updates, 2)

	empty, err := f.svc.GetUpdates(ctx, "alice", rest.NewestMessageID)
	require.NoError(t, err)
	assert.True(t, empty.NoMore)
	assert.Empty(t, empty.Updates)
	assert.Equal(t, rest.NewestMessageID, empty.NewestMessageID)

	bobs, err := f.svc.GetUpdates(ctx, "bob", 0)
	require.NoError(t, err)
	for _, u := range bobs.Updates {
		assert.Equal(t, a.ID, u.GroupChatID)
	}
}

func TestSearchMessages(t *testing.T) {
	f := newFixture(t, [2]string{"alice", "bob"}, [2]string{"alice", "carol"})
	dm := f.create(t, "alice", "bob")
	other := f.create(t, "alice", "carol")
	f.send(t, "alice", dm.ID, "Lunch at noon?")
	f.send(t, "bob", dm.ID, "sure, LUNCH works")
	f.send(t, "carol", other.ID, "lunch is private")
	f.send(t, "bob", dm.ID, "100% sure")

	page, err := f.svc.SearchMessages(ctx, "bob", "lunch", 0)
	require.NoError(t, err)
	assert.True(t, page.NoMore)
	assert.Equal(t, []string{"sure, LUNCH works", "Lunch at noon?"}, texts(page.Messages))

	page, err = f.svc.SearchMessages(ctx, "bob", "0%", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"100% sure"}, texts(page.Messages))

	page, err = f.svc.SearchMessages(ctx, "bob", "created", 0)
	require.NoError(t, err)
	assert.Empty(t, page.Messages, "control messages are not searchable")
}

func TestPublishFailureDoesNotFailOperation(t *testing.T) {
	f := newFixture(t, [2]string{"alice", "bob"})
	f.publisher.err = errors.New("broker down")

	dm := f.create(t, "alice", "bob")
	f.send(t, "alice", dm.ID, "still delivered")
	assert.Len(t, f.publisher.kinds(), 2)
}

func TestFailedOperationPublishesNothing(t *testing.T) {
	f := newFixture(t, [2]string{"alice", "bob"}, [2]string{"alice", "carol"})
	chat := f.create(t, "alice", "bob", "carol")
	before := len(f.publisher.kinds())

	assert.Error(t, f.svc.LeaveGroupChat(ctx, "alice", chat.ID))
	assert.Error(t, f.svc.MakeGroupChatAdmin(ctx, "bob", chat.ID, "carol"))
	assert.Len(t, f.publisher.kinds(), before)
}

func TestErrorStatus(t *testing.T) {
	st, ok := status.FromError(ErrLastAdminCantLeave)
	require.True(t, ok)
	assert.Equal(t, codes.FailedPrecondition, st.Code())
	assert.Equal(t, "last admin cant leave", st.Message())

	assert.Equal(t, codes.NotFound, CodeOf(fmt.Errorf("wrapped: %w", ErrNotFound)))
	assert.Equal(t, codes.Internal, CodeOf(errors.New("disk on fire")))
	assert.Equal(t, codes.OK, CodeOf(nil))
}

func TestConcurrentDirectMessageCreation(t *testing.T) {
	f := newFixture(t, [2]string{"alice", "bob"})

	const workers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		dupes     int
	)
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			creator, recipient := "alice", "bob"
			if i%2 == 1 {
				creator, recipient = recipient, creator
			}
			_, err := f.svc.CreateGroupChat(ctx, creator, []string{recipient}, nil)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrDuplicateDM):
				dupes++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, workers-1, dupes)
}

func TestConcurrentAdminsLeaving(t *testing.T) {
	f := newFixture(t, [2]string{"alice", "bob"}, [2]string{"alice", "carol"})
	chat := f.create(t, "alice", "bob", "carol")
	require.NoError(t, f.svc.MakeGroupChatAdmin(ctx, "alice", chat.ID, "bob"))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, user := range []string{"alice", "bob"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if i == 0 {
				errs[i] = f.svc.LeaveGroupChat(ctx, user, chat.ID)
			} else {
				errs[i] = f.svc.RemoveGroupChatAdmin(ctx, user, chat.ID, user)
			}
		}()
	}
	wg.Wait()

	failures := 0
	for _, err := range errs {
		if err != nil {
			failures++
		}
	}
	assert.Equal(t, 1, failures, "exactly one of the two last admins may step down")

	var admins int
	for _, sub := range f.openSubs(t, chat.ID) {
		if sub.IsAdmin() {
			admins++
		}
	}
	assert.Equal(t, 1, admins)
}
