package model

import "time"

type Role string

const (
	RoleParticipant Role = "participant"
	RoleAdmin       Role = "admin"
)

// GroupChatSubscription is one membership episode of a user in a group chat.
// LeftAt is nil while the episode is open; a closed episode never reopens.
type GroupChatSubscription struct {
	ID                int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	GroupChatID       int64      `gorm:"not null;index;uniqueIndex:idx_open_subscription,where:left_at IS NULL" json:"group_chat_id"`
	UserID            string     `gorm:"not null;type:varchar(64);index;uniqueIndex:idx_open_subscription,where:left_at IS NULL" json:"user_id"`
	Role              Role       `gorm:"not null;type:varchar(16)" json:"role"`
	JoinedAt          time.Time  `gorm:"not null" json:"joined_at"`
	LeftAt            *time.Time `json:"left_at,omitempty"`
	LastSeenMessageID int64      `gorm:"not null;default:0" json:"last_seen_message_id"`
}

func (GroupChatSubscription) TableName() string {
	return "group_chat_subscriptions"
}

func (s *GroupChatSubscription) IsOpen() bool {
	return s.LeftAt == nil
}

func (s *GroupChatSubscription) IsAdmin() bool {
	return s.Role == RoleAdmin
}

// Window is the span of messages this episode may see.
func (s *GroupChatSubscription) Window() Window {
	return Window{ChatID: s.GroupChatID, From: s.JoinedAt, To: s.LeftAt}
}

// UnseenWindow narrows Window to messages after the last one marked seen.
func (s *GroupChatSubscription) UnseenWindow() Window {
	w := s.Window()
	w.AfterID = s.LastSeenMessageID
	return w
}

// CanSee reports whether the owner of s sees other as a fellow member. An open
// episode sees every open episode. A closed one sees the episodes that were
// present when it closed: joined at or before the departure and still open
// then.
func (s *GroupChatSubscription) CanSee(other *GroupChatSubscription) bool {
	if other.GroupChatID != s.GroupChatID {
		return false
	}
	if s.LeftAt == nil {
		return other.LeftAt == nil
	}
	if other.JoinedAt.After(*s.LeftAt) {
		return false
	}
	return other.LeftAt == nil || !other.LeftAt.Before(*s.LeftAt)
}

// VisibleMembers returns the user ids among subs that viewer sees, and the
// subset of those holding the admin role, in the order of subs.
func VisibleMembers(viewer *GroupChatSubscription, subs []*GroupChatSubscription) (members, admins []string) {
	seen := make(map[string]bool, len(subs))
	for _, sub := range subs {
		if !viewer.CanSee(sub) || seen[sub.UserID] {
			continue
		}
		seen[sub.UserID] = true
		members = append(members, sub.UserID)
		if sub.IsAdmin() {
			admins = append(admins, sub.UserID)
		}
	}
	return members, admins
}
