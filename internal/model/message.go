package model

import (
	"fmt"
	"time"
)

type MessageKind string

const (
	KindNormal       MessageKind = "normal"
	KindChatCreated  MessageKind = "chat_created"
	KindChatEdited   MessageKind = "chat_edited"
	KindInvited      MessageKind = "invited"
	KindLeft         MessageKind = "left"
	KindMadeAdmin    MessageKind = "made_admin"
	KindRemovedAdmin MessageKind = "removed_admin"
)

// IsControl reports whether k marks a membership, role or edit event rather
// than user-authored text.
func (k MessageKind) IsControl() bool {
	switch k {
	case KindChatCreated, KindChatEdited, KindInvited, KindLeft, KindMadeAdmin, KindRemovedAdmin:
		return true
	}
	return false
}

// Message is one immutable entry of a conversation's log. Build it with
// NewNormalMessage or NewControlMessage; ID and SentAt are assigned on append.
type Message struct {
	ID             int64       `gorm:"primaryKey;autoIncrement;index:idx_messages_conversation_id_id,priority:2" json:"id"`
	ConversationID int64       `gorm:"index:idx_messages_conversation_id_id,priority:1;not null" json:"conversation_id"`
	AuthorID       string      `gorm:"not null;type:varchar(64)" json:"author_id"`
	SentAt         time.Time   `gorm:"index;not null" json:"sent_at"`
	Kind           MessageKind `gorm:"not null;type:varchar(32)" json:"kind"`
	Text           *string     `gorm:"type:text" json:"text,omitempty"`
	TargetID       *string     `gorm:"type:varchar(64)" json:"target_id,omitempty"`
}

func (Message) TableName() string {
	return "messages"
}

func NewNormalMessage(conversationID int64, authorID, text string) *Message {
	return &Message{
		ConversationID: conversationID,
		AuthorID:       authorID,
		Kind:           KindNormal,
		Text:           &text,
	}
}

// NewControlMessage panics on KindNormal: a control message never carries text.
func NewControlMessage(conversationID int64, authorID string, kind MessageKind, targetID *string) *Message {
	if !kind.IsControl() {
		panic(fmt.Sprintf("model: %q is not a control message kind", kind))
	}
	return &Message{
		ConversationID: conversationID,
		AuthorID:       authorID,
		Kind:           kind,
		TargetID:       targetID,
	}
}

// Body is the closed set of message payloads: NormalBody or ControlBody.
type Body interface {
	isBody()
}

type NormalBody struct {
	Text string
}

type ControlBody struct {
	Kind     MessageKind
	TargetID *string
}

func (NormalBody) isBody()  {}
func (ControlBody) isBody() {}

func (m *Message) Body() Body {
	if m.Kind == KindNormal {
		var text string
		if m.Text != nil {
			text = *m.Text
		}
		return NormalBody{Text: text}
	}
	return ControlBody{Kind: m.Kind, TargetID: m.TargetID}
}
