package model

import "time"

// Conversation is the root of an ordered message stream.
type Conversation struct {
	ID        int64     `gorm:"primaryKey;autoIncrement:false" json:"id"`
	CreatedAt time.Time `gorm:"not null" json:"created_at"`
}

func (Conversation) TableName() string {
	return "conversations"
}

// GroupChat is the 1:1 facet of a Conversation, sharing its id.
type GroupChat struct {
	ConversationID   int64  `gorm:"primaryKey;autoIncrement:false" json:"conversation_id"`
	Title            string `gorm:"type:varchar(255)" json:"title"`
	CreatorID        string `gorm:"not null;type:varchar(64)" json:"creator_id"`
	IsDM             bool   `gorm:"not null" json:"is_dm"`
	OnlyAdminsInvite bool   `gorm:"not null" json:"only_admins_invite"`
}

func (GroupChat) TableName() string {
	return "group_chats"
}
