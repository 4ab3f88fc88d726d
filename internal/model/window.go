package model

import "time"

// Window bounds the messages of one chat a subscription episode may see:
// From <= SentAt, SentAt <= To when To is set, and ID > AfterID.
type Window struct {
	ChatID  int64
	From    time.Time
	To      *time.Time
	AfterID int64
}

func (w Window) Contains(m *Message) bool {
	if m.ConversationID != w.ChatID || m.ID <= w.AfterID {
		return false
	}
	if m.SentAt.Before(w.From) {
		return false
	}
	return w.To == nil || !m.SentAt.After(*w.To)
}

// AnyContains reports whether at least one of ws contains m.
func AnyContains(ws []Window, m *Message) bool {
	for _, w := range ws {
		if w.Contains(m) {
			return true
		}
	}
	return false
}
