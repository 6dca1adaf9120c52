package models

import "time"

// Message is immutable once appended. Seq breaks ties between equal
// timestamps and is assigned by the log in insertion order.
type Message struct {
	ID            string    `json:"id"`
	SessionID     string    `json:"sessionId"`
	SenderID      string    `json:"senderId"`
	Content       string    `json:"content"`
	AttachmentURL *string   `json:"attachmentUrl,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	Seq           int64     `json:"seq"`
	IsOwn         bool      `json:"isOwn"`
}

// MessageDraft is the input to an append. ID is optional; a repeated ID
// from the same sender returns the stored message, and an ID held by
// another sender is a conflict.
type MessageDraft struct {
	ID            string
	SenderID      string
	Content       string
	AttachmentURL *string
}

// Before reports whether m sorts before o in log order.
func (m Message) Before(o Message) bool {
	if m.Timestamp.Equal(o.Timestamp) {
		return m.Seq < o.Seq
	}
	return m.Timestamp.Before(o.Timestamp)
}

type UserStatus struct {
	UserID      string     `json:"userId"`
	IsTyping    bool       `json:"isTyping"`
	UnreadCount int        `json:"unreadCount"`
	LastReadAt  *time.Time `json:"lastReadAt,omitempty"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}
