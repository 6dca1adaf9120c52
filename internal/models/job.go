package models

import (
	"time"
)

// BotReplyJob asks a bot participant to answer the message identified by
// TriggerMessageID.
type BotReplyJob struct {
	ID               string    `json:"id"`
	SessionID        string    `json:"session_id"`
	BotID            string    `json:"bot_id"`
	TriggerMessageID string    `json:"trigger_message_id"`
	RetryCount       int       `json:"retry_count"`
	CreatedAt        time.Time `json:"created_at"`
}

// WebSocket event types
const (
	EventMessagePosted = "message_posted"
	EventStatusChanged = "status_changed"
	EventTyping        = "typing"
	EventTimerExtended = "timer_extended"
	EventSessionEnded  = "session_ended"
)

type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

type TypingEvent struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
	IsTyping  bool   `json:"isTyping"`
}

type SessionEndedEvent struct {
	SessionID string        `json:"sessionId"`
	Status    SessionStatus `json:"status"`
	Reason    string        `json:"reason"`
}

// API Error response
type APIError struct {
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Fields    map[string]string `json:"fields,omitempty"`
	RequestID string            `json:"request_id"`
}

type ErrorResponse struct {
	Error APIError `json:"error"`
}
