package models

import "time"

type UpdateSessionRequest struct {
	Action string `json:"action" validate:"required,oneof=start complete timeout"`
}

type ExtendTimerRequest struct {
	AdditionalSeconds int `json:"additionalSeconds" validate:"required,gt=0,max=86400"`
}

type PostMessageRequest struct {
	SessionID     string  `json:"sessionId" validate:"required"`
	ID            string  `json:"id" validate:"omitempty,max=64"`
	Content       string  `json:"content" validate:"max=4000"`
	AttachmentURL *string `json:"attachmentUrl" validate:"omitempty,url"`
}

type UpdateStatusRequest struct {
	SessionID string     `json:"sessionId" validate:"required"`
	IsTyping  *bool      `json:"isTyping"`
	ReadUpTo  *time.Time `json:"readUpTo"`
}
