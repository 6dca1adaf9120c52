package services

import (
	"context"
	"fmt"
	"html"
	"log"
	"strings"
	"time"

	"chattest-backend/internal/models"
)

type MessageSender interface {
	SendMessage(ctx context.Context, chatID, text string) error
}

// SupportNotifier tells the support chat when a session ends. Without a
// chat configured it logs to the console instead.
type SupportNotifier struct {
	sender  MessageSender
	chatID  string
	devMode bool
}

func NewSupportNotifier(sender MessageSender, chatID string) *SupportNotifier {
	devMode := sender == nil || chatID == ""
	if devMode {
		log.Println("⚠ Support notifier running in DEV MODE (logging to console)")
	}
	return &SupportNotifier{
		sender:  sender,
		chatID:  chatID,
		devMode: devMode,
	}
}

func (n *SupportNotifier) SessionEnded(ctx context.Context, s *models.Session, reason string) {
	text := formatSessionEnded(s, reason)

	if n.devMode {
		log.Printf("[support] %s", strings.ReplaceAll(text, "\n", " | "))
		return
	}

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := n.sender.SendMessage(sendCtx, n.chatID, text); err != nil {
		log.Printf("support notification for session %s failed: %v", s.ID, err)
	}
}

func formatSessionEnded(s *models.Session, reason string) string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("<b>Session %s</b> %s", html.EscapeString(s.ID), s.Status))
	if reason == ReasonTimeout {
		b.WriteString(" (time limit reached)")
	}
	b.WriteString("\n")

	names := make([]string, 0, len(s.Participants))
	for _, p := range s.Participants {
		name := html.EscapeString(p.DisplayName)
		if p.IsBot {
			name += " (bot)"
		}
		names = append(names, name)
	}
	b.WriteString("Participants: " + strings.Join(names, ", ") + "\n")

	if s.StartedAt != nil && s.EndedAt != nil {
		b.WriteString(fmt.Sprintf("Duration: %s of %s",
			s.EndedAt.Sub(*s.StartedAt).Round(time.Second),
			(time.Duration(s.TimeLimitSeconds) * time.Second)))
	}

	return strings.TrimRight(b.String(), "\n")
}
