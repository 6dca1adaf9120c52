package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"chattest-backend/internal/models"
)

func TestTelegramClient_SendMessage(t *testing.T) {
	var gotPath string
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(`{"ok":true,"result":{}}`))
	}))
	defer srv.Close()

	client := NewTelegramClient("123:abc").WithBaseURL(srv.URL)
	defer client.Close()

	if err := client.SendMessage(context.Background(), "-100", "hello"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotPath != "/bot123:abc/sendMessage" {
		t.Fatalf("unexpected path %s", gotPath)
	}
	if gotBody["chat_id"] != "-100" || gotBody["text"] != "hello" {
		t.Fatalf("unexpected body %v", gotBody)
	}
}

func TestTelegramClient_ReportsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"ok":false,"description":"Bad Request: chat not found"}`))
	}))
	defer srv.Close()

	err := NewTelegramClient("t").WithBaseURL(srv.URL).SendMessage(context.Background(), "1", "x")
	if err == nil || !strings.Contains(err.Error(), "chat not found") {
		t.Fatalf("expected API description in error, got %v", err)
	}
}

type captureSender struct {
	mu     sync.Mutex
	chatID string
	texts  []string
}

func (c *captureSender) SendMessage(ctx context.Context, chatID, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chatID = chatID
	c.texts = append(c.texts, text)
	return nil
}

func TestSupportNotifier_SessionEnded(t *testing.T) {
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	ended := started.Add(90 * time.Second)
	s := &models.Session{
		ID:               "s<1>",
		Status:           models.StatusExpired,
		TimeLimitSeconds: 90,
		StartedAt:        &started,
		EndedAt:          &ended,
		Participants: []models.Participant{
			{ID: "u", DisplayName: "Alex"},
			{ID: "b", DisplayName: "Morgan", IsBot: true},
		},
	}

	sender := &captureSender{}
	NewSupportNotifier(sender, "-100").SessionEnded(context.Background(), s, ReasonTimeout)

	if sender.chatID != "-100" || len(sender.texts) != 1 {
		t.Fatalf("expected one message to the support chat, got %+v", sender)
	}
	text := sender.texts[0]
	for _, want := range []string{"s&lt;1&gt;", "expired", "time limit reached", "Alex, Morgan (bot)", "Duration: 1m30s of 1m30s"} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected %q in %q", want, text)
		}
	}
}

func TestSupportNotifier_DevModeDoesNotSend(t *testing.T) {
	sender := &captureSender{}
	NewSupportNotifier(sender, "").SessionEnded(context.Background(), &models.Session{ID: "s"}, ReasonCompleted)
	if len(sender.texts) != 0 {
		t.Fatalf("expected nothing sent without a chat id")
	}
}
