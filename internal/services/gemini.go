package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"chattest-backend/internal/models"
)

// GeminiService writes the replies of bot participants.
type GeminiService struct {
	client    *genai.Client
	modelName string
	rateChan  chan struct{} // Token bucket
}

func NewGeminiService(apiKey, modelName string, concurrentReqs int) (*GeminiService, error) {
	ctx := context.Background()
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	if concurrentReqs <= 0 {
		concurrentReqs = 1
	}
	rateChan := make(chan struct{}, concurrentReqs)
	for i := 0; i < concurrentReqs; i++ {
		rateChan <- struct{}{}
	}

	return &GeminiService{
		client:    client,
		modelName: modelName,
		rateChan:  rateChan,
	}, nil
}

func (s *GeminiService) Close() {
	s.client.Close()
}

// acquireRate blocks until a rate slot is available
func (s *GeminiService) acquireRate(ctx context.Context) error {
	select {
	case <-s.rateChan:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(2 * time.Minute):
		return fmt.Errorf("timeout waiting for Gemini rate slot")
	}
}

func (s *GeminiService) releaseRate() {
	s.rateChan <- struct{}{}
}

// Reply generates the next message of bot in session given the recent
// history. An empty reply means the bot has nothing to answer.
func (s *GeminiService) Reply(ctx context.Context, session *models.Session, bot models.Participant, history []models.Message) (string, error) {
	past, last, ok := buildChatHistory(session, bot.ID, history)
	if !ok {
		return "", nil
	}

	if err := s.acquireRate(ctx); err != nil {
		return "", err
	}
	defer s.releaseRate()

	model := s.client.GenerativeModel(s.modelName)
	model.SetTemperature(0.7)
	model.SetTopP(0.95)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(buildPersonaPrompt(session, bot))},
	}

	cs := model.StartChat()
	cs.History = past

	resp, err := cs.SendMessage(ctx, genai.Text(last))
	if err != nil {
		return "", fmt.Errorf("Gemini chat failed: %w", err)
	}

	return strings.TrimSpace(extractText(resp)), nil
}

// buildChatHistory turns the session log into alternating chat turns seen
// from bot's side. Messages of everyone else are user turns prefixed with the
// author's name. The final user turn is returned separately; ok is false when
// the log does not end with someone else speaking.
func buildChatHistory(session *models.Session, botID string, history []models.Message) (past []*genai.Content, last string, ok bool) {
	if len(history) == 0 || history[len(history)-1].SenderID == botID {
		return nil, "", false
	}

	type turn struct {
		role  string
		lines []string
	}
	var turns []turn
	for _, m := range history {
		role, text := "user", m.Content
		if m.SenderID == botID {
			role = "model"
		} else {
			name := m.SenderID
			if p, found := session.Participant(m.SenderID); found {
				name = p.DisplayName
			}
			text = name + ": " + m.Content
		}
		if m.AttachmentURL != nil {
			text += "\n[attachment: " + *m.AttachmentURL + "]"
		}

		if n := len(turns); n > 0 && turns[n-1].role == role {
			turns[n-1].lines = append(turns[n-1].lines, text)
			continue
		}
		turns = append(turns, turn{role: role, lines: []string{text}})
	}

	final := turns[len(turns)-1]
	for _, t := range turns[:len(turns)-1] {
		past = append(past, &genai.Content{
			Role:  t.role,
			Parts: []genai.Part{genai.Text(strings.Join(t.lines, "\n"))},
		})
	}
	return past, strings.Join(final.lines, "\n"), true
}

func buildPersonaPrompt(session *models.Session, bot models.Participant) string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("You are %s, a participant in a time-limited chat session.\n", bot.DisplayName))
	b.WriteString("Answer as a person would in a chat: short messages, no markdown headings, no lists unless asked.\n")

	var others []string
	for _, p := range session.Participants {
		if p.ID != bot.ID {
			others = append(others, p.DisplayName)
		}
	}
	if len(others) > 0 {
		b.WriteString(fmt.Sprintf("The other participants are: %s.\n", strings.Join(others, ", ")))
	}
	b.WriteString("Never reveal that you are an automated participant unless asked directly.\n")

	return b.String()
}

func extractText(resp *genai.GenerateContentResponse) string {
	var text strings.Builder
	for _, cand := range resp.Candidates {
		if cand.Content != nil {
			for _, part := range cand.Content.Parts {
				if t, ok := part.(genai.Text); ok {
					text.WriteString(string(t))
				}
			}
		}
	}
	return text.String()
}
