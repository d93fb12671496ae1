package httpapi

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxrelay/orchestrator/pkg/pipeline"
)

// ChatMessage is one turn of the thin HTTP chat history, distinct from
// the live voice session's LLMDriver history (§6's HTTP surface is
// explicitly separate from the per-connection voice pipeline).
type ChatMessage struct {
	ID        string
	Role      pipeline.MessageRole
	Content   string
	CreatedAt time.Time
}

type chatSession struct {
	SessionID string
	UserID    string
	Messages  []ChatMessage
}

// ChatService backs the /api/v1/chat* HTTP surface with an in-memory,
// per-session append-only history and a single LLMProvider, kept
// deliberately separate from SessionSupervisor's live voice pipeline.
type ChatService struct {
	provider pipeline.LLMProvider

	mu       sync.Mutex
	sessions map[string]*chatSession // by session_id
	byUser   map[string][]string     // user_id -> session_ids, most recent last
}

// NewChatService wraps a single LLMProvider for the thin text-chat
// surface.
func NewChatService(provider pipeline.LLMProvider) *ChatService {
	return &ChatService{
		provider: provider,
		sessions: make(map[string]*chatSession),
		byUser:   make(map[string][]string),
	}
}

func (c *ChatService) getOrCreate(sessionID, userID string) *chatSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	sess, ok := c.sessions[sessionID]
	if !ok {
		sess = &chatSession{SessionID: sessionID, UserID: userID}
		sess.Messages = append(sess.Messages, ChatMessage{
			ID:        uuid.NewString(),
			Role:      pipeline.RoleSystem,
			Content:   pipeline.ComposeSystemPrompt("", pipeline.LanguageEn),
			CreatedAt: time.Now(),
		})
		c.sessions[sessionID] = sess
		c.byUser[userID] = append(c.byUser[userID], sessionID)
	}
	return sess
}

// Complete runs one non-streaming turn: appends the user message, drains
// the provider's stream into a single reply, appends the assistant
// message, and returns it.
func (c *ChatService) Complete(ctx context.Context, sessionID, userID, role, language, inputText string) (reply, resolvedSessionID, messageID string, err error) {
	sess := c.getOrCreate(sessionID, userID)

	c.mu.Lock()
	sess.Messages = append(sess.Messages, ChatMessage{ID: uuid.NewString(), Role: pipeline.RoleUser, Content: inputText, CreatedAt: time.Now()})
	history := toPipelineMessages(sess.Messages)
	c.mu.Unlock()

	events, err := c.provider.StreamComplete(ctx, history, nil)
	if err != nil {
		return "", "", "", fmt.Errorf("chat completion: %w", err)
	}

	var buf []byte
	for evt := range events {
		if evt.Err != nil {
			return "", "", "", fmt.Errorf("chat completion: %w", evt.Err)
		}
		if evt.Variant == pipeline.VariantFinal && evt.TextDelta != "" {
			buf = append(buf, evt.TextDelta...)
		}
	}

	msgID := uuid.NewString()
	c.mu.Lock()
	sess.Messages = append(sess.Messages, ChatMessage{ID: msgID, Role: pipeline.RoleAssistant, Content: string(buf), CreatedAt: time.Now()})
	c.mu.Unlock()

	return string(buf), sess.SessionID, msgID, nil
}

// Stream runs one turn and delivers each text delta to onDelta as it
// arrives, finishing with the completed message id.
func (c *ChatService) Stream(ctx context.Context, sessionID, userID, role, language, inputText string, onDelta func(delta string, isEnd bool, messageID string)) (resolvedSessionID string, err error) {
	sess := c.getOrCreate(sessionID, userID)

	c.mu.Lock()
	sess.Messages = append(sess.Messages, ChatMessage{ID: uuid.NewString(), Role: pipeline.RoleUser, Content: inputText, CreatedAt: time.Now()})
	history := toPipelineMessages(sess.Messages)
	c.mu.Unlock()

	events, err := c.provider.StreamComplete(ctx, history, nil)
	if err != nil {
		return sess.SessionID, fmt.Errorf("chat stream: %w", err)
	}

	var buf []byte
	for evt := range events {
		if evt.Err != nil {
			return sess.SessionID, fmt.Errorf("chat stream: %w", evt.Err)
		}
		if evt.Variant == pipeline.VariantFinal && evt.TextDelta != "" {
			buf = append(buf, evt.TextDelta...)
			onDelta(evt.TextDelta, false, "")
		}
	}

	msgID := uuid.NewString()
	c.mu.Lock()
	sess.Messages = append(sess.Messages, ChatMessage{ID: msgID, Role: pipeline.RoleAssistant, Content: string(buf), CreatedAt: time.Now()})
	c.mu.Unlock()

	onDelta("", true, msgID)
	return sess.SessionID, nil
}

// History returns one session's full message list in order.
func (c *ChatService) History(sessionID string) ([]ChatMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess, ok := c.sessions[sessionID]
	if !ok {
		return nil, false
	}
	return append([]ChatMessage(nil), sess.Messages...), true
}

// ListSessions returns the session ids belonging to a user, most recent
// last.
func (c *ChatService) ListSessions(userID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.byUser[userID]...)
}

// DeleteSession removes a session's history. Returns false if unknown.
func (c *ChatService) DeleteSession(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess, ok := c.sessions[sessionID]
	if !ok {
		return false
	}
	delete(c.sessions, sessionID)
	ids := c.byUser[sess.UserID]
	for i, id := range ids {
		if id == sessionID {
			c.byUser[sess.UserID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	return true
}

func toPipelineMessages(msgs []ChatMessage) []pipeline.Message {
	out := make([]pipeline.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, pipeline.Message{Role: m.Role, Content: m.Content})
	}
	return out
}
