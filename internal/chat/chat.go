// Package chat keeps the state of sidebar conversations about a topic and
// relays messages to the study API.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tosinamuda/graspy-natlas/internal/study"
)

var (
	ErrNoSession = errors.New("chat: no session and no topic to start one")
	ErrNotFound  = errors.New("chat: conversation not found")
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Backend is the part of the study API a conversation needs.
type Backend interface {
	StartChat(ctx context.Context, req study.StartChatRequest) (*study.ChatSession, error)
	SendChat(ctx context.Context, req study.ChatRequest) (*study.ChatReply, error)
}

// Seed describes the topic a conversation is about.
type Seed struct {
	TopicID            string `json:"topic_id"`
	TopicName          string `json:"topic_name"`
	InitialContext     string `json:"initial_context"`
	InitialUserMessage string `json:"initial_user_message"`
}

// Conversation is one sidebar chat. Sends are serialised; reads may happen
// concurrently with a send in flight.
type Conversation struct {
	ID      uuid.UUID
	backend Backend
	seed    Seed
	now     func() time.Time

	send sync.Mutex // held for the whole of Send

	mu         sync.RWMutex
	sessionID  string
	messages   []Message
	generating bool
	updated    time.Time
}

// NewConversation returns a conversation about seed. When the seed carries
// both an initial context and a topic name, the history starts with the
// question that produced the context and the context as the answer.
func NewConversation(backend Backend, seed Seed) *Conversation {
	c := &Conversation{
		ID:      uuid.New(),
		backend: backend,
		seed:    seed,
		now:     time.Now,
	}
	c.updated = c.now()
	c.messages = seedMessages(seed, c.updated)
	return c
}

func seedMessages(seed Seed, ts time.Time) []Message {
	if seed.InitialContext == "" || seed.TopicName == "" {
		return nil
	}
	question := seed.InitialUserMessage
	if question == "" {
		question = "Explain " + seed.TopicName
	}
	return []Message{
		{Role: RoleUser, Content: question, Timestamp: ts},
		{Role: RoleAssistant, Content: seed.InitialContext, Timestamp: ts},
	}
}

// Send posts content to the chat session, starting one for the seed topic if
// needed, and returns the assistant's reply. The user message is recorded
// before the call and kept when it fails. Blank content is ignored.
func (c *Conversation) Send(ctx context.Context, content, language string) (*Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, nil
	}

	c.send.Lock()
	defer c.send.Unlock()

	c.mu.Lock()
	c.messages = append(c.messages, Message{Role: RoleUser, Content: content, Timestamp: c.now()})
	c.generating = true
	sessionID := c.sessionID
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.generating = false
		c.updated = c.now()
		c.mu.Unlock()
	}()

	if sessionID == "" {
		if c.seed.TopicID == "" {
			return nil, ErrNoSession
		}
		session, err := c.backend.StartChat(ctx, study.StartChatRequest{
			TopicID:        c.seed.TopicID,
			TopicName:      c.seed.TopicName,
			InitialContext: c.seed.InitialContext,
			Language:       language,
		})
		if err != nil {
			return nil, fmt.Errorf("start session: %w", err)
		}
		sessionID = session.SessionID
		c.mu.Lock()
		c.sessionID = sessionID
		c.mu.Unlock()
	}

	reply, err := c.backend.SendChat(ctx, study.ChatRequest{
		SessionID: sessionID,
		Message:   content,
		Language:  language,
	})
	if err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}

	msg := Message{Role: RoleAssistant, Content: reply.Answer, Timestamp: c.now()}
	c.mu.Lock()
	c.messages = append(c.messages, msg)
	c.mu.Unlock()
	return &msg, nil
}

// Messages returns a copy of the history.
func (c *Conversation) Messages() []Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Message(nil), c.messages...)
}

// Clear resets the history to the seeded opening exchange, or to nothing for
// an unseeded conversation. The session is kept.
func (c *Conversation) Clear() {
	c.mu.Lock()
	c.updated = c.now()
	c.messages = seedMessages(c.seed, c.updated)
	c.mu.Unlock()
}

func (c *Conversation) Generating() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.generating
}

func (c *Conversation) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

func (c *Conversation) Seed() Seed { return c.seed }

func (c *Conversation) lastUpdated() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.updated
}
