package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Memory is a process-local Store.
type Memory struct {
	mu            sync.RWMutex
	messages      map[string]Message
	order         map[string][]string
	conversations map[string]Conversation
	summaries     map[string]Summary
	aborts        map[string]time.Time
	now           func() time.Time
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		messages:      make(map[string]Message),
		order:         make(map[string][]string),
		conversations: make(map[string]Conversation),
		summaries:     make(map[string]Summary),
		aborts:        make(map[string]time.Time),
		now:           time.Now,
	}
}

func (m *Memory) CreateMessage(ctx context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.messages[msg.ID]; exists {
		return fmt.Errorf("message %s already exists", msg.ID)
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = m.now()
	}
	m.messages[msg.ID] = msg
	m.order[msg.ConversationID] = append(m.order[msg.ConversationID], msg.ID)
	return nil
}

func (m *Memory) FindByConversation(ctx context.Context, conversationID string) ([]Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.order[conversationID]
	out := make([]Message, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.messages[id])
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) UpdateMessage(ctx context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.messages[msg.ID]
	if !ok {
		return fmt.Errorf("message %s: %w", msg.ID, ErrNotFound)
	}
	msg.ConversationID = existing.ConversationID
	msg.CreatedAt = existing.CreatedAt
	m.messages[msg.ID] = msg
	return nil
}

func (m *Memory) CreateConversation(ctx context.Context, conv Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.conversations[conv.ID]; exists {
		return fmt.Errorf("conversation %s already exists", conv.ID)
	}
	now := m.now()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	conv.UpdatedAt = now
	m.conversations[conv.ID] = conv
	return nil
}

func (m *Memory) GetConversation(ctx context.Context, id string) (Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conv, ok := m.conversations[id]
	if !ok {
		return Conversation{}, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	return conv, nil
}

func (m *Memory) UpdateConversation(ctx context.Context, conv Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.conversations[conv.ID]
	if !ok {
		return fmt.Errorf("conversation %s: %w", conv.ID, ErrNotFound)
	}
	conv.CreatedAt = existing.CreatedAt
	conv.UpdatedAt = m.now()
	m.conversations[conv.ID] = conv
	return nil
}

func (m *Memory) GetSummary(ctx context.Context, conversationID string) (Summary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.summaries[conversationID]
	if !ok {
		return Summary{}, fmt.Errorf("summary for %s: %w", conversationID, ErrNotFound)
	}
	return s, nil
}

func (m *Memory) SaveSummary(ctx context.Context, summary Summary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if summary.CreatedAt.IsZero() {
		summary.CreatedAt = m.now()
	}
	m.summaries[summary.ConversationID] = summary
	return nil
}

func (m *Memory) Put(ctx context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.aborts[key] = m.now().Add(ttl)
	return nil
}

func (m *Memory) Get(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	expires, ok := m.aborts[key]
	if !ok {
		return false, nil
	}
	if !m.now().Before(expires) {
		delete(m.aborts, key)
		return false, nil
	}
	return true, nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.aborts, key)
	return nil
}

func (m *Memory) Close() error {
	return nil
}
