package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/forge/internal/agent"
	"github.com/haasonsaas/forge/pkg/models"
)

// MemoryStore is an in-process Store. Nothing survives the process.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*memoryConversation
}

type memoryConversation struct {
	summary  Conversation
	messages []models.Message
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{conversations: make(map[string]*memoryConversation)}
}

func (s *MemoryStore) StartConversation(ctx context.Context, id, model string) error {
	if id == "" {
		return fmt.Errorf("conversation id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.conversations[id]; exists {
		return ErrAlreadyExists
	}
	now := time.Now()
	s.conversations[id] = &memoryConversation{summary: Conversation{
		ID:        id,
		Model:     model,
		StartedAt: now,
		UpdatedAt: now,
	}}
	return nil
}

func (s *MemoryStore) SaveMessage(ctx context.Context, conversationID string, msg models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return ErrNotFound
	}
	conv.messages = append(conv.messages, msg)
	conv.summary.Messages++
	conv.summary.UpdatedAt = time.Now()
	if conv.summary.Title == "" {
		conv.summary.Title = titleFrom(msg)
	}
	return nil
}

func (s *MemoryStore) RecordUsage(ctx context.Context, conversationID string, delta agent.Usage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return ErrNotFound
	}
	conv.summary.Usage.Requests += delta.Requests
	conv.summary.Usage.InputTokens += delta.InputTokens
	conv.summary.Usage.OutputTokens += delta.OutputTokens
	return nil
}

func (s *MemoryStore) ListConversations(ctx context.Context, limit, offset int) ([]Conversation, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Conversation, 0, len(s.conversations))
	for _, conv := range s.conversations {
		out = append(out, conv.summary)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return paginate(out, limit, offset), len(out), nil
}

func paginate(items []Conversation, limit, offset int) []Conversation {
	if offset < 0 {
		offset = 0
	}
	if offset > len(items) {
		offset = len(items)
	}
	end := len(items)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return items[offset:end]
}

func (s *MemoryStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	summary := conv.summary
	return &summary, nil
}

func (s *MemoryStore) Messages(ctx context.Context, conversationID string) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]models.Message(nil), conv.messages...), nil
}

func (s *MemoryStore) TotalUsage(ctx context.Context) (agent.Usage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total agent.Usage
	for _, conv := range s.conversations {
		total.Requests += conv.summary.Usage.Requests
		total.InputTokens += conv.summary.Usage.InputTokens
		total.OutputTokens += conv.summary.Usage.OutputTokens
	}
	return total, nil
}

func (s *MemoryStore) Close() error { return nil }
