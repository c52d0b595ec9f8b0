// Package storage keeps a durable record of conversations: every transcript
// message and the token usage of every model call.
package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/haasonsaas/forge/internal/agent"
	"github.com/haasonsaas/forge/pkg/models"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// titleLength bounds Conversation.Title.
const titleLength = 80

// Conversation summarizes one stored conversation.
type Conversation struct {
	ID        string      `json:"id"`
	Model     string      `json:"model"`
	Title     string      `json:"title"`
	Messages  int         `json:"messages"`
	Usage     agent.Usage `json:"usage"`
	StartedAt time.Time   `json:"started_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Store is a ConversationStore that can also be queried.
type Store interface {
	agent.ConversationStore

	// ListConversations returns conversations newest first, and the total.
	ListConversations(ctx context.Context, limit, offset int) ([]Conversation, int, error)
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	Messages(ctx context.Context, conversationID string) ([]models.Message, error)
	// TotalUsage sums usage across every conversation.
	TotalUsage(ctx context.Context) (agent.Usage, error)
	Close() error
}

// titleFrom derives a title from a user message typed by the user. Seeded
// context files and tool results yield "".
func titleFrom(msg models.Message) string {
	if msg.Role != models.RoleUser || strings.HasPrefix(msg.Text(), "Context from file '") {
		return ""
	}
	text := []rune(strings.TrimSpace(msg.Text()))
	if len(text) > titleLength {
		return string(text[:titleLength-3]) + "..."
	}
	return string(text)
}
