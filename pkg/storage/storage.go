// Package storage defines the chat history store the chat service writes to.
package storage

import (
	"context"
	"strconv"
)

// Role is the author of a stored message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is a role a message may be stored with.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Chat is a conversation and its messages, oldest first.
type Chat struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name,omitempty"`
	Model        string    `json:"model,omitempty"`
	SystemPrompt string    `json:"system_prompt,omitempty"`
	Temperature  *float64  `json:"temperature,omitempty"`
	Messages     []Message `json:"messages"`
}

// Message is a stored chat message.
type Message struct {
	ID      int64  `json:"id"`
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ChatSummary is the listing view of a chat.
type ChatSummary struct {
	ID   int64  `json:"id"`
	Name string `json:"name,omitempty"`
}

// NewChat holds the fields a chat is created with.
type NewChat struct {
	Name         string
	SystemPrompt string
	Temperature  float64
}

// ChatUpdate holds the per-chat settings rewritten on every turn.
type ChatUpdate struct {
	Model        string
	SystemPrompt string
	Temperature  float64
}

// NewMessage holds the fields a message is created with.
type NewMessage struct {
	Role    Role
	Content string
}

// DefaultListLimit is how many chats ListChats returns for a non-positive limit.
const DefaultListLimit = 10

// Driver persists chats and messages. Writes are durable when they return.
type Driver interface {
	// CreateChat stores a new chat and returns its id.
	CreateChat(ctx context.Context, chat NewChat) (int64, error)

	// GetChat returns a chat with its messages ordered by id.
	// Returns ErrNotFound if the chat doesn't exist.
	GetChat(ctx context.Context, id int64) (*Chat, error)

	// ListChats returns up to limit chats, newest first.
	ListChats(ctx context.Context, limit int) ([]ChatSummary, error)

	// UpdateChat rewrites a chat's model, system prompt and temperature.
	// Returns ErrNotFound if the chat doesn't exist.
	UpdateChat(ctx context.Context, id int64, update ChatUpdate) error

	// CreateMessage appends a message to a chat and returns its id.
	// Returns ErrNotFound if the chat doesn't exist.
	CreateMessage(ctx context.Context, chatID int64, msg NewMessage) (int64, error)

	// Close releases the store's resources.
	Close() error
}

// ErrNotFound is returned when a chat doesn't exist in the store.
type ErrNotFound struct {
	ChatID int64
}

func (e ErrNotFound) Error() string {
	return "chat not found: " + strconv.FormatInt(e.ChatID, 10)
}
