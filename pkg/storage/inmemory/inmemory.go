// Package inmemory provides a storage.Driver that keeps everything in process memory.
package inmemory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/papercomputeco/localllama/pkg/storage"
)

// Driver is an in-memory storage.Driver. It is safe for concurrent use.
type Driver struct {
	mu            sync.RWMutex
	chats         map[int64]*storage.Chat
	lastChatID    int64
	lastMessageID int64
}

var _ storage.Driver = (*Driver)(nil)

// NewDriver returns an empty Driver.
func NewDriver() *Driver {
	return &Driver{chats: make(map[int64]*storage.Chat)}
}

func (d *Driver) CreateChat(ctx context.Context, chat storage.NewChat) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.lastChatID++
	temperature := chat.Temperature
	d.chats[d.lastChatID] = &storage.Chat{
		ID:           d.lastChatID,
		Name:         chat.Name,
		SystemPrompt: chat.SystemPrompt,
		Temperature:  &temperature,
		Messages:     []storage.Message{},
	}
	return d.lastChatID, nil
}

func (d *Driver) GetChat(ctx context.Context, id int64) (*storage.Chat, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	chat, ok := d.chats[id]
	if !ok {
		return nil, storage.ErrNotFound{ChatID: id}
	}

	cp := *chat
	cp.Messages = append([]storage.Message{}, chat.Messages...)
	if chat.Temperature != nil {
		t := *chat.Temperature
		cp.Temperature = &t
	}
	return &cp, nil
}

func (d *Driver) ListChats(ctx context.Context, limit int) ([]storage.ChatSummary, error) {
	if limit <= 0 {
		limit = storage.DefaultListLimit
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	chats := make([]storage.ChatSummary, 0, len(d.chats))
	for _, c := range d.chats {
		chats = append(chats, storage.ChatSummary{ID: c.ID, Name: c.Name})
	}
	sort.Slice(chats, func(i, j int) bool { return chats[i].ID > chats[j].ID })

	if len(chats) > limit {
		chats = chats[:limit]
	}
	return chats, nil
}

func (d *Driver) UpdateChat(ctx context.Context, id int64, update storage.ChatUpdate) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	chat, ok := d.chats[id]
	if !ok {
		return storage.ErrNotFound{ChatID: id}
	}

	temperature := update.Temperature
	chat.Model = update.Model
	chat.SystemPrompt = update.SystemPrompt
	chat.Temperature = &temperature
	return nil
}

func (d *Driver) CreateMessage(ctx context.Context, chatID int64, msg storage.NewMessage) (int64, error) {
	if !msg.Role.Valid() {
		return 0, fmt.Errorf("invalid message role %q", msg.Role)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	chat, ok := d.chats[chatID]
	if !ok {
		return 0, storage.ErrNotFound{ChatID: chatID}
	}

	d.lastMessageID++
	chat.Messages = append(chat.Messages, storage.Message{
		ID:      d.lastMessageID,
		Role:    msg.Role,
		Content: msg.Content,
	})
	return d.lastMessageID, nil
}

func (d *Driver) Close() error {
	return nil
}
