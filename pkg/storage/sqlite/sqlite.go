// Package sqlite provides a storage.Driver backed by SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/papercomputeco/localllama/pkg/storage"
)

// The layout matches databases written by earlier releases, hence "from".
const schema = `
CREATE TABLE IF NOT EXISTS chats (
	id          INTEGER PRIMARY KEY AUTOINCREMENT NOT NULL,
	name        TEXT,
	model       TEXT,
	prompt      TEXT,
	temperature REAL
);

CREATE TABLE IF NOT EXISTS messages (
	id      INTEGER PRIMARY KEY AUTOINCREMENT NOT NULL,
	chat_id INTEGER NOT NULL REFERENCES chats(id),
	"from"  TEXT NOT NULL CHECK ("from" IN ('assistant', 'user')),
	content TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_chat_id ON messages(chat_id);
`

// Driver is a storage.Driver on a SQLite database file.
type Driver struct {
	db *sql.DB
}

var _ storage.Driver = (*Driver)(nil)

// NewDriver opens (creating if needed) the SQLite database at path.
// Use ":memory:" for an in-memory database.
func NewDriver(ctx context.Context, path string) (*Driver, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	// One connection serializes writes and keeps a ":memory:" database alive.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &Driver{db: db}, nil
}

// CreateChat stores a new chat and returns its id.
func (d *Driver) CreateChat(ctx context.Context, chat storage.NewChat) (int64, error) {
	res, err := d.db.ExecContext(ctx,
		`INSERT INTO chats (name, prompt, temperature) VALUES (?, ?, ?)`,
		nullString(chat.Name), nullString(chat.SystemPrompt), chat.Temperature,
	)
	if err != nil {
		return 0, fmt.Errorf("insert chat: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to create chat: %w", err)
	}
	return id, nil
}

// GetChat returns a chat with its messages ordered by id.
func (d *Driver) GetChat(ctx context.Context, id int64) (*storage.Chat, error) {
	var (
		name, model, prompt sql.NullString
		temperature         sql.NullFloat64
	)
	err := d.db.QueryRowContext(ctx,
		`SELECT name, model, prompt, temperature FROM chats WHERE id = ?`, id,
	).Scan(&name, &model, &prompt, &temperature)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound{ChatID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("query chat: %w", err)
	}

	chat := &storage.Chat{
		ID:           id,
		Name:         name.String,
		Model:        model.String,
		SystemPrompt: prompt.String,
		Messages:     []storage.Message{},
	}
	if temperature.Valid {
		chat.Temperature = &temperature.Float64
	}

	rows, err := d.db.QueryContext(ctx,
		`SELECT id, "from", content FROM messages WHERE chat_id = ? ORDER BY id ASC`, id,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var msg storage.Message
		if err := rows.Scan(&msg.ID, &msg.Role, &msg.Content); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		chat.Messages = append(chat.Messages, msg)
	}

	return chat, rows.Err()
}

// ListChats returns up to limit chats, newest first.
func (d *Driver) ListChats(ctx context.Context, limit int) ([]storage.ChatSummary, error) {
	if limit <= 0 {
		limit = storage.DefaultListLimit
	}

	rows, err := d.db.QueryContext(ctx, `SELECT id, name FROM chats ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query chats: %w", err)
	}
	defer rows.Close()

	chats := []storage.ChatSummary{}
	for rows.Next() {
		var (
			summary storage.ChatSummary
			name    sql.NullString
		)
		if err := rows.Scan(&summary.ID, &name); err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		summary.Name = name.String
		chats = append(chats, summary)
	}

	return chats, rows.Err()
}

// UpdateChat rewrites a chat's model, system prompt and temperature.
func (d *Driver) UpdateChat(ctx context.Context, id int64, update storage.ChatUpdate) error {
	res, err := d.db.ExecContext(ctx,
		`UPDATE chats SET model = ?, prompt = ?, temperature = ? WHERE id = ?`,
		nullString(update.Model), nullString(update.SystemPrompt), update.Temperature, id,
	)
	if err != nil {
		return fmt.Errorf("update chat: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update chat: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound{ChatID: id}
	}
	return nil
}

// CreateMessage appends a message to a chat and returns its id.
func (d *Driver) CreateMessage(ctx context.Context, chatID int64, msg storage.NewMessage) (int64, error) {
	if !msg.Role.Valid() {
		return 0, fmt.Errorf("invalid message role %q", msg.Role)
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM chats WHERE id = ?`, chatID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, storage.ErrNotFound{ChatID: chatID}
	}
	if err != nil {
		return 0, fmt.Errorf("query chat: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO messages (chat_id, "from", content) VALUES (?, ?, ?)`,
		chatID, string(msg.Role), msg.Content,
	)
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to create message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit message: %w", err)
	}
	return id, nil
}

// Close closes the database.
func (d *Driver) Close() error {
	return d.db.Close()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
