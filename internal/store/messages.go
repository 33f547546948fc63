// ABOUTME: SQLite message persistence: append-only writes and bounded history pages
// ABOUTME: History pages hold the most recent N messages returned oldest-first

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SaveMessage appends a message. Messages are immutable once written.
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *Message) error {
	if msg.Content == "" {
		return fmt.Errorf("inserting message: empty content")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender_handle, content, client_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		msg.ID,
		msg.ConversationID,
		msg.SenderHandle,
		msg.Content,
		nullString(msg.ClientID),
		msg.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	s.logger.Debug("saved message", "id", msg.ID, "conversation_id", msg.ConversationID)
	return nil
}

// nullString returns nil for empty strings, otherwise the string
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// GetConversationMessages retrieves the most recent `limit` messages of a
// conversation in chronological order (oldest first).
// If limit is 0 or negative, all messages are returned.
func (s *SQLiteStore) GetConversationMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	var query string
	var args []any

	if limit > 0 {
		query = `
			SELECT id, conversation_id, sender_handle, content, client_id, created_at
			FROM (
				SELECT rowid AS seq, id, conversation_id, sender_handle, content, client_id, created_at
				FROM messages
				WHERE conversation_id = ?
				ORDER BY created_at DESC, rowid DESC
				LIMIT ?
			)
			ORDER BY created_at ASC, seq ASC
		`
		args = []any{conversationID, limit}
	} else {
		query = `
			SELECT id, conversation_id, sender_handle, content, client_id, created_at
			FROM messages
			WHERE conversation_id = ?
			ORDER BY created_at ASC, rowid ASC
		`
		args = []any{conversationID}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}

	return messages, nil
}

// GetLastMessage returns the newest message of a conversation.
// Returns ErrNotFound if the conversation has no messages.
func (s *SQLiteStore) GetLastMessage(ctx context.Context, conversationID string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, sender_handle, content, client_id, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT 1
	`, conversationID)

	msg, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return msg, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var msg Message
	var clientID sql.NullString
	var createdAtStr string

	if err := row.Scan(&msg.ID, &msg.ConversationID, &msg.SenderHandle, &msg.Content, &clientID, &createdAtStr); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scanning message row: %w", err)
	}

	msg.ClientID = clientID.String
	var err error
	msg.CreatedAt, err = time.Parse(timeLayout, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing message created_at: %w", err)
	}
	return &msg, nil
}
