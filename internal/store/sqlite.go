// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Conversations and memberships with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// DriverModernc is the pure-Go driver and the default.
const DriverModernc = "sqlite"

// timeLayout is fixed-width so that lexical order in TEXT columns equals
// chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path using the
// pure-Go driver. The schema is created if it doesn't exist.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	return NewSQLiteStoreWithDriver(DriverModernc, path)
}

// NewSQLiteStoreWithDriver opens the store with a registered database/sql
// driver name ("sqlite" or "sqlite3"). Parent directories are created if
// needed; ":memory:" opens a private in-memory database.
func NewSQLiteStoreWithDriver(driver, path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	switch driver {
	case "":
		driver = DriverModernc
	case DriverModernc, DriverCGO:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// One connection: PRAGMAs apply to every statement, ":memory:" stays a
	// single database, and writers never see SQLITE_BUSY from each other.
	db.SetMaxOpenConns(1)

	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enabling WAL mode: %w", err)
		}
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path, "driver", driver)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id         TEXT PRIMARY KEY,
			kind       TEXT NOT NULL,
			pair_key   TEXT UNIQUE,
			created_at TEXT NOT NULL,

			CHECK (kind IN ('direct', 'group')),
			CHECK (kind != 'direct' OR pair_key IS NOT NULL)
		);

		CREATE TABLE IF NOT EXISTS conversation_members (
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			handle          TEXT NOT NULL,
			joined_at       TEXT NOT NULL,

			PRIMARY KEY (conversation_id, handle)
		);

		CREATE INDEX IF NOT EXISTS idx_members_handle ON conversation_members(handle);

		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			sender_handle   TEXT NOT NULL,
			content         TEXT NOT NULL,
			client_id       TEXT,
			created_at      TEXT NOT NULL,

			CHECK (length(content) > 0)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation_created
			ON messages(conversation_id, created_at);

		CREATE TABLE IF NOT EXISTS profiles (
			handle       TEXT PRIMARY KEY,
			display_name TEXT NOT NULL DEFAULT '',
			avatar_url   TEXT NOT NULL DEFAULT ''
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// CreateDirectConversation inserts the conversation and both membership rows
// in a single transaction. If a conversation for the same unordered pair
// already exists it returns ErrDuplicateConversation and writes nothing.
func (s *SQLiteStore) CreateDirectConversation(ctx context.Context, conv *Conversation, a, b string) error {
	if conv.PairKey == "" {
		conv.PairKey = PairKey(a, b)
	}
	conv.Kind = ConversationKindDirect
	createdAt := conv.CreatedAt.UTC().Format(timeLayout)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (id, kind, pair_key, created_at)
		VALUES (?, ?, ?, ?)
	`, conv.ID, string(conv.Kind), conv.PairKey, createdAt)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateConversation
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}

	for _, handle := range []string{a, b} {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO conversation_members (conversation_id, handle, joined_at)
			VALUES (?, ?, ?)
		`, conv.ID, handle, createdAt)
		if err != nil {
			return fmt.Errorf("inserting member %q: %w", handle, err)
		}
	}

	if err := tx.Commit(); err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateConversation
		}
		return fmt.Errorf("committing conversation: %w", err)
	}

	s.logger.Debug("created conversation", "id", conv.ID, "kind", conv.Kind)
	return nil
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation.
// Both drivers surface the same SQLite message text.
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "PRIMARY KEY constraint failed")
}

// GetConversation retrieves a conversation by ID.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, pair_key, created_at
		FROM conversations
		WHERE id = ?
	`, id)
	return scanConversation(row)
}

// GetConversationByPairKey retrieves the direct conversation for a canonical pair key.
// Returns ErrNotFound if none exists.
func (s *SQLiteStore) GetConversationByPairKey(ctx context.Context, pairKey string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, pair_key, created_at
		FROM conversations
		WHERE pair_key = ?
	`, pairKey)
	return scanConversation(row)
}

func scanConversation(row *sql.Row) (*Conversation, error) {
	var conv Conversation
	var kind, createdAtStr string
	var pairKey sql.NullString

	err := row.Scan(&conv.ID, &kind, &pairKey, &createdAtStr)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}

	conv.Kind = ConversationKind(kind)
	conv.PairKey = pairKey.String
	conv.CreatedAt, err = time.Parse(timeLayout, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &conv, nil
}

// ListMemberships returns every membership record of the given handle.
func (s *SQLiteStore) ListMemberships(ctx context.Context, handle string) ([]*Member, error) {
	return s.queryMembers(ctx, `
		SELECT conversation_id, handle, joined_at
		FROM conversation_members
		WHERE handle = ?
		ORDER BY joined_at ASC
	`, handle)
}

// ListMembers returns the members of a conversation.
func (s *SQLiteStore) ListMembers(ctx context.Context, conversationID string) ([]*Member, error) {
	return s.queryMembers(ctx, `
		SELECT conversation_id, handle, joined_at
		FROM conversation_members
		WHERE conversation_id = ?
		ORDER BY handle ASC
	`, conversationID)
}

func (s *SQLiteStore) queryMembers(ctx context.Context, query string, arg string) ([]*Member, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("querying members: %w", err)
	}
	defer rows.Close()

	var members []*Member
	for rows.Next() {
		var m Member
		var joinedAtStr string
		if err := rows.Scan(&m.ConversationID, &m.Handle, &joinedAtStr); err != nil {
			return nil, fmt.Errorf("scanning member row: %w", err)
		}
		m.JoinedAt, err = time.Parse(timeLayout, joinedAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing joined_at: %w", err)
		}
		members = append(members, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating member rows: %w", err)
	}
	return members, nil
}

// IsMember reports whether handle belongs to the conversation.
func (s *SQLiteStore) IsMember(ctx context.Context, conversationID, handle string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM conversation_members
		WHERE conversation_id = ? AND handle = ?
	`, conversationID, handle).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking membership: %w", err)
	}
	return true, nil
}
