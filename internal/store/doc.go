// Package store provides durable storage for conversations and messages using SQLite.
//
// # Architecture
//
// Store is the single persistence interface used by the directory and the
// asynchronous message writer. SQLiteStore implements it on database/sql with
// either the pure-Go driver (modernc.org/sqlite, "sqlite") or the cgo driver
// (github.com/mattn/go-sqlite3, "sqlite3"). MockStore is an in-memory
// implementation for unit tests.
//
// # Data Models
//
//   - Conversation: direct (two-party) or group; direct conversations carry a
//     unique PairKey so an unordered pair of handles maps to at most one row
//   - Member: (conversation, handle) pair, immutable after creation
//   - Message: append-only, optional client correlation id
//   - Profile: read-only summary shown in conversation listings
//
// # Conversation creation
//
// CreateDirectConversation writes the conversation and both memberships in one
// transaction. A concurrent creator for the same pair loses on the unique
// pair_key and receives ErrDuplicateConversation; callers re-resolve.
package store
