// ABOUTME: Store interface and data types for quirks messaging persistence
// ABOUTME: Defines Conversation, Member, Message, Profile and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateConversation is returned when a direct conversation for the
// same unordered pair of handles already exists.
var ErrDuplicateConversation = errors.New("conversation already exists")

// ConversationKind distinguishes two-party conversations from groups.
type ConversationKind string

const (
	ConversationKindDirect ConversationKind = "direct"
	ConversationKindGroup  ConversationKind = "group"
)

// pairKeySeparator cannot appear in a handle that passed request validation,
// so "a"+"b\x1fc" and "a\x1fb"+"c" never collide.
const pairKeySeparator = "\x1f"

// Conversation is the durable record of a chat relationship.
// PairKey is set for direct conversations only and is unique.
type Conversation struct {
	ID        string
	Kind      ConversationKind
	PairKey   string
	CreatedAt time.Time
}

// Member links a handle to a conversation. Members never change after the
// conversation is created.
type Member struct {
	ConversationID string
	Handle         string
	JoinedAt       time.Time
}

// Message is a single persisted chat message.
type Message struct {
	ID             string
	ConversationID string
	SenderHandle   string
	Content        string
	ClientID       string // client correlation id, empty when the sender did not supply one
	CreatedAt      time.Time
}

// Profile is the read-only summary of a user shown next to a conversation.
type Profile struct {
	Handle      string
	DisplayName string
	AvatarURL   string
}

// PairKey returns the canonical key of the unordered pair (a, b).
func PairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + pairKeySeparator + b
}

// Store defines the interface for conversation and message persistence
type Store interface {
	// Conversations
	CreateDirectConversation(ctx context.Context, conv *Conversation, a, b string) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	GetConversationByPairKey(ctx context.Context, pairKey string) (*Conversation, error)

	// Memberships
	ListMemberships(ctx context.Context, handle string) ([]*Member, error)
	ListMembers(ctx context.Context, conversationID string) ([]*Member, error)
	IsMember(ctx context.Context, conversationID, handle string) (bool, error)

	// Messages
	SaveMessage(ctx context.Context, msg *Message) error
	GetConversationMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error)
	GetLastMessage(ctx context.Context, conversationID string) (*Message, error)

	// Profiles (read side; UpsertProfile exists for seeding)
	GetProfile(ctx context.Context, handle string) (*Profile, error)
	UpsertProfile(ctx context.Context, profile *Profile) error

	// Ping reports whether the backing database is reachable
	Ping(ctx context.Context) error

	// Close releases any resources held by the store
	Close() error
}
