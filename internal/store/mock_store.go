// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite and to inject write failures

package store

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation // keyed by conversation ID
	pairIndex     map[string]string        // keyed by PairKey -> conversation ID
	members       map[string][]*Member     // keyed by conversation ID
	messages      map[string][]*Message    // keyed by conversation ID
	profiles      map[string]*Profile      // keyed by handle

	// SaveMessageErr, when set, is returned by SaveMessage instead of storing.
	SaveMessageErr error
	// SaveMessageHook, when set, runs before SaveMessage stores (outside the lock).
	SaveMessageHook func(msg *Message)
	// PingErr, when set, is returned by Ping.
	PingErr error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		conversations: make(map[string]*Conversation),
		pairIndex:     make(map[string]string),
		members:       make(map[string][]*Member),
		messages:      make(map[string][]*Message),
		profiles:      make(map[string]*Profile),
	}
}

// CreateDirectConversation stores the conversation and both members atomically.
func (m *MockStore) CreateDirectConversation(ctx context.Context, conv *Conversation, a, b string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if conv.PairKey == "" {
		conv.PairKey = PairKey(a, b)
	}
	conv.Kind = ConversationKindDirect

	if _, exists := m.pairIndex[conv.PairKey]; exists {
		return ErrDuplicateConversation
	}
	if _, exists := m.conversations[conv.ID]; exists {
		return ErrDuplicateConversation
	}

	c := *conv
	m.conversations[c.ID] = &c
	m.pairIndex[c.PairKey] = c.ID
	m.members[c.ID] = []*Member{
		{ConversationID: c.ID, Handle: a, JoinedAt: c.CreatedAt},
		{ConversationID: c.ID, Handle: b, JoinedAt: c.CreatedAt},
	}
	return nil
}

// GetConversation retrieves a conversation by ID.
func (m *MockStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *c
	return &result, nil
}

// GetConversationByPairKey retrieves a direct conversation by its pair key.
func (m *MockStore) GetConversationByPairKey(ctx context.Context, pairKey string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.pairIndex[pairKey]
	if !ok {
		return nil, ErrNotFound
	}
	result := *m.conversations[id]
	return &result, nil
}

// ListMemberships returns every membership of a handle.
func (m *MockStore) ListMemberships(ctx context.Context, handle string) ([]*Member, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Member
	for _, members := range m.members {
		for _, mem := range members {
			if mem.Handle == handle {
				cp := *mem
				result = append(result, &cp)
			}
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].JoinedAt.Before(result[j].JoinedAt)
	})
	return result, nil
}

// ListMembers returns the members of a conversation sorted by handle.
func (m *MockStore) ListMembers(ctx context.Context, conversationID string) ([]*Member, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	members := m.members[conversationID]
	result := make([]*Member, 0, len(members))
	for _, mem := range members {
		cp := *mem
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Handle < result[j].Handle
	})
	return result, nil
}

// IsMember reports whether handle belongs to the conversation.
func (m *MockStore) IsMember(ctx context.Context, conversationID, handle string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, mem := range m.members[conversationID] {
		if mem.Handle == handle {
			return true, nil
		}
	}
	return false, nil
}

// SaveMessage appends a message.
func (m *MockStore) SaveMessage(ctx context.Context, msg *Message) error {
	if m.SaveMessageHook != nil {
		m.SaveMessageHook(msg)
	}
	if m.SaveMessageErr != nil {
		return m.SaveMessageErr
	}
	if msg.Content == "" {
		return errors.New("inserting message: empty content")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *msg
	m.messages[cp.ConversationID] = append(m.messages[cp.ConversationID], &cp)
	return nil
}

// GetConversationMessages returns the newest `limit` messages oldest-first.
func (m *MockStore) GetConversationMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := make([]*Message, len(m.messages[conversationID]))
	for i, msg := range m.messages[conversationID] {
		cp := *msg
		msgs[i] = &cp
	}
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})

	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

// GetLastMessage returns the newest message of a conversation.
func (m *MockStore) GetLastMessage(ctx context.Context, conversationID string) (*Message, error) {
	msgs, _ := m.GetConversationMessages(ctx, conversationID, 1)
	if len(msgs) == 0 {
		return nil, ErrNotFound
	}
	return msgs[0], nil
}

// GetProfile returns a profile summary.
func (m *MockStore) GetProfile(ctx context.Context, handle string) (*Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.profiles[handle]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

// UpsertProfile creates or replaces a profile summary.
func (m *MockStore) UpsertProfile(ctx context.Context, profile *Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *profile
	m.profiles[cp.Handle] = &cp
	return nil
}

// MessageCount returns the number of stored messages in a conversation.
func (m *MockStore) MessageCount(conversationID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.messages[conversationID])
}

// ConversationCount returns the number of stored conversations.
func (m *MockStore) ConversationCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conversations)
}

// Ping always succeeds unless PingErr is set.
func (m *MockStore) Ping(ctx context.Context) error {
	return m.PingErr
}

// Close is a no-op for the mock.
func (m *MockStore) Close() error {
	return nil
}

var _ Store = (*MockStore)(nil)
var _ Store = (*SQLiteStore)(nil)
