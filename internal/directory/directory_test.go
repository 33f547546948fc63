// ABOUTME: Tests for the conversation directory
// ABOUTME: Covers idempotent resolution, creation races, listing order and history paging

package directory

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/17anirudh/quirks/internal/store"
)

func newService(t *testing.T) (*Service, *store.MockStore) {
	t.Helper()
	s := store.NewMockStore()
	return New(s, nil), s
}

func TestResolveOrCreate_CreatesOnFirstContact(t *testing.T) {
	svc, s := newService(t)

	conv, err := svc.ResolveOrCreate(t.Context(), "alice", "bob")
	require.NoError(t, err)
	assert.NotEmpty(t, conv.ID)
	assert.Equal(t, store.ConversationKindDirect, conv.Kind)
	assert.Equal(t, 1, s.ConversationCount())

	for _, h := range []string{"alice", "bob"} {
		ok, err := svc.IsMember(t.Context(), conv.ID, h)
		require.NoError(t, err)
		assert.True(t, ok, "%s should be a member", h)
	}
}

func TestResolveOrCreate_IsIdempotentAndSymmetric(t *testing.T) {
	svc, s := newService(t)

	first, err := svc.ResolveOrCreate(t.Context(), "alice", "bob")
	require.NoError(t, err)
	again, err := svc.ResolveOrCreate(t.Context(), "alice", "bob")
	require.NoError(t, err)
	reverse, err := svc.ResolveOrCreate(t.Context(), "bob", "alice")
	require.NoError(t, err)

	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, first.ID, reverse.ID)
	assert.Equal(t, 1, s.ConversationCount())
}

func TestResolveOrCreate_DistinctPairsGetDistinctConversations(t *testing.T) {
	svc, _ := newService(t)

	ab, err := svc.ResolveOrCreate(t.Context(), "alice", "bob")
	require.NoError(t, err)
	ac, err := svc.ResolveOrCreate(t.Context(), "alice", "carol")
	require.NoError(t, err)

	assert.NotEqual(t, ab.ID, ac.ID)
}

func TestResolveOrCreate_InvalidTarget(t *testing.T) {
	svc, s := newService(t)

	for _, target := range []string{"", "   ", "alice", "has space"} {
		_, err := svc.ResolveOrCreate(t.Context(), "alice", target)
		assert.ErrorIs(t, err, ErrInvalidTarget, "target %q", target)
	}
	assert.Equal(t, 0, s.ConversationCount())
}

// racingStore simulates another writer committing the pair between this
// caller's lookup and its insert.
type racingStore struct {
	*store.MockStore
	once sync.Once
}

func (r *racingStore) CreateDirectConversation(ctx context.Context, conv *store.Conversation, a, b string) error {
	r.once.Do(func() {
		winner := &store.Conversation{ID: "winner", CreatedAt: time.Now()}
		_ = r.MockStore.CreateDirectConversation(ctx, winner, b, a)
	})
	return r.MockStore.CreateDirectConversation(ctx, conv, a, b)
}

func TestResolveOrCreate_LosingRaceReturnsWinner(t *testing.T) {
	rs := &racingStore{MockStore: store.NewMockStore()}
	svc := New(rs, nil)

	conv, err := svc.ResolveOrCreate(t.Context(), "alice", "bob")
	require.NoError(t, err)
	assert.Equal(t, "winner", conv.ID)
	assert.Equal(t, 1, rs.ConversationCount())
}

func TestResolveOrCreate_ConcurrentSamePair(t *testing.T) {
	backends := map[string]func(t *testing.T) ConversationStore{
		"mock": func(t *testing.T) ConversationStore { return store.NewMockStore() },
		"sqlite": func(t *testing.T) ConversationStore {
			s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "quirks.db"))
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}

	for name, mk := range backends {
		t.Run(name, func(t *testing.T) {
			svc := New(mk(t), nil)

			const callers = 16
			ids := make([]string, callers)
			errs := make([]error, callers)
			var wg sync.WaitGroup
			for i := range callers {
				wg.Add(1)
				go func() {
					defer wg.Done()
					caller, target := "alice", "bob"
					if i%2 == 1 {
						caller, target = target, caller
					}
					conv, err := svc.ResolveOrCreate(t.Context(), caller, target)
					errs[i] = err
					if err == nil {
						ids[i] = conv.ID
					}
				}()
			}
			wg.Wait()

			for i := range callers {
				require.NoError(t, errs[i], "caller %d", i)
				assert.Equal(t, ids[0], ids[i], "caller %d", i)
			}
		})
	}
}

func TestListForUser_OrdersByLastMessage(t *testing.T) {
	svc, s := newService(t)
	ctx := t.Context()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return base }
	quiet, err := svc.ResolveOrCreate(ctx, "alice", "dave")
	require.NoError(t, err)
	svc.now = func() time.Time { return base.Add(time.Minute) }
	older, err := svc.ResolveOrCreate(ctx, "alice", "bob")
	require.NoError(t, err)
	newer, err := svc.ResolveOrCreate(ctx, "alice", "carol")
	require.NoError(t, err)
	svc.now = func() time.Time { return base.Add(2 * time.Minute) }
	quieter, err := svc.ResolveOrCreate(ctx, "alice", "erin")
	require.NoError(t, err)

	require.NoError(t, s.SaveMessage(ctx, &store.Message{
		ID: "m1", ConversationID: older.ID, SenderHandle: "bob", Content: "hi", CreatedAt: base.Add(time.Hour),
	}))
	require.NoError(t, s.SaveMessage(ctx, &store.Message{
		ID: "m2", ConversationID: newer.ID, SenderHandle: "alice", Content: "yo", CreatedAt: base.Add(2 * time.Hour),
	}))

	list, err := svc.ListForUser(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, list, 4)

	assert.Equal(t, newer.ID, list[0].Conversation.ID)
	assert.Equal(t, "yo", list[0].LastMessage.Content)
	assert.Equal(t, older.ID, list[1].Conversation.ID)
	// No messages: newest conversation first.
	assert.Equal(t, quieter.ID, list[2].Conversation.ID)
	assert.Nil(t, list[2].LastMessage)
	assert.Equal(t, quiet.ID, list[3].Conversation.ID)
}

func TestListForUser_ProfileFallback(t *testing.T) {
	svc, s := newService(t)
	ctx := t.Context()

	require.NoError(t, s.UpsertProfile(ctx, &store.Profile{Handle: "bob", DisplayName: "Bob B", AvatarURL: "https://img/bob.png"}))
	_, err := svc.ResolveOrCreate(ctx, "alice", "bob")
	require.NoError(t, err)
	_, err = svc.ResolveOrCreate(ctx, "alice", "carol")
	require.NoError(t, err)

	list, err := svc.ListForUser(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, list, 2)

	byHandle := map[string]*store.Profile{}
	for _, sum := range list {
		byHandle[sum.Other.Handle] = sum.Other
	}
	assert.Equal(t, "Bob B", byHandle["bob"].DisplayName)
	require.Contains(t, byHandle, "carol")
	assert.Empty(t, byHandle["carol"].DisplayName)
}

func TestListForUser_OnlyOwnConversations(t *testing.T) {
	svc, _ := newService(t)
	ctx := t.Context()

	_, err := svc.ResolveOrCreate(ctx, "bob", "carol")
	require.NoError(t, err)

	list, err := svc.ListForUser(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestHistory_LimitClamping(t *testing.T) {
	svc, s := newService(t)
	ctx := t.Context()

	conv, err := svc.ResolveOrCreate(ctx, "alice", "bob")
	require.NoError(t, err)

	base := time.Now().UTC()
	for i := range MaxHistoryLimit + 10 {
		require.NoError(t, s.SaveMessage(ctx, &store.Message{
			ID:             fmt.Sprintf("m%03d", i),
			ConversationID: conv.ID,
			SenderHandle:   "alice",
			Content:        fmt.Sprintf("msg %d", i),
			CreatedAt:      base.Add(time.Duration(i) * time.Millisecond),
		}))
	}

	page, err := svc.History(ctx, conv.ID, 0)
	require.NoError(t, err)
	assert.Len(t, page, DefaultHistoryLimit)
	assert.Equal(t, fmt.Sprintf("msg %d", MaxHistoryLimit+9), page[len(page)-1].Content)

	page, err = svc.History(ctx, conv.ID, 10_000)
	require.NoError(t, err)
	assert.Len(t, page, MaxHistoryLimit)

	page, err = svc.History(ctx, conv.ID, 3)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.True(t, page[0].CreatedAt.Before(page[2].CreatedAt), "history is oldest first")
}
