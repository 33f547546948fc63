// ABOUTME: Tests for the chat client against a real gateway over httptest
// ABOUTME: Covers REST calls, live exchange, optimistic reconciliation and room switching

package chatclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/17anirudh/quirks/internal/auth"
	"github.com/17anirudh/quirks/internal/config"
	"github.com/17anirudh/quirks/internal/gateway"
	"github.com/17anirudh/quirks/internal/store"
)

const testSecret = "chatclient-test-secret-32-bytes!"

type testServer struct {
	url      string
	verifier *auth.JWTVerifier
}

func startGateway(t *testing.T, withAuth bool) *testServer {
	t.Helper()

	cfg := config.Default()
	if withAuth {
		cfg.Auth.JWTSecret = testSecret
	}

	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gw, err := gateway.NewWithStore(cfg, s, logger)
	require.NoError(t, err)

	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = gw.Shutdown(ctx)
		srv.Close()
	})

	ts := &testServer{url: srv.URL}
	if withAuth {
		ts.verifier, err = auth.NewJWTVerifier([]byte(testSecret))
		require.NoError(t, err)
	}
	return ts
}

func (s *testServer) client(t *testing.T, handle string) *Client {
	t.Helper()
	opts := Options{
		BaseURL: s.url,
		Handle:  handle,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if s.verifier != nil {
		tok, err := s.verifier.Generate(handle, time.Hour)
		require.NoError(t, err)
		opts.Token = tok
	}
	c, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// waitHub polls the readiness endpoint until the hub holds exactly the
// given number of rooms and subscriptions.
func (s *testServer) waitHub(t *testing.T, rooms, connections int) {
	t.Helper()
	require.Eventually(t, func() bool {
		resp, err := http.Get(s.url + "/health/ready")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var ready struct {
			Rooms       int `json:"rooms"`
			Connections int `json:"connections"`
		}
		if json.NewDecoder(resp.Body).Decode(&ready) != nil {
			return false
		}
		return ready.Rooms == rooms && ready.Connections == connections
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{"no scheme", Options{BaseURL: "localhost:8080", Handle: "alice"}},
		{"websocket scheme", Options{BaseURL: "ws://localhost:8080", Handle: "alice"}},
		{"missing handle", Options{BaseURL: "http://localhost:8080"}},
		{"bad handle", Options{BaseURL: "http://localhost:8080", Handle: "a b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.opts)
			assert.Error(t, err)
		})
	}
}

func TestResolveAndConversations(t *testing.T) {
	srv := startGateway(t, false)
	alice := srv.client(t, "alice")
	bob := srv.client(t, "bob")

	id, err := alice.Resolve(t.Context(), "bob")
	require.NoError(t, err)
	again, err := bob.Resolve(t.Context(), "alice")
	require.NoError(t, err)
	assert.Equal(t, id, again)

	_, err = bob.UpdateProfile(t.Context(), "Bob B", "")
	require.NoError(t, err)

	list, err := alice.Conversations(t.Context())
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].ConversationID)
	assert.Equal(t, "bob", list[0].Other.Handle)
	assert.Equal(t, "Bob B", list[0].Other.DisplayName)
}

func TestResolve_SelfIsRejected(t *testing.T) {
	srv := startGateway(t, false)
	alice := srv.client(t, "alice")

	_, err := alice.Resolve(t.Context(), "alice")
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadRequest, se.StatusCode)
	assert.NotEmpty(t, se.Message)
}

func TestBadTokenIsUnauthorized(t *testing.T) {
	srv := startGateway(t, true)
	c, err := New(Options{BaseURL: srv.url, Handle: "alice", Token: "not-a-jwt"})
	require.NoError(t, err)

	_, err = c.Conversations(t.Context())
	assert.ErrorIs(t, err, auth.ErrUnauthorized)
}

func TestLiveExchangeAndReconciliation(t *testing.T) {
	srv := startGateway(t, true)
	alice := srv.client(t, "alice")
	bob := srv.client(t, "bob")

	id, err := alice.Resolve(t.Context(), "bob")
	require.NoError(t, err)

	require.NoError(t, bob.Switch(t.Context(), id))
	require.NoError(t, alice.Switch(t.Context(), id))
	srv.waitHub(t, 1, 2)

	sent, err := alice.Send(t.Context(), "hello bob")
	require.NoError(t, err)
	assert.True(t, sent.Pending)
	assert.NotEmpty(t, sent.ClientID)

	// The optimistic echo shows before any server round trip.
	entries := alice.Entries()
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Pending)

	require.Eventually(t, func() bool { return len(bob.Entries()) == 1 }, 2*time.Second, 10*time.Millisecond)
	got := bob.Entries()[0]
	assert.Equal(t, "hello bob", got.Content)
	assert.Equal(t, "alice", got.SenderHandle)
	assert.Equal(t, sent.ClientID, got.ClientID)

	// Once persisted, a history refresh replaces the echo with the stored
	// message instead of showing it twice.
	require.Eventually(t, func() bool {
		if err := alice.Refresh(t.Context()); err != nil {
			return false
		}
		e := alice.Entries()
		return len(e) == 1 && !e[0].Pending && e[0].ID != ""
	}, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, bob.Refresh(t.Context()))
	assert.Len(t, bob.Entries(), 1, "live entry confirmed by history is not repeated")

	groups := bob.Groups()
	require.Len(t, groups, 1)
	assert.False(t, groups[0].Self)
}

func TestSwitchLeavesPreviousRoom(t *testing.T) {
	srv := startGateway(t, true)
	alice := srv.client(t, "alice")
	bob := srv.client(t, "bob")
	carol := srv.client(t, "carol")

	ab, err := alice.Resolve(t.Context(), "bob")
	require.NoError(t, err)
	ac, err := alice.Resolve(t.Context(), "carol")
	require.NoError(t, err)

	require.NoError(t, bob.Switch(t.Context(), ab))
	require.NoError(t, alice.Switch(t.Context(), ab))
	srv.waitHub(t, 1, 2)

	require.NoError(t, alice.Switch(t.Context(), ac))
	srv.waitHub(t, 2, 2)
	assert.Equal(t, ac, alice.ConversationID())
	assert.Empty(t, alice.Entries())

	_, err = bob.Send(t.Context(), "are you there?")
	require.NoError(t, err)

	require.NoError(t, carol.Switch(t.Context(), ac))
	srv.waitHub(t, 2, 3)
	_, err = carol.Send(t.Context(), "hi alice")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(alice.Entries()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "hi alice", alice.Entries()[0].Content)

	// Bob's message never reaches the new room.
	time.Sleep(100 * time.Millisecond)
	for _, e := range alice.Entries() {
		assert.NotEqual(t, "are you there?", e.Content)
	}
}

func TestSwitch_ForeignConversation(t *testing.T) {
	srv := startGateway(t, true)
	alice := srv.client(t, "alice")
	mallory := srv.client(t, "mallory")

	id, err := alice.Resolve(t.Context(), "bob")
	require.NoError(t, err)

	err = mallory.Switch(t.Context(), id)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusForbidden, se.StatusCode)

	_, err = mallory.Send(t.Context(), "let me in")
	assert.ErrorIs(t, err, ErrNoConversation)
}

func TestSend_Errors(t *testing.T) {
	srv := startGateway(t, false)
	alice := srv.client(t, "alice")

	_, err := alice.Send(t.Context(), "no room yet")
	assert.ErrorIs(t, err, ErrNoConversation)

	_, err = alice.Send(t.Context(), "   ")
	assert.ErrorIs(t, err, ErrEmptyMessage)

	assert.ErrorIs(t, alice.Refresh(t.Context()), ErrNoConversation)

	require.NoError(t, alice.Close())
	require.NoError(t, alice.Close())
	assert.True(t, errors.Is(alice.Switch(t.Context(), "x"), ErrClosed))
}
