// ABOUTME: Tests for the client transcript merge and grouping
// ABOUTME: Covers conversation switching, leak guard, self frames and optimistic confirmation

package transcript

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/17anirudh/quirks/internal/protocol"
)

var t0 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func hist(id, conv, sender, content, clientID string, offset time.Duration) Entry {
	return Entry{ID: id, ConversationID: conv, SenderHandle: sender, Content: content, ClientID: clientID, CreatedAt: t0.Add(offset)}
}

func frame(conv, sender, content string) *protocol.ServerFrame {
	return &protocol.ServerFrame{
		Type:           protocol.TypeMessage,
		ConversationID: conv,
		SenderHandle:   sender,
		Content:        content,
		CreatedAt:      t0.Add(time.Hour),
	}
}

func contents(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Content
	}
	return out
}

func TestTranscript_MergeOrder(t *testing.T) {
	tr := New("alice")
	tr.Open("c1", []Entry{
		hist("m1", "c1", "bob", "h1", "", 0),
		hist("m2", "c1", "alice", "h2", "", time.Minute),
	})

	require.True(t, tr.Receive("c1", frame("c1", "bob", "live")))
	local := tr.AddLocal("mine", t0.Add(2*time.Hour))

	assert.Equal(t, []string{"h1", "h2", "live", "mine"}, contents(tr.Entries()))
	assert.True(t, local.Pending)
	assert.NotEmpty(t, local.ClientID)
	assert.Equal(t, "c1", local.ConversationID)
	assert.Equal(t, "alice", local.SenderHandle)
}

func TestTranscript_OpenDiscardsPreviousConversation(t *testing.T) {
	tr := New("alice")
	tr.Open("c1", []Entry{hist("m1", "c1", "bob", "old", "", 0)})
	tr.Receive("c1", frame("c1", "bob", "live in c1"))
	tr.AddLocal("pending in c1", t0)

	tr.Open("c2", []Entry{hist("m9", "c2", "carol", "c2 history", "", 0)})

	assert.Equal(t, "c2", tr.ConversationID())
	assert.Equal(t, []string{"c2 history"}, contents(tr.Entries()))
}

func TestTranscript_LeakGuard(t *testing.T) {
	tr := New("alice")
	tr.Open("c2", nil)

	assert.False(t, tr.Receive("c1", frame("c1", "bob", "stale")), "frame for the previous conversation")
	assert.False(t, tr.Receive("c2", frame("c1", "bob", "mislabelled")), "frame body names another conversation")
	assert.Empty(t, tr.Entries())
}

func TestTranscript_ReceiveBeforeOpen(t *testing.T) {
	tr := New("alice")
	assert.False(t, tr.Receive("", frame("", "bob", "x")))
	assert.False(t, tr.Receive("c1", nil))
}

func TestTranscript_IgnoresSelfFrames(t *testing.T) {
	tr := New("alice")
	tr.Open("c1", nil)

	assert.False(t, tr.Receive("c1", frame("c1", "alice", "echo")))
	assert.Empty(t, tr.Entries())
}

func TestTranscript_OptimisticConfirmedByHistory(t *testing.T) {
	tr := New("alice")
	tr.Open("c1", nil)
	sent := tr.AddLocal("hello", t0)
	tr.AddLocal("still pending", t0.Add(time.Second))

	tr.Refresh([]Entry{hist("m1", "c1", "alice", "hello", sent.ClientID, 0)})

	got := tr.Entries()
	require.Len(t, got, 2)
	assert.Equal(t, "m1", got[0].ID)
	assert.False(t, got[0].Pending)
	assert.Equal(t, "still pending", got[1].Content)
	assert.True(t, got[1].Pending)
}

func TestTranscript_RefreshBeforeOpen(t *testing.T) {
	tr := New("alice")
	tr.Refresh([]Entry{hist("m1", "c1", "bob", "x", "", 0)})
	assert.Empty(t, tr.Entries())
}

func TestTranscript_LiveDuplicateOfHistoryHidden(t *testing.T) {
	tr := New("alice")
	tr.Open("c1", []Entry{hist("m1", "c1", "bob", "hi", "b-1", 0)})

	f := frame("c1", "bob", "hi")
	f.ClientID = "b-1"
	tr.Receive("c1", f)
	tr.Receive("c1", frame("c1", "bob", "new"))

	assert.Equal(t, []string{"hi", "new"}, contents(tr.Entries()))
}

func TestTranscript_LiveWithoutClientIDMatchedByID(t *testing.T) {
	tr := New("alice")
	tr.Open("c1", nil)

	f := frame("c1", "bob", "hi")
	f.ID = "m1"
	require.True(t, tr.Receive("c1", f))
	tr.Receive("c1", frame("c1", "bob", "hi"))

	tr.Refresh([]Entry{hist("m1", "c1", "bob", "hi", "", 0)})

	got := tr.Entries()
	require.Len(t, got, 2, "the stored copy replaces the live one; an id-less frame stays")
	assert.Equal(t, "m1", got[0].ID)
	assert.Empty(t, got[1].ID)
}

func TestTranscript_DuplicateHistoryIDs(t *testing.T) {
	tr := New("alice")
	tr.Open("c1", []Entry{
		hist("m1", "c1", "bob", "a", "", 0),
		hist("m1", "c1", "bob", "a", "", 0),
		hist("m2", "c9", "bob", "wrong room", "", 0),
	})
	assert.Equal(t, []string{"a"}, contents(tr.Entries()))
}

func TestTranscript_Groups(t *testing.T) {
	tr := New("alice")
	tr.Open("c1", []Entry{
		hist("m1", "c1", "bob", "b1", "", 0),
		hist("m2", "c1", "bob", "b2", "", time.Minute),
		hist("m3", "c1", "alice", "a1", "", 2*time.Minute),
		hist("m4", "c1", "bob", "b3", "", 3*time.Minute),
	})
	tr.AddLocal("a2", t0.Add(4*time.Minute))
	tr.AddLocal("a3", t0.Add(5*time.Minute))

	groups := tr.Groups()
	require.Len(t, groups, 4)

	summary := make([]string, len(groups))
	for i, g := range groups {
		summary[i] = fmt.Sprintf("%s:%d", g.SenderHandle, len(g.Entries))
	}
	assert.Equal(t, []string{"bob:2", "alice:1", "bob:1", "alice:2"}, summary)

	assert.False(t, groups[0].Self)
	assert.True(t, groups[3].Self)
	assert.Equal(t, t0.Add(time.Minute), groups[0].Timestamp)
	assert.Equal(t, t0.Add(5*time.Minute), groups[3].Timestamp)
}

func TestGroupEntries_Empty(t *testing.T) {
	assert.Empty(t, GroupEntries(nil, "alice"))
}

func TestFromHistory(t *testing.T) {
	entries := FromHistory([]protocol.MessageView{{
		ID: "m1", ConversationID: "c1", SenderHandle: "bob", Content: "hey", ClientID: "x", CreatedAt: t0,
	}})
	require.Len(t, entries, 1)
	assert.Equal(t, Entry{ID: "m1", ConversationID: "c1", SenderHandle: "bob", Content: "hey", ClientID: "x", CreatedAt: t0}, entries[0])
}
