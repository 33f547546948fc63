// ABOUTME: Client-side merged view of one conversation: history, live frames and optimistic echoes
// ABOUTME: Switching conversations discards everything buffered for the previous one

package transcript

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/17anirudh/quirks/internal/protocol"
)

// Entry is one rendered message.
type Entry struct {
	ID             string // server id; empty for optimistic entries
	ConversationID string
	SenderHandle   string
	Content        string
	ClientID       string
	CreatedAt      time.Time
	Pending        bool // optimistic echo not yet seen in history
}

// Group is a run of consecutive entries from one sender.
type Group struct {
	SenderHandle string
	Self         bool
	Entries      []Entry
	// Timestamp is the time of the last entry; groups show one timestamp.
	Timestamp time.Time
}

// Transcript holds what a client shows for its open conversation.
// It is safe for concurrent use.
type Transcript struct {
	mu             sync.Mutex
	self           string
	conversationID string
	history        []Entry
	live           []Entry
	optimistic     []Entry
	newClientID    func() string
}

// New creates an empty transcript for the signed-in handle.
func New(self string) *Transcript {
	return &Transcript{
		self:        self,
		newClientID: func() string { return uuid.New().String() },
	}
}

// FromHistory converts an API history page into entries.
func FromHistory(msgs []protocol.MessageView) []Entry {
	return lo.Map(msgs, func(m protocol.MessageView, _ int) Entry {
		return Entry{
			ID:             m.ID,
			ConversationID: m.ConversationID,
			SenderHandle:   m.SenderHandle,
			Content:        m.Content,
			ClientID:       m.ClientID,
			CreatedAt:      m.CreatedAt,
		}
	})
}

// Self returns the handle this transcript renders for.
func (t *Transcript) Self() string { return t.self }

// ConversationID returns the open conversation, or "" before Open.
func (t *Transcript) ConversationID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conversationID
}

// Open switches to conversationID and loads its history (oldest first).
// Live and optimistic entries of the previous conversation are dropped.
func (t *Transcript) Open(conversationID string, history []Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.conversationID = conversationID
	t.history = filterHistory(conversationID, history)
	t.live = nil
	t.optimistic = nil
}

// Refresh replaces the history of the open conversation, keeping live and
// optimistic entries. Entries the new history confirms stop showing twice.
func (t *Transcript) Refresh(history []Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conversationID == "" {
		return
	}
	t.history = filterHistory(t.conversationID, history)
}

// filterHistory drops entries of other conversations and repeated ids.
func filterHistory(conversationID string, history []Entry) []Entry {
	seen := make(map[string]struct{}, len(history))
	return lo.Filter(history, func(e Entry, _ int) bool {
		if e.ConversationID != "" && e.ConversationID != conversationID {
			return false
		}
		if e.ID == "" {
			return true
		}
		if _, dup := seen[e.ID]; dup {
			return false
		}
		seen[e.ID] = struct{}{}
		return true
	})
}

// AddLocal records an optimistic echo of content sent by self and returns
// it; the caller sends Content and ClientID on the live channel.
func (t *Transcript) AddLocal(content string, now time.Time) Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := Entry{
		ConversationID: t.conversationID,
		SenderHandle:   t.self,
		Content:        content,
		ClientID:       t.newClientID(),
		CreatedAt:      now,
		Pending:        true,
	}
	t.optimistic = append(t.optimistic, e)
	return e
}

// Receive appends a live frame. Frames for any conversation other than the
// open one, and frames sent by self, are ignored. It reports whether the
// frame was kept.
func (t *Transcript) Receive(conversationID string, frame *protocol.ServerFrame) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if frame == nil || t.conversationID == "" {
		return false
	}
	if conversationID != t.conversationID || frame.ConversationID != t.conversationID {
		return false
	}
	if frame.SenderHandle == t.self {
		return false
	}

	t.live = append(t.live, Entry{
		ID:             frame.ID,
		ConversationID: frame.ConversationID,
		SenderHandle:   frame.SenderHandle,
		Content:        frame.Content,
		ClientID:       frame.ClientID,
		CreatedAt:      frame.CreatedAt,
	})
	return true
}

// Entries returns history, then live, then optimistic entries. Live and
// optimistic entries already present in history, matched by message id or
// by sender and client id, are left out.
func (t *Transcript) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := make(map[string]struct{}, len(t.history))
	confirmed := make(map[string]struct{}, len(t.history))
	for _, e := range t.history {
		if e.ID != "" {
			ids[e.ID] = struct{}{}
		}
		if e.ClientID != "" {
			confirmed[confirmKey(e)] = struct{}{}
		}
	}
	unconfirmed := func(e Entry, _ int) bool {
		if e.ID != "" {
			if _, ok := ids[e.ID]; ok {
				return false
			}
		}
		if e.ClientID == "" {
			return true
		}
		_, ok := confirmed[confirmKey(e)]
		return !ok
	}

	out := make([]Entry, 0, len(t.history)+len(t.live)+len(t.optimistic))
	out = append(out, t.history...)
	out = append(out, lo.Filter(t.live, unconfirmed)...)
	out = append(out, lo.Filter(t.optimistic, unconfirmed)...)
	return out
}

func confirmKey(e Entry) string {
	return e.SenderHandle + "\x1f" + e.ClientID
}

// Groups folds Entries into runs of consecutive same-sender messages.
func (t *Transcript) Groups() []Group {
	return GroupEntries(t.Entries(), t.self)
}

// GroupEntries folds entries into runs of consecutive same-sender messages.
func GroupEntries(entries []Entry, self string) []Group {
	var groups []Group
	for _, e := range entries {
		if n := len(groups); n > 0 && groups[n-1].SenderHandle == e.SenderHandle {
			g := &groups[n-1]
			g.Entries = append(g.Entries, e)
			g.Timestamp = e.CreatedAt
			continue
		}
		groups = append(groups, Group{
			SenderHandle: e.SenderHandle,
			Self:         e.SenderHandle == self,
			Entries:      []Entry{e},
			Timestamp:    e.CreatedAt,
		})
	}
	return groups
}
