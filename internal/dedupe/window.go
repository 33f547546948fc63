// ABOUTME: Sliding window of recently seen client correlation ids
// ABOUTME: Bounded by age and count; expired ids are pruned lazily on each insert

package dedupe

import (
	"container/list"
	"strings"
	"sync"
	"time"
)

const (
	DefaultTTL  = 5 * time.Minute
	DefaultSize = 10000
)

// Key scopes a client id to the conversation and sender that produced it,
// so two clients picking the same id never collide.
func Key(conversationID, sender, clientID string) string {
	return strings.Join([]string{conversationID, sender, clientID}, "\x1f")
}

type seenID struct {
	key  string
	seen time.Time
}

// Window tracks keys seen within the last ttl, holding at most size keys.
// Keys are kept in first-seen order, which is also expiry order.
type Window struct {
	mu    sync.Mutex
	ttl   time.Duration
	size  int
	byKey map[string]*list.Element
	order *list.List
	now   func() time.Time
}

// NewWindow creates a window. Non-positive arguments select the defaults.
func NewWindow(ttl time.Duration, size int) *Window {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if size <= 0 {
		size = DefaultSize
	}
	return &Window{
		ttl:   ttl,
		size:  size,
		byKey: make(map[string]*list.Element),
		order: list.New(),
		now:   time.Now,
	}
}

// Seen records key and reports whether it was already present. The first
// call for a key returns false; repeats within the window return true.
// A repeat does not extend the key's lifetime.
func (w *Window) Seen(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	w.pruneLocked(now)

	if _, ok := w.byKey[key]; ok {
		return true
	}

	for w.order.Len() >= w.size {
		w.removeLocked(w.order.Front())
	}
	w.byKey[key] = w.order.PushBack(&seenID{key: key, seen: now})
	return false
}

// Forget removes key, letting the next Seen for it succeed.
func (w *Window) Forget(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if el, ok := w.byKey[key]; ok {
		w.removeLocked(el)
	}
}

// Len returns the number of keys currently held, expired or not.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.order.Len()
}

func (w *Window) pruneLocked(now time.Time) {
	for el := w.order.Front(); el != nil; el = w.order.Front() {
		if now.Sub(el.Value.(*seenID).seen) < w.ttl {
			return
		}
		w.removeLocked(el)
	}
}

func (w *Window) removeLocked(el *list.Element) {
	id := w.order.Remove(el).(*seenID)
	delete(w.byKey, id.key)
}
