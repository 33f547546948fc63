// ABOUTME: Tests for the room fan-out hub
// ABOUTME: Covers delivery, origin exclusion, room isolation, ordering, drops and cleanup

package hub

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/17anirudh/quirks/internal/protocol"
)

func makeFrame(roomID, sender, content string) *protocol.ServerFrame {
	return &protocol.ServerFrame{
		Type:           protocol.TypeMessage,
		ConversationID: roomID,
		Content:        content,
		SenderHandle:   sender,
		CreatedAt:      time.Now().UTC(),
	}
}

func receive(t *testing.T, ch <-chan *protocol.ServerFrame) *protocol.ServerFrame {
	t.Helper()
	select {
	case f, ok := <-ch:
		require.True(t, ok, "channel closed")
		return f
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func assertSilent(t *testing.T, ch <-chan *protocol.ServerFrame) {
	t.Helper()
	select {
	case f := <-ch:
		t.Fatalf("unexpected frame %+v", f)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHub_PublishReachesOthersButNotOrigin(t *testing.T) {
	h := New(nil)
	defer h.Close()
	ctx := t.Context()

	alice := h.Subscribe(ctx, "room-1", "alice-conn")
	bob := h.Subscribe(ctx, "room-1", "bob-conn")

	n := h.Publish("room-1", makeFrame("room-1", "alice", "hi"), "alice-conn")
	assert.Equal(t, 1, n)

	assert.Equal(t, "hi", receive(t, bob).Content)
	assertSilent(t, alice)
}

func TestHub_PublishWithoutOriginReachesEveryone(t *testing.T) {
	h := New(nil)
	defer h.Close()
	ctx := t.Context()

	chans := []<-chan *protocol.ServerFrame{
		h.Subscribe(ctx, "room-1", "a"),
		h.Subscribe(ctx, "room-1", "b"),
		h.Subscribe(ctx, "room-1", "c"),
	}

	assert.Equal(t, 3, h.Publish("room-1", makeFrame("room-1", "system", "hello"), ""))
	for i, ch := range chans {
		assert.Equal(t, "hello", receive(t, ch).Content, "subscriber %d", i)
	}
}

func TestHub_RoomsAreIsolated(t *testing.T) {
	h := New(nil)
	defer h.Close()
	ctx := t.Context()

	r1 := h.Subscribe(ctx, "room-1", "a")
	r2 := h.Subscribe(ctx, "room-2", "b")

	h.Publish("room-1", makeFrame("room-1", "x", "for room 1"), "")

	assert.Equal(t, "for room 1", receive(t, r1).Content)
	assertSilent(t, r2)
}

func TestHub_SubscribeIsIdempotentPerSubID(t *testing.T) {
	h := New(nil)
	defer h.Close()
	ctx := t.Context()

	first := h.Subscribe(ctx, "room-1", "a")
	second := h.Subscribe(ctx, "room-1", "a")

	assert.Equal(t, first, second)
	assert.Equal(t, 1, h.Subscribers("room-1"))

	assert.Equal(t, 1, h.Publish("room-1", makeFrame("room-1", "x", "once"), ""))
	receive(t, first)
	assertSilent(t, first)
}

func TestHub_TotalOrderPerRoom(t *testing.T) {
	const publishers, perPublisher = 4, 100
	h := New(nil, WithBufferSize(publishers*perPublisher))
	defer h.Close()
	ctx := t.Context()

	a := h.Subscribe(ctx, "room-1", "a")
	b := h.Subscribe(ctx, "room-1", "b")

	var wg sync.WaitGroup
	for p := range publishers {
		wg.Go(func() {
			for i := range perPublisher {
				h.Publish("room-1", makeFrame("room-1", "x", fmt.Sprintf("%d-%d", p, i)), "")
			}
		})
	}
	wg.Wait()

	total := publishers * perPublisher
	seqA := make([]string, 0, total)
	seqB := make([]string, 0, total)
	for range total {
		seqA = append(seqA, receive(t, a).Content)
		seqB = append(seqB, receive(t, b).Content)
	}
	assert.Equal(t, seqA, seqB, "subscribers must observe one publish order")
}

func TestHub_FullBufferDropsWithoutBlocking(t *testing.T) {
	h := New(nil, WithBufferSize(2))
	defer h.Close()
	ctx := t.Context()

	slow := h.Subscribe(ctx, "room-1", "slow")
	fast := h.Subscribe(ctx, "room-1", "fast")

	delivered := make([]int, 0, 4)
	for i := range 4 {
		delivered = append(delivered, h.Publish("room-1", makeFrame("room-1", "x", fmt.Sprint(i)), ""))
		receive(t, fast)
	}

	assert.Equal(t, []int{2, 2, 1, 1}, delivered)
	assert.Equal(t, "0", receive(t, slow).Content)
	assert.Equal(t, "1", receive(t, slow).Content)
	assertSilent(t, slow)
}

func TestHub_ContextCancellationUnsubscribes(t *testing.T) {
	h := New(nil)
	defer h.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch := h.Subscribe(ctx, "room-1", "a")
	require.Equal(t, 1, h.Subscribers("room-1"))

	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should be closed after context cancel")
	case <-time.After(time.Second):
		t.Fatal("channel not closed after context cancel")
	}
	assert.Equal(t, 0, h.Subscribers("room-1"))
	assert.Equal(t, 0, h.Rooms())
}

func TestHub_StaleContextKeepsResubscription(t *testing.T) {
	h := New(nil)
	defer h.Close()

	first, cancelFirst := context.WithCancel(context.Background())
	defer cancelFirst()
	old := h.Subscribe(first, "room-1", "a")
	h.Unsubscribe("room-1", "a")
	_, ok := <-old
	require.False(t, ok)

	current := h.Subscribe(t.Context(), "room-1", "a")
	cancelFirst()

	// Give a stale watcher time to act if one were still running.
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, h.Subscribers("room-1"))
	h.Publish("room-1", makeFrame("room-1", "bob", "still here"), "")
	assert.Equal(t, "still here", receive(t, current).Content)
}

func TestHub_UnsubscribeReleasesWatchers(t *testing.T) {
	h := New(nil)
	defer h.Close()

	baseline := runtime.NumGoroutine()
	for i := range 50 {
		h.Subscribe(context.Background(), "room-1", fmt.Sprintf("sub-%d", i))
	}
	for i := range 50 {
		h.Unsubscribe("room-1", fmt.Sprintf("sub-%d", i))
	}

	assert.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= baseline
	}, time.Second, 10*time.Millisecond)
}

func TestHub_UnsubscribeRemovesEmptyRoom(t *testing.T) {
	h := New(nil)
	defer h.Close()
	ctx := t.Context()

	ch := h.Subscribe(ctx, "room-1", "a")
	h.Subscribe(ctx, "room-1", "b")
	h.Subscribe(ctx, "room-2", "c")
	require.Equal(t, 2, h.Rooms())
	require.Equal(t, 3, h.Connections())

	h.Unsubscribe("room-1", "a")
	_, ok := <-ch
	assert.False(t, ok)
	assert.Equal(t, 2, h.Rooms())

	h.Unsubscribe("room-1", "b")
	assert.Equal(t, 1, h.Rooms())
	assert.Equal(t, 1, h.Connections())
	assert.Equal(t, 0, h.Publish("room-1", makeFrame("room-1", "x", "nobody"), ""))

	// Unknown ids are a no-op.
	h.Unsubscribe("room-1", "b")
	h.Unsubscribe("missing", "z")
}

func TestHub_CloseClosesAllSubscriptions(t *testing.T) {
	h := New(nil)
	ctx := t.Context()

	ch1 := h.Subscribe(ctx, "room-1", "a")
	ch2 := h.Subscribe(ctx, "room-2", "b")

	h.Close()

	for i, ch := range []<-chan *protocol.ServerFrame{ch1, ch2} {
		select {
		case _, ok := <-ch:
			assert.False(t, ok, "channel %d should be closed after Close()", i)
		case <-time.After(time.Second):
			t.Fatalf("channel %d not closed after Close()", i)
		}
	}
	assert.Equal(t, 0, h.Rooms())

	late := h.Subscribe(ctx, "room-1", "late")
	_, ok := <-late
	assert.False(t, ok, "subscribing after Close yields a closed channel")
}

func TestHub_ConcurrentPublishSubscribe(t *testing.T) {
	h := New(nil)
	defer h.Close()
	ctx := t.Context()

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Go(func() {
			subCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			ch := h.Subscribe(subCtx, "room-busy", fmt.Sprintf("sub-%d", i))
			for range 5 {
				select {
				case <-ch:
				case <-time.After(200 * time.Millisecond):
					return
				}
			}
		})
	}
	for range 10 {
		wg.Go(func() {
			for range 10 {
				h.Publish("room-busy", makeFrame("room-busy", "x", "busy"), "")
			}
		})
	}
	wg.Wait()
}
