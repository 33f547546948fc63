// ABOUTME: Live channel of the chat client: switching rooms, sending and receiving frames
// ABOUTME: Incoming frames and optimistic sends are merged into the client's transcript

package chatclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/17anirudh/quirks/internal/protocol"
	"github.com/17anirudh/quirks/internal/transcript"
)

// ErrEmptyMessage is returned by Send for blank content.
var ErrEmptyMessage = errors.New("message is empty")

// ErrClosed is returned after Close.
var ErrClosed = errors.New("client closed")

// liveState is the error that ended the current live channel, if any.
type liveState struct {
	mu  sync.Mutex
	err error
}

func (l *liveState) set(err error) {
	l.mu.Lock()
	l.err = err
	l.mu.Unlock()
}

func (l *liveState) get() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Switch makes conversationID the open conversation. The previous live
// channel is closed before anything else happens, so no frame of the old
// room can reach the new transcript. History is loaded before the new
// channel is dialed.
func (c *Client) Switch(ctx context.Context, conversationID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	c.disconnectLocked()

	history, err := c.History(ctx, conversationID, 0)
	if err != nil {
		return err
	}
	c.transcript.Open(conversationID, transcript.FromHistory(history))
	c.live.set(nil)
	c.notify()

	conn, _, err := websocket.Dial(ctx, c.liveURL(conversationID), &websocket.DialOptions{
		HTTPClient: c.http,
		HTTPHeader: c.liveHeader(),
	})
	if err != nil {
		return fmt.Errorf("connecting to conversation %s: %w", conversationID, err)
	}

	readCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.conn = conn
	c.cancel = cancel
	c.readDone = done
	go c.readLoop(readCtx, conn, conversationID, done)

	c.logger.Debug("switched conversation", "conversation_id", conversationID)
	return nil
}

// disconnectLocked closes the live channel and waits for its reader.
func (c *Client) disconnectLocked() {
	if c.conn == nil {
		return
	}
	_ = c.conn.Close(websocket.StatusNormalClosure, "switching conversation")
	c.cancel()
	<-c.readDone
	c.conn, c.cancel, c.readDone = nil, nil, nil
}

func (c *Client) liveURL(conversationID string) string {
	u := *c.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/conversations/" + url.PathEscape(conversationID)
	return u.String()
}

func (c *Client) liveHeader() http.Header {
	req := &http.Request{Header: http.Header{}}
	c.authorize(req)
	return req.Header
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, conversationID string, done chan struct{}) {
	defer close(done)
	for {
		var frame protocol.ServerFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			status := websocket.CloseStatus(err)
			if ctx.Err() == nil && status != websocket.StatusNormalClosure {
				c.logger.Warn("live channel closed", "conversation_id", conversationID, "status", status, "error", err)
				c.live.set(err)
				c.notify()
			}
			return
		}
		if c.transcript.Receive(conversationID, &frame) {
			c.notify()
		}
	}
}

// Send posts content to the open conversation. The optimistic entry is in
// the transcript before the frame is written and is returned to the caller.
func (c *Client) Send(ctx context.Context, content string) (transcript.Entry, error) {
	if strings.TrimSpace(content) == "" {
		return transcript.Entry{}, ErrEmptyMessage
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transcript.Entry{}, ErrClosed
	}
	if c.conn == nil {
		return transcript.Entry{}, ErrNoConversation
	}

	entry := c.transcript.AddLocal(content, time.Now().UTC())
	c.notify()

	err := wsjson.Write(ctx, c.conn, protocol.ClientFrame{
		Type:         protocol.TypeMessage,
		Content:      content,
		SenderHandle: c.handle,
		ClientID:     entry.ClientID,
	})
	if err != nil {
		return entry, fmt.Errorf("sending message: %w", err)
	}
	return entry, nil
}

// Refresh reloads history for the open conversation, confirming pending
// entries that have since been persisted.
func (c *Client) Refresh(ctx context.Context) error {
	conversationID := c.transcript.ConversationID()
	if conversationID == "" {
		return ErrNoConversation
	}
	history, err := c.History(ctx, conversationID, 0)
	if err != nil {
		return err
	}
	if c.transcript.ConversationID() != conversationID {
		// Switched while loading; the new room has its own history.
		return nil
	}
	c.transcript.Refresh(transcript.FromHistory(history))
	c.notify()
	return nil
}

// ConversationID returns the open conversation, or "".
func (c *Client) ConversationID() string { return c.transcript.ConversationID() }

// Entries returns the merged transcript of the open conversation.
func (c *Client) Entries() []transcript.Entry { return c.transcript.Entries() }

// Groups returns the transcript grouped by consecutive sender.
func (c *Client) Groups() []transcript.Group { return c.transcript.Groups() }

// Updates signals, coalesced, whenever the transcript changes or the live
// channel ends.
func (c *Client) Updates() <-chan struct{} { return c.updates }

// Err returns the error that ended the live channel, or nil while it is
// open or after a clean close.
func (c *Client) Err() error { return c.live.get() }

func (c *Client) notify() {
	select {
	case c.updates <- struct{}{}:
	default:
	}
}

// Close ends the live channel. The client cannot be used afterwards.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.disconnectLocked()
	return nil
}
