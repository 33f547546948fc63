// ABOUTME: HTTP client for the quirks API: resolve, list, history and profile calls
// ABOUTME: Authenticates with a bearer token, or the dev handle header when no token is set

// Package chatclient is a Go client for the quirks gateway that keeps a
// reconciled transcript of the open conversation.
package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/coder/websocket"

	"github.com/17anirudh/quirks/internal/auth"
	"github.com/17anirudh/quirks/internal/protocol"
	"github.com/17anirudh/quirks/internal/transcript"
)

// ErrNoConversation is returned by Send before any conversation is open.
var ErrNoConversation = errors.New("no conversation open")

// StatusError is a non-2xx API response.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("server returned status %d: %s", e.StatusCode, e.Message)
}

// Unwrap maps 401 to auth.ErrUnauthorized.
func (e *StatusError) Unwrap() error {
	if e.StatusCode == http.StatusUnauthorized {
		return auth.ErrUnauthorized
	}
	return nil
}

// Options configures a Client.
type Options struct {
	// BaseURL is the gateway root, e.g. http://localhost:8080.
	BaseURL string
	// Handle is the signed-in user. With a token it must match the token's handle.
	Handle string
	// Token is a bearer JWT. Empty means the gateway runs in development mode.
	Token      string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client talks to one gateway as one user and keeps the transcript of the
// open conversation current.
type Client struct {
	base   *url.URL
	handle string
	token  string
	http   *http.Client
	logger *slog.Logger

	transcript *transcript.Transcript
	updates    chan struct{}
	live       liveState

	mu       sync.Mutex
	conn     *websocket.Conn
	cancel   context.CancelFunc
	readDone chan struct{}
	closed   bool
}

// New creates a client. It does not contact the server.
func New(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base URL must be http or https, got %q", opts.BaseURL)
	}
	if !protocol.ValidHandle(opts.Handle) {
		return nil, fmt.Errorf("invalid handle %q", opts.Handle)
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Client{
		base:       base,
		handle:     opts.Handle,
		token:      opts.Token,
		http:       opts.HTTPClient,
		logger:     opts.Logger.With("component", "chatclient", "handle", opts.Handle),
		transcript: transcript.New(opts.Handle),
		updates:    make(chan struct{}, 1),
	}, nil
}

// Handle returns the signed-in handle.
func (c *Client) Handle() string { return c.handle }

// Resolve returns the id of the direct conversation with target, creating
// it on first contact.
func (c *Client) Resolve(ctx context.Context, target string) (string, error) {
	var resp protocol.ResolveConversationResponse
	err := c.do(ctx, http.MethodPost, "/api/conversations", protocol.ResolveConversationRequest{TargetHandle: target}, &resp)
	if err != nil {
		return "", fmt.Errorf("resolving conversation with %s: %w", target, err)
	}
	return resp.ConversationID, nil
}

// Conversations lists the caller's conversations, most recent first.
func (c *Client) Conversations(ctx context.Context) ([]protocol.ConversationView, error) {
	var resp protocol.ConversationListResponse
	if err := c.do(ctx, http.MethodGet, "/api/conversations", nil, &resp); err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}
	return resp.Conversations, nil
}

// History returns the latest messages of a conversation, oldest first.
// limit <= 0 uses the server default.
func (c *Client) History(ctx context.Context, conversationID string, limit int) ([]protocol.MessageView, error) {
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/messages"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var resp protocol.HistoryResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}
	return resp.Messages, nil
}

// UpdateProfile sets the caller's display name and avatar.
func (c *Client) UpdateProfile(ctx context.Context, displayName, avatarURL string) (*protocol.ProfileView, error) {
	var resp protocol.ProfileView
	req := protocol.UpdateProfileRequest{DisplayName: displayName, AvatarURL: avatarURL}
	if err := c.do(ctx, http.MethodPut, "/api/profile", req, &resp); err != nil {
		return nil, fmt.Errorf("updating profile: %w", err)
	}
	return &resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		r = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, r)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &StatusError{StatusCode: resp.StatusCode}
		var errResp protocol.ErrorResponse
		if json.NewDecoder(resp.Body).Decode(&errResp) == nil {
			se.Message = errResp.Error
		}
		return se
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
		return
	}
	req.Header.Set(auth.DevHandleHeader, c.handle)
}
