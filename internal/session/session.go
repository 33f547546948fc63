// ABOUTME: Per-connection chat session state machine: Connecting, Joined, Closed
// ABOUTME: Joined sessions fan valid frames out to the room, then queue them for storage

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/17anirudh/quirks/internal/dedupe"
	"github.com/17anirudh/quirks/internal/protocol"
	"github.com/17anirudh/quirks/internal/store"
)

var (
	// ErrNotMember is returned by Join when the handle does not belong to the conversation.
	ErrNotMember = errors.New("not a member of conversation")
	// ErrClosed is returned by Join on a session that already closed.
	ErrClosed = errors.New("session closed")
	// ErrAlreadyJoined is returned by a second Join.
	ErrAlreadyJoined = errors.New("session already joined")
)

// State is the lifecycle position of a session.
type State int

const (
	StateConnecting State = iota
	StateJoined
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateJoined:
		return "joined"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Outcome says what HandleFrame did with a frame. Only OutcomeDelivered
// has effects; every other outcome leaves the session untouched.
type Outcome int

const (
	OutcomeDelivered Outcome = iota
	OutcomeNotJoined
	OutcomeMalformed
	OutcomeSenderMismatch
	OutcomeRateLimited
	OutcomeDuplicate
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeNotJoined:
		return "not_joined"
	case OutcomeMalformed:
		return "malformed"
	case OutcomeSenderMismatch:
		return "sender_mismatch"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeDuplicate:
		return "duplicate"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// MembershipChecker authorizes a join.
type MembershipChecker interface {
	IsMember(ctx context.Context, conversationID, handle string) (bool, error)
}

// Room is the fan-out side of the hub a session uses.
type Room interface {
	Subscribe(ctx context.Context, roomID, subID string) <-chan *protocol.ServerFrame
	Unsubscribe(roomID, subID string)
	Publish(roomID string, frame *protocol.ServerFrame, originSubID string) int
}

// Persister accepts messages for background storage without blocking.
type Persister interface {
	Enqueue(msg *store.Message) bool
}

// Deps are the shared collaborators every session uses.
type Deps struct {
	Members MembershipChecker
	Hub     Room
	Persist Persister
	Dedupe  *dedupe.Window // optional
	Logger  *slog.Logger
}

// Options tunes a single session.
type Options struct {
	// RateLimit is the sustained inbound frame rate; zero disables limiting.
	RateLimit rate.Limit
	RateBurst int
}

// Session is one client's attachment to one conversation.
type Session struct {
	id             string
	conversationID string
	handle         string
	deps           Deps
	limiter        *rate.Limiter
	logger         *slog.Logger
	now            func() time.Time

	mu    sync.Mutex
	state State
}

// New creates a session in StateConnecting for an authenticated handle.
func New(conversationID, handle string, deps Deps, opts Options) *Session {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.New().String()

	var limiter *rate.Limiter
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(opts.RateLimit, burst)
	}

	return &Session{
		id:             id,
		conversationID: conversationID,
		handle:         handle,
		deps:           deps,
		limiter:        limiter,
		logger: logger.With(
			"component", "session",
			"session_id", id,
			"conversation_id", conversationID,
			"handle", handle),
		now:   time.Now,
		state: StateConnecting,
	}
}

func (s *Session) ID() string             { return s.id }
func (s *Session) ConversationID() string { return s.conversationID }
func (s *Session) Handle() string         { return s.handle }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Join authorizes the handle and subscribes the session to its room. The
// returned channel carries frames published by other sessions and is closed
// when the session closes. A rejected join closes the session.
func (s *Session) Join(ctx context.Context) (<-chan *protocol.ServerFrame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateJoined:
		return nil, ErrAlreadyJoined
	case StateClosed:
		return nil, ErrClosed
	}

	ok, err := s.deps.Members.IsMember(ctx, s.conversationID, s.handle)
	if err != nil {
		s.state = StateClosed
		return nil, fmt.Errorf("checking membership: %w", err)
	}
	if !ok {
		s.state = StateClosed
		s.logger.Warn("join rejected: not a member")
		return nil, ErrNotMember
	}

	frames := s.deps.Hub.Subscribe(ctx, s.conversationID, s.id)
	s.state = StateJoined
	s.logger.Info("session joined")
	return frames, nil
}

// HandleFrame processes one raw inbound frame. Rejected frames are dropped
// silently: no state change and nothing is sent back.
func (s *Session) HandleFrame(data []byte) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateJoined {
		return OutcomeNotJoined
	}

	frame, err := protocol.DecodeClientFrame(data)
	if err != nil {
		s.logger.Debug("ignoring malformed frame", "error", err)
		return OutcomeMalformed
	}
	if frame.SenderHandle != s.handle {
		s.logger.Warn("ignoring frame with foreign sender", "sender_handle", frame.SenderHandle)
		return OutcomeSenderMismatch
	}
	if s.limiter != nil && !s.limiter.Allow() {
		s.logger.Debug("ignoring rate limited frame")
		return OutcomeRateLimited
	}
	if frame.ClientID != "" && s.deps.Dedupe != nil &&
		s.deps.Dedupe.Seen(dedupe.Key(s.conversationID, s.handle, frame.ClientID)) {
		s.logger.Debug("ignoring duplicate frame", "client_id", frame.ClientID)
		return OutcomeDuplicate
	}

	msgID := uuid.New().String()
	createdAt := s.now().UTC()
	out := &protocol.ServerFrame{
		ID:             msgID,
		Type:           protocol.TypeMessage,
		ConversationID: s.conversationID,
		Content:        frame.Content,
		SenderHandle:   s.handle,
		CreatedAt:      createdAt,
		ClientID:       frame.ClientID,
	}

	// Deliver first; storage must never hold up live subscribers.
	delivered := s.deps.Hub.Publish(s.conversationID, out, s.id)
	s.deps.Persist.Enqueue(&store.Message{
		ID:             msgID,
		ConversationID: s.conversationID,
		SenderHandle:   s.handle,
		Content:        frame.Content,
		ClientID:       frame.ClientID,
		CreatedAt:      createdAt,
	})

	s.logger.Debug("frame delivered", "recipients", delivered)
	return OutcomeDelivered
}

// Close leaves the room. It is safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return
	}
	wasJoined := s.state == StateJoined
	s.state = StateClosed
	if wasJoined {
		s.deps.Hub.Unsubscribe(s.conversationID, s.id)
		s.logger.Info("session closed")
	}
}
