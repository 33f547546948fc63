// ABOUTME: Conversation directory: resolves or creates the single direct conversation per pair
// ABOUTME: Also lists a user's conversations with partner profile and last message

package directory

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/17anirudh/quirks/internal/protocol"
	"github.com/17anirudh/quirks/internal/store"
)

// ErrInvalidTarget is returned for a missing target or a self-conversation.
var ErrInvalidTarget = errors.New("invalid target")

const (
	// DefaultHistoryLimit is the history page size when the caller gives none.
	DefaultHistoryLimit = 50
	// MaxHistoryLimit caps a single history page.
	MaxHistoryLimit = 200

	// maxResolveAttempts bounds re-resolution after losing a creation race.
	maxResolveAttempts = 3
)

// ConversationStore defines what the directory needs from storage
type ConversationStore interface {
	CreateDirectConversation(ctx context.Context, conv *store.Conversation, a, b string) error
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	GetConversationByPairKey(ctx context.Context, pairKey string) (*store.Conversation, error)
	ListMemberships(ctx context.Context, handle string) ([]*store.Member, error)
	ListMembers(ctx context.Context, conversationID string) ([]*store.Member, error)
	IsMember(ctx context.Context, conversationID, handle string) (bool, error)
	GetConversationMessages(ctx context.Context, conversationID string, limit int) ([]*store.Message, error)
	GetLastMessage(ctx context.Context, conversationID string) (*store.Message, error)
	GetProfile(ctx context.Context, handle string) (*store.Profile, error)
}

// Summary is one entry of a user's conversation list.
type Summary struct {
	Conversation *store.Conversation
	Other        *store.Profile
	LastMessage  *store.Message // nil when the conversation has no messages
}

// Service resolves, lists and authorizes conversations.
type Service struct {
	store  ConversationStore
	logger *slog.Logger
	now    func() time.Time
}

// New creates a directory service. Pass nil logger for default.
func New(s ConversationStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  s,
		logger: logger.With("component", "directory"),
		now:    time.Now,
	}
}

// ResolveOrCreate returns the direct conversation between caller and target,
// creating it on first contact. Concurrent callers for the same unordered
// pair converge on one conversation: the loser of the insert race re-resolves
// and returns the winner's conversation.
func (s *Service) ResolveOrCreate(ctx context.Context, caller, target string) (*store.Conversation, error) {
	target = strings.TrimSpace(target)
	if target == "" || !protocol.ValidHandle(target) {
		return nil, fmt.Errorf("%w: target handle required", ErrInvalidTarget)
	}
	if target == caller {
		return nil, fmt.Errorf("%w: cannot message self", ErrInvalidTarget)
	}

	for attempt := 1; attempt <= maxResolveAttempts; attempt++ {
		conv, err := s.findDirect(ctx, caller, target)
		if err == nil {
			return conv, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}

		conv = &store.Conversation{
			ID:        uuid.New().String(),
			Kind:      store.ConversationKindDirect,
			PairKey:   store.PairKey(caller, target),
			CreatedAt: s.now().UTC(),
		}
		err = s.store.CreateDirectConversation(ctx, conv, caller, target)
		if err == nil {
			s.logger.Info("conversation created",
				"conversation_id", conv.ID,
				"caller", caller,
				"target", target)
			return conv, nil
		}
		if !errors.Is(err, store.ErrDuplicateConversation) {
			return nil, fmt.Errorf("creating conversation: %w", err)
		}

		s.logger.Debug("lost conversation creation race, re-resolving",
			"caller", caller,
			"target", target,
			"attempt", attempt)
	}

	return nil, fmt.Errorf("resolving conversation for %s/%s: gave up after %d attempts", caller, target, maxResolveAttempts)
}

// findDirect intersects the memberships of both handles and returns the
// shared direct conversation, or store.ErrNotFound.
func (s *Service) findDirect(ctx context.Context, caller, target string) (*store.Conversation, error) {
	callerMemberships, err := s.store.ListMemberships(ctx, caller)
	if err != nil {
		return nil, fmt.Errorf("listing memberships of %s: %w", caller, err)
	}
	if len(callerMemberships) == 0 {
		return nil, store.ErrNotFound
	}
	targetMemberships, err := s.store.ListMemberships(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("listing memberships of %s: %w", target, err)
	}

	shared := lo.Intersect(conversationIDs(callerMemberships), conversationIDs(targetMemberships))
	for _, id := range shared {
		conv, err := s.store.GetConversation(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("loading conversation %s: %w", id, err)
		}
		if conv.Kind == store.ConversationKindDirect {
			return conv, nil
		}
	}

	// Memberships are written with the conversation in one transaction, so
	// the pair key lookup only matters for stores without that guarantee.
	conv, err := s.store.GetConversationByPairKey(ctx, store.PairKey(caller, target))
	if err != nil {
		return nil, err
	}
	return conv, nil
}

func conversationIDs(members []*store.Member) []string {
	return lo.Map(members, func(m *store.Member, _ int) string {
		return m.ConversationID
	})
}

// ListForUser returns every conversation the handle belongs to, with the
// other member's profile and the latest message, most recent first.
// Conversations without messages sort last.
func (s *Service) ListForUser(ctx context.Context, handle string) ([]*Summary, error) {
	memberships, err := s.store.ListMemberships(ctx, handle)
	if err != nil {
		return nil, fmt.Errorf("listing memberships: %w", err)
	}

	summaries := make([]*Summary, 0, len(memberships))
	for _, id := range lo.Uniq(conversationIDs(memberships)) {
		summary, err := s.summarize(ctx, id, handle)
		if err != nil {
			// One broken conversation must not hide the rest of the list.
			s.logger.Error("skipping conversation in list",
				"conversation_id", id,
				"handle", handle,
				"error", err)
			continue
		}
		if summary != nil {
			summaries = append(summaries, summary)
		}
	}

	slices.SortStableFunc(summaries, compareByRecency)
	return summaries, nil
}

func (s *Service) summarize(ctx context.Context, conversationID, handle string) (*Summary, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	members, err := s.store.ListMembers(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	other, ok := lo.Find(members, func(m *store.Member) bool {
		return m.Handle != handle
	})
	if !ok {
		return nil, nil
	}

	profile, err := s.store.GetProfile(ctx, other.Handle)
	switch {
	case errors.Is(err, store.ErrNotFound):
		profile = &store.Profile{Handle: other.Handle}
	case err != nil:
		return nil, fmt.Errorf("loading profile of %s: %w", other.Handle, err)
	}

	last, err := s.store.GetLastMessage(ctx, conversationID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.logger.Warn("loading last message", "conversation_id", conversationID, "error", err)
		}
		last = nil
	}

	return &Summary{Conversation: conv, Other: profile, LastMessage: last}, nil
}

// compareByRecency orders summaries by last message time descending,
// conversations without messages last, newer conversations first among those.
func compareByRecency(a, b *Summary) int {
	switch {
	case a.LastMessage != nil && b.LastMessage != nil:
		return b.LastMessage.CreatedAt.Compare(a.LastMessage.CreatedAt)
	case a.LastMessage != nil:
		return -1
	case b.LastMessage != nil:
		return 1
	default:
		return cmp.Compare(b.Conversation.CreatedAt.UnixNano(), a.Conversation.CreatedAt.UnixNano())
	}
}

// IsMember reports whether handle belongs to the conversation.
func (s *Service) IsMember(ctx context.Context, conversationID, handle string) (bool, error) {
	return s.store.IsMember(ctx, conversationID, handle)
}

// History returns the most recent page of a conversation, oldest first.
// limit <= 0 selects DefaultHistoryLimit; larger values are capped at MaxHistoryLimit.
func (s *Service) History(ctx context.Context, conversationID string, limit int) ([]*store.Message, error) {
	switch {
	case limit <= 0:
		limit = DefaultHistoryLimit
	case limit > MaxHistoryLimit:
		limit = MaxHistoryLimit
	}
	msgs, err := s.store.GetConversationMessages(ctx, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}
	return msgs, nil
}
