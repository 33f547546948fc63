// ABOUTME: HTTP API handlers for resolving, listing and reading conversations
// ABOUTME: Every route here runs behind the identity middleware and answers JSON

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/samber/lo"

	"github.com/17anirudh/quirks/internal/auth"
	"github.com/17anirudh/quirks/internal/directory"
	"github.com/17anirudh/quirks/internal/persist"
	"github.com/17anirudh/quirks/internal/protocol"
	"github.com/17anirudh/quirks/internal/store"
)

// maxRequestBody bounds JSON request bodies.
const maxRequestBody = 64 << 10

// registerAPIRoutes adds the /api routes to mux.
func (g *Gateway) registerAPIRoutes(mux *http.ServeMux) {
	authed := func(h http.HandlerFunc) http.Handler { return g.requireAuth(h) }

	mux.Handle("POST /api/conversations", authed(g.handleResolveConversation))
	mux.Handle("GET /api/conversations", authed(g.handleListConversations))
	mux.Handle("GET /api/conversations/{id}/messages", authed(g.handleHistory))
	mux.Handle("PUT /api/profile", authed(g.handleUpdateProfile))
}

// handleResolveConversation returns the direct conversation with the
// target, creating it on first contact.
func (g *Gateway) handleResolveConversation(w http.ResponseWriter, r *http.Request) {
	caller := auth.HandleFromContext(r.Context())

	var req protocol.ResolveConversationRequest
	if err := decodeBody(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	conv, err := g.directory.ResolveOrCreate(r.Context(), caller, req.TargetHandle)
	switch {
	case errors.Is(err, directory.ErrInvalidTarget):
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		g.logger.Error("resolving conversation", "caller", caller, "target", req.TargetHandle, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to resolve conversation")
		return
	}

	g.sendJSON(w, http.StatusOK, protocol.ResolveConversationResponse{ConversationID: conv.ID})
}

// handleListConversations returns the caller's conversations, most recent first.
func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	caller := auth.HandleFromContext(r.Context())

	summaries, err := g.directory.ListForUser(r.Context(), caller)
	if err != nil {
		g.logger.Error("listing conversations", "caller", caller, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}

	g.sendJSON(w, http.StatusOK, protocol.ConversationListResponse{
		Conversations: lo.Map(summaries, func(s *directory.Summary, _ int) protocol.ConversationView {
			view := protocol.ConversationView{
				ConversationID: s.Conversation.ID,
				Other: protocol.ProfileView{
					Handle:      s.Other.Handle,
					DisplayName: s.Other.DisplayName,
					AvatarURL:   s.Other.AvatarURL,
				},
				CreatedAt: s.Conversation.CreatedAt,
			}
			if s.LastMessage != nil {
				last := messageView(s.LastMessage)
				view.LastMessage = &last
			}
			return view
		}),
	})
}

// handleHistory returns the most recent page of a conversation the caller
// belongs to, oldest first.
func (g *Gateway) handleHistory(w http.ResponseWriter, r *http.Request) {
	caller := auth.HandleFromContext(r.Context())
	conversationID := r.PathValue("id")

	limit := g.config.Messaging.HistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	if status, msg := g.authorizeConversation(r, conversationID, caller); status != http.StatusOK {
		g.sendJSONError(w, status, msg)
		return
	}

	msgs, err := g.directory.History(r.Context(), conversationID, limit)
	if err != nil {
		g.logger.Error("loading history", "conversation_id", conversationID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to load history")
		return
	}

	g.sendJSON(w, http.StatusOK, protocol.HistoryResponse{
		ConversationID: conversationID,
		Messages: lo.Map(msgs, func(m *store.Message, _ int) protocol.MessageView {
			return messageView(m)
		}),
	})
}

// handleUpdateProfile sets the caller's display name and avatar.
func (g *Gateway) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	caller := auth.HandleFromContext(r.Context())

	var req protocol.UpdateProfileRequest
	if err := decodeBody(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	profile := &store.Profile{Handle: caller, DisplayName: req.DisplayName, AvatarURL: req.AvatarURL}
	if err := g.store.UpsertProfile(r.Context(), profile); err != nil {
		g.logger.Error("updating profile", "handle", caller, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to update profile")
		return
	}

	g.sendJSON(w, http.StatusOK, protocol.ProfileView{
		Handle:      profile.Handle,
		DisplayName: profile.DisplayName,
		AvatarURL:   profile.AvatarURL,
	})
}

// authorizeConversation checks that the conversation exists and the caller
// belongs to it. It returns http.StatusOK when access is allowed.
func (g *Gateway) authorizeConversation(r *http.Request, conversationID, caller string) (int, string) {
	if _, err := g.store.GetConversation(r.Context(), conversationID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return http.StatusNotFound, "conversation not found"
		}
		g.logger.Error("loading conversation", "conversation_id", conversationID, "error", err)
		return http.StatusInternalServerError, "failed to load conversation"
	}

	ok, err := g.directory.IsMember(r.Context(), conversationID, caller)
	if err != nil {
		g.logger.Error("checking membership", "conversation_id", conversationID, "error", err)
		return http.StatusInternalServerError, "failed to check membership"
	}
	if !ok {
		return http.StatusForbidden, "not a member of this conversation"
	}
	return http.StatusOK, ""
}

func messageView(m *store.Message) protocol.MessageView {
	return protocol.MessageView{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderHandle:   m.SenderHandle,
		Content:        m.Content,
		ClientID:       m.ClientID,
		CreatedAt:      m.CreatedAt,
	}
}

// decodeBody decodes a bounded JSON body into v and validates it.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid JSON body")
	}
	if err := protocol.Validate(v); err != nil {
		return fmt.Errorf("invalid request: %w", err)
	}
	return nil
}

// sendJSON writes v with the given status.
func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("writing response", "error", err)
	}
}

// sendJSONError sends a JSON error response
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.sendJSON(w, status, protocol.ErrorResponse{Error: message})
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// readyResponse is the body of /health/ready.
type readyResponse struct {
	Status      string        `json:"status"`
	Uptime      string        `json:"uptime"`
	Rooms       int           `json:"rooms"`
	Connections int           `json:"connections"`
	Persist     persist.Stats `json:"persist"`
	Error       string        `json:"error,omitempty"`
}

// handleReady returns 200 when the database answers, 503 otherwise.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	resp := readyResponse{
		Status:      "ready",
		Uptime:      time.Since(g.startedAt).Round(time.Second).String(),
		Rooms:       g.hub.Rooms(),
		Connections: g.hub.Connections(),
		Persist:     g.writer.Stats(),
	}
	if err := g.store.Ping(r.Context()); err != nil {
		resp.Status = "unavailable"
		resp.Error = "database unreachable"
		g.sendJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	g.sendJSON(w, http.StatusOK, resp)
}
