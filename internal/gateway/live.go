// ABOUTME: WebSocket endpoint that attaches an authenticated caller to a conversation room
// ABOUTME: Upgrades the request and hands the connection to a chat session

package gateway

import (
	"errors"
	"net/http"

	"github.com/coder/websocket"

	"github.com/17anirudh/quirks/internal/auth"
	"github.com/17anirudh/quirks/internal/session"
	"github.com/17anirudh/quirks/internal/store"
)

// handleLiveChannel serves GET /ws/conversations/{id}. Unknown
// conversations are refused before the upgrade; membership is checked by
// the session after it, so non-members see a policy violation close.
func (g *Gateway) handleLiveChannel(w http.ResponseWriter, r *http.Request) {
	caller := auth.HandleFromContext(r.Context())
	conversationID := r.PathValue("id")

	if _, err := g.store.GetConversation(r.Context(), conversationID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			g.sendJSONError(w, http.StatusNotFound, "conversation not found")
			return
		}
		g.logger.Error("loading conversation", "conversation_id", conversationID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to load conversation")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: g.config.Server.AllowedOrigins,
	})
	if err != nil {
		// Accept has already written the HTTP error.
		g.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	s := session.New(conversationID, caller, session.Deps{
		Members: g.directory,
		Hub:     g.hub,
		Persist: g.writer,
		Dedupe:  g.dedupe,
		Logger:  g.logger,
	}, g.sessionOpts)

	err = session.Serve(r.Context(), conn, s, g.transportOpts, g.logger)
	if err != nil && !errors.Is(err, session.ErrNotMember) {
		g.logger.Warn("live channel ended", "conversation_id", conversationID, "handle", caller, "error", err)
	}
}
