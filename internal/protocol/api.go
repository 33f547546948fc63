// ABOUTME: JSON bodies returned by the HTTP API
// ABOUTME: Shared by the gateway handlers and the Go chat client

package protocol

import "time"

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ResolveConversationResponse answers POST /api/conversations.
type ResolveConversationResponse struct {
	ConversationID string `json:"conversation_id"`
}

// MessageView is a stored message as served by the history endpoint.
type MessageView struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderHandle   string    `json:"sender_handle"`
	Content        string    `json:"content"`
	ClientID       string    `json:"client_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// HistoryResponse answers GET /api/conversations/{id}/messages. Messages
// are oldest first.
type HistoryResponse struct {
	ConversationID string        `json:"conversation_id"`
	Messages       []MessageView `json:"messages"`
}

// ProfileView is the public face of a user in listings.
type ProfileView struct {
	Handle      string `json:"handle"`
	DisplayName string `json:"display_name,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// ConversationView is one row of the conversation list.
type ConversationView struct {
	ConversationID string       `json:"conversation_id"`
	Other          ProfileView  `json:"other"`
	LastMessage    *MessageView `json:"last_message,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
}

// ConversationListResponse answers GET /api/conversations.
type ConversationListResponse struct {
	Conversations []ConversationView `json:"conversations"`
}
