// Package hub keeps the live rooms of the chat server.
//
// A room exists while it has subscribers and is keyed by conversation id.
// Publish delivers a frame to every subscriber except the sender's own
// session, in one order shared by all subscribers of that room:
//
//	frames := h.Subscribe(ctx, conversationID, sessionID)
//	h.Publish(conversationID, frame, sessionID)
//
// Delivery never blocks. A subscriber whose buffer is full misses the
// frame; durable history is the recovery path. Canceling the subscribe
// context, Unsubscribe, or Close closes the subscriber's channel.
package hub
