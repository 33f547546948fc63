// Package session drives one client connection to a conversation room.
//
// A Session starts in StateConnecting. Join checks membership and
// subscribes to the room; non-members are rejected and the session closes.
// While joined, every valid inbound frame is published to the other
// subscribers first and then queued for storage, so a slow disk never
// delays live delivery. Invalid frames are dropped without a reply.
//
// Serve binds a Session to a coder/websocket connection.
package session
