// Package transcript merges what a chat client has loaded, received and
// sent into one ordered view of the open conversation.
package transcript
