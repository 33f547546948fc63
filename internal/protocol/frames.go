// ABOUTME: Wire frames for the live chat channel and request bodies for the HTTP API
// ABOUTME: Frames are decoded strictly and validated so malformed input fails closed

// Package protocol defines the JSON shapes exchanged with clients.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/go-playground/validator/v10"
)

// ErrMalformedFrame is returned for frames that cannot be decoded or fail validation.
var ErrMalformedFrame = errors.New("malformed frame")

// MaxContentLength bounds a single message body in characters.
const MaxContentLength = 4000

// FrameType tags every frame on the live channel.
type FrameType string

const (
	// TypeMessage is the only frame type exchanged today. An absent type on
	// an inbound frame is read as TypeMessage.
	TypeMessage FrameType = "message"
)

// ClientFrame is sent by a client over the live channel.
type ClientFrame struct {
	Type         FrameType `json:"type,omitempty" validate:"omitempty,oneof=message"`
	Content      string    `json:"content" validate:"required,notblank,max=4000"`
	SenderHandle string    `json:"sender_handle" validate:"required,handle"`
	ClientID     string    `json:"client_id,omitempty" validate:"omitempty,max=64,printascii"`
}

// ServerFrame is fanned out to the other subscribers of a room.
// ID is the stored message id, so clients can match it against history.
type ServerFrame struct {
	ID             string    `json:"id"`
	Type           FrameType `json:"type"`
	ConversationID string    `json:"conversation_id"`
	Content        string    `json:"content"`
	SenderHandle   string    `json:"sender_handle"`
	CreatedAt      time.Time `json:"created_at"`
	ClientID       string    `json:"client_id,omitempty"`
}

// ResolveConversationRequest is the body of POST /api/conversations.
type ResolveConversationRequest struct {
	TargetHandle string `json:"target_handle" validate:"required,handle"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("handle", func(fl validator.FieldLevel) bool {
		return ValidHandle(fl.Field().String())
	})
	_ = v.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})
	return v
}

// ValidHandle reports whether s is usable as a user handle: non-empty, at
// most 64 bytes, and free of whitespace and control characters.
func ValidHandle(s string) bool {
	if s == "" || len(s) > 64 {
		return false
	}
	for _, r := range s {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return false
		}
	}
	return true
}

// Validate checks v against its struct tags.
func Validate(v any) error {
	return validate.Struct(v)
}

// DecodeClientFrame decodes and validates an inbound frame. Unknown fields,
// trailing data, empty content and bad handles all yield ErrMalformedFrame.
func DecodeClientFrame(data []byte) (*ClientFrame, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var frame ClientFrame
	if err := dec.Decode(&frame); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data", ErrMalformedFrame)
	}
	if err := Validate(&frame); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if frame.Type == "" {
		frame.Type = TypeMessage
	}
	return &frame, nil
}

// UpdateProfileRequest is the body of PUT /api/profile.
type UpdateProfileRequest struct {
	DisplayName string `json:"display_name" validate:"max=100"`
	AvatarURL   string `json:"avatar_url" validate:"omitempty,url,max=2048"`
}
