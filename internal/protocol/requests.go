package protocol

import (
	"encoding/json"
	"strings"

	"driftchat/internal/domain"
)

// Wire limits checked before any call reaches the domain.
const (
	MaxAttachmentsPerMessage = 10
	MaxSignalBytes           = 64 * 1024
	MaxIDLength              = 64
)

// Request is a decoded call payload that can check its own shape.
type Request interface {
	Validate() error
}

// DecodeRequest unmarshals raw into req and validates it. Every failure is
// reported as InvalidRequest.
func DecodeRequest(raw json.RawMessage, req Request) error {
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, req); err != nil {
			return domain.ErrInvalidRequest.With("malformed payload: %v", err)
		}
	}
	return req.Validate()
}

// SendMessageRequest posts a message to the caller's room.
type SendMessageRequest struct {
	Content       string   `json:"content"`
	ReplyTo       string   `json:"reply_to,omitempty"`
	AttachmentIDs []string `json:"attachment_ids,omitempty"`
}

func (r *SendMessageRequest) Validate() error {
	if r.ReplyTo != "" {
		if err := requireID("reply_to", r.ReplyTo); err != nil {
			return err
		}
	}
	if len(r.AttachmentIDs) > MaxAttachmentsPerMessage {
		return domain.ErrInvalidRequest.With("at most %d attachments per message", MaxAttachmentsPerMessage)
	}
	seen := make(map[string]struct{}, len(r.AttachmentIDs))
	for _, id := range r.AttachmentIDs {
		if err := requireID("attachment_ids", id); err != nil {
			return err
		}
		if _, dup := seen[id]; dup {
			return domain.ErrInvalidRequest.With("attachment %s listed twice", id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

// EditMessageRequest replaces a message's content.
type EditMessageRequest struct {
	MessageID string `json:"message_id"`
	Content   string `json:"content"`
}

func (r *EditMessageRequest) Validate() error {
	return requireID("message_id", r.MessageID)
}

// MessageRequest targets one message.
type MessageRequest struct {
	MessageID string `json:"message_id"`
}

func (r *MessageRequest) Validate() error {
	return requireID("message_id", r.MessageID)
}

// AddReactionRequest reacts to a message with a symbol.
type AddReactionRequest struct {
	MessageID string `json:"message_id"`
	Symbol    string `json:"symbol"`
}

func (r *AddReactionRequest) Validate() error {
	return requireID("message_id", r.MessageID)
}

// ReactionRequest targets one reaction.
type ReactionRequest struct {
	ReactionID string `json:"reaction_id"`
}

func (r *ReactionRequest) Validate() error {
	return requireID("reaction_id", r.ReactionID)
}

// HistoryRequest pages backwards through a room's messages.
type HistoryRequest struct {
	Before string `json:"before,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

func (r *HistoryRequest) Validate() error {
	if r.Limit < 0 {
		return domain.ErrInvalidRequest.With("limit must not be negative")
	}
	if len(r.Before) > MaxIDLength {
		return domain.ErrInvalidRequest.With("before cursor too long")
	}
	return nil
}

// UserRequest targets another user, for kicks and stream watching.
type UserRequest struct {
	UserID string `json:"user_id"`
}

func (r *UserRequest) Validate() error {
	return requireID("user_id", r.UserID)
}

// SignalRequest carries opaque signaling data (SDP, ICE candidates) to be
// relayed to other voice participants.
type SignalRequest struct {
	Data json.RawMessage `json:"data"`
}

func (r *SignalRequest) Validate() error {
	if len(r.Data) == 0 || string(r.Data) == "null" {
		return domain.ErrInvalidRequest.With("data is required")
	}
	if len(r.Data) > MaxSignalBytes {
		return domain.ErrInvalidRequest.With("signal exceeds %d bytes", MaxSignalBytes)
	}
	return nil
}

// Empty is the payload of calls that take no arguments.
type Empty struct{}

func (*Empty) Validate() error { return nil }

func requireID(field, v string) error {
	switch {
	case strings.TrimSpace(v) == "":
		return domain.ErrInvalidRequest.With("%s is required", field)
	case len(v) > MaxIDLength:
		return domain.ErrInvalidRequest.With("%s too long", field)
	}
	return nil
}
