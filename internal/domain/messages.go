package domain

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"driftchat/internal/blob"
	"driftchat/internal/store"
)

// SendMessageParams is the input of SendMessage. ReplyTo is empty when the
// message does not reply to another one.
type SendMessageParams struct {
	RoomID        string
	AuthorID      string
	Content       string
	ReplyTo       string
	AttachmentIDs []string
}

// SendMessage posts a message, binding any pre-uploaded attachments to it.
func (s *Service) SendMessage(ctx context.Context, p SendMessageParams) (Message, error) {
	if err := s.checkContent(p.Content); err != nil {
		return Message{}, err
	}

	now := s.now().UTC()
	msg := store.Message{
		ID:       s.newMessageID(now),
		RoomID:   p.RoomID,
		AuthorID: p.AuthorID,
		Content:  p.Content,
		PostedAt: now,
	}
	var attached []store.Attachment

	err := s.store.InTx(ctx, func(q *store.Queries) error {
		author, err := s.user(ctx, q, p.AuthorID)
		if err != nil {
			return err
		}
		if _, err := s.activeRoom(ctx, q, p.RoomID); err != nil {
			return err
		}
		if err := requireMember(ctx, q, p.RoomID, p.AuthorID); err != nil {
			return err
		}
		if p.ReplyTo != "" {
			target, err := q.MessageByID(ctx, p.ReplyTo)
			if errors.Is(err, store.ErrNotFound) || (err == nil && target.RoomID != p.RoomID) {
				return ErrMessageNotFound.With("reply target %s not found", p.ReplyTo)
			}
			if err != nil {
				return err
			}
			msg.ReplyTo = &p.ReplyTo
		}

		candidates := make([]store.Attachment, 0, len(p.AttachmentIDs))
		for _, id := range p.AttachmentIDs {
			att, err := q.AttachmentByID(ctx, id)
			if errors.Is(err, store.ErrNotFound) {
				return ErrAttachmentNotFound.With("attachment %s not found", id)
			}
			if err != nil {
				return err
			}
			if att.MessageID != nil || att.RoomID != p.RoomID {
				return ErrAttachmentNotFound.With("attachment %s is not available", id)
			}
			candidates = append(candidates, att)
		}

		if err := q.InsertMessage(ctx, msg); err != nil {
			return err
		}
		for _, att := range candidates {
			if err := q.AttachToMessage(ctx, att.ID, msg.ID); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return ErrAttachmentNotFound.With("attachment %s is not available", att.ID)
				}
				return err
			}
			att.MessageID = &msg.ID
			attached = append(attached, att)
		}
		return bump(ctx, q, author, store.CounterMessagesSent)
	})
	if err != nil {
		return Message{}, err
	}

	slog.Debug("message sent", "room_id", msg.RoomID, "user_id", msg.AuthorID, "message_id", msg.ID, "attachments", len(attached))
	return Message{Message: msg, Attachments: attached}, nil
}

// EditMessage replaces the content of the issuer's own message. A non-empty
// roomID additionally requires the message to belong to that room.
func (s *Service) EditMessage(ctx context.Context, roomID, messageID, issuerID, content string) (Message, error) {
	if err := s.checkContent(content); err != nil {
		return Message{}, err
	}

	var out Message
	err := s.store.InTx(ctx, func(q *store.Queries) error {
		msg, err := s.authoredMessage(ctx, q, roomID, messageID, issuerID)
		if err != nil {
			return err
		}
		editedAt := s.now().UTC()
		if err := q.UpdateMessageContent(ctx, msg.ID, content, editedAt); err != nil {
			return err
		}
		msg.Content = content
		msg.EditedAt = &editedAt

		hydrated, err := hydrate(ctx, q, []store.Message{msg})
		if err != nil {
			return err
		}
		out = hydrated[0]
		return nil
	})
	if err != nil {
		return Message{}, err
	}
	slog.Debug("message edited", "room_id", out.RoomID, "user_id", issuerID, "message_id", out.ID)
	return out, nil
}

// DeleteMessage removes the issuer's own message with its reactions and
// attachments. Attachment files are removed after commit, best-effort.
func (s *Service) DeleteMessage(ctx context.Context, roomID, messageID, issuerID string) (store.Message, error) {
	var (
		msg     store.Message
		removed []store.Attachment
	)
	err := s.store.InTx(ctx, func(q *store.Queries) error {
		var err error
		msg, err = s.authoredMessage(ctx, q, roomID, messageID, issuerID)
		if err != nil {
			return err
		}
		if _, err := q.DeleteReactionsForMessage(ctx, msg.ID); err != nil {
			return err
		}
		removed, err = q.DeleteAttachmentsForMessage(ctx, msg.ID)
		if err != nil {
			return err
		}
		return q.DeleteMessage(ctx, msg.ID)
	})
	if err != nil {
		return store.Message{}, err
	}

	for _, att := range removed {
		if err := s.files.RemovePath(att.StoragePath); err != nil && !errors.Is(err, blob.ErrNotFound) {
			slog.Warn("attachment file delete failed", "room_id", msg.RoomID, "path", att.StoragePath, "err", err)
		}
	}
	slog.Debug("message deleted", "room_id", msg.RoomID, "user_id", issuerID, "message_id", msg.ID, "attachments", len(removed))
	return msg, nil
}

// AddReaction records symbol on a message. Each (message, author, symbol)
// triple exists at most once.
func (s *Service) AddReaction(ctx context.Context, roomID, messageID, authorID, symbol string) (store.Reaction, error) {
	symbol = strings.TrimSpace(symbol)
	if err := checkLength("reaction symbol", symbol, 1, MaxReactionSymbolLength); err != nil {
		return store.Reaction{}, err
	}

	reaction := store.Reaction{
		ID:        uuid.NewString(),
		MessageID: messageID,
		AuthorID:  authorID,
		Symbol:    symbol,
		CreatedAt: s.now().UTC(),
	}
	err := s.store.InTx(ctx, func(q *store.Queries) error {
		author, err := s.user(ctx, q, authorID)
		if err != nil {
			return err
		}
		msg, err := s.roomMessage(ctx, q, roomID, messageID)
		if err != nil {
			return err
		}
		if _, err := s.activeRoom(ctx, q, msg.RoomID); err != nil {
			return err
		}
		if err := requireMember(ctx, q, msg.RoomID, authorID); err != nil {
			return err
		}
		exists, err := q.ReactionExists(ctx, messageID, authorID, symbol)
		if err != nil {
			return err
		}
		if exists {
			return ErrInvalidAction.With("reaction already present")
		}
		if err := q.InsertReaction(ctx, reaction); err != nil {
			if store.IsUniqueViolation(err) {
				return ErrInvalidAction.With("reaction already present")
			}
			return err
		}
		return bump(ctx, q, author, store.CounterReactionsSet)
	})
	if err != nil {
		return store.Reaction{}, err
	}
	return reaction, nil
}

// RemoveReaction deletes the issuer's own reaction and returns it together
// with the room it belonged to.
func (s *Service) RemoveReaction(ctx context.Context, roomID, reactionID, issuerID string) (store.Reaction, string, error) {
	var (
		reaction store.Reaction
		inRoom   string
	)
	err := s.store.InTx(ctx, func(q *store.Queries) error {
		var err error
		reaction, err = q.ReactionByID(ctx, reactionID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrReactionNotFound
		}
		if err != nil {
			return err
		}
		msg, err := s.roomMessage(ctx, q, roomID, reaction.MessageID)
		if err != nil {
			if errors.Is(err, ErrMessageNotFound) {
				return ErrReactionNotFound
			}
			return err
		}
		if _, err := s.activeRoom(ctx, q, msg.RoomID); err != nil {
			return err
		}
		if err := requireMember(ctx, q, msg.RoomID, issuerID); err != nil {
			return err
		}
		if reaction.AuthorID != issuerID {
			return ErrNotEnoughPermissions.With("only the author can remove a reaction")
		}
		inRoom = msg.RoomID
		return q.DeleteReaction(ctx, reaction.ID)
	})
	if err != nil {
		return store.Reaction{}, "", err
	}
	return reaction, inRoom, nil
}

// History returns up to limit messages older than the before cursor,
// newest first. A limit of zero selects the default; larger limits are
// clamped.
func (s *Service) History(ctx context.Context, roomID, userID, before string, limit int) ([]Message, error) {
	switch {
	case limit <= 0:
		limit = DefaultHistoryLimit
	case limit > MaxHistoryLimit:
		limit = MaxHistoryLimit
	}
	q := s.store.Queries()
	if _, err := s.activeRoom(ctx, q, roomID); err != nil {
		return nil, err
	}
	if err := requireMember(ctx, q, roomID, userID); err != nil {
		return nil, err
	}
	msgs, err := q.MessagesBefore(ctx, roomID, before, limit)
	if err != nil {
		return nil, err
	}
	return hydrate(ctx, q, msgs)
}

func (s *Service) checkContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyMessage
	}
	if utf8.RuneCountInString(content) > s.maxMessageLength {
		return ErrStringTooLong.With("message exceeds %d characters", s.maxMessageLength)
	}
	return nil
}

// roomMessage loads a message, treating one from another room as absent.
func (s *Service) roomMessage(ctx context.Context, q *store.Queries, roomID, messageID string) (store.Message, error) {
	if strings.TrimSpace(messageID) == "" {
		return store.Message{}, ErrMessageNotFound.With("message id is required")
	}
	msg, err := q.MessageByID(ctx, messageID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Message{}, ErrMessageNotFound
	}
	if err != nil {
		return store.Message{}, err
	}
	if roomID != "" && msg.RoomID != roomID {
		return store.Message{}, ErrMessageNotFound
	}
	return msg, nil
}

// authoredMessage applies the existence, expiry, membership and authorship
// checks shared by edit and delete.
func (s *Service) authoredMessage(ctx context.Context, q *store.Queries, roomID, messageID, issuerID string) (store.Message, error) {
	msg, err := s.roomMessage(ctx, q, roomID, messageID)
	if err != nil {
		return store.Message{}, err
	}
	if _, err := s.activeRoom(ctx, q, msg.RoomID); err != nil {
		return store.Message{}, err
	}
	if err := requireMember(ctx, q, msg.RoomID, issuerID); err != nil {
		return store.Message{}, err
	}
	if msg.AuthorID != issuerID {
		return store.Message{}, ErrNotEnoughPermissions.With("only the author can change a message")
	}
	return msg, nil
}

func hydrate(ctx context.Context, q *store.Queries, msgs []store.Message) ([]Message, error) {
	ids := lo.Map(msgs, func(m store.Message, _ int) string { return m.ID })
	reactions, err := q.ReactionsForMessages(ctx, ids)
	if err != nil {
		return nil, err
	}
	attachments, err := q.AttachmentsForMessages(ctx, ids)
	if err != nil {
		return nil, err
	}
	return lo.Map(msgs, func(m store.Message, _ int) Message {
		return Message{Message: m, Reactions: reactions[m.ID], Attachments: attachments[m.ID]}
	}), nil
}
