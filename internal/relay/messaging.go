package relay

import (
	"context"
	"log/slog"
	"time"

	"driftchat/internal/cleanup"
	"driftchat/internal/domain"
	"driftchat/internal/linkpreview"
	"driftchat/internal/protocol"
	"driftchat/internal/session"
)

// messaging runs a chat call. The acting room always comes from the
// registry entry, never from the payload.
func (r *Relay) messaging(ctx context.Context, e *session.Entry, in protocol.Frame) (any, error) {
	switch in.Type {
	case protocol.OpSendMessage:
		var req protocol.SendMessageRequest
		if err := protocol.DecodeRequest(in.Payload, &req); err != nil {
			return nil, err
		}
		msg, err := r.svc.SendMessage(ctx, domain.SendMessageParams{
			RoomID:        e.RoomID,
			AuthorID:      e.UserID,
			Content:       req.Content,
			ReplyTo:       req.ReplyTo,
			AttachmentIDs: req.AttachmentIDs,
		})
		if err != nil {
			return nil, err
		}
		view := protocol.MessageOf(msg)
		r.reg.SendToGroup(e.RoomID, protocol.Event(protocol.EventMessageSent, view), "")
		r.previewAsync(msg)
		return view, nil

	case protocol.OpEditMessage:
		var req protocol.EditMessageRequest
		if err := protocol.DecodeRequest(in.Payload, &req); err != nil {
			return nil, err
		}
		msg, err := r.svc.EditMessage(ctx, e.RoomID, req.MessageID, e.UserID, req.Content)
		if err != nil {
			return nil, err
		}
		view := protocol.MessageOf(msg)
		r.reg.SendToGroup(e.RoomID, protocol.Event(protocol.EventMessageEdited, view), "")
		return view, nil

	case protocol.OpDeleteMessage:
		var req protocol.MessageRequest
		if err := protocol.DecodeRequest(in.Payload, &req); err != nil {
			return nil, err
		}
		msg, err := r.svc.DeleteMessage(ctx, e.RoomID, req.MessageID, e.UserID)
		if err != nil {
			return nil, err
		}
		ref := protocol.MessageRef{RoomID: msg.RoomID, MessageID: msg.ID}
		r.reg.SendToGroup(e.RoomID, protocol.Event(protocol.EventMessageDeleted, ref), "")
		return ref, nil

	case protocol.OpAddReaction:
		var req protocol.AddReactionRequest
		if err := protocol.DecodeRequest(in.Payload, &req); err != nil {
			return nil, err
		}
		reaction, err := r.svc.AddReaction(ctx, e.RoomID, req.MessageID, e.UserID, req.Symbol)
		if err != nil {
			return nil, err
		}
		view := protocol.ReactionOf(reaction)
		r.reg.SendToGroup(e.RoomID, protocol.Event(protocol.EventReactionAdded, view), "")
		return view, nil

	case protocol.OpRemoveReaction:
		var req protocol.ReactionRequest
		if err := protocol.DecodeRequest(in.Payload, &req); err != nil {
			return nil, err
		}
		reaction, roomID, err := r.svc.RemoveReaction(ctx, e.RoomID, req.ReactionID, e.UserID)
		if err != nil {
			return nil, err
		}
		ref := protocol.ReactionRef{RoomID: roomID, MessageID: reaction.MessageID, ReactionID: reaction.ID}
		r.reg.SendToGroup(e.RoomID, protocol.Event(protocol.EventReactionRemoved, ref), "")
		return ref, nil

	case protocol.OpGetMessages:
		var req protocol.HistoryRequest
		if err := protocol.DecodeRequest(in.Payload, &req); err != nil {
			return nil, err
		}
		msgs, err := r.svc.History(ctx, e.RoomID, e.UserID, req.Before, req.Limit)
		if err != nil {
			return nil, err
		}
		return protocol.MessagesOf(msgs), nil

	case protocol.OpLeaveRoom:
		if err := r.leave(ctx, e.RoomID, e.UserID); err != nil {
			return nil, err
		}
		return protocol.Member{RoomID: e.RoomID, UserID: e.UserID}, nil

	case protocol.OpKickMember:
		var req protocol.UserRequest
		if err := protocol.DecodeRequest(in.Payload, &req); err != nil {
			return nil, err
		}
		if err := r.KickMember(ctx, e.RoomID, e.UserID, req.UserID); err != nil {
			return nil, err
		}
		return protocol.Member{RoomID: e.RoomID, UserID: req.UserID, By: e.UserID}, nil

	case protocol.OpClearRoom:
		return r.clearRoom(ctx, e)
	}
	return nil, domain.ErrInvalidRequest.With("unknown operation %q", in.Type)
}

// CreateRoom creates a room. Nobody is connected to it yet, so nothing is
// broadcast.
func (r *Relay) CreateRoom(ctx context.Context, ownerID, name string, expiresAt *time.Time) (domain.Room, error) {
	return r.svc.CreateRoom(ctx, ownerID, name, expiresAt)
}

// JoinRoom adds a member and announces it to the room.
func (r *Relay) JoinRoom(ctx context.Context, roomID, userID string) (domain.Room, error) {
	room, err := r.svc.JoinRoom(ctx, roomID, userID)
	if err != nil {
		return domain.Room{}, err
	}
	r.reg.SendToGroup(roomID, protocol.Event(protocol.EventMemberJoined, protocol.Member{RoomID: roomID, UserID: userID}), "")
	return room, nil
}

// LeaveRoom removes a member, announces it, and aborts the member's live
// connections to the room.
func (r *Relay) LeaveRoom(ctx context.Context, roomID, userID string) error {
	if err := r.leave(ctx, roomID, userID); err != nil {
		return err
	}
	r.reg.AbortUser(roomID, userID, "left room")
	return nil
}

func (r *Relay) leave(ctx context.Context, roomID, userID string) error {
	if err := r.svc.LeaveRoom(ctx, roomID, userID); err != nil {
		return err
	}
	r.reg.SendToGroup(roomID, protocol.Event(protocol.EventMemberLeft, protocol.Member{RoomID: roomID, UserID: userID}), "")
	return nil
}

// KickMember removes targetID on behalf of the owner, announces it, and
// aborts the target's live connections to the room.
func (r *Relay) KickMember(ctx context.Context, roomID, issuerID, targetID string) error {
	if err := r.svc.KickMember(ctx, roomID, issuerID, targetID); err != nil {
		return err
	}
	r.reg.SendToGroup(roomID, protocol.Event(protocol.EventMemberKicked, protocol.Member{RoomID: roomID, UserID: targetID, By: issuerID}), "")
	r.reg.AbortUser(roomID, targetID, "kicked")
	return nil
}

// clearRoom runs the cleanup job to completion inside the call. Progress
// goes to the caller only; completion is announced to the whole room.
func (r *Relay) clearRoom(ctx context.Context, e *session.Entry) (any, error) {
	job, err := r.svc.ClearRoom(ctx, e.RoomID, e.UserID)
	if err != nil {
		return nil, err
	}

	var done protocol.RoomCleared
	for ev := range job.Start(ctx) {
		switch ev.Kind {
		case cleanup.FileDeleted:
			r.reg.SendToConnection(e.ConnID, protocol.Event(protocol.EventFileDeleted, protocol.FileDeleted{
				RoomID: ev.RoomID, Path: ev.Path, Size: ev.Size,
			}))
		case cleanup.Finished:
			if ev.Err != nil {
				return nil, ev.Err
			}
			done = protocol.RoomCleared{RoomID: ev.RoomID, Deleted: ev.Deleted}
			r.reg.SendToGroup(e.RoomID, protocol.Event(protocol.EventRoomCleared, done), "")
		}
	}
	if done.RoomID == "" {
		return nil, ctx.Err()
	}
	return done, nil
}

// previewAsync fetches a preview for the message's first link and
// broadcasts it as a follow-up event.
func (r *Relay) previewAsync(msg domain.Message) {
	if r.previews == nil {
		return
	}
	link := linkpreview.FirstURL(msg.Content)
	if link == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), previewTimeout)
		defer cancel()
		p, err := r.previews.Fetch(ctx, link)
		if err != nil {
			slog.Debug("link preview failed", "room_id", msg.RoomID, "message_id", msg.ID, "url", link, "err", err)
			return
		}
		if p.Empty() {
			return
		}
		r.reg.SendToGroup(msg.RoomID, protocol.Event(protocol.EventLinkPreview, protocol.LinkPreview{
			RoomID:      msg.RoomID,
			MessageID:   msg.ID,
			URL:         p.URL,
			Title:       p.Title,
			Description: p.Description,
			Image:       p.Image,
			SiteName:    p.SiteName,
		}), "")
	}()
}
