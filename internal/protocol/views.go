package protocol

import (
	"encoding/json"
	"time"

	"github.com/samber/lo"

	"driftchat/internal/domain"
	"driftchat/internal/store"
)

// User is the public view of a user.
type User struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	StatisticsEnabled bool      `json:"statistics_enabled"`
	CreatedAt         time.Time `json:"created_at"`
}

// Statistics is a user's activity counters.
type Statistics struct {
	MessagesSent int64 `json:"messages_sent"`
	ReactionsSet int64 `json:"reactions_set"`
	RoomsJoined  int64 `json:"rooms_joined"`
	RoomsCreated int64 `json:"rooms_created"`
}

// Room is a room with its members.
type Room struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	OwnerID   string     `json:"owner_id"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	Members   []string   `json:"members"`
}

type Reaction struct {
	ID        string    `json:"id"`
	MessageID string    `json:"message_id"`
	AuthorID  string    `json:"author_id"`
	Symbol    string    `json:"symbol"`
	CreatedAt time.Time `json:"created_at"`
}

type Attachment struct {
	ID         string    `json:"id"`
	RoomID     string    `json:"room_id"`
	UploaderID string    `json:"uploader_id"`
	MessageID  *string   `json:"message_id,omitempty"`
	Filename   string    `json:"filename"`
	Size       int64     `json:"size"`
	CreatedAt  time.Time `json:"created_at"`
}

// Message is a chat message with its reactions and attachments.
type Message struct {
	ID          string       `json:"id"`
	RoomID      string       `json:"room_id"`
	AuthorID    string       `json:"author_id"`
	Content     string       `json:"content"`
	ReplyTo     *string      `json:"reply_to,omitempty"`
	PostedAt    time.Time    `json:"posted_at"`
	EditedAt    *time.Time   `json:"edited_at,omitempty"`
	Reactions   []Reaction   `json:"reactions"`
	Attachments []Attachment `json:"attachments"`
}

// Quota reports a room's storage use.
type Quota struct {
	RoomID    string `json:"room_id"`
	Quota     int64  `json:"quota_bytes"`
	Occupied  int64  `json:"occupied_bytes"`
	FreeBytes int64  `json:"free_bytes"`
}

// MessageRef names a deleted message.
type MessageRef struct {
	RoomID    string `json:"room_id"`
	MessageID string `json:"message_id"`
}

// ReactionRef names a removed reaction.
type ReactionRef struct {
	RoomID     string `json:"room_id"`
	MessageID  string `json:"message_id"`
	ReactionID string `json:"reaction_id"`
}

// Member announces a membership change.
type Member struct {
	RoomID string `json:"room_id"`
	UserID string `json:"user_id"`
	By     string `json:"by,omitempty"`
}

// FileDeleted reports one removed file during a room clear.
type FileDeleted struct {
	RoomID string `json:"room_id"`
	Path   string `json:"path"`
	Size   int64  `json:"size"`
}

// RoomCleared announces a finished room clear.
type RoomCleared struct {
	RoomID  string `json:"room_id"`
	Deleted int    `json:"deleted"`
}

// LinkPreview is OpenGraph metadata for the first link of a message.
type LinkPreview struct {
	RoomID      string `json:"room_id"`
	MessageID   string `json:"message_id"`
	URL         string `json:"url"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Image       string `json:"image,omitempty"`
	SiteName    string `json:"site_name,omitempty"`
}

// Presence lists the users with a live connection to a room.
type Presence struct {
	RoomID string   `json:"room_id"`
	Online []string `json:"online"`
}

// VoiceParticipant is one member of a room's voice channel.
type VoiceParticipant struct {
	ConnID   string   `json:"conn_id"`
	UserID   string   `json:"user_id"`
	RoomID   string   `json:"room_id"`
	Muted    bool     `json:"muted"`
	Deafened bool     `json:"deafened"`
	Video    bool     `json:"video"`
	Stream   bool     `json:"stream"`
	Watching []string `json:"watching,omitempty"`
}

// Signal is relayed signaling data.
type Signal struct {
	FromUser string          `json:"from_user"`
	FromConn string          `json:"from_conn"`
	Data     json.RawMessage `json:"data"`
}

// Pong answers a ping.
type Pong struct {
	TS int64 `json:"ts"`
}

// State is the public server snapshot.
type State struct {
	Rooms       int   `json:"rooms"`
	Messages    int   `json:"messages"`
	Connections int   `json:"connections"`
	Voice       int   `json:"voice_participants"`
	Uptime      int64 `json:"uptime_seconds"`
}

func UserOf(u store.User) User {
	return User{ID: u.ID, Name: u.Name, StatisticsEnabled: u.StatisticsEnabled, CreatedAt: u.CreatedAt}
}

func StatisticsOf(s store.Statistics) Statistics {
	return Statistics{
		MessagesSent: s.MessagesSent,
		ReactionsSet: s.ReactionsSet,
		RoomsJoined:  s.RoomsJoined,
		RoomsCreated: s.RoomsCreated,
	}
}

func RoomOf(r domain.Room) Room {
	members := r.Members
	if members == nil {
		members = []string{}
	}
	return Room{
		ID:        r.ID,
		Name:      r.Name,
		OwnerID:   r.OwnerID,
		ExpiresAt: r.ExpiresAt,
		CreatedAt: r.CreatedAt,
		Members:   members,
	}
}

func ReactionOf(r store.Reaction) Reaction {
	return Reaction{ID: r.ID, MessageID: r.MessageID, AuthorID: r.AuthorID, Symbol: r.Symbol, CreatedAt: r.CreatedAt}
}

func AttachmentOf(a store.Attachment) Attachment {
	return Attachment{
		ID:         a.ID,
		RoomID:     a.RoomID,
		UploaderID: a.UploaderID,
		MessageID:  a.MessageID,
		Filename:   a.Filename,
		Size:       a.SizeBytes,
		CreatedAt:  a.CreatedAt,
	}
}

func MessageOf(m domain.Message) Message {
	return Message{
		ID:          m.ID,
		RoomID:      m.RoomID,
		AuthorID:    m.AuthorID,
		Content:     m.Content,
		ReplyTo:     m.ReplyTo,
		PostedAt:    m.PostedAt,
		EditedAt:    m.EditedAt,
		Reactions:   lo.Map(m.Reactions, func(r store.Reaction, _ int) Reaction { return ReactionOf(r) }),
		Attachments: lo.Map(m.Attachments, func(a store.Attachment, _ int) Attachment { return AttachmentOf(a) }),
	}
}

func MessagesOf(ms []domain.Message) []Message {
	return lo.Map(ms, func(m domain.Message, _ int) Message { return MessageOf(m) })
}
