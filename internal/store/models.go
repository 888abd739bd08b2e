package store

import (
	"database/sql"
	"time"
)

// User is a registered chat user.
type User struct {
	ID                string
	Name              string
	StatisticsEnabled bool
	CreatedAt         time.Time
}

// Statistics holds per-user activity counters.
type Statistics struct {
	UserID       string
	MessagesSent int64
	ReactionsSet int64
	RoomsJoined  int64
	RoomsCreated int64
}

// Counter names one statistics column.
type Counter int

const (
	CounterMessagesSent Counter = iota + 1
	CounterReactionsSet
	CounterRoomsJoined
	CounterRoomsCreated
)

// Room is an ephemeral chat room.
type Room struct {
	ID        string
	Name      string
	OwnerID   string
	ExpiresAt *time.Time
	CreatedAt time.Time
}

// Expired reports whether the room's expiry lies strictly before now.
func (r Room) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && now.After(*r.ExpiresAt)
}

// Member is one row of room membership.
type Member struct {
	RoomID   string
	UserID   string
	JoinedAt time.Time
}

// Message is a persisted chat message.
type Message struct {
	ID       string
	RoomID   string
	AuthorID string
	Content  string
	ReplyTo  *string
	PostedAt time.Time
	EditedAt *time.Time
}

// Reaction is one (message, author, symbol) triple.
type Reaction struct {
	ID        string
	MessageID string
	AuthorID  string
	Symbol    string
	CreatedAt time.Time
}

// Attachment is file metadata; MessageID is nil until the file is sent.
type Attachment struct {
	ID          string
	RoomID      string
	UploaderID  string
	MessageID   *string
	Filename    string
	StoragePath string
	SizeBytes   int64
	CreatedAt   time.Time
}

func unixMilli(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := unixMilli(v.Int64)
	return &t
}

func toNullMilli(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func toNullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
