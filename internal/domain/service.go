// Package domain enforces the invariants of rooms, messages, reactions,
// attachments and user statistics. Every mutation validates its
// preconditions in a fixed order (input, existence, expiry, membership,
// authorship or ownership) and commits inside one store transaction.
package domain

import (
	"context"
	"crypto/rand"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/samber/lo"

	"driftchat/internal/cleanup"
	"driftchat/internal/store"
)

const (
	DefaultMaxMessageLength = 2000
	MinRoomNameLength       = 3
	MaxRoomNameLength       = 64
	MinUserNameLength       = 2
	MaxUserNameLength       = 32
	MaxReactionSymbolLength = 32
	MaxFilenameLength       = 255
	DefaultHistoryLimit     = 50
	MaxHistoryLimit         = 100
)

// Files is the file storage the domain removes from.
type Files interface {
	cleanup.Files
	RemovePath(storagePath string) error
	RemoveRoom(roomID string) error
}

// Config tunes a Service. Zero values select defaults.
type Config struct {
	MaxMessageLength int
	// Now is the clock used for expiry checks and timestamps.
	Now func() time.Time
}

// Room is a room together with its member ids in join order.
type Room struct {
	store.Room
	Members []string
}

// Message is a message with its reactions and attachments.
type Message struct {
	store.Message
	Reactions   []store.Reaction
	Attachments []store.Attachment
}

// Totals summarizes stored state.
type Totals struct {
	Rooms    int
	Messages int
}

// Service is the transactional domain layer over a store and file storage.
type Service struct {
	store            *store.Store
	files            Files
	maxMessageLength int
	now              func() time.Time

	idMu    sync.Mutex
	entropy io.Reader

	sweepMu sync.Mutex

	listenersMu sync.RWMutex
	onRemoved   []func(roomID string)
}

// NewService builds the domain layer.
func NewService(st *store.Store, files Files, cfg Config) *Service {
	if cfg.MaxMessageLength <= 0 {
		cfg.MaxMessageLength = DefaultMaxMessageLength
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{
		store:            st,
		files:            files,
		maxMessageLength: cfg.MaxMessageLength,
		now:              cfg.Now,
		entropy:          ulid.Monotonic(rand.Reader, 0),
	}
}

// MaxMessageLength returns the configured content limit in characters.
func (s *Service) MaxMessageLength() int {
	return s.maxMessageLength
}

// OnRoomRemoved registers fn to run after the sweep deletes a room.
func (s *Service) OnRoomRemoved(fn func(roomID string)) {
	s.listenersMu.Lock()
	s.onRemoved = append(s.onRemoved, fn)
	s.listenersMu.Unlock()
}

func (s *Service) notifyRoomRemoved(roomID string) {
	s.listenersMu.RLock()
	fns := append([]func(string){}, s.onRemoved...)
	s.listenersMu.RUnlock()
	for _, fn := range fns {
		fn(roomID)
	}
}

func (s *Service) newMessageID(at time.Time) string {
	s.idMu.Lock()
	defer s.idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(at), s.entropy).String()
}

// CreateUser registers a user with a display name.
func (s *Service) CreateUser(ctx context.Context, name string, statisticsEnabled bool) (store.User, error) {
	name = strings.TrimSpace(name)
	if err := checkLength("user name", name, MinUserNameLength, MaxUserNameLength); err != nil {
		return store.User{}, err
	}
	u := store.User{
		ID:                uuid.NewString(),
		Name:              name,
		StatisticsEnabled: statisticsEnabled,
		CreatedAt:         s.now().UTC(),
	}
	if err := s.store.Queries().CreateUser(ctx, u); err != nil {
		return store.User{}, err
	}
	slog.Info("user created", "user_id", u.ID, "name", u.Name)
	return u, nil
}

// User returns one user.
func (s *Service) User(ctx context.Context, userID string) (store.User, error) {
	return s.user(ctx, s.store.Queries(), userID)
}

// SetStatisticsEnabled toggles whether the user's activity is counted.
func (s *Service) SetStatisticsEnabled(ctx context.Context, userID string, enabled bool) (store.User, error) {
	var out store.User
	err := s.store.InTx(ctx, func(q *store.Queries) error {
		u, err := s.user(ctx, q, userID)
		if err != nil {
			return err
		}
		if err := q.SetStatisticsEnabled(ctx, userID, enabled); err != nil {
			return err
		}
		u.StatisticsEnabled = enabled
		out = u
		return nil
	})
	return out, err
}

// Statistics returns the user's counters.
func (s *Service) Statistics(ctx context.Context, userID string) (store.Statistics, error) {
	q := s.store.Queries()
	if _, err := s.user(ctx, q, userID); err != nil {
		return store.Statistics{}, err
	}
	return q.StatisticsFor(ctx, userID)
}

// CreateRoom creates a room owned by ownerID, who becomes its sole member.
func (s *Service) CreateRoom(ctx context.Context, ownerID, name string, expiresAt *time.Time) (Room, error) {
	name = strings.TrimSpace(name)
	if err := checkLength("room name", name, MinRoomNameLength, MaxRoomNameLength); err != nil {
		return Room{}, err
	}
	now := s.now().UTC()
	if expiresAt != nil && expiresAt.Before(now) {
		return Room{}, ErrInvalidAction.With("expiry lies in the past")
	}

	room := store.Room{ID: uuid.NewString(), Name: name, OwnerID: ownerID, CreatedAt: now}
	if expiresAt != nil {
		exp := expiresAt.UTC()
		room.ExpiresAt = &exp
	}
	err := s.store.InTx(ctx, func(q *store.Queries) error {
		owner, err := s.user(ctx, q, ownerID)
		if err != nil {
			return err
		}
		if err := q.CreateRoom(ctx, room); err != nil {
			return err
		}
		if err := q.AddMember(ctx, room.ID, ownerID, now); err != nil {
			return err
		}
		return bump(ctx, q, owner, store.CounterRoomsCreated)
	})
	if err != nil {
		return Room{}, err
	}
	slog.Info("room created", "room_id", room.ID, "owner_id", ownerID, "name", name)
	return Room{Room: room, Members: []string{ownerID}}, nil
}

// JoinRoom adds userID to the room's members.
func (s *Service) JoinRoom(ctx context.Context, roomID, userID string) (Room, error) {
	var out Room
	err := s.store.InTx(ctx, func(q *store.Queries) error {
		u, err := s.user(ctx, q, userID)
		if err != nil {
			return err
		}
		room, err := s.activeRoom(ctx, q, roomID)
		if err != nil {
			return err
		}
		member, err := q.IsMember(ctx, roomID, userID)
		if err != nil {
			return err
		}
		if member {
			return ErrInvalidAction.With("already a member")
		}
		if err := q.AddMember(ctx, roomID, userID, s.now().UTC()); err != nil {
			if store.IsUniqueViolation(err) {
				return ErrInvalidAction.With("already a member")
			}
			return err
		}
		if err := bump(ctx, q, u, store.CounterRoomsJoined); err != nil {
			return err
		}
		out, err = withMembers(ctx, q, room)
		return err
	})
	if err != nil {
		return Room{}, err
	}
	slog.Info("room joined", "room_id", roomID, "user_id", userID)
	return out, nil
}

// LeaveRoom removes userID from the room. An owner may leave; the room
// stays alive until it expires.
func (s *Service) LeaveRoom(ctx context.Context, roomID, userID string) error {
	err := s.store.InTx(ctx, func(q *store.Queries) error {
		if _, err := s.activeRoom(ctx, q, roomID); err != nil {
			return err
		}
		if err := q.RemoveMember(ctx, roomID, userID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrIssuerNotInRoom
			}
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}
	slog.Info("room left", "room_id", roomID, "user_id", userID)
	return nil
}

// KickMember lets the owner remove another member.
func (s *Service) KickMember(ctx context.Context, roomID, issuerID, targetID string) error {
	err := s.store.InTx(ctx, func(q *store.Queries) error {
		room, err := s.activeRoom(ctx, q, roomID)
		if err != nil {
			return err
		}
		if err := requireMember(ctx, q, roomID, issuerID); err != nil {
			return err
		}
		if room.OwnerID != issuerID {
			return ErrNotEnoughPermissions.With("only the owner can kick members")
		}
		if targetID == issuerID {
			return ErrInvalidAction.With("owner cannot kick themselves")
		}
		if err := q.RemoveMember(ctx, roomID, targetID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrTargetNotInRoom.With("user %s is not a member", targetID)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}
	slog.Info("member kicked", "room_id", roomID, "issuer_id", issuerID, "user_id", targetID)
	return nil
}

// ClearRoom checks that issuerID owns the room and returns a job that
// deletes the room's files when started.
func (s *Service) ClearRoom(ctx context.Context, roomID, issuerID string) (*cleanup.Job, error) {
	q := s.store.Queries()
	room, err := s.activeRoom(ctx, q, roomID)
	if err != nil {
		return nil, err
	}
	if err := requireMember(ctx, q, roomID, issuerID); err != nil {
		return nil, err
	}
	if room.OwnerID != issuerID {
		return nil, ErrNotEnoughPermissions.With("only the owner can clear the room")
	}
	slog.Info("room clear requested", "room_id", roomID, "user_id", issuerID)
	return cleanup.New(roomID, s.files, s.store.Queries()), nil
}

// CheckAccess validates a connection attempt: the room must exist, be
// active, and count userID among its members.
func (s *Service) CheckAccess(ctx context.Context, roomID, userID string) error {
	q := s.store.Queries()
	if _, err := s.activeRoom(ctx, q, roomID); err != nil {
		return err
	}
	return requireMember(ctx, q, roomID, userID)
}

// Room returns a room the caller belongs to.
func (s *Service) Room(ctx context.Context, roomID, userID string) (Room, error) {
	q := s.store.Queries()
	room, err := s.activeRoom(ctx, q, roomID)
	if err != nil {
		return Room{}, err
	}
	if err := requireMember(ctx, q, roomID, userID); err != nil {
		return Room{}, err
	}
	return withMembers(ctx, q, room)
}

// Rooms lists the active rooms userID belongs to.
func (s *Service) Rooms(ctx context.Context, userID string) ([]Room, error) {
	q := s.store.Queries()
	if _, err := s.user(ctx, q, userID); err != nil {
		return nil, err
	}
	rooms, err := q.RoomsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	active := lo.Filter(rooms, func(r store.Room, _ int) bool { return !r.Expired(now) })
	out := make([]Room, 0, len(active))
	for _, r := range active {
		full, err := withMembers(ctx, q, r)
		if err != nil {
			return nil, err
		}
		out = append(out, full)
	}
	return out, nil
}

// AllRooms lists up to limit rooms regardless of membership or expiry.
func (s *Service) AllRooms(ctx context.Context, limit int) ([]store.Room, error) {
	return s.store.Queries().ListRooms(ctx, limit)
}

// Totals counts stored rooms and messages.
func (s *Service) Totals(ctx context.Context) (Totals, error) {
	q := s.store.Queries()
	rooms, err := q.CountRooms(ctx)
	if err != nil {
		return Totals{}, err
	}
	msgs, err := q.CountMessages(ctx)
	if err != nil {
		return Totals{}, err
	}
	return Totals{Rooms: rooms, Messages: msgs}, nil
}

// CreateAttachmentParams describes a stored upload.
type CreateAttachmentParams struct {
	RoomID      string
	UploaderID  string
	Filename    string
	StoragePath string
	Size        int64
}

// CreateAttachment records an uploaded file as an unattached attachment.
func (s *Service) CreateAttachment(ctx context.Context, p CreateAttachmentParams) (store.Attachment, error) {
	if p.Size < 0 {
		return store.Attachment{}, ErrInvalidRequest.With("negative file size")
	}
	if strings.TrimSpace(p.StoragePath) == "" {
		return store.Attachment{}, ErrInvalidRequest.With("storage path is required")
	}
	name := cleanFilename(p.Filename)
	if utf8.RuneCountInString(name) > MaxFilenameLength {
		return store.Attachment{}, ErrStringTooLong.With("filename exceeds %d characters", MaxFilenameLength)
	}

	att := store.Attachment{
		ID:          uuid.NewString(),
		RoomID:      p.RoomID,
		UploaderID:  p.UploaderID,
		Filename:    name,
		StoragePath: p.StoragePath,
		SizeBytes:   p.Size,
		CreatedAt:   s.now().UTC(),
	}
	err := s.store.InTx(ctx, func(q *store.Queries) error {
		if _, err := s.activeRoom(ctx, q, p.RoomID); err != nil {
			return err
		}
		if err := requireMember(ctx, q, p.RoomID, p.UploaderID); err != nil {
			return err
		}
		return q.InsertAttachment(ctx, att)
	})
	if err != nil {
		return store.Attachment{}, err
	}
	slog.Debug("attachment created", "attachment_id", att.ID, "room_id", att.RoomID, "size", att.SizeBytes)
	return att, nil
}

// Attachment returns attachment metadata to a member of its room.
func (s *Service) Attachment(ctx context.Context, attachmentID, userID string) (store.Attachment, error) {
	q := s.store.Queries()
	att, err := q.AttachmentByID(ctx, attachmentID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Attachment{}, ErrAttachmentNotFound
	}
	if err != nil {
		return store.Attachment{}, err
	}
	if _, err := s.activeRoom(ctx, q, att.RoomID); err != nil {
		return store.Attachment{}, err
	}
	if err := requireMember(ctx, q, att.RoomID, userID); err != nil {
		return store.Attachment{}, err
	}
	return att, nil
}

func (s *Service) user(ctx context.Context, q *store.Queries, userID string) (store.User, error) {
	if strings.TrimSpace(userID) == "" {
		return store.User{}, ErrUserNotFound.With("user id is required")
	}
	u, err := q.UserByID(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return store.User{}, ErrUserNotFound
	}
	return u, err
}

func (s *Service) activeRoom(ctx context.Context, q *store.Queries, roomID string) (store.Room, error) {
	if strings.TrimSpace(roomID) == "" {
		return store.Room{}, ErrRoomNotFound.With("room id is required")
	}
	room, err := q.RoomByID(ctx, roomID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Room{}, ErrRoomNotFound
	}
	if err != nil {
		return store.Room{}, err
	}
	if room.Expired(s.now()) {
		return store.Room{}, ErrRoomExpired
	}
	return room, nil
}

func requireMember(ctx context.Context, q *store.Queries, roomID, userID string) error {
	ok, err := q.IsMember(ctx, roomID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrIssuerNotInRoom
	}
	return nil
}

func withMembers(ctx context.Context, q *store.Queries, room store.Room) (Room, error) {
	members, err := q.Members(ctx, room.ID)
	if err != nil {
		return Room{}, err
	}
	return Room{Room: room, Members: lo.Map(members, func(m store.Member, _ int) string { return m.UserID })}, nil
}

// bump increments a counter only for users who opted in.
func bump(ctx context.Context, q *store.Queries, u store.User, c store.Counter) error {
	if !u.StatisticsEnabled {
		return nil
	}
	return q.IncrementStatistic(ctx, u.ID, c)
}

func checkLength(field, value string, minLen, maxLen int) error {
	n := utf8.RuneCountInString(value)
	if n < minLen {
		return ErrStringTooShort.With("%s must be at least %d characters", field, minLen)
	}
	if n > maxLen {
		return ErrStringTooLong.With("%s must be at most %d characters", field, maxLen)
	}
	return nil
}

func cleanFilename(name string) string {
	name = strings.TrimSpace(filepath.Base(strings.ReplaceAll(name, `\`, "/")))
	if name == "" || name == "." || name == "/" {
		return "file"
	}
	return name
}
