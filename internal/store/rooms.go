package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const roomColumns = `id, name, owner_id, expires_at_unix_ms, created_at_unix_ms`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRoom(row rowScanner) (Room, error) {
	var (
		r       Room
		expires sql.NullInt64
		created int64
	)
	if err := row.Scan(&r.ID, &r.Name, &r.OwnerID, &expires, &created); err != nil {
		return Room{}, err
	}
	r.ExpiresAt = nullTime(expires)
	r.CreatedAt = unixMilli(created)
	return r, nil
}

// CreateRoom inserts a room row.
func (q *Queries) CreateRoom(ctx context.Context, r Room) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	const stmt = `INSERT INTO rooms (` + roomColumns + `) VALUES (?, ?, ?, ?, ?)`
	if _, err := q.exec(ctx, stmt, r.ID, r.Name, r.OwnerID, toNullMilli(r.ExpiresAt), r.CreatedAt.UnixMilli()); err != nil {
		return fmt.Errorf("insert room: %w", err)
	}
	return nil
}

// RoomByID returns one room or ErrNotFound.
func (q *Queries) RoomByID(ctx context.Context, id string) (Room, error) {
	r, err := scanRoom(q.queryRow(ctx, `SELECT `+roomColumns+` FROM rooms WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Room{}, ErrNotFound
		}
		return Room{}, fmt.Errorf("query room: %w", err)
	}
	return r, nil
}

// DeleteRoom removes a room; messages, reactions, attachments and
// memberships go with it through foreign key cascades.
func (q *Queries) DeleteRoom(ctx context.Context, id string) error {
	res, err := q.exec(ctx, `DELETE FROM rooms WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete room: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ExpiredRoomIDs lists rooms whose expiry lies before now.
func (q *Queries) ExpiredRoomIDs(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := q.query(ctx,
		`SELECT id FROM rooms WHERE expires_at_unix_ms IS NOT NULL AND expires_at_unix_ms < ? ORDER BY expires_at_unix_ms`,
		now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("query expired rooms: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan expired room: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RoomsForUser lists the rooms a user belongs to, newest first.
func (q *Queries) RoomsForUser(ctx context.Context, userID string) ([]Room, error) {
	const stmt = `
SELECT r.id, r.name, r.owner_id, r.expires_at_unix_ms, r.created_at_unix_ms
FROM rooms r
JOIN room_members m ON m.room_id = r.id
WHERE m.user_id = ?
ORDER BY r.created_at_unix_ms DESC, r.id DESC`
	return q.listRooms(ctx, stmt, userID)
}

// ListRooms lists up to limit rooms, newest first.
func (q *Queries) ListRooms(ctx context.Context, limit int) ([]Room, error) {
	if limit <= 0 {
		limit = 50
	}
	return q.listRooms(ctx, `SELECT `+roomColumns+` FROM rooms ORDER BY created_at_unix_ms DESC, id DESC LIMIT ?`, limit)
}

func (q *Queries) listRooms(ctx context.Context, stmt string, args ...any) ([]Room, error) {
	rows, err := q.query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query rooms: %w", err)
	}
	defer rows.Close()

	var out []Room
	for rows.Next() {
		r, err := scanRoom(rows)
		if err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountRooms returns the number of rooms.
func (q *Queries) CountRooms(ctx context.Context) (int, error) {
	var n int
	if err := q.queryRow(ctx, `SELECT COUNT(*) FROM rooms`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count rooms: %w", err)
	}
	return n, nil
}

// AddMember inserts one membership row.
func (q *Queries) AddMember(ctx context.Context, roomID, userID string, joinedAt time.Time) error {
	const stmt = `INSERT INTO room_members (room_id, user_id, joined_at_unix_ms) VALUES (?, ?, ?)`
	if _, err := q.exec(ctx, stmt, roomID, userID, joinedAt.UnixMilli()); err != nil {
		return fmt.Errorf("insert member: %w", err)
	}
	return nil
}

// RemoveMember deletes one membership row; ErrNotFound if there was none.
func (q *Queries) RemoveMember(ctx context.Context, roomID, userID string) error {
	res, err := q.exec(ctx, `DELETE FROM room_members WHERE room_id = ? AND user_id = ?`, roomID, userID)
	if err != nil {
		return fmt.Errorf("delete member: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// IsMember reports whether userID belongs to roomID.
func (q *Queries) IsMember(ctx context.Context, roomID, userID string) (bool, error) {
	var n int
	err := q.queryRow(ctx, `SELECT COUNT(*) FROM room_members WHERE room_id = ? AND user_id = ?`, roomID, userID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("query membership: %w", err)
	}
	return n > 0, nil
}

// Members lists a room's members in join order.
func (q *Queries) Members(ctx context.Context, roomID string) ([]Member, error) {
	rows, err := q.query(ctx,
		`SELECT room_id, user_id, joined_at_unix_ms FROM room_members WHERE room_id = ? ORDER BY joined_at_unix_ms, user_id`,
		roomID)
	if err != nil {
		return nil, fmt.Errorf("query members: %w", err)
	}
	defer rows.Close()

	var out []Member
	for rows.Next() {
		var (
			m      Member
			joined int64
		)
		if err := rows.Scan(&m.RoomID, &m.UserID, &joined); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		m.JoinedAt = unixMilli(joined)
		out = append(out, m)
	}
	return out, rows.Err()
}
