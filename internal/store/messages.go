package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const messageColumns = `id, room_id, author_id, content, reply_to, posted_at_unix_ms, edited_at_unix_ms`

func scanMessage(row rowScanner) (Message, error) {
	var (
		m       Message
		replyTo sql.NullString
		posted  int64
		edited  sql.NullInt64
	)
	if err := row.Scan(&m.ID, &m.RoomID, &m.AuthorID, &m.Content, &replyTo, &posted, &edited); err != nil {
		return Message{}, err
	}
	m.ReplyTo = nullString(replyTo)
	m.PostedAt = unixMilli(posted)
	m.EditedAt = nullTime(edited)
	return m, nil
}

// InsertMessage persists a chat message.
func (q *Queries) InsertMessage(ctx context.Context, m Message) error {
	const stmt = `INSERT INTO messages (` + messageColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := q.exec(ctx, stmt,
		m.ID, m.RoomID, m.AuthorID, m.Content,
		toNullString(m.ReplyTo), m.PostedAt.UnixMilli(), toNullMilli(m.EditedAt))
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// MessageByID returns one message or ErrNotFound.
func (q *Queries) MessageByID(ctx context.Context, id string) (Message, error) {
	m, err := scanMessage(q.queryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Message{}, ErrNotFound
		}
		return Message{}, fmt.Errorf("query message: %w", err)
	}
	return m, nil
}

// UpdateMessageContent replaces a message body and stamps the edit time.
func (q *Queries) UpdateMessageContent(ctx context.Context, id, content string, editedAt time.Time) error {
	res, err := q.exec(ctx, `UPDATE messages SET content = ?, edited_at_unix_ms = ? WHERE id = ?`, content, editedAt.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteMessage removes one message row.
func (q *Queries) DeleteMessage(ctx context.Context, id string) error {
	res, err := q.exec(ctx, `DELETE FROM messages WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MessagesBefore returns up to limit messages of a room older than the
// before cursor (exclusive), newest first. An empty cursor starts at the
// newest message. Message ids sort by creation time.
func (q *Queries) MessagesBefore(ctx context.Context, roomID, before string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	var (
		rows *sql.Rows
		err  error
	)
	if before == "" {
		rows, err = q.query(ctx,
			`SELECT `+messageColumns+` FROM messages WHERE room_id = ? ORDER BY id DESC LIMIT ?`,
			roomID, limit)
	} else {
		rows, err = q.query(ctx,
			`SELECT `+messageColumns+` FROM messages WHERE room_id = ? AND id < ? ORDER BY id DESC LIMIT ?`,
			roomID, before, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// CountMessages returns the total number of stored messages.
func (q *Queries) CountMessages(ctx context.Context) (int, error) {
	var n int
	if err := q.queryRow(ctx, `SELECT COUNT(*) FROM messages`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// ReactionExists reports whether the (message, author, symbol) triple exists.
func (q *Queries) ReactionExists(ctx context.Context, messageID, authorID, symbol string) (bool, error) {
	var n int
	err := q.queryRow(ctx,
		`SELECT COUNT(*) FROM reactions WHERE message_id = ? AND author_id = ? AND symbol = ?`,
		messageID, authorID, symbol).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("query reaction: %w", err)
	}
	return n > 0, nil
}

// InsertReaction persists a reaction. A duplicate triple surfaces as a
// unique violation (see IsUniqueViolation).
func (q *Queries) InsertReaction(ctx context.Context, r Reaction) error {
	const stmt = `INSERT INTO reactions (id, message_id, author_id, symbol, created_at_unix_ms) VALUES (?, ?, ?, ?, ?)`
	if _, err := q.exec(ctx, stmt, r.ID, r.MessageID, r.AuthorID, r.Symbol, r.CreatedAt.UnixMilli()); err != nil {
		return fmt.Errorf("insert reaction: %w", err)
	}
	return nil
}

// ReactionByID returns one reaction or ErrNotFound.
func (q *Queries) ReactionByID(ctx context.Context, id string) (Reaction, error) {
	var (
		r       Reaction
		created int64
	)
	err := q.queryRow(ctx,
		`SELECT id, message_id, author_id, symbol, created_at_unix_ms FROM reactions WHERE id = ?`, id).
		Scan(&r.ID, &r.MessageID, &r.AuthorID, &r.Symbol, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Reaction{}, ErrNotFound
		}
		return Reaction{}, fmt.Errorf("query reaction: %w", err)
	}
	r.CreatedAt = unixMilli(created)
	return r, nil
}

// DeleteReaction removes one reaction.
func (q *Queries) DeleteReaction(ctx context.Context, id string) error {
	res, err := q.exec(ctx, `DELETE FROM reactions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete reaction: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteReactionsForMessage removes every reaction of a message.
func (q *Queries) DeleteReactionsForMessage(ctx context.Context, messageID string) (int64, error) {
	res, err := q.exec(ctx, `DELETE FROM reactions WHERE message_id = ?`, messageID)
	if err != nil {
		return 0, fmt.Errorf("delete reactions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ReactionsForMessages returns reactions grouped by message id, in
// insertion order.
func (q *Queries) ReactionsForMessages(ctx context.Context, messageIDs []string) (map[string][]Reaction, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	args := make([]any, len(messageIDs))
	for i, id := range messageIDs {
		args[i] = id
	}
	rows, err := q.query(ctx,
		`SELECT id, message_id, author_id, symbol, created_at_unix_ms FROM reactions
WHERE message_id IN (`+placeholders(len(messageIDs))+`) ORDER BY created_at_unix_ms, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("query reactions: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]Reaction)
	for rows.Next() {
		var (
			r       Reaction
			created int64
		)
		if err := rows.Scan(&r.ID, &r.MessageID, &r.AuthorID, &r.Symbol, &created); err != nil {
			return nil, fmt.Errorf("scan reaction: %w", err)
		}
		r.CreatedAt = unixMilli(created)
		out[r.MessageID] = append(out[r.MessageID], r)
	}
	return out, rows.Err()
}
