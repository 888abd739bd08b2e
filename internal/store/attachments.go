package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const attachmentColumns = `id, room_id, uploader_id, message_id, filename, storage_path, size_bytes, created_at_unix_ms`

func scanAttachment(row rowScanner) (Attachment, error) {
	var (
		a       Attachment
		msgID   sql.NullString
		created int64
	)
	if err := row.Scan(&a.ID, &a.RoomID, &a.UploaderID, &msgID, &a.Filename, &a.StoragePath, &a.SizeBytes, &created); err != nil {
		return Attachment{}, err
	}
	a.MessageID = nullString(msgID)
	a.CreatedAt = unixMilli(created)
	return a, nil
}

// InsertAttachment creates one attachment metadata row.
func (q *Queries) InsertAttachment(ctx context.Context, a Attachment) error {
	if strings.TrimSpace(a.ID) == "" {
		return fmt.Errorf("attachment id is required")
	}
	if strings.TrimSpace(a.StoragePath) == "" {
		return fmt.Errorf("attachment storage path is required")
	}
	if a.SizeBytes < 0 {
		return fmt.Errorf("attachment size must be non-negative")
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	const stmt = `INSERT INTO attachments (` + attachmentColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := q.exec(ctx, stmt,
		a.ID, a.RoomID, a.UploaderID, toNullString(a.MessageID),
		a.Filename, a.StoragePath, a.SizeBytes, a.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert attachment: %w", err)
	}
	return nil
}

// AttachmentByID returns one attachment or ErrNotFound.
func (q *Queries) AttachmentByID(ctx context.Context, id string) (Attachment, error) {
	a, err := scanAttachment(q.queryRow(ctx, `SELECT `+attachmentColumns+` FROM attachments WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Attachment{}, ErrNotFound
		}
		return Attachment{}, fmt.Errorf("query attachment: %w", err)
	}
	return a, nil
}

// AttachToMessage binds an unattached attachment to a message. It returns
// ErrNotFound when the attachment is missing or already bound.
func (q *Queries) AttachToMessage(ctx context.Context, attachmentID, messageID string) error {
	res, err := q.exec(ctx,
		`UPDATE attachments SET message_id = ? WHERE id = ? AND message_id IS NULL`,
		messageID, attachmentID)
	if err != nil {
		return fmt.Errorf("attach to message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteAttachmentsForMessage removes the attachment rows of a message and
// returns them so their files can be removed after commit.
func (q *Queries) DeleteAttachmentsForMessage(ctx context.Context, messageID string) ([]Attachment, error) {
	list, err := q.AttachmentsForMessages(ctx, []string{messageID})
	if err != nil {
		return nil, err
	}
	if _, err := q.exec(ctx, `DELETE FROM attachments WHERE message_id = ?`, messageID); err != nil {
		return nil, fmt.Errorf("delete attachments: %w", err)
	}
	return list[messageID], nil
}

// DeleteAttachmentByPath removes the row stored at storagePath.
func (q *Queries) DeleteAttachmentByPath(ctx context.Context, storagePath string) error {
	res, err := q.exec(ctx, `DELETE FROM attachments WHERE storage_path = ?`, storagePath)
	if err != nil {
		return fmt.Errorf("delete attachment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AttachmentsForMessages returns attachments grouped by message id.
func (q *Queries) AttachmentsForMessages(ctx context.Context, messageIDs []string) (map[string][]Attachment, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	args := make([]any, len(messageIDs))
	for i, id := range messageIDs {
		args[i] = id
	}
	rows, err := q.query(ctx,
		`SELECT `+attachmentColumns+` FROM attachments
WHERE message_id IN (`+placeholders(len(messageIDs))+`) ORDER BY created_at_unix_ms, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("query attachments: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]Attachment)
	for rows.Next() {
		a, err := scanAttachment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		out[*a.MessageID] = append(out[*a.MessageID], a)
	}
	return out, rows.Err()
}
