// Package cleanup deletes a room's stored files and their attachment rows
// in the background, reporting progress as a finite stream of events.
package cleanup

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"driftchat/internal/blob"
	"driftchat/internal/store"
)

// EventKind identifies a progress event.
type EventKind int

const (
	FileDeleted EventKind = iota + 1
	Finished
)

func (k EventKind) String() string {
	switch k {
	case FileDeleted:
		return "file_deleted"
	case Finished:
		return "finished"
	default:
		return "unknown"
	}
}

// Event is one progress report. Path and Size describe the removed file for
// FileDeleted; Deleted and Err summarize the run for Finished.
type Event struct {
	Kind    EventKind
	RoomID  string
	Path    string
	Size    int64
	Deleted int
	Err     error
}

// Files is the file storage the job drains.
type Files interface {
	List(roomID string) ([]blob.FileInfo, error)
	Remove(roomID, name string) error
}

// Attachments removes attachment metadata by storage path.
type Attachments interface {
	DeleteAttachmentByPath(ctx context.Context, storagePath string) error
}

// Job clears one room. It runs at most once.
type Job struct {
	roomID      string
	files       Files
	attachments Attachments
	started     atomic.Bool
}

// New prepares a cleanup job for roomID. Nothing happens until Start.
func New(roomID string, files Files, attachments Attachments) *Job {
	return &Job{roomID: roomID, files: files, attachments: attachments}
}

// RoomID returns the room being cleared.
func (j *Job) RoomID() string {
	return j.roomID
}

// Start runs the job on its own goroutine and returns its events. The
// channel yields one FileDeleted per removed file, then Finished, then
// closes. Calling Start again returns an already-closed channel.
func (j *Job) Start(ctx context.Context) <-chan Event {
	if !j.started.CompareAndSwap(false, true) {
		ch := make(chan Event)
		close(ch)
		return ch
	}
	events := make(chan Event, 16)
	go j.run(ctx, events)
	return events
}

func (j *Job) run(ctx context.Context, events chan<- Event) {
	defer close(events)

	emit := func(ev Event) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	files, err := j.files.List(j.roomID)
	if err != nil {
		slog.Warn("room cleanup list failed", "room_id", j.roomID, "err", err)
		emit(Event{Kind: Finished, RoomID: j.roomID, Err: err})
		return
	}

	deleted := 0
	for _, f := range files {
		if ctx.Err() != nil {
			slog.Info("room cleanup cancelled", "room_id", j.roomID, "deleted", deleted)
			return
		}
		if err := j.attachments.DeleteAttachmentByPath(ctx, f.Path()); err != nil && !errors.Is(err, store.ErrNotFound) {
			slog.Warn("room cleanup attachment row delete failed", "room_id", j.roomID, "path", f.Path(), "err", err)
		}
		if err := j.files.Remove(j.roomID, f.Name); err != nil && !errors.Is(err, blob.ErrNotFound) {
			slog.Warn("room cleanup file delete failed", "room_id", j.roomID, "path", f.Path(), "err", err)
			continue
		}
		deleted++
		if !emit(Event{Kind: FileDeleted, RoomID: j.roomID, Path: f.Path(), Size: f.Size}) {
			return
		}
	}

	slog.Info("room cleanup finished", "room_id", j.roomID, "deleted", deleted)
	emit(Event{Kind: Finished, RoomID: j.roomID, Deleted: deleted})
}
