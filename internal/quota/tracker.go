// Package quota tracks how much of a room's storage allowance is used.
package quota

import (
	"context"
	"sync"

	"driftchat/internal/blob"
	"driftchat/internal/domain"
)

// Files reports what is stored for a room.
type Files interface {
	List(roomID string) ([]blob.FileInfo, error)
}

// Tracker computes occupied and free bytes per room against a fixed quota.
type Tracker struct {
	files Files
	quota int64
	locks sync.Map // room id -> *sync.Mutex
}

// NewTracker returns a tracker granting each room quotaBytes.
func NewTracker(files Files, quotaBytes int64) *Tracker {
	return &Tracker{files: files, quota: quotaBytes}
}

// Quota returns the per-room allowance in bytes.
func (t *Tracker) Quota() int64 {
	return t.quota
}

// OccupiedBytes sums the sizes of every file stored for the room.
func (t *Tracker) OccupiedBytes(roomID string) (int64, error) {
	files, err := t.files.List(roomID)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, f := range files {
		total += f.Size
	}
	return total, nil
}

// FreeBytes returns quota minus occupied bytes. It is negative when a room
// is already over quota.
func (t *Tracker) FreeBytes(roomID string) (int64, error) {
	used, err := t.OccupiedBytes(roomID)
	if err != nil {
		return 0, err
	}
	return t.quota - used, nil
}

// Admit runs write if incoming bytes fit in the room's free space. The check
// and the write happen under the room's upload lock, so concurrent uploads
// to one room cannot overshoot the quota together.
func (t *Tracker) Admit(ctx context.Context, roomID string, incoming int64, write func() error) error {
	if incoming < 0 {
		return domain.ErrInvalidRequest.With("negative upload size")
	}
	mu := t.roomLock(roomID)
	mu.Lock()
	defer mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	free, err := t.FreeBytes(roomID)
	if err != nil {
		return err
	}
	if incoming > free {
		return domain.ErrNotEnoughSpace.With("need %d bytes, %d free", incoming, max(free, 0))
	}
	return write()
}

func (t *Tracker) roomLock(roomID string) *sync.Mutex {
	v, _ := t.locks.LoadOrStore(roomID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Forget drops the upload lock of a removed room.
func (t *Tracker) Forget(roomID string) {
	t.locks.Delete(roomID)
}
