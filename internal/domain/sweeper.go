package domain

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"driftchat/internal/store"
)

const asyncSweepTimeout = 30 * time.Second

// SweepExpired deletes every room whose expiry has passed, one transaction
// per room. A failing room is logged and skipped. Removed rooms lose their
// storage directory and are reported to OnRoomRemoved listeners. Overlapping
// calls return immediately with zero.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	if !s.sweepMu.TryLock() {
		return 0, nil
	}
	defer s.sweepMu.Unlock()

	ids, err := s.store.Queries().ExpiredRoomIDs(ctx, s.now())
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, id := range ids {
		err := s.store.InTx(ctx, func(q *store.Queries) error {
			return q.DeleteRoom(ctx, id)
		})
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				slog.Warn("expired room sweep failed", "room_id", id, "err", err)
			}
			continue
		}
		removed++
		if err := s.files.RemoveRoom(id); err != nil {
			slog.Warn("expired room storage removal failed", "room_id", id, "err", err)
		}
		s.notifyRoomRemoved(id)
	}
	if removed > 0 {
		slog.Info("expired rooms swept", "removed", removed, "candidates", len(ids))
	}
	return removed, nil
}

// SweepAsync starts a best-effort sweep in the background.
func (s *Service) SweepAsync() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), asyncSweepTimeout)
		defer cancel()
		if _, err := s.SweepExpired(ctx); err != nil {
			slog.Warn("background sweep failed", "err", err)
		}
	}()
}

// RunSweeper sweeps on every tick until ctx is cancelled.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.SweepExpired(ctx); err != nil && ctx.Err() == nil {
				slog.Warn("periodic sweep failed", "err", err)
			}
		}
	}
}
