package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CreateUser inserts one user row.
func (q *Queries) CreateUser(ctx context.Context, u User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	const stmt = `INSERT INTO users (id, name, statistics_enabled, created_at_unix_ms) VALUES (?, ?, ?, ?)`
	if _, err := q.exec(ctx, stmt, u.ID, u.Name, u.StatisticsEnabled, u.CreatedAt.UnixMilli()); err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// UserByID returns one user or ErrNotFound.
func (q *Queries) UserByID(ctx context.Context, id string) (User, error) {
	const stmt = `SELECT id, name, statistics_enabled, created_at_unix_ms FROM users WHERE id = ?`
	var (
		u       User
		created int64
	)
	err := q.queryRow(ctx, stmt, id).Scan(&u.ID, &u.Name, &u.StatisticsEnabled, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, fmt.Errorf("query user: %w", err)
	}
	u.CreatedAt = unixMilli(created)
	return u, nil
}

// SetStatisticsEnabled toggles the user's statistics opt-in.
func (q *Queries) SetStatisticsEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := q.exec(ctx, `UPDATE users SET statistics_enabled = ? WHERE id = ?`, enabled, id)
	if err != nil {
		return fmt.Errorf("update user settings: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementStatistic adds one to a counter, creating the row on first use.
func (q *Queries) IncrementStatistic(ctx context.Context, userID string, c Counter) error {
	var stmt string
	switch c {
	case CounterMessagesSent:
		stmt = `INSERT INTO user_statistics (user_id, messages_sent) VALUES (?, 1)
ON CONFLICT (user_id) DO UPDATE SET messages_sent = user_statistics.messages_sent + 1`
	case CounterReactionsSet:
		stmt = `INSERT INTO user_statistics (user_id, reactions_set) VALUES (?, 1)
ON CONFLICT (user_id) DO UPDATE SET reactions_set = user_statistics.reactions_set + 1`
	case CounterRoomsJoined:
		stmt = `INSERT INTO user_statistics (user_id, rooms_joined) VALUES (?, 1)
ON CONFLICT (user_id) DO UPDATE SET rooms_joined = user_statistics.rooms_joined + 1`
	case CounterRoomsCreated:
		stmt = `INSERT INTO user_statistics (user_id, rooms_created) VALUES (?, 1)
ON CONFLICT (user_id) DO UPDATE SET rooms_created = user_statistics.rooms_created + 1`
	default:
		return fmt.Errorf("unknown statistics counter %d", c)
	}
	if _, err := q.exec(ctx, stmt, userID); err != nil {
		return fmt.Errorf("increment statistic: %w", err)
	}
	return nil
}

// StatisticsFor returns the counters for a user; missing rows read as zero.
func (q *Queries) StatisticsFor(ctx context.Context, userID string) (Statistics, error) {
	const stmt = `
SELECT messages_sent, reactions_set, rooms_joined, rooms_created
FROM user_statistics WHERE user_id = ?`
	st := Statistics{UserID: userID}
	err := q.queryRow(ctx, stmt, userID).Scan(&st.MessagesSent, &st.ReactionsSet, &st.RoomsJoined, &st.RoomsCreated)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Statistics{}, fmt.Errorf("query statistics: %w", err)
	}
	return st, nil
}
