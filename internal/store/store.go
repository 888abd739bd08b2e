package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// DBTX is satisfied by both *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store persists rooms, messages, reactions, attachments and users.
type Store struct {
	db     *sql.DB
	driver string
}

// Open opens the database for driver and runs migrations. For sqlite, dsn is a
// file path; for postgres it is a libpq/pgx connection string.
func Open(driver, dsn string) (*Store, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("database dsn is required")
	}

	var (
		db  *sql.DB
		err error
	)
	switch driver {
	case "", DriverSQLite:
		driver = DriverSQLite
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		db, err = sql.Open("sqlite", dsn+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
		if err != nil {
			return nil, fmt.Errorf("open sqlite database: %w", err)
		}
		// One connection serializes writers; every query inside a
		// transaction must go through the transaction's Queries.
		db.SetMaxOpenConns(1)
	case DriverPostgres, "pgx":
		driver = DriverPostgres
		db, err = sql.Open("pgx", dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres database: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	st := &Store{db: db, driver: driver}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	slog.Info("store opened", "driver", driver)
	return st, nil
}

// OpenSQLite opens (or creates) a SQLite database at path.
func OpenSQLite(path string) (*Store, error) {
	return Open(DriverSQLite, path)
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Driver reports the active driver name.
func (s *Store) Driver() string {
	return s.driver
}

// Queries returns a query set bound to the connection pool.
func (s *Store) Queries() *Queries {
	return &Queries{db: s.db, postgres: s.driver == DriverPostgres}
}

// InTx runs fn inside one transaction. The transaction commits when fn
// returns nil and rolls back otherwise.
func (s *Store) InTx(ctx context.Context, fn func(q *Queries) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	q := &Queries{db: tx, postgres: s.driver == DriverPostgres}
	if err := fn(q); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			slog.Error("transaction rollback failed", "err", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Backup writes a consistent copy of a SQLite database to destPath.
func (s *Store) Backup(ctx context.Context, destPath string) error {
	if s.driver != DriverSQLite {
		return fmt.Errorf("backup is only supported for sqlite")
	}
	destPath = strings.TrimSpace(destPath)
	if destPath == "" {
		return fmt.Errorf("backup path is required")
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, destPath); err != nil {
		return fmt.Errorf("vacuum into %s: %w", destPath, err)
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	statistics_enabled BOOLEAN NOT NULL DEFAULT TRUE,
	created_at_unix_ms BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS user_statistics (
	user_id TEXT PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
	messages_sent BIGINT NOT NULL DEFAULT 0,
	reactions_set BIGINT NOT NULL DEFAULT 0,
	rooms_joined BIGINT NOT NULL DEFAULT 0,
	rooms_created BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS rooms (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	owner_id TEXT NOT NULL REFERENCES users(id),
	expires_at_unix_ms BIGINT,
	created_at_unix_ms BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_rooms_expires ON rooms(expires_at_unix_ms);

CREATE TABLE IF NOT EXISTS room_members (
	room_id TEXT NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
	user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	joined_at_unix_ms BIGINT NOT NULL,
	PRIMARY KEY (room_id, user_id)
);
CREATE INDEX IF NOT EXISTS idx_room_members_user ON room_members(user_id);

CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	room_id TEXT NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
	author_id TEXT NOT NULL REFERENCES users(id),
	content TEXT NOT NULL,
	reply_to TEXT REFERENCES messages(id) ON DELETE SET NULL,
	posted_at_unix_ms BIGINT NOT NULL,
	edited_at_unix_ms BIGINT
);
CREATE INDEX IF NOT EXISTS idx_messages_room ON messages(room_id, id);

CREATE TABLE IF NOT EXISTS reactions (
	id TEXT PRIMARY KEY,
	message_id TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
	author_id TEXT NOT NULL REFERENCES users(id),
	symbol TEXT NOT NULL,
	created_at_unix_ms BIGINT NOT NULL,
	UNIQUE (message_id, author_id, symbol)
);
CREATE INDEX IF NOT EXISTS idx_reactions_message ON reactions(message_id);

CREATE TABLE IF NOT EXISTS attachments (
	id TEXT PRIMARY KEY,
	room_id TEXT NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
	uploader_id TEXT NOT NULL REFERENCES users(id),
	message_id TEXT REFERENCES messages(id) ON DELETE CASCADE,
	filename TEXT NOT NULL,
	storage_path TEXT NOT NULL UNIQUE,
	size_bytes BIGINT NOT NULL CHECK (size_bytes >= 0),
	created_at_unix_ms BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_attachments_message ON attachments(message_id);
`
	// One statement per Exec for both drivers.
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
	}
	slog.Debug("migrations applied", "driver", s.driver)
	return nil
}

// Queries groups every statement the domain layer needs. A Queries value is
// bound either to the pool or to one transaction.
type Queries struct {
	db       DBTX
	postgres bool
}

func (q *Queries) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return q.db.ExecContext(ctx, q.rebind(query), args...)
}

func (q *Queries) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return q.db.QueryContext(ctx, q.rebind(query), args...)
}

func (q *Queries) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return q.db.QueryRowContext(ctx, q.rebind(query), args...)
}

func (q *Queries) rebind(query string) string {
	if !q.postgres {
		return query
	}
	return rebindDollar(query)
}

// rebindDollar rewrites '?' placeholders into postgres '$n' placeholders.
func rebindDollar(query string) string {
	var (
		b strings.Builder
		n int
	)
	b.Grow(len(query) + 8)
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// IsUniqueViolation reports whether err comes from a unique or primary key
// constraint on either driver.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
