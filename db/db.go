package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/mattn/go-sqlite3"
)

var (
	ErrNoRows        = errors.New("no rows found")
	ErrUsernameTaken = errors.New("username taken")
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

type DB struct {
	conn   *sql.DB
	driver string
}

// New opens a SQLite database file.
func New(path string) (*DB, error) {
	return Open(DriverSQLite, path)
}

// Open connects to either backend. For sqlite3 dsn is a file path, for pgx a
// postgres:// URL.
func Open(driver, dsn string) (*DB, error) {
	var (
		conn *sql.DB
		err  error
	)
	switch driver {
	case DriverSQLite:
		conn, err = sql.Open(DriverSQLite, dsn+"?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000")
	case DriverPostgres:
		conn, err = sql.Open(DriverPostgres, dsn)
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}
	if err != nil {
		return nil, err
	}

	db := &DB{conn: conn, driver: driver}
	if err := db.init(); err != nil {
		conn.Close()
		return nil, err
	}

	return db, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

func (db *DB) init() error {
	queries := sqliteSchema
	if db.driver == DriverPostgres {
		queries = postgresSchema
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}

	if err := db.migrate(); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	return nil
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT UNIQUE NOT NULL,
		password_hash TEXT NOT NULL,
		email TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS chat_groups (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		created_by INTEGER NOT NULL REFERENCES users(id),
		created_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS group_members (
		group_id INTEGER NOT NULL REFERENCES chat_groups(id) ON DELETE CASCADE,
		user_id INTEGER NOT NULL REFERENCES users(id),
		joined_at INTEGER NOT NULL,
		PRIMARY KEY (group_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		sender_id INTEGER NOT NULL REFERENCES users(id),
		receiver_id INTEGER REFERENCES users(id),
		group_id INTEGER REFERENCES chat_groups(id),
		content TEXT NOT NULL,
		message_type TEXT NOT NULL DEFAULT 'TEXT',
		sent_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_private ON messages(sender_id, receiver_id, sent_at)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_group ON messages(group_id, sent_at)`,
	`CREATE INDEX IF NOT EXISTS idx_group_members_user ON group_members(user_id)`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id BIGSERIAL PRIMARY KEY,
		username TEXT UNIQUE NOT NULL,
		password_hash TEXT NOT NULL,
		email TEXT NOT NULL DEFAULT '',
		created_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS chat_groups (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL,
		created_by BIGINT NOT NULL REFERENCES users(id),
		created_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS group_members (
		group_id BIGINT NOT NULL REFERENCES chat_groups(id) ON DELETE CASCADE,
		user_id BIGINT NOT NULL REFERENCES users(id),
		joined_at BIGINT NOT NULL,
		PRIMARY KEY (group_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id BIGSERIAL PRIMARY KEY,
		sender_id BIGINT NOT NULL REFERENCES users(id),
		receiver_id BIGINT REFERENCES users(id),
		group_id BIGINT REFERENCES chat_groups(id),
		content TEXT NOT NULL,
		message_type TEXT NOT NULL DEFAULT 'TEXT',
		sent_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_private ON messages(sender_id, receiver_id, sent_at)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_group ON messages(group_id, sent_at)`,
	`CREATE INDEX IF NOT EXISTS idx_group_members_user ON group_members(user_id)`,
}

// migrate adds columns introduced after the first schema.
func (db *DB) migrate() error {
	columns := []struct {
		table, column, definition string
	}{
		{"users", "last_seen", "BIGINT"},
		{"messages", "file_path", "TEXT NOT NULL DEFAULT ''"},
	}

	for _, c := range columns {
		if db.driver == DriverPostgres {
			query := "ALTER TABLE " + c.table + " ADD COLUMN IF NOT EXISTS " + c.column + " " + c.definition
			if _, err := db.conn.Exec(query); err != nil {
				return err
			}
			continue
		}
		if db.columnExists(c.table, c.column) {
			continue
		}
		// SQLite doesn't support parameters in ALTER TABLE
		query := "ALTER TABLE " + c.table + " ADD COLUMN " + c.column + " " + c.definition
		if _, err := db.conn.Exec(query); err != nil {
			return err
		}
	}

	return nil
}

// columnExists checks if a column exists in a SQLite table
func (db *DB) columnExists(table, column string) bool {
	query := "SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?"
	var count int
	err := db.conn.QueryRow(query, table, column).Scan(&count)
	if err != nil {
		return false
	}
	return count > 0
}

// rebind rewrites ? placeholders to $n for postgres.
func (db *DB) rebind(query string) string {
	if db.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (db *DB) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return db.conn.ExecContext(ctx, db.rebind(query), args...)
}

func (db *DB) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return db.conn.QueryContext(ctx, db.rebind(query), args...)
}

func (db *DB) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return db.conn.QueryRowContext(ctx, db.rebind(query), args...)
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
