package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"relaychat/models"
)

// CreateUser stores a new account with an already hashed password and
// returns its id. A duplicate username yields ErrUsernameTaken.
func (db *DB) CreateUser(ctx context.Context, username, passwordHash, email string) (int64, error) {
	var id int64
	err := db.queryRow(ctx,
		"INSERT INTO users (username, password_hash, email, created_at) VALUES (?, ?, ?, ?) RETURNING id",
		username, passwordHash, email, nowMillis(),
	).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrUsernameTaken
		}
		return 0, err
	}
	return id, nil
}

func (db *DB) UsernameExists(ctx context.Context, username string) (bool, error) {
	var count int
	err := db.queryRow(ctx, "SELECT COUNT(*) FROM users WHERE username = ?", username).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

const userColumns = "id, username, password_hash, email, created_at, last_seen"

func scanUser(row interface{ Scan(...any) error }) (*models.User, error) {
	var (
		u         models.User
		createdAt int64
		lastSeen  sql.NullInt64
	)
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Email, &createdAt, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoRows
	}
	if err != nil {
		return nil, err
	}
	u.CreatedAt = fromMillis(createdAt)
	if lastSeen.Valid {
		t := fromMillis(lastSeen.Int64)
		u.LastSeen = &t
	}
	return &u, nil
}

func (db *DB) UserByUsername(ctx context.Context, username string) (*models.User, error) {
	return scanUser(db.queryRow(ctx, "SELECT "+userColumns+" FROM users WHERE username = ?", username))
}

func (db *DB) UserByID(ctx context.Context, id int64) (*models.User, error) {
	return scanUser(db.queryRow(ctx, "SELECT "+userColumns+" FROM users WHERE id = ?", id))
}

// UpdateLastSeen records when the user's last connection went away.
func (db *DB) UpdateLastSeen(ctx context.Context, userID int64, t time.Time) error {
	result, err := db.exec(ctx, "UPDATE users SET last_seen = ? WHERE id = ?", t.UnixMilli(), userID)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return ErrNoRows
	}

	return nil
}

func (db *DB) CountUsers(ctx context.Context) (int, error) {
	var count int
	err := db.queryRow(ctx, "SELECT COUNT(*) FROM users").Scan(&count)
	return count, err
}
