package db

import (
	"context"
	"database/sql"
	"errors"

	"relaychat/models"
)

// CreateGroup inserts the group and its creator's membership in one
// transaction.
func (db *DB) CreateGroup(ctx context.Context, name string, creatorID int64) (*models.Group, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := nowMillis()
	var id int64
	err = tx.QueryRowContext(ctx,
		db.rebind("INSERT INTO chat_groups (name, created_by, created_at) VALUES (?, ?, ?) RETURNING id"),
		name, creatorID, now,
	).Scan(&id)
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx,
		db.rebind("INSERT INTO group_members (group_id, user_id, joined_at) VALUES (?, ?, ?)"),
		id, creatorID, now,
	); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &models.Group{ID: id, Name: name, CreatedBy: creatorID, CreatedAt: fromMillis(now)}, nil
}

// AddGroupMember is idempotent: adding an existing member is a no-op.
func (db *DB) AddGroupMember(ctx context.Context, groupID, userID int64) error {
	_, err := db.exec(ctx,
		"INSERT INTO group_members (group_id, user_id, joined_at) VALUES (?, ?, ?) ON CONFLICT DO NOTHING",
		groupID, userID, nowMillis(),
	)
	return err
}

func (db *DB) GroupByID(ctx context.Context, id int64) (*models.Group, error) {
	var (
		g         models.Group
		createdAt int64
	)
	err := db.queryRow(ctx,
		"SELECT id, name, created_by, created_at FROM chat_groups WHERE id = ?", id,
	).Scan(&g.ID, &g.Name, &g.CreatedBy, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoRows
	}
	if err != nil {
		return nil, err
	}
	g.CreatedAt = fromMillis(createdAt)
	return &g, nil
}

func (db *DB) UserGroups(ctx context.Context, userID int64) ([]models.Group, error) {
	rows, err := db.query(ctx, `
		SELECT g.id, g.name, g.created_by, g.created_at
		FROM chat_groups g
		JOIN group_members m ON m.group_id = g.id
		WHERE m.user_id = ?
		ORDER BY g.id ASC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []models.Group
	for rows.Next() {
		var (
			g         models.Group
			createdAt int64
		)
		if err := rows.Scan(&g.ID, &g.Name, &g.CreatedBy, &createdAt); err != nil {
			return nil, err
		}
		g.CreatedAt = fromMillis(createdAt)
		groups = append(groups, g)
	}

	return groups, rows.Err()
}

// GroupMemberNames returns member usernames in join order.
func (db *DB) GroupMemberNames(ctx context.Context, groupID int64) ([]string, error) {
	rows, err := db.query(ctx, `
		SELECT u.username
		FROM group_members m
		JOIN users u ON u.id = m.user_id
		WHERE m.group_id = ?
		ORDER BY m.joined_at ASC, u.id ASC
	`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}

	return names, rows.Err()
}

func (db *DB) GroupMemberIDs(ctx context.Context, groupID int64) ([]int64, error) {
	rows, err := db.query(ctx, "SELECT user_id FROM group_members WHERE group_id = ?", groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}

func (db *DB) IsGroupMember(ctx context.Context, groupID, userID int64) (bool, error) {
	var count int
	err := db.queryRow(ctx,
		"SELECT COUNT(*) FROM group_members WHERE group_id = ? AND user_id = ?", groupID, userID,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (db *DB) RenameGroup(ctx context.Context, groupID int64, name string) error {
	result, err := db.exec(ctx, "UPDATE chat_groups SET name = ? WHERE id = ?", name, groupID)
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
