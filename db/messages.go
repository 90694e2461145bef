package db

import (
	"context"
	"database/sql"

	"relaychat/models"
)

// SaveMessage appends a message row. Content is stored as given; callers
// encrypt it first.
func (db *DB) SaveMessage(ctx context.Context, m *models.Message) (int64, error) {
	sentAt := m.SentAt.UnixMilli()
	if m.SentAt.IsZero() {
		sentAt = nowMillis()
	}
	msgType := m.Type
	if msgType == "" {
		msgType = models.TypeText
	}

	var id int64
	err := db.queryRow(ctx, `
		INSERT INTO messages (sender_id, receiver_id, group_id, content, message_type, file_path, sent_at)
		VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING id`,
		m.SenderID, nullableID(m.ReceiverID), nullableID(m.GroupID), m.Content, string(msgType), m.FilePath, sentAt,
	).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id, nil
}

const messageSelect = `
	SELECT m.id, m.sender_id, s.username, m.receiver_id, COALESCE(r.username, ''),
		m.group_id, m.content, m.message_type, m.file_path, m.sent_at
	FROM messages m
	JOIN users s ON s.id = m.sender_id
	LEFT JOIN users r ON r.id = m.receiver_id
`

// ChatHistory returns up to limit private messages between the two users,
// newest first.
func (db *DB) ChatHistory(ctx context.Context, userA, userB int64, limit int) ([]models.Message, error) {
	return db.queryMessages(ctx, messageSelect+`
		WHERE m.group_id IS NULL
			AND ((m.sender_id = ? AND m.receiver_id = ?) OR (m.sender_id = ? AND m.receiver_id = ?))
		ORDER BY m.sent_at DESC, m.id DESC
		LIMIT ?`,
		userA, userB, userB, userA, limit,
	)
}

// GroupMessages returns up to limit messages of the group, newest first.
func (db *DB) GroupMessages(ctx context.Context, groupID int64, limit int) ([]models.Message, error) {
	return db.queryMessages(ctx, messageSelect+`
		WHERE m.group_id = ?
		ORDER BY m.sent_at DESC, m.id DESC
		LIMIT ?`,
		groupID, limit,
	)
}

// BroadcastMessages returns up to limit messages sent to everyone, newest first.
func (db *DB) BroadcastMessages(ctx context.Context, limit int) ([]models.Message, error) {
	return db.queryMessages(ctx, messageSelect+`
		WHERE m.group_id IS NULL AND m.receiver_id IS NULL
		ORDER BY m.sent_at DESC, m.id DESC
		LIMIT ?`,
		limit,
	)
}

func (db *DB) CountMessages(ctx context.Context) (int, error) {
	var count int
	err := db.queryRow(ctx, "SELECT COUNT(*) FROM messages").Scan(&count)
	return count, err
}

func (db *DB) queryMessages(ctx context.Context, query string, args ...any) ([]models.Message, error) {
	rows, err := db.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var (
			m          models.Message
			receiverID sql.NullInt64
			groupID    sql.NullInt64
			msgType    string
			sentAt     int64
		)
		if err := rows.Scan(&m.ID, &m.SenderID, &m.SenderName, &receiverID, &m.ReceiverName,
			&groupID, &m.Content, &msgType, &m.FilePath, &sentAt); err != nil {
			return nil, err
		}
		if receiverID.Valid {
			id := receiverID.Int64
			m.ReceiverID = &id
		}
		if groupID.Valid {
			id := groupID.Int64
			m.GroupID = &id
		}
		m.Type = models.MessageType(msgType)
		m.SentAt = fromMillis(sentAt)
		messages = append(messages, m)
	}

	return messages, rows.Err()
}

func nullableID(id *int64) any {
	if id == nil {
		return nil
	}
	return *id
}
