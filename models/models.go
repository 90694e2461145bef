package models

import "time"

type MessageType string

const (
	TypeText  MessageType = "TEXT"
	TypeImage MessageType = "IMAGE"
	TypeFile  MessageType = "FILE"
)

func (t MessageType) Valid() bool {
	switch t {
	case TypeText, TypeImage, TypeFile:
		return true
	}
	return false
}

type User struct {
	ID           int64
	Username     string
	PasswordHash string
	Email        string
	CreatedAt    time.Time
	LastSeen     *time.Time
}

type Group struct {
	ID        int64
	Name      string
	CreatedBy int64
	CreatedAt time.Time
}

// Message is a stored message row. Content holds ciphertext when read from
// the database and plaintext once it has passed through the store pipeline.
// ReceiverID and GroupID are mutually exclusive; both nil marks a broadcast.
type Message struct {
	ID           int64
	SenderID     int64
	SenderName   string
	ReceiverID   *int64
	ReceiverName string
	GroupID      *int64
	Content      string
	Type         MessageType
	FilePath     string
	SentAt       time.Time
}
