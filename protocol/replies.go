package protocol

import (
	"encoding/json"
	"time"
)

// Reply types
const (
	TypeLoginSuccess     = "LOGIN_SUCCESS"
	TypeLoginFailed      = "LOGIN_FAILED"
	TypeRegisterSuccess  = "REGISTER_SUCCESS"
	TypeRegisterFailed   = "REGISTER_FAILED"
	TypeNewMessage       = "NEW_MESSAGE"
	TypeUserJoined       = "USER_JOINED"
	TypeUserLeft         = "USER_LEFT"
	TypeOnlineUsers      = "ONLINE_USERS"
	TypeGroupCreated     = "GROUP_CREATED"
	TypeUserGroups       = "USER_GROUPS"
	TypeGroupMembers     = "GROUP_MEMBERS"
	TypeGroupNameUpdated = "GROUP_NAME_UPDATED"
	TypeChatHistory      = "CHAT_HISTORY"
	TypeGroupHistory     = "GROUP_HISTORY"
	TypeError            = "ERROR"
)

const timeLayout = time.RFC3339

type LoginSuccess struct {
	Type     string `json:"type"`
	Username string `json:"username"`
	UserID   int64  `json:"userID"`
}

// Status is used for LOGIN_FAILED, REGISTER_SUCCESS, REGISTER_FAILED and ERROR.
type Status struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type NewMessage struct {
	Type        string `json:"type"`
	Sender      string `json:"sender"`
	Receiver    string `json:"receiver,omitempty"`
	GroupID     int64  `json:"groupId,omitempty"`
	Content     string `json:"content"`
	MessageType string `json:"messageType,omitempty"`
	FileName    string `json:"fileName,omitempty"`
	FilePath    string `json:"filePath,omitempty"`
	Timestamp   string `json:"timestamp"`
}

// Presence is USER_JOINED or USER_LEFT.
type Presence struct {
	Type     string `json:"type"`
	Username string `json:"username"`
}

type OnlineUsers struct {
	Type  string   `json:"type"`
	Users []string `json:"users"`
}

type GroupSummary struct {
	GroupID   int64  `json:"groupId"`
	GroupName string `json:"groupName"`
}

type GroupCreated struct {
	Type      string `json:"type"`
	GroupID   int64  `json:"groupId"`
	GroupName string `json:"groupName"`
}

type UserGroups struct {
	Type   string         `json:"type"`
	Groups []GroupSummary `json:"groups"`
}

type GroupMembers struct {
	Type    string   `json:"type"`
	GroupID int64    `json:"groupId"`
	Members []string `json:"members"`
}

type GroupNameUpdated struct {
	Type    string `json:"type"`
	GroupID int64  `json:"groupId"`
	NewName string `json:"newName"`
}

type HistoryEntry struct {
	Sender      string `json:"sender"`
	Receiver    string `json:"receiver,omitempty"`
	GroupID     int64  `json:"groupId,omitempty"`
	Content     string `json:"content"`
	MessageType string `json:"messageType"`
	FilePath    string `json:"filePath,omitempty"`
	Timestamp   string `json:"timestamp"`
}

type ChatHistory struct {
	Type     string         `json:"type"`
	Username string         `json:"username"`
	Messages []HistoryEntry `json:"messages"`
}

type GroupHistory struct {
	Type     string         `json:"type"`
	GroupID  int64          `json:"groupId"`
	Messages []HistoryEntry `json:"messages"`
}

func Error(message string) Status {
	return Status{Type: TypeError, Message: message}
}

func FormatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// Encode marshals a reply into one newline-terminated line.
func Encode(reply any) ([]byte, error) {
	data, err := json.Marshal(reply)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
