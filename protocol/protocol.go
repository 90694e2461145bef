// Package protocol decodes newline-delimited JSON requests into typed
// variants and encodes replies. Every line is one JSON object with a "type"
// field.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Request types
const (
	TypeRegister        = "REGISTER"
	TypeLogin           = "LOGIN"
	TypeSendMessage     = "SEND_MESSAGE"
	TypeSendFile        = "SEND_FILE"
	TypeCreateGroup     = "CREATE_GROUP"
	TypeGetUserGroups   = "GET_USER_GROUPS"
	TypeGetGroupMembers = "GET_GROUP_MEMBERS"
	TypeGetChatHistory  = "GET_CHAT_HISTORY"
	TypeGetGroupHistory = "GET_GROUP_HISTORY"
	TypeGetOnlineUsers  = "GET_ONLINE_USERS"
	TypeRenameGroup     = "RENAME_GROUP"
	TypeDisconnect      = "DISCONNECT"
)

// Everyone is the receiver name that addresses every connected user.
const Everyone = "ALL"

var (
	ErrMalformed    = errors.New("invalid message format")
	ErrMissingField = errors.New("missing field")
	ErrAddress      = errors.New("must specify either receiver or groupId")
)

type UnknownTypeError struct {
	Type string
}

func (e *UnknownTypeError) Error() string {
	return "Unknown message type: " + e.Type
}

// ID is a numeric identifier that also accepts a quoted number on input.
type ID int64

func (id *ID) UnmarshalJSON(data []byte) error {
	s := string(bytes.Trim(data, `"`))
	if s == "" || s == "null" {
		*id = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid id %s", data)
	}
	*id = ID(n)
	return nil
}

// envelope carries every field any request may use.
type envelope struct {
	Type        string   `json:"type"`
	Username    string   `json:"username"`
	Password    string   `json:"password"`
	Email       string   `json:"email"`
	Content     *string  `json:"content"`
	Receiver    string   `json:"receiver"`
	GroupID     ID       `json:"groupId"`
	GroupName   string   `json:"groupName"`
	Members     []string `json:"members"`
	FileName    string   `json:"fileName"`
	FileData    string   `json:"fileData"`
	MessageType string   `json:"messageType"`
	NewName     string   `json:"newName"`
	Limit       int      `json:"limit"`
}

type Request interface {
	Kind() string
}

type RegisterRequest struct {
	Username string
	Password string
	Email    string
}

type LoginRequest struct {
	Username string
	Password string
}

// Address names exactly one destination: a user (Receiver), a group
// (GroupID) or everyone (Receiver == Everyone).
type Address struct {
	Receiver string
	GroupID  int64
}

func (a Address) IsGroup() bool     { return a.GroupID != 0 }
func (a Address) IsBroadcast() bool { return a.Receiver == Everyone }

type SendMessageRequest struct {
	Address
	Content string
}

type SendFileRequest struct {
	Address
	FileName    string
	FileData    string
	MessageType string
}

type CreateGroupRequest struct {
	GroupName string
	Members   []string
}

type GetUserGroupsRequest struct{}

type GetGroupMembersRequest struct {
	GroupID int64
}

type GetChatHistoryRequest struct {
	Username string
	Limit    int
}

type GetGroupHistoryRequest struct {
	GroupID int64
	Limit   int
}

type GetOnlineUsersRequest struct{}

type RenameGroupRequest struct {
	GroupID int64
	NewName string
}

type DisconnectRequest struct{}

func (RegisterRequest) Kind() string        { return TypeRegister }
func (LoginRequest) Kind() string           { return TypeLogin }
func (SendMessageRequest) Kind() string     { return TypeSendMessage }
func (SendFileRequest) Kind() string        { return TypeSendFile }
func (CreateGroupRequest) Kind() string     { return TypeCreateGroup }
func (GetUserGroupsRequest) Kind() string   { return TypeGetUserGroups }
func (GetGroupMembersRequest) Kind() string { return TypeGetGroupMembers }
func (GetChatHistoryRequest) Kind() string  { return TypeGetChatHistory }
func (GetGroupHistoryRequest) Kind() string { return TypeGetGroupHistory }
func (GetOnlineUsersRequest) Kind() string  { return TypeGetOnlineUsers }
func (RenameGroupRequest) Kind() string     { return TypeRenameGroup }
func (DisconnectRequest) Kind() string      { return TypeDisconnect }

// RequiresAuth reports whether the request may only be sent after LOGIN.
func RequiresAuth(req Request) bool {
	return TypeRequiresAuth(req.Kind())
}

// TypeRequiresAuth is RequiresAuth for a raw type string, so a request that
// fails validation can still be checked against the login gate first.
func TypeRequiresAuth(typ string) bool {
	switch typ {
	case TypeLogin, TypeRegister, TypeDisconnect:
		return false
	}
	return true
}

// RequestError is a field validation failure of a known request type.
type RequestError struct {
	Type string
	Err  error
}

func (e *RequestError) Error() string { return e.Err.Error() }
func (e *RequestError) Unwrap() error { return e.Err }

// Parse decodes one line into its request variant. Field validation happens
// here so handlers only see well-formed requests.
func Parse(line []byte) (Request, error) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: %w: type", ErrMalformed, ErrMissingField)
	}

	req, err := env.request()
	if err != nil {
		var unknown *UnknownTypeError
		if errors.As(err, &unknown) {
			return nil, err
		}
		return nil, &RequestError{Type: env.Type, Err: err}
	}
	return req, nil
}

func (env *envelope) request() (Request, error) {
	switch env.Type {
	case TypeRegister:
		name := strings.TrimSpace(env.Username)
		if err := require("username", name, "password", env.Password); err != nil {
			return nil, err
		}
		return RegisterRequest{Username: name, Password: env.Password, Email: env.Email}, nil

	case TypeLogin:
		name := strings.TrimSpace(env.Username)
		if err := require("username", name, "password", env.Password); err != nil {
			return nil, err
		}
		return LoginRequest{Username: name, Password: env.Password}, nil

	case TypeSendMessage:
		addr, err := env.address()
		if err != nil {
			return nil, err
		}
		if env.Content == nil || *env.Content == "" {
			return nil, missing("content")
		}
		return SendMessageRequest{Address: addr, Content: *env.Content}, nil

	case TypeSendFile:
		addr, err := env.address()
		if err != nil {
			return nil, err
		}
		if err := require("fileName", env.FileName, "fileData", env.FileData); err != nil {
			return nil, err
		}
		return SendFileRequest{
			Address:     addr,
			FileName:    env.FileName,
			FileData:    env.FileData,
			MessageType: strings.ToUpper(env.MessageType),
		}, nil

	case TypeCreateGroup:
		name := strings.TrimSpace(env.GroupName)
		if name == "" {
			return nil, missing("groupName")
		}
		return CreateGroupRequest{GroupName: name, Members: env.Members}, nil

	case TypeGetUserGroups:
		return GetUserGroupsRequest{}, nil

	case TypeGetGroupMembers:
		if env.GroupID == 0 {
			return nil, missing("groupId")
		}
		return GetGroupMembersRequest{GroupID: int64(env.GroupID)}, nil

	case TypeGetChatHistory:
		if env.Username == "" {
			return nil, missing("username")
		}
		return GetChatHistoryRequest{Username: env.Username, Limit: env.Limit}, nil

	case TypeGetGroupHistory:
		if env.GroupID == 0 {
			return nil, missing("groupId")
		}
		return GetGroupHistoryRequest{GroupID: int64(env.GroupID), Limit: env.Limit}, nil

	case TypeGetOnlineUsers:
		return GetOnlineUsersRequest{}, nil

	case TypeRenameGroup:
		if env.GroupID == 0 {
			return nil, missing("groupId")
		}
		name := strings.TrimSpace(env.NewName)
		if name == "" {
			return nil, missing("newName")
		}
		return RenameGroupRequest{GroupID: int64(env.GroupID), NewName: name}, nil

	case TypeDisconnect:
		return DisconnectRequest{}, nil
	}

	return nil, &UnknownTypeError{Type: env.Type}
}

func (env *envelope) address() (Address, error) {
	hasReceiver := env.Receiver != ""
	hasGroup := env.GroupID != 0
	if hasReceiver == hasGroup {
		return Address{}, ErrAddress
	}
	return Address{Receiver: env.Receiver, GroupID: int64(env.GroupID)}, nil
}

// require takes name/value pairs and fails on the first empty value.
func require(pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] == "" {
			return missing(pairs[i])
		}
	}
	return nil
}

func missing(field string) error {
	return fmt.Errorf("%w: %s", ErrMissingField, field)
}

// ErrorText renders a decode error as the message of an ERROR reply.
func ErrorText(err error) string {
	var unknown *UnknownTypeError
	switch {
	case errors.As(err, &unknown):
		return unknown.Error()
	case errors.Is(err, ErrAddress):
		return "Must specify either receiver or groupId"
	case errors.Is(err, ErrMalformed):
		return "Invalid message format: " + strings.TrimPrefix(err.Error(), ErrMalformed.Error()+": ")
	case errors.Is(err, ErrMissingField):
		return "Missing required field: " + strings.TrimPrefix(err.Error(), ErrMissingField.Error()+": ")
	}
	return err.Error()
}
