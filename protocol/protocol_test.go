package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	testrequire "github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestParseValidRequests(t *testing.T) {
	tests := []struct {
		line string
		want Request
	}{
		{`{"type":"REGISTER","username":" bob ","password":"pw","email":"b@x"}`,
			RegisterRequest{Username: "bob", Password: "pw", Email: "b@x"}},
		{`{"type":"LOGIN","username":"bob","password":"pw"}`,
			LoginRequest{Username: "bob", Password: "pw"}},
		{`{"type":"SEND_MESSAGE","receiver":"alice","content":"hi"}`,
			SendMessageRequest{Address: Address{Receiver: "alice"}, Content: "hi"}},
		{`{"type":"SEND_MESSAGE","groupId":7,"content":"hi"}`,
			SendMessageRequest{Address: Address{GroupID: 7}, Content: "hi"}},
		{`{"type":"SEND_MESSAGE","groupId":"7","content":"hi"}`,
			SendMessageRequest{Address: Address{GroupID: 7}, Content: "hi"}},
		{`{"type":"SEND_FILE","receiver":"alice","fileName":"a.png","fileData":"AAAA","messageType":"image"}`,
			SendFileRequest{Address: Address{Receiver: "alice"}, FileName: "a.png", FileData: "AAAA", MessageType: "IMAGE"}},
		{`{"type":"CREATE_GROUP","groupName":"team","members":["a","b"]}`,
			CreateGroupRequest{GroupName: "team", Members: []string{"a", "b"}}},
		{`{"type":"GET_USER_GROUPS"}`, GetUserGroupsRequest{}},
		{`{"type":"GET_GROUP_MEMBERS","groupId":3}`, GetGroupMembersRequest{GroupID: 3}},
		{`{"type":"GET_CHAT_HISTORY","username":"alice","limit":10}`, GetChatHistoryRequest{Username: "alice", Limit: 10}},
		{`{"type":"GET_GROUP_HISTORY","groupId":3}`, GetGroupHistoryRequest{GroupID: 3}},
		{`{"type":"GET_ONLINE_USERS"}`, GetOnlineUsersRequest{}},
		{`{"type":"RENAME_GROUP","groupId":3,"newName":"new"}`, RenameGroupRequest{GroupID: 3, NewName: "new"}},
		{`{"type":"DISCONNECT"}`, DisconnectRequest{}},
	}

	for _, tt := range tests {
		t.Run(tt.want.Kind(), func(t *testing.T) {
			got, err := Parse([]byte(tt.line))
			testrequire.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		wantErr error
		text    string
	}{
		{"not json", `hello`, ErrMalformed, "Invalid message format: "},
		{"no type", `{"username":"x"}`, ErrMissingField, "Invalid message format: missing field: type"},
		{"login no password", `{"type":"LOGIN","username":"x"}`, ErrMissingField, "Missing required field: password"},
		{"register no username", `{"type":"REGISTER","password":"x"}`, ErrMissingField, "Missing required field: username"},
		{"register blank username", `{"type":"REGISTER","username":"  ","password":"x"}`, ErrMissingField, "Missing required field: username"},
		{"login blank username", `{"type":"LOGIN","username":"\t ","password":"x"}`, ErrMissingField, "Missing required field: username"},
		{"message no address", `{"type":"SEND_MESSAGE","content":"x"}`, ErrAddress, "Must specify either receiver or groupId"},
		{"message both addresses", `{"type":"SEND_MESSAGE","receiver":"a","groupId":1,"content":"x"}`, ErrAddress, "Must specify either receiver or groupId"},
		{"message no content", `{"type":"SEND_MESSAGE","receiver":"a"}`, ErrMissingField, "Missing required field: content"},
		{"file no data", `{"type":"SEND_FILE","receiver":"a","fileName":"f"}`, ErrMissingField, "Missing required field: fileData"},
		{"group no name", `{"type":"CREATE_GROUP","groupName":"  "}`, ErrMissingField, "Missing required field: groupName"},
		{"members no group", `{"type":"GET_GROUP_MEMBERS"}`, ErrMissingField, "Missing required field: groupId"},
		{"rename no name", `{"type":"RENAME_GROUP","groupId":1}`, ErrMissingField, "Missing required field: newName"},
		{"bad group id", `{"type":"GET_GROUP_HISTORY","groupId":"abc"}`, ErrMalformed, "Invalid message format: "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.line))
			testrequire.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Contains(t, ErrorText(err), tt.text)
		})
	}
}

func TestParseUnknownType(t *testing.T) {
	_, err := Parse([]byte(`{"type":"DANCE"}`))
	var unknown *UnknownTypeError
	testrequire.True(t, errors.As(err, &unknown))
	assert.Equal(t, "DANCE", unknown.Type)
	assert.Equal(t, "Unknown message type: DANCE", ErrorText(err))
}

func TestRequiresAuth(t *testing.T) {
	assert.False(t, RequiresAuth(LoginRequest{}))
	assert.False(t, RequiresAuth(RegisterRequest{}))
	assert.False(t, RequiresAuth(DisconnectRequest{}))
	assert.True(t, RequiresAuth(SendMessageRequest{}))
	assert.True(t, RequiresAuth(GetOnlineUsersRequest{}))
	assert.True(t, RequiresAuth(RenameGroupRequest{}))
	assert.True(t, TypeRequiresAuth(TypeSendFile))
	assert.False(t, TypeRequiresAuth(TypeRegister))
}

func TestParseErrorCarriesType(t *testing.T) {
	_, err := Parse([]byte(`{"type":"SEND_MESSAGE","receiver":"bob"}`))
	var reqErr *RequestError
	testrequire.True(t, errors.As(err, &reqErr))
	assert.Equal(t, TypeSendMessage, reqErr.Type)
	assert.ErrorIs(t, err, ErrMissingField)

	_, err = Parse([]byte(`{"type":"DANCE"}`))
	assert.False(t, errors.As(err, &reqErr), "unknown types are not request errors")

	req, err := Parse([]byte(`{"type":"REGISTER","username":"  alice ","password":"x"}`))
	testrequire.NoError(t, err)
	assert.Equal(t, "alice", req.(RegisterRequest).Username)
}

func TestAddress(t *testing.T) {
	assert.True(t, Address{GroupID: 1}.IsGroup())
	assert.False(t, Address{Receiver: "bob"}.IsGroup())
	assert.True(t, Address{Receiver: Everyone}.IsBroadcast())
}

func TestEncode(t *testing.T) {
	line, err := Encode(NewMessage{Type: TypeNewMessage, Sender: "A", Receiver: "B", Content: "hi", Timestamp: "t"})
	testrequire.NoError(t, err)
	testrequire.Equal(t, byte('\n'), line[len(line)-1])

	var decoded map[string]any
	testrequire.NoError(t, json.Unmarshal(line, &decoded))
	assert.Equal(t, "NEW_MESSAGE", decoded["type"])
	assert.Equal(t, "A", decoded["sender"])
	assert.Equal(t, "B", decoded["receiver"])
	assert.NotContains(t, decoded, "groupId")
	assert.NotContains(t, decoded, "fileName")

	line, err = Encode(Error("boom"))
	testrequire.NoError(t, err)
	assert.JSONEq(t, `{"type":"ERROR","message":"boom"}`, string(line))
}

func TestParseNeverPanics(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		line := rapid.SliceOf(rapid.Byte()).Draw(t, "line")
		req, err := Parse(line)
		if err == nil && req == nil {
			t.Fatalf("nil request without error for %q", line)
		}
	})
}

func TestSendMessageContentSurvivesEncoding(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		content := rapid.StringN(1, 64, -1).Draw(t, "content")
		raw, err := json.Marshal(map[string]any{"type": TypeSendMessage, "receiver": "bob", "content": content})
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		req, err := Parse(raw)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		msg := req.(SendMessageRequest)
		// json.Marshal replaces invalid UTF-8 with U+FFFD
		want := string([]rune(content))
		if msg.Content != want {
			t.Fatalf("content changed: got %q want %q", msg.Content, want)
		}
	})
}
