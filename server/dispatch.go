package server

import (
	"context"
	"errors"
	"log"
	"runtime/debug"

	"relaychat/protocol"
)

const (
	userJoined = protocol.TypeUserJoined
	userLeft   = protocol.TypeUserLeft
)

// dispatch handles one request line. It returns false when the connection
// should be closed.
func (s *Server) dispatch(c *Conn, line []byte) (keepOpen bool) {
	defer func() {
		if r := recover(); r != nil {
			errorLog.Printf("Panic handling request from %s: %v\n%s", c.RemoteAddr(), r, debug.Stack())
			s.sendError(c, "Internal error")
			keepOpen = true
		}
	}()

	p, authenticated := c.Principal()

	req, err := protocol.Parse(line)
	if err != nil {
		var (
			unknown *protocol.UnknownTypeError
			invalid *protocol.RequestError
		)
		switch {
		case errors.As(err, &unknown):
			s.metrics.requests.WithLabelValues("UNKNOWN").Inc()
		case errors.As(err, &invalid):
			s.metrics.requests.WithLabelValues(invalid.Type).Inc()
			if !authenticated && protocol.TypeRequiresAuth(invalid.Type) {
				s.sendError(c, "You must login first")
				return true
			}
		}
		debugLog.Printf("Rejected request from %s: %v", c.RemoteAddr(), err)
		s.sendError(c, protocol.ErrorText(err))
		return true
	}
	s.metrics.requests.WithLabelValues(req.Kind()).Inc()

	if protocol.RequiresAuth(req) && !authenticated {
		s.sendError(c, "You must login first")
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	switch r := req.(type) {
	case protocol.RegisterRequest:
		s.handleRegister(ctx, c, r)
	case protocol.LoginRequest:
		s.handleLogin(ctx, c, r)
	case protocol.SendMessageRequest:
		s.handleSendMessage(ctx, c, p, r)
	case protocol.SendFileRequest:
		s.handleSendFile(ctx, c, p, r)
	case protocol.CreateGroupRequest:
		s.handleCreateGroup(ctx, c, p, r)
	case protocol.GetUserGroupsRequest:
		s.handleGetUserGroups(ctx, c, p)
	case protocol.GetGroupMembersRequest:
		s.handleGetGroupMembers(ctx, c, p, r)
	case protocol.GetChatHistoryRequest:
		s.handleGetChatHistory(ctx, c, p, r)
	case protocol.GetGroupHistoryRequest:
		s.handleGetGroupHistory(ctx, c, p, r)
	case protocol.GetOnlineUsersRequest:
		s.send(c, protocol.OnlineUsers{Type: protocol.TypeOnlineUsers, Users: s.registry.OnlineUsernames()})
	case protocol.RenameGroupRequest:
		s.handleRenameGroup(ctx, c, p, r)
	case protocol.DisconnectRequest:
		debugLog.Printf("Client %s requested disconnect", c.RemoteAddr())
		return false
	}
	return true
}

// send queues one reply to c.
func (s *Server) send(c *Conn, reply any) {
	s.deliver([]*Conn{c}, reply)
}

func (s *Server) sendError(c *Conn, message string) {
	s.send(c, errorReply(message))
}

// deliver encodes reply once and queues it on every target. Delivery is best
// effort: a target whose queue overflows is closed and skipped.
func (s *Server) deliver(targets []*Conn, reply any) {
	if len(targets) == 0 {
		return
	}
	frame, err := protocol.Encode(reply)
	if err != nil {
		errorLog.Printf("Failed to encode %T: %v", reply, err)
		return
	}
	for _, t := range targets {
		if err := t.Send(frame); errors.Is(err, errQueueFull) {
			s.metrics.slowConsumers.Inc()
			log.Printf("Closing slow connection %s: send queue full", t.RemoteAddr())
		}
	}
}

func errorReply(message string) protocol.Status {
	return protocol.Error(message)
}

func presence(kind, username string) protocol.Presence {
	return protocol.Presence{Type: kind, Username: username}
}
