package server

import (
	"context"
	"errors"
	"log"
	"strings"

	"relaychat/db"
	"relaychat/models"
	"relaychat/protocol"
)

func (s *Server) handleRegister(ctx context.Context, c *Conn, req protocol.RegisterRequest) {
	fail := func(message string) {
		s.send(c, protocol.Status{Type: protocol.TypeRegisterFailed, Message: message})
	}

	if strings.EqualFold(req.Username, protocol.Everyone) {
		fail("Username is reserved")
		return
	}

	exists, err := s.dir.UsernameExists(ctx, req.Username)
	if err != nil {
		errorLog.Printf("Register error: %v", err)
		fail("Internal error")
		return
	}
	if exists {
		fail("Username already exists")
		return
	}

	hash, err := s.passwords.Hash(req.Password)
	if err != nil {
		errorLog.Printf("Register error: %v", err)
		fail("Internal error")
		return
	}

	if _, err := s.dir.CreateUser(ctx, req.Username, hash, req.Email); err != nil {
		if errors.Is(err, db.ErrUsernameTaken) {
			fail("Username already exists")
			return
		}
		errorLog.Printf("Register error: %v", err)
		fail("Internal error")
		return
	}

	log.Printf("Registered user %s from %s", req.Username, c.RemoteAddr())
	s.send(c, protocol.Status{Type: protocol.TypeRegisterSuccess, Message: "Registration successful! Please login."})
}

func (s *Server) handleLogin(ctx context.Context, c *Conn, req protocol.LoginRequest) {
	if _, ok := c.Principal(); ok {
		s.sendError(c, "Already logged in")
		return
	}

	user, ok := s.verifyLogin(ctx, req.Username, req.Password)
	if !ok {
		s.send(c, protocol.Status{Type: protocol.TypeLoginFailed, Message: "Invalid username or password"})
		return
	}

	p := Principal{UserID: user.ID, Username: user.Username}

	s.presenceMu.Lock()
	bound, first := s.registry.Authenticate(c, p)
	if bound {
		s.send(c, protocol.LoginSuccess{Type: protocol.TypeLoginSuccess, Username: p.Username, UserID: p.UserID})
		if first {
			s.deliver(s.registry.AuthenticatedExcept(c), presence(userJoined, p.Username))
		}
	}
	s.presenceMu.Unlock()

	if !bound {
		if _, ok := c.Principal(); ok {
			s.sendError(c, "Already logged in")
		} else {
			// Closed while the credentials were being checked.
			debugLog.Printf("Login for %s dropped: connection %s already closed", p.Username, c.ID())
		}
		return
	}

	log.Printf("Client %s logged in from %s", p.Username, c.RemoteAddr())

	s.send(c, protocol.OnlineUsers{Type: protocol.TypeOnlineUsers, Users: s.registry.OnlineUsernames()})
	s.handleGetUserGroups(ctx, c, p)
}

// verifyLogin returns the account when username exists and password matches.
func (s *Server) verifyLogin(ctx context.Context, username, password string) (*models.User, bool) {
	user, err := s.dir.UserByUsername(ctx, username)
	if err != nil {
		if !errors.Is(err, db.ErrNoRows) {
			errorLog.Printf("Login error: %v", err)
		}
		return nil, false
	}
	if !s.passwords.Verify(password, user.PasswordHash) {
		return nil, false
	}
	return user, true
}

func (s *Server) handleCreateGroup(ctx context.Context, c *Conn, p Principal, req protocol.CreateGroupRequest) {
	group, err := s.dir.CreateGroup(ctx, req.GroupName, p.UserID)
	if err != nil {
		errorLog.Printf("Create group error: %v", err)
		s.sendError(c, "Internal error")
		return
	}

	memberIDs := []int64{p.UserID}
	seen := map[string]bool{p.Username: true}
	for _, name := range req.Members {
		name = strings.TrimSpace(name)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true

		user, err := s.dir.UserByUsername(ctx, name)
		if err != nil {
			if !errors.Is(err, db.ErrNoRows) {
				errorLog.Printf("Create group member lookup error: %v", err)
			}
			debugLog.Printf("Skipping unknown member %q for group %d", name, group.ID)
			continue
		}
		if err := s.dir.AddGroupMember(ctx, group.ID, user.ID); err != nil {
			errorLog.Printf("Add group member error: %v", err)
			continue
		}
		memberIDs = append(memberIDs, user.ID)
	}

	log.Printf("Group %d %q created by %s with %d members", group.ID, group.Name, p.Username, len(memberIDs))
	s.deliver(s.registry.ByUserIDs(memberIDs), protocol.GroupCreated{
		Type:      protocol.TypeGroupCreated,
		GroupID:   group.ID,
		GroupName: group.Name,
	})
}

func (s *Server) handleGetUserGroups(ctx context.Context, c *Conn, p Principal) {
	groups, err := s.dir.UserGroups(ctx, p.UserID)
	if err != nil {
		errorLog.Printf("User groups error: %v", err)
		s.sendError(c, "Internal error")
		return
	}

	summaries := make([]protocol.GroupSummary, 0, len(groups))
	for _, g := range groups {
		summaries = append(summaries, protocol.GroupSummary{GroupID: g.ID, GroupName: g.Name})
	}
	s.send(c, protocol.UserGroups{Type: protocol.TypeUserGroups, Groups: summaries})
}

func (s *Server) handleGetGroupMembers(ctx context.Context, c *Conn, p Principal, req protocol.GetGroupMembersRequest) {
	group, ok := s.memberGroup(ctx, c, p, req.GroupID)
	if !ok {
		return
	}

	names, err := s.dir.GroupMemberNames(ctx, group.ID)
	if err != nil {
		errorLog.Printf("Group members error: %v", err)
		s.sendError(c, "Internal error")
		return
	}
	if names == nil {
		names = []string{}
	}
	s.send(c, protocol.GroupMembers{Type: protocol.TypeGroupMembers, GroupID: group.ID, Members: names})
}

func (s *Server) handleRenameGroup(ctx context.Context, c *Conn, p Principal, req protocol.RenameGroupRequest) {
	group, ok := s.memberGroup(ctx, c, p, req.GroupID)
	if !ok {
		return
	}

	if err := s.dir.RenameGroup(ctx, group.ID, req.NewName); err != nil {
		errorLog.Printf("Rename group error: %v", err)
		s.sendError(c, "Internal error")
		return
	}

	memberIDs, err := s.dir.GroupMemberIDs(ctx, group.ID)
	if err != nil {
		errorLog.Printf("Group member ids error: %v", err)
		memberIDs = []int64{p.UserID}
	}

	log.Printf("Group %d renamed to %q by %s", group.ID, req.NewName, p.Username)
	s.deliver(s.registry.ByUserIDs(memberIDs), protocol.GroupNameUpdated{
		Type:    protocol.TypeGroupNameUpdated,
		GroupID: group.ID,
		NewName: req.NewName,
	})
}

func (s *Server) handleGetChatHistory(ctx context.Context, c *Conn, p Principal, req protocol.GetChatHistoryRequest) {
	limit := s.historyLimit(req.Limit)

	var (
		messages []models.Message
		err      error
	)
	if req.Username == protocol.Everyone {
		messages, err = s.archive.BroadcastHistory(ctx, limit)
	} else {
		other, lookupErr := s.dir.UserByUsername(ctx, req.Username)
		if lookupErr != nil {
			if errors.Is(lookupErr, db.ErrNoRows) {
				s.sendError(c, "User not found: "+req.Username)
				return
			}
			err = lookupErr
		} else {
			messages, err = s.archive.History(ctx, p.UserID, other.ID, limit)
		}
	}
	if err != nil {
		errorLog.Printf("Chat history error: %v", err)
		s.sendError(c, "Internal error")
		return
	}

	s.send(c, protocol.ChatHistory{
		Type:     protocol.TypeChatHistory,
		Username: req.Username,
		Messages: historyEntries(messages),
	})
}

func (s *Server) handleGetGroupHistory(ctx context.Context, c *Conn, p Principal, req protocol.GetGroupHistoryRequest) {
	group, ok := s.memberGroup(ctx, c, p, req.GroupID)
	if !ok {
		return
	}

	messages, err := s.archive.GroupHistory(ctx, group.ID, s.historyLimit(req.Limit))
	if err != nil {
		errorLog.Printf("Group history error: %v", err)
		s.sendError(c, "Internal error")
		return
	}

	s.send(c, protocol.GroupHistory{
		Type:     protocol.TypeGroupHistory,
		GroupID:  group.ID,
		Messages: historyEntries(messages),
	})
}

// memberGroup loads the group and checks that p belongs to it, replying
// with an ERROR otherwise.
func (s *Server) memberGroup(ctx context.Context, c *Conn, p Principal, groupID int64) (*models.Group, bool) {
	group, err := s.dir.GroupByID(ctx, groupID)
	if err != nil {
		if errors.Is(err, db.ErrNoRows) {
			s.sendError(c, "Group not found")
		} else {
			errorLog.Printf("Group lookup error: %v", err)
			s.sendError(c, "Internal error")
		}
		return nil, false
	}

	member, err := s.dir.IsGroupMember(ctx, group.ID, p.UserID)
	if err != nil {
		errorLog.Printf("Membership check error: %v", err)
		s.sendError(c, "Internal error")
		return nil, false
	}
	if !member {
		s.sendError(c, "You are not a member of this group")
		return nil, false
	}
	return group, true
}

func (s *Server) historyLimit(requested int) int {
	switch {
	case requested <= 0:
		return s.config.HistoryDefaultLimit
	case requested > s.config.HistoryMaxLimit:
		return s.config.HistoryMaxLimit
	}
	return requested
}

func historyEntries(messages []models.Message) []protocol.HistoryEntry {
	entries := make([]protocol.HistoryEntry, 0, len(messages))
	for _, m := range messages {
		e := protocol.HistoryEntry{
			Sender:      m.SenderName,
			Receiver:    m.ReceiverName,
			Content:     m.Content,
			MessageType: string(m.Type),
			FilePath:    m.FilePath,
			Timestamp:   protocol.FormatTime(m.SentAt),
		}
		if m.GroupID != nil {
			e.GroupID = *m.GroupID
		}
		if m.ReceiverID == nil && m.GroupID == nil {
			e.Receiver = protocol.Everyone
		}
		entries = append(entries, e)
	}
	return entries
}
