package server

import (
	"context"
	"errors"
	"time"

	"relaychat/db"
	"relaychat/files"
	"relaychat/models"
	"relaychat/protocol"
)

// outgoing is a message ready for routing. stored is the plaintext that goes
// to history; event is the live NEW_MESSAGE without its address fields.
type outgoing struct {
	stored   string
	msgType  models.MessageType
	filePath string
	event    protocol.NewMessage
}

func (s *Server) handleSendMessage(ctx context.Context, c *Conn, p Principal, req protocol.SendMessageRequest) {
	s.route(ctx, c, p, req.Address, outgoing{
		stored:  req.Content,
		msgType: models.TypeText,
		event:   protocol.NewMessage{Content: req.Content},
	})
}

// handleSendFile commits the file before routing and removes it again if
// routing rejects the request.
func (s *Server) handleSendFile(ctx context.Context, c *Conn, p Principal, req protocol.SendFileRequest) {
	msgType := models.MessageType(req.MessageType)
	if !msgType.Valid() || msgType == models.TypeText {
		msgType = files.Classify(req.FileName)
	}

	path, err := s.files.Save(req.FileData, req.FileName)
	if err != nil {
		switch {
		case errors.Is(err, files.ErrTooLarge):
			s.sendError(c, "File too large")
		case errors.Is(err, files.ErrInvalidPayload):
			s.sendError(c, "Invalid file data")
		case errors.Is(err, files.ErrInvalidName):
			s.sendError(c, "Invalid file name")
		default:
			errorLog.Printf("File save error: %v", err)
			s.sendError(c, "Internal error")
		}
		return
	}

	routed := s.route(ctx, c, p, req.Address, outgoing{
		stored:   req.FileName,
		msgType:  msgType,
		filePath: path,
		event: protocol.NewMessage{
			Content:     "[File: " + req.FileName + "]",
			MessageType: string(msgType),
			FileName:    req.FileName,
			FilePath:    path,
		},
	})
	if !routed {
		if err := s.files.Remove(path); err != nil {
			errorLog.Printf("Failed to remove rejected upload %s: %v", path, err)
		}
	}
}

// route resolves the delivery set, persists one record and fans the event
// out. It returns false when the request was rejected; the sender has then
// already received an ERROR and nothing was stored or delivered.
func (s *Server) route(ctx context.Context, c *Conn, p Principal, addr protocol.Address, out outgoing) bool {
	now := time.Now().UTC()
	record := models.Message{
		SenderID: p.UserID,
		Content:  out.stored,
		Type:     out.msgType,
		FilePath: out.filePath,
		SentAt:   now,
	}
	event := out.event
	event.Type = protocol.TypeNewMessage
	event.Sender = p.Username
	event.Timestamp = protocol.FormatTime(now)

	var (
		targets []*Conn
		persist = true
		kind    string
	)

	switch {
	case addr.IsGroup():
		group, ok := s.memberGroup(ctx, c, p, addr.GroupID)
		if !ok {
			return false
		}
		memberIDs, err := s.dir.GroupMemberIDs(ctx, group.ID)
		if err != nil {
			errorLog.Printf("Group member ids error: %v", err)
			s.sendError(c, "Internal error")
			return false
		}
		record.GroupID = &group.ID
		event.GroupID = group.ID
		targets = s.registry.ByUserIDs(memberIDs)
		kind = "group"

	case addr.IsBroadcast():
		if !s.config.BroadcastEnabled {
			s.sendError(c, "Broadcast messages are disabled")
			return false
		}
		event.Receiver = protocol.Everyone
		targets = s.registry.AuthenticatedExcept(nil)
		persist = s.config.PersistBroadcast
		kind = "broadcast"

	default:
		recipient, err := s.dir.UserByUsername(ctx, addr.Receiver)
		if err != nil {
			if errors.Is(err, db.ErrNoRows) {
				s.sendError(c, "User not found: "+addr.Receiver)
			} else {
				errorLog.Printf("Recipient lookup error: %v", err)
				s.sendError(c, "Internal error")
			}
			return false
		}
		record.ReceiverID = &recipient.ID
		event.Receiver = recipient.Username
		targets = s.registry.FindByUsername(recipient.Username)
		kind = "private"
	}

	if persist {
		if _, err := s.archive.Save(ctx, record); err != nil {
			s.metrics.persistFailures.Inc()
			errorLog.Printf("Failed to persist %s message from %s: %v", kind, p.Username, err)
		}
	}
	s.metrics.routed.WithLabelValues(kind).Inc()

	// The sender's own connection always gets the echo, exactly once.
	recipients := make([]*Conn, 0, len(targets)+1)
	recipients = append(recipients, c)
	for _, t := range targets {
		if t != c {
			recipients = append(recipients, t)
		}
	}
	debugLog.Printf("Routing %s message from %s to %d connections", kind, p.Username, len(recipients))
	s.deliver(recipients, event)
	return true
}
