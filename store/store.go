// Package store is the only path between message routing and the message
// table: content is encrypted before every write and decrypted after every
// read, and history comes back oldest first.
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"

	"relaychat/models"
)

var ErrInvalidAddress = errors.New("message must have exactly one of receiver or group, or neither for broadcast")

var errorLog = log.New(log.Writer(), "ERROR: ", log.LstdFlags)

// SetErrorLog redirects decrypt/skip diagnostics. Tests pass io.Discard.
func SetErrorLog(w io.Writer) {
	errorLog = log.New(w, "ERROR: ", log.LstdFlags)
}

type Repository interface {
	SaveMessage(ctx context.Context, m *models.Message) (int64, error)
	ChatHistory(ctx context.Context, userA, userB int64, limit int) ([]models.Message, error)
	GroupMessages(ctx context.Context, groupID int64, limit int) ([]models.Message, error)
	BroadcastMessages(ctx context.Context, limit int) ([]models.Message, error)
}

type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

type Pipeline struct {
	repo   Repository
	cipher Cipher
}

func New(repo Repository, cipher Cipher) *Pipeline {
	return &Pipeline{repo: repo, cipher: cipher}
}

// Save encrypts m.Content and appends the record. m is not modified.
func (p *Pipeline) Save(ctx context.Context, m models.Message) (int64, error) {
	if m.ReceiverID != nil && m.GroupID != nil {
		return 0, ErrInvalidAddress
	}
	if m.Type == "" {
		m.Type = models.TypeText
	}

	encrypted, err := p.cipher.Encrypt(m.Content)
	if err != nil {
		return 0, fmt.Errorf("encrypt message: %w", err)
	}
	m.Content = encrypted

	id, err := p.repo.SaveMessage(ctx, &m)
	if err != nil {
		return 0, fmt.Errorf("save message: %w", err)
	}
	return id, nil
}

// History returns the private conversation between two users in
// chronological order.
func (p *Pipeline) History(ctx context.Context, userA, userB int64, limit int) ([]models.Message, error) {
	rows, err := p.repo.ChatHistory(ctx, userA, userB, limit)
	if err != nil {
		return nil, fmt.Errorf("load chat history: %w", err)
	}
	return p.open(rows), nil
}

func (p *Pipeline) GroupHistory(ctx context.Context, groupID int64, limit int) ([]models.Message, error) {
	rows, err := p.repo.GroupMessages(ctx, groupID, limit)
	if err != nil {
		return nil, fmt.Errorf("load group history: %w", err)
	}
	return p.open(rows), nil
}

func (p *Pipeline) BroadcastHistory(ctx context.Context, limit int) ([]models.Message, error) {
	rows, err := p.repo.BroadcastMessages(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("load broadcast history: %w", err)
	}
	return p.open(rows), nil
}

// open decrypts newest-first rows and returns them oldest first. Rows that
// fail to decrypt are dropped.
func (p *Pipeline) open(rows []models.Message) []models.Message {
	out := make([]models.Message, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		m := rows[i]
		plain, err := p.cipher.Decrypt(m.Content)
		if err != nil {
			errorLog.Printf("Skipping message %d: %v", m.ID, err)
			continue
		}
		m.Content = plain
		out = append(out, m)
	}
	return out
}
