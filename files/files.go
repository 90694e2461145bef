// Package files stores uploaded file payloads on disk under generated names.
package files

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"relaychat/models"
)

var (
	ErrTooLarge       = errors.New("file exceeds maximum size")
	ErrInvalidPayload = errors.New("file data is not valid base64")
	ErrInvalidName    = errors.New("invalid file name")
)

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".bmp":  true,
}

type Store struct {
	dir      string
	maxBytes int64
}

func NewStore(dir string, maxBytes int64) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &Store{dir: dir, maxBytes: maxBytes}, nil
}

func (s *Store) Dir() string {
	return s.dir
}

// Save decodes the base64 payload and writes it under a uuid-based name that
// keeps the original extension. The file is written to a temp name and
// renamed, so a returned path always refers to a complete file.
func (s *Store) Save(data, fileName string) (string, error) {
	base := filepath.Base(fileName)
	if base == "." || base == string(filepath.Separator) || strings.TrimSpace(base) == "" {
		return "", ErrInvalidName
	}

	if s.maxBytes > 0 && int64(base64.StdEncoding.DecodedLen(len(data))) > s.maxBytes+2 {
		return "", ErrTooLarge
	}
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return "", ErrInvalidPayload
	}
	if s.maxBytes > 0 && int64(len(raw)) > s.maxBytes {
		return "", ErrTooLarge
	}

	name := uuid.NewString() + strings.ToLower(filepath.Ext(base))
	final := filepath.Join(s.dir, name)

	tmp, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return "", err
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}

	return final, nil
}

func (s *Store) Load(path string) ([]byte, error) {
	if !s.owns(path) {
		return nil, ErrInvalidName
	}
	return os.ReadFile(path)
}

// Remove deletes a previously saved file. Missing files are ignored.
func (s *Store) Remove(path string) error {
	if !s.owns(path) {
		return ErrInvalidName
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (s *Store) owns(path string) bool {
	rel, err := filepath.Rel(s.dir, path)
	return err == nil && !strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel) && rel != "."
}

func IsImage(fileName string) bool {
	return imageExtensions[strings.ToLower(filepath.Ext(fileName))]
}

// Classify returns IMAGE or FILE based on the file extension.
func Classify(fileName string) models.MessageType {
	if IsImage(fileName) {
		return models.TypeImage
	}
	return models.TypeFile
}
