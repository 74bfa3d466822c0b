// Package mediastore stores clinical photos and other chart media. It
// defines the Store contract used by the charting service, an in-memory
// implementation for development and tests, and an S3 implementation.
package mediastore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	ErrNotFound           = errors.New("media object not found")
	ErrAlreadyExists      = errors.New("media object already exists")
	ErrFileTooLarge       = errors.New("file exceeds maximum allowed size")
	ErrInvalidContentType = errors.New("content type is not allowed")
	ErrMissingFileName    = errors.New("file name is required")
)

// MaxFileSize is the maximum accepted media size in bytes (10 MB).
const MaxFileSize = 10 * 1024 * 1024

// AllowedContentTypes lists the image types accepted for chart media.
var AllowedContentTypes = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/webp": true,
	"image/heic": true,
}

// ---------------------------------------------------------------------------
// Domain types
// ---------------------------------------------------------------------------

// Upload describes an object about to be stored.
type Upload struct {
	Key         string
	FileName    string
	ContentType string
}

// Object describes a stored object.
type Object struct {
	Key         string    `json:"key"`
	FileName    string    `json:"file_name"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	SHA256      string    `json:"sha256"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store is the media storage contract. Put is create-only.
type Store interface {
	Put(ctx context.Context, up Upload, content io.Reader) (*Object, error)
	Get(ctx context.Context, key string) (io.ReadCloser, *Object, error)
	Delete(ctx context.Context, key string) error
}

// ObjectKey lays out media under its clinic and chart so a bucket can be
// audited or purged per tenant.
func ObjectKey(clinicID, chartID uuid.UUID, fileName string) string {
	base := path.Base(strings.ReplaceAll(fileName, "\\", "/"))
	base = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		}
		return '_'
	}, base)
	if base == "" || base == "." || base == "/" {
		base = "upload"
	}
	return fmt.Sprintf("clinics/%s/charts/%s/%s-%s", clinicID, chartID, uuid.New(), base)
}

// readUpload validates the upload and buffers its content, returning the
// bytes and their hex SHA-256.
func readUpload(up Upload, content io.Reader) ([]byte, string, error) {
	if up.FileName == "" {
		return nil, "", ErrMissingFileName
	}
	if !AllowedContentTypes[up.ContentType] {
		return nil, "", ErrInvalidContentType
	}
	data, err := io.ReadAll(io.LimitReader(content, MaxFileSize+1))
	if err != nil {
		return nil, "", fmt.Errorf("reading content: %w", err)
	}
	if int64(len(data)) > MaxFileSize {
		return nil, "", ErrFileTooLarge
	}
	sum := sha256.Sum256(data)
	return data, hex.EncodeToString(sum[:]), nil
}

// ---------------------------------------------------------------------------
// In-memory implementation
// ---------------------------------------------------------------------------

type storedObject struct {
	object  Object
	content []byte
}

// MemoryStore is a thread-safe, in-memory Store for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]*storedObject
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]*storedObject)}
}

func (s *MemoryStore) Put(_ context.Context, up Upload, content io.Reader) (*Object, error) {
	data, sum, err := readUpload(up, content)
	if err != nil {
		return nil, err
	}
	obj := Object{
		Key:         up.Key,
		FileName:    up.FileName,
		ContentType: up.ContentType,
		Size:        int64(len(data)),
		SHA256:      sum,
		CreatedAt:   time.Now().UTC(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.objects[up.Key]; exists {
		return nil, ErrAlreadyExists
	}
	s.objects[up.Key] = &storedObject{object: obj, content: data}

	out := obj
	return &out, nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (io.ReadCloser, *Object, error) {
	s.mu.RLock()
	stored, ok := s.objects[key]
	s.mu.RUnlock()
	if !ok {
		return nil, nil, ErrNotFound
	}
	obj := stored.object
	return io.NopCloser(bytes.NewReader(stored.content)), &obj, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[key]; !ok {
		return ErrNotFound
	}
	delete(s.objects, key)
	return nil
}

// Len reports how many objects are stored.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
