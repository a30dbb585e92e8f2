package storage

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

var pdfMagic = []byte("%PDF-")

// ErrNotPDF is returned when the uploaded blob is not a PDF document.
var ErrNotPDF = fmt.Errorf("attachment is not a PDF document")

// ErrTooLarge is returned when the uploaded blob exceeds the size cap.
var ErrTooLarge = fmt.Errorf("attachment exceeds maximum allowed size")

// AttachmentStore persists PDF attachments on disk keyed by content hash.
// The store never inspects content beyond the magic header; callers keep
// the metadata (filename, uploader, lifecycle stage) elsewhere.
type AttachmentStore struct {
	baseDir string
	maxSize int64
}

// NewAttachmentStore ensures the base directory exists and returns a handle.
func NewAttachmentStore(baseDir string, maxSize int64) (*AttachmentStore, error) {
	if baseDir == "" {
		baseDir = "./attachments"
	}
	if maxSize <= 0 {
		maxSize = 10 * 1024 * 1024
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create attachments directory: %w", err)
	}
	return &AttachmentStore{baseDir: baseDir, maxSize: maxSize}, nil
}

// Save validates and writes the blob, returning its content-addressed key.
// Saving the same bytes twice yields the same key and is a no-op on disk.
func (s *AttachmentStore) Save(data []byte) (string, error) {
	if int64(len(data)) > s.maxSize {
		return "", ErrTooLarge
	}
	if !bytes.HasPrefix(data, pdfMagic) {
		return "", ErrNotPDF
	}

	sum := sha256.Sum256(data)
	key := hex.EncodeToString(sum[:])
	path := s.resolve(key)

	if _, err := os.Stat(path); err == nil {
		return key, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("prepare attachment directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write attachment: %w", err)
	}
	return key, nil
}

// Open returns a read-only handle for the stored blob.
func (s *AttachmentStore) Open(key string) (*os.File, error) {
	file, err := os.Open(s.resolve(key))
	if err != nil {
		return nil, fmt.Errorf("open attachment %s: %w", key, err)
	}
	return file, nil
}

// Delete removes a stored blob if present.
func (s *AttachmentStore) Delete(key string) error {
	if err := os.Remove(s.resolve(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete attachment %s: %w", key, err)
	}
	return nil
}

// MaxSize reports the configured size cap in bytes.
func (s *AttachmentStore) MaxSize() int64 {
	return s.maxSize
}

func (s *AttachmentStore) resolve(key string) string {
	// shard by the first two hash characters to keep directories small
	if len(key) > 2 {
		return filepath.Join(s.baseDir, key[:2], key)
	}
	return filepath.Join(s.baseDir, key)
}
