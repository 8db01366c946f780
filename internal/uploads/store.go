// Package uploads stores item images on local disk.
package uploads

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

var (
	ErrUnsupportedType = errors.New("unsupported image type")
	ErrTooLarge        = errors.New("image too large")
	ErrNotFound        = errors.New("image not found")
)

var allowedExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".gif":  true,
}

// Allowed reports whether filename has a permitted image extension
func Allowed(filename string) bool {
	return allowedExtensions[strings.ToLower(filepath.Ext(filename))]
}

// Store writes images under dir with generated names
type Store struct {
	dir      string
	maxBytes int64
}

// NewStore creates the upload directory if needed
func NewStore(dir string, maxBytes int64) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create upload dir: %w", err)
	}
	return &Store{dir: dir, maxBytes: maxBytes}, nil
}

// Save copies r to disk and returns the stored name, which is the
// reference kept on the item.
func (s *Store) Save(filename string, r io.Reader) (string, error) {
	if !Allowed(filename) {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedType, filename)
	}

	name := uuid.New().String() + strings.ToLower(filepath.Ext(filename))
	path := filepath.Join(s.dir, name)

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create file: %w", err)
	}

	src := r
	if s.maxBytes > 0 {
		src = io.LimitReader(r, s.maxBytes+1)
	}
	n, err := io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && s.maxBytes > 0 && n > s.maxBytes {
		err = fmt.Errorf("%w: limit is %d bytes", ErrTooLarge, s.maxBytes)
	}
	if err != nil {
		_ = os.Remove(path)
		return "", err
	}

	log.WithFields(log.Fields{
		"original": filename,
		"stored":   name,
		"bytes":    n,
	}).Debug("Image stored")
	return name, nil
}

// MaxBytes is the largest image Save accepts; zero means unlimited
func (s *Store) MaxBytes() int64 {
	return s.maxBytes
}

// Path resolves a stored name to its file path
func (s *Store) Path(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || !Allowed(name) {
		return "", ErrNotFound
	}
	path := filepath.Join(s.dir, name)
	if _, err := os.Stat(path); err != nil {
		return "", ErrNotFound
	}
	return path, nil
}

// Remove deletes a stored image. Removing a missing image is not an error.
func (s *Store) Remove(name string) error {
	if name == "" || name != filepath.Base(name) {
		return ErrNotFound
	}
	if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove image: %w", err)
	}
	return nil
}
