// Package storage holds the file store used for uploaded organization logos.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a key does not exist in the store.
var ErrNotFound = errors.New("object not found")

// FileStore persists opaque blobs under string keys.
type FileStore interface {
	Put(ctx context.Context, key string, r io.Reader, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// Config selects and configures a FileStore backend.
type Config struct {
	Type string // "filesystem" or "s3"

	FilesystemRoot string

	S3Endpoint     string
	S3Region       string
	S3Bucket       string
	S3AccessKey    string
	S3SecretKey    string
	S3UsePathStyle bool
}

// DefaultConfig returns a filesystem store rooted under /tmp.
func DefaultConfig() Config {
	return Config{
		Type:           "filesystem",
		FilesystemRoot: "/tmp/bastion",
		S3Region:       "us-east-1",
	}
}

// New builds the FileStore described by cfg.
func New(ctx context.Context, cfg Config) (FileStore, error) {
	switch cfg.Type {
	case "", "filesystem":
		return NewFileSystemStore(cfg.FilesystemRoot)
	case "s3":
		return NewS3Store(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}

// LogoKey returns a fresh, collision-free key for an uploaded logo.
// The extension of the original file name is preserved.
func LogoKey(originalName string) string {
	ext := strings.ToLower(path.Ext(originalName))
	return "logos/" + uuid.NewString() + ext
}

func cleanKey(key string) (string, error) {
	cleaned := path.Clean("/" + key)
	if cleaned == "/" || strings.Contains(key, "..") {
		return "", fmt.Errorf("invalid key %q", key)
	}
	return strings.TrimPrefix(cleaned, "/"), nil
}
