// Package storage provides object storage for usage archives.
//
// Implementations:
// - LocalStorage: filesystem storage for development
// - R2Storage: Cloudflare R2 (S3-compatible) storage for production
package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Storage stores archive objects under slash-separated keys.
type Storage interface {
	// Put stores data at key. Returns ErrKeyExists if the key is taken and
	// opts.Overwrite is false.
	Put(ctx context.Context, key string, data io.Reader, opts PutOptions) error

	// Get returns the object at key; the caller must close the reader.
	// Returns ErrNotFound if the key does not exist.
	Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error)

	// Delete removes the object at key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Exists reports whether an object exists at key.
	Exists(ctx context.Context, key string) (bool, error)

	// List returns the objects whose key starts with prefix, sorted by key.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
}

// =============================================================================
// Data Types
// =============================================================================

// PutOptions configures how an object is stored.
type PutOptions struct {
	// ContentType is detected from the key when empty.
	ContentType string

	// Overwrite allows replacing an existing object at the same key.
	Overwrite bool
}

// ObjectInfo contains metadata about a stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	ContentType  string
	LastModified time.Time
	ETag         string
}

// =============================================================================
// Configuration
// =============================================================================

// LocalConfig holds configuration for local filesystem storage.
type LocalConfig struct {
	// BasePath is the root directory, e.g. "./storage".
	BasePath string
}

// R2Config holds configuration for Cloudflare R2 storage.
type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string

	// Region is required by the AWS SDK. R2 accepts "auto".
	Region string
}

const (
	ProviderLocal = "local"
	ProviderR2    = "r2"
)

// Config selects and configures a provider.
type Config struct {
	Provider string
	Local    LocalConfig
	R2       R2Config
}

// New creates the configured storage provider.
func New(cfg Config, logger *slog.Logger) (Storage, error) {
	switch cfg.Provider {
	case ProviderLocal:
		return NewLocalStorage(cfg.Local, logger)
	case ProviderR2:
		return NewR2Storage(cfg.R2, logger)
	default:
		return nil, fmt.Errorf("unknown storage provider %q", cfg.Provider)
	}
}

// =============================================================================
// Key Generation Helpers
// =============================================================================

// ArchivePrefix is the key prefix of all archives of the month containing t.
// Format: usage-archive/YYYY-MM/
func ArchivePrefix(t time.Time) string {
	return fmt.Sprintf("usage-archive/%s/", t.UTC().Format("2006-01"))
}

// ArchiveKey generates the key of a usage archive for the month containing
// month, written at ts.
// Format: usage-archive/YYYY-MM/{unix_ts}.jsonl
//
// Example: "usage-archive/2026-08/1788220800.jsonl"
func ArchiveKey(month, ts time.Time) string {
	return fmt.Sprintf("%s%d.jsonl", ArchivePrefix(month), ts.Unix())
}
