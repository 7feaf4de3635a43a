// Package objectstore provides the durable byte store behind the Bronze
// layer and the Gold parquet exports. Two backends are supported: a local
// filesystem store and an S3-compatible store. Both guarantee that a key
// never becomes visible with partial content.
package objectstore

import (
	"context"
	"errors"
	"fmt"

	"marketlake/config"
	"marketlake/logger"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("object not found")

// Store is the polymorphic durable byte store.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Backend() string
}

// Enumerated configuration failure reasons, surfaced through the health
// endpoint rather than thrown from a request path.
const (
	ReasonUnsupportedBackend = "UNSUPPORTED_BACKEND"
	ReasonMissingRoot        = "MISSING_ROOT"
	ReasonMissingBucket      = "MISSING_BUCKET"
	ReasonMissingCredential  = "MISSING_CREDENTIAL"
)

// ConfigError describes why a backend could not be opened.
type ConfigError struct {
	Reason  string
	Backend string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("object store %q not usable: %s", e.Backend, e.Reason)
}

// Open builds the configured backend, failing closed at startup with an
// enumerated reason when the selection is unusable.
func Open(ctx context.Context, cfg config.StorageConfig, log *logger.Log) (Store, error) {
	switch cfg.Backend {
	case "fs":
		if cfg.FS.Root == "" {
			return nil, &ConfigError{Reason: ReasonMissingRoot, Backend: "fs"}
		}
		return NewFSStore(cfg.FS.Root)
	case "s3":
		if cfg.S3.Bucket == "" {
			return nil, &ConfigError{Reason: ReasonMissingBucket, Backend: "s3"}
		}
		if cfg.S3.AccessKeyID == "" || cfg.S3.SecretAccessKey == "" {
			return nil, &ConfigError{Reason: ReasonMissingCredential, Backend: "s3"}
		}
		return NewS3Store(ctx, cfg.S3, log)
	default:
		return nil, &ConfigError{Reason: ReasonUnsupportedBackend, Backend: cfg.Backend}
	}
}
