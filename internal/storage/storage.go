package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"regexp"
	"strings"

	"leadline/internal/config"
)

// ErrInvalidKey is returned for keys that could escape the store's namespace.
var ErrInvalidKey = errors.New("invalid object key")

// ObjectStore persists uploaded files and returns a URL for the stored
// object.
type ObjectStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error)
}

// New creates the store selected by cfg.Type.
func New(ctx context.Context, cfg config.StorageConfig) (ObjectStore, error) {
	switch cfg.Type {
	case "local":
		return NewLocal(cfg.LocalDir, cfg.PublicBaseURL, cfg.SigningSecret, cfg.URLTTL)
	case "s3":
		return NewS3(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Key builds an object key from an id and the client's file name. Only the
// base name survives, with anything outside [A-Za-z0-9._-] replaced.
func Key(id, filename string) string {
	base := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	base = strings.Trim(unsafeName.ReplaceAllString(base, "_"), "._")
	if base == "" {
		base = "file"
	}
	if len(base) > 100 {
		base = base[len(base)-100:]
	}
	return id + "-" + base
}

func checkKey(key string) error {
	if key == "" || key != path.Base(key) || strings.HasPrefix(key, ".") || strings.ContainsAny(key, "\\/") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}
