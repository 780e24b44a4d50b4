// Package mediastore keeps uploaded videos, thumbnails, composed outputs and
// backup archives under slash-separated keys.
package mediastore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"
)

var (
	ErrNotFound   = errors.New("media object not found")
	ErrInvalidKey = errors.New("invalid media key")
)

// Info describes a stored object.
type Info struct {
	Key         string
	Size        int64
	ModTime     time.Time
	ContentType string
}

// Object is an open stored object. Callers must Close it.
type Object struct {
	io.ReadSeekCloser
	Info Info
}

// Store is implemented by the local filesystem and MinIO backends.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	PutFile(ctx context.Context, key, localPath, contentType string) error
	Open(ctx context.Context, key string) (*Object, error)
	Stat(ctx context.Context, key string) (Info, error)
	// Fetch copies the object to a local file at dst.
	Fetch(ctx context.Context, key, dst string) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]Info, error)
	// Usage sums the size of every object under prefix.
	Usage(ctx context.Context, prefix string) (int64, error)
}

// CleanKey normalises key and rejects keys that escape the store root.
func CleanKey(key string) (string, error) {
	key = strings.TrimSpace(strings.ReplaceAll(key, "\\", "/"))
	if key == "" {
		return "", fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	cleaned := path.Clean("/" + key)
	if cleaned == "/" {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return strings.TrimPrefix(cleaned, "/"), nil
}

func cleanPrefix(prefix string) string {
	prefix = strings.Trim(strings.ReplaceAll(prefix, "\\", "/"), "/")
	if prefix == "" {
		return ""
	}
	return prefix + "/"
}

func sumSizes(infos []Info) int64 {
	var total int64
	for _, i := range infos {
		total += i.Size
	}
	return total
}
