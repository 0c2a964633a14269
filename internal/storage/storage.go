package storage

import (
	"context"
	"errors"
	"io"
)

var (
	ErrBucketNotFound = errors.New("bucket not found")
	// ErrObjectExists is returned when a write would replace an archived object.
	ErrObjectExists = errors.New("object already exists")
)

type ObjectInfo struct {
	Key  string
	Size int64
	ETag string
}

type PutOptions struct {
	ContentType string
	// Metadata is stored as user metadata on the object. Keys are lower-case
	// letters, digits and '-'.
	Metadata map[string]string
	// Tags are object tags, usable by bucket lifecycle rules.
	Tags map[string]string
}

// ObjectStore is the write side of the audit archive. Archived objects are
// write-once: Put never replaces an existing key.
type ObjectStore interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, opts PutOptions) (ObjectInfo, error)
	Ping(ctx context.Context) error
}
