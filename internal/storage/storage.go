// Package storage provides the chunk storage backends. A backend stores
// named byte blobs; callers never assume anything about key layout
// beyond "/"-separated namespaces.
package storage

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned by Get for absent keys. Delete of an absent
// key is a no-op, not an error.
var ErrNotFound = errors.New("object not found")

// Backend is the uniform blob interface the archive pipeline writes
// chunks through.
type Backend interface {
	// Put stores the reader's contents under key, overwriting any
	// existing object and creating parent namespaces as needed.
	Put(ctx context.Context, key string, r io.Reader) error
	// Get returns a reader over the object's bytes. The caller closes it.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// Delete removes the object. Absent keys are not an error.
	Delete(ctx context.Context, key string) error
	// Exists reports whether the key holds an object.
	Exists(ctx context.Context, key string) (bool, error)
	// HealthCheck verifies the backend is reachable and authorized.
	HealthCheck(ctx context.Context) error
	// Name identifies the backend kind for status reporting.
	Name() string
}
