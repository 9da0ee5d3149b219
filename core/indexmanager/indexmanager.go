package indexmanager

import (
	"context"
)

// IndexManager interface defines the operations the server runs against an index.
type IndexManager interface {
	// Put stores value under key. Existing keys are rejected with ErrKeyAlreadyExists.
	Put(ctx context.Context, key string, value []byte) error
	// Get returns the value for key and whether it was found.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Delete removes key, returning ErrKeyNotFound when it is absent.
	Delete(ctx context.Context, key string) error
	// Flush writes every resident page to disk.
	Flush(ctx context.Context) error
	// Verify checks the on-page structure of the index.
	Verify(ctx context.Context) error
	// Name returns the name of the index.
	Name() string
}
