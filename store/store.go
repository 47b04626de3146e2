// Package store provides the durable table primitive used for coordination.
//
// Every backend exposes the same four operations: get, conditional put,
// conditional delete and scan. Conditional writes compare a per-key version
// counter maintained by the backend. A version of 0 means the key does not
// exist and every successful write increments it.
package store

import (
	"context"
	"errors"
)

var (
	ErrNotFound = errors.New("store: record not found")
	ErrConflict = errors.New("store: conditional write failed")
)

// AnyVersion disables the version check of Put and Delete.
const AnyVersion int64 = -1

type Record struct {
	Key     string
	Value   []byte
	Version int64
}

type Table interface {
	// Get returns ErrNotFound when the key does not exist.
	Get(ctx context.Context, key string) (Record, error)
	// Put stores value if the current version of key equals expected. Use 0 to
	// require that the key does not exist and AnyVersion to overwrite
	// unconditionally. It returns the new version or ErrConflict.
	Put(ctx context.Context, key string, value []byte, expected int64) (int64, error)
	// Delete removes key if its current version equals expected. Deleting a
	// missing key with AnyVersion is not an error.
	Delete(ctx context.Context, key string, expected int64) error
	Scan(ctx context.Context) ([]Record, error)
}
