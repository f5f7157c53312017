// Package localstore is the device-side persistence a replica survives
// restarts with: a flat ordered key/value space.
package localstore

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("key not found")

type Entry struct {
	Key   string
	Value []byte
}

// Op is one write of a Batch. Delete ignores Value.
type Op struct {
	Key    string
	Value  []byte
	Delete bool
}

type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// List returns the entries whose key starts with prefix, ordered by key.
	List(ctx context.Context, prefix string) ([]Entry, error)
	// Batch applies all ops or none.
	Batch(ctx context.Context, ops []Op) error
	// Clear removes every key.
	Clear(ctx context.Context) error
}
