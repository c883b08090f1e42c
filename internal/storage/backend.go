// Package storage provides the key/value persistence the security core writes
// secrets, audit records and threat state through.
package storage

import (
	"context"
	"errors"

	"github.com/org/authcore/internal/core"
)

// ErrNotFound is returned when a requested key does not exist.
var ErrNotFound = errors.New("not found")

// Entry is one key/value pair returned by Scan.
type Entry struct {
	Key   string
	Value []byte
}

// Backend is the persistence contract. Implementations must be safe for
// concurrent use. Delete of a missing key is not an error.
type Backend interface {
	Put(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	// Scan returns every entry whose key starts with prefix, ordered by key.
	Scan(ctx context.Context, prefix string) ([]Entry, error)
	Close() error
}

// classify maps deadline expiry to a typed timeout error and passes anything else through.
func classify(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return core.Wrap(core.KindTimeout, op, err)
	}
	return err
}
