package store

import (
	"context"
	"errors"
)

var ErrStoreUnavailable = errors.New("store: backend unavailable")

// Store is the key/value backend contract shared by every invocation.
type Store interface {
	// Set stores value under key and returns the previous value when one existed.
	Set(ctx context.Context, key, value string) (prev string, existed bool, err error)
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Len(ctx context.Context) (int, error)
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}
