package store

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"
)

// Shared is the single handle every invocation uses to reach the backend.
//
// The lock is a weighted semaphore so waiters honor context cancellation.
// It is held for exactly one backend operation.
type Shared struct {
	backend Store
	lock    *semaphore.Weighted
}

// NewShared wraps a backend in a shared, serialized handle.
func NewShared(backend Store) *Shared {
	return &Shared{
		backend: backend,
		lock:    semaphore.NewWeighted(1),
	}
}

func (s *Shared) acquire(ctx context.Context) error {
	if s == nil || s.backend == nil {
		return ErrStoreUnavailable
	}
	if err := s.lock.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("store: acquire: %w", err)
	}
	return nil
}

func (s *Shared) Set(ctx context.Context, key, value string) (string, bool, error) {
	if err := s.acquire(ctx); err != nil {
		return "", false, err
	}
	defer s.lock.Release(1)
	return s.backend.Set(ctx, key, value)
}

func (s *Shared) Get(ctx context.Context, key string) (string, bool, error) {
	if err := s.acquire(ctx); err != nil {
		return "", false, err
	}
	defer s.lock.Release(1)
	return s.backend.Get(ctx, key)
}

func (s *Shared) Len(ctx context.Context) (int, error) {
	if err := s.acquire(ctx); err != nil {
		return 0, err
	}
	defer s.lock.Release(1)
	return s.backend.Len(ctx)
}

func (s *Shared) Delete(ctx context.Context, key string) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.lock.Release(1)
	return s.backend.Delete(ctx, key)
}
