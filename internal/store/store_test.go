package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/danmuck/scriptnode/internal/testutil/testlog"
)

func exerciseBackend(t *testing.T, backend Store) {
	t.Helper()
	ctx := context.Background()

	if _, ok, err := backend.Get(ctx, "a"); err != nil || ok {
		t.Fatalf("get missing: ok=%v err=%v", ok, err)
	}
	prev, existed, err := backend.Set(ctx, "a", "1")
	if err != nil {
		t.Fatalf("set a: %v", err)
	}
	if existed || prev != "" {
		t.Fatalf("unexpected previous value on first set: %q existed=%v", prev, existed)
	}
	prev, existed, err = backend.Set(ctx, "a", "2")
	if err != nil {
		t.Fatalf("overwrite a: %v", err)
	}
	if !existed || prev != "1" {
		t.Fatalf("expected previous value 1, got %q existed=%v", prev, existed)
	}
	if _, _, err := backend.Set(ctx, "b", ""); err != nil {
		t.Fatalf("set b: %v", err)
	}

	val, ok, err := backend.Get(ctx, "a")
	if err != nil || !ok || val != "2" {
		t.Fatalf("get a: val=%q ok=%v err=%v", val, ok, err)
	}
	val, ok, err = backend.Get(ctx, "b")
	if err != nil || !ok || val != "" {
		t.Fatalf("empty values must be stored: val=%q ok=%v err=%v", val, ok, err)
	}

	n, err := backend.Len(ctx)
	if err != nil {
		t.Fatalf("len: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 keys, got %d", n)
	}

	if err := backend.Delete(ctx, "b"); err != nil {
		t.Fatalf("delete b: %v", err)
	}
	if err := backend.Delete(ctx, "never-set"); err != nil {
		t.Fatalf("delete missing: %v", err)
	}
	if _, ok, _ := backend.Get(ctx, "b"); ok {
		t.Fatalf("b still present after delete")
	}
	if n, _ := backend.Len(ctx); n != 1 {
		t.Fatalf("expected 1 key after delete, got %d", n)
	}
}

func TestMemoryStoreSetGetLen(t *testing.T) {
	testlog.Start(t)
	exerciseBackend(t, NewMemoryStore())
}

func TestMemoryStoreHonorsCanceledContext(t *testing.T) {
	testlog.Start(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := NewMemoryStore().Set(ctx, "a", "1"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestSQLiteStoreSetGetLen(t *testing.T) {
	testlog.Start(t)

	s, err := OpenSQLite(filepath.Join(t.TempDir(), "kv.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	exerciseBackend(t, s)
}

func TestSQLiteStoreReopenKeepsData(t *testing.T) {
	testlog.Start(t)

	path := filepath.Join(t.TempDir(), "kv.db")
	s, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if _, _, err := s.Set(context.Background(), "name", "eddy"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen sqlite: %v", err)
	}
	t.Cleanup(func() { _ = reopened.Close() })
	val, ok, err := reopened.Get(context.Background(), "name")
	if err != nil || !ok || val != "eddy" {
		t.Fatalf("get after reopen: val=%q ok=%v err=%v", val, ok, err)
	}
}

func TestOpenSQLiteRequiresPath(t *testing.T) {
	if _, err := OpenSQLite("  "); err == nil {
		t.Fatalf("expected empty path error")
	}
}

func TestSharedSerializesOperations(t *testing.T) {
	testlog.Start(t)

	shared := NewShared(NewMemoryStore())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := string(rune('a' + i%8))
			if _, _, err := shared.Set(ctx, key, "v"); err != nil {
				t.Errorf("set %s: %v", key, err)
			}
		}(i)
	}
	wg.Wait()

	n, err := shared.Len(ctx)
	if err != nil {
		t.Fatalf("len: %v", err)
	}
	if n != 8 {
		t.Fatalf("expected 8 keys, got %d", n)
	}
}

func TestSharedNilBackend(t *testing.T) {
	var shared *Shared
	if _, err := shared.Len(context.Background()); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
}

func TestSharedAcquireRespectsContext(t *testing.T) {
	testlog.Start(t)

	shared := NewShared(NewMemoryStore())
	if err := shared.lock.Acquire(context.Background(), 1); err != nil {
		t.Fatalf("hold lock: %v", err)
	}
	defer shared.lock.Release(1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := shared.Get(ctx, "a"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled while lock is held, got %v", err)
	}
}
