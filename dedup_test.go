package blobpack

import (
	"errors"
	"sync"
	"testing"
)

func TestDedupCache_Record(t *testing.T) {
	c := NewDedupCache()

	a, isNew, err := c.Record("hash-a", 10)
	if err != nil || !isNew {
		t.Fatalf("first Record() = %v, %v, want new blob", isNew, err)
	}
	if a.ID != 1 {
		t.Errorf("first blob ID = %d, want 1", a.ID)
	}

	again, isNew, err := c.Record("hash-a", 10)
	if err != nil || isNew {
		t.Fatalf("second Record() = %v, %v, want duplicate", isNew, err)
	}
	if again != a {
		t.Errorf("duplicate returned %+v, want %+v", again, a)
	}

	b, isNew, err := c.Record("hash-b", 0)
	if err != nil || !isNew || b.ID != 2 {
		t.Fatalf("Record(hash-b) = %+v, %v, %v", b, isNew, err)
	}

	if c.Len() != 2 {
		t.Errorf("Len() = %d, want 2", c.Len())
	}
	dups, saved := c.Savings()
	if dups != 1 || saved != 10 {
		t.Errorf("Savings() = %d, %d, want 1, 10", dups, saved)
	}
	if got, ok := c.Lookup("hash-b"); !ok || got != b {
		t.Errorf("Lookup() = %+v, %v", got, ok)
	}
	if _, ok := c.Lookup("unknown"); ok {
		t.Error("Lookup() found an unknown hash")
	}
}

func TestDedupCache_SizeMismatch(t *testing.T) {
	c := NewDedupCache()
	if _, _, err := c.Record("h", 10); err != nil {
		t.Fatal(err)
	}

	_, _, err := c.Record("h", 11)
	var derr *DedupInvariantError
	if !errors.As(err, &derr) {
		t.Fatalf("Record() error = %v, want *DedupInvariantError", err)
	}
	if derr.Known != 10 || derr.Got != 11 {
		t.Errorf("error sizes = %d, %d, want 10, 11", derr.Known, derr.Got)
	}
	if !errors.Is(err, ErrDedupInvariant) {
		t.Error("error does not wrap ErrDedupInvariant")
	}
}

func TestDedupCache_Concurrent(t *testing.T) {
	c := NewDedupCache()

	var wg sync.WaitGroup
	var mu sync.Mutex
	created := 0
	ids := make(map[int64]bool)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			blob, isNew, err := c.Record("shared", 42)
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if isNew {
				created++
			}
			ids[blob.ID] = true
		}()
	}
	wg.Wait()

	if created != 1 {
		t.Errorf("%d goroutines created the blob, want 1", created)
	}
	if len(ids) != 1 {
		t.Errorf("saw %d distinct blob ids, want 1", len(ids))
	}
}
