package engine

import (
	"sync"
	"testing"
)

func TestLockTableReleasesEntries(t *testing.T) {
	locks := newLockTable()

	unlock := locks.lock("r-1")
	if n := locks.len(); n != 1 {
		t.Fatalf("entries while held = %d, want 1", n)
	}
	unlock()
	if n := locks.len(); n != 0 {
		t.Fatalf("entries after release = %d, want 0", n)
	}

	for _, key := range []string{"r-1", taskLockKey("t-1"), projectLockKey("p")} {
		locks.lock(key)()
	}
	if n := locks.len(); n != 0 {
		t.Errorf("entries after lock cycles = %d, want 0", n)
	}
}

func TestLockTableContendedKey(t *testing.T) {
	locks := newLockTable()

	var (
		wg      sync.WaitGroup
		counter int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.lock("shared")
			counter++
			unlock()
		}()
	}
	wg.Wait()

	if counter != 50 {
		t.Errorf("counter = %d, want 50", counter)
	}
	if n := locks.len(); n != 0 {
		t.Errorf("entries after contention = %d, want 0", n)
	}
}
