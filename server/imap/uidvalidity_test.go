package imap

import (
	"sync"
	"testing"
)

// TestUIDValidityStable verifies that every session observes the same
// non-zero UIDVALIDITY for the lifetime of the process, so clients never
// discard cached state mid-run.
func TestUIDValidityStable(t *testing.T) {
	first := UIDValidity()
	if first == 0 {
		t.Fatal("UIDValidity() returned zero")
	}

	var wg sync.WaitGroup
	results := make([]uint32, 50)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = UIDValidity()
		}(i)
	}
	wg.Wait()

	for i, v := range results {
		if v != first {
			t.Errorf("call %d: got %d, want %d", i, v, first)
		}
	}
}
