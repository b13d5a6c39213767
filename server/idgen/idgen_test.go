package idgen

import (
	"regexp"
	"sync"
	"testing"
)

func TestNew(t *testing.T) {
	id := New()

	// 12 bytes in unpadded base32 is 20 characters
	if len(id) != 20 {
		t.Errorf("Expected ID length 20, got %d (%s)", len(id), id)
	}

	matched, err := regexp.MatchString(`^[a-z2-7]+$`, id)
	if err != nil {
		t.Fatalf("Error matching regex: %v", err)
	}
	if !matched {
		t.Errorf("ID format does not match expected pattern: %s", id)
	}
}

func TestUniqueness(t *testing.T) {
	count := 10000
	ids := make(map[string]struct{}, count)

	for i := 0; i < count; i++ {
		id := New()
		if _, exists := ids[id]; exists {
			t.Errorf("Duplicate ID found: %s", id)
		}
		ids[id] = struct{}{}
	}
}

func TestConcurrentGeneration(t *testing.T) {
	count := 1000
	ids := make([]string, count)
	var wg sync.WaitGroup
	wg.Add(count)

	for i := 0; i < count; i++ {
		go func(index int) {
			defer wg.Done()
			ids[index] = New()
		}(i)
	}

	wg.Wait()

	uniqueIDs := make(map[string]struct{}, count)
	for _, id := range ids {
		if _, exists := uniqueIDs[id]; exists {
			t.Errorf("Duplicate ID found in concurrent generation: %s", id)
		}
		uniqueIDs[id] = struct{}{}
	}
}

func BenchmarkIDGeneration(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_ = New()
	}
}
