package metrics

import (
	"sync"
	"testing"
)

func TestIncRateLimitDrop(t *testing.T) {
	before, beforeBy := RateLimitSnapshot()

	IncRateLimitDrop("")
	IncRateLimitDrop("/webhooks")
	IncRateLimitDrop("/webhooks")

	total, by := RateLimitSnapshot()
	if total-before != 3 {
		t.Fatalf("expected 3 new drops, got %d", total-before)
	}
	if by["global"]-beforeBy["global"] != 1 {
		t.Errorf("empty prefix should count as global")
	}
	if by["/webhooks"]-beforeBy["/webhooks"] != 2 {
		t.Errorf("expected 2 drops for /webhooks")
	}
}

func TestAutomationCounters_Concurrent(t *testing.T) {
	base := Snapshot()[DMSent]

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			Inc(DMSent)
		}()
	}
	wg.Wait()
	Add(DMSent, 5)
	Add(DMSent, -1)

	if got := Snapshot()[DMSent] - base; got != 55 {
		t.Fatalf("expected 55 increments, got %d", got)
	}
}

func TestNames_Sorted(t *testing.T) {
	got := Names(map[string]uint64{"b": 1, "a": 2, "c": 3})
	if len(got) != 3 || got[0] != "a" || got[2] != "c" {
		t.Fatalf("unexpected order %v", got)
	}
}
