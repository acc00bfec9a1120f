package idgen

import (
	"strings"
	"sync"
	"testing"
	"time"
)

func TestNextIDUnique(t *testing.T) {
	const n = 5000
	var (
		mu   sync.Mutex
		seen = make(map[int64]struct{}, n)
		wg   sync.WaitGroup
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < n/4; j++ {
				id := NextID()
				mu.Lock()
				if _, dup := seen[id]; dup {
					t.Errorf("duplicate id %d", id)
				}
				seen[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
}

func TestGenerateEventID(t *testing.T) {
	id := GenerateEventID()
	if !strings.HasPrefix(id, "EVT") || len(id) != 3+14+8 {
		t.Fatalf("unexpected event id %q", id)
	}
}

func TestTimestampRoundTrip(t *testing.T) {
	before := time.Now().Add(-time.Millisecond)
	ts := Timestamp(NextID())
	if ts.Before(before) || ts.After(time.Now().Add(time.Millisecond)) {
		t.Fatalf("timestamp %v out of range", ts)
	}
}

func TestGenerateMonotonic(t *testing.T) {
	s := &Snowflake{workerID: 3}
	prev := s.Generate()
	for i := 0; i < 10000; i++ {
		id := s.Generate()
		if id <= prev {
			t.Fatalf("id %d not greater than %d", id, prev)
		}
		prev = id
	}
}
