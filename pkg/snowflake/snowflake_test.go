package snowflake

import (
	"sync"
	"testing"
	"time"
)

func TestNew_InvalidWorkerID(t *testing.T) {
	if _, err := New(-1); err != ErrInvalidWorkerID {
		t.Fatalf("err=%v, want ErrInvalidWorkerID", err)
	}
	if _, err := New(1024); err != ErrInvalidWorkerID {
		t.Fatalf("err=%v, want ErrInvalidWorkerID", err)
	}
}

func TestGenerate_Monotonic(t *testing.T) {
	gen, err := New(5)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	var last int64
	for i := 0; i < 10000; i++ {
		id, err := gen.Generate()
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		if id <= last {
			t.Fatalf("id %d not greater than previous %d", id, last)
		}
		last = id
	}
}

func TestGenerate_Concurrent(t *testing.T) {
	gen, err := New(1)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	const goroutines = 8
	const perGoroutine = 1000

	var mu sync.Mutex
	seen := make(map[int64]bool, goroutines*perGoroutine)
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				id := gen.MustGenerate()
				mu.Lock()
				if seen[id] {
					mu.Unlock()
					t.Errorf("duplicate id %d", id)
					return
				}
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
}

func TestParse(t *testing.T) {
	gen, err := New(42)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	before := time.Now().UnixMilli()
	id := gen.MustGenerate()
	after := time.Now().UnixMilli()

	ts, workerID, _ := Parse(id)
	if workerID != 42 {
		t.Fatalf("workerID=%d, want 42", workerID)
	}
	if ts < before || ts > after {
		t.Fatalf("timestamp %d outside [%d,%d]", ts, before, after)
	}
	if got := Time(id).UnixMilli(); got != ts {
		t.Fatalf("Time()=%d, want %d", got, ts)
	}
}
