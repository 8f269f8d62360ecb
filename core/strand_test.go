package core

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestStrandSerializes(t *testing.T) {
	s := NewStrand()
	var running atomic.Int32
	var overlap atomic.Bool
	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(1)
		s.Post(func() {
			defer wg.Done()
			if running.Add(1) > 1 {
				overlap.Store(true)
			}
			running.Add(-1)
		})
	}
	wg.Wait()
	if overlap.Load() {
		t.Fatal("two strand tasks ran concurrently")
	}
}

func TestStrandDispatchRunsInlineWhenIdle(t *testing.T) {
	s := NewStrand()
	ran := false
	s.Dispatch(func() { ran = true })
	if !ran {
		t.Fatal("dispatch on an idle strand must run inline")
	}
}

func TestStrandPreservesOrder(t *testing.T) {
	s := NewStrand()
	var mu sync.Mutex
	var got []int
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		i := i
		wg.Add(1)
		s.Post(func() {
			defer wg.Done()
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		})
	}
	wg.Wait()
	for i, v := range got {
		if i != v {
			t.Fatalf("tasks ran out of order at %d: %v", i, got[:i+1])
		}
	}
}
