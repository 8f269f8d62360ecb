package core

import (
	"sync"

	"github.com/gammazero/deque"
)

// Strand serializes submitted tasks: no two tasks ever run concurrently,
// while tasks submitted to different strands may. Each relay zone and each
// noise channel owns one.
type Strand struct {
	mu    sync.Mutex
	busy  bool
	queue deque.Deque[func()]
}

// NewStrand returns an idle strand.
func NewStrand() *Strand { return &Strand{} }

// Dispatch runs fn inline when the strand is idle and enqueues it behind
// the running task otherwise. Used on hot paths to avoid a goroutine hop.
func (s *Strand) Dispatch(fn func()) {
	s.mu.Lock()
	if s.busy {
		s.queue.PushBack(fn)
		s.mu.Unlock()
		return
	}
	s.busy = true
	s.mu.Unlock()
	s.drain(fn)
}

// Post always enqueues fn and returns immediately; a worker goroutine is
// started when the strand was idle.
func (s *Strand) Post(fn func()) {
	s.mu.Lock()
	if s.busy {
		s.queue.PushBack(fn)
		s.mu.Unlock()
		return
	}
	s.busy = true
	s.mu.Unlock()
	go s.drain(fn)
}

func (s *Strand) drain(fn func()) {
	for {
		fn()
		s.mu.Lock()
		if s.queue.Len() == 0 {
			s.busy = false
			s.mu.Unlock()
			return
		}
		fn = s.queue.PopFront()
		s.mu.Unlock()
	}
}
