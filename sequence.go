package smp

import (
	"context"
	"fmt"
	"sync"
)

// sequenceAllocator hands out SMP sequence numbers, skipping any currently
// in flight. It is owned exclusively by one Client.
type sequenceAllocator struct {
	mu      sync.Mutex
	next    uint8
	inUse   [256]bool
	waiters []chan struct{}
}

func newSequenceAllocator() *sequenceAllocator {
	return &sequenceAllocator{}
}

// acquire returns the next free sequence number, marking it in use. If all
// 256 slots are occupied, it blocks until release frees one or ctx is done.
func (s *sequenceAllocator) acquire(ctx context.Context) (uint8, error) {
	for {
		s.mu.Lock()
		if seq, ok := s.tryAcquireLocked(); ok {
			s.mu.Unlock()
			return seq, nil
		}

		wait := make(chan struct{})
		s.waiters = append(s.waiters, wait)
		s.mu.Unlock()

		select {
		case <-wait:
			continue
		case <-ctx.Done():
			s.removeWaiter(wait)
			return 0, fmt.Errorf("%w: %w", ErrNoFreeSequence, ctx.Err())
		}
	}
}

func (s *sequenceAllocator) tryAcquireLocked() (uint8, bool) {
	for i := 0; i < 256; i++ {
		seq := s.next
		s.next++
		if !s.inUse[seq] {
			s.inUse[seq] = true
			return seq, true
		}
	}
	return 0, false
}

// removeWaiter drops wait from the waiters queue without closing it, used
// when a waiter gives up due to context cancellation rather than being
// woken by release.
func (s *sequenceAllocator) removeWaiter(wait chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, w := range s.waiters {
		if w == wait {
			s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
			return
		}
	}
}

// release frees seq and wakes one waiter, if any.
func (s *sequenceAllocator) release(seq uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.inUse[seq] = false
	if len(s.waiters) == 0 {
		return
	}
	w := s.waiters[0]
	s.waiters = s.waiters[1:]
	close(w)
}
