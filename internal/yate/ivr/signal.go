package ivr

import "sync"

// signal is a re-armable broadcast condition, the Go equivalent of an
// asyncio.Event: fire() wakes every goroutine currently blocked on a
// channel obtained from wait(), and arms a fresh channel for the next
// round. reset() discards any pending fire without waking anyone,
// matching the clear-before-send pattern used by PlaySoundfile and the
// DTMF readers.
type signal struct {
	mu sync.Mutex
	ch chan struct{}
}

func newSignal() *signal {
	return &signal{ch: make(chan struct{})}
}

func (s *signal) wait() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}

func (s *signal) fire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	close(s.ch)
	s.ch = make(chan struct{})
}

func (s *signal) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ch = make(chan struct{})
}
