package filelist

import (
	"sync"
	"time"
)

// Scheduler runs keyed delayed callbacks. Scheduling a key again replaces
// the pending callback for that key.
type Scheduler struct {
	mu      sync.Mutex
	pending map[string]*scheduled
	seq     uint64
	stopped bool
}

type scheduled struct {
	timer *time.Timer
	seq   uint64
}

// NewScheduler creates an idle scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{pending: make(map[string]*scheduled)}
}

// Schedule arranges for fn to run after delay unless key is scheduled again
// or cancelled first.
func (s *Scheduler) Schedule(key string, delay time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if prev, ok := s.pending[key]; ok {
		prev.timer.Stop()
	}
	s.seq++
	seq := s.seq
	entry := &scheduled{seq: seq}
	entry.timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		cur, ok := s.pending[key]
		if !ok || cur.seq != seq {
			s.mu.Unlock()
			return
		}
		delete(s.pending, key)
		s.mu.Unlock()
		fn()
	})
	s.pending[key] = entry
}

// Cancel drops the pending callback for key and reports whether there was one.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.pending[key]
	if !ok {
		return false
	}
	prev.timer.Stop()
	delete(s.pending, key)
	return true
}

// Pending reports whether key has a callback waiting.
func (s *Scheduler) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[key]
	return ok
}

// Stop cancels everything and refuses new schedules.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, p := range s.pending {
		p.timer.Stop()
		delete(s.pending, key)
	}
	s.stopped = true
}
