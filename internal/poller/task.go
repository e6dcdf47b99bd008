package poller

import (
	"sync"
	"time"
)

type subscription struct {
	mu      sync.Mutex
	closed  bool
	handler Handler
}

func (s *subscription) deliver(u Update) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	s.handler(u)
}

// close waits for a delivery in progress.
func (s *subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
}

type task struct {
	deviceID string
	cancel   func()
	done     chan struct{}

	mu   sync.Mutex
	subs map[*subscription]struct{}
	last *Update
	// fetches sent before invalidAt are dropped
	invalidAt time.Time
}

func (t *task) add(s *subscription) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.subs[s] = struct{}{}
}

// remove reports whether s was the last subscriber.
func (t *task) remove(s *subscription) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.subs, s)

	return len(t.subs) == 0
}

func (t *task) latest() (Update, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.last == nil {
		return Update{}, false
	}

	u := *t.last
	u.History = Latest(u.History, len(u.History))

	return u, true
}

func (t *task) invalidate(at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.last = nil
	if at.After(t.invalidAt) {
		t.invalidAt = at
	}
}

func (t *task) publish(u Update) {
	t.mu.Lock()
	if u.Started.Before(t.invalidAt) {
		t.mu.Unlock()
		return
	}

	t.last = &u
	subs := make([]*subscription, 0, len(t.subs))
	for s := range t.subs {
		subs = append(subs, s)
	}
	t.mu.Unlock()

	for _, s := range subs {
		cp := u
		cp.History = Latest(u.History, len(u.History))
		s.deliver(cp)
	}
}

func (t *task) closeAll() {
	t.mu.Lock()
	subs := t.subs
	t.subs = make(map[*subscription]struct{})
	t.mu.Unlock()

	for s := range subs {
		s.close()
	}
}

// stop cancels the task and waits until its goroutine exits.
func (t *task) stop() {
	t.cancel()
	<-t.done
}
