package relay

import (
	"context"
	"sync"
)

// Handle lets the tracker end a connection from outside its goroutine.
type Handle struct {
	Cancel func()
}

// Tracker records live relay connections so shutdown can end them and wait.
type Tracker struct {
	mu    sync.Mutex
	conns map[string]*trackedConn
	wg    sync.WaitGroup
}

type trackedConn struct {
	handle Handle
	once   sync.Once
}

func NewTracker() *Tracker {
	return &Tracker{conns: make(map[string]*trackedConn)}
}

// Register tracks one connection under a fresh connID until unregister runs.
// unregister is idempotent.
func (t *Tracker) Register(connID string, h Handle) (unregister func()) {
	if t == nil {
		return func() {}
	}

	entry := &trackedConn{handle: h}

	t.mu.Lock()
	if t.conns == nil {
		t.conns = make(map[string]*trackedConn)
	}
	t.conns[connID] = entry
	t.wg.Add(1)
	t.mu.Unlock()

	return func() { t.unregister(connID, entry) }
}

func (t *Tracker) unregister(connID string, entry *trackedConn) {
	entry.once.Do(func() {
		t.mu.Lock()
		delete(t.conns, connID)
		t.mu.Unlock()
		t.wg.Done()
	})
}

func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

func (t *Tracker) CancelAll() (canceled int) {
	if t == nil {
		return 0
	}

	var cancels []func()
	t.mu.Lock()
	for _, entry := range t.conns {
		if entry.handle.Cancel != nil {
			cancels = append(cancels, entry.handle.Cancel)
		}
	}
	t.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
		canceled++
	}
	return canceled
}

// Wait blocks until every registered connection has unregistered, or ctx
// is done. It reports whether all connections finished.
func (t *Tracker) Wait(ctx context.Context) bool {
	if t == nil {
		return true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
