package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
)

type fakeFleet struct {
	mu       sync.Mutex
	limit    int
	held     int
	err      error
	releases int
}

func (f *fakeFleet) TryAcquire(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	if f.held >= f.limit {
		return false, nil
	}
	f.held++
	return true, nil
}

func (f *fakeFleet) Release(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.held--
	f.releases++
	return nil
}

func TestCallLimiter_LocalCap(t *testing.T) {
	l := NewCallLimiter(2, nil, nil)
	r1, err := l.Acquire(context.Background())
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if _, err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if _, err := l.Acquire(context.Background()); !errors.Is(err, ErrCapacity) {
		t.Fatalf("expected ErrCapacity, got %v", err)
	}
	r1()
	r1()
	if _, err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("expected slot after release: %v", err)
	}
	if _, err := l.Acquire(context.Background()); !errors.Is(err, ErrCapacity) {
		t.Fatalf("double release must not free two slots, got %v", err)
	}
}

func TestCallLimiter_FleetCap(t *testing.T) {
	fleet := &fakeFleet{limit: 1}
	l := NewCallLimiter(10, fleet, nil)

	release, err := l.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := l.Acquire(context.Background()); !errors.Is(err, ErrCapacity) {
		t.Fatalf("expected fleet rejection, got %v", err)
	}
	release()
	if fleet.releases != 1 || fleet.held != 0 {
		t.Fatalf("expected fleet slot released once, got %+v", fleet)
	}
}

func TestCallLimiter_FleetErrorFailsOpen(t *testing.T) {
	fleet := &fakeFleet{limit: 1, err: errors.New("redis down")}
	l := NewCallLimiter(1, fleet, nil)

	release, err := l.Acquire(context.Background())
	if err != nil {
		t.Fatalf("expected admission when fleet cap is unreachable, got %v", err)
	}
	release()
	if fleet.releases != 0 {
		t.Fatalf("must not release a fleet slot that was never taken")
	}
}

func TestCallLimiter_NilIsUnlimited(t *testing.T) {
	var l *CallLimiter
	release, err := l.Acquire(context.Background())
	if err != nil || release == nil {
		t.Fatalf("expected nil limiter to admit, got %v", err)
	}
	release()
}
