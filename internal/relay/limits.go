package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

var ErrCapacity = errors.New("relay: at capacity")

// FleetCap is a cap shared by every relay process, e.g. utils.ConcurrencyCap.
type FleetCap interface {
	TryAcquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// CallLimiter bounds concurrent bridged calls per process and, optionally,
// across the fleet. Neither check waits: a full limiter rejects at once.
type CallLimiter struct {
	local *semaphore.Weighted
	fleet FleetCap
	log   *slog.Logger
}

// NewCallLimiter caps this process at maxCalls calls. fleet may be nil.
func NewCallLimiter(maxCalls int64, fleet FleetCap, log *slog.Logger) *CallLimiter {
	if log == nil {
		log = slog.Default()
	}
	return &CallLimiter{local: semaphore.NewWeighted(maxCalls), fleet: fleet, log: log}
}

// Acquire takes one slot and returns its release func, which is safe to call
// more than once. The fleet cap fails open when its backend is unreachable.
func (l *CallLimiter) Acquire(ctx context.Context) (release func(), err error) {
	if l == nil {
		return func() {}, nil
	}
	if !l.local.TryAcquire(1) {
		return nil, ErrCapacity
	}

	fleetHeld := false
	if l.fleet != nil {
		ok, err := l.fleet.TryAcquire(ctx)
		switch {
		case err != nil:
			l.log.Warn("relay: fleet cap unavailable, admitting call", "err", err)
		case !ok:
			l.local.Release(1)
			return nil, ErrCapacity
		default:
			fleetHeld = true
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if fleetHeld {
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				if err := l.fleet.Release(ctx); err != nil {
					l.log.Warn("relay: fleet cap release failed", "err", err)
				}
			}
			l.local.Release(1)
		})
	}, nil
}
