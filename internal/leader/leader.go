// Package leader provides Postgres advisory lock-based leader election.
// When multiple jobservd replicas run against the same database, only the
// leader runs the surge monitor and the git poller; every replica serves
// the API and dispatches runs.
//
// The leader holds a session-level advisory lock (pg_try_advisory_lock).
// Followers retry on an interval. When the leader's connection drops,
// Postgres releases the lock and another replica takes over.
package leader

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// AdvisoryLockID keys the election lock. Distinct from the migration lock
// and from the per-build locks, which hash build names.
const AdvisoryLockID int64 = 6247105883312

// RetryInterval is the default gap between acquisition attempts by a
// follower.
const RetryInterval = 30 * time.Second

// TryLockFunc attempts the advisory lock once, reporting whether this
// session now holds it. Callers back it with a pinned pool connection:
//
//	conn, _ := pool.Acquire(ctx)
//	leader.New(func(ctx context.Context) (bool, error) {
//	    var got bool
//	    err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", leader.AdvisoryLockID).Scan(&got)
//	    return got, err
//	}, ...)
//
// The connection must stay open for the lifetime of leadership; the lock is
// tied to its session.
type TryLockFunc func(ctx context.Context) (acquired bool, err error)

// OnElected starts the leader-only workers and returns the function that
// stops them when leadership ends.
type OnElected func(ctx context.Context) (stop func())

// Elector runs the acquire-retry loop and manages the leader-only workers'
// lifecycle.
type Elector struct {
	tryLock       TryLockFunc
	retryInterval time.Duration
	onElected     OnElected

	mu       sync.Mutex
	isLeader bool
	stopFn   func()
	cancel   context.CancelFunc
	done     chan struct{}
}

func New(tryLock TryLockFunc, retryInterval time.Duration, onElected OnElected) *Elector {
	if retryInterval <= 0 {
		retryInterval = RetryInterval
	}
	return &Elector{
		tryLock:       tryLock,
		retryInterval: retryInterval,
		onElected:     onElected,
	}
}

// Start launches the election loop. The first attempt happens immediately.
func (e *Elector) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})

	go func() {
		defer close(e.done)

		e.tryAcquire(ctx)

		ticker := time.NewTicker(e.retryInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				e.relinquish()
				return
			case <-ticker.C:
				e.tryAcquire(ctx)
			}
		}
	}()
}

// Stop ends the loop, stopping the leader-only workers if this replica
// holds leadership.
func (e *Elector) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	if e.done != nil {
		<-e.done
	}
}

// IsLeader reports whether this replica currently leads.
func (e *Elector) IsLeader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.isLeader
}

func (e *Elector) tryAcquire(ctx context.Context) {
	e.mu.Lock()
	if e.isLeader {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	acquired, err := e.tryLock(ctx)
	if err != nil {
		slog.Error("leader: advisory lock attempt failed", "error", err)
		return
	}
	if !acquired {
		slog.Debug("leader: another replica holds the lock")
		return
	}

	slog.Info("leader: elected, starting monitor and poller")

	e.mu.Lock()
	e.isLeader = true
	e.mu.Unlock()

	stopFn := e.onElected(ctx)

	e.mu.Lock()
	e.stopFn = stopFn
	e.mu.Unlock()
}

// relinquish stops the workers. The advisory lock itself is released by
// Postgres when the backing session closes.
func (e *Elector) relinquish() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.isLeader {
		return
	}
	slog.Info("leader: stepping down")
	if e.stopFn != nil {
		e.stopFn()
		e.stopFn = nil
	}
	e.isLeader = false
}
