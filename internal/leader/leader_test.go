package leader

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockLock struct {
	mu       sync.Mutex
	acquired bool
	err      error
	calls    int
}

func (m *mockLock) tryLock(_ context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.acquired, m.err
}

func (m *mockLock) setAcquired(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acquired = v
}

func (m *mockLock) getCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func TestElector_ImmediateAcquire(t *testing.T) {
	lock := &mockLock{acquired: true}
	var elected atomic.Bool

	e := New(lock.tryLock, 50*time.Millisecond, func(_ context.Context) func() {
		elected.Store(true)
		return func() {}
	})

	e.Start(context.Background())
	time.Sleep(30 * time.Millisecond)

	assert.True(t, elected.Load())
	assert.True(t, e.IsLeader())
	e.Stop()
}

func TestElector_FollowerNeverElected(t *testing.T) {
	lock := &mockLock{acquired: false}
	var elected atomic.Bool

	e := New(lock.tryLock, 50*time.Millisecond, func(_ context.Context) func() {
		elected.Store(true)
		return func() {}
	})

	e.Start(context.Background())
	time.Sleep(80 * time.Millisecond)

	assert.False(t, elected.Load())
	assert.False(t, e.IsLeader())
	e.Stop()
}

func TestElector_TakesOverOnRetry(t *testing.T) {
	lock := &mockLock{acquired: false}
	var elected atomic.Bool

	e := New(lock.tryLock, 50*time.Millisecond, func(_ context.Context) func() {
		elected.Store(true)
		return func() {}
	})

	e.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	assert.False(t, elected.Load())

	lock.setAcquired(true)
	time.Sleep(80 * time.Millisecond)

	assert.True(t, elected.Load())
	assert.True(t, e.IsLeader())
	e.Stop()
}

func TestElector_LockErrorKeepsRetrying(t *testing.T) {
	lock := &mockLock{err: fmt.Errorf("connection refused")}
	var elected atomic.Bool

	e := New(lock.tryLock, 30*time.Millisecond, func(_ context.Context) func() {
		elected.Store(true)
		return func() {}
	})

	e.Start(context.Background())
	time.Sleep(80 * time.Millisecond)

	assert.False(t, elected.Load())
	assert.Greater(t, lock.getCalls(), 1)
	e.Stop()
}

func TestElector_StopEndsLeadership(t *testing.T) {
	lock := &mockLock{acquired: true}
	var stopped atomic.Bool

	e := New(lock.tryLock, 50*time.Millisecond, func(_ context.Context) func() {
		return func() { stopped.Store(true) }
	})

	e.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	require.True(t, e.IsLeader())

	e.Stop()
	assert.True(t, stopped.Load())
	assert.False(t, e.IsLeader())
}

func TestElector_ElectsOnce(t *testing.T) {
	lock := &mockLock{acquired: true}
	var electCount atomic.Int32

	e := New(lock.tryLock, 20*time.Millisecond, func(_ context.Context) func() {
		electCount.Add(1)
		return func() {}
	})

	e.Start(context.Background())
	time.Sleep(90 * time.Millisecond)

	assert.Equal(t, int32(1), electCount.Load())
	e.Stop()
}

func TestElector_StopBeforeStart(t *testing.T) {
	e := New((&mockLock{}).tryLock, time.Minute, func(_ context.Context) func() {
		return func() {}
	})
	e.Stop()
}
