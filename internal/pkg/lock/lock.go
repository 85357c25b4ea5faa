// Package lock provides per-game locking for concurrent webhook ingestion.
// Two webhook deliveries for the same game must serialize their
// read-modify-write of turn state; deliveries for different games must not
// block each other.
package lock

import (
	"context"
	"sync"
	"time"
)

// gameMutex wraps a mutex with reference counting for cleanup.
type gameMutex struct {
	mu       sync.Mutex
	refCount int
}

// GameLock provides per-key locking, keyed by the game's
// (endpoint slug, game name) identity.
type GameLock struct {
	locks sync.Map // map[string]*gameMutex
	pool  sync.Pool
}

// NewGameLock creates a new GameLock instance.
func NewGameLock() *GameLock {
	return &GameLock{
		pool: sync.Pool{
			New: func() any {
				return &gameMutex{}
			},
		},
	}
}

// getLock retrieves or creates a mutex for the given game key.
func (gl *GameLock) getLock(key string) *gameMutex {
	// Try to load existing lock
	if v, ok := gl.locks.Load(key); ok {
		return v.(*gameMutex)
	}

	// Create new lock from pool
	newLock := gl.pool.Get().(*gameMutex)
	newLock.refCount = 0

	// Store or load existing (handles race condition)
	actual, loaded := gl.locks.LoadOrStore(key, newLock)
	if loaded {
		// Another goroutine created the lock first, return ours to pool
		gl.pool.Put(newLock)
	}
	return actual.(*gameMutex)
}

// Lock acquires the lock for a game key.
func (gl *GameLock) Lock(key string) {
	lock := gl.getLock(key)
	lock.mu.Lock()
	lock.refCount++
}

// Unlock releases the lock for a game key.
func (gl *GameLock) Unlock(key string) {
	if v, ok := gl.locks.Load(key); ok {
		lock := v.(*gameMutex)
		lock.refCount--
		lock.mu.Unlock()
	}
}

// TryLock attempts to acquire the lock without blocking.
// Returns true if the lock was acquired, false otherwise.
func (gl *GameLock) TryLock(key string) bool {
	lock := gl.getLock(key)
	if lock.mu.TryLock() {
		lock.refCount++
		return true
	}
	return false
}

// LockWithTimeout attempts to acquire the lock with a timeout.
// Returns true if the lock was acquired, false if timeout occurred.
func (gl *GameLock) LockWithTimeout(ctx context.Context, key string, timeout time.Duration) bool {
	lock := gl.getLock(key)

	// Create a channel to signal lock acquisition
	done := make(chan struct{})

	go func() {
		lock.mu.Lock()
		close(done)
	}()

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case <-done:
		lock.refCount++
		return true
	case <-timeoutCtx.Done():
		// The waiting goroutine will eventually acquire the lock;
		// release it once it does so nothing stays held.
		go func() {
			<-done
			lock.mu.Unlock()
		}()
		return false
	}
}

// WithLock executes a function while holding the game's lock.
func (gl *GameLock) WithLock(key string, fn func() error) error {
	gl.Lock(key)
	defer gl.Unlock(key)
	return fn()
}

// WithLockContext executes a function while holding the game's lock,
// with context support for cancellation.
func (gl *GameLock) WithLockContext(ctx context.Context, key string, timeout time.Duration, fn func() error) error {
	if !gl.LockWithTimeout(ctx, key, timeout) {
		return ErrLockTimeout
	}
	defer gl.Unlock(key)

	// Check if context was cancelled while waiting for lock
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}
