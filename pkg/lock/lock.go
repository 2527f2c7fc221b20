// Package lock serializes decision runs per proposal.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrHeld is returned in reject mode when the key is already locked.
var ErrHeld = errors.New("lock held")

// Mode selects what Acquire does when the key is held.
type Mode string

const (
	// ModeWait blocks until the lock is free or the context ends.
	ModeWait Mode = "wait"
	// ModeReject fails immediately with ErrHeld.
	ModeReject Mode = "reject"
)

// ParseMode validates a mode name. Empty means ModeReject.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeReject:
		return ModeReject, nil
	case ModeWait:
		return ModeWait, nil
	}
	return "", fmt.Errorf("unknown lock mode %q", s)
}

// Lease is a held lock.
type Lease interface {
	Release(ctx context.Context) error
}

// Locker grants exclusive leases on keys.
type Locker interface {
	Acquire(ctx context.Context, key string) (Lease, error)
}

// MemoryLocker is an in-process Locker.
type MemoryLocker struct {
	mode  Mode
	mu    sync.Mutex
	slots map[string]chan struct{}
}

// NewMemoryLocker creates a locker with the given contention mode.
func NewMemoryLocker(mode Mode) *MemoryLocker {
	return &MemoryLocker{mode: mode, slots: make(map[string]chan struct{})}
}

func (l *MemoryLocker) slot(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.slots[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.slots[key] = ch
	}
	return ch
}

func (l *MemoryLocker) Acquire(ctx context.Context, key string) (Lease, error) {
	ch := l.slot(key)
	if l.mode == ModeWait {
		select {
		case ch <- struct{}{}:
			return &memoryLease{ch: ch}, nil
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire %s: %w", key, ctx.Err())
		}
	}
	select {
	case ch <- struct{}{}:
		return &memoryLease{ch: ch}, nil
	default:
		return nil, fmt.Errorf("acquire %s: %w", key, ErrHeld)
	}
}

type memoryLease struct {
	once sync.Once
	ch   chan struct{}
}

func (l *memoryLease) Release(context.Context) error {
	l.once.Do(func() { <-l.ch })
	return nil
}
