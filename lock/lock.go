// Package lock provides the two-tier mutual exclusion primitive guarding
// the task directory.
//
// The first tier is an in-process FIFO mutex: acquirers within one process
// are granted strictly in arrival order. The second tier is an advisory
// file lock on a dedicated lock file, so two daemon instances pointed at
// the same task directory cannot interleave writes. The in-process tier is
// always acquired first and released last: the file lock is taken when the
// lock transitions from idle to held and dropped only once no in-process
// waiter remains, so a waiting acquirer can never deadlock against a file
// lock held by another code path in the same process.
//
// Grants are always asynchronous relative to the Acquire call that
// requested them; Acquire never completes in the same scheduling turn it
// was issued in, which keeps push/scheduler logic safe to call from within
// completion paths.
package lock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gofrs/flock"

	"github.com/joshfire/hookmachine"
)

// waiter is one pending acquisition request.
type waiter struct {
	owner string
	err   error
	ready chan struct{}
}

// Lock serializes access to a durable resource identified by a lock file.
// The zero value is not usable; create one with New.
type Lock struct {
	path   string
	logger *slog.Logger
	file   *flock.Flock

	mu       sync.Mutex
	holder   string
	waiters  []*waiter
	granting bool
	fileHeld bool
}

// Option configures a Lock.
type Option func(*Lock)

// WithLogger sets the structured logger for the lock.
func WithLogger(l *slog.Logger) Option {
	return func(lk *Lock) { lk.logger = l }
}

// New creates a Lock backed by the advisory lock file at path.
func New(path string, opts ...Option) *Lock {
	lk := &Lock{
		path:   path,
		logger: slog.Default(),
		file:   flock.New(path),
	}
	for _, opt := range opts {
		opt(lk)
	}
	return lk
}

// Path returns the lock file path.
func (lk *Lock) Path() string { return lk.path }

// Holder returns the current owner, or the empty string when the lock is
// free. Intended for logging and tests.
func (lk *Lock) Holder() string {
	lk.mu.Lock()
	defer lk.mu.Unlock()
	return lk.holder
}

// Acquire blocks until owner is granted the lock or ctx is done. Waiters
// are granted strictly in FIFO arrival order.
//
// Acquiring while already holding is accepted as a no-op, but it signals a
// logic bug in the caller and is logged as such.
func (lk *Lock) Acquire(ctx context.Context, owner string) error {
	lk.mu.Lock()

	if lk.holder == owner {
		lk.mu.Unlock()
		lk.logger.Warn("re-entrant lock acquisition",
			slog.String("owner", owner),
			slog.String("lock", lk.path),
		)
		return nil
	}

	w := &waiter{owner: owner, ready: make(chan struct{})}
	lk.waiters = append(lk.waiters, w)

	// Kick the grant loop if nobody holds the lock and no grant is in
	// flight. The grant always runs on its own goroutine so it can never
	// re-enter the caller's stack.
	if lk.holder == "" && !lk.granting {
		lk.granting = true
		go lk.grantNext()
	}
	lk.mu.Unlock()

	select {
	case <-w.ready:
		return w.err
	case <-ctx.Done():
		return lk.abandon(w, ctx.Err())
	}
}

// Release hands the lock to the earliest waiter, or drops the file lock
// when none remain. Calling it with an identity that does not hold the
// lock fails and leaves the holder and waiter queue untouched.
func (lk *Lock) Release(owner string) error {
	lk.mu.Lock()

	if lk.holder != owner {
		holder := lk.holder
		lk.mu.Unlock()
		return fmt.Errorf("%w: %q does not hold the lock (holder %q)",
			hookmachine.ErrNotHolder, owner, holder)
	}

	lk.holder = ""

	if len(lk.waiters) > 0 {
		// FIFO handoff; the file lock stays held across it.
		lk.granting = true
		go lk.grantNext()
		lk.mu.Unlock()
		return nil
	}

	err := lk.dropFileLocked()
	lk.mu.Unlock()
	return err
}

// Close drops the file lock if it is still held. Called on daemon shutdown.
func (lk *Lock) Close() error {
	lk.mu.Lock()
	defer lk.mu.Unlock()
	return lk.dropFileLocked()
}

// grantNext grants the lock to the earliest waiter. Runs on its own
// goroutine; lk.granting is true until it finishes.
func (lk *Lock) grantNext() {
	lk.mu.Lock()

	if lk.holder != "" || len(lk.waiters) == 0 {
		lk.granting = false
		lk.mu.Unlock()
		return
	}

	// First tier granted; take the second tier if this process does not
	// hold it yet. The file lock may block on another process, so new
	// acquirers queue behind this grant in the same FIFO meanwhile.
	if !lk.fileHeld {
		lk.mu.Unlock()
		err := lk.file.Lock()
		lk.mu.Lock()
		if err != nil {
			w := lk.popWaiterLocked()
			// Surface the failure to the next waiter too rather than
			// leaving it parked forever.
			if len(lk.waiters) > 0 {
				go lk.grantNext()
			} else {
				lk.granting = false
			}
			lk.mu.Unlock()
			if w != nil {
				w.err = fmt.Errorf("hookmachine: advisory lock %s: %w", lk.path, err)
				close(w.ready)
			}
			return
		}
		lk.fileHeld = true
	}

	w := lk.popWaiterLocked()
	if w == nil {
		// Every waiter abandoned while the file lock was being taken.
		lk.granting = false
		if dropErr := lk.dropFileLocked(); dropErr != nil {
			lk.logger.Error("failed to drop advisory lock",
				slog.String("lock", lk.path),
				slog.String("error", dropErr.Error()),
			)
		}
		lk.mu.Unlock()
		return
	}

	lk.holder = w.owner
	lk.granting = false
	lk.mu.Unlock()

	close(w.ready)
}

// abandon removes w from the waiter queue after ctx cancellation. If the
// grant raced ahead and w already holds the lock, the lock is released so
// the next waiter is not starved.
func (lk *Lock) abandon(w *waiter, cause error) error {
	lk.mu.Lock()
	for i, cand := range lk.waiters {
		if cand == w {
			lk.waiters = append(lk.waiters[:i], lk.waiters[i+1:]...)
			lk.mu.Unlock()
			return cause
		}
	}
	granted := lk.holder == w.owner
	lk.mu.Unlock()

	if granted {
		if err := lk.Release(w.owner); err != nil {
			lk.logger.Error("failed to release abandoned lock",
				slog.String("owner", w.owner),
				slog.String("error", err.Error()),
			)
		}
	}
	return cause
}

// popWaiterLocked removes and returns the earliest waiter. Caller holds mu.
func (lk *Lock) popWaiterLocked() *waiter {
	if len(lk.waiters) == 0 {
		return nil
	}
	w := lk.waiters[0]
	lk.waiters = lk.waiters[1:]
	return w
}

// dropFileLocked releases the advisory file lock. Caller holds mu.
func (lk *Lock) dropFileLocked() error {
	if !lk.fileHeld {
		return nil
	}
	lk.fileHeld = false
	if err := lk.file.Unlock(); err != nil {
		return fmt.Errorf("hookmachine: unlock advisory lock %s: %w", lk.path, err)
	}
	return nil
}
