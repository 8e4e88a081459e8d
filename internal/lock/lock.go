// Package lock implements lease-based mutual exclusion on top of a
// conditional key-value store. A Coordinator competes with coordinators in
// other processes for named locks; the backend's conditional writes decide
// every race.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Lock is the in-memory handle of a lock identified by (group, id).
// Handles are created by Coordinator.Lock and must be released through the
// coordinator that created them.
type Lock struct {
	group string
	id    string
	owner string

	opts lockOptions

	mu                  sync.Mutex
	acquired            bool
	recordVersionNumber string
	lastUpdatedTimeMs   int64
	cancelProlong       context.CancelFunc
}

// newLock validates the caller input and builds an unacquired handle.
func newLock(group, id, owner string, opts lockOptions) (*Lock, error) {
	if group == "" {
		return nil, fmt.Errorf("%w: lock group must not be empty", ErrInvalidOptions)
	}
	if id == "" {
		return nil, fmt.Errorf("%w: lock id must not be empty", ErrInvalidOptions)
	}
	if owner == "" {
		return nil, fmt.Errorf("%w: owner name must not be empty", ErrInvalidOptions)
	}
	if opts.leaseDuration <= 0 {
		return nil, fmt.Errorf("%w: lease duration must be positive", ErrInvalidOptions)
	}
	if opts.waitDurationSet && opts.waitDuration < 0 {
		return nil, fmt.Errorf("%w: wait duration must not be negative", ErrInvalidOptions)
	}
	if opts.maxRetriesSet && opts.maxRetries < 0 {
		return nil, fmt.Errorf("%w: max retry count must not be negative", ErrInvalidOptions)
	}
	if opts.prolongEnabled {
		if opts.prolongEvery <= 0 {
			return nil, fmt.Errorf("%w: prolongation period must be positive", ErrInvalidOptions)
		}
		// Two renewal attempts must fit within one lease so a single missed
		// write does not expire it.
		if 2*opts.prolongEvery >= opts.leaseDuration {
			return nil, fmt.Errorf(
				"%w: prolongation period %v must be shorter than half the lease duration %v",
				ErrInvalidOptions, opts.prolongEvery, opts.leaseDuration,
			)
		}
	}
	return &Lock{group: group, id: id, owner: owner, opts: opts}, nil
}

// lockFromRecord builds the handle view of a persisted record observed
// during acquisition.
func lockFromRecord(group, id, owner, version string, lastUpdatedMs, leaseMs int64, attrs map[string]any) *Lock {
	return &Lock{
		group: group,
		id:    id,
		owner: owner,
		opts: lockOptions{
			leaseDuration:        time.Duration(leaseMs) * time.Millisecond,
			additionalAttributes: attrs,
		},
		acquired:            true,
		recordVersionNumber: version,
		lastUpdatedTimeMs:   lastUpdatedMs,
	}
}

// Group returns the lock group.
func (l *Lock) Group() string { return l.group }

// ID returns the lock id.
func (l *Lock) ID() string { return l.id }

// Owner returns the owner name bound to the handle.
func (l *Lock) Owner() string { return l.owner }

// UniqueIdentifier returns the registry and log identifier "{group}|{id}".
func (l *Lock) UniqueIdentifier() string {
	return l.group + "|" + l.id
}

// LeaseDuration returns the declared lease length.
func (l *Lock) LeaseDuration() time.Duration { return l.opts.leaseDuration }

// AdditionalAttributes returns the opaque payload persisted with the record.
func (l *Lock) AdditionalAttributes() map[string]any { return l.opts.additionalAttributes }

// IsAcquired reports whether the handle currently considers itself the
// owner of the lock.
func (l *Lock) IsAcquired() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.acquired
}

// RecordVersionNumber returns the version token of the last observed or
// written record state.
func (l *Lock) RecordVersionNumber() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.recordVersionNumber
}

// LastUpdatedTimeMs returns the record write timestamp in epoch
// milliseconds, or 0 when no write has been observed.
func (l *Lock) LastUpdatedTimeMs() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastUpdatedTimeMs
}

// leaseExpired reports whether the record's lease had passed at the given
// local time. A handle without an observed write time never reports expiry.
func (l *Lock) leaseExpired(now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lastUpdatedTimeMs == 0 {
		return false
	}
	return now.UnixMilli() > l.lastUpdatedTimeMs+l.opts.leaseDuration.Milliseconds()
}

// attemptLocking stamps the tentative version and write time of an
// in-flight create or steal.
func (l *Lock) attemptLocking(version string, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recordVersionNumber = version
	l.lastUpdatedTimeMs = now.UnixMilli()
}

// resetLockingAttempt clears the tentative state after a failed write.
func (l *Lock) resetLockingAttempt() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recordVersionNumber = ""
	l.lastUpdatedTimeMs = 0
}

// markAcquired commits the handle after a successful backend write and
// stores the cancel func of the scheduled prolongation, if any.
func (l *Lock) markAcquired(cancelProlong context.CancelFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.acquired = true
	l.cancelProlong = cancelProlong
}

// markProlonged records a successful renewal.
func (l *Lock) markProlonged(version string, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recordVersionNumber = version
	l.lastUpdatedTimeMs = now.UnixMilli()
}

// markReleased flips the handle to released and cancels any scheduled
// prolongation. It returns false when the handle was already released.
// The flip happens before the backend delete is dispatched, so a renewal
// firing concurrently observes the released state and exits without a write.
func (l *Lock) markReleased() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.acquired {
		return false
	}
	l.acquired = false
	if l.cancelProlong != nil {
		l.cancelProlong()
		l.cancelProlong = nil
	}
	return true
}

// snapshot returns the version and owner for a conditional write predicate.
func (l *Lock) snapshot() (version string, owner string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.recordVersionNumber, l.owner
}
