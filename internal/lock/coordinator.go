package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/kneutral-org/lockbox/internal/backend"
	"github.com/kneutral-org/lockbox/internal/metrics"
	"github.com/kneutral-org/lockbox/internal/table"
)

// Coordinator acquires, renews and releases named locks on behalf of one
// process. It is safe for concurrent use; a single instance is meant to be
// shared across the process.
type Coordinator struct {
	owner  string
	store  *store
	logger zerolog.Logger

	// now is the local clock; tests substitute it.
	now func() time.Time

	mu   sync.Mutex
	held map[string]*Lock
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithLogger sets the structured log sink. Defaults to a no-op logger.
func WithLogger(logger zerolog.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithOwnerName overrides the generated owner name. The name gates renewal
// and delete predicates and must be unique per process.
func WithOwnerName(owner string) CoordinatorOption {
	return func(c *Coordinator) {
		c.owner = owner
	}
}

// NewCoordinator creates a coordinator over the given backend and table.
func NewCoordinator(kv backend.KV, cfg table.Config, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		owner:  uuid.NewString(),
		store:  &store{kv: kv, cfg: cfg},
		logger: zerolog.Nop(),
		now:    time.Now,
		held:   make(map[string]*Lock),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With().Str("owner", c.owner).Logger()
	return c
}

// OwnerName returns the owner identity bound to every write this
// coordinator issues.
func (c *Coordinator) OwnerName() string { return c.owner }

// HeldLocks returns the currently held handles.
func (c *Coordinator) HeldLocks() []*Lock {
	c.mu.Lock()
	defer c.mu.Unlock()
	locks := make([]*Lock, 0, len(c.held))
	for _, l := range c.held {
		locks = append(locks, l)
	}
	return locks
}

// Lock acquires the lock named by (group, id), retrying until it is
// granted, the retry budget runs out, or ctx is cancelled.
//
// An absent record is created; a present record is stolen after waiting out
// its declared lease, or immediately when trusting the local clock and the
// lease has already passed. Every write is gated on the version observed in
// the preceding strong read, so losing any race only costs another retry.
func (c *Coordinator) Lock(ctx context.Context, group, id string, opts ...Option) (*Lock, error) {
	options := defaultLockOptions()
	for _, opt := range opts {
		opt(&options)
	}

	l, err := newLock(group, id, c.owner, options)
	if err != nil {
		return nil, err
	}

	uid := l.UniqueIdentifier()
	c.mu.Lock()
	_, alreadyHeld := c.held[uid]
	c.mu.Unlock()
	if alreadyHeld {
		return nil, fmt.Errorf("%w: %s is already held by this coordinator", ErrLockNotGranted, uid)
	}

	logger := c.logger.With().Str("lock", uid).Logger()
	logger.Info().
		Dur("leaseDuration", options.leaseDuration).
		Bool("prolongEnabled", options.prolongEnabled).
		Bool("trustLocalTime", options.trustLocalTime).
		Msg("acquiring lock")

	start := c.now()
	retryCount := 0
	for {
		if options.maxRetriesSet && retryCount > options.maxRetries {
			metrics.LockAcquisitions.WithLabelValues("exhausted").Inc()
			logger.Warn().Int("retries", retryCount).Msg("retry budget exhausted")
			return nil, fmt.Errorf("%w: %s after %d attempts", ErrLockNotGranted, uid, retryCount)
		}
		retryCount++

		observed, err := c.store.getLock(ctx, group, id)
		if err != nil {
			metrics.LockAcquisitions.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("reading lock %s: %w", uid, err)
		}

		if observed == nil {
			logger.Info().Msg("no existing record, creating lock")
			granted, err := c.tryWrite(ctx, logger, l, func() error {
				return c.store.createLock(ctx, l)
			}, "create")
			if err != nil {
				return nil, err
			}
			if granted {
				return c.commit(logger, l, start), nil
			}
			continue
		}

		existing := lockFromRecord(group, id, observed.Owner, observed.Version,
			observed.LastUpdatedTimeMs, observed.LeaseDurationMs, observed.Attributes)

		if options.trustLocalTime && !existing.leaseExpired(c.now()) {
			// Trusting the local clock: the lease still runs, so wait the
			// configured duration (default 0) and re-read.
			logger.Debug().
				Dur("wait", options.waitDuration).
				Str("heldBy", observed.Owner).
				Msg("lease still active, re-reading")
			if err := sleepCtx(ctx, options.waitDuration); err != nil {
				return nil, err
			}
			continue
		}

		if !options.trustLocalTime {
			// Wait out the lease the record declares, not the caller's own.
			wait := time.Duration(observed.LeaseDurationMs) * time.Millisecond
			logger.Info().
				Dur("wait", wait).
				Str("heldBy", observed.Owner).
				Msg("waiting out existing lease before steal")
			if err := sleepCtx(ctx, wait); err != nil {
				return nil, err
			}
		}

		logger.Info().Str("previousOwner", observed.Owner).Msg("stealing expired lock")
		granted, err := c.tryWrite(ctx, logger, l, func() error {
			return c.store.stealLock(ctx, observed.Version, l)
		}, "steal")
		if err != nil {
			return nil, err
		}
		if granted {
			metrics.LockSteals.Inc()
			return c.commit(logger, l, start), nil
		}
	}
}

// tryWrite stamps a fresh version token, attempts the conditional write and
// classifies the outcome: granted, lost-the-race (retry), or hard error.
func (c *Coordinator) tryWrite(ctx context.Context, logger zerolog.Logger, l *Lock, write func() error, op string) (bool, error) {
	l.attemptLocking(uuid.NewString(), c.now())

	err := write()
	if err == nil {
		return true, nil
	}
	l.resetLockingAttempt()
	if isConditionFailed(err) {
		metrics.ConditionalCheckFailures.WithLabelValues(op).Inc()
		logger.Debug().Str("op", op).Msg("conditional write lost the race, retrying")
		return false, nil
	}
	metrics.LockAcquisitions.WithLabelValues("error").Inc()
	return false, fmt.Errorf("%s lock %s: %w", op, l.UniqueIdentifier(), err)
}

// commit registers the acquired handle and schedules prolongation.
func (c *Coordinator) commit(logger zerolog.Logger, l *Lock, start time.Time) *Lock {
	var cancel context.CancelFunc
	var prolongCtx context.Context
	if l.opts.prolongEnabled {
		// The prolongation task outlives the acquisition call; it is bound
		// to the handle, not to the caller's ctx.
		prolongCtx, cancel = context.WithCancel(context.Background())
	}
	l.markAcquired(cancel)

	c.mu.Lock()
	c.held[l.UniqueIdentifier()] = l
	c.mu.Unlock()

	if prolongCtx != nil {
		go c.prolongLoop(prolongCtx, l)
	}

	metrics.LockAcquisitions.WithLabelValues("granted").Inc()
	metrics.LocksHeld.Inc()
	metrics.LockAcquireDuration.Observe(c.now().Sub(start).Seconds())
	logger.Info().
		Str("recordVersionNumber", l.RecordVersionNumber()).
		Msg("lock acquired")
	return l
}

// prolongLoop renews the lease every prolongEvery until the handle is
// released, the lock is lost, or the backend fails.
func (c *Coordinator) prolongLoop(ctx context.Context, l *Lock) {
	logger := c.logger.With().Str("lock", l.UniqueIdentifier()).Logger()
	timer := time.NewTimer(l.opts.prolongEvery)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if !c.isHeld(l) || !l.IsAcquired() {
			return
		}

		version := uuid.NewString()
		now := c.now()
		err := c.store.renewLock(ctx, l, version, now)
		switch {
		case err == nil:
			l.markProlonged(version, now)
			metrics.LockRenewals.WithLabelValues("renewed").Inc()
			logger.Debug().Str("recordVersionNumber", version).Msg("lease prolonged")
			timer.Reset(l.opts.prolongEvery)

		case isConditionFailed(err):
			// The record was stolen or deleted out from under us. Stop
			// renewing and drop the handle so the caller observes the loss.
			metrics.LockRenewals.WithLabelValues("lost").Inc()
			logger.Warn().Msg("lease prolongation rejected, lock was stolen or deleted")
			c.forget(l)
			if l.markReleased() {
				metrics.LocksHeld.Dec()
			}
			return

		case ctx.Err() != nil:
			return

		default:
			metrics.LockRenewals.WithLabelValues("error").Inc()
			logger.Error().Err(err).Msg("lease prolongation failed")
			return
		}
	}
}

// ReleaseLock releases a held lock. The local handle is released and
// deregistered before the backend delete is dispatched, so a failing delete
// cannot leave the renewal task alive. Releasing an already-released handle
// is a no-op.
func (c *Coordinator) ReleaseLock(ctx context.Context, l *Lock) error {
	if l == nil {
		return nil
	}
	logger := c.logger.With().Str("lock", l.UniqueIdentifier()).Logger()

	c.forget(l)
	if !l.markReleased() {
		logger.Debug().Msg("lock already released")
		return nil
	}
	metrics.LocksHeld.Dec()

	if err := c.deleteRecord(ctx, logger, l); err != nil {
		return err
	}
	logger.Info().Msg("lock released")
	return nil
}

// ReleaseAllLocks releases every lock this coordinator holds. Local state is
// cleared first; backend deletes run concurrently and are all awaited so
// shutdown can rely on the records being gone.
func (c *Coordinator) ReleaseAllLocks(ctx context.Context) error {
	c.mu.Lock()
	snapshot := make([]*Lock, 0, len(c.held))
	for _, l := range c.held {
		snapshot = append(snapshot, l)
	}
	c.held = make(map[string]*Lock)
	c.mu.Unlock()

	var g errgroup.Group
	for _, l := range snapshot {
		l := l
		if !l.markReleased() {
			continue
		}
		metrics.LocksHeld.Dec()
		logger := c.logger.With().Str("lock", l.UniqueIdentifier()).Logger()
		g.Go(func() error {
			if err := c.deleteRecord(ctx, logger, l); err != nil {
				return err
			}
			logger.Info().Msg("lock released")
			return nil
		})
	}
	return g.Wait()
}

// deleteRecord issues the conditional delete. A conditional failure means
// the record is already gone or reassigned; it is logged and swallowed.
func (c *Coordinator) deleteRecord(ctx context.Context, logger zerolog.Logger, l *Lock) error {
	err := c.store.deleteLock(ctx, l)
	if err == nil {
		return nil
	}
	if isConditionFailed(err) {
		metrics.ConditionalCheckFailures.WithLabelValues("delete").Inc()
		logger.Warn().Msg("lock record already gone or reassigned")
		return nil
	}
	return fmt.Errorf("deleting lock %s: %w", l.UniqueIdentifier(), err)
}

func (c *Coordinator) isHeld(l *Lock) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.held[l.UniqueIdentifier()] == l
}

func (c *Coordinator) forget(l *Lock) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.held[l.UniqueIdentifier()] == l {
		delete(c.held, l.UniqueIdentifier())
	}
}

func isConditionFailed(err error) bool {
	return errors.Is(err, backend.ErrConditionFailed)
}

// sleepCtx waits for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
