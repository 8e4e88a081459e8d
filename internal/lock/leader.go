package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// LeaderElector manages leader election on top of the lock coordinator.
// It continuously tries to acquire and maintain leadership; once the lock is
// held, the coordinator's lease prolongation keeps it.
type LeaderElector struct {
	coord  *Coordinator
	group  string
	id     string
	logger zerolog.Logger

	isLeader      atomic.Bool
	leaseDuration time.Duration
	prolongEvery  time.Duration
	retryBackoff  time.Duration

	onBecomeLeader func()
	onLoseLeader   func()

	mu   sync.Mutex
	lock *Lock

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// LeaderElectorOption configures a LeaderElector.
type LeaderElectorOption func(*LeaderElector)

// WithLeaderLease sets the lease duration and renewal period of the
// leadership lock. The renewal period must be shorter than half the lease.
func WithLeaderLease(lease, prolongEvery time.Duration) LeaderElectorOption {
	return func(e *LeaderElector) {
		e.leaseDuration = lease
		e.prolongEvery = prolongEvery
	}
}

// WithRetryBackoff sets how long to wait before retrying to acquire leadership.
func WithRetryBackoff(d time.Duration) LeaderElectorOption {
	return func(e *LeaderElector) {
		e.retryBackoff = d
	}
}

// WithOnBecomeLeader sets a callback that's called when this instance becomes leader.
func WithOnBecomeLeader(fn func()) LeaderElectorOption {
	return func(e *LeaderElector) {
		e.onBecomeLeader = fn
	}
}

// WithOnLoseLeader sets a callback that's called when this instance loses leadership.
func WithOnLoseLeader(fn func()) LeaderElectorOption {
	return func(e *LeaderElector) {
		e.onLoseLeader = fn
	}
}

// NewLeaderElector creates a leader elector competing for (group, id).
func NewLeaderElector(coord *Coordinator, group, id string, logger zerolog.Logger, opts ...LeaderElectorOption) *LeaderElector {
	e := &LeaderElector{
		coord:         coord,
		group:         group,
		id:            id,
		logger:        logger,
		leaseDuration: 60 * time.Second,
		prolongEvery:  20 * time.Second,
		retryBackoff:  5 * time.Second,
		stopCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start begins the leader election loop.
// It will continuously try to acquire and maintain leadership until Stop is called.
func (e *LeaderElector) Start(ctx context.Context) {
	e.wg.Add(1)
	go e.run(ctx)
}

// Stop stops the leader election loop and releases leadership if held.
func (e *LeaderElector) Stop(ctx context.Context) {
	close(e.stopCh)
	e.wg.Wait()

	e.mu.Lock()
	held := e.lock
	e.lock = nil
	e.mu.Unlock()

	if held != nil && e.isLeader.Load() {
		if err := e.coord.ReleaseLock(ctx, held); err != nil {
			e.logger.Error().Err(err).Msg("failed to release leadership lock on shutdown")
		} else {
			e.logger.Info().Msg("released leadership on shutdown")
		}
		e.loseLeadership()
	}
}

// IsLeader returns true if this instance is currently the leader.
func (e *LeaderElector) IsLeader() bool {
	return e.isLeader.Load()
}

func (e *LeaderElector) run(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.retryBackoff)
	defer ticker.Stop()

	// Try to acquire immediately on start
	e.tryAcquireOrVerify(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.tryAcquireOrVerify(ctx)
		}
	}
}

func (e *LeaderElector) tryAcquireOrVerify(ctx context.Context) {
	if e.isLeader.Load() {
		// The coordinator renews the lock in the background; leadership is
		// lost when renewal stops after a steal or delete.
		e.mu.Lock()
		held := e.lock
		e.mu.Unlock()
		if held != nil && held.IsAcquired() {
			return
		}
		e.logger.Warn().Msg("leadership lock lost, rejoining election")
		e.loseLeadership()
	}
	e.tryAcquire(ctx)
}

func (e *LeaderElector) tryAcquire(ctx context.Context) {
	l, err := e.coord.Lock(ctx, e.group, e.id,
		WithLeaseDuration(e.leaseDuration),
		WithProlongEvery(e.prolongEvery),
		WithTrustLocalTime(),
		WithMaxRetryCount(0),
	)
	if errors.Is(err, ErrLockNotGranted) {
		e.logger.Debug().Msg("another instance is leader")
		return
	}
	if err != nil {
		e.logger.Error().Err(err).Msg("failed to acquire leadership")
		return
	}

	e.mu.Lock()
	e.lock = l
	e.mu.Unlock()

	e.logger.Info().Msg("acquired leadership")
	e.isLeader.Store(true)
	if e.onBecomeLeader != nil {
		e.onBecomeLeader()
	}
}

func (e *LeaderElector) loseLeadership() {
	e.isLeader.Store(false)
	if e.onLoseLeader != nil {
		e.onLoseLeader()
	}
}
