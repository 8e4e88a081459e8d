package lock

import "time"

// Defaults for lock acquisition.
const (
	DefaultLeaseDuration = 20 * time.Second
	DefaultProlongEvery  = 5 * time.Second
)

// lockOptions carries the per-acquisition settings of a Lock call.
type lockOptions struct {
	leaseDuration  time.Duration
	prolongEnabled bool
	prolongEvery   time.Duration
	trustLocalTime bool

	waitDuration    time.Duration
	waitDurationSet bool

	maxRetries    int
	maxRetriesSet bool

	additionalAttributes map[string]any
}

func defaultLockOptions() lockOptions {
	return lockOptions{
		leaseDuration:  DefaultLeaseDuration,
		prolongEnabled: true,
		prolongEvery:   DefaultProlongEvery,
	}
}

// Option configures a single lock acquisition.
type Option func(*lockOptions)

// WithLeaseDuration sets the lease length written on each acquire and steal.
// Other coordinators may consider the record stealable once the lease has
// passed without renewal.
func WithLeaseDuration(d time.Duration) Option {
	return func(o *lockOptions) {
		o.leaseDuration = d
	}
}

// WithProlongEvery sets the background renewal period. The period must be
// shorter than half the lease duration so a single missed renewal cannot
// expire the lease.
func WithProlongEvery(d time.Duration) Option {
	return func(o *lockOptions) {
		o.prolongEvery = d
	}
}

// WithoutProlongation disables background lease renewal. The lock expires
// unless released within the lease duration.
func WithoutProlongation() Option {
	return func(o *lockOptions) {
		o.prolongEnabled = false
	}
}

// WithTrustLocalTime makes acquisition trust the local clock: when the
// observed record's lease has already passed, the lease-duration wait is
// skipped and the steal is attempted immediately. Wall-clock skew between
// processes can then violate mutual exclusion; callers opt in to that
// tradeoff.
func WithTrustLocalTime() Option {
	return func(o *lockOptions) {
		o.trustLocalTime = true
	}
}

// WithWaitDuration sets the wait between re-reads when trusting local time.
// Zero re-reads immediately, which is also the default.
func WithWaitDuration(d time.Duration) Option {
	return func(o *lockOptions) {
		o.waitDuration = d
		o.waitDurationSet = true
	}
}

// WithMaxRetryCount bounds acquisition. The counter is incremented before it
// is checked, so n permits n+1 read-and-attempt iterations; 0 performs a
// single attempt. Unset means unbounded.
func WithMaxRetryCount(n int) Option {
	return func(o *lockOptions) {
		o.maxRetries = n
		o.maxRetriesSet = true
	}
}

// WithAdditionalAttributes attaches an opaque payload that is persisted
// verbatim with the lock record.
func WithAdditionalAttributes(attrs map[string]any) Option {
	return func(o *lockOptions) {
		o.additionalAttributes = attrs
	}
}
