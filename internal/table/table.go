// Package table describes the key-value table that lock records are stored in.
package table

import (
	"errors"
	"fmt"
	"time"
)

// Default table layout. The attribute names can be overridden per deployment,
// the payload attribute names cannot.
const (
	DefaultName         = "LockTable"
	DefaultPartitionKey = "lockId"
	DefaultSortKey      = "lockGroup"
	DefaultTTL          = time.Hour
)

// Reserved payload attribute names. The partition key, sort key and TTL key
// must not collide with any of these.
const (
	AttrRecordVersionNumber  = "recordVersionNumber"
	AttrOwnerName            = "ownerName"
	AttrLastUpdatedTimeInMs  = "lastUpdatedTimeInMs"
	AttrLeaseDurationInMs    = "leaseDurationInMs"
	AttrAdditionalAttributes = "additionalAttributes"
)

// ErrInvalidConfig is returned when a table configuration is rejected.
var ErrInvalidConfig = errors.New("invalid lock table config")

var reservedAttrs = map[string]struct{}{
	AttrRecordVersionNumber:  {},
	AttrOwnerName:            {},
	AttrLastUpdatedTimeInMs:  {},
	AttrLeaseDurationInMs:    {},
	AttrAdditionalAttributes: {},
}

// Config is the immutable description of the lock table.
// The zero value is not usable; construct it with New.
type Config struct {
	// Name is the backend table name.
	Name string

	// PartitionKey is the attribute name holding the lock id.
	PartitionKey string

	// SortKey is the attribute name holding the lock group.
	SortKey string

	// TTLKey, when non-empty, is the attribute written with an epoch-seconds
	// expiry so the backend can evict orphaned records. Lease expiry never
	// depends on it.
	TTLKey string

	// TTL is the record time-to-live written to TTLKey.
	TTL time.Duration
}

// Option configures a table Config.
type Option func(*Config)

// WithName sets the backend table name.
func WithName(name string) Option {
	return func(c *Config) {
		c.Name = name
	}
}

// WithPartitionKey sets the partition key attribute name.
func WithPartitionKey(key string) Option {
	return func(c *Config) {
		c.PartitionKey = key
	}
}

// WithSortKey sets the sort key attribute name.
func WithSortKey(key string) Option {
	return func(c *Config) {
		c.SortKey = key
	}
}

// WithTTLKey enables the record TTL attribute under the given name.
func WithTTLKey(key string) Option {
	return func(c *Config) {
		c.TTLKey = key
	}
}

// WithTTL sets the record time-to-live used when the TTL key is enabled.
func WithTTL(ttl time.Duration) Option {
	return func(c *Config) {
		c.TTL = ttl
	}
}

// New builds a table Config with defaults and validates it.
func New(opts ...Option) (Config, error) {
	c := Config{
		Name:         DefaultName,
		PartitionKey: DefaultPartitionKey,
		SortKey:      DefaultSortKey,
		TTL:          DefaultTTL,
	}
	for _, opt := range opts {
		opt(&c)
	}
	if err := c.validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: table name must not be empty", ErrInvalidConfig)
	}
	if c.PartitionKey == "" {
		return fmt.Errorf("%w: partition key must not be empty", ErrInvalidConfig)
	}
	if c.SortKey == "" {
		return fmt.Errorf("%w: sort key must not be empty", ErrInvalidConfig)
	}
	if c.PartitionKey == c.SortKey {
		return fmt.Errorf("%w: partition key and sort key must differ", ErrInvalidConfig)
	}
	if c.TTL <= 0 {
		return fmt.Errorf("%w: ttl must be positive", ErrInvalidConfig)
	}
	for _, key := range []string{c.PartitionKey, c.SortKey, c.TTLKey} {
		if _, reserved := reservedAttrs[key]; reserved {
			return fmt.Errorf("%w: %q is a reserved attribute name", ErrInvalidConfig, key)
		}
	}
	return nil
}

// TTLEnabled reports whether records carry the TTL attribute.
func (c Config) TTLEnabled() bool {
	return c.TTLKey != ""
}
