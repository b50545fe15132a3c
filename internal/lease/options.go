package lease

import (
	"time"

	"pkt.systems/chargeq/internal/clock"
)

const (
	// DefaultLeaseTimeout is the heartbeat age after which a lease is stale.
	DefaultLeaseTimeout = 60 * time.Second
	// DefaultHardTTL is the store-enforced upper bound on a lease's life
	// without heartbeats.
	DefaultHardTTL = 5 * time.Minute
	// ShutdownRetention bounds how long shutdown records are kept.
	ShutdownRetention = 7 * 24 * time.Hour
)

// Options carries the timing shared by every Store backend.
type Options struct {
	Clock        clock.Clock
	LeaseTimeout time.Duration
	HardTTL      time.Duration
}

// WithDefaults fills zero values.
func (o Options) WithDefaults() Options {
	o.Clock = clock.Or(o.Clock)
	if o.LeaseTimeout <= 0 {
		o.LeaseTimeout = DefaultLeaseTimeout
	}
	if o.HardTTL <= 0 {
		o.HardTTL = DefaultHardTTL
	}
	if o.HardTTL < o.LeaseTimeout {
		o.HardTTL = o.LeaseTimeout
	}
	return o
}
