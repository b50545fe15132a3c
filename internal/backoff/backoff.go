// Package backoff implements the single retry delay policy shared by lease
// acquisition, transport probing and consumer restarts.
package backoff

import (
	"crypto/sha256"
	"encoding/binary"
	"math"
	"math/rand"
	"sync"
	"time"
)

const (
	defaultBase       = time.Second
	defaultMax        = 30 * time.Second
	defaultMultiplier = 2.0
)

// Policy describes an exponential delay schedule.
type Policy struct {
	// Base is the first delay.
	Base time.Duration
	// Max caps every delay, jitter included.
	Max time.Duration
	// Multiplier grows the delay between attempts. Values below 1 mean 1.
	Multiplier float64
	// Jitter is the fraction of the computed delay added at random (0..1).
	Jitter float64
}

func (p Policy) normalized() Policy {
	if p.Base <= 0 {
		p.Base = defaultBase
	}
	if p.Max <= 0 {
		p.Max = defaultMax
	}
	if p.Max < p.Base {
		p.Max = p.Base
	}
	if p.Multiplier < 1 {
		if p.Multiplier == 0 {
			p.Multiplier = defaultMultiplier
		} else {
			p.Multiplier = 1
		}
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	return p
}

// Delay returns the delay for the zero-based attempt without jitter.
func (p Policy) Delay(attempt int) time.Duration {
	p = p.normalized()
	if attempt < 0 {
		attempt = 0
	}
	scaled := float64(p.Base) * math.Pow(p.Multiplier, float64(attempt))
	if math.IsInf(scaled, 0) || scaled >= float64(p.Max) {
		return p.Max
	}
	return time.Duration(scaled)
}

// Backoff tracks consecutive attempts against a Policy. Delays returned by
// Next never decrease until Reset and never exceed Policy.Max.
type Backoff struct {
	policy Policy
	rng    *Rand

	mu       sync.Mutex
	attempts int
	last     time.Duration
}

// New returns a Backoff drawing jitter from rng. A nil rng disables jitter.
func New(policy Policy, rng *Rand) *Backoff {
	return &Backoff{policy: policy.normalized(), rng: rng}
}

// Policy returns the normalised policy.
func (b *Backoff) Policy() Policy {
	return b.policy
}

// Next records an attempt and returns the delay to wait before the following one.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	d := b.policy.Delay(b.attempts)
	if b.policy.Jitter > 0 && b.rng != nil {
		d += b.rng.Duration(time.Duration(float64(d) * b.policy.Jitter))
	}
	if d > b.policy.Max {
		d = b.policy.Max
	}
	if d < b.last {
		d = b.last
	}
	b.last = d
	b.attempts++
	return d
}

// Attempts returns the number of Next calls since the last Reset.
func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

// Reset clears the attempt counter after a success.
func (b *Backoff) Reset() {
	b.mu.Lock()
	b.attempts = 0
	b.last = 0
	b.mu.Unlock()
}

// Rand is a goroutine-safe random source for jitter.
type Rand struct {
	mu sync.Mutex
	r  *rand.Rand
}

// NewRand seeds a Rand from the current time and an instance id so
// instances started in the same instant still diverge.
func NewRand(now time.Time, id string) *Rand {
	return &Rand{r: rand.New(rand.NewSource(seed(now, id)))}
}

// Duration returns a random duration in [0, n). It returns 0 for n <= 0.
func (r *Rand) Duration(n time.Duration) time.Duration {
	if r == nil || n <= 0 {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return time.Duration(r.r.Int63n(int64(n)))
}

// Between returns a random duration in [lo, hi].
func (r *Rand) Between(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + r.Duration(hi-lo+1)
}

// Jitter returns base plus up to frac*base extra.
func (r *Rand) Jitter(base time.Duration, frac float64) time.Duration {
	if base <= 0 || frac <= 0 {
		return base
	}
	return base + r.Duration(time.Duration(float64(base)*frac))
}

func seed(now time.Time, id string) int64 {
	s := now.UnixNano()
	if id == "" {
		return s
	}
	sum := sha256.Sum256([]byte(id))
	return s ^ int64(binary.LittleEndian.Uint64(sum[:8]))
}
