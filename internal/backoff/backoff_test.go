package backoff_test

import (
	"testing"
	"time"

	"pkt.systems/chargeq/internal/backoff"
)

func TestPolicyDelayGrowsAndCaps(t *testing.T) {
	t.Parallel()

	p := backoff.Policy{Base: time.Second, Max: 10 * time.Second, Multiplier: 2}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second}
	for i, w := range want {
		if got := p.Delay(i); got != w {
			t.Fatalf("attempt %d: expected %v, got %v", i, w, got)
		}
	}
	if got := p.Delay(4000); got != 10*time.Second {
		t.Fatalf("expected huge attempt to cap, got %v", got)
	}
}

func TestNextIsMonotoneAndCappedWithJitter(t *testing.T) {
	t.Parallel()

	rng := backoff.NewRand(time.Unix(42, 0), "instance-a")
	b := backoff.New(backoff.Policy{Base: 2 * time.Second, Max: 45 * time.Second, Multiplier: 2, Jitter: 0.5}, rng)
	for trial := 0; trial < 50; trial++ {
		var prev time.Duration
		for i := 0; i < 12; i++ {
			d := b.Next()
			if d < prev {
				t.Fatalf("trial %d attempt %d: delay decreased from %v to %v", trial, i, prev, d)
			}
			if d > 45*time.Second {
				t.Fatalf("trial %d attempt %d: delay %v exceeds cap", trial, i, d)
			}
			if d < 2*time.Second {
				t.Fatalf("trial %d attempt %d: delay %v below base", trial, i, d)
			}
			prev = d
		}
		if b.Attempts() != 12 {
			t.Fatalf("expected 12 attempts, got %d", b.Attempts())
		}
		b.Reset()
		if b.Attempts() != 0 {
			t.Fatalf("expected reset attempts, got %d", b.Attempts())
		}
	}
}

func TestResetRestartsFromBase(t *testing.T) {
	t.Parallel()

	b := backoff.New(backoff.Policy{Base: time.Second, Max: time.Minute, Multiplier: 3}, nil)
	b.Next()
	b.Next()
	if got := b.Next(); got != 9*time.Second {
		t.Fatalf("expected third delay 9s, got %v", got)
	}
	b.Reset()
	if got := b.Next(); got != time.Second {
		t.Fatalf("expected base delay after reset, got %v", got)
	}
}

func TestRandBetweenStaysInRange(t *testing.T) {
	t.Parallel()

	rng := backoff.NewRand(time.Now(), "x")
	for i := 0; i < 200; i++ {
		d := rng.Between(10*time.Second, 40*time.Second)
		if d < 10*time.Second || d > 40*time.Second {
			t.Fatalf("Between out of range: %v", d)
		}
	}
	if got := rng.Between(5*time.Second, time.Second); got != 5*time.Second {
		t.Fatalf("expected lo when hi < lo, got %v", got)
	}
	var nilRand *backoff.Rand
	if got := nilRand.Duration(time.Second); got != 0 {
		t.Fatalf("nil rand should yield zero, got %v", got)
	}
}
