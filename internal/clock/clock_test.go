package clock_test

import (
	"context"
	"testing"
	"time"

	"pkt.systems/chargeq/internal/clock"
)

func TestRealNowUsesUTC(t *testing.T) {
	t.Parallel()

	now := clock.Real{}.Now()
	if loc := now.Location(); loc != time.UTC {
		t.Fatalf("expected UTC location, got %v", loc)
	}
}

func TestSleepContextReturnsFalseOnCancel(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Unix(0, 0))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan bool, 1)
	go func() { done <- clock.SleepContext(ctx, clk, time.Minute) }()
	if !clk.WaitForTimers(1, time.Second) {
		t.Fatal("sleep did not register a timer")
	}
	cancel()
	select {
	case ok := <-done:
		if ok {
			t.Fatal("expected cancelled sleep to report false")
		}
	case <-time.After(time.Second):
		t.Fatal("sleep did not observe cancellation")
	}
}

func TestSleepContextCompletesOnAdvance(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Unix(0, 0))
	done := make(chan bool, 1)
	go func() { done <- clock.SleepContext(context.Background(), clk, 10*time.Second) }()
	if !clk.WaitForTimers(1, time.Second) {
		t.Fatal("sleep did not register a timer")
	}
	clk.Advance(5 * time.Second)
	select {
	case <-done:
		t.Fatal("sleep finished before its deadline")
	default:
	}
	clk.Advance(5 * time.Second)
	select {
	case ok := <-done:
		if !ok {
			t.Fatal("expected completed sleep to report true")
		}
	case <-time.After(time.Second):
		t.Fatal("sleep did not finish after advance")
	}
}

func TestManualAfterNonPositiveFiresImmediately(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Unix(100, 0))
	select {
	case got := <-clk.After(0):
		if !got.Equal(time.Unix(100, 0)) {
			t.Fatalf("unexpected fire time %v", got)
		}
	default:
		t.Fatal("expected immediate delivery")
	}
	if clk.Pending() != 0 {
		t.Fatalf("expected no pending timers, got %d", clk.Pending())
	}
}
