package transporttest

import (
	"context"
	"errors"
	"testing"
	"time"

	"pkt.systems/chargeq/internal/transport"
)

func TestSecondPollerKicksFirst(t *testing.T) {
	p := NewProvider()
	a, b := p.Client("a"), p.Client("b")
	errCh := make(chan error, 1)
	go func() {
		_, err := a.Poll(context.Background(), 0, 5*time.Second)
		errCh <- err
	}()
	deadline := time.Now().Add(2 * time.Second)
	for p.ActivePoller() != "a" {
		if time.Now().After(deadline) {
			t.Fatalf("first poll never started")
		}
		time.Sleep(time.Millisecond)
	}
	if _, err := b.Poll(context.Background(), 0, 10*time.Millisecond); err != nil {
		t.Fatalf("second poll: %v", err)
	}
	err := <-errCh
	if !errors.Is(err, transport.ErrConflict) {
		t.Fatalf("expected conflict for first poller, got %v", err)
	}
	if p.Conflicts() != 1 {
		t.Fatalf("expected 1 conflict, got %d", p.Conflicts())
	}
}

func TestPollReturnsPushedUpdates(t *testing.T) {
	p := NewProvider()
	c := p.Client("a")
	go func() {
		time.Sleep(10 * time.Millisecond)
		p.Push(7, "/status")
	}()
	updates, err := c.Poll(context.Background(), 0, 2*time.Second)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(updates) != 1 || updates[0].ChatID != 7 || updates[0].Text != "/status" {
		t.Fatalf("unexpected updates %+v", updates)
	}
	updates, err = c.Poll(context.Background(), updates[0].ID+1, 10*time.Millisecond)
	if err != nil || len(updates) != 0 {
		t.Fatalf("expected empty poll past offset, got %v %v", updates, err)
	}
}

func TestFailNextAndWebhook(t *testing.T) {
	p := NewProvider()
	c := p.Client("a")
	c.FailNext(OpProbe, Network(OpProbe))
	if err := c.Probe(context.Background()); transport.Classify(err) != transport.ClassNetwork {
		t.Fatalf("expected scripted network error, got %v", err)
	}
	if err := c.Probe(context.Background()); err != nil {
		t.Fatalf("expected clean probe, got %v", err)
	}
	p.SetWebhook("https://example.com/hook")
	if err := c.Probe(context.Background()); !errors.Is(err, transport.ErrConflict) {
		t.Fatalf("expected webhook conflict, got %v", err)
	}
	if c.Calls(OpProbe) != 3 {
		t.Fatalf("expected 3 probe calls, got %d", c.Calls(OpProbe))
	}
}
