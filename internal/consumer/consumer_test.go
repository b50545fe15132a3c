package consumer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/chargeq/internal/backoff"
	"pkt.systems/chargeq/internal/transport"
	"pkt.systems/chargeq/internal/transport/transporttest"
)

type fakeProber struct {
	mu        sync.Mutex
	refuse    int
	calls     int
	conflicts int
	cleared   int
}

func (p *fakeProber) CanConnect(context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.refuse > 0 {
		p.refuse--
		return false
	}
	return true
}

func (p *fakeProber) NoteConflict() {
	p.mu.Lock()
	p.conflicts++
	p.mu.Unlock()
}

func (p *fakeProber) ClearConflict() {
	p.mu.Lock()
	p.cleared++
	p.mu.Unlock()
}

func (p *fakeProber) snapshot() (calls, conflicts, cleared int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls, p.conflicts, p.cleared
}

// recordingClock fires every timer at once and remembers the requested
// durations.
type recordingClock struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (c *recordingClock) Now() time.Time { return time.Now().UTC() }

func (c *recordingClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.delays = append(c.delays, d)
	c.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}

func (c *recordingClock) Sleep(time.Duration) {}

func (c *recordingClock) recorded() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.delays...)
}

type fixture struct {
	provider *transporttest.Provider
	client   *transporttest.Client
	prober   *fakeProber
	clock    *recordingClock
	ctrl     *Controller

	mu      sync.Mutex
	handled []transport.Update
	reasons []string
}

func newFixture(t *testing.T, tweak func(*Config)) *fixture {
	t.Helper()
	f := &fixture{provider: transporttest.NewProvider(), prober: &fakeProber{}, clock: &recordingClock{}}
	f.client = f.provider.Client("self")
	cfg := Config{
		Transport: f.client,
		Prober:    f.prober,
		Clock:     f.clock,
		Rand:      backoff.NewRand(time.Now(), "test"),
		Handler: HandlerFunc(func(_ context.Context, u transport.Update) error {
			f.mu.Lock()
			f.handled = append(f.handled, u)
			f.mu.Unlock()
			return nil
		}),
		PollTimeout:       20 * time.Millisecond,
		FatalRestartDelay: time.Millisecond,
	}
	if tweak != nil {
		tweak(&cfg)
	}
	ctrl, err := New(cfg)
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	ctrl.Attach(nil, func(reason string) {
		f.mu.Lock()
		f.reasons = append(f.reasons, reason)
		f.mu.Unlock()
	})
	f.ctrl = ctrl
	t.Cleanup(func() { _ = ctrl.Stop(context.Background()) })
	return f
}

func (f *fixture) standDowns() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.reasons...)
}

func (f *fixture) updates() []transport.Update {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transport.Update(nil), f.handled...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestStartRespectsGate(t *testing.T) {
	f := newFixture(t, nil)
	f.ctrl.Attach(func() bool { return false }, nil)
	if f.ctrl.Start(context.Background()) {
		t.Fatalf("expected gated start to be a no-op")
	}
	if f.ctrl.State() != StateStopped {
		t.Fatalf("expected stopped, got %s", f.ctrl.State())
	}
}

func TestStartIsNoopWhileActive(t *testing.T) {
	f := newFixture(t, nil)
	if !f.ctrl.Start(context.Background()) {
		t.Fatalf("expected first start to begin")
	}
	if f.ctrl.Start(context.Background()) {
		t.Fatalf("expected second start to be a no-op")
	}
	waitFor(t, "running", func() bool { return f.ctrl.State() == StateRunning })
	if calls, _, _ := f.prober.snapshot(); calls != 1 {
		t.Fatalf("expected one probe, got %d", calls)
	}
}

func TestDispatchesUpdatesOnce(t *testing.T) {
	f := newFixture(t, nil)
	f.provider.Push(1, "/book")
	f.provider.Push(2, "/status")
	f.ctrl.Start(context.Background())
	waitFor(t, "two updates", func() bool { return len(f.updates()) >= 2 })
	f.provider.Push(3, "/cancel")
	waitFor(t, "third update", func() bool { return len(f.updates()) >= 3 })
	time.Sleep(50 * time.Millisecond)
	got := f.updates()
	if len(got) != 3 {
		t.Fatalf("expected exactly 3 dispatches, got %d: %+v", len(got), got)
	}
	for i, u := range got {
		if u.ChatID != int64(i+1) {
			t.Fatalf("update %d out of order: %+v", i, u)
		}
	}
}

func TestProbeRefusalDefersStart(t *testing.T) {
	f := newFixture(t, nil)
	f.prober.refuse = 2
	f.ctrl.Start(context.Background())
	waitFor(t, "running", func() bool { return f.ctrl.State() == StateRunning })
	if calls, _, _ := f.prober.snapshot(); calls != 3 {
		t.Fatalf("expected 3 probes, got %d", calls)
	}
	delays := f.clock.recorded()
	if len(delays) < 2 || delays[0] < DefaultStartBackoff.Base {
		t.Fatalf("expected deferred start delays from start policy, got %v", delays)
	}
}

func TestConflictBackoffIsMonotoneThenStandsDown(t *testing.T) {
	f := newFixture(t, nil)
	conflicts := make([]error, DefaultConflictMaxRetries+1)
	for i := range conflicts {
		conflicts[i] = transporttest.Conflict(transporttest.OpPoll)
	}
	f.client.FailNext(transporttest.OpPoll, conflicts...)
	f.ctrl.Start(context.Background())
	waitFor(t, "stand-down", func() bool { return len(f.standDowns()) == 1 })
	waitFor(t, "stopped", func() bool { return f.ctrl.State() == StateStopped })

	delays := f.clock.recorded()
	if len(delays) != DefaultConflictMaxRetries {
		t.Fatalf("expected %d back-off delays, got %d: %v", DefaultConflictMaxRetries, len(delays), delays)
	}
	for i := 1; i < len(delays); i++ {
		if delays[i] < delays[i-1] {
			t.Fatalf("delay %d decreased: %v", i, delays)
		}
	}
	for _, d := range delays {
		if d > DefaultConflictBackoff.Max {
			t.Fatalf("delay %v above cap", d)
		}
	}
	if _, noted, _ := f.prober.snapshot(); noted != DefaultConflictMaxRetries+1 {
		t.Fatalf("expected every conflict noted, got %d", noted)
	}
}

func TestSuccessfulPollResetsConflictCounter(t *testing.T) {
	f := newFixture(t, nil)
	f.client.FailNext(transporttest.OpPoll,
		transporttest.Conflict(transporttest.OpPoll),
		transporttest.Conflict(transporttest.OpPoll))
	f.ctrl.Start(context.Background())
	waitFor(t, "recovery", func() bool {
		_, _, cleared := f.prober.snapshot()
		return cleared == 1
	})
	conflicts, network := f.ctrl.Counters()
	if conflicts != 0 || network != 0 {
		t.Fatalf("expected counters reset, got conflicts=%d network=%d", conflicts, network)
	}
	if len(f.standDowns()) != 0 {
		t.Fatalf("unexpected stand-down")
	}
}

func TestNetworkErrorsRetryInPlaceThenCycle(t *testing.T) {
	f := newFixture(t, nil)
	errs := make([]error, DefaultTransientRestartThreshold+1)
	for i := range errs {
		errs[i] = transporttest.Network(transporttest.OpPoll)
	}
	f.client.FailNext(transporttest.OpPoll, errs...)
	f.ctrl.Start(context.Background())
	waitFor(t, "one restart", func() bool { return f.ctrl.Restarts() == 1 })
	waitFor(t, "running again", func() bool { return f.ctrl.State() == StateRunning })
	if calls, _, _ := f.prober.snapshot(); calls != 2 {
		t.Fatalf("expected a probe per cycle, got %d", calls)
	}
	if len(f.clock.recorded()) != DefaultTransientRestartThreshold {
		t.Fatalf("expected %d in-place waits, got %v", DefaultTransientRestartThreshold, f.clock.recorded())
	}
}

func TestFatalErrorCyclesAfterDelay(t *testing.T) {
	f := newFixture(t, nil)
	f.client.FailNext(transporttest.OpPoll, transporttest.Fatal(transporttest.OpPoll))
	f.ctrl.Start(context.Background())
	waitFor(t, "one restart", func() bool { return f.ctrl.Restarts() == 1 })
	delays := f.clock.recorded()
	if len(delays) != 1 || delays[0] != time.Millisecond {
		t.Fatalf("expected one fatal restart delay, got %v", delays)
	}
}

func TestStopIsIdempotentAndResets(t *testing.T) {
	f := newFixture(t, nil)
	f.client.FailNext(transporttest.OpPoll, transporttest.Network(transporttest.OpPoll))
	f.ctrl.Start(context.Background())
	waitFor(t, "running", func() bool { return f.ctrl.State() == StateRunning })
	if err := f.ctrl.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := f.ctrl.Stop(context.Background()); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if f.ctrl.State() != StateStopped {
		t.Fatalf("expected stopped, got %s", f.ctrl.State())
	}
	if c, n := f.ctrl.Counters(); c != 0 || n != 0 {
		t.Fatalf("expected counters reset, got %d/%d", c, n)
	}
	if f.provider.ActivePoller() != "" {
		t.Fatalf("poll still in flight after stop")
	}
	if !f.ctrl.Start(context.Background()) {
		t.Fatalf("expected restart after stop")
	}
}

func TestStopAbandonsWedgedHandler(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f := newFixture(t, func(cfg *Config) {
		cfg.Handler = HandlerFunc(func(context.Context, transport.Update) error {
			once.Do(func() { close(entered) })
			<-release
			return nil
		})
	})
	defer close(release)
	f.ctrl.Start(context.Background())
	waitFor(t, "running", func() bool { return f.ctrl.State() == StateRunning })
	f.provider.Push(1, "/book")
	select {
	case <-entered:
	case <-time.After(3 * time.Second):
		t.Fatal("handler never invoked")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	begin := time.Now()
	err := f.ctrl.Stop(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if elapsed := time.Since(begin); elapsed > time.Second {
		t.Fatalf("stop took %s", elapsed)
	}
	if f.ctrl.State() != StateStopped {
		t.Fatalf("expected stopped, got %s", f.ctrl.State())
	}
}

func TestLosingGateStopsCycle(t *testing.T) {
	f := newFixture(t, nil)
	var checks atomic.Int32
	// Open for Start and the first connect, closed afterwards.
	f.ctrl.Attach(func() bool { return checks.Add(1) <= 2 }, nil)
	f.client.FailNext(transporttest.OpPoll, transporttest.Fatal(transporttest.OpPoll))
	if !f.ctrl.Start(context.Background()) {
		t.Fatalf("expected start")
	}
	waitFor(t, "restart attempt", func() bool { return f.ctrl.Restarts() == 1 })
	waitFor(t, "stopped", func() bool { return f.ctrl.State() == StateStopped })
	if calls, _, _ := f.prober.snapshot(); calls != 1 {
		t.Fatalf("expected no probe once leadership is gone, got %d", calls)
	}
}
