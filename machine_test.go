package picopad

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// ─── fakes ───

type fakeTimer struct {
	c       *fakeClock
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
	sleeps []time.Duration
	// hold, when set, blocks Sleep until it is closed or ctx is done.
	hold chan struct{}
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{c: c, d: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	hold := c.hold
	c.mu.Unlock()
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
		}
	}
	return ctx.Err()
}

// holdSleeps makes later Sleep calls block until the returned func runs.
func (c *fakeClock) holdSleeps() (release func()) {
	hold := make(chan struct{})
	c.mu.Lock()
	c.hold = hold
	c.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(hold) }) }
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// live returns timers neither stopped nor fired.
func (c *fakeClock) live() []*fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			out = append(out, t)
		}
	}
	return out
}

func (c *fakeClock) sleepLog() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

// fire advances the clock by the timer's delay and runs its callback.
func (c *fakeClock) fire(t *fakeTimer) {
	c.mu.Lock()
	t.fired = true
	c.now = c.now.Add(t.d)
	c.mu.Unlock()
	t.f()
}

type fakeEmitter struct {
	mu       sync.Mutex
	sent     []Payload
	attempts int
	fail     bool
}

func (e *fakeEmitter) Emit(ctx context.Context, p Payload) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.attempts++
	if e.fail {
		return fmt.Errorf("%w: sink down", ErrEmission)
	}
	e.sent = append(e.sent, p)
	return nil
}

func (e *fakeEmitter) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sent)
}

func (e *fakeEmitter) tries() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.attempts
}

type harness struct {
	m    *Machine
	clk  *fakeClock
	em   *fakeEmitter
	rec  *Recorder
	stop func()
}

func newHarness(t *testing.T, opts MachineOptions) *harness {
	t.Helper()
	clk := newFakeClock()
	em := &fakeEmitter{}
	rec := NewRecorder(context.Background(), RecorderOptions{Clock: clk})
	opts.Clock = clk
	opts.Emitter = em
	opts.Recorder = rec
	opts.Rand = testRand()
	m := NewMachine(opts)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()
	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
	t.Cleanup(stop)
	waitFor(t, "event loop", func() bool {
		_, ok := m.Status()
		return ok
	})
	return &harness{m: m, clk: clk, em: em, rec: rec, stop: stop}
}

// configured returns a running harness with padding enabled at intensity 3.
func configured(t *testing.T, opts MachineOptions) *harness {
	h := newHarness(t, opts)
	h.m.Configure(Settings{Enabled: true, Intensity: 3})
	h.m.Phase()
	return h
}

// only returns the single live timer, failing otherwise.
func (h *harness) only(t *testing.T) *fakeTimer {
	t.Helper()
	live := h.clk.live()
	if len(live) != 1 {
		t.Fatalf("expected exactly one live timer, got %d", len(live))
	}
	return live[0]
}

func (h *harness) fireLive(t *testing.T) {
	t.Helper()
	h.clk.fire(h.only(t))
	h.m.Phase()
}

func (h *harness) lastTransition(t *testing.T) TransitionRecord {
	t.Helper()
	recs := h.rec.Transitions()
	if len(recs) == 0 {
		t.Fatal("no transitions recorded")
	}
	return recs[len(recs)-1]
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// driveTo moves a configured machine from Idle into p.
func (h *harness) driveTo(t *testing.T, p Phase) {
	t.Helper()
	switch p {
	case PhaseBurst:
		h.m.Observe("GET")
		h.m.Phase()
	case PhaseGap:
		h.m.Observe("GET")
		h.m.Phase()
		tries := h.em.tries()
		h.fireLive(t)
		waitFor(t, "burst dummy", func() bool { return h.em.tries() == tries+1 })
	}
	if got := h.m.Phase(); got != p {
		t.Fatalf("driveTo: in %s, want %s", got, p)
	}
}

// ─── tests ───

func TestMachine_StartsIdleWithHeartbeat(t *testing.T) {
	h := configured(t, MachineOptions{})
	if h.m.Phase() != PhaseIdle {
		t.Fatalf("initial phase: %s", h.m.Phase())
	}
	if d := h.only(t).d; d != DefaultIdleHeartbeat {
		t.Fatalf("heartbeat: got %v, want %v", d, DefaultIdleHeartbeat)
	}
}

func TestMachine_TransitionTable(t *testing.T) {
	type send func(m *Machine)
	outbound := func(m *Machine) { m.Observe("POST") }
	inbound := func(m *Machine) { m.ObserveResponse() }

	tests := []struct {
		from    Phase
		event   EventKind
		to      Phase
		newTmr  bool
		emits   bool
		trigger send
	}{
		{PhaseIdle, EventRealOutbound, PhaseBurst, true, false, outbound},
		{PhaseIdle, EventRealInbound, PhaseBurst, true, false, inbound},
		{PhaseIdle, EventTimerExpired, PhaseIdle, true, false, nil},
		{PhaseBurst, EventRealOutbound, PhaseBurst, true, false, outbound},
		{PhaseBurst, EventRealInbound, PhaseBurst, false, false, inbound},
		{PhaseBurst, EventTimerExpired, PhaseGap, true, true, nil},
		{PhaseGap, EventRealOutbound, PhaseBurst, true, false, outbound},
		{PhaseGap, EventRealInbound, PhaseBurst, true, false, inbound},
		{PhaseGap, EventTimerExpired, PhaseGap, true, true, nil},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%s", tt.from, tt.event), func(t *testing.T) {
			h := configured(t, MachineOptions{})
			h.driveTo(t, tt.from)
			before := h.only(t)
			sentBefore := h.em.count()

			if tt.trigger != nil {
				tt.trigger(h.m)
				h.m.Phase()
			} else {
				h.clk.fire(before)
				h.m.Phase()
			}

			if got := h.m.Phase(); got != tt.to {
				t.Fatalf("phase: got %s, want %s", got, tt.to)
			}
			after := h.only(t)
			if tt.newTmr && after == before {
				t.Error("expected the timer to be rescheduled")
			}
			if !tt.newTmr && after != before {
				t.Error("expected the pending timer to be kept")
			}
			if tt.emits {
				waitFor(t, "dummy emission", func() bool { return h.em.count() == sentBefore+1 })
			} else {
				h.stop()
				if h.em.count() != sentBefore {
					t.Errorf("unexpected emission")
				}
			}
		})
	}
}

func TestMachine_UnlistedMethodIgnored(t *testing.T) {
	h := configured(t, MachineOptions{})
	if h.m.Observe("HEAD") {
		t.Fatal("HEAD should not count")
	}
	if h.m.Phase() != PhaseIdle {
		t.Fatalf("phase: got %s, want idle", h.m.Phase())
	}
	if h.rec.Snapshot().RealCount != 0 {
		t.Fatal("HEAD should not be counted as real")
	}
}

// Scenario: a real request from Idle starts a burst with a sampled delay.
func TestMachine_RealRequestStartsBurst(t *testing.T) {
	h := configured(t, MachineOptions{})
	if !h.m.Observe("GET") {
		t.Fatal("GET should count")
	}
	if got := h.m.Phase(); got != PhaseBurst {
		t.Fatalf("phase: got %s, want burst", got)
	}
	d := h.only(t).d
	if d < time.Second || d >= 5*time.Second {
		t.Fatalf("burst delay %v outside the default bins", d)
	}
	rec := h.lastTransition(t)
	if rec.From != PhaseIdle || rec.To != PhaseBurst || rec.Event != EventRealOutbound {
		t.Fatalf("unexpected record %+v", rec)
	}
	if h.rec.Snapshot().RealCount != 1 {
		t.Fatalf("real count: got %d", h.rec.Snapshot().RealCount)
	}
}

// Scenario: burst expiry moves to Gap, sends one dummy and schedules a gap delay.
func TestMachine_BurstExpiryEmits(t *testing.T) {
	h := configured(t, MachineOptions{MaxPayload: 16})
	h.driveTo(t, PhaseBurst)
	burstDelay := h.only(t).d

	h.fireLive(t)
	if got := h.m.Phase(); got != PhaseGap {
		t.Fatalf("phase: got %s, want gap", got)
	}
	h.only(t)

	waitFor(t, "dummy counted", func() bool { return h.rec.Snapshot().DummyByPhase[PhaseBurst] == 1 })
	if h.em.count() != 1 {
		t.Fatalf("emitted %d dummies, want 1", h.em.count())
	}
	if n := len(h.em.sent[0].Data); n >= 16 {
		t.Fatalf("payload length %d not below max 16", n)
	}

	wantSleep := burstDelay / 2
	if wantSleep < DefaultSendMinDelay {
		wantSleep = DefaultSendMinDelay
	}
	sleeps := h.clk.sleepLog()
	if len(sleeps) != 1 || sleeps[0] != wantSleep {
		t.Fatalf("pre-send delay: got %v, want [%v]", sleeps, wantSleep)
	}
}

func TestMachine_GapExpiryCountsAgainstGap(t *testing.T) {
	h := configured(t, MachineOptions{})
	h.driveTo(t, PhaseGap)
	h.fireLive(t)
	waitFor(t, "gap dummy", func() bool { return h.rec.Snapshot().DummyByPhase[PhaseGap] == 1 })
	if got := h.rec.Snapshot().DummyCount; got != 2 {
		t.Fatalf("dummy count: got %d, want 2", got)
	}
}

// Scenario: an infinity draw in Gap forces Burst with the fallback delay.
func TestMachine_GapInfinityForcesBurst(t *testing.T) {
	bins := []BinSpec{
		{Name: "short", MinMS: 1000, MaxMS: 2000, BurstWeight: 1},
		{Name: "exit", GapWeight: 1},
	}
	h := configured(t, MachineOptions{Bins: bins})
	h.driveTo(t, PhaseBurst)
	h.fireLive(t)

	if got := h.m.Phase(); got != PhaseBurst {
		t.Fatalf("phase: got %s, want burst", got)
	}
	if d := h.only(t).d; d != DefaultBurstFallback {
		t.Fatalf("delay: got %v, want %v", d, DefaultBurstFallback)
	}
	rec := h.lastTransition(t)
	if rec.From != PhaseGap || rec.To != PhaseBurst || rec.Event != EventExitPhase {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestMachine_BurstInfinityReturnsIdle(t *testing.T) {
	bins := []BinSpec{
		{Name: "short", MinMS: 1000, MaxMS: 2000, GapWeight: 1},
		{Name: "exit", BurstWeight: 1},
	}
	h := configured(t, MachineOptions{Bins: bins})
	h.m.Observe("GET")

	if got := h.m.Phase(); got != PhaseIdle {
		t.Fatalf("phase: got %s, want idle", got)
	}
	if d := h.only(t).d; d != DefaultIdleHeartbeat {
		t.Fatalf("delay: got %v, want heartbeat", d)
	}
	recs := h.rec.Transitions()
	if len(recs) != 2 || recs[1].Event != EventExitPhase || recs[1].To != PhaseIdle {
		t.Fatalf("unexpected transitions %+v", recs)
	}
}

// Scenario: disabling mid-burst cancels the timer and nothing is sent later.
func TestMachine_DisableCancelsTimer(t *testing.T) {
	h := configured(t, MachineOptions{})
	h.driveTo(t, PhaseBurst)
	pending := h.only(t)

	h.m.Configure(Settings{Enabled: false, Intensity: 3})
	if got := h.m.Phase(); got != PhaseIdle {
		t.Fatalf("phase: got %s, want idle", got)
	}
	if n := len(h.clk.live()); n != 0 {
		t.Fatalf("%d timers still armed while disabled", n)
	}
	if !pending.stopped {
		t.Fatal("pending timer was not stopped")
	}

	// An expiry that slipped through before the stop must be ignored.
	pending.f()
	if got := h.m.Phase(); got != PhaseIdle {
		t.Fatalf("stale expiry moved phase to %s", got)
	}
	h.m.Observe("GET")
	h.m.ObserveResponse()
	if got := h.m.Phase(); got != PhaseIdle {
		t.Fatalf("real traffic while disabled moved phase to %s", got)
	}

	h.stop()
	if h.em.count() != 0 {
		t.Fatalf("emitted %d dummies while disabled", h.em.count())
	}
	rec := h.lastTransition(t)
	if rec.From != PhaseBurst || rec.To != PhaseIdle || rec.Event != EventConfigChanged {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestMachine_DisableIdempotent(t *testing.T) {
	h := configured(t, MachineOptions{})
	h.driveTo(t, PhaseGap)

	off := Settings{Enabled: false, Intensity: 3}
	h.m.Configure(off)
	h.m.Phase()
	n := len(h.rec.Transitions())
	h.m.Configure(off)

	st, _ := h.m.Status()
	if st.Phase != PhaseIdle || st.Enabled || st.TimerArmed {
		t.Fatalf("unexpected status %+v", st)
	}
	if len(h.rec.Transitions()) != n {
		t.Fatal("second disable recorded a transition")
	}
	if len(h.clk.live()) != 0 {
		t.Fatal("timer armed after disable")
	}
}

func TestMachine_ReenableResumes(t *testing.T) {
	h := configured(t, MachineOptions{})
	h.m.Configure(Settings{Enabled: false, Intensity: 3})
	h.m.Configure(Settings{Enabled: true, Intensity: 3})
	h.m.Phase()
	if d := h.only(t).d; d != DefaultIdleHeartbeat {
		t.Fatalf("expected heartbeat after re-enable, got %v", d)
	}
}

func TestMachine_SchedulingWaitsForSampler(t *testing.T) {
	h := newHarness(t, MachineOptions{})
	h.m.Observe("GET")
	if got := h.m.Phase(); got != PhaseBurst {
		t.Fatalf("phase: got %s, want burst", got)
	}
	if n := len(h.clk.live()); n != 0 {
		t.Fatalf("no delay can be sampled yet, but %d timers are armed", n)
	}

	h.m.Configure(Settings{Enabled: true, Intensity: 3})
	h.m.Phase()
	d := h.only(t).d
	if d < time.Second || d >= 5*time.Second {
		t.Fatalf("burst delay %v after configure", d)
	}
}

func TestMachine_IntensityRebuildsHistograms(t *testing.T) {
	h := configured(t, MachineOptions{})
	h.m.Configure(Settings{Enabled: true, Intensity: 5})
	st, ok := h.m.Status()
	if !ok {
		t.Fatal("status unavailable")
	}
	if st.Intensity != 5 || st.Tokens[PhaseBurst] != 100 || st.Tokens[PhaseGap] != 80 {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestMachine_InvalidIntensityFallsBack(t *testing.T) {
	h := newHarness(t, MachineOptions{})
	h.m.Configure(Settings{Enabled: true, Intensity: 0})
	st, _ := h.m.Status()
	if st.Intensity != DefaultIntensity {
		t.Fatalf("intensity: got %d, want %d", st.Intensity, DefaultIntensity)
	}
}

func TestMachine_SingleTimer(t *testing.T) {
	h := configured(t, MachineOptions{})
	enabled := true
	for i := 0; i < 300; i++ {
		switch i % 7 {
		case 0, 3:
			h.m.Observe("GET")
		case 1:
			h.m.ObserveResponse()
		case 2, 4, 5:
			if live := h.clk.live(); len(live) == 1 {
				h.clk.fire(live[0])
			}
		case 6:
			if i%21 == 6 {
				enabled = !enabled
				h.m.Configure(Settings{Enabled: enabled, Intensity: 3})
			}
		}
		h.m.Phase()

		live := len(h.clk.live())
		if enabled && live != 1 {
			t.Fatalf("step %d: %d live timers while enabled", i, live)
		}
		if !enabled && live != 0 {
			t.Fatalf("step %d: %d live timers while disabled", i, live)
		}
	}
}

func TestMachine_EmissionFailureKeepsRunning(t *testing.T) {
	h := configured(t, MachineOptions{})
	h.em.mu.Lock()
	h.em.fail = true
	h.em.mu.Unlock()

	h.driveTo(t, PhaseGap)
	h.fireLive(t)
	if got := h.m.Phase(); got != PhaseGap {
		t.Fatalf("phase: got %s, want gap", got)
	}
	h.only(t)
	h.stop()

	if h.em.tries() != 2 {
		t.Fatalf("emission attempts: got %d, want 2", h.em.tries())
	}
	if got := h.rec.Snapshot().DummyCount; got != 0 {
		t.Fatalf("failed emissions counted: %d", got)
	}
	if _, ok := h.m.Status(); ok {
		t.Fatal("status should be unavailable after stop")
	}
}

func TestMachine_RateCap(t *testing.T) {
	tests := []struct {
		name string
		rate float64
		want int
	}{
		{"uncapped", 0, 3},
		{"capped", 0.001, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := configured(t, MachineOptions{MaxDummyPerSec: tt.rate})
			h.driveTo(t, PhaseGap)
			h.fireLive(t)
			h.fireLive(t)
			h.stop()
			if n := h.em.count(); n != tt.want {
				t.Fatalf("emitted %d dummies, want %d", n, tt.want)
			}
		})
	}
}

// A dummy still waiting out its send delay is dropped when padding is disabled.
func TestMachine_DisableDropsPendingDummy(t *testing.T) {
	h := configured(t, MachineOptions{})
	release := h.clk.holdSleeps()
	defer release()

	h.driveTo(t, PhaseBurst)
	h.fireLive(t)
	waitFor(t, "send delay started", func() bool { return len(h.clk.sleepLog()) == 1 })

	h.m.Configure(Settings{Enabled: false, Intensity: 3})
	if got := h.m.Phase(); got != PhaseIdle {
		t.Fatalf("phase after disable: %s", got)
	}
	release()
	h.stop()

	if n := h.em.tries(); n != 0 {
		t.Fatalf("emitted %d dummies after disable", n)
	}
	if got := h.rec.Snapshot().DummyCount; got != 0 {
		t.Fatalf("dummy count %d after disable", got)
	}
}

// Shutdown lets an emission already waiting out its send delay finish.
func TestMachine_StopWaitsForInFlightDummy(t *testing.T) {
	h := configured(t, MachineOptions{})
	release := h.clk.holdSleeps()
	h.driveTo(t, PhaseBurst)
	h.fireLive(t)
	waitFor(t, "send delay started", func() bool { return len(h.clk.sleepLog()) == 1 })

	stopped := make(chan struct{})
	go func() {
		h.m.Close()
		close(stopped)
	}()
	select {
	case <-stopped:
		t.Fatal("close returned before the in-flight dummy finished")
	case <-time.After(50 * time.Millisecond):
	}
	release()
	<-stopped
	if n := h.em.count(); n != 1 {
		t.Fatalf("in-flight dummy not sent: %d", n)
	}
}

func TestMachine_TimeInPhase(t *testing.T) {
	h := configured(t, MachineOptions{})
	h.clk.advance(3 * time.Second)
	h.driveTo(t, PhaseBurst)
	burst := h.only(t).d
	h.fireLive(t)

	m := h.rec.Snapshot()
	if m.TimeInPhase[PhaseIdle] != 3*time.Second {
		t.Errorf("idle time: got %v, want 3s", m.TimeInPhase[PhaseIdle])
	}
	if m.TimeInPhase[PhaseBurst] != burst {
		t.Errorf("burst time: got %v, want %v", m.TimeInPhase[PhaseBurst], burst)
	}
	if m.CurrentPhase != PhaseGap {
		t.Errorf("current phase: got %s", m.CurrentPhase)
	}
}

func TestMachine_QueriesAndClose(t *testing.T) {
	h := configured(t, MachineOptions{})
	if !h.m.Enabled() {
		t.Fatal("machine should start enabled")
	}
	h.m.Observe("POST")
	if recs := h.m.Transitions(); len(recs) != 1 || recs[0].To != PhaseBurst {
		t.Fatalf("transitions: %+v", recs)
	}

	if err := h.m.Close(); err != nil {
		t.Fatal(err)
	}
	if n := len(h.clk.live()); n != 0 {
		t.Fatalf("%d timers left after close", n)
	}
	if h.m.Observe("GET") {
		t.Fatal("events accepted after close")
	}
	if _, ok := h.m.Status(); ok {
		t.Fatal("status available after close")
	}
	h.m.Close()
}

func TestMachine_NeverRun(t *testing.T) {
	m := NewMachine(MachineOptions{Clock: newFakeClock(), Emitter: &fakeEmitter{}, Rand: testRand()})

	res := make(chan bool, 1)
	go func() {
		_, ok := m.Status()
		res <- ok
	}()
	select {
	case ok := <-res:
		if ok {
			t.Fatal("status available without a running loop")
		}
	case <-time.After(time.Second):
		t.Fatal("status blocked on a machine that never ran")
	}

	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	phase := make(chan Phase, 1)
	go func() { phase <- m.Phase() }()
	select {
	case <-phase:
	case <-time.After(time.Second):
		t.Fatal("phase blocked after close")
	}
	if m.Observe("GET") {
		t.Fatal("events accepted after close")
	}
	if err := m.Run(context.Background()); !errors.Is(err, ErrMachineClosed) {
		t.Fatalf("run after close: %v", err)
	}
	m.Close()
}

func TestMachine_DisabledStart(t *testing.T) {
	h := newHarness(t, MachineOptions{Disabled: true})
	if h.m.Enabled() {
		t.Fatal("machine should start disabled")
	}
	h.m.Observe("GET")
	if h.m.Phase() != PhaseIdle || len(h.clk.live()) != 0 {
		t.Fatal("disabled machine reacted to traffic")
	}
	h.m.Configure(Settings{Enabled: true, Intensity: 2})
	if !h.m.Enabled() {
		t.Fatal("configure did not enable")
	}
	if d := h.only(t).d; d != DefaultIdleHeartbeat {
		t.Fatalf("heartbeat: %v", d)
	}
}
