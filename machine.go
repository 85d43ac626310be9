package picopad

import (
	"context"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Default timing constants.
const (
	DefaultIdleHeartbeat = 7000 * time.Millisecond
	DefaultBurstFallback = 2500 * time.Millisecond
	DefaultSendMinDelay  = 500 * time.Millisecond
	DefaultEmitTimeout   = 15 * time.Second

	eventQueueSize = 1024
)

// DefaultRealMethods are the request methods counted as real traffic.
var DefaultRealMethods = []string{"GET", "POST"}

// Settings is what the settings collaborator pushes on change.
type Settings struct {
	Enabled   bool
	Intensity int
}

// Timing groups the fixed delays used by the machine.
type Timing struct {
	MinDelay      time.Duration // floor for sampled delays
	IdleHeartbeat time.Duration // fixed Idle wake-up
	BurstFallback time.Duration // delay after a forced Gap->Burst exit
	SendMinDelay  time.Duration // floor of the pre-send sub-delay
	EmitTimeout   time.Duration
}

func (t *Timing) applyDefaults() {
	if t.MinDelay <= 0 {
		t.MinDelay = DefaultMinDelay
	}
	if t.IdleHeartbeat <= 0 {
		t.IdleHeartbeat = DefaultIdleHeartbeat
	}
	if t.BurstFallback <= 0 {
		t.BurstFallback = DefaultBurstFallback
	}
	if t.SendMinDelay <= 0 {
		t.SendMinDelay = DefaultSendMinDelay
	}
	if t.EmitTimeout <= 0 {
		t.EmitTimeout = DefaultEmitTimeout
	}
}

// MachineOptions configures NewMachine. Only Emitter is required for
// padding to have any effect; everything else has a default.
type MachineOptions struct {
	Clock    Clock
	Emitter  Emitter
	Recorder *Recorder
	Rand     *rand.Rand
	Logger   *zap.Logger

	Timing      Timing
	Bins        []BinSpec
	RealMethods []string
	MaxPayload  int
	// MaxDummyPerSec caps emissions; 0 disables the cap.
	MaxDummyPerSec float64
	// Disabled starts the machine switched off until Configure enables it.
	Disabled bool
}

type event struct {
	kind     EventKind
	gen      uint64
	settings Settings
	query    func()
}

// Machine is the padding state machine. All state below the queue is owned
// by the Run goroutine; other goroutines only post events.
type Machine struct {
	clock    Clock
	emitter  Emitter
	recorder *Recorder
	rnd      *rand.Rand
	log      *zap.Logger
	timing   Timing
	bins     []BinSpec
	methods  map[string]bool
	limiter  *rate.Limiter
	maxPay   int

	events   chan event
	done     chan struct{} // closed when the loop stops taking events
	exited   chan struct{} // closed once in-flight emissions have settled
	stop     chan struct{}
	stopOnce sync.Once
	started  atomic.Bool
	running  atomic.Bool

	emitCtx    context.Context
	emitCancel context.CancelFunc
	emitWG     sync.WaitGroup
	// periodCtx is cancelled when padding is disabled, dropping dummies
	// still waiting out their send delay. Loop-owned.
	periodCtx    context.Context
	periodCancel context.CancelFunc

	// loop-owned
	phase     Phase
	enabled   bool
	intensity int
	sampler   *Sampler
	timer     Timer
	gen       uint64
	armed     bool
	lastDelay time.Duration
}

// NewMachine builds a machine in Idle. Call Run to start processing events
// and Configure to supply settings; until then no sampled delay can be scheduled.
func NewMachine(opts MachineOptions) *Machine {
	clk := opts.Clock
	if clk == nil {
		clk = SystemClock{}
	}
	zl := orDefault(opts.Logger).Named("machine")
	rec := opts.Recorder
	if rec == nil {
		rec = NewRecorder(context.Background(), RecorderOptions{Clock: clk, Logger: zl})
	}
	rnd := opts.Rand
	if rnd == nil {
		rnd = newSeededRand()
	}
	opts.Timing.applyDefaults()

	methods := opts.RealMethods
	if len(methods) == 0 {
		methods = DefaultRealMethods
	}
	set := make(map[string]bool, len(methods))
	for _, meth := range methods {
		set[strings.ToUpper(strings.TrimSpace(meth))] = true
	}

	m := &Machine{
		clock:    clk,
		emitter:  opts.Emitter,
		recorder: rec,
		rnd:      rnd,
		log:      zl,
		timing:   opts.Timing,
		bins:     opts.Bins,
		methods:  set,
		maxPay:   opts.MaxPayload,
		events:   make(chan event, eventQueueSize),
		done:     make(chan struct{}),
		exited:   make(chan struct{}),
		stop:     make(chan struct{}),
		phase:    PhaseIdle,
		enabled:  !opts.Disabled,
	}
	if opts.MaxDummyPerSec > 0 {
		burst := int(opts.MaxDummyPerSec)
		if burst < 1 {
			burst = 1
		}
		m.limiter = rate.NewLimiter(rate.Limit(opts.MaxDummyPerSec), burst)
	}
	m.emitCtx, m.emitCancel = context.WithCancel(context.Background())
	m.periodCtx, m.periodCancel = context.WithCancel(m.emitCtx)
	return m
}

// Recorder returns the metrics recorder the machine reports to.
func (m *Machine) Recorder() *Recorder { return m.recorder }

// Run processes events until ctx is done or Close is called, then cancels
// the pending timer and waits up to EmitTimeout for in-flight emissions.
// A machine runs once; later calls return ErrMachineClosed.
func (m *Machine) Run(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return ErrMachineClosed
	}
	m.running.Store(true)
	defer func() {
		m.cancelTimer()
		m.running.Store(false)
		close(m.done)
		m.drainEmissions()
		close(m.exited)
	}()

	m.log.Info("padding machine started",
		zap.Stringer("phase", m.phase),
		zap.Bool("enabled", m.enabled))
	if m.enabled {
		m.schedule()
	}

	for {
		select {
		case <-ctx.Done():
			m.log.Info("padding machine stopped", zap.Stringer("phase", m.phase))
			return nil
		case <-m.stop:
			m.log.Info("padding machine closed", zap.Stringer("phase", m.phase))
			return nil
		case ev := <-m.events:
			m.handle(ev)
		}
	}
}

// Observe reports an outbound real request and whether it was counted.
// Methods outside the configured set are ignored.
func (m *Machine) Observe(method string) bool {
	if !m.methods[strings.ToUpper(method)] {
		return false
	}
	return m.post(event{kind: EventRealOutbound})
}

// ObserveResponse reports an inbound real response.
func (m *Machine) ObserveResponse() {
	m.post(event{kind: EventRealInbound})
}

// Configure pushes new settings.
func (m *Machine) Configure(s Settings) {
	m.post(event{kind: EventConfigChanged, settings: s})
}

// Status is a point-in-time view of the machine, read through the event loop.
type Status struct {
	Phase      Phase         `json:"phase"`
	Enabled    bool          `json:"enabled"`
	Intensity  int           `json:"intensity"`
	TimerArmed bool          `json:"timer_armed"`
	LastDelay  time.Duration `json:"last_delay"`
	Tokens     map[Phase]int `json:"tokens,omitempty"`
}

// Status returns the current status. It returns false without blocking if the
// loop is not running.
func (m *Machine) Status() (Status, bool) {
	var st Status
	ok := m.call(func() {
		st = Status{
			Phase:      m.phase,
			Enabled:    m.enabled,
			Intensity:  m.intensity,
			TimerArmed: m.armed,
			LastDelay:  m.lastDelay,
		}
		if m.sampler != nil {
			h := m.sampler.Histograms()
			st.Tokens = map[Phase]int{
				PhaseBurst: h.Burst.TotalTokens(),
				PhaseGap:   h.Gap.TotalTokens(),
			}
		}
	})
	return st, ok
}

// Phase returns the current phase once every previously posted event has been applied.
func (m *Machine) Phase() Phase {
	st, _ := m.Status()
	return st.Phase
}

// Enabled reports whether padding is switched on.
func (m *Machine) Enabled() bool {
	st, _ := m.Status()
	return st.Enabled
}

// Transitions returns the recorded transitions once every previously posted
// event has been applied.
func (m *Machine) Transitions() []TransitionRecord {
	m.call(func() {})
	return m.recorder.Transitions()
}

// Close stops the loop and waits for it to finish. Closing a machine that
// never ran keeps it from running. Events posted afterwards are dropped.
func (m *Machine) Close() error {
	m.stopOnce.Do(func() { close(m.stop) })
	if m.started.CompareAndSwap(false, true) {
		m.emitCancel()
		close(m.done)
		close(m.exited)
		return nil
	}
	<-m.exited
	return nil
}

func (m *Machine) post(ev event) bool {
	select {
	case <-m.done:
		return false
	default:
	}
	select {
	case m.events <- ev:
		return true
	case <-m.done:
		return false
	}
}

func (m *Machine) call(f func()) bool {
	if !m.running.Load() {
		return false
	}
	done := make(chan struct{})
	if !m.post(event{query: func() { f(); close(done) }}) {
		return false
	}
	select {
	case <-done:
		return true
	case <-m.done:
		return false
	}
}

func (m *Machine) handle(ev event) {
	if ev.query != nil {
		ev.query()
		return
	}

	switch ev.kind {
	case EventConfigChanged:
		m.applySettings(ev.settings)
		return
	case EventTimerExpired:
		if ev.gen != m.gen || !m.armed {
			m.log.Debug("stale timer ignored", zap.Uint64("gen", ev.gen), zap.Uint64("current", m.gen))
			return
		}
		m.armed = false
		m.timer = nil
	}
	if !m.enabled {
		return
	}
	if ev.kind == EventRealOutbound {
		m.recorder.RecordReal()
	}

	rule, err := lookupTransition(m.phase, ev.kind)
	if err != nil {
		m.log.Error("transition rejected", zap.Error(err))
		return
	}

	decidedIn := m.phase
	spent := m.lastDelay
	if rule.to != m.phase {
		if err := m.transition(rule.to, ev.kind); err != nil {
			return
		}
	}

	switch rule.action {
	case ActionKeep:
	case ActionReschedule:
		m.schedule()
	case ActionEmitAndReschedule:
		m.emit(decidedIn, spent)
		m.schedule()
	}
}

// transition records the move and then applies it.
func (m *Machine) transition(to Phase, cause EventKind) error {
	if !to.Valid() {
		err := ErrInvalidTransition
		m.log.Error("transition rejected", zap.Error(err), zap.Stringer("from", m.phase), zap.Uint8("to", uint8(to)))
		return err
	}
	rec := TransitionRecord{From: m.phase, To: to, Event: cause, At: m.clock.Now()}
	m.recorder.RecordTransition(rec)
	m.log.Info("phase transition",
		zap.Stringer("from", rec.From),
		zap.Stringer("to", rec.To),
		zap.Stringer("event", cause))
	m.phase = to
	return nil
}

func (m *Machine) applySettings(s Settings) {
	intensity := s.Intensity
	if intensity <= 0 {
		m.log.Warn("invalid intensity, using default",
			zap.Error(ErrConfiguration),
			zap.Int("intensity", s.Intensity),
			zap.Int("default", DefaultIntensity))
		intensity = DefaultIntensity
	}
	if m.sampler == nil || intensity != m.intensity {
		m.rebuildSampler(intensity)
	}

	if !s.Enabled {
		m.cancelTimer()
		m.periodCancel()
		m.periodCtx, m.periodCancel = context.WithCancel(m.emitCtx)
		if m.phase != PhaseIdle {
			m.transition(PhaseIdle, EventConfigChanged)
		}
		if m.enabled {
			m.log.Info("padding disabled")
		}
		m.enabled = false
		return
	}

	if !m.enabled {
		m.log.Info("padding enabled", zap.Int("intensity", m.intensity))
	}
	m.enabled = true
	if !m.armed {
		m.schedule()
	}
}

func (m *Machine) rebuildSampler(intensity int) {
	hists, err := BuildHistograms(intensity, m.bins)
	if err != nil {
		m.log.Warn("bad bin layout, falling back to defaults", zap.Error(err))
		hists, err = BuildHistograms(intensity, DefaultBins)
		if err != nil {
			m.log.Error("could not build histograms", zap.Error(err))
			return
		}
	}
	m.sampler = NewSampler(hists, m.rnd, m.timing.MinDelay, m.log)
	m.intensity = intensity
	m.log.Info("histograms rebuilt",
		zap.Int("intensity", intensity),
		zap.Int("burst_tokens", hists.Burst.TotalCapacity()),
		zap.Int("gap_tokens", hists.Gap.TotalCapacity()))
}

// schedule cancels any pending timer and arms the delay for the current phase.
func (m *Machine) schedule() {
	m.cancelTimer()
	if !m.enabled {
		return
	}
	d, err := m.nextDelay()
	if err != nil {
		m.log.Warn("delay not scheduled", zap.Error(err), zap.Stringer("phase", m.phase))
		return
	}
	m.arm(d)
}

// nextDelay picks the delay for the current phase. A draw from the infinity
// bin forces the phase exit and returns the exit target's fixed delay.
func (m *Machine) nextDelay() (time.Duration, error) {
	if m.phase == PhaseIdle {
		return m.timing.IdleHeartbeat, nil
	}
	if m.sampler == nil {
		return 0, ErrSamplerNotReady
	}
	d, err := m.sampler.SampleFor(m.phase)
	if err != nil {
		return 0, err
	}
	if d != Infinity {
		return d, nil
	}

	to, err := exitTarget(m.phase)
	if err != nil {
		return 0, err
	}
	if err := m.transition(to, EventExitPhase); err != nil {
		return 0, err
	}
	if to == PhaseIdle {
		return m.timing.IdleHeartbeat, nil
	}
	return m.timing.BurstFallback, nil
}

func (m *Machine) arm(d time.Duration) {
	m.gen++
	gen := m.gen
	m.armed = true
	m.lastDelay = d
	m.timer = m.clock.AfterFunc(d, func() {
		m.post(event{kind: EventTimerExpired, gen: gen})
	})
	m.log.Debug("delay scheduled", zap.Stringer("phase", m.phase), zap.Duration("delay", d))
}

// cancelTimer stops the pending timer. The generation bump makes an expiry
// that already fired and is still queued look stale.
func (m *Machine) cancelTimer() {
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = nil
	m.armed = false
	m.gen++
}

// emit starts one detached dummy transmission. Its outcome only reaches the
// recorder and the log.
func (m *Machine) emit(phase Phase, spent time.Duration) {
	if m.emitter == nil {
		return
	}
	if m.limiter != nil && !m.limiter.AllowN(m.clock.Now(), 1) {
		m.log.Debug("dummy skipped by rate cap", zap.Stringer("phase", phase))
		return
	}
	wait := spent / 2
	if wait < m.timing.SendMinDelay {
		wait = m.timing.SendMinDelay
	}
	payload := NewPayload(m.rnd, m.maxPay)
	period := m.periodCtx

	m.emitWG.Add(1)
	go func() {
		defer m.emitWG.Done()
		if err := m.clock.Sleep(period, wait); err != nil || period.Err() != nil {
			m.log.Debug("dummy dropped before send", zap.Stringer("phase", phase), zap.String("id", payload.ID))
			return
		}
		ctx, cancel := context.WithTimeout(m.emitCtx, m.timing.EmitTimeout)
		defer cancel()
		if err := m.emitter.Emit(ctx, payload); err != nil {
			m.recorder.RecordEmissionFailure()
			m.log.Warn("dummy emission failed",
				zap.Error(err),
				zap.Stringer("phase", phase),
				zap.String("id", payload.ID))
			return
		}
		m.recorder.RecordDummy(phase)
		m.log.Debug("dummy sent",
			zap.Stringer("phase", phase),
			zap.String("id", payload.ID),
			zap.Int("size", len(payload.Data)))
	}()
}

// drainEmissions waits for in-flight dummies and cancels the ones still
// running after EmitTimeout. Only called once the loop has exited.
func (m *Machine) drainEmissions() {
	defer m.emitCancel()
	idle := make(chan struct{})
	go func() {
		m.emitWG.Wait()
		close(idle)
	}()
	t := time.NewTimer(m.timing.EmitTimeout)
	defer t.Stop()
	select {
	case <-idle:
	case <-t.C:
		m.log.Warn("cancelling dummies still in flight at shutdown", zap.Duration("waited", m.timing.EmitTimeout))
		m.emitCancel()
		<-idle
	}
}
