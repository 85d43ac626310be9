package picopad

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Metrics is the persisted padding record.
type Metrics struct {
	DummyCount      int64                   `json:"dummy_count"`
	DummyByPhase    map[Phase]int64         `json:"dummy_by_phase"`
	RealCount       int64                   `json:"real_count"`
	TimeInPhase     map[Phase]time.Duration `json:"time_in_phase"`
	CurrentPhase    Phase                   `json:"current_phase"`
	LastPhaseChange time.Time               `json:"last_phase_change"`
}

// NewMetrics returns a zeroed record starting in Idle at now.
func NewMetrics(now time.Time) *Metrics {
	m := &Metrics{
		DummyByPhase:    make(map[Phase]int64, len(Phases)),
		TimeInPhase:     make(map[Phase]time.Duration, len(Phases)),
		CurrentPhase:    PhaseIdle,
		LastPhaseChange: now,
	}
	for _, p := range Phases {
		m.DummyByPhase[p] = 0
		m.TimeInPhase[p] = 0
	}
	return m
}

// Clone returns a deep copy.
func (m *Metrics) Clone() *Metrics {
	c := *m
	c.DummyByPhase = make(map[Phase]int64, len(m.DummyByPhase))
	for k, v := range m.DummyByPhase {
		c.DummyByPhase[k] = v
	}
	c.TimeInPhase = make(map[Phase]time.Duration, len(m.TimeInPhase))
	for k, v := range m.TimeInPhase {
		c.TimeInPhase[k] = v
	}
	return &c
}

// normalize fills maps missing from an older or partial persisted record.
func (m *Metrics) normalize(now time.Time) {
	if m.DummyByPhase == nil {
		m.DummyByPhase = make(map[Phase]int64, len(Phases))
	}
	if m.TimeInPhase == nil {
		m.TimeInPhase = make(map[Phase]time.Duration, len(Phases))
	}
	for _, p := range Phases {
		if _, ok := m.DummyByPhase[p]; !ok {
			m.DummyByPhase[p] = 0
		}
		if _, ok := m.TimeInPhase[p]; !ok {
			m.TimeInPhase[p] = 0
		}
	}
	if !m.CurrentPhase.Valid() {
		m.CurrentPhase = PhaseIdle
	}
	if m.LastPhaseChange.IsZero() {
		m.LastPhaseChange = now
	}
}

// Recorder accumulates Metrics and the transition log behind one mutex and
// flushes them to a Store from its own goroutine.
type Recorder struct {
	mu      sync.Mutex
	metrics *Metrics
	log     *TransitionLog
	pending []TransitionRecord

	store Store
	prom  *PromMetrics
	clock Clock
	zl    *zap.Logger

	dirty chan struct{}
}

// RecorderOptions configures NewRecorder. Store and Prom are optional.
type RecorderOptions struct {
	Store   Store
	Prom    *PromMetrics
	Clock   Clock
	LogSize int
	Logger  *zap.Logger
}

// NewRecorder creates a recorder, resuming counters from the store when it
// holds a previous record.
func NewRecorder(ctx context.Context, opts RecorderOptions) *Recorder {
	clk := opts.Clock
	if clk == nil {
		clk = SystemClock{}
	}
	r := &Recorder{
		log:   NewTransitionLog(opts.LogSize),
		store: opts.Store,
		prom:  opts.Prom,
		clock: clk,
		zl:    orDefault(opts.Logger).Named("recorder"),
		dirty: make(chan struct{}, 1),
	}

	now := clk.Now()
	r.metrics = NewMetrics(now)
	if r.store != nil {
		prev, err := r.store.LoadMetrics(ctx)
		switch {
		case err != nil:
			r.zl.Warn("could not load persisted metrics, starting from zero", zap.Error(err))
		case prev != nil:
			prev.normalize(now)
			// A restart always begins in Idle; time spent while the process
			// was down is not attributed to any phase.
			prev.CurrentPhase = PhaseIdle
			prev.LastPhaseChange = now
			r.metrics = prev
			r.zl.Info("resumed metrics",
				zap.Int64("dummy_count", prev.DummyCount),
				zap.Int64("real_count", prev.RealCount))
		}
		if recs, err := r.store.LoadTransitions(ctx, r.log.Cap()); err == nil {
			for _, rec := range recs {
				r.log.Append(rec)
			}
		}
	}
	r.prom.setPhase(r.metrics.CurrentPhase)
	return r
}

// RecordTransition accounts time spent in rec.From and logs the record.
func (r *Recorder) RecordTransition(rec TransitionRecord) {
	r.mu.Lock()
	elapsed := rec.At.Sub(r.metrics.LastPhaseChange)
	if elapsed > 0 {
		r.metrics.TimeInPhase[rec.From] += elapsed
	}
	r.metrics.LastPhaseChange = rec.At
	r.metrics.CurrentPhase = rec.To
	r.log.Append(rec)
	r.pending = append(r.pending, rec)
	r.mu.Unlock()

	r.prom.observeTransition(rec)
	r.markDirty()
}

// RecordDummy counts one successful emission decided while in phase.
func (r *Recorder) RecordDummy(phase Phase) {
	r.mu.Lock()
	r.metrics.DummyCount++
	r.metrics.DummyByPhase[phase]++
	r.mu.Unlock()

	r.prom.observeDummy(phase)
	r.markDirty()
}

// RecordReal counts one observed real request.
func (r *Recorder) RecordReal() {
	r.mu.Lock()
	r.metrics.RealCount++
	r.mu.Unlock()

	r.prom.observeReal()
	r.markDirty()
}

// RecordEmissionFailure only feeds the failure counter; it is not persisted.
func (r *Recorder) RecordEmissionFailure() {
	r.prom.observeEmissionFailure()
}

// Snapshot returns a deep copy of the current metrics.
func (r *Recorder) Snapshot() *Metrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.metrics.Clone()
}

// Transitions returns the retained transition records, oldest first.
func (r *Recorder) Transitions() []TransitionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.log.Records()
}

func (r *Recorder) markDirty() {
	select {
	case r.dirty <- struct{}{}:
	default:
	}
}

// Run flushes to the store after mutations until ctx is done, then makes a
// final flush.
func (r *Recorder) Run(ctx context.Context) {
	if r.store == nil {
		<-ctx.Done()
		return
	}
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			r.Flush(flushCtx)
			cancel()
			return
		case <-r.dirty:
			r.Flush(ctx)
		}
	}
}

// Flush writes the latest snapshot and any pending transitions. Failed
// transitions are kept for the next attempt.
func (r *Recorder) Flush(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	r.mu.Lock()
	snap := r.metrics.Clone()
	pending := r.pending
	r.pending = nil
	r.mu.Unlock()

	if err := r.store.SaveMetrics(ctx, snap); err != nil {
		r.zl.Warn("metrics flush failed", zap.Error(err))
		r.requeue(pending)
		return err
	}
	if len(pending) > 0 {
		if err := r.store.AppendTransitions(ctx, pending, r.log.Cap()); err != nil {
			r.zl.Warn("transition flush failed", zap.Error(err), zap.Int("records", len(pending)))
			r.requeue(pending)
			return err
		}
	}
	return nil
}

func (r *Recorder) requeue(recs []TransitionRecord) {
	if len(recs) == 0 {
		return
	}
	r.mu.Lock()
	r.pending = append(recs, r.pending...)
	if over := len(r.pending) - r.log.Cap(); over > 0 {
		r.pending = r.pending[over:]
	}
	r.mu.Unlock()
}

// PromMetrics holds the prometheus collectors for one padder, registered on
// a private registry.
type PromMetrics struct {
	registry         *prometheus.Registry
	dummyTotal       *prometheus.CounterVec
	realTotal        prometheus.Counter
	transitionsTotal *prometheus.CounterVec
	emissionFailures prometheus.Counter
	phase            prometheus.Gauge
}

// NewPromMetrics creates and registers the padder collectors.
func NewPromMetrics(namespace string) *PromMetrics {
	if namespace == "" {
		namespace = "picopad"
	}
	pm := &PromMetrics{registry: prometheus.NewRegistry()}
	pm.dummyTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dummy_total",
		Help:      "Dummy requests emitted, by phase at decision time",
	}, []string{"phase"})
	pm.realTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "real_total",
		Help:      "Real requests observed",
	})
	pm.transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transitions_total",
		Help:      "Phase transitions",
	}, []string{"from", "to", "event"})
	pm.emissionFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "emission_failures_total",
		Help:      "Dummy emissions that failed",
	})
	pm.phase = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "phase",
		Help:      "Current phase (1=idle, 2=burst, 3=gap)",
	})
	pm.registry.MustRegister(pm.dummyTotal, pm.realTotal, pm.transitionsTotal, pm.emissionFailures, pm.phase)
	return pm
}

// Registry returns the registry the collectors live in.
func (pm *PromMetrics) Registry() *prometheus.Registry { return pm.registry }

func (pm *PromMetrics) observeTransition(rec TransitionRecord) {
	if pm == nil {
		return
	}
	pm.transitionsTotal.WithLabelValues(rec.From.String(), rec.To.String(), rec.Event.String()).Inc()
	pm.phase.Set(float64(rec.To))
}

func (pm *PromMetrics) observeDummy(p Phase) {
	if pm == nil {
		return
	}
	pm.dummyTotal.WithLabelValues(p.String()).Inc()
}

func (pm *PromMetrics) observeReal() {
	if pm == nil {
		return
	}
	pm.realTotal.Inc()
}

func (pm *PromMetrics) observeEmissionFailure() {
	if pm == nil {
		return
	}
	pm.emissionFailures.Inc()
}

func (pm *PromMetrics) setPhase(p Phase) {
	if pm == nil {
		return
	}
	pm.phase.Set(float64(p))
}
