package picopad

import (
	cryptoRand "crypto/rand"
	"encoding/binary"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// Infinity is returned by Sample when the draw lands in the unbounded bin:
// the current phase should be left instead of waiting again.
const Infinity = time.Duration(math.MaxInt64)

// DefaultMinDelay is the floor applied to every bounded draw.
const DefaultMinDelay = 1000 * time.Millisecond

// DefaultIntensity is substituted when no valid intensity is configured.
const DefaultIntensity = 3

// BinSpec describes one named delay range and its base weight per phase.
// MaxMS == 0 marks the unbounded ("infinity") bin.
type BinSpec struct {
	Name        string  `yaml:"name"`
	MinMS       int     `yaml:"min_ms"`
	MaxMS       int     `yaml:"max_ms"`
	BurstWeight float64 `yaml:"burst_weight"`
	GapWeight   float64 `yaml:"gap_weight"`
}

// DefaultBins favours short delays during bursts and medium ones in gaps.
var DefaultBins = []BinSpec{
	{Name: "short", MinMS: 1000, MaxMS: 2000, BurstWeight: 10, GapWeight: 5},
	{Name: "medium", MinMS: 2000, MaxMS: 3500, BurstWeight: 6, GapWeight: 8},
	{Name: "long", MinMS: 3500, MaxMS: 5000, BurstWeight: 4, GapWeight: 3},
}

// Bin is one weighted delay range with its remaining draws.
type Bin struct {
	Name      string
	Min       time.Duration
	Max       time.Duration
	Unbounded bool
	Tokens    int
	Capacity  int
}

// Histogram is the ordered bin set for one phase.
type Histogram struct {
	Phase Phase
	Bins  []Bin
}

// Histograms pairs the burst and gap histograms built for one intensity.
type Histograms struct {
	Intensity int
	Burst     *Histogram
	Gap       *Histogram
}

// For returns the histogram used while in p, or nil for Idle.
func (h *Histograms) For(p Phase) *Histogram {
	switch p {
	case PhaseBurst:
		return h.Burst
	case PhaseGap:
		return h.Gap
	}
	return nil
}

// TotalTokens is the sum of remaining draws.
func (h *Histogram) TotalTokens() int {
	total := 0
	for _, b := range h.Bins {
		total += b.Tokens
	}
	return total
}

// TotalCapacity is the token sum right after a refill.
func (h *Histogram) TotalCapacity() int {
	total := 0
	for _, b := range h.Bins {
		total += b.Capacity
	}
	return total
}

// Refill restores every bin to its capacity.
func Refill(h *Histogram) {
	for i := range h.Bins {
		h.Bins[i].Tokens = h.Bins[i].Capacity
	}
}

// scale maps intensity to a weight multiplier. It is linear: intensity 3
// triples every base weight.
func scale(intensity int) float64 {
	return float64(intensity)
}

// BuildHistograms builds fresh, full histograms for both phases.
// Specs whose weight for a phase is not positive are left out of that phase.
func BuildHistograms(intensity int, specs []BinSpec) (*Histograms, error) {
	if intensity <= 0 {
		return nil, fmt.Errorf("%w: intensity must be positive, got %d", ErrConfiguration, intensity)
	}
	if len(specs) == 0 {
		specs = DefaultBins
	}
	if err := validateBinSpecs(specs); err != nil {
		return nil, err
	}

	burst := buildHistogram(PhaseBurst, intensity, specs, func(s BinSpec) float64 { return s.BurstWeight })
	gap := buildHistogram(PhaseGap, intensity, specs, func(s BinSpec) float64 { return s.GapWeight })
	if len(burst.Bins) == 0 || len(gap.Bins) == 0 {
		return nil, fmt.Errorf("%w: every phase needs at least one weighted bin", ErrConfiguration)
	}
	return &Histograms{Intensity: intensity, Burst: burst, Gap: gap}, nil
}

func buildHistogram(p Phase, intensity int, specs []BinSpec, weight func(BinSpec) float64) *Histogram {
	h := &Histogram{Phase: p}
	for _, s := range specs {
		w := weight(s)
		if w <= 0 {
			continue
		}
		capacity := int(math.Floor(w * scale(intensity)))
		if capacity < 1 {
			capacity = 1
		}
		h.Bins = append(h.Bins, Bin{
			Name:      s.Name,
			Min:       time.Duration(s.MinMS) * time.Millisecond,
			Max:       time.Duration(s.MaxMS) * time.Millisecond,
			Unbounded: s.MaxMS == 0,
			Tokens:    capacity,
			Capacity:  capacity,
		})
	}
	return h
}

func validateBinSpecs(specs []BinSpec) error {
	for i, s := range specs {
		if s.MinMS < 0 {
			return fmt.Errorf("%w: bins[%d] %q has negative min", ErrConfiguration, i, s.Name)
		}
		if s.MaxMS == 0 {
			if i != len(specs)-1 {
				return fmt.Errorf("%w: unbounded bin %q must be last", ErrConfiguration, s.Name)
			}
			continue
		}
		if s.MaxMS <= s.MinMS {
			return fmt.Errorf("%w: bins[%d] %q needs min < max", ErrConfiguration, i, s.Name)
		}
	}
	return nil
}

// Sampler draws delays from a Histograms set. It is not safe for concurrent
// use; the state machine only calls it from its event loop.
type Sampler struct {
	hists    *Histograms
	rnd      *rand.Rand
	minDelay time.Duration
	log      *zap.Logger
}

// NewSampler wraps hists. A nil rnd is replaced by a generator seeded from crypto/rand.
func NewSampler(hists *Histograms, rnd *rand.Rand, minDelay time.Duration, log *zap.Logger) *Sampler {
	if rnd == nil {
		rnd = newSeededRand()
	}
	if minDelay <= 0 {
		minDelay = DefaultMinDelay
	}
	return &Sampler{hists: hists, rnd: rnd, minDelay: minDelay, log: orDefault(log)}
}

// Histograms exposes the sampler's token state.
func (s *Sampler) Histograms() *Histograms { return s.hists }

// SampleFor draws from the histogram belonging to p.
func (s *Sampler) SampleFor(p Phase) (time.Duration, error) {
	h := s.hists.For(p)
	if h == nil {
		return 0, fmt.Errorf("%w: no histogram for %s", ErrSamplerNotReady, p)
	}
	return s.Sample(h), nil
}

// Sample consumes one token from h and returns a delay, or Infinity when
// the unbounded bin was drawn. An exhausted histogram is refilled first.
func (s *Sampler) Sample(h *Histogram) time.Duration {
	total := h.TotalTokens()
	if total == 0 {
		s.log.Warn("histogram tokens depleted, refilling",
			zap.Stringer("phase", h.Phase),
			zap.Int("capacity", h.TotalCapacity()))
		Refill(h)
		total = h.TotalTokens()
	}
	// capacity >= 1 for every bin, so a refilled histogram is never empty
	// unless it has no bins at all.
	if total == 0 {
		return s.minDelay
	}

	draw := s.rnd.IntN(total)
	cumulative := 0
	for i := range h.Bins {
		b := &h.Bins[i]
		cumulative += b.Tokens
		if draw >= cumulative {
			continue
		}
		b.Tokens--
		if b.Unbounded {
			s.log.Debug("infinity bin selected", zap.Stringer("phase", h.Phase), zap.String("bin", b.Name))
			return Infinity
		}
		d := b.Min
		if span := b.Max - b.Min; span > 0 {
			d += time.Duration(s.rnd.Int64N(int64(span)))
		}
		if d < s.minDelay {
			d = s.minDelay
		}
		return d
	}
	return s.minDelay
}

func newSeededRand() *rand.Rand {
	var seed [16]byte
	if _, err := cryptoRand.Read(seed[:]); err != nil {
		return rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0))
	}
	return rand.New(rand.NewPCG(binary.LittleEndian.Uint64(seed[:8]), binary.LittleEndian.Uint64(seed[8:])))
}
