// Package bandwidth turns ECN congestion marks into a smoothed outbound
// bandwidth estimate.
package bandwidth

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/protobuf/types/known/durationpb"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/ChuLiYu/edge-session/internal/logging"
)

// ECN codepoints carried in the two low bits of the IP TOS / traffic class.
const (
	NotECT = 0
	ECT1   = 1
	ECT0   = 2
	CE     = 3
)

// Class is the interpretation of one codepoint.
type Class int

const (
	ClassUnsupported Class = iota // Not-ECT: the path does not mark
	ClassCapable                  // ECT(0) / ECT(1): capable, no congestion
	ClassCongested                // CE: congestion experienced
)

func (c Class) String() string {
	switch c {
	case ClassCapable:
		return "capable"
	case ClassCongested:
		return "congested"
	default:
		return "unsupported"
	}
}

// Classify maps a codepoint to its class. ok is false outside 0..3.
func Classify(bits int) (Class, bool) {
	switch bits {
	case NotECT:
		return ClassUnsupported, true
	case ECT0, ECT1:
		return ClassCapable, true
	case CE:
		return ClassCongested, true
	default:
		return ClassUnsupported, false
	}
}

// Config holds the estimator constants.
type Config struct {
	DecayFactor      float64       // multiplier applied on CE
	MinimumBandwidth float64       // floor, bits per second
	RampUpSpeed      float64       // baseline after a reset, bits per second
	RampUpScale      float64       // increment = (1+scale) * RampUpSpeed
	Capacity         int           // ring of recent estimates
	StaleAfter       time.Duration // gap that resets the state
	SendInterval     time.Duration // minimum time between upstream reports
}

// DefaultConfig returns the standard constants.
func DefaultConfig() Config {
	return Config{
		DecayFactor:      0.9,
		MinimumBandwidth: 50000,
		RampUpSpeed:      200000,
		RampUpScale:      0.2,
		Capacity:         3,
		StaleAfter:       100 * time.Millisecond,
		SendInterval:     5 * time.Second,
	}
}

// Increment is the amount added for every capable sample.
func (c Config) Increment() float64 {
	return (1 + c.RampUpScale) * c.RampUpSpeed
}

// Status is a snapshot of the estimator.
type Status struct {
	Bandwidth   float64                // running mean over the ring
	Estimate    float64                // latest estimate
	Bits        int                    // codepoint of the sample that produced this status
	Class       Class                  // its classification
	SampleStart *timestamppb.Timestamp // start of the current reporting window
	SampleEnd   *timestamppb.Timestamp
	Elapsed     *durationpb.Duration
	NumCE       int64
	NumPackets  int64
}

// Estimator is safe for concurrent use.
type Estimator struct {
	cfg Config
	now func() time.Time
	log zerolog.Logger

	mu          sync.Mutex
	estimate    float64
	ring        []float64
	idx         int
	size        int
	mean        float64
	lastUpdate  time.Time
	windowStart time.Time
	numCE       int64
	numPackets  int64
}

// Option configures an Estimator.
type Option func(*Estimator)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Estimator) { e.now = now }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Estimator) { e.log = l }
}

// NewEstimator creates an estimator. Zero fields in cfg take their defaults.
func NewEstimator(cfg Config, opts ...Option) *Estimator {
	def := DefaultConfig()
	if cfg.DecayFactor <= 0 || cfg.DecayFactor >= 1 {
		cfg.DecayFactor = def.DecayFactor
	}
	if cfg.MinimumBandwidth <= 0 {
		cfg.MinimumBandwidth = def.MinimumBandwidth
	}
	if cfg.RampUpSpeed <= 0 {
		cfg.RampUpSpeed = def.RampUpSpeed
	}
	if cfg.RampUpScale <= 0 {
		cfg.RampUpScale = def.RampUpScale
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if cfg.SendInterval <= 0 {
		cfg.SendInterval = def.SendInterval
	}

	e := &Estimator{
		cfg:  cfg,
		now:  time.Now,
		log:  logging.For("bandwidth"),
		ring: make([]float64, cfg.Capacity),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.windowStart = e.now()
	return e
}

// Config returns the effective configuration.
func (e *Estimator) Config() Config {
	return e.cfg
}

// Update feeds one codepoint. It returns nil for values outside 0..3.
func (e *Estimator) Update(bits int) *Status {
	class, ok := Classify(bits)
	if !ok {
		e.log.Warn().Int("bits", bits).Msg("invalid ECN codepoint")
		return nil
	}

	now := e.now()
	e.mu.Lock()
	defer e.mu.Unlock()

	switch {
	case e.lastUpdate.IsZero():
		// 第一個樣本：視窗從建立時開始
		e.resetBaselineLocked()
	case now.Sub(e.lastUpdate) > e.cfg.StaleAfter:
		e.resetLocked(now)
	}
	e.lastUpdate = now
	e.numPackets++

	switch class {
	case ClassCongested:
		e.numCE++
		e.estimate *= e.cfg.DecayFactor
		if e.estimate < e.cfg.MinimumBandwidth {
			e.estimate = e.cfg.MinimumBandwidth
		}
		e.pushLocked(e.estimate)
	case ClassCapable:
		e.estimate += e.cfg.Increment()
		e.pushLocked(e.estimate)
	default:
		e.log.Debug().Int("bits", bits).Msg("unsupported ECN codepoint, path does not mark")
	}

	return e.statusLocked(now, bits, class)
}

// resetLocked drops everything learned before a staleness gap: the
// estimate returns to the ramp-up baseline and a new reporting window
// opens at now with empty counters.
func (e *Estimator) resetLocked(now time.Time) {
	e.resetBaselineLocked()
	e.windowStart = now
	e.numCE = 0
	e.numPackets = 0
}

// resetBaselineLocked restores the ramp-up baseline. The baseline stands in
// as the mean until the first estimate lands in the emptied ring.
func (e *Estimator) resetBaselineLocked() {
	e.estimate = e.cfg.RampUpSpeed
	for i := range e.ring {
		e.ring[i] = 0
	}
	e.idx, e.size = 0, 0
	e.mean = e.cfg.RampUpSpeed
}

// pushLocked inserts v into the ring and updates the running mean.
func (e *Estimator) pushLocked(v float64) {
	if e.size < len(e.ring) {
		e.size++
		if e.size == 1 {
			e.mean = v
		} else {
			e.mean += (v - e.mean) / float64(e.size)
		}
	} else {
		old := e.ring[e.idx]
		e.mean += (v - old) / float64(len(e.ring))
	}
	e.ring[e.idx] = v
	e.idx = (e.idx + 1) % len(e.ring)
}

func (e *Estimator) statusLocked(now time.Time, bits int, class Class) *Status {
	return &Status{
		Bandwidth:   e.mean,
		Estimate:    e.estimate,
		Bits:        bits,
		Class:       class,
		SampleStart: timestamppb.New(e.windowStart),
		SampleEnd:   timestamppb.New(now),
		Elapsed:     durationpb.New(now.Sub(e.windowStart)),
		NumCE:       e.numCE,
		NumPackets:  e.numPackets,
	}
}

// Snapshot returns the current state without feeding a sample.
func (e *Estimator) Snapshot() *Status {
	now := e.now()
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.statusLocked(now, -1, ClassUnsupported)
}

// ShouldSend reports whether a status may be emitted upstream.
func (e *Estimator) ShouldSend() bool {
	now := e.now()
	e.mu.Lock()
	defer e.mu.Unlock()
	return now.Sub(e.windowStart) >= e.cfg.SendInterval
}

// ResetSendTimer starts a new reporting window and clears its counters.
func (e *Estimator) ResetSendTimer() {
	now := e.now()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.windowStart = now
	e.numCE = 0
	e.numPackets = 0
}
