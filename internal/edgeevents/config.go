package edgeevents

import (
	"fmt"
	"strings"
	"time"

	"github.com/ChuLiYu/edge-session/internal/ranker"
	"github.com/ChuLiYu/edge-session/internal/selector"
)

// UpdatePattern says when a monitoring signal is sent.
type UpdatePattern int

const (
	// OnStart fires once when monitoring starts.
	OnStart UpdatePattern = iota
	// OnTrigger fires only in response to events (location changes, latency requests).
	OnTrigger
	// OnInterval fires periodically through the scheduler.
	OnInterval
)

func (p UpdatePattern) String() string {
	switch p {
	case OnStart:
		return "onStart"
	case OnTrigger:
		return "onTrigger"
	case OnInterval:
		return "onInterval"
	default:
		return fmt.Sprintf("pattern(%d)", int(p))
	}
}

// ParseUpdatePattern accepts onStart, onTrigger and onInterval in any case.
func ParseUpdatePattern(raw string) (UpdatePattern, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "onstart", "start":
		return OnStart, nil
	case "ontrigger", "trigger", "":
		return OnTrigger, nil
	case "oninterval", "interval":
		return OnInterval, nil
	default:
		return OnTrigger, fmt.Errorf("unknown update pattern %q", raw)
	}
}

func (p UpdatePattern) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *UpdatePattern) UnmarshalText(b []byte) error {
	v, err := ParseUpdatePattern(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// UpdateConfig controls one monitoring signal.
type UpdateConfig struct {
	Pattern         UpdatePattern `yaml:"pattern" toml:"pattern"`
	IntervalSeconds float64       `yaml:"interval_seconds" toml:"interval_seconds"`
	MaxExecutions   int64         `yaml:"max_executions" toml:"max_executions"` // 0 = unbounded
}

// Config controls the edge event connection.
type Config struct {
	Enabled          bool
	LocationAllowed  bool
	AutoMigrate      bool
	LatencyPort      int32           // internal port to probe; 0 = first port
	LatencyTest      ranker.TestType // connect or ping
	LatencySamples   int
	LatencyThreshold time.Duration // averages at or above this request a re-discovery
	DiscoveryMode    selector.Mode
	DiscoveryTimeout time.Duration
	Triggers         []selector.Trigger
	Location         UpdateConfig
	Latency          UpdateConfig
	OpenTimeout      time.Duration
	CloseGrace       time.Duration
	ReconnectDelay   time.Duration // pause before reconnecting after the server ends the stream
}

// DefaultConfig mirrors the stock monitoring setup: both signals every 30s,
// a 50ms latency trigger and every re-discovery trigger enabled.
func DefaultConfig() Config {
	return Config{
		Enabled:          true,
		LocationAllowed:  true,
		AutoMigrate:      true,
		LatencyTest:      ranker.TestConnect,
		LatencySamples:   ranker.DefaultCapacity,
		LatencyThreshold: 50 * time.Millisecond,
		DiscoveryMode:    selector.ModePerformance,
		DiscoveryTimeout: 10 * time.Second,
		Triggers:         selector.AllTriggers(),
		Location:         UpdateConfig{Pattern: OnInterval, IntervalSeconds: 30},
		Latency:          UpdateConfig{Pattern: OnInterval, IntervalSeconds: 30},
		OpenTimeout:      10 * time.Second,
		CloseGrace:       5 * time.Second,
		ReconnectDelay:   time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.LatencySamples <= 0 {
		c.LatencySamples = d.LatencySamples
	}
	if c.DiscoveryTimeout <= 0 {
		c.DiscoveryTimeout = d.DiscoveryTimeout
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = d.OpenTimeout
	}
	if c.CloseGrace <= 0 {
		c.CloseGrace = d.CloseGrace
	}
	if c.ReconnectDelay < 0 {
		c.ReconnectDelay = 0
	}
	return c
}

// TriggerEnabled reports whether t may start a re-discovery. TriggerNone
// (caller initiated) is always allowed.
func (c Config) TriggerEnabled(t selector.Trigger) bool {
	if t == selector.TriggerNone {
		return true
	}
	for _, allowed := range c.Triggers {
		if allowed == t {
			return true
		}
	}
	return false
}
