package selector

import (
	"fmt"
	"strings"
	"time"

	"github.com/ChuLiYu/edge-session/internal/dme"
	"github.com/ChuLiYu/edge-session/internal/ranker"
	"github.com/ChuLiYu/edge-session/pkg/types"
)

// Mode selects how FindCloudlet chooses an instance.
type Mode int

const (
	// ModeProximity trusts the DME's nearest-instance answer.
	ModeProximity Mode = iota
	// ModePerformance ranks every listed instance by measured latency.
	ModePerformance
)

func (m Mode) String() string {
	switch m {
	case ModePerformance:
		return "performance"
	default:
		return "proximity"
	}
}

// ParseMode parses "proximity" or "performance".
func ParseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "proximity":
		return ModeProximity, nil
	case "performance":
		return ModePerformance, nil
	default:
		return ModeProximity, fmt.Errorf("unknown find mode %q", raw)
	}
}

func (m Mode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *Mode) UnmarshalText(b []byte) error {
	v, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// Trigger names why a discovery was started.
type Trigger int

const (
	TriggerNone Trigger = iota
	TriggerAppInstHealthChanged
	TriggerCloudletStateChanged
	TriggerCloudletMaintenanceStateChanged
	TriggerLatencyTooHigh
	TriggerCloserCloudlet
	TriggerError
)

var triggerNames = []string{
	"none",
	"app-inst-health-changed",
	"cloudlet-state-changed",
	"cloudlet-maintenance-state-changed",
	"latency-too-high",
	"closer-cloudlet",
	"error",
}

func (t Trigger) String() string {
	if t >= 0 && int(t) < len(triggerNames) {
		return triggerNames[t]
	}
	return fmt.Sprintf("trigger(%d)", int(t))
}

// ParseTrigger parses the names returned by Trigger.String.
func ParseTrigger(raw string) (Trigger, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	for i, name := range triggerNames {
		if raw == name {
			return Trigger(i), nil
		}
	}
	return TriggerNone, fmt.Errorf("unknown trigger %q", raw)
}

func (t Trigger) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *Trigger) UnmarshalText(b []byte) error {
	v, err := ParseTrigger(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// AllTriggers returns every trigger that can start a re-discovery.
func AllTriggers() []Trigger {
	return []Trigger{
		TriggerAppInstHealthChanged,
		TriggerCloudletStateChanged,
		TriggerCloudletMaintenanceStateChanged,
		TriggerLatencyTooHigh,
		TriggerCloserCloudlet,
		TriggerError,
	}
}

// Outcome is the definite result of a discovery.
type Outcome int

const (
	OutcomeFound Outcome = iota
	OutcomeNotFound
	OutcomeNoBetterCandidate
)

func (o Outcome) String() string {
	switch o {
	case OutcomeFound:
		return "found"
	case OutcomeNotFound:
		return "not_found"
	case OutcomeNoBetterCandidate:
		return "no_better_candidate"
	default:
		return "unknown"
	}
}

// RegisterRequest identifies the application to the DME.
type RegisterRequest struct {
	App          types.AppIdentity
	AuthToken    string
	UniqueIDType string
	UniqueID     string
	CellID       uint32
	Tags         map[string]string
}

// Request describes one discovery.
type Request struct {
	Location        *types.Location
	CarrierName     string
	Mode            Mode
	Timeout         time.Duration
	MaxLatency      time.Duration // performance mode: best average must be below this (0 disables the gate)
	Parallel        bool
	UseOfficialFqdn bool
	AutoMigrate     *bool // nil uses the selector default
	Trigger         Trigger
}

// Result is what a discovery produced.
type Result struct {
	Outcome          Outcome
	Mode             Mode
	Trigger          Trigger
	Instance         types.Instance
	EdgeEventsCookie string
	Official         bool // adopted through the official FQDN fast path
	Reply            *dme.FindCloudletReply
	Best             *ranker.Candidate
	Ranking          *ranker.Outcome
	Elapsed          time.Duration
}

// Notifier is told about every newly published instance.
type Notifier interface {
	CloudletSelected(res Result, autoMigrate bool)
}
