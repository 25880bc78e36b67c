package ranker

import (
	"fmt"
	"math"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ChuLiYu/edge-session/pkg/types"
)

// DefaultCapacity is the number of samples a Candidate keeps.
const DefaultCapacity = 5

// TestType selects how a Candidate is probed.
type TestType int

const (
	// TestConnect opens and closes a connection (HTTP GET when an L7 path is set).
	TestConnect TestType = iota
	// TestPing sends an ICMP echo request.
	TestPing
)

func (t TestType) String() string {
	if t == TestPing {
		return "ping"
	}
	return "connect"
}

// ParseTestType accepts "connect" or "ping".
func ParseTestType(raw string) (TestType, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "connect":
		return TestConnect, nil
	case "ping":
		return TestPing, nil
	default:
		return TestConnect, fmt.Errorf("unknown latency test type %q", raw)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (t TestType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *TestType) UnmarshalText(b []byte) error {
	v, err := ParseTestType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// TestFor maps a port protocol to the probe used for it.
func TestFor(proto types.LProto) TestType {
	if proto == types.ProtoUDP {
		return TestPing
	}
	return TestConnect
}

// ProbeResult is the outcome of the most recent probe.
type ProbeResult struct {
	Duration time.Duration
	Err      error
	At       time.Time
}

// OK reports whether the probe succeeded.
func (r ProbeResult) OK() bool {
	return !r.At.IsZero() && r.Err == nil
}

// Candidate is one endpoint under evaluation. Samples live in a fixed-size
// ring; the oldest sample is overwritten once the ring is full.
type Candidate struct {
	Host     string
	Port     int
	Proto    types.LProto
	Test     TestType
	L7Path   string
	TLS      bool
	Instance *types.Instance // instance the endpoint belongs to, if any
	AppPort  types.AppPort

	mu      sync.Mutex
	samples []time.Duration
	next    int
	size    int
	avg     time.Duration
	stddev  time.Duration
	last    ProbeResult
}

// NewCandidate creates a candidate with a ring of the given capacity
// (DefaultCapacity when capacity <= 0).
func NewCandidate(host string, port int, test TestType, capacity int) *Candidate {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	proto := types.ProtoTCP
	if test == TestPing {
		proto = types.ProtoUDP
	}
	return &Candidate{
		Host:    host,
		Port:    port,
		Proto:   proto,
		Test:    test,
		samples: make([]time.Duration, capacity),
	}
}

// FromInstance builds a candidate for the preferred port of inst.
func FromInstance(inst types.Instance, capacity int) (*Candidate, bool) {
	port, ok := inst.PreferredPort()
	if !ok {
		return nil, false
	}
	c := NewCandidate(inst.Host(port), int(port.PublicPort), TestFor(port.Proto), capacity)
	c.Proto = port.Proto
	c.TLS = port.TLS
	c.AppPort = port
	if port.Proto == types.ProtoHTTP {
		c.L7Path = "/" + strings.TrimPrefix(port.PathPrefix, "/")
	}
	instCopy := inst
	c.Instance = &instCopy
	return c, true
}

// Address returns host:port.
func (c *Candidate) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c *Candidate) String() string {
	if c.L7Path != "" {
		return c.Address() + c.L7Path
	}
	return c.Address()
}

// SameEndpoint reports whether o probes the same endpoint as c.
func (c *Candidate) SameEndpoint(o *Candidate) bool {
	if c.L7Path != "" && o.L7Path != "" {
		return c.Host == o.Host && c.Port == o.Port && c.L7Path == o.L7Path
	}
	return c.Host == o.Host && c.Port == o.Port
}

// Capacity returns the ring size.
func (c *Candidate) Capacity() int {
	return len(c.samples)
}

// AddSample records a successful probe duration and refreshes the statistics.
func (c *Candidate) AddSample(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.samples[c.next] = d
	c.next = (c.next + 1) % len(c.samples)
	if c.size < len(c.samples) {
		c.size++
	}
	c.recalculate()
}

func (c *Candidate) recalculate() {
	n := float64(c.size)
	var sum float64
	for i := 0; i < c.size; i++ {
		sum += float64(c.samples[i])
	}
	mean := sum / n
	c.avg = time.Duration(math.Round(mean))

	if c.size < 2 {
		c.stddev = 0
		return
	}
	var sq float64
	for i := 0; i < c.size; i++ {
		diff := float64(c.samples[i]) - mean
		sq += diff * diff
	}
	c.stddev = time.Duration(math.Round(math.Sqrt(sq / (n - 1))))
}

// Average is the mean of the retained samples; zero without samples.
func (c *Candidate) Average() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.avg
}

// StdDev is the sample standard deviation of the retained samples.
func (c *Candidate) StdDev() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stddev
}

// SampleCount returns the number of retained samples.
func (c *Candidate) SampleCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// Samples returns the retained samples, oldest first.
func (c *Candidate) Samples() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]time.Duration, 0, c.size)
	start := 0
	if c.size == len(c.samples) {
		start = c.next
	}
	for i := 0; i < c.size; i++ {
		out = append(out, c.samples[(start+i)%len(c.samples)])
	}
	return out
}

// LastResult returns the most recent probe outcome.
func (c *Candidate) LastResult() ProbeResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// record stores a probe outcome, adding a sample on success.
func (c *Candidate) record(d time.Duration, err error) {
	c.mu.Lock()
	c.last = ProbeResult{Duration: d, Err: err, At: time.Now()}
	c.mu.Unlock()
	if err == nil {
		c.AddSample(d)
	}
}
