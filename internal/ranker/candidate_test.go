package ranker

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/edge-session/pkg/types"
)

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// reference statistics over a plain slice
func meanStd(samples []time.Duration) (time.Duration, time.Duration) {
	var sum float64
	for _, s := range samples {
		sum += float64(s)
	}
	mean := sum / float64(len(samples))
	if len(samples) < 2 {
		return time.Duration(math.Round(mean)), 0
	}
	var sq float64
	for _, s := range samples {
		sq += (float64(s) - mean) * (float64(s) - mean)
	}
	return time.Duration(math.Round(mean)), time.Duration(math.Round(math.Sqrt(sq / float64(len(samples)-1))))
}

func TestCandidateSingleSample(t *testing.T) {
	c := NewCandidate("a", 80, TestConnect, 5)
	c.AddSample(ms(42))

	assert.Equal(t, 1, c.SampleCount())
	assert.Equal(t, ms(42), c.Average())
	assert.Equal(t, time.Duration(0), c.StdDev())
}

func TestCandidateStatistics(t *testing.T) {
	c := NewCandidate("a", 80, TestConnect, 5)
	for _, d := range []time.Duration{ms(10), ms(20), ms(30)} {
		c.AddSample(d)
	}

	assert.Equal(t, ms(20), c.Average())
	assert.Equal(t, ms(10), c.StdDev())
}

func TestCandidateRingOverwritesOldest(t *testing.T) {
	feed := []time.Duration{ms(5), ms(100), ms(7), ms(12), ms(3), ms(250), ms(40), ms(9)}

	for _, capacity := range []int{1, 3, 5} {
		c := NewCandidate("a", 80, TestConnect, capacity)
		for n := 1; n <= len(feed); n++ {
			c.AddSample(feed[n-1])

			keep := n
			if keep > capacity {
				keep = capacity
			}
			window := feed[n-keep : n]
			wantAvg, wantStd := meanStd(window)

			require.Equal(t, keep, c.SampleCount(), "capacity=%d n=%d", capacity, n)
			assert.Equal(t, window, c.Samples(), "capacity=%d n=%d", capacity, n)
			assert.Equal(t, wantAvg, c.Average(), "capacity=%d n=%d", capacity, n)
			assert.Equal(t, wantStd, c.StdDev(), "capacity=%d n=%d", capacity, n)
		}
	}
}

func TestCandidateDefaultCapacity(t *testing.T) {
	c := NewCandidate("a", 80, TestConnect, 0)
	assert.Equal(t, DefaultCapacity, c.Capacity())
}

func TestCandidateRecordFailureAddsNoSample(t *testing.T) {
	c := NewCandidate("a", 80, TestConnect, 5)
	c.record(0, assert.AnError)

	assert.Equal(t, 0, c.SampleCount())
	last := c.LastResult()
	assert.False(t, last.OK())
	assert.ErrorIs(t, last.Err, assert.AnError)

	c.record(ms(3), nil)
	assert.Equal(t, 1, c.SampleCount())
	assert.True(t, c.LastResult().OK())
}

func TestSameEndpoint(t *testing.T) {
	a := NewCandidate("host", 80, TestConnect, 5)
	b := NewCandidate("host", 80, TestPing, 5)
	c := NewCandidate("host", 81, TestConnect, 5)

	assert.True(t, a.SameEndpoint(b))
	assert.False(t, a.SameEndpoint(c))

	a.L7Path, b.L7Path = "/x", "/y"
	assert.False(t, a.SameEndpoint(b))
}

func TestFromInstancePrefersTCP(t *testing.T) {
	inst := types.Instance{
		FQDN: "app.cloudlet.example",
		Ports: []types.AppPort{
			{Proto: types.ProtoUDP, InternalPort: 2016, PublicPort: 2016},
			{Proto: types.ProtoTCP, InternalPort: 8008, PublicPort: 10000, FqdnPrefix: "svc-"},
		},
	}

	c, ok := FromInstance(inst, 3)
	require.True(t, ok)
	assert.Equal(t, "svc-app.cloudlet.example", c.Host)
	assert.Equal(t, 10000, c.Port)
	assert.Equal(t, TestConnect, c.Test)
	assert.Equal(t, 3, c.Capacity())
	require.NotNil(t, c.Instance)
	assert.Equal(t, inst.FQDN, c.Instance.FQDN)
}

func TestFromInstanceUDPAndHTTP(t *testing.T) {
	udp := types.Instance{FQDN: "u", Ports: []types.AppPort{{Proto: types.ProtoUDP, PublicPort: 53}}}
	c, ok := FromInstance(udp, 0)
	require.True(t, ok)
	assert.Equal(t, TestPing, c.Test)

	web := types.Instance{FQDN: "w", Ports: []types.AppPort{{Proto: types.ProtoHTTP, PublicPort: 8080, PathPrefix: "health"}}}
	c, ok = FromInstance(web, 0)
	require.True(t, ok)
	assert.Equal(t, "/health", c.L7Path)

	_, ok = FromInstance(types.Instance{FQDN: "none"}, 0)
	assert.False(t, ok)
}

func TestParseTestType(t *testing.T) {
	tt, err := ParseTestType("PING")
	require.NoError(t, err)
	assert.Equal(t, TestPing, tt)

	tt, err = ParseTestType("")
	require.NoError(t, err)
	assert.Equal(t, TestConnect, tt)

	_, err = ParseTestType("traceroute")
	assert.Error(t, err)
}
