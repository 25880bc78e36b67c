package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/edge-session/internal/dme"
	"github.com/ChuLiYu/edge-session/internal/edgeerr"
	"github.com/ChuLiYu/edge-session/internal/edgeevents"
	"github.com/ChuLiYu/edge-session/internal/ranker"
	"github.com/ChuLiYu/edge-session/internal/selector"
	"github.com/ChuLiYu/edge-session/pkg/types"
)

const sampleYAML = `
app:
  org_name: acme
  app_name: racer
  app_version: "2.1"
dme:
  carrier_id: "262-01"
discovery:
  mode: proximity
  timeout: 3s
  max_latency: 80ms
  location:
    latitude: 52.52
    longitude: 13.405
edge_events:
  latency_threshold: 40ms
  latency_test: ping
  triggers: [latency-too-high, closer-cloudlet]
  latency_update:
    pattern: onStart
  location_update:
    pattern: onInterval
    interval_seconds: 15
    max_executions: 4
logging:
  level: debug
`

const sampleTOML = `
[app]
org_name = "acme"
app_name = "racer"
app_version = "2.1"

[dme]
host = "dme.local"
port = 50052
tls = true

[discovery]
timeout = "4s"
parallel = true

[edge_events]
reconnect_delay = "250ms"

[edge_events.latency_update]
pattern = "onTrigger"

[[mock_dme.deployments]]
cloudlet = "munich"
carrier = "TDG"
fqdn = "munich.example.net"
latitude = 48.137
longitude = 11.575

[[mock_dme.deployments.ports]]
proto = "tcp"
internal_port = 8080
public_port = 18080
`

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, dme.DefaultPort, cfg.DME.Port)
	assert.Equal(t, 10*time.Second, cfg.Discovery.Timeout)
	assert.Equal(t, 5, cfg.Discovery.Samples)
	assert.Equal(t, 2*time.Second, cfg.Discovery.ProbeTimeout)
	assert.Equal(t, 50*time.Millisecond, cfg.EdgeEvents.LatencyThreshold)
	assert.Equal(t, edgeevents.OnInterval, cfg.EdgeEvents.LocationUpdate.Pattern)
	assert.Equal(t, 30.0, cfg.EdgeEvents.LatencyUpdate.IntervalSeconds)
	assert.Equal(t, time.Second, cfg.EdgeEvents.ReconnectDelay)
	assert.Equal(t, 10*time.Second, cfg.EdgeEvents.OpenTimeout)
	assert.Equal(t, 5*time.Second, cfg.EdgeEvents.CloseGrace)
	assert.Equal(t, 9090, cfg.Metrics.Port)

	// 缺少應用識別
	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, edgeerr.ErrConfiguration))
}

func TestParseYAML(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML), ".yaml")
	require.NoError(t, err)

	assert.Equal(t, types.AppIdentity{OrgName: "acme", AppName: "racer", AppVersion: "2.1"}, cfg.Identity())
	assert.Equal(t, "262-01.dme.mobiledgex.net", cfg.DMEHost())
	assert.Equal(t, dme.DefaultPort, cfg.DME.Port)
	assert.Equal(t, selector.ModeProximity, cfg.Discovery.Mode)
	assert.Equal(t, 3*time.Second, cfg.Discovery.Timeout)
	assert.Equal(t, 80*time.Millisecond, cfg.Discovery.MaxLatency)
	assert.Equal(t, 52.52, cfg.Location().Latitude)

	ee := cfg.EdgeEventsConfig()
	assert.Equal(t, 40*time.Millisecond, ee.LatencyThreshold)
	assert.Equal(t, ranker.TestPing, ee.LatencyTest)
	assert.Equal(t, []selector.Trigger{selector.TriggerLatencyTooHigh, selector.TriggerCloserCloudlet}, ee.Triggers)
	assert.Equal(t, edgeevents.OnStart, ee.Latency.Pattern)
	assert.Equal(t, edgeevents.UpdateConfig{Pattern: edgeevents.OnInterval, IntervalSeconds: 15, MaxExecutions: 4}, ee.Location)
	assert.Equal(t, selector.ModeProximity, ee.DiscoveryMode)
	assert.True(t, ee.Enabled)

	assert.Equal(t, "debug", cfg.LoggingOptions().Level)
	assert.Equal(t, "racer", cfg.LoggingOptions().App)
}

func TestParseTOML(t *testing.T) {
	cfg, err := Parse([]byte(sampleTOML), ".toml")
	require.NoError(t, err)

	assert.Equal(t, "dme.local", cfg.DMEHost())
	assert.Equal(t, 50052, cfg.DME.Port)
	assert.True(t, cfg.DME.TLS)
	assert.Equal(t, 4*time.Second, cfg.Discovery.Timeout)
	assert.True(t, cfg.Discovery.Parallel)
	assert.Equal(t, 250*time.Millisecond, cfg.EdgeEvents.ReconnectDelay)
	assert.Equal(t, edgeevents.OnTrigger, cfg.EdgeEvents.LatencyUpdate.Pattern)
	// 未設定的欄位保留預設值
	assert.Equal(t, selector.ModePerformance, cfg.Discovery.Mode)

	srv := cfg.MockDMEServer("ignored", 0)
	require.Len(t, srv.Deployments, 1)
	d := srv.Deployments[0]
	assert.Equal(t, "munich", d.Cloudlet)
	require.Len(t, d.Ports, 1)
	assert.Equal(t, types.ProtoTCP, d.Ports[0].Proto)
	assert.Equal(t, int32(18080), d.Ports[0].PublicPort)
}

func TestParseRejects(t *testing.T) {
	cases := []struct {
		name string
		data string
		ext  string
	}{
		{"unknown format", "app: {}", ".json"},
		{"unknown yaml key", sampleYAML + "\nbogus: 1\n", ".yaml"},
		{"unknown toml key", sampleTOML + "\n[extra]\nkey = 1\n", ".toml"},
		{"bad mode", "app: {org_name: a, app_name: b, app_version: c}\ndiscovery: {mode: fastest}\n", ".yml"},
		{"zero timeout", "app: {org_name: a, app_name: b, app_version: c}\ndiscovery: {timeout: 0s}\n", ".yaml"},
		{"bad port", "app: {org_name: a, app_name: b, app_version: c}\ndme: {port: 70000}\n", ".yaml"},
		{"interval too long", "app: {org_name: a, app_name: b, app_version: c}\nedge_events: {location_update: {interval_seconds: 100000}}\n", ".yaml"},
		{"interval nan", "app: {org_name: a, app_name: b, app_version: c}\nedge_events: {latency_update: {interval_seconds: .nan}}\n", ".yaml"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.data), tc.ext)
			require.Error(t, err)
			assert.True(t, errors.Is(err, edgeerr.ErrConfiguration))
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "edge.toml")
	require.NoError(t, os.WriteFile(path, []byte(sampleTOML), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "racer", cfg.App.AppName)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestConversions(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML), ".yaml")
	require.NoError(t, err)

	sel := cfg.Selector()
	assert.True(t, sel.DiscoveryEnabled)
	assert.True(t, sel.LocationAllowed)
	assert.Equal(t, 5, sel.RingCapacity)

	req := cfg.Request(cfg.Location())
	require.NotNil(t, req.Location)
	assert.Equal(t, 13.405, req.Location.Longitude)
	assert.Equal(t, 80*time.Millisecond, req.MaxLatency)

	reg := cfg.RegisterRequest()
	assert.Equal(t, "acme", reg.App.OrgName)

	mock := cfg.MockDMEServer("app.example.net", 7777)
	assert.Len(t, mock.Deployments, 3)
	assert.Equal(t, "app.example.net", mock.OfficialFqdn)
}
