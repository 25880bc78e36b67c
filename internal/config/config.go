// ============================================================================
// Edge Session 設定檔
// ============================================================================
//
// Package: internal/config
// 文件: config.go
// 功能: 載入 YAML / TOML 設定檔，並轉換為各元件的設定結構
//
// 格式依副檔名決定:
//   .yaml / .yml → gopkg.in/yaml.v3
//   .toml        → github.com/BurntSushi/toml
//
// 時間欄位使用 Go duration 字串（例如 "5s"、"250ms"）。
//
// ============================================================================

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/edge-session/internal/dme"
	"github.com/ChuLiYu/edge-session/internal/dmeserver"
	"github.com/ChuLiYu/edge-session/internal/edgeerr"
	"github.com/ChuLiYu/edge-session/internal/edgeevents"
	"github.com/ChuLiYu/edge-session/internal/logging"
	"github.com/ChuLiYu/edge-session/internal/ranker"
	"github.com/ChuLiYu/edge-session/internal/scheduler"
	"github.com/ChuLiYu/edge-session/internal/selector"
	"github.com/ChuLiYu/edge-session/pkg/types"
)

// Config is the complete engine configuration.
type Config struct {
	App        AppConfig        `yaml:"app" toml:"app"`
	DME        DMEConfig        `yaml:"dme" toml:"dme"`
	Discovery  DiscoveryConfig  `yaml:"discovery" toml:"discovery"`
	EdgeEvents EdgeEventsConfig `yaml:"edge_events" toml:"edge_events"`
	Logging    LoggingConfig    `yaml:"logging" toml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics" toml:"metrics"`
	Session    SessionConfig    `yaml:"session" toml:"session"`
	MockDME    MockDMEConfig    `yaml:"mock_dme" toml:"mock_dme"`
}

// AppConfig identifies the registered application.
type AppConfig struct {
	OrgName      string `yaml:"org_name" toml:"org_name"`
	AppName      string `yaml:"app_name" toml:"app_name"`
	AppVersion   string `yaml:"app_version" toml:"app_version"`
	AuthToken    string `yaml:"auth_token" toml:"auth_token"`
	UniqueIDType string `yaml:"unique_id_type" toml:"unique_id_type"`
	UniqueID     string `yaml:"unique_id" toml:"unique_id"`
}

// DMEConfig locates the DME.
type DMEConfig struct {
	Host      string `yaml:"host" toml:"host"`             // empty derives the host from CarrierID
	Port      int    `yaml:"port" toml:"port"`             // gRPC port
	CarrierID string `yaml:"carrier_id" toml:"carrier_id"` // "mcc-mnc"
	TLS       bool   `yaml:"tls" toml:"tls"`
}

// LocationConfig is a device position.
type LocationConfig struct {
	Latitude  float64 `yaml:"latitude" toml:"latitude"`
	Longitude float64 `yaml:"longitude" toml:"longitude"`
}

// DiscoveryConfig drives the cloudlet selector.
type DiscoveryConfig struct {
	Enabled         bool           `yaml:"enabled" toml:"enabled"`
	LocationAllowed bool           `yaml:"location_allowed" toml:"location_allowed"`
	Mode            selector.Mode  `yaml:"mode" toml:"mode"`
	CarrierName     string         `yaml:"carrier_name" toml:"carrier_name"`
	Timeout         time.Duration  `yaml:"timeout" toml:"timeout"`
	MaxLatency      time.Duration  `yaml:"max_latency" toml:"max_latency"`
	Parallel        bool           `yaml:"parallel" toml:"parallel"`
	UseOfficialFqdn bool           `yaml:"use_official_fqdn" toml:"use_official_fqdn"`
	AutoMigrate     bool           `yaml:"auto_migrate" toml:"auto_migrate"`
	Samples         int            `yaml:"samples" toml:"samples"`
	ProbeTimeout    time.Duration  `yaml:"probe_timeout" toml:"probe_timeout"`
	Location        LocationConfig `yaml:"location" toml:"location"`
}

// EdgeEventsConfig drives the edge event connection.
type EdgeEventsConfig struct {
	Enabled          bool                    `yaml:"enabled" toml:"enabled"`
	LatencyPort      int32                   `yaml:"latency_port" toml:"latency_port"`
	LatencyTest      ranker.TestType         `yaml:"latency_test" toml:"latency_test"`
	LatencyThreshold time.Duration           `yaml:"latency_threshold" toml:"latency_threshold"`
	Triggers         []selector.Trigger      `yaml:"triggers" toml:"triggers"`
	LocationUpdate   edgeevents.UpdateConfig `yaml:"location_update" toml:"location_update"`
	LatencyUpdate    edgeevents.UpdateConfig `yaml:"latency_update" toml:"latency_update"`
	ReconnectDelay   time.Duration           `yaml:"reconnect_delay" toml:"reconnect_delay"`
	OpenTimeout      time.Duration           `yaml:"open_timeout" toml:"open_timeout"`
	CloseGrace       time.Duration           `yaml:"close_grace" toml:"close_grace"`
}

// LoggingConfig sets up the root logger.
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Pretty bool   `yaml:"pretty" toml:"pretty"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" toml:"enabled"`
	Port    int  `yaml:"port" toml:"port"`
}

// SessionConfig controls session persistence.
type SessionConfig struct {
	Path string `yaml:"path" toml:"path"` // empty disables persistence
}

// MockDMEConfig configures the reference DME served by mock-dme.
type MockDMEConfig struct {
	Listen         string                 `yaml:"listen" toml:"listen"`
	Deployments    []dmeserver.Deployment `yaml:"deployments" toml:"deployments"`
	OfficialFqdn   string                 `yaml:"official_fqdn" toml:"official_fqdn"`
	OfficialPorts  []types.AppPort        `yaml:"official_ports" toml:"official_ports"`
	TokenServerURI string                 `yaml:"token_server_uri" toml:"token_server_uri"`
	VerifyToken    string                 `yaml:"verify_token" toml:"verify_token"`
	SessionTTL     time.Duration          `yaml:"session_ttl" toml:"session_ttl"`
}

// Default returns the stock configuration. The app identity is left empty
// and must be supplied.
func Default() Config {
	ee := edgeevents.DefaultConfig()
	return Config{
		DME: DMEConfig{Port: dme.DefaultPort},
		Discovery: DiscoveryConfig{
			Enabled:         true,
			LocationAllowed: true,
			Mode:            selector.ModePerformance,
			Timeout:         10 * time.Second,
			AutoMigrate:     true,
			Samples:         ranker.DefaultCapacity,
			ProbeTimeout:    ranker.DefaultProbeTimeout,
		},
		EdgeEvents: EdgeEventsConfig{
			Enabled:          true,
			LatencyTest:      ee.LatencyTest,
			LatencyThreshold: ee.LatencyThreshold,
			Triggers:         ee.Triggers,
			LocationUpdate:   ee.Location,
			LatencyUpdate:    ee.Latency,
			ReconnectDelay:   ee.ReconnectDelay,
			OpenTimeout:      ee.OpenTimeout,
			CloseGrace:       ee.CloseGrace,
		},
		Logging: LoggingConfig{Level: "info"},
		Metrics: MetricsConfig{Port: 9090},
		MockDME: MockDMEConfig{Listen: fmt.Sprintf(":%d", dme.DefaultPort), SessionTTL: 24 * time.Hour},
	}
}

// Load reads path over Default. The format follows the file extension.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data, filepath.Ext(path))
}

// Parse decodes data in the format named by ext (".yaml", ".yml" or ".toml")
// over Default and validates the result.
func Parse(data []byte, ext string) (Config, error) {
	cfg := Default()
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, edgeerr.Configuration("config.Parse", "parse yaml: %v", err)
		}
	case ".toml":
		meta, err := toml.Decode(string(data), &cfg)
		if err != nil {
			return Config{}, edgeerr.Configuration("config.Parse", "parse toml: %v", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return Config{}, edgeerr.Configuration("config.Parse", "unknown toml keys: %v", undecoded)
		}
	default:
		return Config{}, edgeerr.Configuration("config.Parse", "unsupported config format %q", ext)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot work before any I/O happens.
func (c Config) Validate() error {
	const op = "config.Validate"
	if !c.Identity().Complete() {
		return edgeerr.Configuration(op, "app org_name, app_name and app_version are required")
	}
	if c.DME.Port <= 0 || c.DME.Port > 65535 {
		return edgeerr.Configuration(op, "dme.port %d out of range", c.DME.Port)
	}
	if c.Discovery.Timeout <= 0 {
		return edgeerr.Configuration(op, "discovery.timeout must be positive")
	}
	if c.Discovery.ProbeTimeout <= 0 {
		return edgeerr.Configuration(op, "discovery.probe_timeout must be positive")
	}
	if c.Discovery.MaxLatency < 0 {
		return edgeerr.Configuration(op, "discovery.max_latency must not be negative")
	}
	if c.EdgeEvents.OpenTimeout <= 0 || c.EdgeEvents.CloseGrace <= 0 {
		return edgeerr.Configuration(op, "edge_events open_timeout and close_grace must be positive")
	}
	for name, u := range map[string]edgeevents.UpdateConfig{
		"location_update": c.EdgeEvents.LocationUpdate,
		"latency_update":  c.EdgeEvents.LatencyUpdate,
	} {
		v := u.IntervalSeconds
		if math.IsNaN(v) || math.IsInf(v, 0) || v > scheduler.MaxIntervalSeconds {
			return edgeerr.Configuration(op, "edge_events.%s.interval_seconds %v out of range (max %d)", name, v, scheduler.MaxIntervalSeconds)
		}
	}
	if c.EdgeEvents.LatencyThreshold < 0 {
		return edgeerr.Configuration(op, "edge_events.latency_threshold must not be negative")
	}
	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return edgeerr.Configuration(op, "metrics.port %d out of range", c.Metrics.Port)
	}
	return nil
}

// Identity returns the application identity.
func (c Config) Identity() types.AppIdentity {
	return types.AppIdentity{OrgName: c.App.OrgName, AppName: c.App.AppName, AppVersion: c.App.AppVersion}
}

// DMEHost returns the configured host or the one derived from the carrier.
func (c Config) DMEHost() string {
	if h := strings.TrimSpace(c.DME.Host); h != "" {
		return h
	}
	return dme.HostForCarrier(c.DME.CarrierID)
}

// Location returns the configured device location.
func (c Config) Location() types.Location {
	return types.Location{Latitude: c.Discovery.Location.Latitude, Longitude: c.Discovery.Location.Longitude}
}

// RegisterRequest builds the registration request.
func (c Config) RegisterRequest() selector.RegisterRequest {
	return selector.RegisterRequest{
		App:          c.Identity(),
		AuthToken:    c.App.AuthToken,
		UniqueIDType: c.App.UniqueIDType,
		UniqueID:     c.App.UniqueID,
	}
}

// Selector converts the discovery section.
func (c Config) Selector() selector.Config {
	return selector.Config{
		DiscoveryEnabled: c.Discovery.Enabled,
		LocationAllowed:  c.Discovery.LocationAllowed,
		AutoMigrate:      c.Discovery.AutoMigrate,
		RingCapacity:     c.Discovery.Samples,
		Retry:            selector.DefaultRetryConfig(),
	}
}

// Request builds a discovery request for loc.
func (c Config) Request(loc types.Location) selector.Request {
	return selector.Request{
		Location:        &loc,
		CarrierName:     c.Discovery.CarrierName,
		Mode:            c.Discovery.Mode,
		Timeout:         c.Discovery.Timeout,
		MaxLatency:      c.Discovery.MaxLatency,
		Parallel:        c.Discovery.Parallel,
		UseOfficialFqdn: c.Discovery.UseOfficialFqdn,
	}
}

// EdgeEventsConfig converts the edge event section. Policy flags come from
// the discovery section so both components see the same values.
func (c Config) EdgeEventsConfig() edgeevents.Config {
	return edgeevents.Config{
		Enabled:          c.EdgeEvents.Enabled,
		LocationAllowed:  c.Discovery.LocationAllowed,
		AutoMigrate:      c.Discovery.AutoMigrate,
		LatencyPort:      c.EdgeEvents.LatencyPort,
		LatencyTest:      c.EdgeEvents.LatencyTest,
		LatencySamples:   c.Discovery.Samples,
		LatencyThreshold: c.EdgeEvents.LatencyThreshold,
		DiscoveryMode:    c.Discovery.Mode,
		DiscoveryTimeout: c.Discovery.Timeout,
		Triggers:         c.EdgeEvents.Triggers,
		Location:         c.EdgeEvents.LocationUpdate,
		Latency:          c.EdgeEvents.LatencyUpdate,
		OpenTimeout:      c.EdgeEvents.OpenTimeout,
		CloseGrace:       c.EdgeEvents.CloseGrace,
		ReconnectDelay:   c.EdgeEvents.ReconnectDelay,
	}
}

// LoggingOptions converts the logging section.
func (c Config) LoggingOptions() logging.Options {
	return logging.Options{Level: c.Logging.Level, Pretty: c.Logging.Pretty, App: c.App.AppName}
}

// MockDMEServer converts the mock_dme section. Without deployments the
// sample cloudlets are served for host with a single TCP port.
func (c Config) MockDMEServer(host string, port int32) dmeserver.Config {
	m := c.MockDME
	if len(m.Deployments) == 0 {
		cfg := dmeserver.SampleConfig(host, []types.AppPort{{Proto: types.ProtoTCP, InternalPort: port, PublicPort: port}})
		cfg.TokenServerURI = m.TokenServerURI
		cfg.VerifyToken = m.VerifyToken
		cfg.SessionTTL = m.SessionTTL
		return cfg
	}
	return dmeserver.Config{
		Deployments:    m.Deployments,
		OfficialFqdn:   m.OfficialFqdn,
		OfficialPorts:  m.OfficialPorts,
		TokenServerURI: m.TokenServerURI,
		VerifyToken:    m.VerifyToken,
		SessionTTL:     m.SessionTTL,
	}
}
