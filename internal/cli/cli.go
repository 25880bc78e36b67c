// ============================================================================
// Edge Session CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: 基於 Cobra 的命令列介面
//
// Command Structure:
//   edgesession                    # Root command
//   ├── run                        # 註冊、探索並維持事件串流直到收到訊號
//   ├── find                       # 執行一次探索並印出結果
//   ├── rank host:port...          # 對任意端點做延遲排名
//   ├── status                     # 顯示設定與已保存的會話
//   ├── mock-dme                   # 啟動參考 DME 伺服器
//   ├── --config, -c               # 設定檔（.yaml / .toml）
//   └── --version
//
// run Command:
//   1. 載入設定並初始化日誌
//   2. 啟動 Prometheus 端點（若啟用）
//   3. Engine.Start -> FindCloudlet -> StartEdgeEvents
//   4. 持續記錄事件直到 SIGINT / SIGTERM
//   5. Engine.Stop 保存會話
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/edge-session/internal/config"
	"github.com/ChuLiYu/edge-session/internal/dmeserver"
	"github.com/ChuLiYu/edge-session/internal/edgeevents"
	"github.com/ChuLiYu/edge-session/internal/engine"
	"github.com/ChuLiYu/edge-session/internal/logging"
	"github.com/ChuLiYu/edge-session/internal/metrics"
	"github.com/ChuLiYu/edge-session/internal/ranker"
	"github.com/ChuLiYu/edge-session/internal/selector"
	"github.com/ChuLiYu/edge-session/internal/sessionstore"
)

// Version is overridden at build time with -ldflags "-X ...cli.Version=...".
var Version = "1.0.0"

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "edgesession",
		Short: "Edge Session: client-side edge cloudlet discovery and session engine",
		Long: `Edge Session keeps an application attached to the best edge cloudlet:
- DME registration and cloudlet discovery (proximity or measured latency)
- Edge event stream with automatic migration
- Scheduled location and latency monitoring
- Prometheus metrics`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path (.yaml or .toml)")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildFindCommand())
	rootCmd.AddCommand(buildRankCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildMockDMECommand())

	return rootCmd
}

// loadConfig 載入設定並初始化根日誌
func loadConfig(path string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("failed to load config: %w", err)
	}
	logging.Configure(cfg.LoggingOptions())
	return cfg, nil
}

// signalContext 在 SIGINT / SIGTERM 時取消
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the engine and keep the edge event stream open",
		Long:  "Register with the DME, discover a cloudlet and follow edge events until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			return runEngine(ctx, cfg, cmd.OutOrStdout())
		},
	}
	return cmd
}

func runEngine(ctx context.Context, cfg config.Config, out io.Writer) error {
	log := logging.For("cli")

	var opts []engine.Option
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		opts = append(opts, engine.WithMetrics(metrics.NewCollector(reg)))
		addr := fmt.Sprintf(":%d", cfg.Metrics.Port)
		go func() {
			log.Info().Str("addr", addr).Msg("metrics server listening")
			if err := metrics.Serve(ctx, addr, reg); err != nil {
				log.Error().Err(err).Msg("metrics server error")
			}
		}()
	}

	eng, err := engine.New(cfg, opts...)
	if err != nil {
		return err
	}
	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}
	defer func() {
		if err := eng.Stop(); err != nil {
			log.Error().Err(err).Msg("engine stop")
		}
	}()

	events, err := eng.Events(0)
	if err != nil {
		return err
	}

	res, err := eng.FindCloudlet(ctx, cfg.Location())
	if err != nil {
		return fmt.Errorf("find cloudlet: %w", err)
	}
	printResult(out, res)

	if cfg.EdgeEvents.Enabled && res.Outcome == selector.OutcomeFound {
		if err := eng.StartEdgeEvents(ctx); err != nil {
			return fmt.Errorf("start edge events: %w", err)
		}
	}

	log.Info().Msg("running, press Ctrl+C to stop")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("received shutdown signal, stopping")
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			logEvent(log, ev)
		}
	}
}

func logEvent(log zerolog.Logger, ev edgeevents.Event) {
	switch e := ev.(type) {
	case edgeevents.StateEvent:
		log.Info().Str("from", e.From.String()).Str("to", e.To.String()).Msg("connection state")
	case edgeevents.CloudletEvent:
		log.Info().Str("trigger", e.Trigger.String()).Str("outcome", e.Result.Outcome.String()).
			Str("fqdn", e.Result.Instance.FQDN).Msg("cloudlet event")
	case edgeevents.ErrorEvent:
		log.Warn().Str("code", e.Code.String()).Err(e.Err).Msg("edge event error")
	case edgeevents.ServerEventMsg:
		log.Debug().Str("type", e.Event.EventType.String()).Msg("server event")
	case edgeevents.BandwidthEvent:
		log.Info().Float64("bandwidth_bps", e.Status.Bandwidth).Str("class", e.Status.Class.String()).Msg("bandwidth")
	}
}

// ============================================================================
// find
// ============================================================================

func buildFindCommand() *cobra.Command {
	var lat, lon float64
	var mode string

	cmd := &cobra.Command{
		Use:   "find",
		Short: "Run one cloudlet discovery",
		Long:  "Register with the DME and run a single discovery from the configured (or given) location",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("lat") {
				cfg.Discovery.Location.Latitude = lat
			}
			if cmd.Flags().Changed("lon") {
				cfg.Discovery.Location.Longitude = lon
			}
			if mode != "" {
				m, err := selector.ParseMode(mode)
				if err != nil {
					return err
				}
				cfg.Discovery.Mode = m
			}
			// 單次探索不需要保存會話
			cfg.Session.Path = ""
			return findOnce(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}

	cmd.Flags().Float64Var(&lat, "lat", 0, "device latitude")
	cmd.Flags().Float64Var(&lon, "lon", 0, "device longitude")
	cmd.Flags().StringVar(&mode, "mode", "", "discovery mode: proximity or performance")

	return cmd
}

func findOnce(ctx context.Context, cfg config.Config, out io.Writer) error {
	eng, err := engine.New(cfg)
	if err != nil {
		return err
	}
	defer eng.Stop()

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}
	res, err := eng.FindCloudlet(ctx, cfg.Location())
	if err != nil {
		return err
	}
	printResult(out, res)
	return nil
}

func printResult(out io.Writer, res selector.Result) {
	fmt.Fprintf(out, "outcome:  %s\n", res.Outcome)
	fmt.Fprintf(out, "mode:     %s\n", res.Mode)
	if res.Outcome == selector.OutcomeFound {
		fmt.Fprintf(out, "fqdn:     %s\n", res.Instance.FQDN)
		for _, p := range res.Instance.Ports {
			fmt.Fprintf(out, "  port:   %s %d -> %d\n", p.Proto, p.InternalPort, p.PublicPort)
		}
	}
	if res.Best != nil {
		fmt.Fprintf(out, "latency:  %s (%d samples)\n", res.Best.Average(), res.Best.SampleCount())
	}
	fmt.Fprintf(out, "elapsed:  %s\n", res.Elapsed.Round(time.Millisecond))
}

// ============================================================================
// rank
// ============================================================================

func buildRankCommand() *cobra.Command {
	var samples int
	var test string
	var timeout time.Duration
	var deadline time.Duration
	var parallel bool

	cmd := &cobra.Command{
		Use:   "rank host:port...",
		Short: "Measure and rank endpoints by average latency",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tt, err := ranker.ParseTestType(test)
			if err != nil {
				return err
			}
			candidates, err := parseEndpoints(args, tt, samples)
			if err != nil {
				return err
			}
			return rankEndpoints(cmd.Context(), ranker.NewNetProber(timeout), candidates, deadline, parallel, cmd.OutOrStdout())
		},
	}

	cmd.Flags().IntVarP(&samples, "samples", "n", ranker.DefaultCapacity, "probes per endpoint")
	cmd.Flags().StringVar(&test, "test", "connect", "probe type: connect or ping")
	cmd.Flags().DurationVar(&timeout, "timeout", ranker.DefaultProbeTimeout, "per-probe timeout")
	cmd.Flags().DurationVar(&deadline, "deadline", 10*time.Second, "deadline for the whole pass")
	cmd.Flags().BoolVar(&parallel, "parallel", false, "probe endpoints concurrently")

	return cmd
}

func parseEndpoints(args []string, test ranker.TestType, samples int) ([]*ranker.Candidate, error) {
	if samples <= 0 {
		return nil, fmt.Errorf("samples must be positive, got %d", samples)
	}
	out := make([]*ranker.Candidate, 0, len(args))
	for _, arg := range args {
		host, rawPort, err := net.SplitHostPort(arg)
		if err != nil {
			return nil, fmt.Errorf("invalid endpoint %q: %w", arg, err)
		}
		port, err := strconv.Atoi(rawPort)
		if err != nil || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("invalid port in %q", arg)
		}
		out = append(out, ranker.NewCandidate(host, port, test, samples))
	}
	return out, nil
}

func rankEndpoints(ctx context.Context, prober ranker.Prober, candidates []*ranker.Candidate, deadline time.Duration, parallel bool, out io.Writer) error {
	pass := ranker.NewPass(deadline)
	for _, c := range candidates {
		pass.Add(c)
	}
	result := ranker.New(prober).Run(ctx, pass, parallel)

	for _, c := range pass.Candidates() {
		if c.SampleCount() == 0 {
			fmt.Fprintf(out, "%-30s unreachable\n", c.Address())
			continue
		}
		fmt.Fprintf(out, "%-30s avg %-12s stddev %-12s samples %d\n", c.Address(), c.Average(), c.StdDev(), c.SampleCount())
	}
	if !result.Found {
		return errors.New("no endpoint answered")
	}
	fmt.Fprintf(out, "best: %s\n", result.Best.Address())
	return nil
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show configuration and saved session status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return showStatus(cfg, configFile, cmd.OutOrStdout())
		},
	}
	return cmd
}

func showStatus(cfg config.Config, path string, out io.Writer) error {
	fmt.Fprintln(out, "\n╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(out, "║           Edge Session Status                             ║")
	fmt.Fprintln(out, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(out)

	fmt.Fprintln(out, "📋 Configuration:")
	fmt.Fprintf(out, "  ├─ Config File:     %s\n", path)
	fmt.Fprintf(out, "  ├─ Application:     %s\n", cfg.Identity())
	fmt.Fprintf(out, "  ├─ DME:             %s:%d (tls=%t)\n", cfg.DMEHost(), cfg.DME.Port, cfg.DME.TLS)
	fmt.Fprintf(out, "  ├─ Discovery Mode:  %s\n", cfg.Discovery.Mode)
	fmt.Fprintf(out, "  └─ Edge Events:     %t\n", cfg.EdgeEvents.Enabled)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "💾 Session:")
	switch {
	case cfg.Session.Path == "":
		fmt.Fprintln(out, "  └─ Persistence disabled")
	case !sessionstore.New(cfg.Session.Path).Exists():
		fmt.Fprintf(out, "  └─ No saved session at %s\n", cfg.Session.Path)
	default:
		rec, err := sessionstore.New(cfg.Session.Path).Load()
		if err != nil {
			return fmt.Errorf("read session: %w", err)
		}
		s := rec.Session
		fmt.Fprintf(out, "  ├─ File:            %s\n", cfg.Session.Path)
		fmt.Fprintf(out, "  ├─ Saved At:        %s\n", rec.SavedAt.Format(time.RFC3339))
		fmt.Fprintf(out, "  ├─ Registered:      %t\n", s.SessionCookie != "")
		if s.Instance != nil {
			fmt.Fprintf(out, "  ├─ Instance:        %s\n", s.Instance.FQDN)
		} else {
			fmt.Fprintln(out, "  ├─ Instance:        none")
		}
		if s.LastLocation != nil {
			fmt.Fprintf(out, "  └─ Last Location:   %.5f, %.5f\n", s.LastLocation.Latitude, s.LastLocation.Longitude)
		} else {
			fmt.Fprintln(out, "  └─ Last Location:   unknown")
		}
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "📡 Metrics:")
	if cfg.Metrics.Enabled {
		fmt.Fprintf(out, "  └─ Status: ✅ Enabled on http://localhost:%d/metrics\n", cfg.Metrics.Port)
	} else {
		fmt.Fprintln(out, "  └─ Status: ⚠️  Disabled")
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "═══════════════════════════════════════════════════════════")
	return nil
}

// ============================================================================
// mock-dme
// ============================================================================

func buildMockDMECommand() *cobra.Command {
	var listen, host string
	var port int32

	cmd := &cobra.Command{
		Use:   "mock-dme",
		Short: "Serve the reference DME for local testing",
		Long:  "Serve registration, discovery and edge events from the mock_dme section (or three sample cloudlets)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			if listen == "" {
				listen = cfg.MockDME.Listen
			}
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			return serveMockDME(ctx, cfg.MockDMEServer(host, port), listen)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides mock_dme.listen)")
	cmd.Flags().StringVar(&host, "app-host", "localhost", "FQDN advertised for the sample cloudlets")
	cmd.Flags().Int32Var(&port, "app-port", 8080, "TCP port advertised for the sample cloudlets")

	return cmd
}

func serveMockDME(ctx context.Context, cfg dmeserver.Config, listen string) error {
	log := logging.For("mock-dme")
	srv := dmeserver.New(cfg).WithLogger(logging.For("dmeserver"))
	log.Info().Str("listen", listen).Int("deployments", len(cfg.Deployments)).Msg("mock DME listening")
	return srv.ListenAndServe(ctx, listen)
}
