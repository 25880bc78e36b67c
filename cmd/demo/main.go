package main

// ============================================================================
// Edge Session 示範：本機參考 DME + 引擎
//
//   go run ./cmd/demo start    # 註冊、探索、開啟事件串流、模擬遷移
//   go run ./cmd/demo resume   # 從保存的會話還原位置後重新探索
// ============================================================================

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ChuLiYu/edge-session/internal/config"
	"github.com/ChuLiYu/edge-session/internal/dme"
	"github.com/ChuLiYu/edge-session/internal/dmeserver"
	"github.com/ChuLiYu/edge-session/internal/edgeevents"
	"github.com/ChuLiYu/edge-session/internal/engine"
	"github.com/ChuLiYu/edge-session/internal/logging"
	"github.com/ChuLiYu/edge-session/internal/selector"
	"github.com/ChuLiYu/edge-session/pkg/types"
)

var berlin = types.Location{Latitude: 52.52, Longitude: 13.405}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run ./cmd/demo <start|resume>")
		os.Exit(1)
	}
	mode := os.Args[1]
	logging.Configure(logging.Options{Level: "warn", Pretty: true, App: "demo"})
	log := logging.For("demo")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 模擬應用實例：接受連線即關閉，供延遲探測使用
	app, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		log.Fatal().Err(err).Msg("listen app")
	}
	defer app.Close()
	go acceptAndClose(app)
	appPort := int32(app.Addr().(*net.TCPAddr).Port)

	dmeLis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		log.Fatal().Err(err).Msg("listen dme")
	}
	ports := []types.AppPort{{Proto: types.ProtoTCP, InternalPort: appPort, PublicPort: appPort}}
	srv := dmeserver.New(dmeserver.SampleConfig("127.0.0.1", ports)).WithLogger(logging.For("dmeserver"))
	go func() {
		if err := srv.Serve(ctx, dmeLis); err != nil {
			log.Error().Err(err).Msg("dme server")
		}
	}()
	fmt.Printf("✓ Mock DME listening on %s (3 cloudlets)\n", dmeLis.Addr())

	cfg := config.Default()
	cfg.App = config.AppConfig{OrgName: "demo-org", AppName: "edge-demo", AppVersion: "1.0"}
	cfg.DME.Host = "127.0.0.1"
	cfg.DME.Port = dmeLis.Addr().(*net.TCPAddr).Port
	cfg.Discovery.Mode = selector.ModePerformance
	cfg.Discovery.Location = config.LocationConfig{Latitude: berlin.Latitude, Longitude: berlin.Longitude}
	cfg.EdgeEvents.LatencyPort = appPort
	cfg.EdgeEvents.LocationUpdate = edgeevents.UpdateConfig{Pattern: edgeevents.OnTrigger}
	cfg.EdgeEvents.LatencyUpdate = edgeevents.UpdateConfig{Pattern: edgeevents.OnStart}
	cfg.Session.Path = filepath.Join(os.TempDir(), "edge-session-demo.json")

	eng, err := engine.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("create engine")
	}
	if err := eng.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("start engine")
	}
	fmt.Printf("✓ Registered as %s\n", cfg.Identity())

	if mode == "resume" {
		if loc := eng.Session().LastLocation; loc != nil {
			fmt.Printf("↺ Restored last location %.3f, %.3f from %s\n", loc.Latitude, loc.Longitude, cfg.Session.Path)
		} else {
			fmt.Printf("⚠️  No saved session at %s, run 'start' first\n", cfg.Session.Path)
		}
	}

	events, _ := eng.Events(0)

	res, err := eng.FindCloudlet(ctx, berlin)
	if err != nil {
		log.Fatal().Err(err).Msg("find cloudlet")
	}
	fmt.Printf("\n📍 Discovery (%s): %s -> %s", res.Mode, res.Outcome, res.Instance.FQDN)
	if res.Best != nil {
		fmt.Printf(" (avg %s)", res.Best.Average().Round(time.Microsecond))
	}
	fmt.Println()

	if conn, err := eng.DialApp(ctx, appPort); err != nil {
		log.Warn().Err(err).Msg("dial app")
	} else {
		fmt.Printf("✓ Connected to app at %s\n", conn.RemoteAddr())
		conn.Close()
	}

	// 沿途 KPI：柏林往漢堡
	route := []dme.QosPosition{
		{PositionID: 1, GpsLocation: &berlin},
		{PositionID: 2, GpsLocation: &types.Location{Latitude: 53.55, Longitude: 9.99}},
	}
	if kpis, err := eng.QosPositionKpi(ctx, dme.QosPositionRequest{Positions: route}); err != nil {
		log.Warn().Err(err).Msg("qos kpi")
	} else {
		for _, k := range kpis {
			fmt.Printf("📶 position %d: latency avg %.1fms, downlink avg %.0f Mbps\n", k.PositionID, k.LatencyAvg, k.DluserthroughputAvg)
		}
	}

	if err := eng.StartEdgeEvents(ctx); err != nil {
		log.Fatal().Err(err).Msg("start edge events")
	}
	fmt.Println("✓ Edge event stream open")

	if mode == "start" {
		time.Sleep(200 * time.Millisecond)
		fmt.Println("\n⚡ Server requests a latency test, then moves the app to hamburg-main")
		srv.Push(&dme.ServerEdgeEvent{EventType: dme.ServerEventLatencyRequest})
		time.Sleep(200 * time.Millisecond)
		srv.PushCloudletUpdate(1)
	}

	timeout := time.After(3 * time.Second)
loop:
	for {
		select {
		case <-ctx.Done():
			fmt.Println("\n\nReceived shutdown signal, stopping gracefully...")
			break loop
		case <-timeout:
			break loop
		case ev, ok := <-events:
			if !ok {
				break loop
			}
			printEvent(ev)
		}
	}

	snap := eng.Session()
	if err := eng.Stop(); err != nil {
		log.Error().Err(err).Msg("stop engine")
	}
	fmt.Printf("\n✓ Engine stopped, session saved to %s\n", cfg.Session.Path)
	if snap.Instance != nil {
		fmt.Printf("  Instance: %s\n", snap.Instance.FQDN)
	}
}

func printEvent(ev edgeevents.Event) {
	switch e := ev.(type) {
	case edgeevents.StateEvent:
		fmt.Printf("🔌 %s -> %s\n", e.From, e.To)
	case edgeevents.ServerEventMsg:
		fmt.Printf("📨 %s", e.Event.EventType)
		if st := e.Event.Statistics; st != nil {
			fmt.Printf(" avg=%.2fms samples=%d", st.Avg, st.NumSamples)
		}
		fmt.Println()
	case edgeevents.CloudletEvent:
		fmt.Printf("☁️  %s: %s -> %s\n", e.Trigger, e.Result.Outcome, e.Result.Instance.FQDN)
	case edgeevents.ErrorEvent:
		fmt.Printf("❌ %s: %v\n", e.Code, e.Err)
	}
}

func acceptAndClose(lis net.Listener) {
	for {
		c, err := lis.Accept()
		if err != nil {
			return
		}
		c.Close()
	}
}
