package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/dj-oyu/vitals-bridge/internal/bridge"
	"github.com/dj-oyu/vitals-bridge/internal/config"
	"github.com/dj-oyu/vitals-bridge/internal/ingest"
	"github.com/dj-oyu/vitals-bridge/internal/logger"
	"github.com/dj-oyu/vitals-bridge/internal/metrics"
	"github.com/dj-oyu/vitals-bridge/internal/preview"
	"github.com/dj-oyu/vitals-bridge/internal/sensing"
	"github.com/dj-oyu/vitals-bridge/internal/telemetry"
	"github.com/dj-oyu/vitals-bridge/internal/webrtc"
)

const shutdownTimeout = 5 * time.Second

var serveOpts struct {
	telemetryHost string
	telemetryPort int
	payload       string
	ingestHost    string
	ingestPort    int
	width         int
	height        int
	resize        bool
	previewAddr   string
	metricsAddr   string
	replay        string
	pace          bool
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bridge: video ingest, telemetry publishing, preview and metrics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		fs := cmd.Flags()
		override(fs, "telemetry-host", &cfg.Telemetry.Host, serveOpts.telemetryHost)
		override(fs, "telemetry-port", &cfg.Telemetry.Port, serveOpts.telemetryPort)
		override(fs, "payload", &cfg.Telemetry.Payload, serveOpts.payload)
		override(fs, "ingest-host", &cfg.Ingest.Host, serveOpts.ingestHost)
		override(fs, "ingest-port", &cfg.Ingest.Port, serveOpts.ingestPort)
		override(fs, "width", &cfg.Ingest.Width, serveOpts.width)
		override(fs, "height", &cfg.Ingest.Height, serveOpts.height)
		override(fs, "resize", &cfg.Ingest.ResizeToExpected, serveOpts.resize)
		override(fs, "preview-addr", &cfg.Preview.Addr, serveOpts.previewAddr)
		override(fs, "metrics-addr", &cfg.Metrics.Addr, serveOpts.metricsAddr)
		override(fs, "replay", &cfg.Sensing.Replay, serveOpts.replay)
		override(fs, "pace", &cfg.Sensing.Pace, serveOpts.pace)
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		return runServe(cmd.Context(), cfg)
	},
}

func init() {
	f := serveCmd.Flags()
	f.StringVar(&serveOpts.telemetryHost, "telemetry-host", "", "Telemetry sink IP address")
	f.IntVar(&serveOpts.telemetryPort, "telemetry-port", 0, "Telemetry sink port")
	f.StringVar(&serveOpts.payload, "payload", "", "Telemetry payload shape (detailed, summary)")
	f.StringVar(&serveOpts.ingestHost, "ingest-host", "", "Ingest listen address (empty for all interfaces)")
	f.IntVar(&serveOpts.ingestPort, "ingest-port", 0, "Ingest listen port")
	f.IntVar(&serveOpts.width, "width", 0, "Expected frame width")
	f.IntVar(&serveOpts.height, "height", 0, "Expected frame height")
	f.BoolVar(&serveOpts.resize, "resize", false, "Resize frames to the expected resolution")
	f.StringVar(&serveOpts.previewAddr, "preview-addr", "", "Preview HTTP address (empty disables)")
	f.StringVar(&serveOpts.metricsAddr, "metrics-addr", "", "Metrics HTTP address (empty disables)")
	f.StringVar(&serveOpts.replay, "replay", "", "Replay recorded sensing events from an NDJSON file")
	f.BoolVar(&serveOpts.pace, "pace", false, "Replay events at their recorded pace")
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context, cfg config.Config) error {
	log := logger.For("Main")
	log.Info("Vitals bridge %s starting", Version)
	log.Info("Log level: %s", cfg.Log.Level)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m := metrics.New()
	pub := telemetry.New(cfg.PublisherConfig())
	defer pub.Close()

	var (
		hub     *preview.Hub
		display bridge.Display
	)
	if cfg.Preview.Addr != "" {
		hub = preview.NewHub(cfg.Preview.JPEGQuality)
		display = hub
	}
	coord := bridge.New(cfg.BridgeConfig(), pub, display, m)
	coord.SetTelemetryTarget(cfg.PublisherConfig().Addr())

	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	// fail records the first error and shuts everything else down.
	fail := func(name string, err error) {
		if err == nil {
			return
		}
		errOnce.Do(func() {
			firstErr = fmt.Errorf("%s: %w", name, err)
			cancel()
		})
	}
	spawn := func(name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fail(name, fn())
		}()
	}

	spawn("telemetry", func() error { return coord.RunTelemetry(ctx) })

	srv := ingest.NewServer(cfg.IngestServerConfig())
	spawn("ingest", func() error {
		err := coord.RunIngest(ctx, srv)
		if ctx.Err() != nil {
			return nil
		}
		return err
	})

	if cfg.Metrics.Addr != "" {
		httpSrv := m.NewServer(cfg.Metrics.Addr)
		spawn("metrics", func() error { return serveHTTP(ctx, httpSrv) })
		log.Info("Metrics on http://%s/metrics", cfg.Metrics.Addr)
	}

	if hub != nil {
		rtc := webrtc.NewServer(webrtc.Options{
			ICEServers: webrtc.DefaultOptions().ICEServers,
			MaxClients: cfg.Preview.MaxRTCClients,
		})
		rtc.OnClientCount = func(n int) { m.WebRTCClients.Store(int64(n)) }

		pv := preview.NewServer(preview.Config{
			Addr:           cfg.Preview.Addr,
			StatusInterval: time.Duration(cfg.Preview.StatusInterval),
			JPEGQuality:    cfg.Preview.JPEGQuality,
		}, hub, coord.Snapshot, coord.Overlay, rtc, m)

		spawn("preview", func() error {
			pv.Run(ctx)
			return nil
		})
		httpSrv := &http.Server{Addr: cfg.Preview.Addr, Handler: pv.Handler()}
		spawn("preview http", func() error { return serveHTTP(ctx, httpSrv) })
		log.Info("Preview on http://%s/", cfg.Preview.Addr)
	}

	if cfg.Sensing.Replay != "" {
		spawn("replay", func() error { return runReplay(ctx, cfg.Sensing, coord) })
	}

	<-ctx.Done()
	log.Info("Shutting down...")
	wg.Wait()

	sent := m.VitalsSent.Load()
	frames := m.FramesReceived.Load()
	log.Info("Bridge stopped (vitals sent: %d, frames received: %d)", sent, frames)
	return firstErr
}

// runReplay feeds recorded sensing events to the coordinator. The bridge
// keeps running after the recording ends.
func runReplay(ctx context.Context, sc config.SensingConfig, h sensing.Handler) error {
	f, err := os.Open(sc.Replay)
	if err != nil {
		return fmt.Errorf("failed to open replay: %w", err)
	}
	defer f.Close()

	events := make(chan sensing.Event, 16)
	replay := sensing.NewReplay(f, sc.Pace)

	done := make(chan error, 1)
	go func() {
		done <- sensing.Dispatch(ctx, events, h)
	}()

	runErr := replay.Run(ctx, events)
	close(events)
	if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	logger.For("Replay").Info("Replay finished (%d lines skipped)", replay.Skipped)
	return nil
}

// serveHTTP runs srv until ctx is done, then shuts it down gracefully.
func serveHTTP(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		srv.Close()
	}
	return nil
}
