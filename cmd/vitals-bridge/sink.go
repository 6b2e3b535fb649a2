package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/spf13/cobra"

	"github.com/dj-oyu/vitals-bridge/internal/config"
	"github.com/dj-oyu/vitals-bridge/internal/logger"
	"github.com/dj-oyu/vitals-bridge/internal/sink"
)

var sinkOpts struct {
	listen   string
	httpAddr string
}

var sinkCmd = &cobra.Command{
	Use:   "sink",
	Short: "Run a telemetry sink that serves the latest vitals over HTTP",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		fs := cmd.Flags()
		override(fs, "listen", &cfg.Sink.Listen, sinkOpts.listen)
		override(fs, "http-addr", &cfg.Sink.HTTPAddr, sinkOpts.httpAddr)
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		return runSink(cmd.Context(), cfg.Sink)
	},
}

func init() {
	f := sinkCmd.Flags()
	f.StringVar(&sinkOpts.listen, "listen", "", "Telemetry listen address")
	f.StringVar(&sinkOpts.httpAddr, "http-addr", "", "HTTP address for /vitals and /health (empty disables)")
	rootCmd.AddCommand(sinkCmd)
}

func runSink(ctx context.Context, sc config.SinkConfig) error {
	log := logger.For("Main")

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", sc.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", sc.Listen, err)
	}

	srv := sink.NewServer(sink.NewStore())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg      sync.WaitGroup
		httpErr error
	)
	if sc.HTTPAddr != "" {
		httpSrv := &http.Server{Addr: sc.HTTPAddr, Handler: srv.Handler()}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if httpErr = serveHTTP(ctx, httpSrv); httpErr != nil {
				cancel()
			}
		}()
		log.Info("Vitals on http://%s/vitals", sc.HTTPAddr)
	}

	err = srv.Serve(ctx, ln)
	cancel()
	wg.Wait()

	updates, rejected := srv.Store().Counts()
	log.Info("Sink stopped (updates: %d, rejected: %d)", updates, rejected)
	if err != nil {
		return err
	}
	return httpErr
}
