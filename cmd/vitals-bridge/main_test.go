package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"

	"github.com/dj-oyu/vitals-bridge/internal/config"
	"github.com/dj-oyu/vitals-bridge/internal/sensing"
	"github.com/dj-oyu/vitals-bridge/pkg/types"
)

func TestOverrideOnlyChangedFlags(t *testing.T) {
	var host string
	var port int
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.StringVar(&host, "host", "", "")
	fs.IntVar(&port, "port", 0, "")
	if err := fs.Parse([]string{"--port", "6000"}); err != nil {
		t.Fatal(err)
	}

	c := config.DefaultConfig()
	override(fs, "host", &c.Telemetry.Host, host)
	override(fs, "port", &c.Telemetry.Port, port)

	if c.Telemetry.Host != config.DefaultConfig().Telemetry.Host {
		t.Errorf("unset flag overwrote host: %q", c.Telemetry.Host)
	}
	if c.Telemetry.Port != 6000 {
		t.Errorf("port = %d", c.Telemetry.Port)
	}
}

type recordingHandler struct {
	core   []sensing.CoreMetrics
	status []sensing.StatusChange
}

func (h *recordingHandler) OnCoreMetrics(m sensing.CoreMetrics) { h.core = append(h.core, m) }
func (h *recordingHandler) OnEdgeMetrics(sensing.EdgeMetrics)   {}
func (h *recordingHandler) OnFrame(*types.Frame)                {}
func (h *recordingHandler) OnStatus(s sensing.StatusChange)     { h.status = append(h.status, s) }

func TestRunReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.ndjson")
	lines := `{"type":"status","timestamp":0,"code":0,"description":"ok"}
{"type":"core","timestamp":1000,"pulse":[{"value":72,"confidence":0.9}],"breathing":[{"value":15,"confidence":0.8}],"talking":[false]}
garbage
`
	if err := os.WriteFile(path, []byte(lines), 0o644); err != nil {
		t.Fatal(err)
	}

	h := &recordingHandler{}
	if err := runReplay(context.Background(), config.SensingConfig{Replay: path}, h); err != nil {
		t.Fatalf("runReplay: %v", err)
	}
	if len(h.status) != 1 || len(h.core) != 1 {
		t.Fatalf("delivered %d status, %d core events", len(h.status), len(h.core))
	}

	if err := runReplay(context.Background(), config.SensingConfig{Replay: path + ".missing"}, h); err == nil {
		t.Fatal("missing replay accepted")
	}
}
