package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRegistryGathersCounters(t *testing.T) {
	m := New()
	m.FramesReceived.Add(3)
	m.DecodeFailures.Add(1)
	SetFlag(&m.TelemetryConnected, true)
	m.SetVitals(72, 16)

	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}

	values := map[string]float64{}
	for _, f := range families {
		for _, metric := range f.GetMetric() {
			switch {
			case metric.GetCounter() != nil:
				values[f.GetName()] = metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				values[f.GetName()] = metric.GetGauge().GetValue()
			}
		}
	}

	want := map[string]float64{
		"vitals_bridge_frames_received_total": 3,
		"vitals_bridge_decode_failures_total": 1,
		"vitals_bridge_telemetry_connected":   1,
		"vitals_bridge_last_pulse_bpm":        72,
		"vitals_bridge_last_breathing_bpm":    16,
	}
	for name, v := range want {
		if got, ok := values[name]; !ok || got != v {
			t.Errorf("%s = %v (present=%v), want %v", name, got, ok, v)
		}
	}
}

func TestSetFlag(t *testing.T) {
	m := New()
	SetFlag(&m.IngestStreaming, true)
	if m.IngestStreaming.Load() != 1 {
		t.Fatal("flag not set")
	}
	SetFlag(&m.IngestStreaming, false)
	if m.IngestStreaming.Load() != 0 {
		t.Fatal("flag not cleared")
	}
}

func TestLatencyUpdates(t *testing.T) {
	m := New()
	m.UpdateDecodeLatency(1500 * time.Microsecond)
	if got := m.DecodeLatencyUs.Load(); got != 1500 {
		t.Fatalf("decode latency = %d", got)
	}
	m.UpdateFrameLatency(time.Now().Add(-20 * time.Millisecond))
	if got := m.FrameLatencyMs.Load(); got < 20 {
		t.Fatalf("frame latency = %d", got)
	}
}

func TestHandlerExposition(t *testing.T) {
	m := New()
	m.VitalsSent.Add(2)

	srv := httptest.NewServer(m.NewServer("").Handler)
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "vitals_bridge_vitals_sent_total 2") {
		t.Fatalf("exposition missing counter:\n%s", body)
	}
}
