package sinkcompat

import (
	"context"
	"net"
	"net/http"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/dj-oyu/vitals-bridge/internal/telemetry"
	"github.com/dj-oyu/vitals-bridge/pkg/types"
)

func TestSinkHealth(t *testing.T) {
	client := newSinkClient(t)
	resp, body := client.get(t, "/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /health status = %d", resp.StatusCode)
	}
	payload := decodeJSONMap(t, body)
	if requireString(t, payload["status"], "status") != "ok" {
		t.Fatalf("status = %v", payload["status"])
	}
	switch s := requireString(t, payload["vitals_status"], "vitals_status"); s {
	case "waiting", "active":
	default:
		t.Fatalf("vitals_status = %q", s)
	}
}

func TestSinkVitals(t *testing.T) {
	client := newSinkClient(t)
	resp, body := client.get(t, "/vitals")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /vitals status = %d", resp.StatusCode)
	}
	payload := decodeJSONMap(t, body)
	assertVitalsPayload(t, payload, "vitals")
	requireString(t, payload["status"], "status")

	resp, _ = client.postJSON(t, "/vitals", map[string]any{})
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("POST /vitals status = %d", resp.StatusCode)
	}
}

// TestSinkRoundTrip publishes a reading to SINK_TELEMETRY_ADDR and waits
// for it to show up on /vitals.
func TestSinkRoundTrip(t *testing.T) {
	client := newSinkClient(t)
	addr := os.Getenv("SINK_TELEMETRY_ADDR")
	if addr == "" {
		t.Skip("set SINK_TELEMETRY_ADDR (ip:port) to publish to the sink")
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("SINK_TELEMETRY_ADDR: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("SINK_TELEMETRY_ADDR port: %v", err)
	}

	pub := telemetry.New(telemetry.Config{Host: host, Port: port, DialTimeout: 2 * time.Second})
	if err := pub.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer pub.Close()

	ts := time.Now().UnixMicro()
	if err := pub.SendDetailedVitals(types.DetailedVitals{
		PulseRate:           73,
		PulseConfidence:     0.5,
		BreathingRate:       17,
		BreathingConfidence: 0.25,
		Timestamp:           ts,
	}); err != nil {
		t.Fatalf("SendDetailedVitals: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		_, body := client.get(t, "/vitals")
		payload := decodeJSONMap(t, body)
		if ts2, ok := payload["timestamp"].(float64); ok && int64(ts2) == ts {
			if payload["pulse_rate"] != float64(73) || payload["breathing_rate"] != float64(17) {
				t.Fatalf("vitals = %v", payload)
			}
			if payload["status"] != "active" {
				t.Fatalf("status = %v", payload["status"])
			}
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("published reading never reached /vitals")
}
