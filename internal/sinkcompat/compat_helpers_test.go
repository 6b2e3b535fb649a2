// Package sinkcompat checks running sink and bridge processes against the
// wire contract the Python-side tooling relies on. Every test skips unless
// its target is reachable.
package sinkcompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"
)

const (
	defaultSinkURL        = "http://localhost:5000"
	defaultBridgeURL      = "http://localhost:8080"
	defaultRequestTimeout = 2 * time.Second
)

type compatClient struct {
	baseURL string
	client  *http.Client
}

// newCompatClient returns a client for the server named by envVar, or skips
// the test if it is not reachable. probe is a path that must answer.
func newCompatClient(t *testing.T, envVar, fallback, probe string) *compatClient {
	t.Helper()
	baseURL := os.Getenv(envVar)
	if baseURL == "" {
		baseURL = fallback
	}
	baseURL = strings.TrimRight(baseURL, "/")
	client := &http.Client{Timeout: defaultRequestTimeout}

	if !isReachable(client, baseURL+probe) {
		t.Skipf("server not reachable at %s (set %s to run)", baseURL, envVar)
	}
	return &compatClient{baseURL: baseURL, client: client}
}

func newSinkClient(t *testing.T) *compatClient {
	return newCompatClient(t, "SINK_BASE_URL", defaultSinkURL, "/health")
}

func newBridgeClient(t *testing.T) *compatClient {
	return newCompatClient(t, "BRIDGE_BASE_URL", defaultBridgeURL, "/health")
}

func isReachable(client *http.Client, url string) bool {
	resp, err := client.Get(url)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 500
}

func (c *compatClient) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := c.client.Get(c.baseURL + path)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	_ = resp.Body.Close()
	return resp, body
}

func (c *compatClient) getResponse(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := c.client.Get(c.baseURL + path)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return resp
}

func (c *compatClient) postJSON(t *testing.T, path string, payload any) (*http.Response, []byte) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	resp, err := c.client.Post(c.baseURL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	_ = resp.Body.Close()
	return resp, body
}

func readSSEEvent(url string, timeout time.Duration) (string, http.Header, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 256)
	for {
		n, readErr := resp.Body.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			// Skip keepalive comments.
			for {
				idx := bytes.Index(buf, []byte("\n\n"))
				if idx < 0 {
					break
				}
				event := string(buf[:idx])
				buf = buf[idx+2:]
				if strings.HasPrefix(event, "data:") {
					return event, resp.Header, nil
				}
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return "", nil, fmt.Errorf("sse stream closed before event")
			}
			return "", nil, fmt.Errorf("read sse: %w", readErr)
		}
	}
}

func parseSSEData(t *testing.T, event string) map[string]any {
	t.Helper()
	for _, line := range strings.Split(event, "\n") {
		if payload, ok := strings.CutPrefix(line, "data:"); ok {
			payload = strings.TrimSpace(payload)
			if payload == "" {
				t.Fatalf("empty sse data line")
			}
			return decodeJSONMap(t, []byte(payload))
		}
	}
	t.Fatalf("no data line in sse event: %q", event)
	return nil
}

func decodeJSONMap(t *testing.T, body []byte) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode json: %v\nbody=%s", err, string(body))
	}
	return payload
}

func requireString(t *testing.T, value any, field string) string {
	t.Helper()
	str, ok := value.(string)
	if !ok {
		t.Fatalf("expected %s to be string, got %T", field, value)
	}
	return str
}

func requireNumber(t *testing.T, value any, field string) float64 {
	t.Helper()
	num, ok := value.(float64)
	if !ok {
		t.Fatalf("expected %s to be number, got %T", field, value)
	}
	return num
}

func requireBool(t *testing.T, value any, field string) bool {
	t.Helper()
	b, ok := value.(bool)
	if !ok {
		t.Fatalf("expected %s to be bool, got %T", field, value)
	}
	return b
}

func requireMap(t *testing.T, value any, field string) map[string]any {
	t.Helper()
	m, ok := value.(map[string]any)
	if !ok {
		t.Fatalf("expected %s to be object, got %T", field, value)
	}
	return m
}

// assertVitalsPayload checks the detailed vitals shape served by the sink
// and embedded in bridge status.
func assertVitalsPayload(t *testing.T, payload map[string]any, field string) {
	t.Helper()
	requireNumber(t, payload["pulse_rate"], field+".pulse_rate")
	requireNumber(t, payload["breathing_rate"], field+".breathing_rate")
	requireNumber(t, payload["pulse_confidence"], field+".pulse_confidence")
	requireNumber(t, payload["breathing_confidence"], field+".breathing_confidence")
	requireBool(t, payload["talking"], field+".talking")
}

func assertBridgeStatus(t *testing.T, payload map[string]any) {
	t.Helper()
	assertVitalsPayload(t, requireMap(t, payload["vitals"], "vitals"), "vitals")
	requireBool(t, payload["vitals_valid"], "vitals_valid")
	requireString(t, payload["telemetry"], "telemetry")
	requireString(t, payload["ingest"], "ingest")
	requireString(t, payload["sensing_status"], "sensing_status")
	requireNumber(t, payload["frames_received"], "frames_received")
	requireNumber(t, payload["landmark_count"], "landmark_count")
	requireNumber(t, payload["canonical_count"], "canonical_count")
}
