package sinkcompat

import (
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestBridgeIndex(t *testing.T) {
	client := newBridgeClient(t)
	resp, body := client.get(t, "/")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET / status = %d", resp.StatusCode)
	}
	if !strings.Contains(resp.Header.Get("Content-Type"), "text/html") {
		t.Fatalf("GET / content-type = %q", resp.Header.Get("Content-Type"))
	}
	for _, needle := range []string{"/stream", "/api/status/stream", "/api/webrtc/offer"} {
		if !strings.Contains(string(body), needle) {
			t.Fatalf("GET / missing %q", needle)
		}
	}
}

func TestBridgeStatus(t *testing.T) {
	client := newBridgeClient(t)
	resp, body := client.get(t, "/api/status")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /api/status status = %d", resp.StatusCode)
	}
	assertBridgeStatus(t, decodeJSONMap(t, body))
}

func TestBridgeLandmarks(t *testing.T) {
	client := newBridgeClient(t)
	_, body := client.get(t, "/api/landmarks")
	payload := decodeJSONMap(t, body)
	requireString(t, payload["topology"], "topology")
	count := requireNumber(t, payload["count"], "count")
	if count != 0 && count != 68 {
		t.Fatalf("count = %v", count)
	}
	regions := requireMap(t, payload["regions"], "regions")
	jaw := requireMap(t, regions["jawline"], "regions.jawline")
	if requireNumber(t, jaw["start"], "start") != 0 || requireNumber(t, jaw["end"], "end") != 17 {
		t.Fatalf("jawline = %v", jaw)
	}
}

func TestBridgeMJPEGStream(t *testing.T) {
	client := newBridgeClient(t)
	resp := client.getResponse(t, "/stream")
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /stream status = %d", resp.StatusCode)
	}
	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(contentType, "multipart/x-mixed-replace") ||
		!strings.Contains(contentType, "boundary=frame") {
		t.Fatalf("GET /stream content-type = %q", contentType)
	}
}

func TestBridgeStatusStream(t *testing.T) {
	client := newBridgeClient(t)
	event, headers, err := readSSEEvent(client.baseURL+"/api/status/stream", 5*time.Second)
	if err != nil {
		t.Fatalf("status stream error: %v", err)
	}
	if !strings.Contains(headers.Get("Content-Type"), "text/event-stream") {
		t.Fatalf("status stream content-type = %q", headers.Get("Content-Type"))
	}
	if headers.Get("X-Content-Format") != "application/json" {
		t.Fatalf("X-Content-Format = %q", headers.Get("X-Content-Format"))
	}
	assertBridgeStatus(t, parseSSEData(t, event))
}

func TestBridgeWebRTCOfferInvalid(t *testing.T) {
	client := newBridgeClient(t)
	resp, body := client.postJSON(t, "/api/webrtc/offer", map[string]any{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("POST /api/webrtc/offer status = %d", resp.StatusCode)
	}
	payload := decodeJSONMap(t, body)
	if requireString(t, payload["error"], "error") != "Invalid offer data" {
		t.Fatalf("unexpected error: %v", payload["error"])
	}
}
