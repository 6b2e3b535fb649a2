package preview

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dj-oyu/vitals-bridge/internal/landmarks"
	"github.com/dj-oyu/vitals-bridge/internal/metrics"
	"github.com/dj-oyu/vitals-bridge/internal/webrtc"
	"github.com/dj-oyu/vitals-bridge/pkg/types"
)

var gray = color.RGBA{R: 60, G: 60, B: 60, A: 255}

func grayImage(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.SetRGBA(x, y, gray)
		}
	}
	return img
}

func TestRenderDrawsOnCopy(t *testing.T) {
	src := grayImage(200, 150)

	canonical := make([]types.Point2D, landmarks.CanonicalCount)
	for i := range canonical {
		canonical[i] = types.Point2D{X: 180, Y: 140}
	}
	canonical[0] = types.Point2D{X: 20, Y: 140} // jawline starts left

	out := Render(src, types.Overlay{
		Vitals:    types.DetailedVitals{Talking: true},
		Dense:     []types.Point2D{{X: 100, Y: 100}},
		Canonical: canonical,
	})

	if got := src.RGBAAt(100, 100); got != gray {
		t.Fatalf("source modified: %v", got)
	}
	if got := out.RGBAAt(100, 100); got != pointColor {
		t.Errorf("point center = %v", got)
	}
	if got := out.RGBAAt(102, 100); got != pointColor {
		t.Errorf("point edge = %v", got)
	}
	if got := out.RGBAAt(104, 100); got != gray {
		t.Errorf("outside point = %v", got)
	}
	if got := out.RGBAAt(100, 140); got != contourColor {
		t.Errorf("jawline = %v", got)
	}

	var text bool
	for y := textTop; y < textTop+lineHeight && !text; y++ {
		for x := textLeft; x < textLeft+80; x++ {
			if out.RGBAAt(x, y) == textColor {
				text = true
				break
			}
		}
	}
	if !text {
		t.Error("no HUD text drawn")
	}
}

func TestRenderIgnoresUnusableLandmarks(t *testing.T) {
	src := grayImage(50, 50)
	nan := float32(math.NaN())
	out := Render(src, types.Overlay{
		Dense:     []types.Point2D{{X: nan, Y: 1}, {X: 1e9, Y: 1e9}},
		Canonical: []types.Point2D{{X: 1, Y: 1}, {X: 40, Y: 40}}, // not a canonical set
	})
	if got := out.RGBAAt(25, 25); got != gray {
		t.Fatalf("pixel = %v", got)
	}
}

func TestHUDLines(t *testing.T) {
	lines := hudLines(types.Overlay{
		Vitals: types.DetailedVitals{PulseRate: 72, BreathingRate: 15},
		Dense:  make([]types.Point2D, 478),
		Status: "Measuring",
	})
	want := []string{"Talking: NO", "Landmarks: 478", "Pulse: 72 bpm", "Breathing: 15 rpm", "Status: Measuring"}
	if strings.Join(lines, "|") != strings.Join(want, "|") {
		t.Fatalf("lines = %q", lines)
	}

	lines = hudLines(types.Overlay{Vitals: types.DetailedVitals{Talking: true}})
	if lines[0] != "Talking: YES" || lines[2] != "Pulse: --" || len(lines) != 4 {
		t.Fatalf("lines = %q", lines)
	}
}

func testFrame(w, h int) *types.Frame {
	return &types.Frame{Image: grayImage(w, h), Seq: 1, Format: "jpeg"}
}

func TestHubSkipsWithoutClients(t *testing.T) {
	h := NewHub(80)
	h.PublishFrame(testFrame(8, 8), types.Overlay{})
	if encoded, skipped := h.Stats(); encoded != 0 || skipped != 1 {
		t.Fatalf("stats = %d encoded, %d skipped", encoded, skipped)
	}
}

func TestHubBroadcastsRenderedFrames(t *testing.T) {
	h := NewHub(80)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { h.Run(ctx); close(done) }()

	_, ch := h.Subscribe()
	h.PublishFrame(testFrame(64, 48), types.Overlay{})

	select {
	case data := <-ch:
		img, err := jpeg.Decode(bytes.NewReader(data))
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if img.Bounds().Dx() != 64 || img.Bounds().Dy() != 48 {
			t.Fatalf("size = %v", img.Bounds())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no frame broadcast")
	}

	cancel()
	<-done
	if _, ok := <-ch; ok {
		t.Fatal("subscriber channel still open after Run returned")
	}
}

func TestSerializeStatus(t *testing.T) {
	ev, err := SerializeStatus(types.BridgeStatus{
		Vitals:    types.DetailedVitals{PulseRate: 72, Talking: true},
		Telemetry: "connected",
	})
	if err != nil {
		t.Fatalf("SerializeStatus: %v", err)
	}

	var decoded types.BridgeStatus
	if err := json.Unmarshal(ev.JSONData, &decoded); err != nil || decoded.Vitals.PulseRate != 72 {
		t.Fatalf("json = %s (%v)", ev.JSONData, err)
	}

	raw, err := base64.StdEncoding.DecodeString(string(ev.ProtobufData))
	if err != nil {
		t.Fatalf("base64: %v", err)
	}
	var st structpb.Struct
	if err := proto.Unmarshal(raw, &st); err != nil {
		t.Fatalf("proto: %v", err)
	}
	if got := st.Fields["telemetry"].GetStringValue(); got != "connected" {
		t.Errorf("telemetry = %q", got)
	}
	vitals := st.Fields["vitals"].GetStructValue()
	if vitals.Fields["pulse_rate"].GetNumberValue() != 72 || !vitals.Fields["talking"].GetBoolValue() {
		t.Errorf("vitals = %v", vitals)
	}
}

type fakePeers struct {
	answer []byte
	err    error
	sent   [][]byte
}

func (f *fakePeers) HandleOffer([]byte) ([]byte, error) { return f.answer, f.err }
func (f *fakePeers) SendStatus(msg []byte)              { f.sent = append(f.sent, msg) }
func (f *fakePeers) ClientCount() int                   { return 0 }
func (f *fakePeers) Close() error                       { return nil }

func newTestServer(rtc PeerServer) (*Server, *metrics.Metrics) {
	m := metrics.New()
	status := func() types.BridgeStatus {
		return types.BridgeStatus{
			Vitals:        types.DetailedVitals{PulseRate: 70, BreathingRate: 14},
			Telemetry:     "connected",
			Ingest:        "streaming",
			SensingStatus: "Measuring",
		}
	}
	overlay := func() types.Overlay { return types.Overlay{} }
	cfg := Config{StatusInterval: 10 * time.Millisecond, JPEGQuality: 80}
	return NewServer(cfg, NewHub(80), status, overlay, rtc, m), m
}

func TestJSONEndpoints(t *testing.T) {
	srv, _ := newTestServer(nil)
	h := srv.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	var st types.BridgeStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil || st.Vitals.PulseRate != 70 {
		t.Fatalf("/api/status = %s", rec.Body)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	var health map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatal(err)
	}
	if health["status"] != "ok" || health["ingest"] != "streaming" || health["sensing"] != "Measuring" {
		t.Fatalf("/health = %v", health)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/landmarks", nil))
	var lm struct {
		Topology  string          `json:"topology"`
		Count     int             `json:"count"`
		Landmarks []types.Point2D `json:"landmarks"`
		Regions   map[string]struct {
			Start int `json:"start"`
			End   int `json:"end"`
		} `json:"regions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &lm); err != nil {
		t.Fatal(err)
	}
	if lm.Topology != landmarks.IBUG68.Version || lm.Count != 0 || lm.Landmarks == nil {
		t.Fatalf("/api/landmarks = %s", rec.Body)
	}
	if r := lm.Regions["jawline"]; r.Start != 0 || r.End != 17 {
		t.Fatalf("jawline = %+v", r)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if !strings.Contains(rec.Body.String(), "/api/status/stream") {
		t.Fatal("index page missing")
	}
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("/nope = %d", rec.Code)
	}
}

func TestWebRTCOffer(t *testing.T) {
	post := func(h http.Handler, body string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/webrtc/offer", strings.NewReader(body)))
		return rec
	}

	srv, _ := newTestServer(nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/webrtc/offer", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET = %d", rec.Code)
	}
	if rec := post(srv.Handler(), `{}`); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("disabled = %d", rec.Code)
	}

	peers := &fakePeers{answer: []byte(`{"type":"answer","sdp":"v=0"}`)}
	srv, _ = newTestServer(peers)
	if rec := post(srv.Handler(), `{}`); rec.Code != http.StatusOK || rec.Body.String() != string(peers.answer) {
		t.Fatalf("answer = %d %s", rec.Code, rec.Body)
	}

	peers.err = webrtc.ErrTooManyClients
	if rec := post(srv.Handler(), `{}`); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("full = %d", rec.Code)
	}
	peers.err = errors.New("bad sdp")
	if rec := post(srv.Handler(), `{}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad offer = %d", rec.Code)
	}
}

func runServer(t *testing.T, srv *Server) *httptest.Server {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { srv.Run(ctx); close(done) }()
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		cancel()
		<-done
		ts.Close()
	})
	return ts
}

func TestStatusStreamProtobuf(t *testing.T) {
	srv, m := newTestServer(nil)
	ts := runServer(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/status/stream", nil)
	req.Header.Set("Accept", "application/x-protobuf")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.Header.Get("Content-Type") != "text/event-stream" ||
		resp.Header.Get("X-Content-Format") != "application/protobuf" {
		t.Fatalf("headers = %v", resp.Header)
	}
	if m.PreviewClients.Load() != 1 {
		t.Errorf("preview clients = %d", m.PreviewClients.Load())
	}

	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line, ok := strings.CutPrefix(sc.Text(), "data: ")
		if !ok {
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(line)
		if err != nil {
			t.Fatalf("base64: %v", err)
		}
		var st structpb.Struct
		if err := proto.Unmarshal(raw, &st); err != nil {
			t.Fatalf("proto: %v", err)
		}
		if st.Fields["ingest"].GetStringValue() != "streaming" {
			t.Fatalf("event = %v", &st)
		}
		return
	}
	t.Fatalf("no event: %v", sc.Err())
}

func TestMJPEGStream(t *testing.T) {
	srv, _ := newTestServer(nil)
	ts := runServer(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "multipart/x-mixed-replace") {
		t.Fatalf("content type = %s", resp.Header.Get("Content-Type"))
	}

	// Keep frames coming so every part is terminated by the next boundary.
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				srv.hub.PublishFrame(testFrame(64, 48), types.Overlay{})
			}
		}
	}()

	mr := multipart.NewReader(resp.Body, "frame")
	for {
		part, err := mr.NextPart()
		if err != nil {
			t.Fatalf("NextPart: %v", err)
		}
		if part.Header.Get("Content-Type") != "image/jpeg" {
			t.Fatalf("part type = %s", part.Header.Get("Content-Type"))
		}
		data, err := io.ReadAll(part)
		if err != nil {
			t.Fatalf("read part: %v", err)
		}
		img, err := jpeg.Decode(bytes.NewReader(data))
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if img.Bounds().Dx() == 64 && img.Bounds().Dy() == 48 {
			return
		}
		if img.Bounds().Dx() != 640 {
			t.Fatalf("unexpected part size %v", img.Bounds())
		}
	}
}
