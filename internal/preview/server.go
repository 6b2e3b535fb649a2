// Package preview serves a browser view of the bridge: the incoming video
// with the landmark and vitals overlay drawn on it, plus live status.
package preview

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dj-oyu/vitals-bridge/internal/httputil"
	"github.com/dj-oyu/vitals-bridge/internal/landmarks"
	"github.com/dj-oyu/vitals-bridge/internal/logger"
	"github.com/dj-oyu/vitals-bridge/internal/metrics"
	"github.com/dj-oyu/vitals-bridge/internal/webrtc"
	"github.com/dj-oyu/vitals-bridge/pkg/types"
)

const maxOfferSize = 64 << 10

// OverlayFunc returns the overlay for the latest frame.
type OverlayFunc func() types.Overlay

// PeerServer answers WebRTC offers and pushes status messages to peers.
type PeerServer interface {
	HandleOffer(offerJSON []byte) ([]byte, error)
	SendStatus(msg []byte)
	ClientCount() int
	Close() error
}

// Server serves the preview endpoints.
type Server struct {
	cfg     Config
	hub     *Hub
	status  *StatusBroadcaster
	statusF StatusFunc
	overlay OverlayFunc
	rtc     PeerServer
	metrics *metrics.Metrics
	log     *logger.Scope
}

// NewServer returns a preview server. rtc and m may be nil.
func NewServer(cfg Config, hub *Hub, status StatusFunc, overlay OverlayFunc, rtc PeerServer, m *metrics.Metrics) *Server {
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = DefaultConfig().StatusInterval
	}
	return &Server{
		cfg:     cfg,
		hub:     hub,
		status:  NewStatusBroadcaster(status, cfg.StatusInterval),
		statusF: status,
		overlay: overlay,
		rtc:     rtc,
		metrics: m,
		log:     logger.For("Preview"),
	}
}

// Run drives the frame and status broadcasters until ctx is done.
func (s *Server) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); s.hub.Run(ctx) }()
	go func() { defer wg.Done(); s.status.Run(ctx) }()
	if s.rtc != nil {
		wg.Add(1)
		go func() { defer wg.Done(); s.forwardStatus(ctx) }()
	}
	wg.Wait()

	if s.rtc != nil {
		s.rtc.Close()
	}
}

func (s *Server) forwardStatus(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.StatusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if s.rtc.ClientCount() == 0 {
			continue
		}
		event, err := SerializeStatus(s.statusF())
		if err != nil {
			s.log.Error("%v", err)
			continue
		}
		s.rtc.SendStatus(event.JSONData)
	}
}

// Handler exposes the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/{$}", s.handleIndex)
	mux.HandleFunc("/stream", s.handleStream)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/status/stream", s.handleStatusStream)
	mux.HandleFunc("/api/landmarks", s.handleLandmarks)
	mux.HandleFunc("/api/webrtc/offer", s.handleWebRTCOffer)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

func (s *Server) trackClient() func() {
	if s.metrics == nil {
		return func() {}
	}
	s.metrics.PreviewClients.Add(1)
	return func() { s.metrics.PreviewClients.Add(-1) }
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(indexHTML))
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	defer s.trackClient()()
	id, frameCh := s.hub.Subscribe()
	defer s.hub.Unsubscribe(id)
	streamMJPEG(r.Context(), w, frameCh)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, s.statusF())
}

func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	defer s.trackClient()()
	id, eventCh := s.status.Subscribe()
	defer s.status.Unsubscribe(id)

	accept := r.Header.Get("Accept")
	useProtobuf := strings.Contains(accept, "application/protobuf") ||
		strings.Contains(accept, "application/x-protobuf")
	streamStatusEvents(r.Context(), w, eventCh, useProtobuf)
}

type regionRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

func (s *Server) handleLandmarks(w http.ResponseWriter, r *http.Request) {
	canonical := s.overlay().Canonical
	if canonical == nil {
		canonical = []types.Point2D{}
	}

	regions := make(map[string]regionRange, len(landmarks.IBUG68.Segments))
	for _, seg := range landmarks.IBUG68.Segments {
		start, end, _ := landmarks.IBUG68.Bounds(seg.Region)
		regions[seg.Region.String()] = regionRange{Start: start, End: end}
	}

	httputil.WriteJSON(w, map[string]any{
		"topology":  landmarks.IBUG68.Version,
		"count":     len(canonical),
		"landmarks": canonical,
		"regions":   regions,
	})
}

func (s *Server) handleWebRTCOffer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.rtc == nil {
		httputil.WriteError(w, "WebRTC is disabled", http.StatusServiceUnavailable)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxOfferSize))
	if err != nil {
		httputil.WriteError(w, "Invalid offer data", http.StatusBadRequest)
		return
	}

	answer, err := s.rtc.HandleOffer(body)
	switch {
	case errors.Is(err, webrtc.ErrTooManyClients):
		httputil.WriteError(w, err.Error(), http.StatusServiceUnavailable)
		return
	case err != nil:
		s.log.Warn("WebRTC offer rejected: %v", err)
		httputil.WriteError(w, "Invalid offer data", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(answer)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.statusF()
	httputil.WriteJSON(w, map[string]any{
		"status":    "ok",
		"telemetry": st.Telemetry,
		"ingest":    st.Ingest,
		"sensing":   st.SensingStatus,
	})
}
