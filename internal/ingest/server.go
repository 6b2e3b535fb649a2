// Package ingest receives the producer's video stream: a single TCP
// connection carrying length-prefixed encoded still images.
//
// The server is pull-based and blocking. Start waits for the producer,
// ReceiveFrame waits for the next frame, and the only way to interrupt
// either from outside is Stop, which closes the sockets underneath them.
package ingest

import (
	"errors"
	"fmt"
	"image"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dj-oyu/vitals-bridge/internal/framing"
	"github.com/dj-oyu/vitals-bridge/internal/logger"
	"github.com/dj-oyu/vitals-bridge/pkg/types"
)

// listenBacklog is 1: the protocol has exactly one producer.
const listenBacklog = 1

var (
	// ErrNotStreaming is returned by ReceiveFrame outside the Streaming state.
	ErrNotStreaming = errors.New("ingest: not streaming")
	// ErrNotListening is returned by Accept before Listen.
	ErrNotListening = errors.New("ingest: not listening")
	// ErrStopped is returned when Stop interrupts Accept or ReceiveFrame.
	ErrStopped = errors.New("ingest: server stopped")
	// ErrDecode wraps payloads that arrived intact but are not a decodable image.
	ErrDecode = errors.New("ingest: failed to decode frame")
)

// State is the server lifecycle position.
type State int

const (
	StateIdle State = iota
	StateListening
	StateAccepting
	StateStreaming
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateAccepting:
		return "accepting"
	case StateStreaming:
		return "streaming"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Config holds the ingest listener settings.
type Config struct {
	Host         string // Bind address; empty means all IPv4 interfaces
	Port         int
	MaxFrameSize uint32 // 0 means framing.MaxFrameSize

	// Expected capture resolution. Frames of another size are logged once,
	// and rescaled when ResizeToExpected is set.
	Width            int
	Height           int
	ResizeToExpected bool
}

// DefaultConfig returns the listener settings the producer expects.
func DefaultConfig() Config {
	return Config{
		Port:         8081,
		MaxFrameSize: framing.MaxFrameSize,
		Width:        1280,
		Height:       720,
	}
}

// Server accepts one producer connection and decodes the frames it sends.
type Server struct {
	cfg Config
	log *logger.Scope

	mu         sync.Mutex
	state      State
	listener   net.Listener
	conn       net.Conn
	reader     *framing.Reader
	peer       net.Addr
	session    string
	seq        uint64
	warnedSize bool
}

// NewServer creates a server in the Idle state.
func NewServer(cfg Config) *Server {
	if cfg.MaxFrameSize == 0 || cfg.MaxFrameSize > framing.MaxFrameSize {
		cfg.MaxFrameSize = framing.MaxFrameSize
	}
	return &Server{
		cfg: cfg,
		log: logger.For("Ingest"),
	}
}

// Start listens and then blocks until the producer connects.
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Accept()
}

// Listen opens the listening socket with address reuse and a backlog of one.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateListening, StateAccepting, StateStreaming:
		return fmt.Errorf("ingest: cannot listen while %s", s.state)
	}

	ln, err := listenTCP(s.cfg.Host, s.cfg.Port, listenBacklog)
	if err != nil {
		s.log.Error("Failed to listen on port %d: %v", s.cfg.Port, err)
		return fmt.Errorf("failed to listen on port %d: %w", s.cfg.Port, err)
	}

	s.listener = ln
	s.state = StateListening
	s.log.Info("Waiting for video stream on %s...", ln.Addr())
	return nil
}

// Accept blocks until one producer connects. On failure every socket the
// server holds is closed and the server ends up Stopped.
func (s *Server) Accept() error {
	s.mu.Lock()
	if s.state != StateListening {
		s.mu.Unlock()
		return ErrNotListening
	}
	ln := s.listener
	s.state = StateAccepting
	s.mu.Unlock()

	conn, err := ln.Accept()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateAccepting {
		if conn != nil {
			conn.Close()
		}
		return ErrStopped
	}
	if err != nil {
		s.closeLocked()
		s.log.Error("Failed to accept connection: %v", err)
		return fmt.Errorf("failed to accept connection: %w", err)
	}

	s.conn = conn
	s.reader = framing.NewReader(conn, s.cfg.MaxFrameSize)
	s.peer = conn.RemoteAddr()
	s.session = uuid.NewString()
	s.seq = 0
	s.warnedSize = false
	s.state = StateStreaming

	s.log.Info("Video stream connected from %s (session %s)", s.peer, s.session)
	return nil
}

// ReceiveFrame reads and decodes the next frame.
//
// Framing failures (see IsTerminal) leave the stream position unknown; the
// caller should Stop. A decode failure consumed exactly one frame, so the
// next call may succeed.
func (s *Server) ReceiveFrame() (*types.Frame, error) {
	s.mu.Lock()
	if s.state != StateStreaming {
		s.mu.Unlock()
		return nil, ErrNotStreaming
	}
	reader := s.reader
	s.mu.Unlock()

	payload, err := reader.Next()
	if err != nil {
		if s.State() == StateStopped {
			return nil, fmt.Errorf("%w: %w", ErrStopped, err)
		}
		s.log.Warn("Failed to receive frame: %v", err)
		return nil, err
	}
	received := time.Now()

	img, format, err := decodeImage(payload)
	if err != nil {
		s.log.Warn("Failed to decode %d-byte frame: %v", len(payload), err)
		return nil, fmt.Errorf("%w (%d bytes): %v", ErrDecode, len(payload), err)
	}

	s.mu.Lock()
	s.seq++
	seq := s.seq
	s.mu.Unlock()

	img = s.fit(img)

	return &types.Frame{
		Image:      img,
		Seq:        seq,
		Format:     format,
		Size:       len(payload),
		Received:   received,
		DecodeTime: time.Since(received),
	}, nil
}

// fit applies the expected-resolution policy. s.cfg is immutable after
// NewServer; only warnedSize is guarded.
func (s *Server) fit(img *image.RGBA) *image.RGBA {
	if s.cfg.Width <= 0 || s.cfg.Height <= 0 {
		return img
	}
	b := img.Bounds()
	if b.Dx() == s.cfg.Width && b.Dy() == s.cfg.Height {
		return img
	}
	if s.cfg.ResizeToExpected {
		return resample(img, s.cfg.Width, s.cfg.Height)
	}

	s.mu.Lock()
	warn := !s.warnedSize
	s.warnedSize = true
	s.mu.Unlock()
	if warn {
		s.log.Warn("Frame size %dx%d differs from expected %dx%d", b.Dx(), b.Dy(), s.cfg.Width, s.cfg.Height)
	}
	return img
}

// Stop closes the producer connection and the listener. It is idempotent
// and may be called from any goroutine to unblock Accept or ReceiveFrame.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateStreaming {
		s.log.Info("Video stream from %s closed after %d frames", s.peer, s.seq)
	}
	s.closeLocked()
}

func (s *Server) closeLocked() {
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	if s.listener != nil {
		s.listener.Close()
		s.listener = nil
	}
	s.reader = nil
	s.state = StateStopped
}

// IsRunning reports whether a producer is connected.
func (s *Server) IsRunning() bool {
	return s.State() == StateStreaming
}

// State returns the current lifecycle state.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Addr returns the listening address, or nil when not listening.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// PeerAddr returns the address of the last accepted producer.
func (s *Server) PeerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer
}

// Session returns the identifier assigned to the current producer connection.
func (s *Server) Session() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

// IsTerminal reports whether err leaves the connection unusable. Decode
// failures are not terminal; framing failures and shutdown are.
func IsTerminal(err error) bool {
	return errors.Is(err, framing.ErrShortHeader) ||
		errors.Is(err, framing.ErrShortPayload) ||
		errors.Is(err, framing.ErrInvalidLength) ||
		errors.Is(err, ErrNotStreaming) ||
		errors.Is(err, ErrStopped)
}
