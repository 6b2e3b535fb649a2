package sink

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/dj-oyu/vitals-bridge/internal/logger"
	"github.com/dj-oyu/vitals-bridge/internal/netutil"
)

const maxLine = 64 * 1024

// Server reads vitals lines from one publisher connection at a time.
type Server struct {
	store *Store
	log   *logger.Scope

	mu   sync.Mutex
	conn net.Conn
}

// NewServer creates a server that writes into store.
func NewServer(store *Store) *Server {
	return &Server{store: store, log: logger.For("Sink")}
}

// Store returns the backing store.
func (s *Server) Store() *Store {
	return s.store
}

// Serve accepts connections on ln until ctx is done. Connections are
// handled one after another, never concurrently. Serve closes ln.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() {
		ln.Close()
		s.mu.Lock()
		if s.conn != nil {
			s.conn.Close()
		}
		s.mu.Unlock()
	})
	defer stop()
	defer ln.Close()

	s.log.Info("Socket server listening on %s", ln.Addr())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("failed to accept connection: %w", err)
		}

		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		if ctx.Err() != nil {
			conn.Close()
			return nil
		}

		s.handle(conn)

		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
	}
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()
	peer := conn.RemoteAddr()
	s.log.Info("Connection from %s", peer)

	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 4096), maxLine)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		if err := s.store.Apply(line); err != nil {
			s.log.Warn("Skipping line from %s: %v", peer, err)
			continue
		}
		v := s.store.Latest()
		s.log.Info("Vitals - Pulse: %d BPM (conf: %.2f), Breathing: %d BPM (conf: %.2f), Talking: %v",
			v.PulseRate, v.PulseConfidence, v.BreathingRate, v.BreathingConfidence, v.Talking)
	}

	if err := sc.Err(); err != nil && !netutil.IsExpectedCloseError(err) {
		s.log.Warn("Connection from %s ended: %v", peer, err)
		return
	}
	s.log.Info("Connection from %s closed", peer)
}
