// Package telemetry publishes vitals to the telemetry sink as
// newline-delimited JSON over a single outbound TCP connection.
//
// The publisher never reconnects on its own. A failed write is reported to
// the caller and the connection is left as it is; deciding when to give up
// on a connection is the caller's job.
package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"github.com/dj-oyu/vitals-bridge/internal/logger"
	"github.com/dj-oyu/vitals-bridge/pkg/types"
)

var (
	// ErrNotConnected is returned by the Send methods while disconnected.
	ErrNotConnected = errors.New("telemetry: not connected")
	// ErrInvalidHost is returned by Connect when the host is not a numeric IP address.
	ErrInvalidHost = errors.New("telemetry: host must be a numeric IP address")
	// ErrConnectInProgress is returned by Connect while another Connect is dialing.
	ErrConnectInProgress = errors.New("telemetry: connect already in progress")
	// ErrEncode is returned by the Send methods when a message cannot be
	// serialized. Nothing was written and the connection is unaffected.
	ErrEncode = errors.New("telemetry: failed to encode vitals")
)

// State is the connection lifecycle position.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Config identifies the telemetry sink.
type Config struct {
	Host string
	Port int
	// DialTimeout bounds Connect. Zero means no limit beyond the context.
	DialTimeout time.Duration
}

// DefaultConfig returns the sink address used by the reference deployment.
func DefaultConfig() Config {
	return Config{
		Host: "172.26.64.1",
		Port: 5555,
	}
}

// Addr returns the host:port of the sink.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Publisher owns the connection to the telemetry sink. It is safe for
// concurrent use; each message goes out in a single write.
type Publisher struct {
	cfg Config
	log *logger.Scope

	dial func(ctx context.Context, network, addr string) (net.Conn, error)

	mu         sync.Mutex
	state      State
	conn       net.Conn
	cancelDial context.CancelFunc
	dialGen    uint64 // identifies the Connect that owns StateConnecting
}

// New creates a disconnected publisher.
func New(cfg Config) *Publisher {
	var d net.Dialer
	return &Publisher{
		cfg:  cfg,
		log:  logger.For("Telemetry"),
		dial: d.DialContext,
	}
}

// Connect opens the TCP connection to the sink. It is a no-op when already
// connected. On failure the publisher stays disconnected.
func (p *Publisher) Connect(ctx context.Context) error {
	addr, err := netip.ParseAddr(p.cfg.Host)
	if err != nil {
		p.log.Error("Invalid telemetry host %q", p.cfg.Host)
		return fmt.Errorf("%w: %q", ErrInvalidHost, p.cfg.Host)
	}
	if p.cfg.Port <= 0 || p.cfg.Port > 65535 {
		return fmt.Errorf("telemetry: invalid port %d", p.cfg.Port)
	}
	target := netip.AddrPortFrom(addr, uint16(p.cfg.Port)).String()

	p.mu.Lock()
	switch p.state {
	case StateConnected:
		p.mu.Unlock()
		return nil
	case StateConnecting:
		p.mu.Unlock()
		return ErrConnectInProgress
	}
	if p.cfg.DialTimeout > 0 {
		ctx, p.cancelDial = context.WithTimeout(ctx, p.cfg.DialTimeout)
	} else {
		ctx, p.cancelDial = context.WithCancel(ctx)
	}
	cancel := p.cancelDial
	p.dialGen++
	gen := p.dialGen
	p.state = StateConnecting
	p.mu.Unlock()
	defer cancel()

	conn, err := p.dial(ctx, "tcp", target)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateConnecting || p.dialGen != gen {
		// Disconnect ran while dialing, and possibly a newer Connect.
		if conn != nil {
			conn.Close()
		}
		return fmt.Errorf("failed to connect to telemetry sink %s: %w", target, net.ErrClosed)
	}
	p.cancelDial = nil
	if err != nil {
		p.state = StateDisconnected
		p.log.Error("Failed to connect to telemetry sink %s: %v", target, err)
		return fmt.Errorf("failed to connect to telemetry sink %s: %w", target, err)
	}

	p.conn = conn
	p.state = StateConnected
	p.log.Info("Connected to telemetry sink %s", target)
	return nil
}

// Disconnect closes the connection if open. It is idempotent and may be
// called from another goroutine to abort an in-flight Connect or write.
func (p *Publisher) Disconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancelDial != nil {
		p.cancelDial()
		p.cancelDial = nil
	}
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
		p.log.Info("Disconnected from telemetry sink %s", p.cfg.Addr())
	}
	p.state = StateDisconnected
}

// Close implements io.Closer.
func (p *Publisher) Close() error {
	p.Disconnect()
	return nil
}

// IsConnected reports whether the connection is open.
func (p *Publisher) IsConnected() bool {
	return p.State() == StateConnected
}

// State returns the current lifecycle state.
func (p *Publisher) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// SendVitals sends the summary message
// {"pulse":P,"breathing":B,"timestamp":T}.
func (p *Publisher) SendVitals(pulse, breathing int, timestamp int64) error {
	return p.send(types.VitalsSummary{
		Pulse:     pulse,
		Breathing: breathing,
		Timestamp: timestamp,
	})
}

// SendDetailedVitals sends rates with confidences and the talking flag.
func (p *Publisher) SendDetailedVitals(v types.DetailedVitals) error {
	return p.send(v)
}

func (p *Publisher) send(msg any) error {
	p.mu.Lock()
	conn := p.conn
	connected := p.state == StateConnected
	p.mu.Unlock()

	if !connected || conn == nil {
		return ErrNotConnected
	}

	line, err := json.Marshal(msg)
	if err != nil {
		p.log.Warn("Failed to encode vitals: %v", err)
		return fmt.Errorf("%w: %w", ErrEncode, err)
	}
	line = append(line, '\n')

	n, err := conn.Write(line)
	if err != nil {
		p.log.Warn("Failed to send vitals: %v", err)
		return fmt.Errorf("failed to send vitals: %w", err)
	}
	if n != len(line) {
		return fmt.Errorf("failed to send vitals: %w (%d of %d bytes)", io.ErrShortWrite, n, len(line))
	}
	p.log.Debug("Sent %s", line[:len(line)-1])
	return nil
}
