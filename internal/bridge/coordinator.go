// Package bridge wires the sensing output to the telemetry publisher, the
// landmark remapper and the display, and drives the ingest and telemetry
// connections.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"sync"
	"time"

	"github.com/dj-oyu/vitals-bridge/internal/framing"
	"github.com/dj-oyu/vitals-bridge/internal/ingest"
	"github.com/dj-oyu/vitals-bridge/internal/landmarks"
	"github.com/dj-oyu/vitals-bridge/internal/logger"
	"github.com/dj-oyu/vitals-bridge/internal/metrics"
	"github.com/dj-oyu/vitals-bridge/internal/netutil"
	"github.com/dj-oyu/vitals-bridge/internal/sensing"
	"github.com/dj-oyu/vitals-bridge/internal/telemetry"
	"github.com/dj-oyu/vitals-bridge/pkg/types"
)

// Payload selects which message shape is published per metrics event.
type Payload string

const (
	PayloadDetailed Payload = "detailed"
	PayloadSummary  Payload = "summary"
)

// ParsePayload validates a payload name.
func ParsePayload(s string) (Payload, error) {
	switch Payload(s) {
	case PayloadDetailed, PayloadSummary:
		return Payload(s), nil
	}
	return "", fmt.Errorf("unknown payload %q (want %q or %q)", s, PayloadDetailed, PayloadSummary)
}

// Config holds the coordinator policy.
type Config struct {
	Payload Payload

	// Reaccept makes RunIngest wait for a new producer after the current
	// one disconnects or breaks framing.
	Reaccept bool

	// RetryInterval is the telemetry reconnect period.
	RetryInterval time.Duration
	// MaxSendFailures consecutive write errors drop the telemetry connection
	// so the next retry reconnects. Zero disables the policy.
	MaxSendFailures int
}

// DefaultConfig returns the coordinator policy used by `serve`.
func DefaultConfig() Config {
	return Config{
		Payload:         PayloadDetailed,
		Reaccept:        true,
		RetryInterval:   2 * time.Second,
		MaxSendFailures: 5,
	}
}

// Publisher is the telemetry side of the coordinator.
type Publisher interface {
	Connect(ctx context.Context) error
	Disconnect()
	IsConnected() bool
	SendVitals(pulse, breathing int, timestamp int64) error
	SendDetailedVitals(v types.DetailedVitals) error
}

// Display receives decoded frames with the overlay to draw on them.
type Display interface {
	PublishFrame(frame *types.Frame, overlay types.Overlay)
}

// FrameServer is the ingest side of the coordinator.
type FrameServer interface {
	Listen() error
	Accept() error
	ReceiveFrame() (*types.Frame, error)
	Stop()
	PeerAddr() net.Addr
	Session() string
}

var _ sensing.Handler = (*Coordinator)(nil)

// Coordinator implements sensing.Handler.
type Coordinator struct {
	cfg     Config
	pub     Publisher
	display Display
	metrics *metrics.Metrics
	log     *logger.Scope

	telemetryTarget string

	mu           sync.Mutex
	vitals       types.DetailedVitals
	dense        []types.Point2D
	canonical    []types.Point2D
	status       sensing.StatusChange
	sendFailures int

	ingestState    string
	ingestPeer     string
	ingestSession  string
	framesReceived uint64
	lastSeq        uint64
	frameW, frameH int
}

// New creates a coordinator. display and m may be nil.
func New(cfg Config, pub Publisher, display Display, m *metrics.Metrics) *Coordinator {
	if cfg.Payload == "" {
		cfg.Payload = PayloadDetailed
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultConfig().RetryInterval
	}
	if m == nil {
		m = metrics.New()
	}
	return &Coordinator{
		cfg:         cfg,
		pub:         pub,
		display:     display,
		metrics:     m,
		log:         logger.For("Bridge"),
		ingestState: ingest.StateIdle.String(),
		status:      sensing.StatusChange{Description: "waiting"},
	}
}

// SetTelemetryTarget records the sink address reported by Snapshot.
func (c *Coordinator) SetTelemetryTarget(addr string) {
	c.mu.Lock()
	c.telemetryTarget = addr
	c.mu.Unlock()
}

// OnCoreMetrics updates the running vitals and publishes them once both
// rates are positive. Estimates missing from this event keep their
// previous values.
func (c *Coordinator) OnCoreMetrics(m sensing.CoreMetrics) {
	c.mu.Lock()
	if len(m.Pulse) > 0 {
		c.vitals.PulseRate = int(m.Pulse[0].Value)
		c.vitals.PulseConfidence = confidence(m.Pulse[0].Confidence)
	}
	if len(m.Breathing) > 0 {
		c.vitals.BreathingRate = int(m.Breathing[0].Value)
		c.vitals.BreathingConfidence = confidence(m.Breathing[0].Confidence)
	}
	if len(m.Talking) > 0 {
		c.vitals.Talking = m.Talking[0]
	}
	c.vitals.Timestamp = m.Timestamp
	v := c.vitals
	c.mu.Unlock()

	if !v.Valid() {
		c.metrics.VitalsSkipped.Add(1)
		return
	}

	c.log.Info("Core vitals - Pulse: %d BPM (conf: %.2f), Breathing: %d BPM (conf: %.2f)",
		v.PulseRate, v.PulseConfidence, v.BreathingRate, v.BreathingConfidence)
	c.metrics.SetVitals(float64(v.PulseRate), float64(v.BreathingRate))

	var err error
	switch c.cfg.Payload {
	case PayloadSummary:
		err = c.pub.SendVitals(v.PulseRate, v.BreathingRate, v.Timestamp)
	default:
		err = c.pub.SendDetailedVitals(v)
	}
	c.recordSend(err)
}

// confidence maps an engine confidence into [0, 1]; non-finite values
// become 0.
func confidence(v float32) float32 {
	f := float64(v)
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return v
}

func (c *Coordinator) recordSend(err error) {
	if err == nil {
		c.metrics.VitalsSent.Add(1)
		c.mu.Lock()
		c.sendFailures = 0
		c.mu.Unlock()
		return
	}

	c.metrics.VitalsFailed.Add(1)
	if errors.Is(err, telemetry.ErrNotConnected) || errors.Is(err, telemetry.ErrEncode) {
		c.log.Debug("Vitals not sent: %v", err)
		return
	}

	c.mu.Lock()
	c.sendFailures++
	drop := c.cfg.MaxSendFailures > 0 && c.sendFailures >= c.cfg.MaxSendFailures
	failures := c.sendFailures
	if drop {
		c.sendFailures = 0
	}
	c.mu.Unlock()

	if drop {
		c.log.Warn("%d consecutive send failures, dropping telemetry connection", failures)
		c.pub.Disconnect()
		metrics.SetFlag(&c.metrics.TelemetryConnected, false)
	}
}

// OnEdgeMetrics stores the latest dense landmark set and its canonical
// remap. An event without landmarks keeps the previous set.
func (c *Coordinator) OnEdgeMetrics(m sensing.EdgeMetrics) {
	if len(m.Landmarks) == 0 {
		return
	}
	dense := make([]types.Point2D, len(m.Landmarks))
	copy(dense, m.Landmarks)

	canonical := landmarks.Remap(dense)
	if canonical == nil {
		c.metrics.RemapUnavailable.Add(1)
		c.log.Debug("Remap unavailable: %d landmarks", len(dense))
	} else {
		c.metrics.RemapOK.Add(1)
	}

	c.mu.Lock()
	c.dense = dense
	c.canonical = canonical
	c.mu.Unlock()
}

// OnFrame hands the frame and the current overlay to the display.
func (c *Coordinator) OnFrame(frame *types.Frame) {
	if frame == nil {
		return
	}
	overlay := c.overlay()

	c.mu.Lock()
	c.lastSeq = frame.Seq
	c.frameW, c.frameH = frame.Width(), frame.Height()
	c.mu.Unlock()

	if c.display != nil {
		c.display.PublishFrame(frame, overlay)
	}
	c.metrics.UpdateFrameLatency(frame.Received)
}

// OnStatus records the sensing status.
func (c *Coordinator) OnStatus(s sensing.StatusChange) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
	c.log.Info("Imaging/processing status: %s (%d)", s.Description, s.Code)
}

// overlay snapshots the render inputs. The landmark slices are replaced,
// never mutated, so sharing them with the display is safe.
func (c *Coordinator) overlay() types.Overlay {
	c.mu.Lock()
	defer c.mu.Unlock()
	return types.Overlay{
		Vitals:    c.vitals,
		Dense:     c.dense,
		Canonical: c.canonical,
		Status:    c.status.Description,
	}
}

// Snapshot returns the current bridge status.
func (c *Coordinator) Snapshot() types.BridgeStatus {
	telemetryState := telemetry.StateDisconnected.String()
	if c.pub.IsConnected() {
		telemetryState = telemetry.StateConnected.String()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return types.BridgeStatus{
		Vitals:          c.vitals,
		VitalsValid:     c.vitals.Valid(),
		SensingCode:     c.status.Code,
		SensingStatus:   c.status.Description,
		Telemetry:       telemetryState,
		TelemetryTarget: c.telemetryTarget,
		Ingest:          c.ingestState,
		IngestPeer:      c.ingestPeer,
		IngestSession:   c.ingestSession,
		FramesReceived:  c.framesReceived,
		LastFrameSeq:    c.lastSeq,
		FrameWidth:      c.frameW,
		FrameHeight:     c.frameH,
		LandmarkCount:   len(c.dense),
		CanonicalCount:  len(c.canonical),
		UpdatedAt:       time.Now(),
	}
}

// Overlay returns the latest render inputs.
func (c *Coordinator) Overlay() types.Overlay {
	return c.overlay()
}

func (c *Coordinator) setIngest(state ingest.State, peer, session string) {
	c.mu.Lock()
	c.ingestState = state.String()
	if peer != "" || state != ingest.StateStreaming {
		c.ingestPeer = peer
		c.ingestSession = session
	}
	c.mu.Unlock()
	metrics.SetFlag(&c.metrics.IngestStreaming, state == ingest.StateStreaming)
}

// RunIngest accepts the producer and forwards its frames to OnFrame until
// ctx is done. Decode failures are skipped. A framing failure or peer
// disconnect ends the session; with Reaccept the server waits for the next
// producer, otherwise the error is returned. Setup failures are returned.
func (c *Coordinator) RunIngest(ctx context.Context, srv FrameServer) error {
	stop := context.AfterFunc(ctx, srv.Stop)
	defer stop()
	defer c.setIngest(ingest.StateStopped, "", "")

	for {
		if ctx.Err() != nil {
			return nil
		}

		if err := srv.Listen(); err != nil {
			return err
		}
		// A cancel that raced the Listen above has already run Stop.
		if ctx.Err() != nil {
			srv.Stop()
			return nil
		}

		c.setIngest(ingest.StateAccepting, "", "")
		if err := srv.Accept(); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		peer := ""
		if a := srv.PeerAddr(); a != nil {
			peer = a.String()
		}
		c.setIngest(ingest.StateStreaming, peer, srv.Session())
		c.metrics.IngestSessions.Add(1)

		err := c.pump(ctx, srv)
		srv.Stop()
		c.setIngest(ingest.StateStopped, "", "")

		if ctx.Err() != nil {
			return nil
		}
		if !c.cfg.Reaccept {
			return err
		}
		c.log.Info("Waiting for the video producer to reconnect")
	}
}

// pump reads frames until the session ends.
func (c *Coordinator) pump(ctx context.Context, srv FrameServer) error {
	for {
		frame, err := srv.ReceiveFrame()
		if err != nil {
			if errors.Is(err, ingest.ErrDecode) {
				c.metrics.FramesReceived.Add(1)
				c.metrics.DecodeFailures.Add(1)
				continue
			}
			if ctx.Err() != nil || errors.Is(err, ingest.ErrStopped) {
				return err
			}
			if errors.Is(err, framing.ErrShortHeader) && netutil.IsExpectedCloseError(err) {
				c.log.Info("Video producer disconnected")
				return err
			}
			c.metrics.FramingFailures.Add(1)
			c.log.Warn("Ingest session ended: %v", err)
			return err
		}

		c.metrics.FramesReceived.Add(1)
		c.metrics.FramesDecoded.Add(1)
		c.metrics.BytesReceived.Add(uint64(frame.Size))
		c.metrics.UpdateDecodeLatency(frame.DecodeTime)

		c.mu.Lock()
		c.framesReceived++
		c.mu.Unlock()

		c.OnFrame(frame)
	}
}

// RunTelemetry keeps the telemetry connection up until ctx is done,
// reconnecting every RetryInterval while disconnected. An invalid sink
// address is returned immediately.
func (c *Coordinator) RunTelemetry(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.RetryInterval)
	defer ticker.Stop()
	defer func() {
		c.pub.Disconnect()
		metrics.SetFlag(&c.metrics.TelemetryConnected, false)
	}()

	attempts := 0
	for {
		if !c.pub.IsConnected() {
			err := c.pub.Connect(ctx)
			switch {
			case err == nil:
				attempts = 0
				c.metrics.TelemetryConnects.Add(1)
				c.mu.Lock()
				c.sendFailures = 0
				c.mu.Unlock()
			case errors.Is(err, telemetry.ErrInvalidHost):
				return err
			case ctx.Err() != nil:
				return nil
			default:
				attempts++
				if attempts == 1 {
					c.log.Warn("Telemetry sink unreachable, retrying every %v", c.cfg.RetryInterval)
				}
			}
		}
		metrics.SetFlag(&c.metrics.TelemetryConnected, c.pub.IsConnected())

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
