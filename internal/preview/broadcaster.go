package preview

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dj-oyu/vitals-bridge/internal/logger"
	"github.com/dj-oyu/vitals-bridge/pkg/types"
)

// Hub renders frames with their overlay and fans the JPEGs out to MJPEG
// clients. It implements the coordinator's display.
type Hub struct {
	mu      sync.Mutex
	clients map[int]chan []byte
	nextID  int
	quality int

	pendingFrame   *types.Frame
	pendingOverlay types.Overlay
	notify         chan struct{}

	encoded   uint64
	skipCount uint64 // frames dropped because nobody was watching

	log *logger.Scope
}

// NewHub creates a hub that encodes at the given JPEG quality.
func NewHub(quality int) *Hub {
	if quality < 1 || quality > 100 {
		quality = DefaultConfig().JPEGQuality
	}
	return &Hub{
		clients: make(map[int]chan []byte),
		quality: quality,
		notify:  make(chan struct{}, 1),
		log:     logger.For("Preview"),
	}
}

// Subscribe adds a new client and returns a channel for receiving frames.
func (h *Hub) Subscribe() (int, <-chan []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	ch := make(chan []byte, 2)
	h.clients[id] = ch

	h.log.Debug("Client #%d subscribed (total clients: %d)", id, len(h.clients))
	return id, ch
}

// Unsubscribe removes a client.
func (h *Hub) Unsubscribe(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ch, ok := h.clients[id]; ok {
		close(ch)
		delete(h.clients, id)
		h.log.Debug("Client #%d unsubscribed (remaining clients: %d)", id, len(h.clients))
		if len(h.clients) == 0 {
			h.log.Info("No clients remaining - frame encoding will be skipped")
		}
	}
}

// ClientCount returns the number of MJPEG subscribers.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Stats returns the number of frames encoded and skipped.
func (h *Hub) Stats() (encoded, skipped uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.encoded, h.skipCount
}

// PublishFrame hands a frame to the render loop. It never blocks; a frame
// that arrives before the previous one was rendered replaces it.
func (h *Hub) PublishFrame(frame *types.Frame, ov types.Overlay) {
	h.mu.Lock()
	if len(h.clients) == 0 {
		h.skipCount++
		h.mu.Unlock()
		return
	}
	h.pendingFrame = frame
	h.pendingOverlay = ov
	h.mu.Unlock()

	select {
	case h.notify <- struct{}{}:
	default:
	}
}

// Run renders and broadcasts pending frames until ctx is done, then
// disconnects every subscriber.
func (h *Hub) Run(ctx context.Context) {
	defer h.closeAll()
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.notify:
		}

		h.mu.Lock()
		frame, ov := h.pendingFrame, h.pendingOverlay
		h.pendingFrame = nil
		h.mu.Unlock()
		if frame == nil {
			continue
		}

		jpegData, err := Encode(frame, ov, h.quality)
		if err != nil {
			h.log.Warn("Frame #%d: %v", frame.Seq, err)
			continue
		}
		h.broadcast(jpegData)
	}
}

func (h *Hub) broadcast(jpegData []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.encoded++
	for _, ch := range h.clients {
		select {
		case ch <- jpegData:
		default:
			// Client too slow, skip this frame for it
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.clients {
		close(ch)
		delete(h.clients, id)
	}
}

// SerializedEvent holds pre-serialized data in both formats.
type SerializedEvent struct {
	JSONData     []byte // Pre-serialized JSON
	ProtobufData []byte // structpb.Struct, base64 encoded for SSE
}

// StatusFunc returns the current bridge status.
type StatusFunc func() types.BridgeStatus

// SerializeStatus encodes a status snapshot as JSON and as a protobuf
// Struct with the same fields.
func SerializeStatus(status types.BridgeStatus) (*SerializedEvent, error) {
	jsonData, err := json.Marshal(status)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal status: %w", err)
	}

	var fields map[string]any
	if err := json.Unmarshal(jsonData, &fields); err != nil {
		return nil, fmt.Errorf("failed to unpack status: %w", err)
	}
	pbStatus, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to build status struct: %w", err)
	}
	pbData, err := proto.Marshal(pbStatus)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal status protobuf: %w", err)
	}

	return &SerializedEvent{
		JSONData:     jsonData,
		ProtobufData: []byte(base64.StdEncoding.EncodeToString(pbData)),
	}, nil
}

// StatusBroadcaster polls a StatusFunc and fans the serialized result out
// to SSE clients.
type StatusBroadcaster struct {
	mu       sync.Mutex
	clients  map[int]chan *SerializedEvent
	nextID   int
	status   StatusFunc
	interval time.Duration
	log      *logger.Scope
}

// NewStatusBroadcaster creates a broadcaster for status events.
func NewStatusBroadcaster(status StatusFunc, interval time.Duration) *StatusBroadcaster {
	if interval <= 0 {
		interval = DefaultConfig().StatusInterval
	}
	return &StatusBroadcaster{
		clients:  make(map[int]chan *SerializedEvent),
		status:   status,
		interval: interval,
		log:      logger.For("StatusBroadcaster"),
	}
}

// Subscribe adds a new client and returns a channel for receiving events.
func (sb *StatusBroadcaster) Subscribe() (int, <-chan *SerializedEvent) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	id := sb.nextID
	sb.nextID++
	ch := make(chan *SerializedEvent, 2)
	sb.clients[id] = ch

	sb.log.Debug("Client #%d subscribed (total clients: %d)", id, len(sb.clients))
	return id, ch
}

// Unsubscribe removes a client.
func (sb *StatusBroadcaster) Unsubscribe(id int) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	if ch, ok := sb.clients[id]; ok {
		close(ch)
		delete(sb.clients, id)
		sb.log.Debug("Client #%d unsubscribed (remaining clients: %d)", id, len(sb.clients))
	}
}

// Run publishes a status event every interval while anyone is subscribed.
func (sb *StatusBroadcaster) Run(ctx context.Context) {
	ticker := time.NewTicker(sb.interval)
	defer ticker.Stop()
	defer sb.closeAll()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		sb.mu.Lock()
		clientCount := len(sb.clients)
		sb.mu.Unlock()
		if clientCount == 0 {
			continue
		}

		event, err := SerializeStatus(sb.status())
		if err != nil {
			sb.log.Error("%v", err)
			continue
		}
		sb.broadcast(event)
	}
}

func (sb *StatusBroadcaster) broadcast(event *SerializedEvent) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	for _, ch := range sb.clients {
		select {
		case ch <- event:
		default:
		}
	}
}

func (sb *StatusBroadcaster) closeAll() {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	for id, ch := range sb.clients {
		close(ch)
		delete(sb.clients, id)
	}
}
