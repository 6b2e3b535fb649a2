// Package webrtc pushes bridge status to browsers over WebRTC data
// channels. The browser creates the channel in its offer; every status
// message is sent as one text message on it.
package webrtc

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"

	"github.com/dj-oyu/vitals-bridge/internal/logger"
)

// ErrTooManyClients is returned by HandleOffer when MaxClients peers are connected.
var ErrTooManyClients = errors.New("webrtc: maximum clients reached")

// Options configure the server.
type Options struct {
	ICEServers []string
	MaxClients int
	// IncludeLoopback gathers loopback candidates, for same-host peers.
	IncludeLoopback bool
}

// DefaultOptions returns a public STUN server and room for four peers.
func DefaultOptions() Options {
	return Options{
		ICEServers: []string{"stun:stun.l.google.com:19302"},
		MaxClients: 4,
	}
}

// Client is one connected browser.
type Client struct {
	id        string
	peerConn  *webrtc.PeerConnection
	msgChan   chan []byte
	closeChan chan struct{}

	mu      sync.Mutex
	channel *webrtc.DataChannel

	sent    atomic.Uint64
	dropped atomic.Uint64
}

// Server manages peer connections.
type Server struct {
	clients    map[string]*Client
	clientsMu  sync.RWMutex
	config     webrtc.Configuration
	maxClients int
	api        *webrtc.API
	log        *logger.Scope

	// OnClientCount, if set, is called with the new count after every change.
	OnClientCount func(int)
}

// NewServer creates a server.
func NewServer(opts Options) *Server {
	iceServers := make([]webrtc.ICEServer, 0, len(opts.ICEServers))
	for _, url := range opts.ICEServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{url}})
	}
	if opts.MaxClients <= 0 {
		opts.MaxClients = DefaultOptions().MaxClients
	}

	settingsEngine := webrtc.SettingEngine{}
	settingsEngine.SetDTLSRetransmissionInterval(2 * time.Second)
	settingsEngine.SetNetworkTypes([]webrtc.NetworkType{
		webrtc.NetworkTypeUDP4,
		webrtc.NetworkTypeUDP6,
	})
	if opts.IncludeLoopback {
		settingsEngine.SetIncludeLoopbackCandidate(true)
	}

	return &Server{
		clients:    make(map[string]*Client),
		config:     webrtc.Configuration{ICEServers: iceServers},
		maxClients: opts.MaxClients,
		api:        webrtc.NewAPI(webrtc.WithSettingEngine(settingsEngine)),
		log:        logger.For("WebRTC"),
	}
}

// HandleOffer answers a browser offer and returns the answer as JSON,
// with ICE candidates included.
func (s *Server) HandleOffer(offerJSON []byte) ([]byte, error) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(offerJSON, &offer); err != nil {
		return nil, fmt.Errorf("failed to parse offer: %w", err)
	}
	if offer.Type != webrtc.SDPTypeOffer || offer.SDP == "" {
		return nil, fmt.Errorf("failed to parse offer: expected an SDP offer")
	}

	if s.ClientCount() >= s.maxClients {
		return nil, fmt.Errorf("%w (%d)", ErrTooManyClients, s.maxClients)
	}

	peerConn, err := s.api.NewPeerConnection(s.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	client := &Client{
		id:        uuid.NewString(),
		peerConn:  peerConn,
		msgChan:   make(chan []byte, 8),
		closeChan: make(chan struct{}),
	}

	peerConn.OnDataChannel(func(dc *webrtc.DataChannel) {
		s.log.Debug("Client %s opened data channel %q", client.id, dc.Label())
		dc.OnOpen(func() {
			client.mu.Lock()
			client.channel = dc
			client.mu.Unlock()
		})
		dc.OnClose(func() {
			client.mu.Lock()
			if client.channel == dc {
				client.channel = nil
			}
			client.mu.Unlock()
		})
	})

	peerConn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.log.Debug("Client %s connection state: %s", client.id, state.String())
		if state == webrtc.PeerConnectionStateDisconnected ||
			state == webrtc.PeerConnectionStateFailed ||
			state == webrtc.PeerConnectionStateClosed {
			s.log.Info("Client %s connection lost (%s), removing...", client.id, state.String())
			s.RemoveClient(client.id)
		}
	})

	if err := peerConn.SetRemoteDescription(offer); err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to set remote description: %w", err)
	}

	answer, err := peerConn.CreateAnswer(nil)
	if err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(peerConn)
	if err := peerConn.SetLocalDescription(answer); err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}
	<-gatherComplete

	localDesc := peerConn.LocalDescription()
	if localDesc == nil {
		peerConn.Close()
		return nil, fmt.Errorf("no local description available")
	}
	answerJSON, err := json.Marshal(localDesc)
	if err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to marshal answer: %w", err)
	}

	s.clientsMu.Lock()
	if len(s.clients) >= s.maxClients {
		s.clientsMu.Unlock()
		peerConn.Close()
		return nil, fmt.Errorf("%w (%d)", ErrTooManyClients, s.maxClients)
	}
	s.clients[client.id] = client
	count := len(s.clients)
	s.clientsMu.Unlock()
	s.notifyCount(count)

	go s.sendMessages(client)

	s.log.Info("Client %s connected", client.id)
	return answerJSON, nil
}

// SendStatus queues one message for every client. Slow clients drop it.
func (s *Server) SendStatus(msg []byte) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for _, client := range s.clients {
		select {
		case client.msgChan <- msg:
		default:
			client.dropped.Add(1)
		}
	}
}

func (s *Server) sendMessages(client *Client) {
	for {
		select {
		case <-client.closeChan:
			return
		case msg := <-client.msgChan:
			client.mu.Lock()
			dc := client.channel
			client.mu.Unlock()
			if dc == nil {
				// Channel not open yet.
				client.dropped.Add(1)
				continue
			}
			if err := dc.SendText(string(msg)); err != nil {
				s.log.Warn("Error sending status to client %s: %v", client.id, err)
				client.dropped.Add(1)
				continue
			}
			client.sent.Add(1)
		}
	}
}

// RemoveClient closes and forgets a client. Unknown IDs are ignored.
func (s *Server) RemoveClient(clientID string) {
	s.clientsMu.Lock()
	client, exists := s.clients[clientID]
	if exists {
		delete(s.clients, clientID)
	}
	count := len(s.clients)
	s.clientsMu.Unlock()

	if !exists {
		return
	}
	close(client.closeChan)
	client.peerConn.Close()
	s.notifyCount(count)

	s.log.Info("Client %s disconnected (sent: %d, dropped: %d)",
		clientID, client.sent.Load(), client.dropped.Load())
}

func (s *Server) notifyCount(n int) {
	if s.OnClientCount != nil {
		s.OnClientCount(n)
	}
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// ClientStats returns per-client message counters.
func (s *Server) ClientStats() map[string]map[string]uint64 {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	stats := make(map[string]map[string]uint64, len(s.clients))
	for id, client := range s.clients {
		stats[id] = map[string]uint64{
			"messages_sent":    client.sent.Load(),
			"messages_dropped": client.dropped.Load(),
		}
	}
	return stats
}

// Close disconnects every client.
func (s *Server) Close() error {
	s.clientsMu.RLock()
	ids := make([]string, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	s.clientsMu.RUnlock()

	for _, id := range ids {
		s.RemoveClient(id)
	}
	return nil
}
