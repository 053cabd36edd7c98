package webrtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"

	"github.com/dj-oyu/rdk-x5_posture-guard/posture-server/internal/engine"
	"github.com/dj-oyu/rdk-x5_posture-guard/posture-server/internal/logger"
	"github.com/dj-oyu/rdk-x5_posture-guard/posture-server/internal/metrics"
)

// StatusChannel is the data channel label clients must open.
const StatusChannel = "status"

// ErrTooManyClients is returned by HandleOffer when the client limit is reached.
var ErrTooManyClients = errors.New("maximum clients reached")

// Client represents a connected WebRTC client
type Client struct {
	id        string
	peerConn  *webrtc.PeerConnection
	mu        sync.Mutex
	channel   *webrtc.DataChannel
	sendChan  chan []byte
	closeChan chan struct{}
	sent      uint64
	dropped   uint64
}

// Server manages WebRTC peers that receive snapshots over a data channel.
type Server struct {
	clients    map[string]*Client
	clientsMu  sync.RWMutex
	config     webrtc.Configuration
	maxClients int
	api        *webrtc.API
	metrics    *metrics.Metrics
	log        logger.Module
}

// NewServer creates a new WebRTC server
func NewServer(stunServers []string, maxClients int, m *metrics.Metrics) *Server {
	iceServers := make([]webrtc.ICEServer, 0, len(stunServers))
	for _, url := range stunServers {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs: []string{url},
		})
	}

	// If no STUN servers provided, use default
	if len(iceServers) == 0 {
		iceServers = []webrtc.ICEServer{
			{
				URLs: []string{"stun:stun.l.google.com:19302"},
			},
		}
	}
	if maxClients <= 0 {
		maxClients = 10
	}

	settingsEngine := webrtc.SettingEngine{}
	settingsEngine.SetDTLSRetransmissionInterval(time.Second * 2)
	settingsEngine.SetNetworkTypes([]webrtc.NetworkType{
		webrtc.NetworkTypeUDP4,
		webrtc.NetworkTypeUDP6,
	})

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingsEngine))

	return &Server{
		clients: make(map[string]*Client),
		config: webrtc.Configuration{
			ICEServers: iceServers,
		},
		maxClients: maxClients,
		api:        api,
		metrics:    m,
		log:        logger.Named("WebRTC"),
	}
}

// HandleOffer handles a WebRTC offer and returns an answer. The offer must
// carry a data channel labelled "status"; snapshots are sent on it once open.
func (s *Server) HandleOffer(ctx context.Context, offerJSON []byte) ([]byte, error) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(offerJSON, &offer); err != nil {
		return nil, fmt.Errorf("failed to parse offer: %w", err)
	}
	if offer.Type != webrtc.SDPTypeOffer || offer.SDP == "" {
		return nil, errors.New("failed to parse offer: not an SDP offer")
	}

	if n := s.GetClientCount(); n >= s.maxClients {
		return nil, fmt.Errorf("%w (%d)", ErrTooManyClients, s.maxClients)
	}

	peerConn, err := s.api.NewPeerConnection(s.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	client := &Client{
		id:        uuid.NewString(),
		peerConn:  peerConn,
		sendChan:  make(chan []byte, 8),
		closeChan: make(chan struct{}),
	}

	peerConn.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != StatusChannel {
			s.log.Debug("Client %s opened unexpected channel %q, ignoring", client.id, dc.Label())
			return
		}
		dc.OnOpen(func() {
			client.mu.Lock()
			client.channel = dc
			client.mu.Unlock()
			s.log.Info("Client %s status channel open", client.id)
		})
		dc.OnClose(func() {
			s.RemoveClient(client.id)
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

	select {
	case <-gatherComplete:
	case <-ctx.Done():
		peerConn.Close()
		return nil, fmt.Errorf("ice gathering: %w", ctx.Err())
	}
	s.log.Debug("ICE gathering complete for client %s", client.id)

	s.clientsMu.Lock()
	s.clients[client.id] = client
	s.clientsMu.Unlock()
	s.updateClientMetrics(true)

	go s.sendLoop(client)

	s.log.Info("Client %s connected", client.id)

	// The local description now carries the gathered candidates.
	localDesc := peerConn.LocalDescription()
	if localDesc == nil {
		s.RemoveClient(client.id)
		return nil, errors.New("no local description available")
	}

	answerJSON, err := json.Marshal(localDesc)
	if err != nil {
		s.RemoveClient(client.id)
		return nil, fmt.Errorf("failed to marshal answer: %w", err)
	}
	return answerJSON, nil
}

// PublishSnapshot implements monitor.SnapshotSink.
func (s *Server) PublishSnapshot(snap engine.Snapshot) {
	if s.GetClientCount() == 0 {
		return
	}
	data, err := json.Marshal(snap)
	if err != nil {
		s.log.Error("Snapshot marshal error: %v", err)
		return
	}
	s.SendText(data)
}

// SendText queues a message for every client (non-blocking).
func (s *Server) SendText(data []byte) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for _, client := range s.clients {
		select {
		case client.sendChan <- data:
		default:
			// Channel full, drop message
			client.mu.Lock()
			client.dropped++
			client.mu.Unlock()
		}
	}
}

// sendLoop writes queued messages once the data channel is open. Messages
// queued before that are discarded.
func (s *Server) sendLoop(client *Client) {
	for {
		select {
		case <-client.closeChan:
			return
		case data := <-client.sendChan:
			client.mu.Lock()
			dc := client.channel
			client.mu.Unlock()
			if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
				client.mu.Lock()
				client.dropped++
				client.mu.Unlock()
				continue
			}

			if err := dc.SendText(string(data)); err != nil {
				s.log.Warn("Error sending to client %s: %v", client.id, err)
				continue
			}
			client.mu.Lock()
			client.sent++
			client.mu.Unlock()
		}
	}
}

// RemoveClient removes a client by ID
func (s *Server) RemoveClient(clientID string) {
	s.clientsMu.Lock()
	client, exists := s.clients[clientID]
	if exists {
		delete(s.clients, clientID)
	}
	s.clientsMu.Unlock()

	if !exists {
		return
	}
	s.closeClient(client)
	s.updateClientMetrics(false)
}

func (s *Server) closeClient(client *Client) {
	close(client.closeChan)
	if err := client.peerConn.Close(); err != nil {
		s.log.Debug("Client %s close: %v", client.id, err)
	}

	client.mu.Lock()
	sent, dropped := client.sent, client.dropped
	client.mu.Unlock()
	s.log.Info("Client %s disconnected (sent: %d, dropped: %d)", client.id, sent, dropped)
}

// GetClientCount returns the number of connected clients
func (s *Server) GetClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// GetClientStats returns stats for all clients
func (s *Server) GetClientStats() map[string]map[string]uint64 {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	stats := make(map[string]map[string]uint64)
	for id, client := range s.clients {
		client.mu.Lock()
		stats[id] = map[string]uint64{
			"messages_sent":    client.sent,
			"messages_dropped": client.dropped,
		}
		client.mu.Unlock()
	}
	return stats
}

// Close closes all client connections
func (s *Server) Close() error {
	s.clientsMu.Lock()
	clients := s.clients
	s.clients = make(map[string]*Client)
	s.clientsMu.Unlock()

	for _, client := range clients {
		s.closeClient(client)
	}
	s.updateClientMetrics(false)
	return nil
}

func (s *Server) updateClientMetrics(added bool) {
	if s.metrics == nil {
		return
	}
	if added {
		s.metrics.TotalClients.Add(1)
	}
	s.metrics.ActiveClients.Store(uint64(s.GetClientCount()))
}
