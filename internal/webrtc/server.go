package webrtc

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"

	"github.com/dj-oyu/hawkeye/threat-server/internal/logger"
	"github.com/dj-oyu/hawkeye/threat-server/internal/metrics"
)

// ChannelLabel is the data channel clients open to receive live snapshots.
const ChannelLabel = "live"

// ErrTooManyClients is returned when the server is at capacity.
var ErrTooManyClients = errors.New("maximum clients reached")

// Client represents a connected WebRTC peer
type Client struct {
	id       string
	peerConn *webrtc.PeerConnection
	sendChan chan []byte
	once     sync.Once
	closed   chan struct{}

	msgsSent    uint64
	msgsDropped uint64
}

// Server manages WebRTC peers and pushes snapshots over their data channels
type Server struct {
	clients    map[string]*Client
	clientsMu  sync.RWMutex
	config     webrtc.Configuration
	maxClients int
	api        *webrtc.API
	metrics    *metrics.Metrics
}

// NewServer creates a new WebRTC server. m may be nil.
func NewServer(stunServers []string, maxClients int, m *metrics.Metrics) *Server {
	iceServers := make([]webrtc.ICEServer, 0, len(stunServers))
	for _, url := range stunServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{url}})
	}

	settingsEngine := webrtc.SettingEngine{}
	settingsEngine.SetDTLSRetransmissionInterval(2 * time.Second)
	settingsEngine.SetNetworkTypes([]webrtc.NetworkType{
		webrtc.NetworkTypeUDP4,
		webrtc.NetworkTypeUDP6,
	})

	if maxClients <= 0 {
		maxClients = 4
	}

	return &Server{
		clients:    make(map[string]*Client),
		config:     webrtc.Configuration{ICEServers: iceServers},
		maxClients: maxClients,
		api:        webrtc.NewAPI(webrtc.WithSettingEngine(settingsEngine)),
		metrics:    m,
	}
}

// HandleOffer accepts an SDP offer and returns the answer with gathered candidates
func (s *Server) HandleOffer(offerJSON []byte) ([]byte, error) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(offerJSON, &offer); err != nil {
		return nil, fmt.Errorf("failed to parse offer: %w", err)
	}
	if offer.Type != webrtc.SDPTypeOffer || offer.SDP == "" {
		return nil, fmt.Errorf("failed to parse offer: missing sdp or type")
	}

	if s.ClientCount() >= s.maxClients {
		return nil, fmt.Errorf("%w (%d)", ErrTooManyClients, s.maxClients)
	}

	peerConn, err := s.api.NewPeerConnection(s.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	client := &Client{
		id:       uuid.NewString(),
		peerConn: peerConn,
		sendChan: make(chan []byte, 4),
		closed:   make(chan struct{}),
	}

	peerConn.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != ChannelLabel {
			logger.Debug("WebRTC", "Client %s opened unknown channel %q", client.id, dc.Label())
			return
		}
		dc.OnOpen(func() {
			logger.Debug("WebRTC", "Client %s data channel open", client.id)
			go s.sendLoop(client, dc)
		})
	})

	peerConn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Debug("WebRTC", "Client %s connection state: %s", client.id, state.String())
		if state == webrtc.PeerConnectionStateDisconnected ||
			state == webrtc.PeerConnectionStateFailed ||
			state == webrtc.PeerConnectionStateClosed {
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

	s.clientsMu.Lock()
	s.clients[client.id] = client
	n := len(s.clients)
	s.clientsMu.Unlock()
	s.setGauge(n)

	logger.Info("WebRTC", "Client %s connected (total: %d)", client.id, n)
	return json.Marshal(localDesc)
}

// Broadcast queues data for every peer. Peers that fall behind drop messages.
func (s *Server) Broadcast(data []byte) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for _, client := range s.clients {
		select {
		case client.sendChan <- data:
			client.msgsSent++
		default:
			client.msgsDropped++
			if s.metrics != nil {
				s.metrics.LiveDropped.Add(1)
			}
		}
	}
}

func (s *Server) sendLoop(client *Client, dc *webrtc.DataChannel) {
	for {
		select {
		case <-client.closed:
			return
		case data := <-client.sendChan:
			if err := dc.SendText(string(data)); err != nil {
				logger.Warn("WebRTC", "Error sending to client %s: %v", client.id, err)
				return
			}
		}
	}
}

// RemoveClient closes and forgets a peer. It is safe to call more than once.
func (s *Server) RemoveClient(clientID string) {
	s.clientsMu.Lock()
	client, exists := s.clients[clientID]
	if exists {
		delete(s.clients, clientID)
	}
	n := len(s.clients)
	s.clientsMu.Unlock()

	if !exists {
		return
	}
	s.setGauge(n)
	client.close()

	logger.Info("WebRTC", "Client %s disconnected (sent: %d, dropped: %d)",
		clientID, client.msgsSent, client.msgsDropped)
}

func (c *Client) close() {
	c.once.Do(func() {
		close(c.closed)
		// Close fires the connection state callback, which calls RemoveClient again.
		go c.peerConn.Close()
	})
}

// ClientCount returns the number of connected peers
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func (s *Server) setGauge(n int) {
	if s.metrics != nil {
		s.metrics.WebRTCClients.Store(int64(n))
	}
}

// Close disconnects every peer
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
