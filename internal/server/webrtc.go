package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"

	"github.com/EmekaOkaforTech/deskpulse-sub005/internal/broadcast"
	"github.com/EmekaOkaforTech/deskpulse-sub005/internal/logger"
)

const dataChannelLabel = "posture"

var (
	errNoLocalDescription = errors.New("no local description available")
	errGatherTimeout      = errors.New("ICE gathering timed out")
)

// peer is one WebRTC subscriber. Events go out as JSON text messages on the
// data channel the server opens.
type peer struct {
	id     string
	conn   *webrtc.PeerConnection
	sub    *broadcast.Subscription
	opened chan struct{}
	once   sync.Once
}

// peerHub manages WebRTC subscribers
type peerHub struct {
	api            *webrtc.API
	config         webrtc.Configuration
	connectTimeout time.Duration
	broadcaster    *broadcast.Broadcaster
	log            logger.ModuleLogger

	mu    sync.Mutex
	peers map[string]*peer
}

func newPeerHub(stunServers []string, connectTimeout time.Duration, b *broadcast.Broadcaster) *peerHub {
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

	return &peerHub{
		api:            webrtc.NewAPI(webrtc.WithSettingEngine(settingsEngine)),
		config:         webrtc.Configuration{ICEServers: iceServers},
		connectTimeout: connectTimeout,
		broadcaster:    b,
		log:            logger.Named("WebRTC"),
		peers:          make(map[string]*peer),
	}
}

func (s *Server) handleWebRTCOffer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 64*1024))
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": "Invalid offer data"}, http.StatusBadRequest)
		return
	}
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(body, &offer); err != nil || offer.SDP == "" || offer.Type != webrtc.SDPTypeOffer {
		writeJSONWithStatus(w, map[string]any{"error": "Invalid offer data"}, http.StatusBadRequest)
		return
	}

	sub, ok := s.subscribe(w)
	if !ok {
		return
	}

	answer, err := s.webrtc.accept(r.Context(), sub, offer)
	if err != nil {
		sub.Close()
		s.webrtc.log.Warn("Offer from %s: %v", r.RemoteAddr, err)
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusInternalServerError)
		return
	}
	writeJSON(w, answer)
}

// accept answers offer and starts streaming to sub once the data channel
// opens. The offer must include an application (data channel) section.
// The peer is registered before negotiation so state callbacks always find it.
func (h *peerHub) accept(ctx context.Context, sub *broadcast.Subscription, offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	conn, err := h.api.NewPeerConnection(h.config)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	dc, err := conn.CreateDataChannel(dataChannelLabel, nil)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("create data channel: %w", err)
	}

	p := &peer{id: sub.ID, conn: conn, sub: sub, opened: make(chan struct{})}
	dc.OnOpen(func() {
		h.log.Info("Peer %s data channel open", p.id)
		close(p.opened)
	})

	h.mu.Lock()
	h.peers[p.id] = p
	h.mu.Unlock()

	conn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		h.log.Debug("Peer %s connection state: %s", p.id, state.String())
		if state == webrtc.PeerConnectionStateDisconnected ||
			state == webrtc.PeerConnectionStateFailed ||
			state == webrtc.PeerConnectionStateClosed {
			h.remove(p)
		}
	})

	fail := func(err error) (*webrtc.SessionDescription, error) {
		h.remove(p)
		return nil, err
	}

	if err := conn.SetRemoteDescription(offer); err != nil {
		return fail(fmt.Errorf("set remote description: %w", err))
	}
	answer, err := conn.CreateAnswer(nil)
	if err != nil {
		return fail(fmt.Errorf("create answer: %w", err))
	}

	gatherComplete := webrtc.GatheringCompletePromise(conn)
	if err := conn.SetLocalDescription(answer); err != nil {
		return fail(fmt.Errorf("set local description: %w", err))
	}
	if err := awaitGathering(ctx, gatherComplete, h.connectTimeout); err != nil {
		return fail(err)
	}

	local := conn.LocalDescription()
	if local == nil {
		return fail(errNoLocalDescription)
	}

	go h.stream(p, dc)
	h.log.Info("Peer %s accepted", p.id)
	return local, nil
}

// awaitGathering waits for ICE gathering to finish, at most timeout
func awaitGathering(ctx context.Context, done <-chan struct{}, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return errGatherTimeout
	}
}

// stream waits for the channel to open, then forwards events until the
// subscription or the connection ends
func (h *peerHub) stream(p *peer, dc *webrtc.DataChannel) {
	defer h.remove(p)

	select {
	case <-p.opened:
	case <-p.sub.Done():
		return
	case <-time.After(h.connectTimeout):
		h.log.Warn("Peer %s never opened its data channel", p.id)
		return
	}

	send := func(ev *broadcast.SerializedEvent) error {
		return dc.SendText(string(ev.JSONData))
	}
	err := pump(context.Background(), p.sub, DefaultKeepalive, handlers{
		frame: func(u *broadcast.FrameUpdate) error { return send(u.Event) },
		event: send,
	})
	if err != nil {
		h.log.Debug("Peer %s send failed: %v", p.id, err)
	}
}

func (h *peerHub) remove(p *peer) {
	p.once.Do(func() {
		h.mu.Lock()
		delete(h.peers, p.id)
		h.mu.Unlock()

		p.sub.Close()
		if err := p.conn.Close(); err != nil {
			h.log.Debug("Peer %s close: %v", p.id, err)
		}
		h.log.Info("Peer %s removed", p.id)
	})
}

// Count returns the number of accepted peers
func (h *peerHub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers)
}

// Close disconnects every peer
func (h *peerHub) Close() {
	h.mu.Lock()
	peers := make([]*peer, 0, len(h.peers))
	for _, p := range h.peers {
		peers = append(peers, p)
	}
	h.mu.Unlock()

	for _, p := range peers {
		h.remove(p)
	}
}
