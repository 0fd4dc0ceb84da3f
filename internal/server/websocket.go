package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/EmekaOkaforTech/deskpulse-sub005/internal/broadcast"
	"github.com/EmekaOkaforTech/deskpulse-sub005/internal/logger"
)

const wsWriteTimeout = 10 * time.Second

// clientCommand is a control message sent by a WebSocket client
type clientCommand struct {
	Type string `json:"type"`
}

// handleWebSocket streams the same events as /api/events. JSON goes out as
// text messages; with ?format=protobuf the raw protobuf goes out as binary.
// Clients may send {"type":"pause_monitoring"} or {"type":"resume_monitoring"}.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sub, ok := s.subscribe(w)
	if !ok {
		return
	}
	defer sub.Close()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("WebSocket", "Upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	useProtobuf := wantsProtobuf(r)
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	readTimeout := 2 * s.cfg.Keepalive
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})
	go func() {
		defer cancel()
		s.readCommands(conn, readTimeout)
	}()

	send := func(ev *broadcast.SerializedEvent) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if !useProtobuf {
			return conn.WriteMessage(websocket.TextMessage, ev.JSONData)
		}
		raw, err := base64.StdEncoding.DecodeString(string(ev.ProtobufData))
		if err != nil {
			return err
		}
		return conn.WriteMessage(websocket.BinaryMessage, raw)
	}

	err = pump(ctx, sub, s.cfg.Keepalive, handlers{
		frame: func(u *broadcast.FrameUpdate) error { return send(u.Event) },
		event: send,
		idle: func() error {
			return conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout))
		},
	})
	if err != nil {
		logger.Debug("WebSocket", "Client %s disconnected: %v", sub.ID, err)
		return
	}
	// Subscription closed by the server.
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
		time.Now().Add(wsWriteTimeout))
}

func (s *Server) readCommands(conn *websocket.Conn, readTimeout time.Duration) {
	for {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd clientCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			logger.Debug("WebSocket", "Ignoring malformed message: %v", err)
			continue
		}
		switch cmd.Type {
		case "pause_monitoring":
			s.deps.Monitor.Pause()
			s.announceMonitoring(true)
		case "resume_monitoring":
			s.deps.Monitor.Resume()
			s.announceMonitoring(false)
		default:
			logger.Debug("WebSocket", "Ignoring message type %q", cmd.Type)
		}
	}
}
