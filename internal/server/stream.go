package server

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/EmekaOkaforTech/deskpulse-sub005/internal/broadcast"
	"github.com/EmekaOkaforTech/deskpulse-sub005/internal/logger"
)

var (
	blankOnce sync.Once
	blankData []byte
)

// blankJPEG is sent to MJPEG clients while no frame arrives
func blankJPEG() []byte {
	blankOnce.Do(func() {
		img := image.NewRGBA(image.Rect(0, 0, 640, 480))
		bg := color.RGBA{R: 32, G: 32, B: 32, A: 255}
		for y := range 480 {
			for x := range 640 {
				img.SetRGBA(x, y, bg)
			}
		}
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 75}); err != nil {
			logger.Error("MJPEG", "Failed to encode blank frame: %v", err)
			return
		}
		blankData = buf.Bytes()
	})
	return blankData
}

// handlers receives what a subscription delivers. A nil handler skips that
// kind; a returned error ends the stream.
type handlers struct {
	frame func(u *broadcast.FrameUpdate) error
	event func(ev *broadcast.SerializedEvent) error
	idle  func() error
}

// pump drives one subscriber until the client goes away, the subscription
// is closed or a handler fails. idle fires after interval without traffic.
func pump(ctx context.Context, sub *broadcast.Subscription, interval time.Duration, h handlers) error {
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		var err error
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sub.Done():
			return nil
		case <-sub.FrameReady():
			u := sub.TakeFrame()
			if u == nil || h.frame == nil {
				continue
			}
			err = h.frame(u)
		case ev := <-sub.Events():
			if h.event == nil {
				continue
			}
			err = h.event(ev)
		case <-timer.C:
			if h.idle != nil {
				err = h.idle()
			}
		}
		if err != nil {
			return err
		}
		timer.Reset(interval)
	}
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}
	sub, ok := s.subscribe(w)
	if !ok {
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")

	write := func(jpegData []byte) error {
		if len(jpegData) == 0 {
			jpegData = blankJPEG()
		}
		if _, err := w.Write([]byte("--frame\r\nContent-Type: image/jpeg\r\n\r\n")); err != nil {
			return err
		}
		if _, err := w.Write(jpegData); err != nil {
			return err
		}
		if _, err := w.Write([]byte("\r\n")); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	err := pump(r.Context(), sub, s.cfg.IdleFrameInterval, handlers{
		frame: func(u *broadcast.FrameUpdate) error { return write(u.Result.FrameEncoded) },
		idle:  func() error { return write(nil) },
	})
	if err != nil {
		logger.Debug("MJPEG", "Client %s disconnected: %v", sub.ID, err)
	}
}

// wantsProtobuf reports whether the client asked for protobuf payloads
func wantsProtobuf(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "application/protobuf") ||
		strings.Contains(accept, "application/x-protobuf") ||
		r.URL.Query().Get("format") == "protobuf"
}

func payload(ev *broadcast.SerializedEvent, useProtobuf bool) []byte {
	if useProtobuf {
		return ev.ProtobufData
	}
	return ev.JSONData
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}
	sub, ok := s.subscribe(w)
	if !ok {
		return
	}
	defer sub.Close()

	useProtobuf := wantsProtobuf(r)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	if useProtobuf {
		w.Header().Set("X-Content-Format", "application/protobuf")
	} else {
		w.Header().Set("X-Content-Format", "application/json")
	}
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	send := func(ev *broadcast.SerializedEvent) error {
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload(ev, useProtobuf)); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	err := pump(r.Context(), sub, s.cfg.Keepalive, handlers{
		frame: func(u *broadcast.FrameUpdate) error { return send(u.Event) },
		event: send,
		idle: func() error {
			if _, err := fmt.Fprintf(w, ": keepalive\n\n"); err != nil {
				return err
			}
			flusher.Flush()
			return nil
		},
	})
	if err != nil {
		logger.Debug("SSE", "Client %s disconnected: %v", sub.ID, err)
	}
}
