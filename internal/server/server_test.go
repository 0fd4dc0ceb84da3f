package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EmekaOkaforTech/deskpulse-sub005/internal/alert"
	"github.com/EmekaOkaforTech/deskpulse-sub005/internal/broadcast"
	"github.com/EmekaOkaforTech/deskpulse-sub005/internal/latest"
	"github.com/EmekaOkaforTech/deskpulse-sub005/internal/metrics"
	"github.com/EmekaOkaforTech/deskpulse-sub005/pkg/types"
)

const requestTimeout = 5 * time.Second

type fakeCamera struct {
	state atomic.Value
}

func (c *fakeCamera) CameraState() types.CameraState {
	if s, ok := c.state.Load().(types.CameraState); ok {
		return s
	}
	return types.CameraDisconnected
}

type harness struct {
	ts          *httptest.Server
	broadcaster *broadcast.Broadcaster
	cell        *latest.Cell[types.FrameResult]
	monitor     *alert.Manager
	camera      *fakeCamera
	server      *Server
}

func newHarness(t *testing.T, maxSubscribers int) *harness {
	t.Helper()
	m := metrics.New()
	cell := latest.New[types.FrameResult]()
	b := broadcast.New(cell, broadcast.Config{
		PollInterval:   50 * time.Millisecond,
		MaxSubscribers: maxSubscribers,
		Metrics:        m,
	})
	monitor, err := alert.NewManager(alert.DefaultConfig())
	require.NoError(t, err)
	camera := &fakeCamera{}

	srv, err := New(Config{AllowOrigin: "*", IdleFrameInterval: 200 * time.Millisecond}, Deps{
		Broadcaster: b,
		Monitor:     monitor,
		Camera:      camera,
		Metrics:     m,
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	// Cleanups run in reverse: the broadcaster stops first, which ends every
	// streaming handler before the test server waits on them.
	t.Cleanup(ts.Close)
	t.Cleanup(srv.webrtc.Close)
	t.Cleanup(b.Stop)

	return &harness{ts: ts, broadcaster: b, cell: cell, monitor: monitor, camera: camera, server: srv}
}

func (h *harness) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(h.ts.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func (h *harness) post(t *testing.T, path, body string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Post(h.ts.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

// open starts a streaming request; the body is closed on cleanup
func (h *harness) open(t *testing.T, path string, header http.Header) *http.Response {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	t.Cleanup(cancel)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.ts.URL+path, nil)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (h *harness) publish(seq uint64) *types.FrameResult {
	r := &types.FrameResult{
		Seq:          seq,
		PostureState: types.PostureBad,
		UserPresent:  true,
		FrameEncoded: []byte{0xff, 0xd8, 0xff, byte(seq), 0xff, 0xd9},
		CapturedAt:   time.Now(),
		CameraState:  types.CameraConnected,
	}
	h.cell.Store(r)
	return r
}

// readData returns the next SSE data payload, skipping comments
func readData(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			return data
		}
	}
}

func eventType(t *testing.T, data string) string {
	t.Helper()
	var envelope struct {
		Type string `json:"type"`
	}
	require.NoError(t, json.Unmarshal([]byte(data), &envelope))
	return envelope.Type
}

func TestNewRequiresDeps(t *testing.T) {
	_, err := New(Config{}, Deps{})
	assert.Error(t, err)
}

func TestHealthReportsCameraAndSubscribers(t *testing.T) {
	h := newHarness(t, 0)
	h.camera.state.Store(types.CameraDegraded)

	resp, body := h.get(t, "/health")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var payload map[string]any
	require.NoError(t, json.Unmarshal(body, &payload))
	assert.Equal(t, "degraded", payload["status"])
	assert.Equal(t, "degraded", payload["camera_state"])
	assert.Equal(t, 0.0, payload["subscribers"])
	assert.Equal(t, false, payload["monitoring_paused"])

	h.camera.state.Store(types.CameraConnected)
	_, body = h.get(t, "/health")
	require.NoError(t, json.Unmarshal(body, &payload))
	assert.Equal(t, "ok", payload["status"])
}

func TestPauseAndResume(t *testing.T) {
	h := newHarness(t, 0)

	resp, _ := h.get(t, "/api/monitoring/pause")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp, body := h.post(t, "/api/monitoring/pause", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"monitoring_active":false,"monitoring_paused":true,"tracking_duration":0,"camera_state":"disconnected"}`, string(body))
	assert.True(t, h.monitor.Paused())
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	resp, _ = h.post(t, "/api/monitoring/resume", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, h.monitor.Paused())

	_, body = h.get(t, "/api/monitoring/status")
	assert.Contains(t, string(body), `"monitoring_active":true`)
	assert.Contains(t, string(body), `"monitoring_paused":false`)
}

func TestPreflight(t *testing.T) {
	h := newHarness(t, 0)
	req, err := http.NewRequest(http.MethodOptions, h.ts.URL+"/api/monitoring/pause", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, h.monitor.Paused())
}

func TestEventStreamDeliversStatusFramesAndControl(t *testing.T) {
	h := newHarness(t, 0)
	require.NoError(t, h.broadcaster.BroadcastCameraStatus(types.CameraConnected))

	resp := h.open(t, "/api/events", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "application/json", resp.Header.Get("X-Content-Format"))
	r := bufio.NewReader(resp.Body)

	data := readData(t, r)
	assert.JSONEq(t, `{"type":"camera_status","data":{"state":"connected"}}`, data)

	h.publish(1)
	data = readData(t, r)
	assert.Equal(t, "frame_update", eventType(t, data))
	assert.Contains(t, data, `"posture_state":"bad"`)

	h.post(t, "/api/monitoring/pause", "")
	data = readData(t, r)
	assert.Equal(t, "monitoring_status", eventType(t, data))
	assert.Contains(t, data, `"monitoring_active":false`)
	assert.Contains(t, data, `"monitoring_paused":true`)
}

func TestEventStreamProtobuf(t *testing.T) {
	h := newHarness(t, 0)
	require.NoError(t, h.broadcaster.BroadcastCameraStatus(types.CameraDegraded))

	resp := h.open(t, "/api/events", http.Header{"Accept": {"application/x-protobuf"}})
	assert.Equal(t, "application/protobuf", resp.Header.Get("X-Content-Format"))

	st, err := broadcast.DecodeProtobuf([]byte(readData(t, bufio.NewReader(resp.Body))))
	require.NoError(t, err)
	assert.Equal(t, "camera_status", st.GetFields()["type"].GetStringValue())
	assert.Equal(t, "degraded",
		st.GetFields()["data"].GetStructValue().GetFields()["state"].GetStringValue())
}

func TestMJPEGStream(t *testing.T) {
	h := newHarness(t, 0)

	resp := h.open(t, "/stream", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "multipart/x-mixed-replace; boundary=frame", resp.Header.Get("Content-Type"))
	r := bufio.NewReader(resp.Body)

	// Nothing published yet: the idle frame arrives.
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "--frame\r\n", line)

	assert.Equal(t, blankJPEG(), readPart(t, r))

	want := h.publish(7).FrameEncoded
	for {
		part := readPart(t, r)
		if bytes.Equal(part, want) {
			break
		}
		assert.Equal(t, blankJPEG(), part)
	}
}

// readPart reads the headers and body of one multipart frame. The boundary
// line of the following part is consumed too.
func readPart(t *testing.T, r *bufio.Reader) []byte {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		if line == "\r\n" {
			break
		}
	}
	var body []byte
	for {
		line, err := r.ReadBytes('\n')
		require.NoError(t, err)
		if string(line) == "--frame\r\n" {
			return bytes.TrimSuffix(body, []byte("\r\n"))
		}
		body = append(body, line...)
	}
}

func TestSubscriberLimit(t *testing.T) {
	h := newHarness(t, 1)

	first := h.open(t, "/api/events", nil)
	require.Equal(t, http.StatusOK, first.StatusCode)
	require.Eventually(t, func() bool { return h.broadcaster.Count() == 1 }, time.Second, 10*time.Millisecond)

	resp, body := h.get(t, "/stream")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, string(body), broadcast.ErrTooManySubscribers.Error())
}

func TestDisconnectedClientIsRemoved(t *testing.T) {
	h := newHarness(t, 0)

	resp := h.open(t, "/api/events", nil)
	require.Eventually(t, func() bool { return h.broadcaster.Count() == 1 }, time.Second, 10*time.Millisecond)
	resp.Body.Close()

	// The handler notices on its next write at the latest.
	h.publish(1)
	h.publish(2)
	assert.Eventually(t, func() bool { return h.broadcaster.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocket(t *testing.T) {
	h := newHarness(t, 0)
	url := "ws" + strings.TrimPrefix(h.ts.URL, "http") + "/ws"

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(requestTimeout)))

	require.Eventually(t, func() bool { return h.broadcaster.Count() == 1 }, time.Second, 10*time.Millisecond)
	h.publish(3)

	kind, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, kind)
	assert.Equal(t, "frame_update", eventType(t, string(data)))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"pause_monitoring"}`)))
	_, data, err = conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "monitoring_status", eventType(t, string(data)))
	assert.True(t, h.monitor.Paused())
}

func TestWebSocketClosedOnShutdown(t *testing.T) {
	h := newHarness(t, 0)
	url := "ws" + strings.TrimPrefix(h.ts.URL, "http") + "/ws"

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(requestTimeout)))
	require.Eventually(t, func() bool { return h.broadcaster.Count() == 1 }, time.Second, 10*time.Millisecond)

	h.broadcaster.Stop()
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}

func TestWebRTCOfferValidation(t *testing.T) {
	h := newHarness(t, 0)

	resp, _ := h.get(t, "/api/webrtc/offer")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp, body := h.post(t, "/api/webrtc/offer", `{"sdp":""}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.JSONEq(t, `{"error":"Invalid offer data"}`, string(body))

	resp, _ = h.post(t, "/api/webrtc/offer", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	assert.Zero(t, h.broadcaster.Count())
}

func TestWebRTCOfferRegistersPeer(t *testing.T) {
	h := newHarness(t, 0)

	client, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	_, err = client.CreateDataChannel("client", nil)
	require.NoError(t, err)

	offer, err := client.CreateOffer(nil)
	require.NoError(t, err)
	gathered := webrtc.GatheringCompletePromise(client)
	require.NoError(t, client.SetLocalDescription(offer))
	select {
	case <-gathered:
	case <-time.After(requestTimeout):
		t.Fatal("client ICE gathering did not complete")
	}

	data, err := json.Marshal(client.LocalDescription())
	require.NoError(t, err)
	resp, body := h.post(t, "/api/webrtc/offer", string(data))
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var answer webrtc.SessionDescription
	require.NoError(t, json.Unmarshal(body, &answer))
	assert.Equal(t, webrtc.SDPTypeAnswer, answer.Type)
	assert.Contains(t, answer.SDP, "webrtc-datachannel")

	assert.Equal(t, 1, h.server.webrtc.Count())
	assert.Equal(t, 1, h.broadcaster.Count())

	_, body = h.get(t, "/health")
	var health map[string]any
	require.NoError(t, json.Unmarshal(body, &health))
	assert.Equal(t, 1.0, health["webrtc_peers"])

	h.server.webrtc.Close()
	assert.Zero(t, h.server.webrtc.Count())
}

func TestAwaitGathering(t *testing.T) {
	done := make(chan struct{})
	close(done)
	assert.NoError(t, awaitGathering(context.Background(), done, time.Second))

	never := make(chan struct{})
	start := time.Now()
	err := awaitGathering(context.Background(), never, 20*time.Millisecond)
	assert.ErrorIs(t, err, errGatherTimeout)
	assert.Less(t, time.Since(start), time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, awaitGathering(ctx, never, time.Hour), context.Canceled)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, 0)
	resp, body := h.get(t, "/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "posture_active_subscribers")
}
