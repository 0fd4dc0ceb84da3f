// Package contract holds black-box tests against a running posture-monitor.
// They skip unless the server answers at POSTURE_BASE_URL.
package contract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"
)

const (
	defaultBaseURL        = "http://localhost:8080"
	defaultRequestTimeout = 2 * time.Second
)

type contractClient struct {
	baseURL string
	client  *http.Client
}

func newContractClient(t *testing.T) *contractClient {
	t.Helper()
	baseURL := os.Getenv("POSTURE_BASE_URL")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	client := &http.Client{Timeout: defaultRequestTimeout}

	if !isReachable(client, baseURL+"/health") {
		t.Skipf("posture-monitor not reachable at %s (set POSTURE_BASE_URL to run)", baseURL)
	}

	return &contractClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

func isReachable(client *http.Client, url string) bool {
	resp, err := client.Get(url)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (c *contractClient) do(t *testing.T, method, path string, body io.Reader) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	_ = resp.Body.Close()
	return resp, data
}

func (c *contractClient) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	return c.do(t, http.MethodGet, path, nil)
}

func (c *contractClient) postJSON(t *testing.T, path string, payload any) (*http.Response, []byte) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return c.do(t, http.MethodPost, path, bytes.NewReader(data))
}

// openStream starts a long-lived GET; the caller closes the body
func (c *contractClient) openStream(t *testing.T, path string, timeout time.Duration) *http.Response {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s failed: %v", path, err)
	}
	return resp
}

// readSSEEvents collects up to n events from the stream, skipping keepalives
func readSSEEvents(body io.Reader, n int) ([]string, error) {
	var events []string
	buf := make([]byte, 0, 64*1024)
	tmp := make([]byte, 4096)
	for len(events) < n {
		if idx := bytes.Index(buf, []byte("\n\n")); idx >= 0 {
			event := string(buf[:idx])
			buf = buf[idx+2:]
			if !strings.HasPrefix(event, ":") {
				events = append(events, event)
			}
			continue
		}
		k, err := body.Read(tmp)
		buf = append(buf, tmp[:k]...)
		if err != nil {
			if err == io.EOF {
				return events, fmt.Errorf("sse stream closed after %d event(s)", len(events))
			}
			return events, fmt.Errorf("read sse: %w", err)
		}
	}
	return events, nil
}

func parseSSEData(t *testing.T, event string) map[string]any {
	t.Helper()
	for _, line := range strings.Split(event, "\n") {
		if payload, ok := strings.CutPrefix(line, "data:"); ok {
			payload = strings.TrimSpace(payload)
			if payload == "" {
				t.Fatalf("empty sse data line")
			}
			return decodeJSONMap(t, []byte(payload))
		}
	}
	t.Fatalf("no data line in sse event: %q", event)
	return nil
}

func decodeJSONMap(t *testing.T, body []byte) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode json: %v\nbody=%s", err, string(body))
	}
	return payload
}

func requireString(t *testing.T, value any, field string) string {
	t.Helper()
	str, ok := value.(string)
	if !ok {
		t.Fatalf("expected %s to be string, got %T", field, value)
	}
	return str
}

func requireNumber(t *testing.T, value any, field string) float64 {
	t.Helper()
	num, ok := value.(float64)
	if !ok {
		t.Fatalf("expected %s to be number, got %T", field, value)
	}
	return num
}

func requireBool(t *testing.T, value any, field string) bool {
	t.Helper()
	b, ok := value.(bool)
	if !ok {
		t.Fatalf("expected %s to be bool, got %T", field, value)
	}
	return b
}

func requireMap(t *testing.T, value any, field string) map[string]any {
	t.Helper()
	m, ok := value.(map[string]any)
	if !ok {
		t.Fatalf("expected %s to be object, got %T", field, value)
	}
	return m
}

func requireOneOf(t *testing.T, value any, field string, allowed ...string) string {
	t.Helper()
	str := requireString(t, value, field)
	for _, a := range allowed {
		if str == a {
			return str
		}
	}
	t.Fatalf("%s = %q, want one of %v", field, str, allowed)
	return ""
}

var cameraStates = []string{"connected", "degraded", "disconnected"}

func assertFrameUpdate(t *testing.T, data map[string]any) {
	t.Helper()
	requireNumber(t, data["seq"], "seq")
	requireOneOf(t, data["posture_state"], "posture_state", "good", "bad", "unknown")
	requireBool(t, data["user_present"], "user_present")
	requireOneOf(t, data["camera_state"], "camera_state", cameraStates...)
	requireString(t, data["frame_encoded"], "frame_encoded")
	requireNumber(t, data["timestamp"], "timestamp")
	requireBool(t, data["monitoring_paused"], "monitoring_paused")
	requireNumber(t, data["bad_duration"], "bad_duration")

	if data["landmarks"] != nil {
		landmarks := requireMap(t, data["landmarks"], "landmarks")
		for _, name := range []string{"nose", "left_shoulder", "right_shoulder"} {
			point := requireMap(t, landmarks[name], "landmarks."+name)
			requireNumber(t, point["x"], "landmarks."+name+".x")
			requireNumber(t, point["y"], "landmarks."+name+".y")
		}
	}
}

func assertEvent(t *testing.T, payload map[string]any) {
	t.Helper()
	kind := requireString(t, payload["type"], "type")
	data := requireMap(t, payload["data"], "data")
	switch kind {
	case "frame_update":
		assertFrameUpdate(t, data)
	case "camera_status":
		requireOneOf(t, data["state"], "data.state", cameraStates...)
	case "alert_triggered":
		requireNumber(t, data["duration"], "data.duration")
		requireString(t, data["tag"], "data.tag")
		requireString(t, data["message"], "data.message")
	case "alert_corrected":
		requireString(t, data["tag"], "data.tag")
	case "monitoring_status":
		requireBool(t, data["monitoring_active"], "data.monitoring_active")
	default:
		t.Fatalf("unexpected event type %q", kind)
	}
}
