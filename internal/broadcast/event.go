package broadcast

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/EmekaOkaforTech/deskpulse-sub005/pkg/types"
)

// EventType names an event on the subscriber stream
type EventType string

const (
	EventFrameUpdate    EventType = "frame_update"
	EventCameraStatus   EventType = "camera_status"
	EventAlertTriggered EventType = "alert_triggered"
	EventAlertCorrected EventType = "alert_corrected"

	EventMonitoringStatus EventType = "monitoring_status"
)

// Event is an unserialized subscriber event. Data values must be JSON and
// structpb compatible (string, bool, float64, int, nil, []any, map[string]any).
type Event struct {
	Type EventType
	Data map[string]any
}

// SerializedEvent holds pre-serialized data in both formats.
// It is built once per event and shared by every subscriber.
type SerializedEvent struct {
	Type         EventType
	JSONData     []byte // {"type": ..., "data": {...}}
	ProtobufData []byte // google.protobuf.Struct, base64 encoded for SSE
}

// Serialize encodes e as JSON and as a base64 protobuf Struct
func Serialize(e Event) (*SerializedEvent, error) {
	envelope := map[string]any{
		"type": string(e.Type),
		"data": e.Data,
	}
	if e.Data == nil {
		envelope["data"] = map[string]any{}
	}

	jsonData, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("marshal %s event as JSON: %w", e.Type, err)
	}

	st, err := structpb.NewStruct(envelope)
	if err != nil {
		return nil, fmt.Errorf("convert %s event to protobuf: %w", e.Type, err)
	}
	pbData, err := proto.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("marshal %s event as protobuf: %w", e.Type, err)
	}

	return &SerializedEvent{
		Type:         e.Type,
		JSONData:     jsonData,
		ProtobufData: []byte(base64.StdEncoding.EncodeToString(pbData)),
	}, nil
}

// DecodeProtobuf reverses the base64 protobuf encoding of a SerializedEvent
func DecodeProtobuf(data []byte) (*structpb.Struct, error) {
	raw, err := base64.StdEncoding.DecodeString(string(data))
	if err != nil {
		return nil, err
	}
	st := &structpb.Struct{}
	if err := proto.Unmarshal(raw, st); err != nil {
		return nil, err
	}
	return st, nil
}

// FrameUpdateEvent builds the frame_update event for a published result
func FrameUpdateEvent(r *types.FrameResult) Event {
	data := map[string]any{
		"seq":               float64(r.Seq),
		"posture_state":     string(r.PostureState),
		"user_present":      r.UserPresent,
		"camera_state":      string(r.CameraState),
		"frame_encoded":     base64.StdEncoding.EncodeToString(r.FrameEncoded),
		"timestamp":         unixSeconds(r.CapturedAt),
		"monitoring_paused": r.Alert.MonitoringPaused,
		"bad_duration":      r.Alert.Duration.Seconds(),
	}
	if r.Landmarks != nil {
		data["landmarks"] = landmarksData(r.Landmarks)
	}
	return Event{Type: EventFrameUpdate, Data: data}
}

// CameraStatusEvent builds the camera_status event
func CameraStatusEvent(state types.CameraState) Event {
	return Event{
		Type: EventCameraStatus,
		Data: map[string]any{"state": string(state)},
	}
}

// MonitoringStatusEvent builds the monitoring_status event sent on pause and resume
func MonitoringStatusEvent(paused bool) Event {
	return Event{
		Type: EventMonitoringStatus,
		Data: map[string]any{
			"monitoring_active": !paused,
			"monitoring_paused": paused,
			"timestamp":         unixSeconds(time.Now()),
		},
	}
}

func landmarksData(l *types.Landmarks) map[string]any {
	point := func(p types.Point) map[string]any {
		return map[string]any{"x": p.X, "y": p.Y, "confidence": p.Confidence}
	}
	return map[string]any{
		"nose":           point(l.Nose),
		"left_shoulder":  point(l.LeftShoulder),
		"right_shoulder": point(l.RightShoulder),
		"left_hip":       point(l.LeftHip),
		"right_hip":      point(l.RightHip),
	}
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
