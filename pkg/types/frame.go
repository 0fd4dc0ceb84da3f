package types

import "time"

// Frame is a single raw capture from the camera
type Frame struct {
	Seq        uint64    // Sequential capture number
	Width      int       // Frame width in pixels
	Height     int       // Frame height in pixels
	BGR        []byte    // Packed 8-bit BGR pixels, row-major (Width*Height*3)
	CapturedAt time.Time // Capture timestamp
}

// Valid reports whether the pixel buffer matches the frame geometry
func (f *Frame) Valid() bool {
	return f != nil && f.Width > 0 && f.Height > 0 && len(f.BGR) == f.Width*f.Height*3
}

// Point is a landmark position in normalised image coordinates.
// X and Y are in [0,1]; Y grows downward.
type Point struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Confidence float64 `json:"confidence"`
}

// Landmarks holds the body keypoints the posture rules need.
// Hips are optional (zero Confidence means not detected).
type Landmarks struct {
	Nose          Point `json:"nose"`
	LeftShoulder  Point `json:"left_shoulder"`
	RightShoulder Point `json:"right_shoulder"`
	LeftHip       Point `json:"left_hip"`
	RightHip      Point `json:"right_hip"`

	// Aspect is the source frame's width/height. Normalised X and Y units
	// differ in pixels unless the frame is square. Zero is treated as 1.
	Aspect float64 `json:"aspect,omitempty"`
}

// PixelAspect returns Aspect, or 1 when unset
func (l *Landmarks) PixelAspect() float64 {
	if l.Aspect <= 0 {
		return 1
	}
	return l.Aspect
}

// HasHips reports whether both hips were detected
func (l *Landmarks) HasHips() bool {
	return l.LeftHip.Confidence > 0 && l.RightHip.Confidence > 0
}

// Detection is the pose detector output for one frame
type Detection struct {
	UserPresent bool
	Landmarks   *Landmarks // nil when no subject was found
}

// AlertInfo annotates a FrameResult with the alert manager's verdict
type AlertInfo struct {
	ShouldAlert      bool          `json:"should_alert"`
	Duration         time.Duration `json:"duration"`
	MonitoringPaused bool          `json:"monitoring_paused"`
}

// FrameResult is the combined output of one pipeline iteration.
// It is immutable once published.
type FrameResult struct {
	Seq          uint64       `json:"seq"`
	PostureState PostureState `json:"posture_state"`
	UserPresent  bool         `json:"user_present"`
	Landmarks    *Landmarks   `json:"landmarks,omitempty"`
	FrameEncoded []byte       `json:"-"` // JPEG
	CapturedAt   time.Time    `json:"captured_at"`
	CameraState  CameraState  `json:"camera_state"`
	Alert        AlertInfo    `json:"alert"`
}
