// Package pose turns body-keypoint model output into the landmarks the
// posture rules need. The model backend lives in pose/openpose; this package
// holds the backend-independent decoding and error types.
package pose

import (
	"errors"
	"fmt"

	"github.com/EmekaOkaforTech/deskpulse-sub005/pkg/types"
)

var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrModelOutput    = errors.New("unexpected model output")
	ErrModelNotLoaded = errors.New("model not loaded")
)

// InferenceError is a detector or classifier failure for one frame.
// It never reflects on camera health.
type InferenceError struct {
	Op  string
	Err error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("inference %s: %v", e.Op, e.Err)
}

func (e *InferenceError) Unwrap() error { return e.Err }

// COCO body keypoint indices used by the posture rules
const (
	KeypointNose      = 0
	KeypointRShoulder = 2
	KeypointLShoulder = 5
	KeypointRHip      = 8
	KeypointLHip      = 11

	// COCOKeypoints is the number of body parts in the COCO model output
	COCOKeypoints = 18
)

const DefaultMinConfidence = 0.1

// Heatmap is one keypoint confidence map, row-major
type Heatmap struct {
	Width, Height int
	Data          []float32
}

// Peak returns the most confident cell as a normalised point (cell centre)
func (h Heatmap) Peak() (types.Point, error) {
	if h.Width <= 0 || h.Height <= 0 || len(h.Data) < h.Width*h.Height {
		return types.Point{}, fmt.Errorf("%w: heatmap %dx%d with %d values", ErrModelOutput, h.Width, h.Height, len(h.Data))
	}

	best, bestIdx := h.Data[0], 0
	for i, v := range h.Data[:h.Width*h.Height] {
		if v > best {
			best, bestIdx = v, i
		}
	}
	x, y := bestIdx%h.Width, bestIdx/h.Width

	return types.Point{
		X:          (float64(x) + 0.5) / float64(h.Width),
		Y:          (float64(y) + 0.5) / float64(h.Height),
		Confidence: float64(best),
	}, nil
}

// Assemble builds a Detection from per-keypoint peaks indexed by COCO part.
// Points below minConfidence count as missing. The user is present when the
// nose and both shoulders were found; hips are optional.
func Assemble(points []types.Point, minConfidence float64) (types.Detection, error) {
	if len(points) <= KeypointLHip {
		return types.Detection{}, fmt.Errorf("%w: %d keypoints", ErrModelOutput, len(points))
	}

	get := func(i int) types.Point {
		p := points[i]
		if p.Confidence < minConfidence {
			return types.Point{}
		}
		return p
	}

	l := &types.Landmarks{
		Nose:          get(KeypointNose),
		LeftShoulder:  get(KeypointLShoulder),
		RightShoulder: get(KeypointRShoulder),
		LeftHip:       get(KeypointLHip),
		RightHip:      get(KeypointRHip),
	}
	if l.Nose.Confidence == 0 || l.LeftShoulder.Confidence == 0 || l.RightShoulder.Confidence == 0 {
		return types.Detection{}, nil
	}
	if !l.HasHips() {
		l.LeftHip, l.RightHip = types.Point{}, types.Point{}
	}
	return types.Detection{UserPresent: true, Landmarks: l}, nil
}
