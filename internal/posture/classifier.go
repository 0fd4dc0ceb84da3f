// Package posture classifies body alignment from pose landmarks.
package posture

import (
	"fmt"
	"math"

	"github.com/EmekaOkaforTech/deskpulse-sub005/pkg/types"
)

const (
	// DefaultThresholdDegrees is the default maximum tolerated angle
	DefaultThresholdDegrees = 7.0
	MinThresholdDegrees     = 1.0
	MaxThresholdDegrees     = 30.0
)

// ValidateThreshold checks a threshold against the supported range
func ValidateThreshold(degrees float64) error {
	if math.IsNaN(degrees) || degrees < MinThresholdDegrees || degrees > MaxThresholdDegrees {
		return fmt.Errorf("posture threshold %.1f outside [%.0f, %.0f] degrees",
			degrees, MinThresholdDegrees, MaxThresholdDegrees)
	}
	return nil
}

// Angles returns the forward-lean and neck angles in degrees, both measured
// from vertical and both taken from the same landmark snapshot.
//
// lean: hip midpoint -> shoulder midpoint. Zero when hips are not visible.
// neck: shoulder midpoint -> nose.
//
// Horizontal offsets are scaled by the frame aspect so angles are in pixel
// space rather than normalised units.
func Angles(l *types.Landmarks) (lean, neck float64) {
	aspect := l.PixelAspect()
	shoulder := midpoint(l.LeftShoulder, l.RightShoulder)

	if l.HasHips() {
		hip := midpoint(l.LeftHip, l.RightHip)
		lean = angleFromVertical(hip, shoulder, aspect)
	}
	neck = angleFromVertical(shoulder, l.Nose, aspect)
	return lean, neck
}

// Classify returns Bad if either angle exceeds thresholdDegrees.
// An angle equal to the threshold is still Good. Nil landmarks are Unknown.
func Classify(l *types.Landmarks, thresholdDegrees float64) types.PostureState {
	if l == nil {
		return types.PostureUnknown
	}

	lean, neck := Angles(l)
	if lean > thresholdDegrees || neck > thresholdDegrees {
		return types.PostureBad
	}
	return types.PostureGood
}

// Classifier binds a threshold to Classify
type Classifier struct {
	threshold float64
}

// NewClassifier returns a Classifier for the given threshold
func NewClassifier(thresholdDegrees float64) (*Classifier, error) {
	if err := ValidateThreshold(thresholdDegrees); err != nil {
		return nil, err
	}
	return &Classifier{threshold: thresholdDegrees}, nil
}

// Classify classifies landmarks with the bound threshold
func (c *Classifier) Classify(l *types.Landmarks) types.PostureState {
	return Classify(l, c.threshold)
}

// Threshold returns the bound threshold in degrees
func (c *Classifier) Threshold() float64 {
	return c.threshold
}

func midpoint(a, b types.Point) types.Point {
	return types.Point{X: (a.X + b.X) / 2, Y: (a.Y + b.Y) / 2}
}

// angleFromVertical is the absolute angle between the upward vertical and
// the segment base->tip. Image Y grows downward; aspect is width/height.
func angleFromVertical(base, tip types.Point, aspect float64) float64 {
	dx := (tip.X - base.X) * aspect
	dy := base.Y - tip.Y
	if dx == 0 && dy == 0 {
		return 0
	}
	return math.Abs(math.Atan2(dx, dy) * 180 / math.Pi)
}
