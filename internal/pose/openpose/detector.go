// Package openpose runs the OpenPose COCO body model through OpenCV's DNN
// module and decodes the keypoint heatmaps into landmarks.
package openpose

import (
	"fmt"
	"image"
	"sync"

	"gocv.io/x/gocv"

	"github.com/EmekaOkaforTech/deskpulse-sub005/internal/logger"
	"github.com/EmekaOkaforTech/deskpulse-sub005/internal/pose"
	"github.com/EmekaOkaforTech/deskpulse-sub005/pkg/types"
)

// Config selects the model files and input size
type Config struct {
	ProtoPath     string  // pose_deploy_linevec.prototxt
	ModelPath     string  // pose_iter_440000.caffemodel
	InputWidth    int     // Network input, default 256
	InputHeight   int     // Network input, default 256
	MinConfidence float64 // Keypoints below this are missing
}

// Detector is safe for concurrent use; inference is serialized
type Detector struct {
	cfg Config

	mu  sync.Mutex
	net gocv.Net
}

// New loads the model
func New(cfg Config) (*Detector, error) {
	if cfg.InputWidth <= 0 {
		cfg.InputWidth = 256
	}
	if cfg.InputHeight <= 0 {
		cfg.InputHeight = 256
	}
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = pose.DefaultMinConfidence
	}

	net := gocv.ReadNetFromCaffe(cfg.ProtoPath, cfg.ModelPath)
	if net.Empty() {
		return nil, &pose.InferenceError{
			Op:  "load",
			Err: fmt.Errorf("%w: %s", pose.ErrModelNotLoaded, cfg.ModelPath),
		}
	}
	net.SetPreferableBackend(gocv.NetBackendDefault)
	net.SetPreferableTarget(gocv.NetTargetCPU)

	logger.Info("Pose", "Loaded OpenPose model %s (input %dx%d)", cfg.ModelPath, cfg.InputWidth, cfg.InputHeight)
	return &Detector{cfg: cfg, net: net}, nil
}

// Detect finds the user in frame. No subject is not an error.
func (d *Detector) Detect(frame *types.Frame) (types.Detection, error) {
	if !frame.Valid() {
		return types.Detection{}, &pose.InferenceError{Op: "detect", Err: pose.ErrMalformedFrame}
	}

	img, err := gocv.NewMatFromBytes(frame.Height, frame.Width, gocv.MatTypeCV8UC3, frame.BGR)
	if err != nil {
		return types.Detection{}, &pose.InferenceError{Op: "detect", Err: err}
	}
	defer img.Close()

	blob := gocv.BlobFromImage(img, 1.0/255.0, image.Pt(d.cfg.InputWidth, d.cfg.InputHeight),
		gocv.NewScalar(0, 0, 0, 0), false, false)
	defer blob.Close()

	d.mu.Lock()
	d.net.SetInput(blob, "")
	out := d.net.Forward("")
	d.mu.Unlock()
	defer out.Close()

	points, err := peaks(out)
	if err != nil {
		return types.Detection{}, &pose.InferenceError{Op: "decode", Err: err}
	}

	det, err := pose.Assemble(points, d.cfg.MinConfidence)
	if err != nil {
		return types.Detection{}, &pose.InferenceError{Op: "decode", Err: err}
	}
	// The blob stretches the whole frame, so peaks are normalised to it.
	if det.Landmarks != nil {
		det.Landmarks.Aspect = float64(frame.Width) / float64(frame.Height)
	}
	return det, nil
}

// peaks reads the first COCOKeypoints heatmaps of a [1, C, H, W] output blob
func peaks(out gocv.Mat) ([]types.Point, error) {
	size := gocv.GetBlobSize(out)
	if int(size.Val2) < pose.COCOKeypoints {
		return nil, fmt.Errorf("%w: %d channels", pose.ErrModelOutput, int(size.Val2))
	}

	points := make([]types.Point, pose.COCOKeypoints)
	for i := range points {
		ch := gocv.GetBlobChannel(out, 0, i)
		data, err := ch.DataPtrFloat32()
		if err != nil {
			ch.Close()
			return nil, err
		}
		p, err := pose.Heatmap{Width: ch.Cols(), Height: ch.Rows(), Data: data}.Peak()
		ch.Close()
		if err != nil {
			return nil, err
		}
		points[i] = p
	}
	return points, nil
}

// Close releases the network
func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.net.Close()
}
