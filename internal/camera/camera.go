// Package camera wraps an OpenCV video capture device. It reports failures
// and never retries; recovery is the pipeline's job.
package camera

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"github.com/EmekaOkaforTech/deskpulse-sub005/internal/logger"
	"github.com/EmekaOkaforTech/deskpulse-sub005/pkg/types"
)

var (
	ErrNotOpen    = errors.New("camera not open")
	ErrOpenFailed = errors.New("camera open failed")
	ErrReadFailed = errors.New("camera read failed")
	ErrEmptyFrame = errors.New("camera returned an empty frame")
)

// CaptureError is a hardware or I/O failure. It drives the camera state.
type CaptureError struct {
	Op     string // open, read
	Device string
	Err    error
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("camera %s %s: %v", e.Op, e.Device, e.Err)
}

func (e *CaptureError) Unwrap() error { return e.Err }

// Config describes the capture device
type Config struct {
	Device string  // /dev/video0, /dev/v4l/by-id/..., or an index such as "0"
	Width  int     // Requested frame width (0 keeps the driver default)
	Height int     // Requested frame height
	FPS    float64 // Requested capture rate
}

// ResolveDevice maps the configured device to something VideoCapture can
// open. Paths are used as given. A numeric index N becomes /dev/videoN when
// that node exists, since device paths survive USB re-enumeration better
// than indices; otherwise the index itself is returned.
func ResolveDevice(device string, exists func(path string) bool) (target string, index int, isIndex bool) {
	device = strings.TrimSpace(device)
	n, err := strconv.Atoi(device)
	if err != nil || n < 0 {
		return device, 0, false
	}
	path := fmt.Sprintf("/dev/video%d", n)
	if exists != nil && exists(path) {
		return path, 0, false
	}
	return "", n, true
}

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Source is a single capture device
type Source struct {
	cfg Config
	log logger.ModuleLogger

	mu     sync.Mutex
	cap    *gocv.VideoCapture
	img    gocv.Mat
	target string
	seq    uint64
}

// New returns a closed source
func New(cfg Config) *Source {
	return &Source{cfg: cfg, log: logger.Named("Camera")}
}

// Open opens the device and applies the capture settings
func (s *Source) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return &CaptureError{Op: "open", Device: s.cfg.Device, Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()

	target, index, isIndex := ResolveDevice(s.cfg.Device, pathExists)

	var (
		vc  *gocv.VideoCapture
		err error
	)
	if isIndex {
		target = strconv.Itoa(index)
		vc, err = gocv.OpenVideoCapture(index)
	} else {
		vc, err = gocv.OpenVideoCapture(target)
	}
	if err != nil {
		return &CaptureError{Op: "open", Device: target, Err: fmt.Errorf("%w: %v", ErrOpenFailed, err)}
	}
	if !vc.IsOpened() {
		vc.Close()
		return &CaptureError{Op: "open", Device: target, Err: ErrOpenFailed}
	}

	// Keep only the newest frame in the driver queue
	vc.Set(gocv.VideoCaptureBufferSize, 1)
	if s.cfg.Width > 0 && s.cfg.Height > 0 {
		vc.Set(gocv.VideoCaptureFrameWidth, float64(s.cfg.Width))
		vc.Set(gocv.VideoCaptureFrameHeight, float64(s.cfg.Height))
	}
	if s.cfg.FPS > 0 {
		vc.Set(gocv.VideoCaptureFPS, s.cfg.FPS)
	}

	s.cap = vc
	s.img = gocv.NewMat()
	s.target = target

	s.log.Info("Opened %s (%.0fx%.0f @ %.1f fps)", target,
		vc.Get(gocv.VideoCaptureFrameWidth), vc.Get(gocv.VideoCaptureFrameHeight), vc.Get(gocv.VideoCaptureFPS))
	return nil
}

// ReadFrame grabs the next frame as packed BGR
func (s *Source) ReadFrame() (*types.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cap == nil {
		return nil, &CaptureError{Op: "read", Device: s.cfg.Device, Err: ErrNotOpen}
	}
	if ok := s.cap.Read(&s.img); !ok {
		return nil, &CaptureError{Op: "read", Device: s.target, Err: ErrReadFailed}
	}
	if s.img.Empty() {
		return nil, &CaptureError{Op: "read", Device: s.target, Err: ErrEmptyFrame}
	}

	bgr := s.img
	if s.img.Channels() == 1 {
		converted := gocv.NewMat()
		defer converted.Close()
		gocv.CvtColor(s.img, &converted, gocv.ColorGrayToBGR)
		bgr = converted
	}

	s.seq++
	return &types.Frame{
		Seq:        s.seq,
		Width:      bgr.Cols(),
		Height:     bgr.Rows(),
		BGR:        bgr.ToBytes(),
		CapturedAt: time.Now(),
	}, nil
}

// Close releases the device. Safe to call when already closed.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

func (s *Source) closeLocked() error {
	if s.cap == nil {
		return nil
	}
	err := s.cap.Close()
	s.img.Close()
	s.cap = nil
	s.log.Debug("Closed %s", s.target)
	return err
}
