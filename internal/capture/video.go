// Package capture provides video frame acquisition and mask output using
// GoCV (OpenCV).
package capture

import (
	"errors"
	"fmt"
	"sync"

	"gocv.io/x/gocv"
)

// ErrSourceNotOpen is returned when reading from a source that is not open.
var ErrSourceNotOpen = errors.New("video source is not open")

// ErrEndOfStream is returned when a source has no more frames.
var ErrEndOfStream = errors.New("end of stream")

// Source yields decoded BGR frames from a video file or capture device.
// Rows, Cols, and FPS are valid after Open.
type Source interface {
	Open() error
	Close() error
	// ReadFrame returns the next frame. The caller owns the returned Mat
	// and must close it. Returns ErrEndOfStream when the stream is
	// exhausted.
	ReadFrame() (*gocv.Mat, error)
	Rows() int
	Cols() int
	FPS() float64
	IsOpen() bool
}

// videoSource reads frames from a file or a capture device using GoCV.
type videoSource struct {
	path     string
	deviceID int
	device   bool

	capture *gocv.VideoCapture
	mu      sync.Mutex
	running bool
	rows    int
	cols    int
	fps     float64
}

// NewVideoSource creates a Source reading from a video file.
func NewVideoSource(path string) Source {
	return &videoSource{path: path}
}

// NewDeviceSource creates a Source reading from a capture device.
func NewDeviceSource(deviceID int) Source {
	return &videoSource{deviceID: deviceID, device: true}
}

// Open opens the underlying capture and queries the stream geometry once.
func (s *videoSource) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	var (
		capture *gocv.VideoCapture
		err     error
	)
	if s.device {
		capture, err = gocv.OpenVideoCapture(s.deviceID)
		if err != nil {
			return fmt.Errorf("open device %d: %w", s.deviceID, err)
		}
	} else {
		capture, err = gocv.VideoCaptureFile(s.path)
		if err != nil {
			return fmt.Errorf("open video %s: %w", s.path, err)
		}
	}

	s.capture = capture
	s.rows = int(capture.Get(gocv.VideoCaptureFrameHeight))
	s.cols = int(capture.Get(gocv.VideoCaptureFrameWidth))
	s.fps = capture.Get(gocv.VideoCaptureFPS)
	s.running = true

	return nil
}

// Close closes the capture and releases resources.
func (s *videoSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running || s.capture == nil {
		s.running = false
		return nil
	}

	err := s.capture.Close()
	s.capture = nil
	s.running = false

	return err
}

// ReadFrame reads the next frame. The caller is responsible for closing the
// returned Mat.
func (s *videoSource) ReadFrame() (*gocv.Mat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running || s.capture == nil {
		return nil, ErrSourceNotOpen
	}

	mat := gocv.NewMat()
	if ok := s.capture.Read(&mat); !ok {
		mat.Close()
		return nil, ErrEndOfStream
	}
	if mat.Empty() {
		mat.Close()
		return nil, ErrEndOfStream
	}

	return &mat, nil
}

// Rows returns the frame height queried at Open.
func (s *videoSource) Rows() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows
}

// Cols returns the frame width queried at Open.
func (s *videoSource) Cols() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cols
}

// FPS returns the stream frame rate queried at Open.
func (s *videoSource) FPS() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fps
}

// IsOpen returns true if the source is currently open.
func (s *videoSource) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
