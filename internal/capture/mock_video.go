package capture

import (
	"sync"

	"gocv.io/x/gocv"
)

// MockSource plays back pre-built frames for testing.
type MockSource struct {
	frames  []*gocv.Mat
	index   int
	loop    bool
	fps     float64
	mu      sync.Mutex
	running bool
}

// NewMockSource creates a MockSource over the given frames. The frames are
// not copied; callers must keep them alive and close them when done.
func NewMockSource(frames []*gocv.Mat, loop bool) *MockSource {
	return &MockSource{
		frames: frames,
		loop:   loop,
		fps:    30,
	}
}

func (s *MockSource) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = true
	s.index = 0
	return nil
}

func (s *MockSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	return nil
}

// ReadFrame returns a clone of the next frame, or ErrEndOfStream once the
// sequence is exhausted (unless looping).
func (s *MockSource) ReadFrame() (*gocv.Mat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil, ErrSourceNotOpen
	}
	if len(s.frames) == 0 {
		return nil, ErrEndOfStream
	}
	if s.index >= len(s.frames) {
		if !s.loop {
			return nil, ErrEndOfStream
		}
		s.index = 0
	}

	// Clone so callers can close their copy without touching the original.
	frame := s.frames[s.index].Clone()
	s.index++

	return &frame, nil
}

func (s *MockSource) Rows() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 {
		return 0
	}
	return s.frames[0].Rows()
}

func (s *MockSource) Cols() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 {
		return 0
	}
	return s.frames[0].Cols()
}

func (s *MockSource) FPS() float64 { return s.fps }

// SetFPS overrides the advertised frame rate.
func (s *MockSource) SetFPS(fps float64) {
	if fps > 0 {
		s.fps = fps
	}
}

func (s *MockSource) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// SetFrames replaces the frame sequence.
func (s *MockSource) SetFrames(frames []*gocv.Mat) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = frames
	s.index = 0
}

// Reset restarts playback from the beginning.
func (s *MockSource) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.index = 0
}
