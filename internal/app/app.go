// Package app wires the video source, the background-subtraction pipeline,
// and the optional recording sinks into a running application.
package app

import (
	"encoding/json"
	"fmt"
	"image"
	"log"
	"sync"

	"github.com/mbrek/umbra/internal/agmm"
	"github.com/mbrek/umbra/internal/capture"
	"github.com/mbrek/umbra/internal/pipeline"
	"github.com/mbrek/umbra/internal/store"
)

// Config holds configuration options for the application.
type Config struct {
	// Source supplies the frames. Required.
	Source capture.Source
	// Store, when set, records the run, per-frame statistics, and probe
	// learning rates.
	Store *store.Store
	// SourceName labels the run in the store.
	SourceName string
	// MaskOutput, when non-empty, is the path of a video file receiving the
	// final mask stream.
	MaskOutput string
	// Params are the mixture model coefficients; the zero value selects the
	// defaults.
	Params agmm.Params
	// Workers is the per-frame parallelism; zero selects the default.
	Workers int
	// DisableShadow skips shadow detection.
	DisableShadow bool
	// Probes are pixels whose learning rate is recorded every frame
	// (X is the column, Y is the row). Empty selects the frame center.
	Probes []image.Point
}

// FrameStats summarizes one processed frame.
type FrameStats struct {
	Index            int                `json:"index"`
	ForegroundPixels int                `json:"foregroundPixels"`
	ShadowPixels     int                `json:"shadowPixels"`
	ProcessMillis    float64            `json:"processMillis"`
	ProbeEtas        map[string]float64 `json:"probeEtas,omitempty"`
}

// App runs the frame loop: pull, process, record, repeat. One frame is in
// flight at a time; cancellation is checked between frames.
type App struct {
	config   Config
	source   capture.Source
	pipe     *pipeline.Pipeline
	writer   *capture.MaskWriter
	probes   []image.Point
	runID    string
	enabled  bool
	mu       sync.RWMutex
	stopCh   chan struct{}
	doneCh   chan struct{}
	frames   int
	last     FrameStats
	hasStats bool
	maskJPEG []byte
	onFrame  func(FrameStats)
}

// New creates a new App instance with the given configuration.
func New(config Config) *App {
	if config.Params.Gaussians == 0 {
		config.Params = agmm.DefaultParams()
	}
	return &App{
		config:  config,
		source:  config.Source,
		enabled: true,
	}
}

// SetEnabled pauses or resumes frame processing.
func (a *App) SetEnabled(enabled bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.enabled = enabled
}

// IsEnabled returns whether frame processing is currently enabled.
func (a *App) IsEnabled() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.enabled
}

// OnFrame registers a callback invoked after every processed frame. It runs
// on the frame loop goroutine and must return quickly.
func (a *App) OnFrame(fn func(FrameStats)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onFrame = fn
}

// LastStats returns the most recent frame statistics.
func (a *App) LastStats() (FrameStats, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.last, a.hasStats
}

// MaskJPEG returns the JPEG encoding of the most recent final mask, or nil
// before the first frame.
func (a *App) MaskJPEG() []byte {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.maskJPEG
}

// RunID returns the store identifier of the active run, if any.
func (a *App) RunID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.runID
}

// Pipeline exposes the model for observability handlers. It is nil before
// Start.
func (a *App) Pipeline() *pipeline.Pipeline {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.pipe
}

// Frames returns the number of frames processed so far.
func (a *App) Frames() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.frames
}

// Start opens the source, seeds the model from the first frame, and begins
// the frame loop.
func (a *App) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	// Don't start if already running
	if a.stopCh != nil {
		return nil
	}

	if err := a.source.Open(); err != nil {
		return fmt.Errorf("open source: %w", err)
	}

	first, err := a.source.ReadFrame()
	if err != nil {
		a.source.Close()
		return fmt.Errorf("read first frame: %w", err)
	}
	defer first.Close()

	pipe, err := pipeline.New(pipeline.Config{
		Rows:          first.Rows(),
		Cols:          first.Cols(),
		FPS:           a.source.FPS(),
		Workers:       a.config.Workers,
		Params:        a.config.Params,
		DisableShadow: a.config.DisableShadow,
	})
	if err != nil {
		a.source.Close()
		return fmt.Errorf("build pipeline: %w", err)
	}
	if err := pipe.Init(*first); err != nil {
		pipe.Close()
		a.source.Close()
		return fmt.Errorf("initialize model: %w", err)
	}
	a.pipe = pipe
	a.probes = a.clampProbes(first.Rows(), first.Cols())

	if a.config.MaskOutput != "" {
		w, err := capture.NewMaskWriter(a.config.MaskOutput, a.source.FPS(), first.Rows(), first.Cols())
		if err != nil {
			pipe.Close()
			a.pipe = nil
			a.source.Close()
			return err
		}
		a.writer = w
	}

	if a.config.Store != nil {
		params, _ := json.Marshal(a.config.Params)
		run := &store.Run{Source: a.config.SourceName, Params: string(params)}
		if err := a.config.Store.Runs().Create(run); err != nil {
			log.Printf("Failed to record run: %v", err)
		} else {
			a.runID = run.ID
		}
	}

	a.frames = 0
	a.stopCh = make(chan struct{})
	a.doneCh = make(chan struct{})
	go a.runLoop(a.stopCh, a.doneCh)

	log.Println("Processing pipeline started")
	return nil
}

// Stop halts the frame loop and releases resources. Safe to call more than
// once. It also returns after the loop drained the stream on its own.
func (a *App) Stop() {
	a.mu.Lock()
	if a.doneCh == nil {
		a.mu.Unlock()
		return
	}
	if a.stopCh != nil {
		close(a.stopCh)
		a.stopCh = nil
	}
	done := a.doneCh
	a.mu.Unlock()

	<-done

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.doneCh == nil {
		return
	}
	a.doneCh = nil
	a.teardown()

	log.Println("Processing pipeline stopped")
}

// Wait blocks until the frame loop finishes on its own (end of stream).
func (a *App) Wait() {
	a.mu.RLock()
	done := a.doneCh
	a.mu.RUnlock()
	if done != nil {
		<-done
	}
}

// teardown releases resources. Caller holds the lock.
func (a *App) teardown() {
	if a.writer != nil {
		if err := a.writer.Close(); err != nil {
			log.Printf("Error closing mask writer: %v", err)
		}
		a.writer = nil
	}
	if err := a.source.Close(); err != nil {
		log.Printf("Error closing source: %v", err)
	}
	if a.pipe != nil {
		a.pipe.Close()
		a.pipe = nil
	}
}

// clampProbes bounds the configured probe pixels to the frame, defaulting to
// the frame center.
func (a *App) clampProbes(rows, cols int) []image.Point {
	probes := a.config.Probes
	if len(probes) == 0 {
		probes = []image.Point{{X: cols / 2, Y: rows / 2}}
	}
	out := make([]image.Point, 0, len(probes))
	for _, p := range probes {
		if p.X < 0 || p.X >= cols || p.Y < 0 || p.Y >= rows {
			log.Printf("Probe (%d,%d) outside %dx%d frame, dropped", p.Y, p.X, rows, cols)
			continue
		}
		out = append(out, p)
	}
	return out
}
