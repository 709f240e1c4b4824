package app

import (
	"image"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"gocv.io/x/gocv"

	"github.com/mbrek/umbra/internal/capture"
	"github.com/mbrek/umbra/internal/store"
)

// grayFrames builds n constant single-channel frames.
func grayFrames(t *testing.T, n, rows, cols int, value uint8) []*gocv.Mat {
	t.Helper()
	frames := make([]*gocv.Mat, n)
	for i := range frames {
		m := gocv.NewMatWithSize(rows, cols, gocv.MatTypeCV8UC1)
		data, err := m.DataPtrUint8()
		if err != nil {
			t.Fatalf("frame data: %v", err)
		}
		for j := range data {
			data[j] = value
		}
		frames[i] = &m
		t.Cleanup(func() { m.Close() })
	}
	return frames
}

func TestApp_ProcessesStreamToCompletion(t *testing.T) {
	// One init frame plus nine processed frames.
	src := capture.NewMockSource(grayFrames(t, 10, 8, 8, 120), false)

	a := New(Config{Source: src, DisableShadow: true})
	if err := a.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	a.Wait()
	a.Stop()

	if got := a.Frames(); got != 9 {
		t.Errorf("Frames() = %d, want 9", got)
	}
}

func TestApp_RecordsRunInStore(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "runs.db")
	st, err := store.New(dbPath)
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}
	defer st.Close()

	src := capture.NewMockSource(grayFrames(t, 6, 8, 8, 60), false)
	a := New(Config{
		Source:        src,
		Store:         st,
		SourceName:    "mock",
		DisableShadow: true,
		Probes:        []image.Point{{X: 2, Y: 3}},
	})
	if err := a.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	runID := a.RunID()
	if runID == "" {
		t.Fatal("RunID() is empty with a store configured")
	}
	a.Wait()
	a.Stop()

	run, err := st.Runs().GetByID(runID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if run.Frames != 5 {
		t.Errorf("recorded frames = %d, want 5", run.Frames)
	}
	if !run.FinishedAt.Valid {
		t.Error("run should be marked finished at end of stream")
	}

	stats, err := st.Runs().FrameStats(runID)
	if err != nil {
		t.Fatalf("FrameStats() error = %v", err)
	}
	if len(stats) != 5 {
		t.Errorf("frame stats rows = %d, want 5", len(stats))
	}

	samples, err := st.Runs().EtaSamples(runID, 3, 2)
	if err != nil {
		t.Fatalf("EtaSamples() error = %v", err)
	}
	if len(samples) != 5 {
		t.Errorf("eta samples = %d, want 5", len(samples))
	}
}

func TestApp_OnFrameCallback(t *testing.T) {
	src := capture.NewMockSource(grayFrames(t, 4, 8, 8, 200), false)
	a := New(Config{Source: src, DisableShadow: true})

	var mu sync.Mutex
	var seen []int
	a.OnFrame(func(s FrameStats) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, s.Index)
	})

	if err := a.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	a.Wait()
	a.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 3 {
		t.Fatalf("callback ran %d times, want 3", len(seen))
	}
	for i, idx := range seen {
		if idx != i {
			t.Errorf("callback %d got index %d, want %d (frame order)", i, idx, i)
		}
	}
}

func TestApp_LastStatsAndMask(t *testing.T) {
	src := capture.NewMockSource(grayFrames(t, 3, 8, 8, 10), false)
	a := New(Config{Source: src, DisableShadow: true})
	if err := a.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	a.Wait()
	a.Stop()

	stats, ok := a.LastStats()
	if !ok {
		t.Fatal("LastStats() not available after processing")
	}
	if stats.Index != 1 {
		t.Errorf("last frame index = %d, want 1", stats.Index)
	}
	if len(stats.ProbeEtas) != 1 {
		t.Errorf("probe etas = %d entries, want 1 (default center probe)", len(stats.ProbeEtas))
	}
	if a.MaskJPEG() == nil {
		t.Error("MaskJPEG() should hold the last final mask")
	}
}

func TestApp_PauseSkipsProcessing(t *testing.T) {
	src := capture.NewMockSource(grayFrames(t, 50, 8, 8, 90), true)
	a := New(Config{Source: src, DisableShadow: true})
	a.SetEnabled(false)

	if err := a.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	time.Sleep(150 * time.Millisecond)
	if got := a.Frames(); got != 0 {
		t.Errorf("Frames() = %d while paused, want 0", got)
	}

	a.SetEnabled(true)
	deadline := time.Now().Add(2 * time.Second)
	for a.Frames() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if a.Frames() == 0 {
		t.Error("no frames processed after resume")
	}
	a.Stop()
}

func TestApp_StopIdempotent(t *testing.T) {
	src := capture.NewMockSource(grayFrames(t, 5, 8, 8, 40), true)
	a := New(Config{Source: src, DisableShadow: true})
	if err := a.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	a.Stop()
	a.Stop() // must not panic or block
}

func TestApp_StartWithUnreadableSource(t *testing.T) {
	src := capture.NewMockSource(nil, false)
	a := New(Config{Source: src})

	if err := a.Start(); err == nil {
		a.Stop()
		t.Error("Start() should fail when the source has no frames")
	}
}
