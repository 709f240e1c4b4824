package app

import (
	"errors"
	"fmt"
	"log"
	"time"

	"gocv.io/x/gocv"

	"github.com/mbrek/umbra/internal/capture"
	"github.com/mbrek/umbra/internal/pipeline"
	"github.com/mbrek/umbra/internal/store"
)

// idlePoll is how long the loop sleeps while processing is paused.
const idlePoll = 100 * time.Millisecond

// runLoop is the frame loop: it pulls frames in source order, processes each
// one fully, and records the outputs. A frame is never half-processed; the
// stop signal is honored only between frames.
func (a *App) runLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	for {
		select {
		case <-stop:
			return
		default:
		}

		if !a.IsEnabled() {
			time.Sleep(idlePoll)
			continue
		}

		frame, err := a.source.ReadFrame()
		if err != nil {
			if errors.Is(err, capture.ErrEndOfStream) {
				a.finishRun()
				return
			}
			log.Printf("Error reading frame: %v", err)
			time.Sleep(idlePoll)
			continue
		}

		start := time.Now()
		res, err := a.pipe.Process(*frame)
		if err != nil {
			log.Printf("Error processing frame: %v", err)
			frame.Close()
			continue
		}
		elapsed := time.Since(start)

		a.recordFrame(res, elapsed)
		frame.Close()
	}
}

// recordFrame publishes one frame's outputs: sinks, store rows, cached
// stats, and the observer callback.
func (a *App) recordFrame(res pipeline.Result, elapsed time.Duration) {
	a.mu.Lock()
	index := a.frames
	a.frames++
	writer := a.writer
	callback := a.onFrame
	runID := a.runID
	a.mu.Unlock()

	stats := FrameStats{
		Index:            index,
		ForegroundPixels: res.ForegroundPixels,
		ShadowPixels:     res.ShadowPixels,
		ProcessMillis:    float64(elapsed.Microseconds()) / 1000.0,
	}
	if len(a.probes) > 0 {
		stats.ProbeEtas = make(map[string]float64, len(a.probes))
		for _, p := range a.probes {
			key := fmt.Sprintf("%d,%d", p.Y, p.X)
			stats.ProbeEtas[key] = a.pipe.EtaAt(p.Y, p.X)
		}
	}

	if writer != nil {
		if err := writer.Write(res.FinalMask); err != nil {
			log.Printf("Error writing mask frame: %v", err)
		}
	}

	var jpeg []byte
	if buf, err := gocv.IMEncode(".jpg", res.FinalMask); err == nil {
		jpeg = make([]byte, buf.Len())
		copy(jpeg, buf.GetBytes())
		buf.Close()
	}

	if a.config.Store != nil && runID != "" {
		stat := &store.FrameStat{
			RunID:         runID,
			FrameIndex:    index,
			ForegroundPx:  res.ForegroundPixels,
			ShadowPx:      res.ShadowPixels,
			ProcessMillis: stats.ProcessMillis,
		}
		if err := a.config.Store.Runs().AddFrameStat(stat); err != nil {
			log.Printf("Error recording frame stats: %v", err)
		}

		samples := make([]store.EtaSample, 0, len(a.probes))
		for _, p := range a.probes {
			samples = append(samples, store.EtaSample{
				RunID:      runID,
				FrameIndex: index,
				Row:        p.Y,
				Col:        p.X,
				Eta:        a.pipe.EtaAt(p.Y, p.X),
			})
		}
		if err := a.config.Store.Runs().AddEtaSamples(samples); err != nil {
			log.Printf("Error recording eta samples: %v", err)
		}
	}

	a.mu.Lock()
	a.last = stats
	a.hasStats = true
	if jpeg != nil {
		a.maskJPEG = jpeg
	}
	a.mu.Unlock()

	if callback != nil {
		callback(stats)
	}
}

// finishRun closes out the store record when the stream ends on its own.
func (a *App) finishRun() {
	a.mu.RLock()
	runID := a.runID
	frames := a.frames
	a.mu.RUnlock()

	log.Printf("End of stream after %d frames", frames)
	if a.config.Store != nil && runID != "" {
		if err := a.config.Store.Runs().Finish(runID, frames); err != nil {
			log.Printf("Error finishing run: %v", err)
		}
	}
}
