// Package pipeline runs per-frame background subtraction: it owns the
// per-pixel mixture model, produces the object, shadow, and final masks for
// each frame, and feeds the classification back into the per-pixel learning
// rates.
package pipeline

import (
	"errors"
	"fmt"
	"image"
	"sync"

	"gocv.io/x/gocv"

	"github.com/mbrek/umbra/internal/agmm"
)

// Pipeline defaults.
const (
	// DefaultWorkers is the number of goroutines sharing the per-pixel work.
	DefaultWorkers = 4
	// DefaultBlurKernel is the square Gaussian blur kernel width applied
	// during preprocessing.
	DefaultBlurKernel = 3
	// openKernelSize is the rectangular structuring element width used by
	// morphological opening during object extraction.
	openKernelSize = 4
)

// ErrNotInitialized is returned by Process before Init has seeded the model.
var ErrNotInitialized = errors.New("pipeline is not initialized")

// ErrEmptyFrame is returned when Process receives an empty frame.
var ErrEmptyFrame = errors.New("empty frame")

// Config holds the construction parameters for a Pipeline.
type Config struct {
	Rows    int
	Cols    int
	FPS     float64
	Workers int
	// BlurKernel is the preprocessing blur kernel width; zero selects the
	// default.
	BlurKernel int
	// Params are the mixture model coefficients.
	Params agmm.Params
	// DisableShadow skips shadow detection; the shadow mask stays empty.
	DisableShadow bool
}

// Result is the per-frame output. The mask mats are owned by the pipeline
// and are valid until the next Process call; callers that need to keep them
// must clone.
type Result struct {
	// ObjectMask flags pixels whose mixture votes foreground (255) before
	// shadow removal and cleanup.
	ObjectMask gocv.Mat
	// ShadowMask flags pixels attributed to cast shadow.
	ShadowMask gocv.Mat
	// FinalMask is the cleaned object mask with shadows removed.
	FinalMask gocv.Mat
	// Frame is the original input frame, unchanged.
	Frame gocv.Mat
	// ForegroundPixels counts 255-valued pixels in ObjectMask.
	ForegroundPixels int
	// ShadowPixels counts 255-valued pixels in ShadowMask.
	ShadowPixels int
}

// Pipeline holds the per-pixel model and the scratch images reused across
// frames. It is not safe for concurrent use; one frame is in flight at a
// time, with data parallelism inside each step.
type Pipeline struct {
	cfg      Config
	params   agmm.Params
	mixtures []agmm.Mixture

	gray       gocv.Mat
	object     gocv.Mat
	shadow     gocv.Mat
	final      gocv.Mat
	labels     gocv.Mat
	openKernel gocv.Mat
	shadowDet  *shadowDetector

	initialized bool
}

// New allocates a pipeline for the given frame geometry. The mixture array
// and scratch masks are allocated once here and reused for every frame.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Rows <= 0 || cfg.Cols <= 0 {
		return nil, fmt.Errorf("invalid frame geometry %dx%d", cfg.Rows, cfg.Cols)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.BlurKernel <= 0 {
		cfg.BlurKernel = DefaultBlurKernel
	}

	p := &Pipeline{cfg: cfg, params: cfg.Params}

	ms, err := agmm.NewMixtures(cfg.Rows*cfg.Cols, &p.params)
	if err != nil {
		return nil, fmt.Errorf("allocate mixtures: %w", err)
	}
	p.mixtures = ms

	p.gray = gocv.NewMatWithSize(cfg.Rows, cfg.Cols, gocv.MatTypeCV8UC1)
	p.object = gocv.NewMatWithSize(cfg.Rows, cfg.Cols, gocv.MatTypeCV8UC1)
	p.shadow = gocv.NewMatWithSize(cfg.Rows, cfg.Cols, gocv.MatTypeCV8UC1)
	p.final = gocv.NewMatWithSize(cfg.Rows, cfg.Cols, gocv.MatTypeCV8UC1)
	p.labels = gocv.NewMat()
	p.openKernel = gocv.GetStructuringElement(gocv.MorphRect, image.Pt(openKernelSize, openKernelSize))
	if !cfg.DisableShadow {
		p.shadowDet = newShadowDetector(cfg.Rows, cfg.Cols)
	}

	return p, nil
}

// Close releases the native image buffers.
func (p *Pipeline) Close() {
	p.gray.Close()
	p.object.Close()
	p.shadow.Close()
	p.final.Close()
	p.labels.Close()
	p.openKernel.Close()
	if p.shadowDet != nil {
		p.shadowDet.close()
	}
}

// Init seeds every pixel's mixture from the first frame.
func (p *Pipeline) Init(frame gocv.Mat) error {
	gray, err := p.preprocess(frame)
	if err != nil {
		return err
	}

	p.parallelRows(func(r0, r1 int) {
		for i := r0 * p.cfg.Cols; i < r1*p.cfg.Cols; i++ {
			p.mixtures[i].Init(float64(gray[i]))
		}
	})
	p.initialized = true
	return nil
}

// Process advances the model one frame and produces the masks.
//
// The steps run in strict order: background maintenance, foreground
// identification, shadow detection, mask combination, object extraction, and
// learning-rate regulation. The per-pixel steps are parallelized across row
// bands; each mixture is touched by exactly one worker, so no locking is
// needed.
func (p *Pipeline) Process(frame gocv.Mat) (Result, error) {
	if !p.initialized {
		return Result{}, ErrNotInitialized
	}

	gray, err := p.preprocess(frame)
	if err != nil {
		return Result{}, err
	}

	objData, err := p.object.DataPtrUint8()
	if err != nil {
		return Result{}, fmt.Errorf("object mask data: %w", err)
	}
	shadowData, err := p.shadow.DataPtrUint8()
	if err != nil {
		return Result{}, fmt.Errorf("shadow mask data: %w", err)
	}

	// Background maintenance.
	p.parallelRows(func(r0, r1 int) {
		for i := r0 * p.cfg.Cols; i < r1*p.cfg.Cols; i++ {
			p.mixtures[i].Update(float64(gray[i]))
		}
	})

	// Foreground identification.
	p.parallelRows(func(r0, r1 int) {
		for i := r0 * p.cfg.Cols; i < r1*p.cfg.Cols; i++ {
			if p.mixtures[i].IsForeground() {
				objData[i] = 255
			} else {
				objData[i] = 0
			}
		}
	})

	// Shadow detection. Serial: it contains whole-frame reductions.
	if p.shadowDet != nil {
		p.shadowDet.detect(gray, p.mixtures, shadowData)
	} else {
		clear(shadowData)
	}

	// Final mask: object with shadow pixels removed.
	finData, err := p.final.DataPtrUint8()
	if err != nil {
		return Result{}, fmt.Errorf("final mask data: %w", err)
	}
	for i := range finData {
		finData[i] = objData[i] &^ shadowData[i]
	}

	p.extractObjects()

	// Learning-rate regulation from this frame's classification.
	var fg, sh int
	p.parallelRows(func(r0, r1 int) {
		for i := r0 * p.cfg.Cols; i < r1*p.cfg.Cols; i++ {
			var o agmm.Opportunity
			switch {
			case objData[i] == 0:
				o = agmm.OpportunityBackground
			case shadowData[i] == 255:
				o = agmm.OpportunityShadow
			default:
				o = agmm.OpportunityMoving
			}
			p.mixtures[i].RegulateEta(o, float64(gray[i]))
		}
	})
	for i := range objData {
		if objData[i] == 255 {
			fg++
		}
		if shadowData[i] == 255 {
			sh++
		}
	}

	return Result{
		ObjectMask:       p.object,
		ShadowMask:       p.shadow,
		FinalMask:        p.final,
		Frame:            frame,
		ForegroundPixels: fg,
		ShadowPixels:     sh,
	}, nil
}

// preprocess converts the frame to blurred single-channel luminance and
// returns the pixel data of the internal gray buffer.
func (p *Pipeline) preprocess(frame gocv.Mat) ([]uint8, error) {
	if frame.Empty() {
		return nil, ErrEmptyFrame
	}
	if frame.Rows() != p.cfg.Rows || frame.Cols() != p.cfg.Cols {
		return nil, fmt.Errorf("frame is %dx%d, model is %dx%d",
			frame.Rows(), frame.Cols(), p.cfg.Rows, p.cfg.Cols)
	}

	if frame.Channels() > 1 {
		gocv.CvtColor(frame, &p.gray, gocv.ColorBGRToGray)
	} else {
		frame.CopyTo(&p.gray)
	}
	k := image.Pt(p.cfg.BlurKernel, p.cfg.BlurKernel)
	gocv.GaussianBlur(p.gray, &p.gray, k, 0, 0, gocv.BorderDefault)

	data, err := p.gray.DataPtrUint8()
	if err != nil {
		return nil, fmt.Errorf("gray frame data: %w", err)
	}
	return data, nil
}

// extractObjects cleans the final mask: morphological opening with a
// rectangular element, then connected-components labeling with every
// non-background label kept as 255.
func (p *Pipeline) extractObjects() {
	gocv.MorphologyEx(p.final, &p.final, gocv.MorphOpen, p.openKernel)
	gocv.ConnectedComponents(p.final, &p.labels)

	labels, err := p.labels.DataPtrInt32()
	if err != nil {
		return
	}
	finData, err := p.final.DataPtrUint8()
	if err != nil {
		return
	}
	for i, l := range labels {
		if l > 0 {
			finData[i] = 255
		} else {
			finData[i] = 0
		}
	}
}

// parallelRows partitions the frame's rows into contiguous bands and runs fn
// on each band from its own goroutine. Bands are disjoint, so workers never
// share a mixture or mask index.
func (p *Pipeline) parallelRows(fn func(r0, r1 int)) {
	workers := p.cfg.Workers
	if workers <= 1 || p.cfg.Rows < 2*workers {
		fn(0, p.cfg.Rows)
		return
	}

	band := (p.cfg.Rows + workers - 1) / workers
	var wg sync.WaitGroup
	for start := 0; start < p.cfg.Rows; start += band {
		end := start + band
		if end > p.cfg.Rows {
			end = p.cfg.Rows
		}
		wg.Add(1)
		go func(r0, r1 int) {
			defer wg.Done()
			fn(r0, r1)
		}(start, end)
	}
	wg.Wait()
}

// Rows returns the model's frame height.
func (p *Pipeline) Rows() int { return p.cfg.Rows }

// Cols returns the model's frame width.
func (p *Pipeline) Cols() int { return p.cfg.Cols }

// MixtureAt returns the mixture modeling the given pixel. The pointer stays
// valid for the pipeline's lifetime; it must not be used while a frame is
// being processed.
func (p *Pipeline) MixtureAt(row, col int) *agmm.Mixture {
	return &p.mixtures[row*p.cfg.Cols+col]
}

// EtaAt returns the current learning rate at the given pixel.
func (p *Pipeline) EtaAt(row, col int) float64 {
	return p.mixtures[row*p.cfg.Cols+col].Eta()
}

// EtaTraceAt returns the learning-rate history at the given pixel. Nil
// unless the model was built with TraceEta enabled.
func (p *Pipeline) EtaTraceAt(row, col int) []float64 {
	return p.mixtures[row*p.cfg.Cols+col].EtaTrace()
}
