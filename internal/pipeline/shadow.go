package pipeline

import (
	"image"
	"math"
	"sort"

	"gocv.io/x/gocv"
	"gonum.org/v1/gonum/stat"

	"github.com/mbrek/umbra/internal/agmm"
)

// Shadow detection constants.
const (
	// madScale converts a median absolute deviation into a robust standard
	// deviation estimate for normally distributed noise.
	madScale = 1.4826
	// madFactor is the number of robust deviations above the median at
	// which a difference counts as significant.
	madFactor = 3.0
	// minShadowArea drops connected components smaller than this many
	// pixels from the thresholded difference image.
	minShadowArea = 2
	// gainShadowLow and gainShadowHigh bound the per-region mean gain that
	// identifies a cast shadow: darkened, but not so dark that the region
	// reads as a genuine object.
	gainShadowLow  = 0.5
	gainShadowHigh = 1.0
)

// shadowDetector finds cast shadows by comparing the frame against the
// model's expected background. The difference image is thresholded robustly
// (median + MAD), filtered for tiny components, refined with hysteresis, and
// finally each surviving region is kept only if its mean luminance gain
// looks like a shadow.
type shadowDetector struct {
	rows, cols int

	ref    []float64
	diff   []float64
	gain   []float64
	sorted []float64

	bin     gocv.Mat
	binLow  gocv.Mat
	dilated gocv.Mat
	labels  gocv.Mat
	kernel  gocv.Mat

	areas  []int
	sums   []float64
	counts []int
}

func newShadowDetector(rows, cols int) *shadowDetector {
	n := rows * cols
	return &shadowDetector{
		rows:    rows,
		cols:    cols,
		ref:     make([]float64, n),
		diff:    make([]float64, n),
		gain:    make([]float64, n),
		sorted:  make([]float64, n),
		bin:     gocv.NewMatWithSize(rows, cols, gocv.MatTypeCV8UC1),
		binLow:  gocv.NewMatWithSize(rows, cols, gocv.MatTypeCV8UC1),
		dilated: gocv.NewMatWithSize(rows, cols, gocv.MatTypeCV8UC1),
		labels:  gocv.NewMat(),
		kernel:  gocv.GetStructuringElement(gocv.MorphRect, image.Pt(3, 3)),
	}
}

func (d *shadowDetector) close() {
	d.bin.Close()
	d.binLow.Close()
	d.dilated.Close()
	d.labels.Close()
	d.kernel.Close()
}

// detect writes the shadow mask for the current frame into dst (255 for
// shadow, 0 otherwise). gray is the preprocessed frame; mixtures supply the
// background model.
func (d *shadowDetector) detect(gray []uint8, mixtures []agmm.Mixture, dst []uint8) {
	clear(dst)

	// Reference image: the model value of every pixel, and the difference
	// and gain against the observed frame.
	for i := range d.ref {
		r := mixtures[i].Background()
		g := float64(gray[i])
		d.ref[i] = r
		d.diff[i] = math.Abs(g - r)
		d.gain[i] = g / math.Max(r, 1)
	}

	threshold := d.robustThreshold()

	binData, err := d.bin.DataPtrUint8()
	if err != nil {
		return
	}
	lowData, err := d.binLow.DataPtrUint8()
	if err != nil {
		return
	}
	for i, v := range d.diff {
		if v > threshold {
			binData[i] = 255
		} else {
			binData[i] = 0
		}
		if v > threshold/2 {
			lowData[i] = 255
		} else {
			lowData[i] = 0
		}
	}

	// Drop tiny components from the high-threshold mask.
	if !d.filterSmallComponents(binData) {
		return
	}

	// Hysteresis: grow the confident mask into the low-threshold one.
	gocv.Dilate(d.bin, &d.dilated, d.kernel)
	dilData, err := d.dilated.DataPtrUint8()
	if err != nil {
		return
	}
	for i := range binData {
		binData[i] = dilData[i] & lowData[i]
	}

	d.classifyRegions(binData, dst)
}

// robustThreshold computes median + 3 * 1.4826 * MAD over the difference
// image.
func (d *shadowDetector) robustThreshold() float64 {
	copy(d.sorted, d.diff)
	sort.Float64s(d.sorted)
	median := stat.Quantile(0.5, stat.Empirical, d.sorted, nil)

	for i, v := range d.diff {
		d.sorted[i] = math.Abs(v - median)
	}
	sort.Float64s(d.sorted)
	mad := stat.Quantile(0.5, stat.Empirical, d.sorted, nil)

	return median + madFactor*madScale*mad
}

// filterSmallComponents zeroes pixels belonging to components smaller than
// minShadowArea. Reports whether any pixels survived.
func (d *shadowDetector) filterSmallComponents(binData []uint8) bool {
	n := gocv.ConnectedComponents(d.bin, &d.labels)
	if n <= 1 {
		return false
	}
	labels, err := d.labels.DataPtrInt32()
	if err != nil {
		return false
	}

	d.areas = resizeInts(d.areas, n)
	for _, l := range labels {
		d.areas[l]++
	}

	any := false
	for i, l := range labels {
		if l == 0 {
			continue
		}
		if d.areas[l] < minShadowArea {
			binData[i] = 0
		} else {
			any = true
		}
	}
	return any
}

// classifyRegions labels the refined mask and marks regions whose mean gain
// lies in the shadow band. Regions darker than the band are genuine objects;
// regions at or above unity gain are not shadows at all.
func (d *shadowDetector) classifyRegions(binData, dst []uint8) {
	n := gocv.ConnectedComponents(d.bin, &d.labels)
	if n <= 1 {
		return
	}
	labels, err := d.labels.DataPtrInt32()
	if err != nil {
		return
	}

	d.sums = resizeFloats(d.sums, n)
	d.counts = resizeInts(d.counts, n)
	for i, l := range labels {
		if l == 0 {
			continue
		}
		d.sums[l] += d.gain[i]
		d.counts[l]++
	}

	for i, l := range labels {
		if l == 0 || d.counts[l] == 0 {
			continue
		}
		mean := d.sums[l] / float64(d.counts[l])
		if mean >= gainShadowLow && mean < gainShadowHigh {
			dst[i] = 255
		}
	}
}

func resizeInts(s []int, n int) []int {
	if cap(s) < n {
		return make([]int, n)
	}
	s = s[:n]
	for i := range s {
		s[i] = 0
	}
	return s
}

func resizeFloats(s []float64, n int) []float64 {
	if cap(s) < n {
		return make([]float64, n)
	}
	s = s[:n]
	for i := range s {
		s[i] = 0
	}
	return s
}
