package capture

import (
	"errors"
	"fmt"
	"sync"

	"gocv.io/x/gocv"
)

// ErrWriterClosed is returned when writing to a closed MaskWriter.
var ErrWriterClosed = errors.New("mask writer is closed")

// MaskWriter encodes single-channel mask frames into a video file. Codec and
// container negotiation stay inside GoCV; the caller just hands over one
// fixed-size mask per frame.
type MaskWriter struct {
	writer *gocv.VideoWriter
	rows   int
	cols   int
	mu     sync.Mutex
}

// NewMaskWriter opens a video file for mask output. The geometry must match
// every mask written later.
func NewMaskWriter(path string, fps float64, rows, cols int) (*MaskWriter, error) {
	if fps <= 0 {
		fps = 30
	}
	w, err := gocv.VideoWriterFile(path, "MJPG", fps, cols, rows, false)
	if err != nil {
		return nil, fmt.Errorf("open mask writer %s: %w", path, err)
	}
	return &MaskWriter{writer: w, rows: rows, cols: cols}, nil
}

// Write appends one mask frame.
func (w *MaskWriter) Write(mask gocv.Mat) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer == nil {
		return ErrWriterClosed
	}
	if mask.Rows() != w.rows || mask.Cols() != w.cols {
		return fmt.Errorf("mask is %dx%d, writer is %dx%d",
			mask.Rows(), mask.Cols(), w.rows, w.cols)
	}
	if err := w.writer.Write(mask); err != nil {
		return fmt.Errorf("write mask frame: %w", err)
	}
	return nil
}

// Close finalizes the output file.
func (w *MaskWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer == nil {
		return nil
	}
	err := w.writer.Close()
	w.writer = nil
	return err
}
