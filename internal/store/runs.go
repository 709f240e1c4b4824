package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested resource does not exist.
var ErrNotFound = errors.New("not found")

// Run represents one processed video stream.
type Run struct {
	ID         string
	Source     string
	Params     string
	Frames     int
	StartedAt  time.Time
	FinishedAt sql.NullTime
}

// FrameStat holds per-frame mask statistics.
type FrameStat struct {
	RunID         string
	FrameIndex    int
	ForegroundPx  int
	ShadowPx      int
	ProcessMillis float64
}

// EtaSample is the learning rate of one probe pixel at one frame.
type EtaSample struct {
	RunID      string
	FrameIndex int
	Row        int
	Col        int
	Eta        float64
}

// RunRepository provides CRUD operations for runs and their recordings.
type RunRepository struct {
	db *sql.DB
}

// Runs returns the run repository for this store.
func (s *Store) Runs() *RunRepository {
	return &RunRepository{db: s.db}
}

// Create inserts a new run. A fresh ID is assigned when none is set.
func (r *RunRepository) Create(run *Run) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	run.StartedAt = time.Now()

	_, err := r.db.Exec(
		`INSERT INTO runs (id, source, params, frames, started_at)
		 VALUES (?, ?, ?, ?, ?)`,
		run.ID, run.Source, run.Params, run.Frames, run.StartedAt,
	)
	if err != nil {
		return err
	}

	return nil
}

// Finish marks a run complete with its final frame count.
func (r *RunRepository) Finish(id string, frames int) error {
	result, err := r.db.Exec(
		`UPDATE runs SET frames = ?, finished_at = ? WHERE id = ?`,
		frames, time.Now(), id,
	)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// GetByID retrieves a run by its ID.
func (r *RunRepository) GetByID(id string) (*Run, error) {
	run := &Run{}

	err := r.db.QueryRow(
		`SELECT id, source, params, frames, started_at, finished_at
		 FROM runs WHERE id = ?`,
		id,
	).Scan(&run.ID, &run.Source, &run.Params, &run.Frames, &run.StartedAt, &run.FinishedAt)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	return run, nil
}

// List retrieves all runs, newest first.
func (r *RunRepository) List() ([]*Run, error) {
	rows, err := r.db.Query(
		`SELECT id, source, params, frames, started_at, finished_at
		 FROM runs ORDER BY started_at DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run := &Run{}
		err := rows.Scan(&run.ID, &run.Source, &run.Params, &run.Frames,
			&run.StartedAt, &run.FinishedAt)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return runs, nil
}

// Delete removes a run and, via cascade, its recordings.
func (r *RunRepository) Delete(id string) error {
	result, err := r.db.Exec(`DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// AddFrameStat records one frame's mask statistics.
func (r *RunRepository) AddFrameStat(s *FrameStat) error {
	_, err := r.db.Exec(
		`INSERT INTO frame_stats (run_id, frame_index, foreground_px, shadow_px, process_ms)
		 VALUES (?, ?, ?, ?, ?)`,
		s.RunID, s.FrameIndex, s.ForegroundPx, s.ShadowPx, s.ProcessMillis,
	)
	return err
}

// FrameStats returns the per-frame statistics of a run in frame order.
func (r *RunRepository) FrameStats(runID string) ([]*FrameStat, error) {
	rows, err := r.db.Query(
		`SELECT run_id, frame_index, foreground_px, shadow_px, process_ms
		 FROM frame_stats WHERE run_id = ? ORDER BY frame_index`,
		runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []*FrameStat
	for rows.Next() {
		s := &FrameStat{}
		err := rows.Scan(&s.RunID, &s.FrameIndex, &s.ForegroundPx, &s.ShadowPx, &s.ProcessMillis)
		if err != nil {
			return nil, err
		}
		stats = append(stats, s)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return stats, nil
}

// AddEtaSamples records a batch of probe-pixel learning rates in one
// transaction.
func (r *RunRepository) AddEtaSamples(samples []EtaSample) error {
	if len(samples) == 0 {
		return nil
	}

	tx, err := r.db.Begin()
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare(
		`INSERT INTO eta_samples (run_id, frame_index, row, col, eta)
		 VALUES (?, ?, ?, ?, ?)`,
	)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, s := range samples {
		if _, err := stmt.Exec(s.RunID, s.FrameIndex, s.Row, s.Col, s.Eta); err != nil {
			tx.Rollback()
			return err
		}
	}

	return tx.Commit()
}

// EtaSamples returns the learning-rate trace of one probe pixel in frame
// order.
func (r *RunRepository) EtaSamples(runID string, row, col int) ([]*EtaSample, error) {
	rows, err := r.db.Query(
		`SELECT run_id, frame_index, row, col, eta
		 FROM eta_samples WHERE run_id = ? AND row = ? AND col = ?
		 ORDER BY frame_index`,
		runID, row, col,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var samples []*EtaSample
	for rows.Next() {
		s := &EtaSample{}
		err := rows.Scan(&s.RunID, &s.FrameIndex, &s.Row, &s.Col, &s.Eta)
		if err != nil {
			return nil, err
		}
		samples = append(samples, s)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return samples, nil
}

// Probes returns the distinct probe pixels recorded for a run.
func (r *RunRepository) Probes(runID string) ([][2]int, error) {
	rows, err := r.db.Query(
		`SELECT DISTINCT row, col FROM eta_samples WHERE run_id = ? ORDER BY row, col`,
		runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var probes [][2]int
	for rows.Next() {
		var row, col int
		if err := rows.Scan(&row, &col); err != nil {
			return nil, err
		}
		probes = append(probes, [2]int{row, col})
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return probes, nil
}
