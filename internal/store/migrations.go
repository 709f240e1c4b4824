package store

// runMigrations executes all database migrations.
func (s *Store) runMigrations() error {
	migrations := []string{
		// Runs table - one row per processed video
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			params TEXT NOT NULL DEFAULT '{}',
			frames INTEGER NOT NULL DEFAULT 0,
			started_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			finished_at DATETIME
		)`,

		// Frame stats table - per-frame mask statistics
		`CREATE TABLE IF NOT EXISTS frame_stats (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			frame_index INTEGER NOT NULL,
			foreground_px INTEGER NOT NULL,
			shadow_px INTEGER NOT NULL,
			process_ms REAL NOT NULL
		)`,

		// Eta samples table - learning rate of probe pixels over time
		`CREATE TABLE IF NOT EXISTS eta_samples (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			frame_index INTEGER NOT NULL,
			row INTEGER NOT NULL,
			col INTEGER NOT NULL,
			eta REAL NOT NULL
		)`,

		// Indexes for better query performance
		`CREATE INDEX IF NOT EXISTS idx_frame_stats_run_id ON frame_stats(run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_eta_samples_run_id ON eta_samples(run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_eta_samples_pixel ON eta_samples(run_id, row, col)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return err
		}
	}

	return nil
}
