package store

import (
	"errors"
	"path/filepath"
	"testing"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRuns_CreateAssignsID(t *testing.T) {
	s := testStore(t)

	run := &Run{Source: "video.avi", Params: "{}"}
	if err := s.Runs().Create(run); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if run.ID == "" {
		t.Error("Create() should assign an ID")
	}

	got, err := s.Runs().GetByID(run.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.Source != "video.avi" {
		t.Errorf("Source = %q, want %q", got.Source, "video.avi")
	}
	if got.FinishedAt.Valid {
		t.Error("fresh run should not be finished")
	}
}

func TestRuns_Finish(t *testing.T) {
	s := testStore(t)

	run := &Run{Source: "cam:0"}
	if err := s.Runs().Create(run); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := s.Runs().Finish(run.ID, 1234); err != nil {
		t.Fatalf("Finish() error = %v", err)
	}

	got, err := s.Runs().GetByID(run.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.Frames != 1234 {
		t.Errorf("Frames = %d, want 1234", got.Frames)
	}
	if !got.FinishedAt.Valid {
		t.Error("run should be marked finished")
	}
}

func TestRuns_FinishMissing(t *testing.T) {
	s := testStore(t)

	if err := s.Runs().Finish("no-such-run", 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("Finish() error = %v, want ErrNotFound", err)
	}
}

func TestRuns_GetByIDMissing(t *testing.T) {
	s := testStore(t)

	if _, err := s.Runs().GetByID("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetByID() error = %v, want ErrNotFound", err)
	}
}

func TestRuns_List(t *testing.T) {
	s := testStore(t)

	for _, src := range []string{"a.avi", "b.avi"} {
		if err := s.Runs().Create(&Run{Source: src}); err != nil {
			t.Fatalf("Create(%s) error = %v", src, err)
		}
	}

	runs, err := s.Runs().List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(runs) != 2 {
		t.Errorf("List() returned %d runs, want 2", len(runs))
	}
}

func TestRuns_FrameStats(t *testing.T) {
	s := testStore(t)

	run := &Run{Source: "v.avi"}
	if err := s.Runs().Create(run); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	for i := 0; i < 3; i++ {
		stat := &FrameStat{
			RunID:         run.ID,
			FrameIndex:    i,
			ForegroundPx:  i * 10,
			ShadowPx:      i,
			ProcessMillis: 4.2,
		}
		if err := s.Runs().AddFrameStat(stat); err != nil {
			t.Fatalf("AddFrameStat(%d) error = %v", i, err)
		}
	}

	stats, err := s.Runs().FrameStats(run.ID)
	if err != nil {
		t.Fatalf("FrameStats() error = %v", err)
	}
	if len(stats) != 3 {
		t.Fatalf("FrameStats() returned %d rows, want 3", len(stats))
	}
	for i, st := range stats {
		if st.FrameIndex != i {
			t.Errorf("stat %d frame index = %d, want %d (frame order)", i, st.FrameIndex, i)
		}
		if st.ForegroundPx != i*10 {
			t.Errorf("stat %d foreground = %d, want %d", i, st.ForegroundPx, i*10)
		}
	}
}

func TestRuns_EtaSamples(t *testing.T) {
	s := testStore(t)

	run := &Run{Source: "v.avi"}
	if err := s.Runs().Create(run); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	var batch []EtaSample
	for i := 0; i < 4; i++ {
		batch = append(batch,
			EtaSample{RunID: run.ID, FrameIndex: i, Row: 2, Col: 3, Eta: 0.025},
			EtaSample{RunID: run.ID, FrameIndex: i, Row: 5, Col: 7, Eta: 1.0 / 6000.0},
		)
	}
	if err := s.Runs().AddEtaSamples(batch); err != nil {
		t.Fatalf("AddEtaSamples() error = %v", err)
	}

	samples, err := s.Runs().EtaSamples(run.ID, 2, 3)
	if err != nil {
		t.Fatalf("EtaSamples() error = %v", err)
	}
	if len(samples) != 4 {
		t.Fatalf("EtaSamples() returned %d rows, want 4", len(samples))
	}
	for i, sm := range samples {
		if sm.FrameIndex != i {
			t.Errorf("sample %d frame index = %d, want %d", i, sm.FrameIndex, i)
		}
		if sm.Eta != 0.025 {
			t.Errorf("sample %d eta = %g, want 0.025", i, sm.Eta)
		}
	}

	probes, err := s.Runs().Probes(run.ID)
	if err != nil {
		t.Fatalf("Probes() error = %v", err)
	}
	if len(probes) != 2 {
		t.Errorf("Probes() returned %d pixels, want 2", len(probes))
	}
}

func TestRuns_DeleteCascades(t *testing.T) {
	s := testStore(t)

	run := &Run{Source: "v.avi"}
	if err := s.Runs().Create(run); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := s.Runs().AddFrameStat(&FrameStat{RunID: run.ID}); err != nil {
		t.Fatalf("AddFrameStat() error = %v", err)
	}

	if err := s.Runs().Delete(run.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	stats, err := s.Runs().FrameStats(run.ID)
	if err != nil {
		t.Fatalf("FrameStats() error = %v", err)
	}
	if len(stats) != 0 {
		t.Errorf("frame stats should cascade on delete, got %d rows", len(stats))
	}

	if err := s.Runs().Delete(run.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete() error = %v, want ErrNotFound", err)
	}
}

func TestRuns_EtaSamplesEmptyBatch(t *testing.T) {
	s := testStore(t)

	if err := s.Runs().AddEtaSamples(nil); err != nil {
		t.Errorf("AddEtaSamples(nil) error = %v", err)
	}
}
