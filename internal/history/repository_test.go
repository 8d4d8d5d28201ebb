package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/promontage/montage-agent/internal/composition"
	"github.com/promontage/montage-agent/internal/db"
	"github.com/promontage/montage-agent/internal/failure"
	"github.com/promontage/montage-agent/internal/processing"
)

func newTestRepo(t *testing.T) *SQLiteRepository {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "montage.db"), nil)
	if err != nil {
		t.Fatalf("db.New() error = %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return NewRepository(database.Conn())
}

func TestRecorder_Lifecycle(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	rec := NewRecorder(repo)

	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	err := rec.RunStarted(ctx, processing.RunInfo{
		RunID:     "run-1",
		SessionID: "sess-1",
		Backend:   processing.BackendRemote,
		Layout:    composition.Layout{Mode: composition.ModeSplitScreen, Position: composition.PositionBottom, Ratio: 30},
		Subtitles: composition.SubtitleOptions{Enabled: true, TemplateID: "t1"},
		StartedAt: started,
	})
	if err != nil {
		t.Fatalf("RunStarted() error = %v", err)
	}

	if err := rec.RunStateChanged(ctx, "run-1", processing.StateEncoding, 30); err != nil {
		t.Fatalf("RunStateChanged() error = %v", err)
	}
	// progress never moves backwards in the journal either
	if err := rec.RunStateChanged(ctx, "run-1", processing.StateEncoding, 20); err != nil {
		t.Fatalf("RunStateChanged() error = %v", err)
	}

	run, err := repo.GetRun(ctx, "run-1")
	if err != nil || run == nil {
		t.Fatalf("GetRun() = %v, %v", run, err)
	}
	if run.State != "encoding" || run.Progress != 30 {
		t.Errorf("state/progress = %s/%d, want encoding/30", run.State, run.Progress)
	}
	if run.Mode != "split_screen" || run.Position != "bottom" || run.Ratio != 30 || !run.Subtitles || run.TemplateID != "t1" {
		t.Errorf("layout columns = %+v", run)
	}
	if !run.StartedAt.Equal(started) {
		t.Errorf("StartedAt = %v, want %v", run.StartedAt, started)
	}
	if run.FinishedAt != nil {
		t.Errorf("FinishedAt = %v, want nil", run.FinishedAt)
	}

	finished := started.Add(42 * time.Second)
	err = rec.RunFinished(ctx, "run-1", processing.Outcome{
		State:        processing.StateFailed,
		Progress:     30,
		ErrorKind:    failure.KindProcessing,
		ErrorMessage: "X",
		FinishedAt:   finished,
	})
	if err != nil {
		t.Fatalf("RunFinished() error = %v", err)
	}

	run, _ = repo.GetRun(ctx, "run-1")
	if run.State != "failed" || run.ErrorKind != "processing" || run.ErrorMessage != "X" {
		t.Errorf("finished run = %+v", run)
	}
	if run.FinishedAt == nil || !run.FinishedAt.Equal(finished) {
		t.Errorf("FinishedAt = %v, want %v", run.FinishedAt, finished)
	}
	if got := run.Duration(); got != 42*time.Second {
		t.Errorf("Duration() = %v, want 42s", got)
	}
}

func TestGetRun_Missing(t *testing.T) {
	run, err := newTestRepo(t).GetRun(context.Background(), "nope")
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if run != nil {
		t.Fatalf("GetRun() = %+v, want nil", run)
	}
}

func TestListRuns_NewestFirst(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"a", "b", "c"} {
		at := base.Add(time.Duration(i) * 500 * time.Millisecond)
		err := repo.CreateRun(ctx, &Run{
			ID: id, SessionID: "s", Backend: "local", Mode: "corner", Position: "top", Ratio: 50,
			State: "done", StartedAt: at, UpdatedAt: at,
		})
		if err != nil {
			t.Fatalf("CreateRun(%s) error = %v", id, err)
		}
	}

	runs, err := repo.ListRuns(ctx, 2)
	if err != nil {
		t.Fatalf("ListRuns() error = %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "c" || runs[1].ID != "b" {
		ids := make([]string, len(runs))
		for i, r := range runs {
			ids[i] = r.ID
		}
		t.Fatalf("ListRuns(2) = %v, want [c b]", ids)
	}
}

func TestEnsureInstance_Stable(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	id1, token1, err := EnsureInstance(ctx, repo)
	if err != nil {
		t.Fatalf("EnsureInstance() error = %v", err)
	}
	if id1 == "" || len(token1) != 64 {
		t.Fatalf("EnsureInstance() = %q, %q", id1, token1)
	}

	id2, token2, err := EnsureInstance(ctx, repo)
	if err != nil {
		t.Fatalf("second EnsureInstance() error = %v", err)
	}
	if id1 != id2 || token1 != token2 {
		t.Errorf("instance changed: %s/%s -> %s/%s", id1, token1, id2, token2)
	}

	stored, _ := repo.GetConfig(ctx, ConfigAuthToken)
	if stored != token1 {
		t.Errorf("stored token = %q, want %q", stored, token1)
	}
}
