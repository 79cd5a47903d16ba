package database

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"caravel/internal/database/queries"
	"caravel/internal/models"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "caravel.db"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.Migrate(); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return db
}

func TestMigrate_Idempotent(t *testing.T) {
	db := testDB(t)
	if err := db.Migrate(); err != nil {
		t.Errorf("second Migrate() error = %v", err)
	}
}

func TestRunQueries_RoundTrip(t *testing.T) {
	db := testDB(t)
	q := queries.NewRunQueries(db.DB)
	ctx := context.Background()

	run := &models.PipelineRun{
		ID:        "run-1",
		Mode:      models.RunModeDeploy,
		Project:   "app",
		Host:      "203.0.113.5",
		Status:    models.RunStatusRunning,
		LogPath:   "/tmp/deploy.log",
		StartedAt: time.Now(),
	}
	if err := q.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}

	stage := &models.StageResult{
		RunID:      "run-1",
		Stage:      "source sync",
		Status:     models.StageStatusSuccess,
		StartedAt:  time.Now(),
		FinishedAt: sql.NullTime{Time: time.Now(), Valid: true},
	}
	if err := q.AppendStage(ctx, stage); err != nil {
		t.Fatalf("AppendStage() error = %v", err)
	}
	if stage.ID == 0 {
		t.Error("AppendStage() did not set the record ID")
	}

	run.Status = models.RunStatusSuccess
	run.CommitSHA = sql.NullString{String: "deadbeef", Valid: true}
	run.FinishedAt = sql.NullTime{Time: time.Now(), Valid: true}
	if err := q.FinishRun(ctx, run); err != nil {
		t.Fatalf("FinishRun() error = %v", err)
	}

	runs, err := q.RecentRuns(ctx, 10)
	if err != nil {
		t.Fatalf("RecentRuns() error = %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("got %d runs, want 1", len(runs))
	}
	got := runs[0]
	if got.ID != "run-1" || got.Status != models.RunStatusSuccess || got.GetCommitSHA() != "deadbeef" {
		t.Errorf("round-tripped run = %+v", got)
	}

	stages, err := q.StagesForRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("StagesForRun() error = %v", err)
	}
	if len(stages) != 1 || stages[0].Stage != "source sync" {
		t.Errorf("round-tripped stages = %+v", stages)
	}
}

func TestRunQueries_RecentRunsOrder(t *testing.T) {
	db := testDB(t)
	q := queries.NewRunQueries(db.DB)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"old", "mid", "new"} {
		run := &models.PipelineRun{
			ID:        id,
			Mode:      models.RunModeDeploy,
			Project:   "app",
			Host:      "h",
			Status:    models.RunStatusSuccess,
			LogPath:   "/tmp/x.log",
			StartedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := q.CreateRun(ctx, run); err != nil {
			t.Fatal(err)
		}
	}

	runs, err := q.RecentRuns(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 || runs[0].ID != "new" || runs[1].ID != "mid" {
		t.Errorf("RecentRuns() order = %v", runs)
	}
}
