package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"

	"caravel/internal/models"
)

type fakeStage struct {
	name string
	err  error
	ran  bool
}

func (s *fakeStage) Name() string { return s.name }

func (s *fakeStage) Run(ctx context.Context, pctx *Context) error {
	s.ran = true
	return s.err
}

type memStore struct {
	mu      sync.Mutex
	runs    []*models.PipelineRun
	stages  []models.StageResult
	finalat int
}

func (m *memStore) CreateRun(ctx context.Context, run *models.PipelineRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, run)
	return nil
}

func (m *memStore) FinishRun(ctx context.Context, run *models.PipelineRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finalat = len(m.stages)
	return nil
}

func (m *memStore) AppendStage(ctx context.Context, result *models.StageResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stages = append(m.stages, *result)
	return nil
}

func testRequest() models.DeploymentRequest {
	return models.DeploymentRequest{
		RepoURL:    "https://example.com/app.git",
		Branch:     "main",
		RemoteHost: "203.0.113.5",
		RemoteUser: "deploy",
		KeyPath:    "/tmp/key",
		AppPort:    3000,
		Project:    "app",
	}
}

func TestOrchestrator_AllStagesSucceed(t *testing.T) {
	stages := []*fakeStage{{name: "one"}, {name: "two"}, {name: "three"}}
	var asStages []Stage
	for _, s := range stages {
		asStages = append(asStages, s)
	}

	orch := NewOrchestrator(asStages, nil, nil)
	run, err := orch.Execute(context.Background(), models.RunModeDeploy, testRequest(), "/tmp/run.log")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if run.Status != models.RunStatusSuccess {
		t.Errorf("Status = %v, want success", run.Status)
	}
	for _, s := range stages {
		if !s.ran {
			t.Errorf("stage %s did not run", s.name)
		}
	}
	if len(run.Stages) != 3 {
		t.Fatalf("got %d stage results, want 3", len(run.Stages))
	}
	for _, result := range run.Stages {
		if result.Status != models.StageStatusSuccess {
			t.Errorf("stage %s status = %v, want success", result.Stage, result.Status)
		}
	}
}

func TestOrchestrator_FailFast(t *testing.T) {
	boom := errors.New("sync failed")
	first := &fakeStage{name: "first"}
	failing := &fakeStage{name: "failing", err: boom}
	after := &fakeStage{name: "after"}

	orch := NewOrchestrator([]Stage{first, failing, after}, nil, nil)
	run, err := orch.Execute(context.Background(), models.RunModeDeploy, testRequest(), "/tmp/run.log")

	if !errors.Is(err, boom) {
		t.Fatalf("Execute() error = %v, want %v", err, boom)
	}
	if run.Status != models.RunStatusFailed {
		t.Errorf("Status = %v, want failed", run.Status)
	}
	if after.ran {
		t.Error("stage after the failure ran; pipeline must halt immediately")
	}

	if len(run.Stages) != 3 {
		t.Fatalf("got %d stage results, want 3", len(run.Stages))
	}
	want := []models.StageStatus{models.StageStatusSuccess, models.StageStatusFailure, models.StageStatusSkipped}
	for i, result := range run.Stages {
		if result.Status != want[i] {
			t.Errorf("stage %s status = %v, want %v", result.Stage, result.Status, want[i])
		}
	}
	if run.Stages[1].GetMessage() == "" {
		t.Error("failed stage has no message")
	}
}

func TestOrchestrator_Interrupted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	stage := &fakeStage{name: "never"}
	orch := NewOrchestrator([]Stage{stage}, nil, nil)
	run, err := orch.Execute(ctx, models.RunModeDeploy, testRequest(), "/tmp/run.log")

	if !errors.Is(err, ErrInterrupted) {
		t.Fatalf("Execute() error = %v, want ErrInterrupted", err)
	}
	if run.Status != models.RunStatusInterrupted {
		t.Errorf("Status = %v, want interrupted", run.Status)
	}
	if stage.ran {
		t.Error("stage ran after cancellation")
	}
}

func TestOrchestrator_PersistsResults(t *testing.T) {
	store := &memStore{}
	orch := NewOrchestrator([]Stage{&fakeStage{name: "only"}}, store, nil)

	run, err := orch.Execute(context.Background(), models.RunModeDeploy, testRequest(), "/tmp/run.log")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if len(store.runs) != 1 || store.runs[0].ID != run.ID {
		t.Errorf("run not persisted, got %d records", len(store.runs))
	}
	if len(store.stages) != 1 || store.stages[0].Stage != "only" {
		t.Errorf("stage result not persisted, got %v", store.stages)
	}
	if store.finalat != 1 {
		t.Error("run not finalized after stages were recorded")
	}
}

func TestOrchestrator_RunMetadata(t *testing.T) {
	orch := NewOrchestrator(nil, nil, nil)
	run, err := orch.Execute(context.Background(), models.RunModeTeardown, testRequest(), "/var/log/x.log")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if run.ID == "" {
		t.Error("run has no ID")
	}
	if run.Mode != models.RunModeTeardown {
		t.Errorf("Mode = %v, want teardown", run.Mode)
	}
	if run.Project != "app" || run.Host != "203.0.113.5" {
		t.Errorf("run identity = %s@%s, want app@203.0.113.5", run.Project, run.Host)
	}
	if run.LogPath != "/var/log/x.log" {
		t.Errorf("LogPath = %q", run.LogPath)
	}
	if !run.FinishedAt.Valid {
		t.Error("run has no finish time")
	}
}
