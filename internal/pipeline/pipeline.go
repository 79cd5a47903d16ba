package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"caravel/internal/docker"
	"caravel/internal/logging"
	"caravel/internal/models"
	"caravel/internal/sshx"
)

// ErrInterrupted is returned when the run was cancelled by an external signal
var ErrInterrupted = errors.New("pipeline interrupted")

// Stage is one step of the deployment pipeline. Stages run strictly in
// order; a stage only runs if every stage before it succeeded.
type Stage interface {
	Name() string
	Run(ctx context.Context, pctx *Context) error
}

// Context carries the immutable request plus the handles stages hand to
// their successors (the SSH session, the local working copy path). It is
// confined to a single run; nothing in it survives across invocations.
type Context struct {
	Req models.DeploymentRequest
	Run *models.PipelineRun
	Log *slog.Logger

	// SSH is established by the connectivity stage and reused by every
	// remote stage after it
	SSH *sshx.Client

	// WorkDir is the local working copy root, set by the source sync stage
	WorkDir string

	// HasCompose records which build descriptor the working copy carries
	HasCompose bool

	docker *docker.Client
}

// RunStore persists run history. The pipeline only ever writes; no run
// reads a previous run's records.
type RunStore interface {
	CreateRun(ctx context.Context, run *models.PipelineRun) error
	FinishRun(ctx context.Context, run *models.PipelineRun) error
	AppendStage(ctx context.Context, result *models.StageResult) error
}

// Orchestrator executes stages sequentially, failing fast on the first
// stage error. It is the mutual-exclusion mechanism: no two stages ever
// touch the remote host concurrently.
type Orchestrator struct {
	stages []Stage
	store  RunStore
	logger *slog.Logger
}

// NewOrchestrator creates an orchestrator for the given ordered stages
func NewOrchestrator(stages []Stage, store RunStore, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{stages: stages, store: store, logger: logger}
}

// Execute runs all stages in order against a fresh PipelineRun.
// The returned run always holds one StageResult per stage: success for
// completed stages, failure for the stage that halted the run, skipped for
// everything after it.
func (o *Orchestrator) Execute(ctx context.Context, mode models.RunMode, req models.DeploymentRequest, logPath string) (*models.PipelineRun, error) {
	run := &models.PipelineRun{
		ID:        uuid.New().String(),
		Mode:      mode,
		Project:   req.Project,
		Host:      req.RemoteHost,
		Status:    models.RunStatusRunning,
		LogPath:   logPath,
		StartedAt: time.Now(),
	}
	if o.store != nil {
		if err := o.store.CreateRun(ctx, run); err != nil {
			o.logger.Warn("failed to persist run record", "error", err)
		}
	}

	pctx := &Context{Req: req, Run: run, Log: o.logger}
	defer func() {
		if pctx.docker != nil {
			pctx.docker.Close()
		}
		if pctx.SSH != nil {
			pctx.SSH.Close()
		}
	}()

	var failed error
	for i, stage := range o.stages {
		if failed != nil || ctx.Err() != nil {
			o.recordStage(ctx, run, stage.Name(), models.StageStatusSkipped, "")
			continue
		}

		o.logger.Info("stage started", "stage", stage.Name(), "position", fmt.Sprintf("%d/%d", i+1, len(o.stages)))
		started := time.Now()
		err := stage.Run(ctx, pctx)

		switch {
		case err != nil && ctx.Err() != nil:
			// the stage died because we were cancelled, not on its own merits
			o.recordStageTimed(ctx, run, stage.Name(), models.StageStatusFailure, "interrupted", started)
			failed = ErrInterrupted
		case err != nil:
			o.recordStageTimed(ctx, run, stage.Name(), models.StageStatusFailure, err.Error(), started)
			o.logger.Error("stage failed", "stage", stage.Name(), "error", err)
			failed = err
		default:
			o.recordStageTimed(ctx, run, stage.Name(), models.StageStatusSuccess, "", started)
			o.logger.Log(ctx, logging.LevelSuccess, "stage completed", "stage", stage.Name(), "took", time.Since(started).Round(time.Millisecond))
		}
	}

	switch {
	case errors.Is(failed, ErrInterrupted):
		run.Status = models.RunStatusInterrupted
	case failed != nil:
		run.Status = models.RunStatusFailed
	case ctx.Err() != nil:
		run.Status = models.RunStatusInterrupted
		failed = ErrInterrupted
	default:
		run.Status = models.RunStatusSuccess
	}
	run.FinishedAt = sql.NullTime{Time: time.Now(), Valid: true}

	if o.store != nil {
		if err := o.store.FinishRun(context.WithoutCancel(ctx), run); err != nil {
			o.logger.Warn("failed to finalize run record", "error", err)
		}
	}
	return run, failed
}

func (o *Orchestrator) recordStage(ctx context.Context, run *models.PipelineRun, name string, status models.StageStatus, msg string) {
	o.recordStageTimed(ctx, run, name, status, msg, time.Now())
}

func (o *Orchestrator) recordStageTimed(ctx context.Context, run *models.PipelineRun, name string, status models.StageStatus, msg string, started time.Time) {
	result := models.StageResult{
		RunID:     run.ID,
		Stage:     name,
		Status:    status,
		StartedAt: started,
	}
	if msg != "" {
		result.Message = sql.NullString{String: msg, Valid: true}
	}
	if status != models.StageStatusSkipped {
		result.FinishedAt = sql.NullTime{Time: time.Now(), Valid: true}
	}
	run.Stages = append(run.Stages, result)

	if o.store != nil {
		if err := o.store.AppendStage(context.WithoutCancel(ctx), &result); err != nil {
			o.logger.Warn("failed to persist stage record", "error", err)
		}
	}
}
