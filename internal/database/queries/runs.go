package queries

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"caravel/internal/models"
)

// RunQueries provides database operations for pipeline run history
type RunQueries struct {
	db *sqlx.DB
}

// NewRunQueries creates a new RunQueries instance
func NewRunQueries(db *sqlx.DB) *RunQueries {
	return &RunQueries{db: db}
}

// CreateRun inserts a freshly started run
func (q *RunQueries) CreateRun(ctx context.Context, run *models.PipelineRun) error {
	query := `
		INSERT INTO runs (id, mode, project, host, status, log_path, commit_sha, started_at)
		VALUES (:id, :mode, :project, :host, :status, :log_path, :commit_sha, :started_at)`

	if _, err := q.db.NamedExecContext(ctx, query, run); err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

// FinishRun records the final status of a run
func (q *RunQueries) FinishRun(ctx context.Context, run *models.PipelineRun) error {
	query := `
		UPDATE runs
		SET status = :status, commit_sha = :commit_sha, finished_at = :finished_at
		WHERE id = :id`

	if _, err := q.db.NamedExecContext(ctx, query, run); err != nil {
		return fmt.Errorf("failed to finalize run: %w", err)
	}
	return nil
}

// AppendStage records one stage outcome
func (q *RunQueries) AppendStage(ctx context.Context, result *models.StageResult) error {
	query := `
		INSERT INTO run_stages (run_id, stage, status, message, started_at, finished_at)
		VALUES (:run_id, :stage, :status, :message, :started_at, :finished_at)`

	res, err := q.db.NamedExecContext(ctx, query, result)
	if err != nil {
		return fmt.Errorf("failed to insert stage result: %w", err)
	}

	id, _ := res.LastInsertId()
	result.ID = id
	return nil
}

// RecentRuns returns the most recent runs, newest first
func (q *RunQueries) RecentRuns(ctx context.Context, limit int) ([]models.PipelineRun, error) {
	if limit <= 0 {
		limit = 20
	}

	var runs []models.PipelineRun
	err := q.db.SelectContext(ctx, &runs, `
		SELECT id, mode, project, host, status, log_path, commit_sha, started_at, finished_at
		FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, nil
}

// StagesForRun returns a run's stage outcomes in execution order
func (q *RunQueries) StagesForRun(ctx context.Context, runID string) ([]models.StageResult, error) {
	var stages []models.StageResult
	err := q.db.SelectContext(ctx, &stages, `
		SELECT id, run_id, stage, status, message, started_at, finished_at
		FROM run_stages WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list stages: %w", err)
	}
	return stages, nil
}
