package models

import (
	"database/sql"
	"time"
)

// RunMode distinguishes deploy runs from teardown runs
type RunMode string

const (
	RunModeDeploy   RunMode = "deploy"
	RunModeTeardown RunMode = "teardown"
)

// StageStatus represents the outcome of one pipeline stage
type StageStatus string

const (
	StageStatusSuccess StageStatus = "success"
	StageStatusFailure StageStatus = "failure"
	StageStatusSkipped StageStatus = "skipped"
)

// RunStatus represents the overall outcome of a pipeline run
type RunStatus string

const (
	RunStatusRunning     RunStatus = "running"
	RunStatusSuccess     RunStatus = "success"
	RunStatusFailed      RunStatus = "failed"
	RunStatusInterrupted RunStatus = "interrupted"
)

// PipelineRun is one execution instance of the pipeline. It is created at
// invocation start, appended to by each stage and immutable once the run
// halts or completes. Later runs never read it back; the remote host is the
// only source of truth about deployed state.
type PipelineRun struct {
	ID         string         `db:"id"`
	Mode       RunMode        `db:"mode"`
	Project    string         `db:"project"`
	Host       string         `db:"host"`
	Status     RunStatus      `db:"status"`
	LogPath    string         `db:"log_path"`
	CommitSHA  sql.NullString `db:"commit_sha"`
	StartedAt  time.Time      `db:"started_at"`
	FinishedAt sql.NullTime   `db:"finished_at"`

	Stages []StageResult `db:"-"`
}

// StageResult records the outcome of a single stage within a run
type StageResult struct {
	ID         int64          `db:"id"`
	RunID      string         `db:"run_id"`
	Stage      string         `db:"stage"`
	Status     StageStatus    `db:"status"`
	Message    sql.NullString `db:"message"`
	StartedAt  time.Time      `db:"started_at"`
	FinishedAt sql.NullTime   `db:"finished_at"`
}

// GetCommitSHA returns the commit hash or empty string
func (r *PipelineRun) GetCommitSHA() string {
	if r.CommitSHA.Valid {
		return r.CommitSHA.String
	}
	return ""
}

// GetMessage returns the stage message or empty string
func (s *StageResult) GetMessage() string {
	if s.Message.Valid {
		return s.Message.String
	}
	return ""
}

// Duration returns how long the stage ran, zero if still unfinished
func (s *StageResult) Duration() time.Duration {
	if !s.FinishedAt.Valid {
		return 0
	}
	return s.FinishedAt.Time.Sub(s.StartedAt)
}
