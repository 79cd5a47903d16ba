// Command caravel deploys a containerized application from a git repository
// onto a remote host behind an nginx reverse proxy, and tears it down again.
// One invocation is one pipeline run against one host.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"caravel/internal/config"
	"caravel/internal/database"
	"caravel/internal/database/queries"
	"caravel/internal/logging"
	"caravel/internal/models"
	"caravel/internal/pipeline"
	"caravel/internal/version"
)

// exit codes: stage failures and interrupts must be distinguishable to
// callers wrapping caravel in automation
const (
	exitOK          = 0
	exitFailure     = 1
	exitBadInput    = 2
	exitInterrupted = 130
)

func main() {
	os.Exit(run())
}

func run() int {
	flags := pflag.NewFlagSet("caravel", pflag.ContinueOnError)
	flags.String("repo", "", "application repository URL")
	flags.String("branch", "", "branch to deploy (default main)")
	flags.String("token", "", "access token for HTTP(S) repositories")
	flags.String("host", "", "target host")
	flags.String("user", "", "remote user")
	flags.String("key", "", "path to the SSH private key")
	flags.Int("port", 0, "application internal port")
	flags.String("remote-dir", "", "remote working directory (default /home/<user>/<project>)")
	teardownFlag := flags.Bool("teardown", false, "remove the deployment from the target host")
	historyFlag := flags.Bool("history", false, "print recent runs and exit")
	versionFlag := flags.Bool("version", false, "print version and exit")
	helpFlag := flags.BoolP("help", "h", false, "print usage and exit")

	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: caravel [flags]\n\nDeploy an application onto a remote host, or tear it down.\n\nFlags:\n%s", flags.FlagUsages())
	}

	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return exitOK
		}
		fmt.Fprintln(os.Stderr, err)
		return exitBadInput
	}
	if *helpFlag {
		flags.Usage()
		return exitOK
	}
	if *versionFlag {
		fmt.Printf("caravel %s (%s)\n", version.Version, version.GetShortCommit())
		return exitOK
	}

	cfg, err := config.Load(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitBadInput
	}

	if *historyFlag {
		return printHistory(cfg)
	}

	// inputs are resolved and validated before anything touches the
	// network or the filesystem
	req, err := cfg.Resolve()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid input: %v\n", err)
		return exitBadInput
	}
	if err := cfg.EnsureDirs(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to prepare local directories: %v\n", err)
		return exitFailure
	}

	started := time.Now()
	runLog, err := logging.Open(cfg.Paths.LogDir, started)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open run log: %v\n", err)
		return exitFailure
	}
	defer runLog.Close()
	logger := runLog.Logger()

	var store pipeline.RunStore
	db, err := database.New(cfg.Paths.DatabasePath)
	if err != nil {
		logger.Warn("run history unavailable", "error", err)
	} else {
		defer db.Close()
		if err := db.Migrate(); err != nil {
			logger.Warn("run history unavailable", "error", err)
		} else {
			store = queries.NewRunQueries(db.DB)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mode := models.RunModeDeploy
	stages := pipeline.DeployStages(cfg)
	if *teardownFlag {
		mode = models.RunModeTeardown
		stages = pipeline.TeardownStages(cfg)
	}

	logger.Info("starting run",
		"mode", string(mode), "project", req.Project, "host", req.RemoteHost, "branch", req.Branch)

	orch := pipeline.NewOrchestrator(stages, store, logger)
	pipelineRun, runErr := orch.Execute(ctx, mode, req, runLog.Path())

	switch {
	case errors.Is(runErr, pipeline.ErrInterrupted):
		logger.Error("run interrupted", "run", pipelineRun.ID)
		fmt.Fprintf(os.Stderr, "interrupted; partial state left on %s, re-run to converge. Log: %s\n",
			req.RemoteHost, runLog.Path())
		return exitInterrupted
	case runErr != nil:
		// the failing stage's message is the last line before exit
		logger.Error(runErr.Error())
		fmt.Fprintf(os.Stderr, "run failed: %v\nLog: %s\n", runErr, runLog.Path())
		return exitFailure
	default:
		logger.Log(ctx, logging.LevelSuccess, "run complete",
			"mode", string(mode), "project", req.Project, "took", time.Since(started).Round(time.Second))
		fmt.Printf("Log: %s\n", runLog.Path())
		return exitOK
	}
}

func printHistory(cfg *config.Config) int {
	db, err := database.New(cfg.Paths.DatabasePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open run history: %v\n", err)
		return exitFailure
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to open run history: %v\n", err)
		return exitFailure
	}

	q := queries.NewRunQueries(db.DB)
	runs, err := q.RecentRuns(context.Background(), 20)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to list runs: %v\n", err)
		return exitFailure
	}

	if len(runs) == 0 {
		fmt.Println("no runs recorded")
		return exitOK
	}
	for _, r := range runs {
		finished := "-"
		if r.FinishedAt.Valid {
			finished = r.FinishedAt.Time.Format(time.RFC3339)
		}
		fmt.Printf("%s  %-8s  %-11s  %s@%s  started=%s finished=%s\n",
			r.ID[:8], r.Mode, r.Status, r.Project, r.Host,
			r.StartedAt.Format(time.RFC3339), finished)

		stages, err := q.StagesForRun(context.Background(), r.ID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to list stages for %s: %v\n", r.ID[:8], err)
			continue
		}
		for _, s := range stages {
			line := fmt.Sprintf("    %-22s %s", s.Stage, s.Status)
			if msg := s.GetMessage(); msg != "" {
				line += "  " + msg
			}
			fmt.Println(line)
		}
	}
	return exitOK
}
