package sshx

import (
	"context"
	"fmt"
)

// Step is one command within a remote script. Fatal steps abort the script
// on a non-zero exit; advisory steps log the failure and continue. This
// replaces shipping a whole shell script body with suppressed exit codes:
// every step's outcome is individually observable in the run log.
type Step struct {
	Desc  string
	Cmd   string
	Fatal bool
}

// Script is an ordered list of steps executed as one unit on the remote host
type Script struct {
	Name  string
	Steps []Step
}

// StepResult records the outcome of one executed step
type StepResult struct {
	Step   Step
	Output string
	Err    error
}

// RunScript executes the script's steps sequentially over the connection.
// It returns the collected per-step results and the first fatal error, if
// any. Advisory failures are logged at WARN and never fail the script.
func (c *Client) RunScript(ctx context.Context, script Script) ([]StepResult, error) {
	results := make([]StepResult, 0, len(script.Steps))

	for _, step := range script.Steps {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		output, err := c.Run(ctx, step.Cmd)
		results = append(results, StepResult{Step: step, Output: output, Err: err})

		if err == nil {
			c.logger.Debug("remote step ok", "script", script.Name, "step", step.Desc)
			continue
		}
		if step.Fatal {
			return results, fmt.Errorf("%s: %s: %w", script.Name, step.Desc, err)
		}
		c.logger.Warn("remote step failed (non-fatal)",
			"script", script.Name, "step", step.Desc, "error", err, "output", output)
	}

	return results, nil
}
