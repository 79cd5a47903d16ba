// Package preflight verifies everything the pipeline needs locally before
// any network or remote mutation happens. The collaborators themselves are
// in-process libraries, so "tool availability" here means the inputs those
// libraries cannot work without: a usable private key, a supported
// repository URL and writable local directories.
package preflight

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
)

// PrerequisiteError reports the first missing local prerequisite
type PrerequisiteError struct {
	Missing string
	Err     error
}

func (e *PrerequisiteError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("prerequisite check failed: %s: %v", e.Missing, e.Err)
	}
	return fmt.Sprintf("prerequisite check failed: %s", e.Missing)
}

func (e *PrerequisiteError) Unwrap() error { return e.Err }

// Checker runs the local preflight checks
type Checker struct {
	KeyPath string
	RepoURL string
	WorkDir string
	LogDir  string
}

// Check verifies all local prerequisites, failing on the first missing one
func (c Checker) Check() error {
	if err := c.checkKey(); err != nil {
		return err
	}
	if err := c.checkRepoURL(); err != nil {
		return err
	}
	for _, dir := range []string{c.WorkDir, c.LogDir} {
		if dir == "" {
			continue
		}
		if err := checkWritableDir(dir); err != nil {
			return err
		}
	}
	return nil
}

func (c Checker) checkKey() error {
	info, err := os.Stat(c.KeyPath)
	if err != nil {
		return &PrerequisiteError{Missing: fmt.Sprintf("ssh key %s", c.KeyPath), Err: err}
	}
	if info.IsDir() {
		return &PrerequisiteError{Missing: fmt.Sprintf("ssh key %s is a directory", c.KeyPath)}
	}

	data, err := os.ReadFile(c.KeyPath)
	if err != nil {
		return &PrerequisiteError{Missing: fmt.Sprintf("ssh key %s not readable", c.KeyPath), Err: err}
	}
	if _, err := ssh.ParsePrivateKey(data); err != nil {
		return &PrerequisiteError{Missing: fmt.Sprintf("ssh key %s not a valid private key", c.KeyPath), Err: err}
	}
	return nil
}

func (c Checker) checkRepoURL() error {
	supported := []string{"https://", "http://", "ssh://", "git://"}
	for _, prefix := range supported {
		if strings.HasPrefix(c.RepoURL, prefix) {
			return nil
		}
	}
	// scp-like syntax: git@host:path
	if strings.Contains(c.RepoURL, "@") && strings.Contains(c.RepoURL, ":") {
		return nil
	}
	return &PrerequisiteError{Missing: fmt.Sprintf("unsupported repository URL %q", c.RepoURL)}
}

func checkWritableDir(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return &PrerequisiteError{Missing: fmt.Sprintf("directory %s", dir), Err: err}
	}
	probe := filepath.Join(dir, ".caravel-write-check")
	if err := os.WriteFile(probe, nil, 0644); err != nil {
		return &PrerequisiteError{Missing: fmt.Sprintf("directory %s not writable", dir), Err: err}
	}
	os.Remove(probe)
	return nil
}
