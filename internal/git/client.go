package git

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
)

// SyncError reports a failure to bring the local working copy to the
// requested branch's latest commit. Diverged history is an error, never
// silently force-reset.
type SyncError struct {
	Repo   string
	Branch string
	Err    error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("failed to sync %s at branch %s: %v", e.Repo, e.Branch, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// Client produces and updates local working copies of application sources
type Client struct {
	workDir string
	logger  *slog.Logger
}

// NewClient creates a git client rooted at workDir
func NewClient(workDir string, logger *slog.Logger) (*Client, error) {
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create work directory: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{workDir: workDir, logger: logger}, nil
}

// SyncOptions configures one synchronization
type SyncOptions struct {
	URL    string
	Branch string
	// Token is injected as the transport credential for this single
	// operation only; it never reaches disk or the logs
	Token string
}

// Result describes the synchronized working copy
type Result struct {
	Path      string
	CommitSHA string
}

// Sync ensures a local working copy of the repository exists at the latest
// commit of the requested branch: fetch + checkout + fast-forward pull when
// a copy is already present, a fresh single-branch clone otherwise.
func (c *Client) Sync(ctx context.Context, opts SyncOptions) (*Result, error) {
	repoPath := c.RepoPath(opts.URL)

	var repo *git.Repository
	var err error
	if _, statErr := os.Stat(filepath.Join(repoPath, ".git")); statErr == nil {
		repo, err = c.update(ctx, repoPath, opts)
	} else {
		repo, err = c.clone(ctx, repoPath, opts)
	}
	if err != nil {
		return nil, err
	}

	head, err := repo.Head()
	if err != nil {
		return nil, &SyncError{Repo: opts.URL, Branch: opts.Branch, Err: err}
	}

	return &Result{Path: repoPath, CommitSHA: head.Hash().String()}, nil
}

func (c *Client) clone(ctx context.Context, path string, opts SyncOptions) (*git.Repository, error) {
	c.logger.Info("cloning repository", "branch", opts.Branch)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directory: %w", err)
	}

	repo, err := git.PlainCloneContext(ctx, path, false, &git.CloneOptions{
		URL:           opts.URL,
		Auth:          auth(opts),
		ReferenceName: plumbing.NewBranchReferenceName(opts.Branch),
		SingleBranch:  true,
	})
	if err != nil {
		// a half-written clone would be mistaken for a working copy next run
		os.RemoveAll(path)
		return nil, &SyncError{Repo: opts.URL, Branch: opts.Branch, Err: err}
	}

	c.logger.Info("repository cloned", "path", path)
	return repo, nil
}

func (c *Client) update(ctx context.Context, path string, opts SyncOptions) (*git.Repository, error) {
	c.logger.Info("updating repository", "path", path, "branch", opts.Branch)

	repo, err := git.PlainOpen(path)
	if err != nil {
		return nil, &SyncError{Repo: opts.URL, Branch: opts.Branch, Err: err}
	}

	if err := repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: "origin",
		Auth:       auth(opts),
	}); err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return nil, &SyncError{Repo: opts.URL, Branch: opts.Branch, Err: fmt.Errorf("fetch failed: %w", err)}
	}

	w, err := repo.Worktree()
	if err != nil {
		return nil, &SyncError{Repo: opts.URL, Branch: opts.Branch, Err: err}
	}

	branchRef := plumbing.NewBranchReferenceName(opts.Branch)
	remoteRef := plumbing.NewRemoteReferenceName("origin", opts.Branch)

	ref, err := repo.Reference(remoteRef, true)
	if err != nil {
		return nil, &SyncError{Repo: opts.URL, Branch: opts.Branch,
			Err: fmt.Errorf("branch %q not found on remote: %w", opts.Branch, err)}
	}

	// make sure a local branch exists before checking it out
	if _, err := repo.Reference(branchRef, false); err != nil {
		local := plumbing.NewHashReference(branchRef, ref.Hash())
		if err := repo.Storer.SetReference(local); err != nil {
			return nil, &SyncError{Repo: opts.URL, Branch: opts.Branch, Err: err}
		}
	}

	if err := w.Checkout(&git.CheckoutOptions{Branch: branchRef}); err != nil {
		return nil, &SyncError{Repo: opts.URL, Branch: opts.Branch, Err: fmt.Errorf("checkout failed: %w", err)}
	}

	// fast-forward only: diverged history must surface, not be reset away
	err = w.PullContext(ctx, &git.PullOptions{
		RemoteName:    "origin",
		ReferenceName: branchRef,
		Auth:          auth(opts),
	})
	switch {
	case err == nil, errors.Is(err, git.NoErrAlreadyUpToDate):
		// up to date
	case errors.Is(err, git.ErrNonFastForwardUpdate):
		return nil, &SyncError{Repo: opts.URL, Branch: opts.Branch,
			Err: fmt.Errorf("local history diverged from origin/%s: %w", opts.Branch, err)}
	default:
		return nil, &SyncError{Repo: opts.URL, Branch: opts.Branch, Err: fmt.Errorf("pull failed: %w", err)}
	}

	c.logger.Info("repository updated", "path", path)
	return repo, nil
}

// auth builds the transport credential for a single operation. HTTP(S) URLs
// carry the token as the transport username, matching the common forge
// convention for token auth.
func auth(opts SyncOptions) transport.AuthMethod {
	if opts.Token == "" {
		return nil
	}
	if strings.HasPrefix(opts.URL, "http://") || strings.HasPrefix(opts.URL, "https://") {
		return &http.BasicAuth{Username: opts.Token}
	}
	return nil
}

// RepoPath returns the local working copy path for a repository URL,
// e.g. "https://github.com/user/repo.git" -> "<workDir>/github.com_user_repo"
func (c *Client) RepoPath(url string) string {
	name := url
	name = strings.TrimPrefix(name, "https://")
	name = strings.TrimPrefix(name, "http://")
	name = strings.TrimPrefix(name, "ssh://")
	name = strings.TrimPrefix(name, "git@")
	name = strings.TrimSuffix(name, "/")
	name = strings.TrimSuffix(name, ".git")
	name = strings.ReplaceAll(name, ":", "_")
	name = strings.ReplaceAll(name, "/", "_")

	return filepath.Join(c.workDir, name)
}
