package models

import (
	"fmt"
	"path"
	"strings"
)

// DefaultBranch is used when no branch is given
const DefaultBranch = "main"

// DeploymentRequest is the immutable input bundle for one pipeline run.
// It is constructed once by the input resolver and never mutated afterwards;
// stages receive it by value.
type DeploymentRequest struct {
	RepoURL    string
	Token      string // optional, sensitive: never logged, never persisted
	Branch     string
	RemoteHost string
	RemoteUser string
	KeyPath    string
	AppPort    int
	RemoteDir  string

	// Project is derived from RepoURL by the input resolver
	Project string
}

// Validate checks that all required fields are set after defaulting.
// The token and remote directory are the only optional fields.
func (r DeploymentRequest) Validate() error {
	checks := []struct {
		name  string
		empty bool
	}{
		{"repo", r.RepoURL == ""},
		{"user", r.RemoteUser == ""},
		{"host", r.RemoteHost == ""},
		{"key", r.KeyPath == ""},
		{"branch", r.Branch == ""},
	}
	for _, c := range checks {
		if c.empty {
			return fmt.Errorf("required field %q is empty", c.name)
		}
	}
	if r.AppPort < 1 || r.AppPort > 65535 {
		return fmt.Errorf("invalid app port: %d", r.AppPort)
	}
	return nil
}

// ContainerName returns the name used for the single-image container
func (r DeploymentRequest) ContainerName() string {
	return r.Project + "_service"
}

// DefaultRemoteDir returns the remote working directory used when none is configured
func (r DeploymentRequest) DefaultRemoteDir() string {
	return "/home/" + r.RemoteUser + "/" + r.Project
}

// ProjectIdentity derives a deterministic short name from a repository URL.
// e.g. "https://github.com/user/My-App.git" -> "my-app". The name namespaces
// the remote directory, the container, the image tag and the proxy rule file,
// so two different repositories never collide on the same host.
func ProjectIdentity(repoURL string) string {
	s := strings.TrimSuffix(repoURL, "/")
	s = strings.TrimSuffix(s, ".git")

	// treating ":" as a separator also handles scp-like URLs (git@host:user/repo)
	name := path.Base(strings.ReplaceAll(s, ":", "/"))
	name = strings.ToLower(name)

	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-.")
}
