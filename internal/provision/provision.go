// Package provision idempotently ensures the target host runs a container
// runtime, the compose plugin and the nginx reverse proxy. Individual
// install steps tolerate already-satisfied state; the stage's real success
// criterion is the final service-active check.
package provision

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"caravel/internal/sshx"
)

// Family is the detected remote package-management family
type Family string

const (
	FamilyDebian Family = "debian"
	FamilyRedHat Family = "redhat"
)

// UnsupportedPlatformError means the remote host runs neither a Debian-style
// nor a RedHat-style package manager.
type UnsupportedPlatformError struct {
	Host string
}

func (e *UnsupportedPlatformError) Error() string {
	return fmt.Sprintf("host %s: no supported package manager found (need apt-get, dnf or yum)", e.Host)
}

// ProvisioningError means the runtime or proxy daemon is still not active
// after all install attempts.
type ProvisioningError struct {
	Service string
	Err     error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("provisioning failed: %s is not active: %v", e.Service, e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

// Provisioner prepares the remote environment over an SSH connection
type Provisioner struct {
	client *sshx.Client
	logger *slog.Logger
}

// New creates a provisioner
func New(client *sshx.Client, logger *slog.Logger) *Provisioner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provisioner{client: client, logger: logger}
}

// DetectFamily probes the remote package manager
func (p *Provisioner) DetectFamily(ctx context.Context) (Family, error) {
	if _, err := p.client.Run(ctx, "command -v apt-get"); err == nil {
		return FamilyDebian, nil
	}
	if _, err := p.client.Run(ctx, "command -v dnf || command -v yum"); err == nil {
		return FamilyRedHat, nil
	}
	return "", &UnsupportedPlatformError{Host: p.client.Host()}
}

// Ensure converges the remote host toward: docker active, compose plugin
// present, nginx active. Install steps are advisory (already-installed is
// success); the trailing service checks are the mandatory criterion.
func (p *Provisioner) Ensure(ctx context.Context) error {
	family, err := p.DetectFamily(ctx)
	if err != nil {
		return err
	}
	p.logger.Info("remote platform detected", "family", family)

	script := installScript(family)
	if _, err := p.client.RunScript(ctx, script); err != nil {
		return fmt.Errorf("provisioning script failed: %w", err)
	}

	for _, service := range []string{"docker", "nginx"} {
		if out, err := p.client.Run(ctx, "systemctl is-active "+service); err != nil {
			return &ProvisioningError{Service: service, Err: fmt.Errorf("%s: %w", strings.TrimSpace(out), err)}
		}
	}

	p.logger.Info("remote environment ready", "family", family)
	return nil
}

// installScript builds the per-family provisioning script. Every install
// step is advisory so that already-satisfied state never fails the stage;
// regressions still show up in the run log as warnings.
func installScript(family Family) sshx.Script {
	sudo := "sudo -n "

	switch family {
	case FamilyDebian:
		return sshx.Script{
			Name: "provision-debian",
			Steps: []sshx.Step{
				{Desc: "refresh package index", Cmd: sudo + "apt-get update -y"},
				{Desc: "install prerequisites", Cmd: sudo + "apt-get install -y ca-certificates curl gnupg"},
				{Desc: "install docker engine", Cmd: "command -v docker >/dev/null 2>&1 || " + sudo + "apt-get install -y docker.io || (curl -fsSL https://get.docker.com | " + sudo + "sh)"},
				{Desc: "install compose plugin", Cmd: "docker compose version >/dev/null 2>&1 || " + sudo + "apt-get install -y docker-compose-plugin docker-compose-v2"},
				{Desc: "install nginx", Cmd: sudo + "apt-get install -y nginx"},
				{Desc: "enable docker", Cmd: sudo + "systemctl enable --now docker"},
				{Desc: "enable nginx", Cmd: sudo + "systemctl enable --now nginx"},
				// sessions opened after this step resolve the new group membership
				{Desc: "grant docker socket access", Cmd: sudo + `usermod -aG docker "$(id -un)"`},
			},
		}
	case FamilyRedHat:
		return sshx.Script{
			Name: "provision-redhat",
			Steps: []sshx.Step{
				{Desc: "refresh package index", Cmd: sudo + "$(command -v dnf || command -v yum) makecache"},
				{Desc: "install prerequisites", Cmd: sudo + "$(command -v dnf || command -v yum) install -y ca-certificates curl"},
				{Desc: "install docker engine", Cmd: "command -v docker >/dev/null 2>&1 || " + sudo + "$(command -v dnf || command -v yum) install -y docker || (curl -fsSL https://get.docker.com | " + sudo + "sh)"},
				{Desc: "install compose plugin", Cmd: "docker compose version >/dev/null 2>&1 || " + sudo + "$(command -v dnf || command -v yum) install -y docker-compose-plugin"},
				{Desc: "install nginx", Cmd: sudo + "$(command -v dnf || command -v yum) install -y nginx"},
				{Desc: "enable docker", Cmd: sudo + "systemctl enable --now docker"},
				{Desc: "enable nginx", Cmd: sudo + "systemctl enable --now nginx"},
				{Desc: "grant docker socket access", Cmd: sudo + `usermod -aG docker "$(id -un)"`},
			},
		}
	default:
		return sshx.Script{Name: "provision-unsupported"}
	}
}
