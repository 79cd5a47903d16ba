// Package proxy installs and activates the nginx rule that routes public
// HTTP traffic to the application's internal port. The full configuration
// is validated before the daemon is reloaded, so a broken rule never takes
// down an already-serving proxy.
package proxy

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path"
	"text/template"

	"caravel/internal/sshx"
)

const (
	sitesAvailable = "/etc/nginx/sites-available"
	sitesEnabled   = "/etc/nginx/sites-enabled"
)

// ProxyConfigError means the candidate proxy configuration failed
// validation; the previous active configuration is untouched.
type ProxyConfigError struct {
	Project string
	Output  string
	Err     error
}

func (e *ProxyConfigError) Error() string {
	return fmt.Sprintf("proxy configuration for %s rejected: %s: %v", e.Project, e.Output, e.Err)
}

func (e *ProxyConfigError) Unwrap() error { return e.Err }

// ProxyReloadError means a validated configuration could not be applied
type ProxyReloadError struct {
	Output string
	Err    error
}

func (e *ProxyReloadError) Error() string {
	return fmt.Sprintf("proxy reload failed: %s: %v", e.Output, e.Err)
}

func (e *ProxyReloadError) Unwrap() error { return e.Err }

// site is the data rendered into the server-block template
type site struct {
	Project    string
	ServerName string
	Port       int
}

var siteTemplate = template.Must(template.New("site").Parse(`# managed by caravel: {{.Project}}
server {
    listen 80;
    server_name {{.ServerName}};

    location / {
        proxy_pass http://127.0.0.1:{{.Port}};
        proxy_set_header Host $host;
        proxy_set_header X-Real-IP $remote_addr;
        proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;
        proxy_set_header X-Forwarded-Proto $scheme;
    }
}
`))

// Configurator writes and activates the project's reverse-proxy rule
type Configurator struct {
	ssh    *sshx.Client
	logger *slog.Logger
}

// New creates a configurator over an established connection
func New(ssh *sshx.Client, logger *slog.Logger) *Configurator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Configurator{ssh: ssh, logger: logger}
}

// Render produces the server block for a project
func Render(project, serverName string, port int) (string, error) {
	var buf bytes.Buffer
	err := siteTemplate.Execute(&buf, site{Project: project, ServerName: serverName, Port: port})
	if err != nil {
		return "", fmt.Errorf("failed to render proxy rule: %w", err)
	}
	return buf.String(), nil
}

// Apply installs the rule file named by the project, activates it
// (overwriting any prior link for the same project), validates the full
// configuration and reloads the daemon.
func (c *Configurator) Apply(ctx context.Context, project, serverName string, port int) error {
	rule, err := Render(project, serverName, port)
	if err != nil {
		return &ProxyConfigError{Project: project, Err: err}
	}

	available := path.Join(sitesAvailable, project)
	enabled := path.Join(sitesEnabled, project)

	// stage the rule in the user's home, then install it with root
	staging := ".caravel-" + project + ".conf"
	if err := c.uploadStaging(ctx, staging, rule); err != nil {
		return &ProxyConfigError{Project: project, Err: err}
	}

	install := sshx.Script{
		Name: "proxy-install",
		Steps: []sshx.Step{
			{Desc: "install rule file", Cmd: fmt.Sprintf("sudo -n install -m 644 %q %q", staging, available), Fatal: true},
			{Desc: "remove staging file", Cmd: fmt.Sprintf("rm -f %q", staging)},
			{Desc: "activate rule", Cmd: fmt.Sprintf("sudo -n ln -sf %q %q", available, enabled), Fatal: true},
		},
	}
	if _, err := c.ssh.RunScript(ctx, install); err != nil {
		return &ProxyConfigError{Project: project, Err: err}
	}

	if out, err := c.ssh.Run(ctx, "sudo -n nginx -t"); err != nil {
		// deactivate the bad rule so the proxy converges back to the
		// previous serving set; no reload was issued
		if _, rmErr := c.ssh.Run(ctx, fmt.Sprintf("sudo -n rm -f %q", enabled)); rmErr != nil {
			c.logger.Warn("failed to deactivate rejected rule", "project", project, "error", rmErr)
		}
		return &ProxyConfigError{Project: project, Output: out, Err: err}
	}

	if out, err := c.ssh.Run(ctx, "sudo -n systemctl reload nginx"); err != nil {
		return &ProxyReloadError{Output: out, Err: err}
	}

	c.logger.Info("proxy rule active", "project", project, "port", port)
	return nil
}

// Remove deletes the project's rule from both rule directories and
// best-effort revalidates and reloads what remains.
func (c *Configurator) Remove(ctx context.Context, project string) []error {
	script := sshx.Script{
		Name: "proxy-remove",
		Steps: []sshx.Step{
			{Desc: "deactivate rule", Cmd: fmt.Sprintf("sudo -n rm -f %q", path.Join(sitesEnabled, project))},
			{Desc: "remove rule file", Cmd: fmt.Sprintf("sudo -n rm -f %q", path.Join(sitesAvailable, project))},
			{Desc: "validate remaining config", Cmd: "sudo -n nginx -t"},
			{Desc: "reload proxy", Cmd: "sudo -n systemctl reload nginx"},
		},
	}

	results, _ := c.ssh.RunScript(ctx, script)
	var failures []error
	for _, r := range results {
		if r.Err != nil {
			failures = append(failures, fmt.Errorf("%s: %w", r.Step.Desc, r.Err))
		}
	}
	return failures
}

func (c *Configurator) uploadStaging(ctx context.Context, name, content string) error {
	sftpClient, err := c.ssh.SFTP()
	if err != nil {
		// no sftp: shells carry the content instead
		cmd := fmt.Sprintf("cat > %q <<'CARAVEL_EOF'\n%sCARAVEL_EOF", name, content)
		if out, err := c.ssh.Run(ctx, cmd); err != nil {
			return fmt.Errorf("failed to stage rule file: %s: %w", out, err)
		}
		return nil
	}
	defer sftpClient.Close()

	f, err := sftpClient.Create(name)
	if err != nil {
		return fmt.Errorf("failed to create staging file: %w", err)
	}
	if _, err := f.Write([]byte(content)); err != nil {
		f.Close()
		return fmt.Errorf("failed to write staging file: %w", err)
	}
	return f.Close()
}
