package pipeline

import (
	"context"
	"database/sql"
	"time"

	"caravel/internal/config"
	"caravel/internal/deploy"
	"caravel/internal/descriptor"
	"caravel/internal/docker"
	"caravel/internal/git"
	"caravel/internal/preflight"
	"caravel/internal/provision"
	"caravel/internal/proxy"
	"caravel/internal/sshx"
	"caravel/internal/teardown"
	"caravel/internal/transfer"
	"caravel/internal/validate"
)

// Docker returns the API client bound to the remote daemon, creating it on
// first use. Requires an established SSH connection.
func (c *Context) Docker() (*docker.Client, error) {
	if c.docker != nil {
		return c.docker, nil
	}
	client, err := docker.NewRemoteClient(c.SSH, c.Log)
	if err != nil {
		return nil, err
	}
	c.docker = client
	return client, nil
}

// PreflightStage verifies local prerequisites
type PreflightStage struct {
	WorkDir string
	LogDir  string
}

func (s PreflightStage) Name() string { return "local preflight" }

func (s PreflightStage) Run(ctx context.Context, pctx *Context) error {
	return preflight.Checker{
		KeyPath: pctx.Req.KeyPath,
		RepoURL: pctx.Req.RepoURL,
		WorkDir: s.WorkDir,
		LogDir:  s.LogDir,
	}.Check()
}

// SourceSyncStage obtains the working copy and recognizes its build descriptor
type SourceSyncStage struct {
	WorkDir string
}

func (s SourceSyncStage) Name() string { return "source sync" }

func (s SourceSyncStage) Run(ctx context.Context, pctx *Context) error {
	client, err := git.NewClient(s.WorkDir, pctx.Log)
	if err != nil {
		return err
	}

	result, err := client.Sync(ctx, git.SyncOptions{
		URL:    pctx.Req.RepoURL,
		Branch: pctx.Req.Branch,
		Token:  pctx.Req.Token,
	})
	if err != nil {
		return err
	}

	desc, err := descriptor.Detect(result.Path)
	if err != nil {
		return err
	}

	pctx.WorkDir = result.Path
	pctx.HasCompose = desc.Kind == descriptor.KindCompose
	pctx.Run.CommitSHA = sql.NullString{String: result.CommitSHA, Valid: true}
	pctx.Log.Info("working copy ready",
		"commit", result.CommitSHA[:8], "descriptor", string(desc.Kind))
	return nil
}

// ConnectStage opens the SSH connection every remote stage reuses
type ConnectStage struct {
	Port           int
	ConnectTimeout time.Duration
	KnownHosts     string
}

func (s ConnectStage) Name() string { return "remote connectivity" }

func (s ConnectStage) Run(ctx context.Context, pctx *Context) error {
	client, err := sshx.Dial(sshx.Options{
		Host:           pctx.Req.RemoteHost,
		User:           pctx.Req.RemoteUser,
		KeyPath:        pctx.Req.KeyPath,
		Port:           s.Port,
		ConnectTimeout: s.ConnectTimeout,
		KnownHostsPath: s.KnownHosts,
	}, pctx.Log)
	if err != nil {
		return err
	}
	pctx.SSH = client
	return nil
}

// ProvisionStage ensures the remote runtime environment
type ProvisionStage struct{}

func (ProvisionStage) Name() string { return "remote provisioning" }

func (ProvisionStage) Run(ctx context.Context, pctx *Context) error {
	return provision.New(pctx.SSH, pctx.Log).Ensure(ctx)
}

// TransferStage mirrors the working copy onto the host
type TransferStage struct{}

func (TransferStage) Name() string { return "artifact transfer" }

func (TransferStage) Run(ctx context.Context, pctx *Context) error {
	return transfer.New(pctx.SSH, pctx.Log).Sync(ctx, pctx.WorkDir, pctx.Req.RemoteDir)
}

// DeployStage replaces the running instance with a freshly built one
type DeployStage struct{}

func (DeployStage) Name() string { return "remote deploy" }

func (DeployStage) Run(ctx context.Context, pctx *Context) error {
	dockerClient, err := pctx.Docker()
	if err != nil {
		return err
	}
	return deploy.NewDeployer(pctx.SSH, dockerClient, pctx.Log).
		Deploy(ctx, pctx.Req, pctx.HasCompose)
}

// ProxyStage installs and activates the reverse-proxy rule
type ProxyStage struct{}

func (ProxyStage) Name() string { return "proxy configuration" }

func (ProxyStage) Run(ctx context.Context, pctx *Context) error {
	return proxy.New(pctx.SSH, pctx.Log).
		Apply(ctx, pctx.Req.Project, pctx.Req.RemoteHost, pctx.Req.AppPort)
}

// ValidateStage confirms the deployment serves
type ValidateStage struct{}

func (ValidateStage) Name() string { return "deployment validation" }

func (ValidateStage) Run(ctx context.Context, pctx *Context) error {
	dockerClient, err := pctx.Docker()
	if err != nil {
		return err
	}
	return validate.New(pctx.SSH, dockerClient, pctx.Log).Validate(ctx, pctx.Req)
}

// TeardownStage removes the project's footprint from the host
type TeardownStage struct{}

func (TeardownStage) Name() string { return "teardown" }

func (TeardownStage) Run(ctx context.Context, pctx *Context) error {
	dockerClient, err := pctx.Docker()
	if err != nil {
		return err
	}
	proxyConf := proxy.New(pctx.SSH, pctx.Log)

	warning, err := teardown.New(pctx.SSH, dockerClient, proxyConf, pctx.Log).
		Teardown(ctx, pctx.Req)
	if err != nil {
		return err
	}
	if warning != nil {
		pctx.Log.Warn(warning.Error())
	}
	return nil
}

// DeployStages is the fixed stage order of a deploy run
func DeployStages(cfg *config.Config) []Stage {
	return []Stage{
		PreflightStage{WorkDir: cfg.Paths.WorkDir, LogDir: cfg.Paths.LogDir},
		SourceSyncStage{WorkDir: cfg.Paths.WorkDir},
		ConnectStage{Port: cfg.Target.Port, ConnectTimeout: cfg.SSH.ConnectTimeout, KnownHosts: cfg.SSH.KnownHosts},
		ProvisionStage{},
		TransferStage{},
		DeployStage{},
		ProxyStage{},
		ValidateStage{},
	}
}

// TeardownStages is the fixed stage order of a teardown run
func TeardownStages(cfg *config.Config) []Stage {
	return []Stage{
		PreflightStage{WorkDir: cfg.Paths.WorkDir, LogDir: cfg.Paths.LogDir},
		ConnectStage{Port: cfg.Target.Port, ConnectTimeout: cfg.SSH.ConnectTimeout, KnownHosts: cfg.SSH.KnownHosts},
		TeardownStage{},
	}
}
