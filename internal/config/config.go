package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"caravel/internal/models"
)

// MissingInputError reports a required field that is still empty after
// config-file, environment and flag layering plus defaulting.
type MissingInputError struct {
	Field string
}

func (e *MissingInputError) Error() string {
	return fmt.Sprintf("missing required input: %s", e.Field)
}

// Load reads configuration from file, environment variables and command
// line flags, flags taking the highest precedence.
func Load(flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	// Set defaults
	def := Default()
	v.SetDefault("source.branch", def.Source.Branch)
	v.SetDefault("target.port", def.Target.Port)
	v.SetDefault("ssh.connect_timeout", def.SSH.ConnectTimeout)
	v.SetDefault("paths.work_dir", def.Paths.WorkDir)
	v.SetDefault("paths.log_dir", def.Paths.LogDir)
	v.SetDefault("paths.database_path", def.Paths.DatabasePath)

	// Config file settings
	v.SetConfigName("caravel")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/caravel")

	if configPath := os.Getenv("CARAVEL_CONFIG"); configPath != "" {
		v.SetConfigFile(configPath)
	}

	// Environment variable settings
	v.SetEnvPrefix("CARAVEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		bindings := map[string]string{
			"source.repo_url":   "repo",
			"source.branch":     "branch",
			"source.token":      "token",
			"target.host":       "host",
			"target.user":       "user",
			"target.app_port":   "port",
			"target.remote_dir": "remote-dir",
			"ssh.key_path":      "key",
		}
		for key, flag := range bindings {
			if f := flags.Lookup(flag); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", flag, err)
				}
			}
		}
	}

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Expand environment variables in sensitive fields
	cfg.Source.Token = os.ExpandEnv(cfg.Source.Token)
	cfg.SSH.KeyPath = os.ExpandEnv(cfg.SSH.KeyPath)

	return &cfg, nil
}

// Resolve validates the configuration and produces the immutable request
// the pipeline runs against, applying the remaining defaults: branch,
// project identity and the derived remote working directory.
func (c *Config) Resolve() (models.DeploymentRequest, error) {
	req := models.DeploymentRequest{
		RepoURL:    strings.TrimSpace(c.Source.RepoURL),
		Token:      c.Source.Token,
		Branch:     strings.TrimSpace(c.Source.Branch),
		RemoteHost: strings.TrimSpace(c.Target.Host),
		RemoteUser: strings.TrimSpace(c.Target.User),
		KeyPath:    strings.TrimSpace(c.SSH.KeyPath),
		AppPort:    c.Target.AppPort,
		RemoteDir:  strings.TrimSpace(c.Target.RemoteDir),
	}

	if req.Branch == "" {
		req.Branch = models.DefaultBranch
	}

	required := []struct {
		field string
		empty bool
	}{
		{"repo", req.RepoURL == ""},
		{"user", req.RemoteUser == ""},
		{"host", req.RemoteHost == ""},
		{"key", req.KeyPath == ""},
		{"port", req.AppPort == 0},
	}
	for _, r := range required {
		if r.empty {
			return models.DeploymentRequest{}, &MissingInputError{Field: r.field}
		}
	}
	if req.AppPort < 1 || req.AppPort > 65535 {
		return models.DeploymentRequest{}, fmt.Errorf("invalid app port %d: must be 1-65535", req.AppPort)
	}
	if u, err := url.Parse(req.RepoURL); err == nil && u.Scheme == "" && !strings.Contains(req.RepoURL, "@") {
		return models.DeploymentRequest{}, fmt.Errorf("repo URL %q has no scheme", req.RepoURL)
	}

	req.Project = models.ProjectIdentity(req.RepoURL)
	if req.Project == "" {
		return models.DeploymentRequest{}, fmt.Errorf("cannot derive project name from repo URL %q", req.RepoURL)
	}
	if req.RemoteDir == "" {
		req.RemoteDir = req.DefaultRemoteDir()
	}

	return req, nil
}

// EnsureDirs creates the local directories caravel writes into
func (c *Config) EnsureDirs() error {
	dirs := []string{
		c.Paths.WorkDir,
		c.Paths.LogDir,
		filepath.Dir(c.Paths.DatabasePath),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
