package config

import "time"

// Config represents the full caravel configuration
type Config struct {
	Target Target `yaml:"target" mapstructure:"target"`
	Source Source `yaml:"source" mapstructure:"source"`
	SSH    SSH    `yaml:"ssh" mapstructure:"ssh"`
	Paths  Paths  `yaml:"paths" mapstructure:"paths"`
}

// Target identifies the remote host the application is deployed onto
type Target struct {
	Host      string `yaml:"host" mapstructure:"host"`
	User      string `yaml:"user" mapstructure:"user"`
	Port      int    `yaml:"port" mapstructure:"port"`
	AppPort   int    `yaml:"app_port" mapstructure:"app_port"`
	RemoteDir string `yaml:"remote_dir" mapstructure:"remote_dir"`
}

// Source identifies the application repository
type Source struct {
	RepoURL string `yaml:"repo_url" mapstructure:"repo_url"`
	Branch  string `yaml:"branch" mapstructure:"branch"`
	Token   string `yaml:"token" mapstructure:"token"`
}

// SSH holds remote-shell client settings
type SSH struct {
	KeyPath        string        `yaml:"key_path" mapstructure:"key_path"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" mapstructure:"connect_timeout"`
	KnownHosts     string        `yaml:"known_hosts" mapstructure:"known_hosts"`
}

// Paths holds local filesystem locations
type Paths struct {
	WorkDir      string `yaml:"work_dir" mapstructure:"work_dir"`
	LogDir       string `yaml:"log_dir" mapstructure:"log_dir"`
	DatabasePath string `yaml:"database_path" mapstructure:"database_path"`
}

// Default returns a Config with default values
func Default() *Config {
	return &Config{
		Source: Source{
			Branch: "main",
		},
		SSH: SSH{
			ConnectTimeout: 10 * time.Second,
		},
		Target: Target{
			Port: 22,
		},
		Paths: Paths{
			WorkDir:      "./data/repos",
			LogDir:       "./data/logs",
			DatabasePath: "./data/caravel.db",
		},
	}
}
