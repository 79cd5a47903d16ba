// Package descriptor recognizes how a working copy wants to be built: a
// multi-service compose file or a single-image Dockerfile. A repository
// with neither is a hard failure, because guessing a default build silently
// deploys the wrong thing.
package descriptor

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Kind identifies the build descriptor family found in a working copy
type Kind string

const (
	KindCompose    Kind = "compose"
	KindDockerfile Kind = "dockerfile"
)

// MissingBuildDescriptorError means the working copy carries no recognized
// build descriptor at its root.
type MissingBuildDescriptorError struct {
	Path string
}

func (e *MissingBuildDescriptorError) Error() string {
	return fmt.Sprintf("no compose file or Dockerfile found in %s", e.Path)
}

// composeFileNames is the list of compose file names checked in order
var composeFileNames = []string{
	"docker-compose.yml",
	"docker-compose.yaml",
	"compose.yml",
	"compose.yaml",
}

// Descriptor is the detected build descriptor of a working copy
type Descriptor struct {
	Kind Kind
	// File is the descriptor file name relative to the working copy root
	File string
	// Services holds the compose service names, empty for Dockerfile builds
	Services []string
}

// composeDoc is the subset of a compose file we care about
type composeDoc struct {
	Services map[string]any `yaml:"services"`
}

// Detect inspects the working copy root and returns its build descriptor.
// Compose wins over a Dockerfile when both are present, matching what the
// composition tool itself would do on the host.
func Detect(repoPath string) (*Descriptor, error) {
	if name := findComposeFile(repoPath); name != "" {
		services, err := composeServices(filepath.Join(repoPath, name))
		if err != nil {
			return nil, fmt.Errorf("invalid compose file %s: %w", name, err)
		}
		return &Descriptor{Kind: KindCompose, File: name, Services: services}, nil
	}

	if _, err := os.Stat(filepath.Join(repoPath, "Dockerfile")); err == nil {
		return &Descriptor{Kind: KindDockerfile, File: "Dockerfile"}, nil
	}

	return nil, &MissingBuildDescriptorError{Path: repoPath}
}

func findComposeFile(repoPath string) string {
	for _, name := range composeFileNames {
		if _, err := os.Stat(filepath.Join(repoPath, name)); err == nil {
			return name
		}
	}
	return ""
}

// composeServices parses the compose file and returns its service names.
// A compose file without services would deploy nothing, so it is rejected
// here rather than on the remote host.
func composeServices(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var doc composeDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if len(doc.Services) == 0 {
		return nil, fmt.Errorf("no services defined")
	}

	services := make([]string, 0, len(doc.Services))
	for name := range doc.Services {
		services = append(services, name)
	}
	return services, nil
}
