package models

import "testing"

func TestProjectIdentity(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		expected string
	}{
		{
			name:     "https with .git suffix",
			url:      "https://github.com/user/app.git",
			expected: "app",
		},
		{
			name:     "https without suffix",
			url:      "https://github.com/user/my-service",
			expected: "my-service",
		},
		{
			name:     "trailing slash",
			url:      "https://example.com/team/app/",
			expected: "app",
		},
		{
			name:     "scp-like ssh url",
			url:      "git@github.com:user/backend.git",
			expected: "backend",
		},
		{
			name:     "uppercase normalized",
			url:      "https://github.com/user/My-App.git",
			expected: "my-app",
		},
		{
			name:     "unsafe runes replaced",
			url:      "https://example.com/team/app name.git",
			expected: "app-name",
		},
		{
			name:     "dots kept",
			url:      "https://github.com/user/api.v2.git",
			expected: "api.v2",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ProjectIdentity(tt.url); got != tt.expected {
				t.Errorf("ProjectIdentity(%q) = %q, want %q", tt.url, got, tt.expected)
			}
		})
	}
}

func TestProjectIdentity_Deterministic(t *testing.T) {
	url := "https://github.com/user/app.git"
	first := ProjectIdentity(url)
	for i := 0; i < 5; i++ {
		if got := ProjectIdentity(url); got != first {
			t.Fatalf("ProjectIdentity not deterministic: %q vs %q", got, first)
		}
	}
}

func TestDeploymentRequest_Validate(t *testing.T) {
	valid := DeploymentRequest{
		RepoURL:    "https://example.com/app.git",
		Branch:     "main",
		RemoteHost: "203.0.113.5",
		RemoteUser: "deploy",
		KeyPath:    "/home/me/.ssh/id_ed25519",
		AppPort:    3000,
	}

	tests := []struct {
		name    string
		mutate  func(*DeploymentRequest)
		wantErr bool
	}{
		{name: "valid", mutate: func(r *DeploymentRequest) {}, wantErr: false},
		{name: "missing repo", mutate: func(r *DeploymentRequest) { r.RepoURL = "" }, wantErr: true},
		{name: "missing user", mutate: func(r *DeploymentRequest) { r.RemoteUser = "" }, wantErr: true},
		{name: "missing host", mutate: func(r *DeploymentRequest) { r.RemoteHost = "" }, wantErr: true},
		{name: "missing key", mutate: func(r *DeploymentRequest) { r.KeyPath = "" }, wantErr: true},
		{name: "missing branch", mutate: func(r *DeploymentRequest) { r.Branch = "" }, wantErr: true},
		{name: "zero port", mutate: func(r *DeploymentRequest) { r.AppPort = 0 }, wantErr: true},
		{name: "port too large", mutate: func(r *DeploymentRequest) { r.AppPort = 70000 }, wantErr: true},
		{name: "token optional", mutate: func(r *DeploymentRequest) { r.Token = "" }, wantErr: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid
			tt.mutate(&req)
			err := req.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDeploymentRequest_ContainerName(t *testing.T) {
	req := DeploymentRequest{Project: "app"}
	if got := req.ContainerName(); got != "app_service" {
		t.Errorf("ContainerName() = %q, want app_service", got)
	}
}

func TestDeploymentRequest_DefaultRemoteDir(t *testing.T) {
	req := DeploymentRequest{RemoteUser: "deploy", Project: "app"}
	if got := req.DefaultRemoteDir(); got != "/home/deploy/app" {
		t.Errorf("DefaultRemoteDir() = %q, want /home/deploy/app", got)
	}
}
