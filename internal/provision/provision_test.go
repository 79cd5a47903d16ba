package provision

import (
	"strings"
	"testing"
)

func TestInstallScript_Debian(t *testing.T) {
	script := installScript(FamilyDebian)

	if script.Name != "provision-debian" {
		t.Errorf("Name = %q", script.Name)
	}
	if len(script.Steps) == 0 {
		t.Fatal("no steps")
	}

	var sawAptUpdate, sawNginx, sawEnableDocker, sawGroup bool
	for _, step := range script.Steps {
		if step.Fatal {
			t.Errorf("step %q is fatal; install steps must tolerate already-satisfied state", step.Desc)
		}
		if strings.Contains(step.Cmd, "apt-get update") {
			sawAptUpdate = true
		}
		if strings.Contains(step.Cmd, "install -y nginx") {
			sawNginx = true
		}
		if strings.Contains(step.Cmd, "systemctl enable --now docker") {
			sawEnableDocker = true
		}
		if strings.Contains(step.Cmd, "usermod -aG docker") {
			sawGroup = true
		}
	}
	if !sawAptUpdate || !sawNginx || !sawEnableDocker || !sawGroup {
		t.Errorf("script missing expected steps: update=%v nginx=%v docker=%v group=%v",
			sawAptUpdate, sawNginx, sawEnableDocker, sawGroup)
	}
}

func TestInstallScript_RedHat(t *testing.T) {
	script := installScript(FamilyRedHat)

	if script.Name != "provision-redhat" {
		t.Errorf("Name = %q", script.Name)
	}
	var sawGroup bool
	for _, step := range script.Steps {
		if strings.Contains(step.Cmd, "apt-get") {
			t.Errorf("redhat script uses apt-get: %q", step.Cmd)
		}
		if strings.Contains(step.Cmd, "usermod -aG docker") {
			sawGroup = true
		}
	}
	if !sawGroup {
		t.Error("redhat script does not grant docker socket access")
	}
}

func TestUnsupportedPlatformError(t *testing.T) {
	err := &UnsupportedPlatformError{Host: "203.0.113.5"}
	if !strings.Contains(err.Error(), "203.0.113.5") {
		t.Errorf("error does not name the host: %v", err)
	}
}
