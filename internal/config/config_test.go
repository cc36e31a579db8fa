package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/h3ow3d/cephtools/internal/config"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), config.FileName)

	s, err := config.Load(path, false)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("Load without ensure created %s", path)
	}
	d := config.Defaults()
	if s.JujuModel != d.JujuModel || s.TerraformRoot != d.TerraformRoot {
		t.Errorf("settings = %+v, want defaults %+v", s, d)
	}
	if s.Testflinger != d.Testflinger {
		t.Errorf("Testflinger = %+v, want %+v", s.Testflinger, d.Testflinger)
	}
}

func TestLoadEnsureWritesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", config.FileName)

	s, err := config.Load(path, true)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("default file not written: %v", err)
	}
	for _, want := range []string{"cephtools:", "vmaas:", "juju_model: cephtools", "stop_grace: 5s"} {
		if !strings.Contains(string(data), want) {
			t.Errorf("default file missing %q:\n%s", want, data)
		}
	}
	if s.VMaaS["lxdbridge"] != "lxdbr0" {
		t.Errorf("VMaaS[lxdbridge] = %q, want lxdbr0", s.VMaaS["lxdbridge"])
	}
	if s.Testflinger.StopGrace != 5*time.Second {
		t.Errorf("StopGrace = %s, want 5s", s.Testflinger.StopGrace)
	}
}

func TestLoadBytesSectionOverrides(t *testing.T) {
	doc := `
cephtools:
  terraform_root: /srv/terraform
  juju_model: custom-model
  testflinger:
    queue: ceph-qa-2
    reserve_for: 900
    stop_grace: 250ms
  vmaas:
    admin_pw: secret
    lxdbridge: br0
    admin: ~
  paths:
    terragrunt_dir: /ignored
`
	s, err := config.LoadBytes([]byte(doc), "test")
	if err != nil {
		t.Fatalf("LoadBytes: %v", err)
	}
	if s.TerraformRoot != "/srv/terraform" {
		t.Errorf("TerraformRoot = %q", s.TerraformRoot)
	}
	if s.JujuModel != "custom-model" {
		t.Errorf("JujuModel = %q", s.JujuModel)
	}
	if s.Testflinger.Queue != "ceph-qa-2" || s.Testflinger.ReserveFor != 900 {
		t.Errorf("Testflinger = %+v", s.Testflinger)
	}
	if s.Testflinger.DeployReserveFor != config.DefaultDeployReserveFor {
		t.Errorf("DeployReserveFor = %d, want default", s.Testflinger.DeployReserveFor)
	}
	if s.Testflinger.StopGrace != 250*time.Millisecond {
		t.Errorf("StopGrace = %s", s.Testflinger.StopGrace)
	}
	want := map[string]string{
		"maas_ch":    "3.6/stable",
		"admin":      "admin",
		"admin_pw":   "secret",
		"admin_mail": "admin@example.com",
		"lxdbridge":  "br0",
		"vmhost":     "local-lxd",
		"maas_tag":   "cephtools",
	}
	for k, v := range want {
		if s.VMaaS[k] != v {
			t.Errorf("VMaaS[%s] = %q, want %q", k, s.VMaaS[k], v)
		}
	}
	if s.Paths["terragrunt_dir"] != "/ignored" {
		t.Errorf("Paths = %v", s.Paths)
	}
}

func TestLoadBytesTopLevel(t *testing.T) {
	s, err := config.LoadBytes([]byte("paths:\n  terraform_root: /srv/custom\n"), "test")
	if err != nil {
		t.Fatalf("LoadBytes: %v", err)
	}
	if s.TerraformRoot != "/srv/custom" {
		t.Errorf("TerraformRoot = %q, want paths fallback /srv/custom", s.TerraformRoot)
	}
	if s.JujuModel != config.DefaultJujuModel {
		t.Errorf("JujuModel = %q, want default", s.JujuModel)
	}
}

func TestLoadBytesRejectsBadShapes(t *testing.T) {
	cases := []struct {
		name, doc, want string
	}{
		{"sequence root", "- a\n- b\n", "expected a mapping"},
		{"scalar section", "cephtools: nope\n", "'cephtools' section"},
		{"wrong type", "juju_model: [a, b]\nvmaas: 3\n", "invalid"},
		{"negative reserve", "testflinger:\n  reserve_for: -5\n", "reserve_for"},
		{"queue whitespace", "testflinger:\n  queue: \"a b\"\n", "whitespace"},
		{"malformed", "cephtools: [\n", "YAML parse error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := config.LoadBytes([]byte(tc.doc), "test")
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q should mention %q", err, tc.want)
			}
		})
	}
}
