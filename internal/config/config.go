// Package config loads cephtools.yaml and the testflinger backend file from
// the state directory.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/h3ow3d/cephtools/internal/state"
)

// FileName is the settings file kept under the state directory.
const FileName = "cephtools.yaml"

const (
	DefaultJujuModel        = "cephtools"
	DefaultQueue            = "ceph-qa-1"
	DefaultReserveFor       = 3600
	DefaultDeployReserveFor = 7200
	DefaultTestflingerBin   = "testflinger"
	DefaultStopGrace        = 5 * time.Second
)

// defaultVMaaS holds the bootstrap defaults written into a fresh cephtools.yaml.
var defaultVMaaS = map[string]string{
	"maas_ch":    "3.6/stable",
	"admin":      "admin",
	"admin_pw":   "maaspass",
	"admin_mail": "admin@example.com",
	"lxdbridge":  "lxdbr0",
	"vmhost":     "local-lxd",
	"maas_tag":   "cephtools",
}

// Settings is the cephtools section of cephtools.yaml.
type Settings struct {
	TerraformRoot string            `yaml:"terraform_root"`
	JujuModel     string            `yaml:"juju_model"`
	Testflinger   Testflinger       `yaml:"testflinger"`
	VMaaS         map[string]string `yaml:"vmaas"`
	// Paths is consulted for path-valued keys missing at the top level.
	Paths map[string]string `yaml:"paths,omitempty"`
}

// Testflinger holds the reservation defaults handed to a testflinger.Session.
type Testflinger struct {
	Bin              string        `yaml:"bin"`
	Queue            string        `yaml:"queue"`
	ReserveFor       int           `yaml:"reserve_for"`
	DeployReserveFor int           `yaml:"deploy_reserve_for"`
	JobDir           string        `yaml:"job_dir,omitempty"` // empty means the home directory
	StopGrace        time.Duration `yaml:"stop_grace"`
}

// Defaults returns the settings used when no cephtools.yaml exists.
func Defaults() Settings {
	vmaas := make(map[string]string, len(defaultVMaaS))
	for k, v := range defaultVMaaS {
		vmaas[k] = v
	}
	return Settings{
		TerraformRoot: defaultTerraformRoot(),
		JujuModel:     DefaultJujuModel,
		Testflinger: Testflinger{
			Bin:              DefaultTestflingerBin,
			Queue:            DefaultQueue,
			ReserveFor:       DefaultReserveFor,
			DeployReserveFor: DefaultDeployReserveFor,
			StopGrace:        DefaultStopGrace,
		},
		VMaaS: vmaas,
	}
}

func defaultTerraformRoot() string {
	return state.ExpandHome(filepath.Join("~", "src", "cephtools", "terraform"))
}

// Path returns the location of cephtools.yaml for dirs.
func Path(dirs state.Dirs) string { return dirs.File(FileName) }

// Load reads the settings at path. A missing file yields Defaults(); when
// ensure is set the default file is written first.
func Load(path string, ensure bool) (*Settings, error) {
	_, statErr := os.Stat(path)
	if errors.Is(statErr, os.ErrNotExist) {
		if !ensure {
			d := Defaults()
			return &d, nil
		}
		if err := WriteDefault(path); err != nil {
			return nil, err
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read settings %s: %w", path, err)
	}
	return LoadBytes(data, path)
}

// LoadBytes parses settings from raw YAML. The document may either nest the
// settings under a top-level "cephtools" key or hold them directly.
func LoadBytes(data []byte, source string) (*Settings, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("settings %q: YAML parse error: %w", source, err)
	}

	s := Settings{}
	if len(doc.Content) > 0 {
		root := doc.Content[0]
		if root.Kind != yaml.MappingNode {
			return nil, fmt.Errorf("settings %q: unexpected YAML structure (expected a mapping)", source)
		}
		if section := lookup(root, "cephtools"); section != nil {
			if section.Kind != yaml.MappingNode {
				return nil, fmt.Errorf("settings %q: unexpected structure for the 'cephtools' section", source)
			}
			root = section
		}
		if err := root.Decode(&s); err != nil {
			var typeErr *yaml.TypeError
			if errors.As(err, &typeErr) {
				return nil, invalid(source, typeErr.Errors)
			}
			return nil, fmt.Errorf("settings %q: %w", source, err)
		}
	}

	applyDefaults(&s)
	if err := Validate(&s, source); err != nil {
		return nil, err
	}
	return &s, nil
}

// lookup returns the value node for key in a mapping node.
func lookup(mapping *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			return mapping.Content[i+1]
		}
	}
	return nil
}

func applyDefaults(s *Settings) {
	d := Defaults()
	if s.TerraformRoot == "" {
		s.TerraformRoot = s.Paths["terraform_root"]
	}
	if s.TerraformRoot == "" {
		s.TerraformRoot = d.TerraformRoot
	}
	s.TerraformRoot = state.ExpandHome(s.TerraformRoot)
	if s.JujuModel == "" {
		s.JujuModel = d.JujuModel
	}

	tf := &s.Testflinger
	if tf.Bin == "" {
		tf.Bin = d.Testflinger.Bin
	}
	if tf.Queue == "" {
		tf.Queue = d.Testflinger.Queue
	}
	if tf.ReserveFor == 0 {
		tf.ReserveFor = d.Testflinger.ReserveFor
	}
	if tf.DeployReserveFor == 0 {
		tf.DeployReserveFor = d.Testflinger.DeployReserveFor
	}
	if tf.StopGrace == 0 {
		tf.StopGrace = d.Testflinger.StopGrace
	}
	tf.JobDir = state.ExpandHome(tf.JobDir)

	// Null or empty vmaas values fall back to the built-in defaults.
	merged := d.VMaaS
	for k, v := range s.VMaaS {
		if v != "" {
			merged[k] = v
		}
	}
	s.VMaaS = merged
}

// Validate checks s for values no command can work with.
func Validate(s *Settings, source string) error {
	var errs []string
	if s.Testflinger.ReserveFor < 0 {
		errs = append(errs, fmt.Sprintf("testflinger.reserve_for must be positive, got %d", s.Testflinger.ReserveFor))
	}
	if s.Testflinger.DeployReserveFor < 0 {
		errs = append(errs, fmt.Sprintf("testflinger.deploy_reserve_for must be positive, got %d", s.Testflinger.DeployReserveFor))
	}
	if s.Testflinger.StopGrace < 0 {
		errs = append(errs, fmt.Sprintf("testflinger.stop_grace must not be negative, got %s", s.Testflinger.StopGrace))
	}
	if strings.ContainsAny(s.Testflinger.Queue, " \t\n") {
		errs = append(errs, fmt.Sprintf("testflinger.queue %q must not contain whitespace", s.Testflinger.Queue))
	}
	return invalid(source, errs)
}

func invalid(source string, errs []string) error {
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("settings %q are invalid:\n  - %s", source, strings.Join(errs, "\n  - "))
}

// WriteDefault writes Defaults() to path under a "cephtools" section.
func WriteDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create settings dir: %w", err)
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(map[string]Settings{"cephtools": Defaults()}); err != nil {
		return fmt.Errorf("encode default settings: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("encode default settings: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("write settings %s: %w", path, err)
	}
	return nil
}
