// Package manifest handles vproc.toml launch configuration.
package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// FileName is the manifest file looked up in a launch directory.
const FileName = "vproc.toml"

// Launch modes.
const (
	ModeRun   = "run"
	ModeDebug = "debug"
)

// ErrInvalid is returned when a manifest does not satisfy the schema.
var ErrInvalid = errors.New("manifest: invalid configuration")

// Manifest represents a vproc.toml launch configuration.
type Manifest struct {
	Launch    Launch    `toml:"launch"`
	Process   Process   `toml:"process"`
	Scheduler Scheduler `toml:"scheduler"`
	Journal   Journal   `toml:"journal"`

	// Dir is the directory containing the vproc.toml file (set at load time).
	Dir string `toml:"-"`
}

// Launch contains launch metadata.
type Launch struct {
	Name string `toml:"name"`
	Mode string `toml:"mode"`
}

// Process configures the virtual process started by a launch.
type Process struct {
	Label      string            `toml:"label"`
	Script     string            `toml:"script"`
	WireIO     bool              `toml:"wire-io"`
	Attributes map[string]string `toml:"attributes"`
}

// Scheduler tunes the step loop.
type Scheduler struct {
	StepDelay string `toml:"step-delay"`
	MaxSteps  int    `toml:"max-steps"`
}

// Journal configures the event journal. An empty path disables it.
type Journal struct {
	Path string `toml:"path"`
}

// Default returns the manifest used when no vproc.toml exists.
func Default() *Manifest {
	m := &Manifest{}
	m.Process.WireIO = true
	m.applyDefaults()
	return m
}

// Load parses a vproc.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}
	return m, nil
}

// Parse decodes and validates manifest text. Dir is left empty.
func Parse(data []byte) (*Manifest, error) {
	var raw map[string]any
	if err := toml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}
	if err := Validate(raw); err != nil {
		return nil, err
	}

	// wire-io defaults to true; only an explicit false turns it off.
	m := Manifest{Process: Process{WireIO: true}}
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}
	if _, err := m.stepDelay(); err != nil {
		return nil, fmt.Errorf("%w: scheduler.step-delay: %v", ErrInvalid, err)
	}

	m.applyDefaults()
	return &m, nil
}

func (m *Manifest) applyDefaults() {
	if m.Launch.Mode == "" {
		m.Launch.Mode = ModeRun
	}
	if m.Process.Label == "" {
		m.Process.Label = m.Launch.Name
	}
	if m.Process.Label == "" {
		m.Process.Label = "vproc"
	}
	if m.Process.Attributes == nil {
		m.Process.Attributes = make(map[string]string)
	}
}

// FindAndLoad walks up from startDir to find a vproc.toml file,
// then loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, nil
		}
		dir = parent
	}
}

// Write encodes m as TOML to path.
func Write(path string, m *Manifest) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(m); err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}
	return os.WriteFile(path, buf.Bytes(), 0644)
}

// ScriptPath returns the absolute path of the configured script, resolved
// against the manifest directory. Empty when no script is configured.
func (m *Manifest) ScriptPath() string {
	if m.Process.Script == "" {
		return ""
	}
	if filepath.IsAbs(m.Process.Script) || m.Dir == "" {
		return m.Process.Script
	}
	return filepath.Join(m.Dir, m.Process.Script)
}

// JournalPath returns the journal database path, resolved like ScriptPath.
func (m *Manifest) JournalPath() string {
	if m.Journal.Path == "" || filepath.IsAbs(m.Journal.Path) || m.Dir == "" {
		return m.Journal.Path
	}
	return filepath.Join(m.Dir, m.Journal.Path)
}

// StepDelay returns the configured pause between steps. Zero means the
// scheduler never yields between steps.
func (m *Manifest) StepDelay() time.Duration {
	d, _ := m.stepDelay()
	return d
}

func (m *Manifest) stepDelay() (time.Duration, error) {
	if m.Scheduler.StepDelay == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(m.Scheduler.StepDelay)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %s", d)
	}
	return d, nil
}

// IsDebug reports whether the launch runs in debug mode.
func (m *Manifest) IsDebug() bool {
	return m.Launch.Mode == ModeDebug
}
