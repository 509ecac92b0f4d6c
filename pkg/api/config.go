package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jingkaihe/capfs/internal/errx"
)

// DefaultWorkspace is the guest path mounts are placed under by default.
const DefaultWorkspace = "/workspace"

const (
	MountTypeMemory = "memory"
	MountTypeRealFS = "real_fs"
)

// DefaultAuditBuffer is the number of events the audit recorder queues
// before it starts dropping them.
const DefaultAuditBuffer = 1024

type Config struct {
	VFS   *VFSConfig   `json:"vfs,omitempty" yaml:"vfs,omitempty"`
	Audit *AuditConfig `json:"audit,omitempty" yaml:"audit,omitempty"`
}

type VFSConfig struct {
	Workspace    string                 `json:"workspace,omitempty" yaml:"workspace,omitempty"`
	Mounts       map[string]MountConfig `json:"mounts,omitempty" yaml:"mounts,omitempty"`
	Interception *VFSInterceptionConfig `json:"interception,omitempty" yaml:"interception,omitempty"`
}

// GetWorkspace returns the configured workspace path or the default
func (v *VFSConfig) GetWorkspace() string {
	if v != nil && v.Workspace != "" {
		return v.Workspace
	}
	return DefaultWorkspace
}

type MountConfig struct {
	Type     string `json:"type" yaml:"type"`
	HostPath string `json:"host_path,omitempty" yaml:"host_path,omitempty"`
	Readonly bool   `json:"readonly,omitempty" yaml:"readonly,omitempty"`
}

// AuditConfig enables the sqlite audit trail of filesystem events.
type AuditConfig struct {
	Path   string `json:"path" yaml:"path"`
	Buffer int    `json:"buffer,omitempty" yaml:"buffer,omitempty"`
}

func (a *AuditConfig) Enabled() bool {
	return a != nil && a.Path != ""
}

func (a *AuditConfig) GetBuffer() int {
	if a == nil || a.Buffer <= 0 {
		return DefaultAuditBuffer
	}
	return a.Buffer
}

// GetWorkspace returns the workspace path from config, or default if not set
func (c *Config) GetWorkspace() string {
	if c.VFS != nil {
		return c.VFS.GetWorkspace()
	}
	return DefaultWorkspace
}

func DefaultConfig() *Config {
	return &Config{
		VFS: &VFSConfig{
			Mounts: map[string]MountConfig{
				DefaultWorkspace: {Type: MountTypeMemory},
			},
		},
	}
}

// Merge overlays the non-empty sections of other onto c. Mount tables are
// merged per guest path.
func (c *Config) Merge(other *Config) *Config {
	if other == nil {
		return c
	}

	result := *c
	if other.VFS != nil {
		vfsCfg := VFSConfig{}
		if c.VFS != nil {
			vfsCfg = *c.VFS
		}
		if other.VFS.Workspace != "" {
			vfsCfg.Workspace = other.VFS.Workspace
		}
		if len(other.VFS.Mounts) > 0 {
			mounts := make(map[string]MountConfig, len(vfsCfg.Mounts)+len(other.VFS.Mounts))
			for p, m := range vfsCfg.Mounts {
				mounts[p] = m
			}
			for p, m := range other.VFS.Mounts {
				mounts[filepath.Clean(p)] = m
			}
			vfsCfg.Mounts = mounts
		}
		if other.VFS.Interception != nil {
			vfsCfg.Interception = other.VFS.Interception
		}
		result.VFS = &vfsCfg
	}
	if other.Audit != nil {
		result.Audit = other.Audit
	}
	return &result
}

// Validate checks mount types and guest paths.
func (c *Config) Validate() error {
	if c.VFS == nil {
		return nil
	}
	workspace := c.VFS.GetWorkspace()
	if err := ValidateVFSMountsWithinWorkspace(c.VFS.Mounts, workspace); err != nil {
		return errx.Wrap(ErrInvalidConfig, err)
	}
	for guestPath, m := range c.VFS.Mounts {
		switch m.Type {
		case MountTypeMemory:
		case MountTypeRealFS:
			if m.HostPath == "" {
				return errx.With(ErrInvalidConfig, ": %s: %w", guestPath, ErrHostPathRequired)
			}
		default:
			return errx.With(ErrInvalidConfig, ": %s: %w %q", guestPath, ErrUnknownMountType, m.Type)
		}
	}
	if _, err := c.VFS.Interception.HookRules(); err != nil {
		return errx.Wrap(ErrInvalidConfig, err)
	}
	return nil
}

// ParseConfig decodes a JSON config document.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, errx.Wrap(ErrInvalidConfig, err)
	}
	return &cfg, nil
}

// ParseYAMLConfig decodes a YAML config document.
func ParseYAMLConfig(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, errx.Wrap(ErrInvalidConfig, err)
	}
	return &cfg, nil
}

// LoadConfig reads a config file, choosing the decoder by extension.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errx.Wrap(ErrReadConfig, err)
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		return ParseYAMLConfig(data)
	case ".json":
		return ParseConfig(data)
	default:
		return nil, errx.With(ErrUnsupportedFormat, " %q", ext)
	}
}
