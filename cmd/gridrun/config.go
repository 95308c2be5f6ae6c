package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gogpu/gridrun"
	"github.com/gogpu/gridrun/internal/wgsl"
)

// Config is the YAML run configuration. Flags override its fields.
type Config struct {
	Kernel        string   `yaml:"kernel"`
	EntryPoint    string   `yaml:"entry_point"`
	InType        string   `yaml:"in_type"`
	OutType       string   `yaml:"out_type"`
	WorkgroupSize []uint32 `yaml:"workgroup_size"`
	DispatchCount []uint32 `yaml:"dispatch_count"`
	UniformInput  bool     `yaml:"uniform_input"`
	Timeout       string   `yaml:"timeout"`
}

var errConfig = errors.New("invalid configuration")

// loadConfig reads a YAML configuration file. Unknown keys are rejected.
func loadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", errConfig, path, err)
	}
	return &cfg, nil
}

// Grid converts the configured tuples into a GridConfig.
func (c *Config) Grid() (gridrun.GridConfig, error) {
	var g gridrun.GridConfig
	if err := triple(&g.WorkgroupSize, c.WorkgroupSize, "workgroup_size"); err != nil {
		return g, err
	}
	if err := triple(&g.DispatchCount, c.DispatchCount, "dispatch_count"); err != nil {
		return g, err
	}
	return g, nil
}

// TimeoutDuration parses Timeout. Empty means no timeout.
func (c *Config) TimeoutDuration() (time.Duration, error) {
	if c.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 0, fmt.Errorf("%w: timeout: %w", errConfig, err)
	}
	return d, nil
}

func triple(dst *[3]uint32, v []uint32, name string) error {
	if len(v) != 3 {
		return fmt.Errorf("%w: %s needs 3 values, got %d", errConfig, name, len(v))
	}
	copy(dst[:], v)
	return nil
}

// parseTriple parses "x,y,z".
func parseTriple(s string) ([]uint32, error) {
	parts := strings.Split(s, ",")
	out := make([]uint32, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseUint(strings.TrimSpace(p), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %w", errConfig, s, err)
		}
		out = append(out, uint32(v))
	}
	return out, nil
}

// resolveLayout derives the element layout of a WGSL type, which may be a
// struct declared in the kernel.
func resolveLayout(kernel *wgsl.Module, typ string) (gridrun.ElementLayout, error) {
	if typ == "" {
		return gridrun.ElementLayout{}, fmt.Errorf("%w: element type not set", errConfig)
	}
	l, err := kernel.Layout(typ)
	if err != nil {
		return gridrun.ElementLayout{}, err
	}
	// Copies move whole 4-byte words.
	return gridrun.ElementLayout{MinSize: (l.Size + 3) &^ 3, Align: l.Align}, nil
}
