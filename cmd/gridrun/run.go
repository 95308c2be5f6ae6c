package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/gogpu/gridrun"
	"github.com/gogpu/gridrun/internal/wgsl"
)

// runner executes one invocation. Tests replace it.
type runner func(ctx context.Context, req gridrun.Request, opts ...gridrun.Option) ([]byte, error)

type runOptions struct {
	config        string
	kernel        string
	entryPoint    string
	inType        string
	outType       string
	input         string
	inputF32      string
	output        string
	workgroupSize string
	dispatchCount string
	uniformInput  bool
	timeout       time.Duration
}

func newRunCmd(run runner) *cobra.Command {
	var o runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one kernel dispatch and write its output",
		Long: `Run compiles a WGSL kernel with the grid baked in, dispatches it once
over the grid and writes the raw output bytes.

Element layouts are derived from the WGSL types named by --in-type and
--out-type, which may be structs declared in the kernel.`,
		Example: `  gridrun run --config grid.yaml --input-f32 1.0 --output mesh.bin
  gridrun run --kernel k.wgsl --in-type f32 --out-type vec4<u32> \
      --workgroup-size 64,1,1 --dispatch-count 16,1,1 --input-f32 2.5`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := o.resolve(cmd)
			if err != nil {
				return err
			}
			return execute(cmd, run, cfg, o)
		},
	}

	f := cmd.Flags()
	f.StringVar(&o.config, "config", "", "YAML run configuration")
	f.StringVar(&o.kernel, "kernel", "", "WGSL kernel file")
	f.StringVar(&o.entryPoint, "entry-point", "", "compute entry point (default \"main\")")
	f.StringVar(&o.inType, "in-type", "", "WGSL type of the input value")
	f.StringVar(&o.outType, "out-type", "", "WGSL type of one output element")
	f.StringVar(&o.input, "input", "", "file holding the encoded input value")
	f.StringVar(&o.inputF32, "input-f32", "", "comma-separated f32 values encoded as the input")
	f.StringVar(&o.output, "output", "", "file the output bytes are written to")
	f.StringVar(&o.workgroupSize, "workgroup-size", "", "threads per workgroup as x,y,z")
	f.StringVar(&o.dispatchCount, "dispatch-count", "", "workgroups launched as x,y,z")
	f.BoolVar(&o.uniformInput, "uniform-input", false, "bind the input as a uniform buffer")
	f.DurationVar(&o.timeout, "timeout", 0, "give up waiting for the GPU after this long (0 waits forever)")
	cmd.MarkFlagsMutuallyExclusive("input", "input-f32")
	return cmd
}

// resolve merges the configuration file with the flags that were set.
func (o *runOptions) resolve(cmd *cobra.Command) (*Config, error) {
	cfg := &Config{}
	if o.config != "" {
		loaded, err := loadConfig(o.config)
		if err != nil {
			return nil, err
		}
		cfg = loaded
		if cfg.Kernel != "" && !filepath.IsAbs(cfg.Kernel) {
			cfg.Kernel = filepath.Join(filepath.Dir(o.config), cfg.Kernel)
		}
	}

	flags := cmd.Flags()
	set := func(name string, dst *string, v string) {
		if flags.Changed(name) {
			*dst = v
		}
	}
	set("kernel", &cfg.Kernel, o.kernel)
	set("entry-point", &cfg.EntryPoint, o.entryPoint)
	set("in-type", &cfg.InType, o.inType)
	set("out-type", &cfg.OutType, o.outType)
	if flags.Changed("uniform-input") {
		cfg.UniformInput = o.uniformInput
	}
	if flags.Changed("timeout") {
		cfg.Timeout = o.timeout.String()
	}
	for _, t := range []struct {
		flag string
		dst  *[]uint32
		v    string
	}{
		{"workgroup-size", &cfg.WorkgroupSize, o.workgroupSize},
		{"dispatch-count", &cfg.DispatchCount, o.dispatchCount},
	} {
		if !flags.Changed(t.flag) {
			continue
		}
		v, err := parseTriple(t.v)
		if err != nil {
			return nil, fmt.Errorf("--%s: %w", t.flag, err)
		}
		*t.dst = v
	}
	if cfg.Kernel == "" {
		return nil, fmt.Errorf("%w: no kernel given (--kernel or config)", errConfig)
	}
	return cfg, nil
}

func execute(cmd *cobra.Command, run runner, cfg *Config, o runOptions) error {
	src, err := os.ReadFile(cfg.Kernel)
	if err != nil {
		return err
	}
	kernel := string(src)
	mod, err := wgsl.Reflect(kernel)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", gridrun.ErrShaderCompileError, cfg.Kernel, err)
	}

	grid, err := cfg.Grid()
	if err != nil {
		return err
	}
	in, err := resolveLayout(mod, cfg.InType)
	if err != nil {
		return fmt.Errorf("in-type: %w", err)
	}
	out, err := resolveLayout(mod, cfg.OutType)
	if err != nil {
		return fmt.Errorf("out-type: %w", err)
	}
	input, err := readInput(o, in)
	if err != nil {
		return err
	}
	timeout, err := cfg.TimeoutDuration()
	if err != nil {
		return err
	}

	opts := []gridrun.Option{gridrun.WithEntryPoint(cfg.EntryPoint)}
	if cfg.UniformInput {
		opts = append(opts, gridrun.WithUniformInput())
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	result, err := run(ctx, gridrun.Request{Kernel: kernel, Input: input, In: in, Out: out, Grid: grid}, opts...)
	if err != nil {
		return err
	}
	elapsed := time.Since(start)

	if o.output != "" {
		if err := os.WriteFile(o.output, result, 0o644); err != nil {
			return err
		}
	}
	total, _ := grid.Total()
	return summarize(cmd.OutOrStdout(), grid, total, out, result, elapsed)
}

// readInput returns the encoded input: the --input file, the --input-f32
// values, or MinSize zero bytes.
func readInput(o runOptions, in gridrun.ElementLayout) ([]byte, error) {
	switch {
	case o.input != "":
		return os.ReadFile(o.input)
	case o.inputF32 != "":
		return encodeF32(o.inputF32)
	default:
		return make([]byte, in.MinSize), nil
	}
}

func encodeF32(list string) ([]byte, error) {
	fields := strings.Split(list, ",")
	out := make([]byte, 0, 4*len(fields))
	for _, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 32)
		if err != nil {
			return nil, fmt.Errorf("--input-f32: %w", err)
		}
		out = binary.LittleEndian.AppendUint32(out, math.Float32bits(float32(v)))
	}
	return out, nil
}

func summarize(w io.Writer, grid gridrun.GridConfig, total uint64, out gridrun.ElementLayout, result []byte, elapsed time.Duration) error {
	p := message.NewPrinter(language.English)
	if _, err := p.Fprintf(w, "grid %s: %d invocations, %d bytes in %v\n",
		grid.String(), total, len(result), elapsed.Round(time.Millisecond)); err != nil {
		return err
	}
	if len(result) < int(out.MinSize) || out.MinSize == 0 {
		return nil
	}
	last := result[len(result)-int(out.MinSize):]
	_, err := fmt.Fprintf(w, "last element: % x\n", last)
	return err
}
