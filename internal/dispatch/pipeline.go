package dispatch

import (
	"fmt"
	"strings"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/gridrun/internal/gpucore"
	"github.com/gogpu/gridrun/internal/wgsl"
)

// DefaultEntryPoint is the compute entry point a kernel must declare.
const DefaultEntryPoint = "main"

// Role names the harness buffer a binding slot views.
type Role int

// Buffer roles.
const (
	RoleInput Role = iota
	RoleOutput
)

func (r Role) String() string {
	switch r {
	case RoleInput:
		return "input"
	case RoleOutput:
		return "output"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// Slot is one binding of group 0.
type Slot struct {
	Binding uint32
	Type    gputypes.BufferBindingType
	MinSize uint64
	Role    Role
}

// BindSpec is the ordered list of group 0 bindings.
type BindSpec []Slot

// DefaultBindSpec returns the two-slot layout of the harness: the input as
// read-only storage (or uniform) at binding 0 and the output as read-write
// storage at binding 1, each with its element's minimum binding size.
func DefaultBindSpec(in, out gpucore.ElementLayout, uniformInput bool) BindSpec {
	inType := gputypes.BufferBindingTypeReadOnlyStorage
	if uniformInput {
		inType = gputypes.BufferBindingTypeUniform
	}
	return BindSpec{
		{Binding: 0, Type: inType, MinSize: in.MinSize, Role: RoleInput},
		{Binding: 1, Type: gputypes.BufferBindingTypeStorage, MinSize: out.MinSize, Role: RoleOutput},
	}
}

// PipelineSpec describes the pipeline of one invocation.
type PipelineSpec struct {
	Kernel     string
	Bindings   BindSpec
	Grid       gpucore.GridConfig
	EntryPoint string // DefaultEntryPoint when empty
	Label      string
}

// Pipeline owns the compiled kernel, its layouts and, once bound, the bind
// group of one invocation.
type Pipeline struct {
	dev      gpucore.Device
	bindings BindSpec

	// Source is the kernel with the grid baked in.
	Source     string
	EntryPoint string

	Module          gpucore.ShaderModuleID
	BindGroupLayout gpucore.BindGroupLayoutID
	Layout          gpucore.PipelineLayoutID
	Pipeline        gpucore.ComputePipelineID
	BindGroup       gpucore.BindGroupID
}

// Build validates the kernel against the binding layout, bakes the grid
// into it and creates the compute pipeline.
//
// A kernel that does not lower, a missing compute entry point, an unbound
// override or a device compile failure is ErrShaderCompileError. Any
// disagreement between the bindings the entry point uses and spec.Bindings
// is ErrBindGroupMismatch, reported before the kernel is compiled.
func Build(dev gpucore.Device, spec PipelineSpec) (*Pipeline, error) {
	entry := spec.EntryPoint
	if entry == "" {
		entry = DefaultEntryPoint
	}
	m, err := wgsl.Reflect(spec.Kernel)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", gpucore.ErrShaderCompileError, err)
	}
	ep, ok := m.EntryPoint(entry, wgsl.StageCompute)
	if !ok {
		return nil, fmt.Errorf("%w: no @compute entry point %q (found %s)",
			gpucore.ErrShaderCompileError, entry, entryPointNames(m))
	}
	if err := CheckBindings(ep, spec.Bindings); err != nil {
		return nil, err
	}
	source, err := m.Specialize(spec.Grid.Overrides())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", gpucore.ErrShaderCompileError, err)
	}

	p := &Pipeline{dev: dev, bindings: spec.Bindings, Source: source, EntryPoint: entry}
	if err := p.create(spec.Label); err != nil {
		p.Release()
		return nil, err
	}
	slogger().Debug("dispatch: pipeline ready",
		"entry_point", entry, "grid", spec.Grid.String(), "bindings", len(spec.Bindings))
	return p, nil
}

func (p *Pipeline) create(label string) error {
	var err error
	p.Module, err = p.dev.CreateShaderModule(&gpucore.ShaderModuleDesc{Label: label, WGSL: p.Source})
	if err != nil {
		return fmt.Errorf("%w: %w", gpucore.ErrShaderCompileError, err)
	}

	entries := make([]gpucore.BindGroupLayoutEntry, len(p.bindings))
	for i, s := range p.bindings {
		entries[i] = gpucore.BindGroupLayoutEntry{Binding: s.Binding, Type: s.Type, MinBindingSize: s.MinSize}
	}
	p.BindGroupLayout, err = p.dev.CreateBindGroupLayout(&gpucore.BindGroupLayoutDesc{Label: label, Entries: entries})
	if err != nil {
		return fmt.Errorf("%w: bind group layout: %w", gpucore.ErrBindGroupMismatch, err)
	}
	p.Layout, err = p.dev.CreatePipelineLayout(label, []gpucore.BindGroupLayoutID{p.BindGroupLayout})
	if err != nil {
		return fmt.Errorf("%w: pipeline layout: %w", gpucore.ErrBindGroupMismatch, err)
	}
	p.Pipeline, err = p.dev.CreateComputePipeline(&gpucore.ComputePipelineDesc{
		Label:      label,
		Layout:     p.Layout,
		Module:     p.Module,
		EntryPoint: p.EntryPoint,
	})
	if err != nil {
		return fmt.Errorf("%w: compute pipeline: %w", gpucore.ErrShaderCompileError, err)
	}
	return nil
}

// Bind creates the bind group that attaches the buffers to the layout.
// Every slot views the whole buffer of its role.
func (p *Pipeline) Bind(b *Buffers, label string) error {
	entries := make([]gpucore.BindGroupEntry, len(p.bindings))
	for i, s := range p.bindings {
		var id gpucore.BufferID
		switch s.Role {
		case RoleInput:
			id = b.Input
		case RoleOutput:
			id = b.Output
		}
		if id == gpucore.InvalidID {
			return fmt.Errorf("%w: binding %d: %s buffer not allocated", gpucore.ErrBindGroupMismatch, s.Binding, s.Role)
		}
		entries[i] = gpucore.BindGroupEntry{Binding: s.Binding, Buffer: id}
	}
	group, err := p.dev.CreateBindGroup(&gpucore.BindGroupDesc{
		Label:   label,
		Layout:  p.BindGroupLayout,
		Entries: entries,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", gpucore.ErrBindGroupMismatch, err)
	}
	p.BindGroup = group
	return nil
}

// Release destroys whatever was created, in reverse order. Release is
// idempotent.
func (p *Pipeline) Release() {
	if p.BindGroup != gpucore.InvalidID {
		p.dev.DestroyBindGroup(p.BindGroup)
		p.BindGroup = gpucore.InvalidID
	}
	if p.Pipeline != gpucore.InvalidID {
		p.dev.DestroyComputePipeline(p.Pipeline)
		p.Pipeline = gpucore.InvalidID
	}
	if p.Layout != gpucore.InvalidID {
		p.dev.DestroyPipelineLayout(p.Layout)
		p.Layout = gpucore.InvalidID
	}
	if p.BindGroupLayout != gpucore.InvalidID {
		p.dev.DestroyBindGroupLayout(p.BindGroupLayout)
		p.BindGroupLayout = gpucore.InvalidID
	}
	if p.Module != gpucore.InvalidID {
		p.dev.DestroyShaderModule(p.Module)
		p.Module = gpucore.InvalidID
	}
}

// CheckBindings compares the bindings entry point ep uses with spec.
//
// The group 0 bindings the entry point uses must be exactly the slots of
// spec, and each access must be allowed by its slot: read_write needs a
// storage slot, uniform variables need a uniform slot, and read-only
// storage variables accept either storage slot type. Used bindings
// outside group 0 are never satisfied.
func CheckBindings(ep wgsl.EntryPoint, spec BindSpec) error {
	slots := make(map[uint32]Slot, len(spec))
	for _, s := range spec {
		if _, dup := slots[s.Binding]; dup {
			return fmt.Errorf("%w: binding %d declared twice", gpucore.ErrBindGroupMismatch, s.Binding)
		}
		slots[s.Binding] = s
	}

	used := make(map[uint32]bool)
	for _, b := range ep.Bindings {
		if b.Group != 0 {
			return fmt.Errorf("%w: %s uses @group(%d), only group 0 is bound",
				gpucore.ErrBindGroupMismatch, b.Name, b.Group)
		}
		slot, ok := slots[b.Binding]
		if !ok {
			return fmt.Errorf("%w: kernel binding %d (%s) has no slot in the layout",
				gpucore.ErrBindGroupMismatch, b.Binding, b.Name)
		}
		if err := checkAccess(b, slot); err != nil {
			return err
		}
		used[b.Binding] = true
	}

	var missing []string
	for _, s := range spec {
		if !used[s.Binding] {
			missing = append(missing, fmt.Sprint(s.Binding))
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: layout slots [%s] are not used by the kernel",
			gpucore.ErrBindGroupMismatch, strings.Join(missing, " "))
	}
	return nil
}

func checkAccess(b wgsl.Binding, slot Slot) error {
	ok := false
	switch b.Space {
	case wgsl.SpaceUniform:
		ok = slot.Type == gputypes.BufferBindingTypeUniform
	case wgsl.SpaceStorage:
		switch b.Access {
		case wgsl.AccessRead:
			ok = slot.Type == gputypes.BufferBindingTypeReadOnlyStorage ||
				slot.Type == gputypes.BufferBindingTypeStorage
		case wgsl.AccessReadWrite:
			ok = slot.Type == gputypes.BufferBindingTypeStorage
		}
	}
	if !ok {
		return fmt.Errorf("%w: kernel binding %d (%s) is %s/%s, layout slot is %v",
			gpucore.ErrBindGroupMismatch, b.Binding, b.Name, b.Space, b.Access, slot.Type)
	}
	return nil
}

func entryPointNames(m *wgsl.Module) string {
	if len(m.EntryPoints) == 0 {
		return "none"
	}
	names := make([]string, len(m.EntryPoints))
	for i, ep := range m.EntryPoints {
		names[i] = fmt.Sprintf("@%s %s", ep.Stage, ep.Name)
	}
	return strings.Join(names, ", ")
}
