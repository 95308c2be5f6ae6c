// Package wgsl reflects the interface of a WGSL compute kernel and bakes
// grid constants into its source.
//
// Reflection runs the naga front end, parsing and lowering the source to
// naga IR, and reads entry points, resource bindings, overrides and type
// layouts from the lowered module. The shader compiler remains the
// authority on whether the kernel is valid; reflection only needs the
// source to lower.
package wgsl

import (
	"errors"
	"fmt"

	"github.com/gogpu/naga"
	"github.com/gogpu/naga/ir"
)

// ErrInvalidSource is returned when the source does not parse or lower.
var ErrInvalidSource = errors.New("wgsl: invalid source")

// Stage is a shader stage.
type Stage string

// Shader stages.
const (
	StageCompute  Stage = "compute"
	StageVertex   Stage = "vertex"
	StageFragment Stage = "fragment"
	StageTask     Stage = "task"
	StageMesh     Stage = "mesh"
)

// AddressSpace is the address space of a bound resource variable.
type AddressSpace string

// Address spaces of bound resources.
const (
	SpaceStorage AddressSpace = "storage"
	SpaceUniform AddressSpace = "uniform"
	// SpaceHandle covers textures and samplers.
	SpaceHandle AddressSpace = "handle"
)

// Access is the access mode of a buffer binding.
type Access string

// Access modes. Uniform bindings report AccessRead; handles report "".
const (
	AccessRead      Access = "read"
	AccessReadWrite Access = "read_write"
)

// Binding is a module-scope variable bound through @group/@binding.
type Binding struct {
	Group   uint32
	Binding uint32
	Name    string
	Space   AddressSpace
	Access  Access
}

// EntryPoint is a shader entry point.
type EntryPoint struct {
	Name  string
	Stage Stage

	// Bindings are the resource variables the entry point uses, directly
	// or through the functions it calls, in declaration order.
	Bindings []Binding
}

// Override is a pipeline-overridable constant.
type Override struct {
	Name string
	// Type is the WGSL scalar type, inferred from the initializer when the
	// declaration has no explicit type. Empty for non-scalar types.
	Type       string
	HasDefault bool
	ID         int // -1 without an @id attribute
}

// Module is the reflected interface of a WGSL source.
type Module struct {
	EntryPoints []EntryPoint
	Bindings    []Binding
	Overrides   []Override

	src string
	ir  *ir.Module
}

// Reflect lowers src and extracts its interface.
func Reflect(src string) (*Module, error) {
	mod, err := lower(src)
	if err != nil {
		return nil, err
	}
	m := &Module{src: src, ir: mod}

	for _, g := range mod.GlobalVariables {
		if g.Binding != nil {
			m.Bindings = append(m.Bindings, bindingOf(g))
		}
	}

	for _, o := range mod.Overrides {
		ov := Override{
			Name:       o.Name,
			Type:       scalarName(mod, o.Ty),
			HasDefault: o.Init != nil,
			ID:         -1,
		}
		if o.ID != nil {
			ov.ID = int(*o.ID)
		}
		m.Overrides = append(m.Overrides, ov)
	}

	for i := range mod.EntryPoints {
		ep := &mod.EntryPoints[i]
		used := make(map[ir.GlobalVariableHandle]bool)
		collectGlobals(mod, &ep.Function, make(map[ir.FunctionHandle]bool), used)

		e := EntryPoint{Name: ep.Name, Stage: stageOf(ep.Stage)}
		for h, g := range mod.GlobalVariables {
			if g.Binding != nil && used[ir.GlobalVariableHandle(h)] {
				e.Bindings = append(e.Bindings, bindingOf(g))
			}
		}
		m.EntryPoints = append(m.EntryPoints, e)
	}
	return m, nil
}

// EntryPoint returns the entry point with the given name and stage.
func (m *Module) EntryPoint(name string, stage Stage) (EntryPoint, bool) {
	for _, ep := range m.EntryPoints {
		if ep.Name == name && ep.Stage == stage {
			return ep, true
		}
	}
	return EntryPoint{}, false
}

// Override returns the override with the given name.
func (m *Module) Override(name string) (Override, bool) {
	for _, o := range m.Overrides {
		if o.Name == name {
			return o, true
		}
	}
	return Override{}, false
}

func lower(src string) (*ir.Module, error) {
	ast, err := naga.Parse(src)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSource, err)
	}
	mod, err := naga.LowerWithSource(ast, src)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSource, err)
	}
	return mod, nil
}

func bindingOf(g ir.GlobalVariable) Binding {
	b := Binding{Group: g.Binding.Group, Binding: g.Binding.Binding, Name: g.Name}
	switch g.Space {
	case ir.SpaceStorage:
		b.Space, b.Access = SpaceStorage, AccessReadWrite
		if g.Access == ir.StorageRead {
			b.Access = AccessRead
		}
	case ir.SpaceUniform:
		b.Space, b.Access = SpaceUniform, AccessRead
	case ir.SpaceHandle:
		b.Space = SpaceHandle
	default:
		b.Space = AddressSpace(fmt.Sprintf("space(%d)", g.Space))
	}
	return b
}

func stageOf(s ir.ShaderStage) Stage {
	switch s {
	case ir.StageCompute:
		return StageCompute
	case ir.StageVertex:
		return StageVertex
	case ir.StageFragment:
		return StageFragment
	case ir.StageTask:
		return StageTask
	case ir.StageMesh:
		return StageMesh
	default:
		return Stage(fmt.Sprintf("stage(%d)", s))
	}
}

// scalarName returns the WGSL name of a scalar type. Abstract numeric
// types take the type they concretize to.
func scalarName(mod *ir.Module, h ir.TypeHandle) string {
	if int(h) >= len(mod.Types) {
		return ""
	}
	s, ok := mod.Types[h].Inner.(ir.ScalarType)
	if !ok {
		return ""
	}
	switch s.Kind {
	case ir.ScalarSint, ir.ScalarAbstractInt:
		return "i32"
	case ir.ScalarUint:
		return "u32"
	case ir.ScalarFloat:
		if s.Width == 2 {
			return "f16"
		}
		return "f32"
	case ir.ScalarAbstractFloat:
		return "f32"
	case ir.ScalarBool:
		return "bool"
	}
	return ""
}

// collectGlobals marks the global variables fn references, following
// calls into other functions.
func collectGlobals(mod *ir.Module, fn *ir.Function, seen map[ir.FunctionHandle]bool, used map[ir.GlobalVariableHandle]bool) {
	for _, e := range fn.Expressions {
		if g, ok := e.Kind.(ir.ExprGlobalVariable); ok {
			used[g.Variable] = true
		}
	}
	visitCalls(fn.Body, func(h ir.FunctionHandle) {
		if seen[h] || int(h) >= len(mod.Functions) {
			return
		}
		seen[h] = true
		collectGlobals(mod, &mod.Functions[h], seen, used)
	})
}

func visitCalls(b ir.Block, visit func(ir.FunctionHandle)) {
	for _, s := range b {
		switch k := s.Kind.(type) {
		case ir.StmtCall:
			visit(k.Function)
		case ir.StmtBlock:
			visitCalls(k.Block, visit)
		case ir.StmtIf:
			visitCalls(k.Accept, visit)
			visitCalls(k.Reject, visit)
		case ir.StmtSwitch:
			for _, c := range k.Cases {
				visitCalls(c.Body, visit)
			}
		case ir.StmtLoop:
			visitCalls(k.Body, visit)
			visitCalls(k.Continuing, visit)
		}
	}
}
