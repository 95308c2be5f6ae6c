package wgsl

import (
	"errors"
	"fmt"

	"github.com/gogpu/naga/ir"
)

// ErrUnknownType is returned for type names that have no host-shareable
// layout.
var ErrUnknownType = errors.New("wgsl: unknown or non host-shareable type")

// TypeLayout holds size and alignment information for a WGSL type in the
// storage and uniform address spaces.
type TypeLayout struct {
	Size  uint64
	Align uint64

	// Runtime is true for runtime-sized arrays and structs ending in one.
	// Size then covers exactly one array element, which is the minimum
	// binding size of such a type.
	Runtime bool
}

// elementStruct wraps a type expression so the front end resolves it.
const elementStruct = "GridrunElement"

const maxTypeDepth = 32

// Layout returns the layout of a type that does not reference structs.
func Layout(typ string) (TypeLayout, error) {
	return (&Module{}).Layout(typ)
}

// Layout returns the layout of typ, resolving types declared in the module.
// Sizes and member offsets come from the lowered module, so @size and
// @align attributes are honored. The reported alignment of a struct is
// that of its most aligned member.
func (m *Module) Layout(typ string) (TypeLayout, error) {
	mod, h, err := m.resolve(typ)
	if err != nil {
		return TypeLayout{}, err
	}
	l, err := layoutOf(mod, h, 0)
	if err != nil {
		return TypeLayout{}, fmt.Errorf("%s: %w", typ, err)
	}
	if l.Size == 0 {
		return TypeLayout{}, fmt.Errorf("%w: %s has zero size", ErrUnknownType, typ)
	}
	return l, nil
}

// resolve finds typ in the module, lowering a wrapper struct around it
// when it is not a declared name.
func (m *Module) resolve(typ string) (*ir.Module, ir.TypeHandle, error) {
	if m.ir != nil {
		for h, t := range m.ir.Types {
			if t.Name == typ {
				return m.ir, ir.TypeHandle(h), nil
			}
		}
	}

	src := m.src + "\nstruct " + elementStruct + " { value: " + typ + ", }\n"
	mod, err := lower(src)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %s: %w", ErrUnknownType, typ, err)
	}
	for _, t := range mod.Types {
		if s, ok := t.Inner.(ir.StructType); ok && t.Name == elementStruct && len(s.Members) == 1 {
			return mod, s.Members[0].Type, nil
		}
	}
	return nil, 0, fmt.Errorf("%w: %s", ErrUnknownType, typ)
}

func layoutOf(mod *ir.Module, h ir.TypeHandle, depth int) (TypeLayout, error) {
	if depth > maxTypeDepth {
		return TypeLayout{}, fmt.Errorf("%w: type nests too deeply", ErrUnknownType)
	}
	if int(h) >= len(mod.Types) {
		return TypeLayout{}, fmt.Errorf("%w: type handle %d", ErrUnknownType, h)
	}
	size := uint64(ir.TypeSize(mod, h))

	switch t := mod.Types[h].Inner.(type) {
	case ir.ScalarType:
		if !shareable(t) {
			return TypeLayout{}, fmt.Errorf("%w: scalar kind %d width %d", ErrUnknownType, t.Kind, t.Width)
		}
		return TypeLayout{Size: size, Align: uint64(t.Width)}, nil

	case ir.AtomicType:
		if t.Scalar.Kind != ir.ScalarSint && t.Scalar.Kind != ir.ScalarUint {
			return TypeLayout{}, fmt.Errorf("%w: atomic of kind %d", ErrUnknownType, t.Scalar.Kind)
		}
		return TypeLayout{Size: size, Align: uint64(t.Scalar.Width)}, nil

	case ir.VectorType:
		if !shareable(t.Scalar) {
			return TypeLayout{}, fmt.Errorf("%w: vector of kind %d", ErrUnknownType, t.Scalar.Kind)
		}
		return TypeLayout{Size: size, Align: vectorAlign(t.Size) * uint64(t.Scalar.Width)}, nil

	case ir.MatrixType:
		if t.Scalar.Kind != ir.ScalarFloat || !shareable(t.Scalar) {
			return TypeLayout{}, fmt.Errorf("%w: matrix of kind %d", ErrUnknownType, t.Scalar.Kind)
		}
		return TypeLayout{Size: size, Align: vectorAlign(t.Rows) * uint64(t.Scalar.Width)}, nil

	case ir.ArrayType:
		elem, err := layoutOf(mod, t.Base, depth+1)
		if err != nil {
			return TypeLayout{}, err
		}
		if elem.Runtime {
			return TypeLayout{}, fmt.Errorf("%w: array of runtime-sized elements", ErrUnknownType)
		}
		if t.Size.Constant != nil && *t.Size.Constant == 0 {
			return TypeLayout{}, fmt.Errorf("%w: array of zero elements", ErrUnknownType)
		}
		return TypeLayout{Size: size, Align: elem.Align, Runtime: t.Size.Constant == nil}, nil

	case ir.StructType:
		if len(t.Members) == 0 {
			return TypeLayout{}, fmt.Errorf("%w: struct %s has no members", ErrUnknownType, mod.Types[h].Name)
		}
		var l TypeLayout
		for i, mem := range t.Members {
			ml, err := layoutOf(mod, mem.Type, depth+1)
			if err != nil {
				return TypeLayout{}, fmt.Errorf("member %s: %w", mem.Name, err)
			}
			if ml.Runtime && i != len(t.Members)-1 {
				return TypeLayout{}, fmt.Errorf("%w: struct %s has a runtime-sized member before the last",
					ErrUnknownType, mod.Types[h].Name)
			}
			l.Align = max(l.Align, ml.Align)
			l.Runtime = ml.Runtime
		}
		l.Size = uint64(t.Span)
		return l, nil
	}
	return TypeLayout{}, fmt.Errorf("%w: %T", ErrUnknownType, mod.Types[h].Inner)
}

// shareable reports whether a scalar may appear in a storage or uniform
// buffer: 32-bit integers, f32 and f16.
func shareable(s ir.ScalarType) bool {
	switch s.Kind {
	case ir.ScalarSint, ir.ScalarUint:
		return s.Width == 4
	case ir.ScalarFloat:
		return s.Width == 4 || s.Width == 2
	}
	return false
}

// vectorAlign is the alignment of a vector in components: vec3 aligns
// like vec4.
func vectorAlign(n ir.VectorSize) uint64 {
	if n == ir.Vec2 {
		return 2
	}
	return 4
}
