package wgsl

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"
)

var (
	// ErrUnboundOverride is returned when an override has neither a
	// supplied value nor a default.
	ErrUnboundOverride = errors.New("wgsl: override has no value and no default")

	// ErrOverrideType is returned when a supplied value cannot be
	// represented in the override's type.
	ErrOverrideType = errors.New("wgsl: override value does not fit its type")
)

// overrideDecl locates an override declaration in comment-stripped
// source. Submatches: name, initializer.
var overrideDecl = regexp.MustCompile(`(?:@id\s*\(\s*\d+\s*\)\s*)?\boverride\s+([A-Za-z_]\w*)\s*(?::\s*[A-Za-z_]\w*)?\s*(?:=\s*([^;]+?))?\s*;`)

// Specialize bakes pipeline-overridable constants into src. See
// [Module.Specialize].
func Specialize(src string, values map[string]uint32) (string, error) {
	m, err := Reflect(src)
	if err != nil {
		return "", err
	}
	return m.Specialize(values)
}

// Specialize rewrites every override declaration of the module into a
// const declaration of the override's type. Names present in values take
// the supplied value; the rest keep their default initializer. Values for
// names the module does not declare are ignored. The result declares no
// overrides, so it compiles without pipeline constants.
func (m *Module) Specialize(values map[string]uint32) (string, error) {
	if len(m.Overrides) == 0 {
		return m.src, nil
	}
	code := StripComments(m.src)

	var sb strings.Builder
	sb.Grow(len(m.src))
	last := 0
	done := make(map[string]bool, len(m.Overrides))
	for _, loc := range overrideDecl.FindAllStringSubmatchIndex(code, -1) {
		name := code[loc[2]:loc[3]]
		o, ok := m.Override(name)
		if !ok || done[name] {
			continue
		}
		if o.Type == "" {
			return "", fmt.Errorf("%w: override %s is not a scalar", ErrOverrideType, name)
		}

		var init string
		if v, ok := values[name]; ok {
			lit, err := literal(o.Type, v)
			if err != nil {
				return "", fmt.Errorf("override %s: %w", name, err)
			}
			init = lit
		} else if loc[4] >= 0 {
			init = strings.TrimSpace(code[loc[4]:loc[5]])
		} else {
			return "", fmt.Errorf("%w: %s", ErrUnboundOverride, name)
		}

		sb.WriteString(m.src[last:loc[0]])
		fmt.Fprintf(&sb, "const %s: %s = %s;", name, o.Type, init)
		last = loc[1]
		done[name] = true
	}
	for _, o := range m.Overrides {
		if !done[o.Name] {
			return "", fmt.Errorf("%w: declaration of override %s not found", ErrInvalidSource, o.Name)
		}
	}
	sb.WriteString(m.src[last:])
	return sb.String(), nil
}

// literal formats v as a WGSL literal of the named scalar type.
func literal(typ string, v uint32) (string, error) {
	switch typ {
	case "u32":
		return fmt.Sprintf("%du", v), nil
	case "i32":
		if v > math.MaxInt32 {
			return "", fmt.Errorf("%w: %d overflows i32", ErrOverrideType, v)
		}
		return fmt.Sprintf("%di", v), nil
	case "f32":
		return fmt.Sprintf("%d.0f", v), nil
	case "f16":
		if v > 65504 {
			return "", fmt.Errorf("%w: %d overflows f16", ErrOverrideType, v)
		}
		return fmt.Sprintf("%d.0h", v), nil
	case "bool":
		if v > 1 {
			return "", fmt.Errorf("%w: %d is not a bool", ErrOverrideType, v)
		}
		return fmt.Sprintf("%t", v == 1), nil
	default:
		return "", fmt.Errorf("%w: unsupported type %q", ErrOverrideType, typ)
	}
}

// StripComments blanks out line and block comments. Every byte inside a
// comment other than a newline becomes a space, so offsets into the
// result are valid offsets into src. Block comments nest.
func StripComments(src string) string {
	b := []byte(src)
	depth := 0
	line := false
	for i := 0; i < len(b); i++ {
		switch {
		case line:
			if b[i] == '\n' {
				line = false
				continue
			}
			b[i] = ' '
		case depth > 0:
			if b[i] == '*' && i+1 < len(b) && b[i+1] == '/' {
				depth--
				b[i], b[i+1] = ' ', ' '
				i++
				continue
			}
			if b[i] == '/' && i+1 < len(b) && b[i+1] == '*' {
				depth++
				b[i], b[i+1] = ' ', ' '
				i++
				continue
			}
			if b[i] != '\n' {
				b[i] = ' '
			}
		case b[i] == '/' && i+1 < len(b) && b[i+1] == '/':
			line = true
			b[i] = ' '
		case b[i] == '/' && i+1 < len(b) && b[i+1] == '*':
			depth++
			b[i], b[i+1] = ' ', ' '
			i++
		}
	}
	return string(b)
}
