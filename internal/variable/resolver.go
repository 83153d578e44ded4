package variable

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/newrelic/agent-control-go/internal/agenttype"
)

// Error kinds named in §4.3.
type MissingRequiredError struct{ Path string }

func (e *MissingRequiredError) Error() string {
	return fmt.Sprintf("missing required variable %q", e.Path)
}

type TypeMismatchError struct {
	Path     string
	Expected agenttype.VariableKind
	Got      interface{}
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("variable %q: expected type %s, got %T", e.Path, e.Expected, e.Got)
}

type ConstraintViolationError struct {
	Path string
	Rule string
}

func (e *ConstraintViolationError) Error() string {
	return fmt.Sprintf("variable %q violates constraint %q", e.Path, e.Rule)
}

// Constraints restricts the permitted values for variables of one Agent
// Type, as configured in the desired configuration's
// agent_type_var_constraints block (§6).
type Constraints map[string]Rule

// Rule is one permitted-value restriction for a single variable path.
// AllowedValues, when non-empty, is the closed set of values the resolved
// scalar must belong to.
type Rule struct {
	AllowedValues []string
}

func (r Rule) check(path, value string) error {
	if len(r.AllowedValues) == 0 {
		return nil
	}
	for _, allowed := range r.AllowedValues {
		if allowed == value {
			return nil
		}
	}
	return &ConstraintViolationError{Path: path, Rule: fmt.Sprintf("must be one of %v", r.AllowedValues)}
}

// Resolve merges the Agent Type's variable schema with the supplied raw
// values and, per §4.3, returns a tree with every leaf bound or defaulted.
func Resolve(schema *agenttype.VariableNode, values RawValues, constraints Constraints) (Bound, error) {
	bound := Bound{}
	if err := resolveNode(schema, "", map[string]interface{}(values), constraints, bound); err != nil {
		return nil, err
	}
	return bound, nil
}

func resolveNode(n *agenttype.VariableNode, path string, raw map[string]interface{}, constraints Constraints, out Bound) error {
	if n == nil {
		return nil
	}
	if n.IsLeaf() {
		return resolveLeaf(n.Leaf, path, raw, constraints, out)
	}
	for name, child := range n.Children {
		childPath := name
		if path != "" {
			childPath = path + "." + name
		}
		segments := strings.Split(name, ".")
		if child.IsLeaf() {
			// A leaf reads its value from the map that holds its own key.
			parentRaw := raw
			if len(segments) > 1 {
				parentRaw, _ = childRawMap(raw, segments[:len(segments)-1])
			}
			if err := resolveLeaf(child.Leaf, childPath, parentRaw, constraints, out); err != nil {
				return err
			}
			continue
		}
		childRaw, _ := childRawMap(raw, segments)
		if err := resolveNode(child, childPath, childRaw, constraints, out); err != nil {
			return err
		}
	}
	return nil
}

// childRawMap descends raw by the (possibly compound) key used for a child
// node, returning the nested map at that point if present.
func childRawMap(raw map[string]interface{}, segments []string) (map[string]interface{}, bool) {
	v, ok := lookup(raw, segments)
	if !ok {
		return map[string]interface{}{}, false
	}
	m, ok := v.(map[string]interface{})
	if !ok {
		return map[string]interface{}{}, false
	}
	return m, true
}

func resolveLeaf(def *agenttype.VariableDefinition, path string, raw map[string]interface{}, constraints Constraints, out Bound) error {
	rawValue, present := raw[lastSegment(path)]

	if !present {
		if def.Default != nil {
			return bindScalarlike(def, path, *def.Default, constraints, out)
		}
		if def.Required {
			return &MissingRequiredError{Path: path}
		}
		out[path] = Value{Kind: def.Type}
		return nil
	}

	switch def.Type {
	case agenttype.KindString, agenttype.KindYAML:
		s, ok := rawValue.(string)
		if !ok {
			return &TypeMismatchError{Path: path, Expected: def.Type, Got: rawValue}
		}
		return bindScalarlike(def, path, s, constraints, out)
	case agenttype.KindBool:
		b, ok := rawValue.(bool)
		if !ok {
			return &TypeMismatchError{Path: path, Expected: def.Type, Got: rawValue}
		}
		out[path] = Value{Kind: def.Type, Scalar: strconv.FormatBool(b)}
		return nil
	case agenttype.KindNumber:
		switch n := rawValue.(type) {
		case float64:
			out[path] = Value{Kind: def.Type, Scalar: strconv.FormatFloat(n, 'g', -1, 64)}
			return nil
		case int:
			out[path] = Value{Kind: def.Type, Scalar: strconv.Itoa(n)}
			return nil
		default:
			return &TypeMismatchError{Path: path, Expected: def.Type, Got: rawValue}
		}
	case agenttype.KindFile:
		s, ok := rawValue.(string)
		if !ok {
			return &TypeMismatchError{Path: path, Expected: def.Type, Got: rawValue}
		}
		out[path] = Value{Kind: def.Type, FileContent: []byte(s)}
		return nil
	case agenttype.KindMapString:
		sm, err := toStringMap(rawValue)
		if err != nil {
			return &TypeMismatchError{Path: path, Expected: def.Type, Got: rawValue}
		}
		out[path] = Value{Kind: def.Type, StringMap: sm}
		return nil
	case agenttype.KindMapFile:
		sm, err := toStringMap(rawValue)
		if err != nil {
			return &TypeMismatchError{Path: path, Expected: def.Type, Got: rawValue}
		}
		fm := make(map[string][]byte, len(sm))
		for k, v := range sm {
			fm[k] = []byte(v)
		}
		out[path] = Value{Kind: def.Type, FileMap: fm}
		return nil
	default:
		return &TypeMismatchError{Path: path, Expected: def.Type, Got: rawValue}
	}
}

func bindScalarlike(def *agenttype.VariableDefinition, path, s string, constraints Constraints, out Bound) error {
	if rule, ok := constraints[path]; ok {
		if err := rule.check(path, s); err != nil {
			return err
		}
	}
	out[path] = Value{Kind: def.Type, Scalar: s}
	return nil
}

func toStringMap(v interface{}) (map[string]string, error) {
	switch m := v.(type) {
	case map[string]string:
		return m, nil
	case map[string]interface{}:
		out := make(map[string]string, len(m))
		for k, vv := range m {
			s, ok := vv.(string)
			if !ok {
				return nil, fmt.Errorf("value at key %q is not a string", k)
			}
			out[k] = s
		}
		return out, nil
	default:
		return nil, fmt.Errorf("not a map")
	}
}

func lastSegment(path string) string {
	idx := strings.LastIndexByte(path, '.')
	if idx < 0 {
		return path
	}
	return path[idx+1:]
}
