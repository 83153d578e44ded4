// Package variable implements the Variable Resolver (C3): merging a
// variable schema (from an Agent Type) with flat values (from local and
// remote configuration) into a fully bound tree.
package variable

import "github.com/newrelic/agent-control-go/internal/agenttype"

// Value is a resolved leaf: the bound or defaulted scalar/collection value
// for one variable path, alongside its declared kind so downstream
// consumers (template engine, materializer) know how to treat it.
type Value struct {
	Kind        agenttype.VariableKind
	Scalar      string
	StringMap   map[string]string
	FileContent []byte            // set when Kind == KindFile
	FileMap     map[string][]byte // set when Kind == KindMapFile
}

// Bound is the resolved output tree: one Value per declared variable path,
// keyed by dotted path (e.g. "log.level").
type Bound map[string]Value

// RawValues is the possibly-nested mapping of input values merged from
// local and remote configuration, as decoded from YAML
// (map[string]interface{} throughout).
type RawValues map[string]interface{}

// Merge deep-merges remote over local: a key present in both is recursively
// merged if both sides are maps, otherwise remote wins outright. This
// implements the "remote overrides local" semantics of §4.3/§4.4.
func Merge(local, remote RawValues) RawValues {
	out := make(RawValues, len(local))
	for k, v := range local {
		out[k] = v
	}
	for k, rv := range remote {
		lv, exists := out[k]
		if !exists {
			out[k] = rv
			continue
		}
		lm, lok := lv.(map[string]interface{})
		rm, rok := rv.(map[string]interface{})
		if lok && rok {
			out[k] = map[string]interface{}(Merge(lm, rm))
			continue
		}
		out[k] = rv
	}
	return out
}

// lookup navigates raw along the dotted-path segments, returning the value
// found and whether the full path resolved to something (as opposed to
// running out of nested maps before consuming every segment).
func lookup(raw map[string]interface{}, segments []string) (interface{}, bool) {
	if len(segments) == 0 {
		return raw, true
	}
	v, ok := raw[segments[0]]
	if !ok {
		return nil, false
	}
	if len(segments) == 1 {
		return v, true
	}
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, false
	}
	return lookup(m, segments[1:])
}
