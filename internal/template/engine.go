// Package template implements the Template Engine (C2): placeholder
// substitution across the ac:/sub:/var:/secret namespaces with a
// left-to-right pipe function chain.
package template

import (
	"fmt"
	"regexp"
	"strings"
)

// placeholderPattern matches "${<namespace>:<dotted.path>[|fn arg ...]*}".
// The namespace may itself contain a hyphen (k8s-secret) or be a
// user-registered secret provider name.
var placeholderPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// UnknownVariableError is returned when a var:/ac:/sub: path is not declared
// in the resolved context.
type UnknownVariableError struct {
	Namespace string
	Path      string
}

func (e *UnknownVariableError) Error() string {
	return fmt.Sprintf("unknown variable %s:%s", e.Namespace, e.Path)
}

// ParsingNameError is returned when a pipe function name is not registered.
type ParsingNameError struct {
	Name string
}

func (e *ParsingNameError) Error() string {
	return fmt.Sprintf("unknown pipe function %q", e.Name)
}

// SecretResolver fetches one secret value identified by (namespace, path),
// e.g. namespace "vault", path "secret/data/newrelic#license_key". A failed
// lookup fails the whole render, per §4.2 rule 3.
type SecretResolver func(namespace, path string) (string, error)

// Context carries everything a render needs to resolve every namespace.
type Context struct {
	AC     map[string]string
	Sub    map[string]string
	Var    map[string]string
	Secret SecretResolver
}

var builtinNamespaces = map[string]func(*Context, string) (string, bool, error){
	"ac":  func(c *Context, path string) (string, bool, error) { v, ok := c.AC[path]; return v, ok, nil },
	"sub": func(c *Context, path string) (string, bool, error) { v, ok := c.Sub[path]; return v, ok, nil },
	"var": func(c *Context, path string) (string, bool, error) { v, ok := c.Var[path]; return v, ok, nil },
}

// Render performs the substitution described in §4.2. It is a total
// function: on any error, no partial output is returned.
func Render(ctx *Context, tmpl string) (string, error) {
	var outerErr error
	result := placeholderPattern.ReplaceAllStringFunc(tmpl, func(match string) string {
		if outerErr != nil {
			return ""
		}
		inner := match[2 : len(match)-1] // strip "${" and "}"
		value, err := resolvePlaceholder(ctx, inner)
		if err != nil {
			outerErr = err
			return ""
		}
		return value
	})
	if outerErr != nil {
		return "", outerErr
	}
	return result, nil
}

func resolvePlaceholder(ctx *Context, inner string) (string, error) {
	parts := strings.Split(inner, "|")
	head := strings.TrimSpace(parts[0])

	nsSep := strings.IndexByte(head, ':')
	if nsSep < 0 {
		return "", fmt.Errorf("malformed placeholder %q: expected <namespace>:<path>", head)
	}
	namespace := head[:nsSep]
	path := head[nsSep+1:]

	value, err := resolveNamespace(ctx, namespace, path)
	if err != nil {
		return "", err
	}

	for _, rawFn := range parts[1:] {
		value, err = applyPipe(value, strings.TrimSpace(rawFn))
		if err != nil {
			return "", err
		}
	}
	return value, nil
}

func resolveNamespace(ctx *Context, namespace, path string) (string, error) {
	if fn, ok := builtinNamespaces[namespace]; ok {
		v, found, err := fn(ctx, path)
		if err != nil {
			return "", err
		}
		if !found {
			return "", &UnknownVariableError{Namespace: namespace, Path: path}
		}
		return v, nil
	}
	// Everything else (vault, k8s-secret, or a user-defined secret
	// namespace) is resolved through the registered secret provider.
	if ctx.Secret == nil {
		return "", fmt.Errorf("secret namespace %q: no secret resolver configured", namespace)
	}
	return ctx.Secret(namespace, path)
}

func applyPipe(value, fnCall string) (string, error) {
	fields := strings.Fields(fnCall)
	if len(fields) == 0 {
		return value, nil
	}
	name := fields[0]
	args := fields[1:]
	fn, ok := pipeFuncs[name]
	if !ok {
		return "", &ParsingNameError{Name: name}
	}
	return fn(value, args)
}
