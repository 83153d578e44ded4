package template

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// pipeFunc transforms value given its (already whitespace-split) arguments.
type pipeFunc func(value string, args []string) (string, error)

var pipeFuncs = map[string]pipeFunc{
	"indent":     indentFunc,
	"b64enc":     b64encFunc,
	"b64dec":     b64decFunc,
	"yamlencode": yamlencodeFunc,
}

// indentFunc prefixes every newline in value with N spaces, per §4.2.
func indentFunc(value string, args []string) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("indent: expected exactly one argument (N), got %d", len(args))
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 0 {
		return "", fmt.Errorf("indent: invalid indent amount %q", args[0])
	}
	pad := strings.Repeat(" ", n)
	lines := strings.Split(value, "\n")
	for i, line := range lines {
		lines[i] = pad + line
	}
	return strings.Join(lines, "\n"), nil
}

func b64encFunc(value string, args []string) (string, error) {
	if len(args) != 0 {
		return "", fmt.Errorf("b64enc: takes no arguments")
	}
	return base64.StdEncoding.EncodeToString([]byte(value)), nil
}

func b64decFunc(value string, args []string) (string, error) {
	if len(args) != 0 {
		return "", fmt.Errorf("b64dec: takes no arguments")
	}
	decoded, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return "", fmt.Errorf("b64dec: %w", err)
	}
	return string(decoded), nil
}

// yamlencodeFunc re-serializes value (expected to parse as YAML/JSON) into
// canonical YAML, useful for embedding a structured var:-namespace value
// verbatim inside a larger rendered document.
func yamlencodeFunc(value string, args []string) (string, error) {
	if len(args) != 0 {
		return "", fmt.Errorf("yamlencode: takes no arguments")
	}
	var parsed interface{}
	if err := yaml.Unmarshal([]byte(value), &parsed); err != nil {
		return "", fmt.Errorf("yamlencode: %w", err)
	}
	out, err := yaml.Marshal(parsed)
	if err != nil {
		return "", fmt.Errorf("yamlencode: %w", err)
	}
	return strings.TrimSuffix(string(out), "\n"), nil
}
