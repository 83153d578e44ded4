// Package agentid defines the identifiers the supervisor uses to address
// itself and the sub-agents it owns.
package agentid

import (
	"fmt"
	"regexp"
)

// AgentControlName is the reserved identifier string for the supervisor's
// own identity. User-supplied sub-agent names may never collide with it.
const AgentControlName = "agent-control"

var reservedNames = map[string]struct{}{
	AgentControlName: {},
}

// labelPattern mirrors RFC-1035 label rules: lowercase alphanumeric and '-',
// starting alphabetic and ending alphanumeric.
var labelPattern = regexp.MustCompile(`^[a-z][a-z0-9-]{0,30}[a-z0-9]$|^[a-z]$`)

const maxSubAgentNameLen = 32

// ID is either the singleton AgentControl or a named SubAgent. The zero
// value is not a valid ID; always construct through AgentControl() or
// NewSubAgent.
type ID struct {
	name      string
	isControl bool
}

// AgentControl returns the supervisor's own identity.
func AgentControl() ID {
	return ID{name: AgentControlName, isControl: true}
}

// NewSubAgent validates name against the RFC-1035 label rules and the
// reserved-name set and returns the corresponding ID.
func NewSubAgent(name string) (ID, error) {
	if len(name) == 0 {
		return ID{}, fmt.Errorf("agent id: empty name")
	}
	if len(name) > maxSubAgentNameLen {
		return ID{}, fmt.Errorf("agent id %q: exceeds %d characters", name, maxSubAgentNameLen)
	}
	if !labelPattern.MatchString(name) {
		return ID{}, fmt.Errorf("agent id %q: must be lowercase alphanumeric and '-', start alphabetic, end alphanumeric", name)
	}
	if _, reserved := reservedNames[name]; reserved {
		return ID{}, fmt.Errorf("agent id %q: reserved", name)
	}
	return ID{name: name}, nil
}

// Parse reconstructs an ID from its string form, as produced by String.
func Parse(s string) (ID, error) {
	if s == AgentControlName {
		return AgentControl(), nil
	}
	return NewSubAgent(s)
}

// IsAgentControl reports whether id identifies the supervisor itself.
func (id ID) IsAgentControl() bool {
	return id.isControl
}

// String renders the canonical external representation of id.
func (id ID) String() string {
	return id.name
}

// Valid reports whether id was constructed through AgentControl or
// NewSubAgent (i.e. is not the zero value).
func (id ID) Valid() bool {
	return id.name != ""
}
