package agentid

import (
	"fmt"
	"regexp"
)

const maxTypeComponentLen = 64

var typeComponentPattern = regexp.MustCompile(`^[a-z][a-z0-9._-]{0,62}[a-z0-9]$|^[a-z]$`)

// semverPattern accepts the dotted-triple form with an optional
// pre-release/build suffix, e.g. "0.1.0" or "1.2.3-rc.1".
var semverPattern = regexp.MustCompile(`^\d+\.\d+\.\d+(-[0-9A-Za-z.-]+)?(\+[0-9A-Za-z.-]+)?$`)

// TypeID identifies an immutable Agent Type definition in the registry:
// (namespace, name, semver).
type TypeID struct {
	Namespace string
	Name      string
	Version   string // e.g. "0.1.0", stored without a leading "v"
}

// NewTypeID validates namespace and name against the format rules and
// version as a semver string, returning the constructed TypeID.
func NewTypeID(namespace, name, version string) (TypeID, error) {
	if err := validateTypeComponent("namespace", namespace); err != nil {
		return TypeID{}, err
	}
	if err := validateTypeComponent("name", name); err != nil {
		return TypeID{}, err
	}
	if !semverPattern.MatchString(version) {
		return TypeID{}, fmt.Errorf("agent type id: invalid semver %q", version)
	}
	return TypeID{Namespace: namespace, Name: name, Version: version}, nil
}

func validateTypeComponent(field, v string) error {
	if len(v) > maxTypeComponentLen {
		return fmt.Errorf("agent type id: %s %q exceeds %d characters", field, v, maxTypeComponentLen)
	}
	if !typeComponentPattern.MatchString(v) {
		return fmt.Errorf("agent type id: %s %q must be lowercase alphanumeric plus '-_.', start alphabetic, end alphanumeric", field, v)
	}
	return nil
}

// ParseTypeID parses the "<namespace>/<name>:<semver>" wire form used in
// desired-configuration files.
func ParseTypeID(s string) (TypeID, error) {
	nsSep := indexByte(s, '/')
	verSep := lastIndexByte(s, ':')
	if nsSep < 0 || verSep < 0 || verSep < nsSep {
		return TypeID{}, fmt.Errorf("agent type id %q: expected form namespace/name:version", s)
	}
	return NewTypeID(s[:nsSep], s[nsSep+1:verSep], s[verSep+1:])
}

// String renders the canonical "<namespace>/<name>:<semver>" wire form.
func (id TypeID) String() string {
	return fmt.Sprintf("%s/%s:%s", id.Namespace, id.Name, id.Version)
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

func lastIndexByte(s string, b byte) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == b {
			return i
		}
	}
	return -1
}
