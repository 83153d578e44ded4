package agentid

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAgentControl(t *testing.T) {
	ac := AgentControl()
	assert.True(t, ac.IsAgentControl())
	assert.Equal(t, AgentControlName, ac.String())
}

func TestNewSubAgentValid(t *testing.T) {
	id, err := NewSubAgent("svc-a")
	require.NoError(t, err)
	assert.False(t, id.IsAgentControl())
	assert.Equal(t, "svc-a", id.String())
}

func TestNewSubAgentRejectsReservedName(t *testing.T) {
	_, err := NewSubAgent(AgentControlName)
	require.Error(t, err)
}

func TestNewSubAgentLengthBoundary(t *testing.T) {
	ok := "a" + strings.Repeat("b", 30) + "c" // 32 chars
	_, err := NewSubAgent(ok)
	require.NoError(t, err)

	tooLong := ok + "d" // 33 chars
	_, err = NewSubAgent(tooLong)
	require.Error(t, err)
}

func TestNewSubAgentFormat(t *testing.T) {
	cases := map[string]bool{
		"svc":       true,
		"svc-1":     true,
		"1svc":      false, // must start alphabetic
		"svc-":      false, // must end alphanumeric
		"Svc":       false, // must be lowercase
		"svc_name":  false, // underscore not allowed
		"s":         true,
	}
	for name, want := range cases {
		_, err := NewSubAgent(name)
		if want {
			assert.NoErrorf(t, err, "expected %q to be valid", name)
		} else {
			assert.Errorf(t, err, "expected %q to be invalid", name)
		}
	}
}

func TestParseRoundTrip(t *testing.T) {
	for _, s := range []string{AgentControlName, "svc-a", "web"} {
		id, err := Parse(s)
		require.NoError(t, err)
		assert.Equal(t, s, id.String())
	}
}
