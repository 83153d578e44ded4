package agentid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTypeIDRoundTrip(t *testing.T) {
	id, err := NewTypeID("newrelic", "infra-agent", "0.1.0")
	require.NoError(t, err)
	assert.Equal(t, "newrelic/infra-agent:0.1.0", id.String())

	parsed, err := ParseTypeID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
}

func TestTypeIDRejectsBadSemver(t *testing.T) {
	_, err := NewTypeID("newrelic", "infra-agent", "not-a-version")
	require.Error(t, err)
}

func TestTypeIDRejectsBadNamespace(t *testing.T) {
	_, err := NewTypeID("-bad", "infra-agent", "0.1.0")
	require.Error(t, err)
}

func TestParseTypeIDRejectsMalformed(t *testing.T) {
	for _, s := range []string{"no-colon-or-slash", "ns/name-no-version", "ns:version/no-name"} {
		_, err := ParseTypeID(s)
		require.Errorf(t, err, "expected %q to fail parsing", s)
	}
}
