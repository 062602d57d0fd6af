package version

import (
	"testing"

	"github.com/Masterminds/semver/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionIsSemver(t *testing.T) {
	v, err := semver.NewVersion(Get().Version)
	require.NoError(t, err)

	c, err := semver.NewConstraint(">= 0.1.0-0")
	require.NoError(t, err)
	assert.True(t, c.Check(v))
}

func TestShort(t *testing.T) {
	assert.Equal(t, "abcdef1", Info{CommitHash: "abcdef1234"}.Short())
	assert.Equal(t, "dev", Info{CommitHash: "dev"}.Short())
	assert.Contains(t, Get().String(), "protocol 1")
}
