package factory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewKnowsEveryKind(t *testing.T) {
	assert.Equal(t, []string{"arm", "unsupported", "x86-hvm", "x86-pv"}, Kinds())
	for _, kind := range Kinds() {
		p, err := New(kind)
		require.NoError(t, err)
		assert.Equal(t, kind, p.Name())
	}
}

func TestNewReturnsFreshPlatforms(t *testing.T) {
	a, err := New("x86-pv")
	require.NoError(t, err)
	b, err := New("x86-pv")
	require.NoError(t, err)
	assert.NotSame(t, a, b)
}

func TestNewDefaultsToHost(t *testing.T) {
	p, err := New("")
	require.NoError(t, err)
	assert.Equal(t, ForHost().Name(), p.Name())
}

func TestNewRejectsUnknownKind(t *testing.T) {
	_, err := New("sparc")
	assert.ErrorContains(t, err, "unknown platform")
}
