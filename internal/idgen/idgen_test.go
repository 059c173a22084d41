package idgen

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	a, b := New(), New()

	_, err := uuid.Parse(a)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestNew_Override(t *testing.T) {
	orig := NewFunc
	t.Cleanup(func() { NewFunc = orig })

	NewFunc = func() string { return "fixed" }
	assert.Equal(t, "fixed", New())
}
