package uuid

import (
	"testing"

	gid "github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	id := New()
	require.True(t, Valid(id))

	parsed, err := gid.Parse(id)
	require.NoError(t, err)
	assert.Equal(t, gid.Version(7), parsed.Version())

	assert.NotEqual(t, id, New())
}

func TestNewRandom(t *testing.T) {
	parsed, err := gid.Parse(NewRandom())
	require.NoError(t, err)
	assert.Equal(t, gid.Version(4), parsed.Version())
}

func TestValid(t *testing.T) {
	assert.False(t, Valid("not-a-uuid"))
	assert.False(t, Valid(""))
}
