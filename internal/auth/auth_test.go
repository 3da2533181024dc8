package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devghori1264/greenops/internal/config"
	gerrors "github.com/devghori1264/greenops/internal/errors"
)

func TestGenerateToken(t *testing.T) {
	raw, hash, err := GenerateToken()
	require.NoError(t, err)
	assert.NotEmpty(t, raw)
	assert.Len(t, hash, 64)
	assert.Equal(t, hash, HashToken(raw))

	raw2, hash2, err := GenerateToken()
	require.NoError(t, err)
	assert.NotEqual(t, raw, raw2)
	assert.NotEqual(t, hash, hash2)
}

func TestOperatorsAuthenticate(t *testing.T) {
	ops := NewOperators([]config.OperatorConfig{
		{ID: "alice", Token: "alice-token", Role: "admin"},
		{ID: "bob", Token: "bob-token", Role: "operator"},
		{ID: "carol", Token: "carol-token", Role: "viewer"},
	})

	alice, err := ops.Authenticate("alice-token")
	require.NoError(t, err)
	assert.Equal(t, "alice", alice.ID)
	assert.True(t, alice.CanIssueCommands())
	assert.True(t, alice.CanAdminister())

	bob, err := ops.Authenticate("bob-token")
	require.NoError(t, err)
	assert.True(t, bob.CanIssueCommands())
	assert.False(t, bob.CanAdminister())

	carol, err := ops.Authenticate("carol-token")
	require.NoError(t, err)
	assert.False(t, carol.CanIssueCommands())

	_, err = ops.Authenticate("mallory")
	assert.True(t, gerrors.Is(err, gerrors.CodeUnauthorized))
	_, err = ops.Authenticate("")
	assert.True(t, gerrors.Is(err, gerrors.CodeUnauthorized))
}
