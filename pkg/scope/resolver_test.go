package scope

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memmesh/memmesh/pkg/models"
)

func TestResolveMergesRequestOverDefaults(t *testing.T) {
	resolver, err := NewResolver(models.Scope{OrgID: "acme", UserID: "default-user"})
	require.NoError(t, err)

	resolved, err := resolver.Resolve(models.Scope{UserID: "u1", RunID: "r1"})
	require.NoError(t, err)

	assert.Equal(t, "acme", resolved.OrgID)
	assert.Equal(t, "u1", resolved.UserID)
	assert.Equal(t, "r1", resolved.RunID)
}

func TestResolveRequiresIdentity(t *testing.T) {
	resolver, err := NewResolver(models.Scope{OrgID: "acme"})
	require.NoError(t, err)

	_, err = resolver.Resolve(models.Scope{ProjectID: "p1"})
	require.Error(t, err)
	assert.Equal(t, models.ErrInvalidScope, models.KindOf(err))
}

func TestResolveRejectsInvalidCharacters(t *testing.T) {
	resolver, err := NewResolver(models.Scope{})
	require.NoError(t, err)

	for _, bad := range []string{"u 1", "u;1", "u\n1", "u1!"} {
		_, err := resolver.Resolve(models.Scope{UserID: bad})
		require.Error(t, err, "user_id %q should be rejected", bad)
		assert.Equal(t, models.ErrInvalidScope, models.KindOf(err))
	}
}

func TestResolveAllowsPermittedCharacters(t *testing.T) {
	resolver, err := NewResolver(models.Scope{})
	require.NoError(t, err)

	resolved, err := resolver.Resolve(models.Scope{UserID: "team/alpha:agent_7.v2-x"})
	require.NoError(t, err)
	assert.Equal(t, "team/alpha:agent_7.v2-x", resolved.UserID)
}

func TestCollectionKeyIsDeterministic(t *testing.T) {
	a := CollectionKey(models.Scope{UserID: "u1", OrgID: "acme"})
	b := CollectionKey(models.Scope{OrgID: "acme", UserID: "u1"})
	c := CollectionKey(models.Scope{UserID: "u2", OrgID: "acme"})

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Regexp(t, `^mem_[0-9a-f]{16}$`, a)
}
