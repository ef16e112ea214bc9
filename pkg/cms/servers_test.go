package cms

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bft-labs/rtcms/pkg/nml"
)

func TestServerRegistry_ClaimRelease(t *testing.T) {
	r := NewServerRegistry()

	c, err := r.Claim("status", "p1", nml.KindShmem)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, c.Token)

	_, err = r.Claim("status", "p2", nml.KindShmem)
	assert.ErrorIs(t, err, ErrAlreadyBound)

	other, err := r.Claim("status", "p3", nml.KindTCP)
	require.NoError(t, err, "kinds are claimed separately")

	claims := r.Claims()
	require.Len(t, claims, 2)
	assert.Equal(t, nml.KindShmem, claims[0].Kind)
	assert.Equal(t, nml.KindTCP, claims[1].Kind)

	assert.True(t, r.Release(c.Token))
	assert.False(t, r.Release(c.Token))
	_, err = r.Claim("status", "p2", nml.KindShmem)
	require.NoError(t, err)

	assert.True(t, r.Release(other.Token))
	assert.Len(t, r.Claims(), 1)
}
