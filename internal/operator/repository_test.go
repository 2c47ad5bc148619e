package operator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// A nil pool proves malformed ids are rejected before any query is sent.
func TestRepositoryRejectsMalformedIDs(t *testing.T) {
	repo := NewRepository(nil, nil)
	ctx := context.Background()

	_, err := repo.As(superUserID).RevokeOperator(ctx, "not-a-uuid")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = repo.FindByUserID(ctx, "fan")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = repo.RevokeByUserID(ctx, superUserID, "fan")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = repo.GrantByUserID(ctx, superUserID, "fan", RoleAdmin)
	assert.ErrorIs(t, err, ErrUnknownUser)
}
