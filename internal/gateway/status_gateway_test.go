package gateway

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cap-net/be-me-approvals/internal/errors"
	"github.com/cap-net/be-me-approvals/internal/repository"
)

func TestPendingLevelStatus(t *testing.T) {
	assert.Equal(t, "pending level 1", PendingLevelStatus(1))
	assert.Equal(t, "pending level 4", PendingLevelStatus(4))
}

func TestTableForCoversEveryKind(t *testing.T) {
	kinds := []repository.EntityKind{
		repository.KindWorkplan,
		repository.KindActivityProposal,
		repository.KindProgressReport,
		repository.KindAnnualReport,
		repository.KindImpactStory,
		repository.KindSurveyForm,
	}
	for _, kind := range kinds {
		table, err := tableFor(kind)
		assert.NoError(t, err)
		assert.NotEmpty(t, table)
	}
}

func TestUnknownKindRejectedBeforeAnyQuery(t *testing.T) {
	// The kind check happens before the pool is touched, so a nil-db gateway
	// is safe here.
	g := NewStatusGateway(nil)
	ctx := context.Background()

	_, err := g.ReadStatus(ctx, "grant_application", "X1")
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidInput))

	err = g.WriteStatus(ctx, "grant_application", "X1", StatusSubmitted)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidInput))

	err = g.StampApproved(ctx, "grant_application", "X1")
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidInput))
}
