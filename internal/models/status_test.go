package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGenerationStateMachine(t *testing.T) {
	cases := []struct {
		from, to GenerationStatus
		ok       bool
	}{
		{StatusPending, StatusProcessing, true},
		{StatusPending, StatusFailed, true},
		{StatusPending, StatusCompleted, false},
		{StatusProcessing, StatusCompleted, true},
		{StatusProcessing, StatusFailed, true},
		{StatusProcessing, StatusCancelled, true},
		{StatusProcessing, StatusPending, false},
		{StatusCompleted, StatusFailed, false},
		{StatusFailed, StatusCompleted, false},
		{StatusCancelled, StatusProcessing, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, tc.from.CanTransition(tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestTerminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusProcessing.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusCancelled.Terminal())
}

func TestSources(t *testing.T) {
	assert.Equal(t, []GenerationStatus{StatusProcessing}, Sources(StatusCompleted))
	assert.Equal(t, []GenerationStatus{StatusPending, StatusProcessing}, Sources(StatusFailed))
	assert.Empty(t, Sources(StatusPending))
}

func TestModelFamily(t *testing.T) {
	assert.Equal(t, FamilySeedance, ModelSeedanceLite.Family())
	assert.Equal(t, FamilyVeo3, ModelVeo3Fast.Family())
	assert.Equal(t, ModelFamily(""), ModelType("sora").Family())
}

func TestTransactionKindIsBonus(t *testing.T) {
	assert.True(t, TxBonus.IsBonus())
	assert.True(t, TxAdminGift.IsBonus())
	assert.False(t, TxPurchase.IsBonus())
	assert.False(t, TxRefund.IsBonus())
}
