package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOwner(t *testing.T) {
	o, err := ParseOwner("participant", "camp-1_user-9")
	require.NoError(t, err)
	assert.Equal(t, OwnerParticipant, o.Kind)
	assert.Equal(t, "camp-1_user-9", o.ID)

	_, err = ParseOwner("campaign", "x")
	require.Error(t, err)
	_, err = ParseOwner("donation", " ")
	require.Error(t, err)
}

func TestOwnersWithSameIDAreDistinct(t *testing.T) {
	a := DonationOwner("abc_def")
	b := Owner{Kind: OwnerParticipant, ID: "abc_def"}
	assert.NotEqual(t, a, b)
	assert.Equal(t, ParticipantOwner("abc", "def"), b)
}

func TestMetadataValidateRejectsForeignPayload(t *testing.T) {
	m := NewMetadata(TaskSignature)
	require.NoError(t, m.Validate())
	m.Decision = &DecisionMetadata{}
	require.Error(t, m.Validate())
}

func TestParseMetadataNormalizesMissingPayload(t *testing.T) {
	m, err := ParseMetadata(TaskSignature, `{"kind":"signature"}`)
	require.NoError(t, err)
	require.NotNil(t, m.Signature)
	assert.Nil(t, m.Decision)

	m.Signature.EnvelopeID = "env-1"
	raw, err := m.Encode()
	require.NoError(t, err)
	back, err := ParseMetadata(TaskSignature, raw)
	require.NoError(t, err)
	assert.Equal(t, "env-1", back.Signature.EnvelopeID)
}

func TestNewMetadataDecisionOptions(t *testing.T) {
	m := NewMetadata(TaskCommitmentDecision)
	require.NotNil(t, m.Decision)
	assert.ElementsMatch(t, []Decision{DecisionCommitNow, DecisionCommitAfterValuation}, m.Decision.Options)
}
