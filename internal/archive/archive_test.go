package archive

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pledgeline/internal/domain"
)

func TestSave(t *testing.T) {
	a := Archive{FS: afero.NewMemMapFs(), Dir: "/archive"}
	owner := domain.ParticipantOwner("camp", "user")

	path, err := a.Save(owner, "camp_user_donation_agreement_signature", "env/1", []byte("%PDF"))
	require.NoError(t, err)
	assert.Equal(t, "/archive/participant/camp_user/camp_user_donation_agreement_signature-env_1.pdf", path)

	data, err := afero.ReadFile(a.FS, path)
	require.NoError(t, err)
	assert.Equal(t, "%PDF", string(data))

	ok, err := a.Exists(owner, "camp_user_donation_agreement_signature", "env/1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSaveRejectsEmpty(t *testing.T) {
	a := Archive{FS: afero.NewMemMapFs(), Dir: "/archive"}
	_, err := a.Save(domain.DonationOwner("d"), "t", "e", nil)
	require.Error(t, err)
}
