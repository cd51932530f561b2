package selections

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nstogner/celeste/pkg/domain"
)

func TestDefaultsWhenMissing(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "selections.toml"))
	require.NoError(t, err)
	assert.Equal(t, domain.DefaultSelections(), s.Get())
}

func TestPersistsAcrossOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "selections.toml")
	s, err := Open(path)
	require.NoError(t, err)

	require.NoError(t, s.SetCapability(domain.CapabilityImage))
	require.NoError(t, s.SetImageMode(domain.ImageModeEdit))
	require.NoError(t, s.SetProviderFilter("openai"))
	require.NoError(t, s.SelectModel(domain.Model{ID: "dall-e-2", Provider: "openai"}))

	reopened, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, domain.Selections{
		Capability:     domain.CapabilityImage,
		Provider:       "openai",
		Model:          "dall-e-2",
		ProviderFilter: "openai",
		ImageMode:      domain.ImageModeEdit,
	}, reopened.Get())
	assert.Equal(t, domain.ModelFilter{Capability: domain.BackendImageEdit, Provider: "openai"}, reopened.Filter())
}

func TestCapabilityChangeClearsModel(t *testing.T) {
	s, err := Open("")
	require.NoError(t, err)
	require.NoError(t, s.SelectModel(domain.Model{ID: "gemini-pro", Provider: "gemini"}))

	require.NoError(t, s.SetCapability(domain.CapabilityText))
	assert.Equal(t, "gemini-pro", s.Get().Model)

	require.NoError(t, s.SetCapability(domain.CapabilityAudio))
	assert.Empty(t, s.Get().Model)
	assert.Equal(t, "gemini", s.Get().Provider)
}

func TestRejectsUnknownValues(t *testing.T) {
	s, err := Open("")
	require.NoError(t, err)
	assert.Error(t, s.SetCapability("smell"))
	assert.Error(t, s.SetImageMode("paint"))
	assert.Equal(t, domain.DefaultSelections(), s.Get())
}

func TestCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "selections.toml")
	require.NoError(t, os.WriteFile(path, []byte("capability = \"smell\"\n"), 0o644))
	_, err := Open(path)
	assert.Error(t, err)
}
