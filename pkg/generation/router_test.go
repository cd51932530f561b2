package generation_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nstogner/celeste/pkg/domain"
	"github.com/nstogner/celeste/pkg/generation"
	"github.com/nstogner/celeste/pkg/generation/generationtest"
)

func TestRouterDispatchesByProvider(t *testing.T) {
	g := &generationtest.Fake{ProviderName: "gemini", Chunks: []string{"from gemini"}}
	o := &generationtest.Fake{ProviderName: "openai", Chunks: []string{"from openai"}}

	r := generation.NewRouter()
	r.Register(g)
	r.Register(o)
	assert.Equal(t, []string{"gemini", "openai"}, r.Providers())

	for chunk, err := range r.StreamText(context.Background(), generation.Request{Provider: "openai"}) {
		require.NoError(t, err)
		assert.Equal(t, "from openai", chunk)
	}
	assert.Len(t, o.Calls(), 1)
	assert.Empty(t, g.Calls())
}

func TestRouterUnknownProvider(t *testing.T) {
	r := generation.NewRouter()
	_, err := r.GenerateImages(context.Background(), generation.Request{Provider: "nope"})
	assert.True(t, errors.Is(err, generation.ErrUnknownProvider))

	for _, err := range r.StreamText(context.Background(), generation.Request{Provider: "nope"}) {
		assert.True(t, errors.Is(err, generation.ErrUnknownProvider))
	}
}

func TestRouterFallback(t *testing.T) {
	backend := &generationtest.Fake{
		ProviderName: "backend",
		Audio: func(ctx context.Context, req generation.Request) (*generation.Audio, error) {
			return &generation.Audio{Data: "AA", Format: "wav"}, nil
		},
	}
	r := generation.NewRouter()
	r.SetFallback(backend)

	a, err := r.GenerateAudio(context.Background(), generation.Request{Provider: "elevenlabs"})
	require.NoError(t, err)
	assert.Equal(t, "wav", a.Format)
	require.Len(t, backend.Calls(), 1)
	assert.Equal(t, "elevenlabs", backend.Calls()[0].Request.Provider)
}

func TestRouterListModelsMergesCatalogs(t *testing.T) {
	g := &generationtest.Fake{ProviderName: "gemini", Catalog: []domain.Model{
		{ID: "gemini-2.0-flash", Provider: "gemini", Capabilities: []string{domain.BackendTextGeneration}},
		{ID: "imagen-3", Provider: "gemini", Capabilities: []string{domain.BackendImageGeneration}},
	}}
	backend := &generationtest.Fake{ProviderName: "backend", Catalog: []domain.Model{
		{ID: "m1", Provider: "acme", Capabilities: []string{domain.BackendTextGeneration}},
	}}
	r := generation.NewRouter()
	r.Register(g)
	r.SetFallback(backend)

	models, err := r.ListModels(context.Background(), domain.ModelFilter{Capability: domain.BackendTextGeneration})
	require.NoError(t, err)
	require.Len(t, models, 2)
	assert.Equal(t, "gemini-2.0-flash", models[0].ID)
	assert.Equal(t, "m1", models[1].ID)
}

// staticCatalog is a value type holding a slice, so it is not comparable.
type staticCatalog struct {
	*generationtest.Fake
	models []domain.Model
}

func (s staticCatalog) ListModels(ctx context.Context, filter domain.ModelFilter) ([]domain.Model, error) {
	return s.models, nil
}

func TestRouterListModelsWithValueProviders(t *testing.T) {
	r := generation.NewRouter()
	r.Register(staticCatalog{
		Fake:   &generationtest.Fake{ProviderName: "local"},
		models: []domain.Model{{ID: "tiny", Provider: "local"}},
	})
	r.SetFallback(staticCatalog{
		Fake:   &generationtest.Fake{ProviderName: "backend"},
		models: []domain.Model{{ID: "m1", Provider: "acme"}},
	})

	var models []domain.Model
	require.NotPanics(t, func() {
		var err error
		models, err = r.ListModels(context.Background(), domain.ModelFilter{})
		require.NoError(t, err)
	})
	require.Len(t, models, 2)
	assert.Equal(t, "tiny", models[0].ID)
	assert.Equal(t, "m1", models[1].ID)
}
