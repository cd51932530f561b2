package httpapi

import (
	"context"

	"github.com/nstogner/celeste/pkg/domain"
)

// Health returns the backend's health document.
func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	if err := c.get(ctx, "/v1/health", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Capabilities returns the backend capability identifiers
// (text_generation, image_generation, ...).
func (c *Client) Capabilities(ctx context.Context) ([]string, error) {
	var out []string
	if err := c.get(ctx, "/v1/capabilities", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Providers returns the provider names the backend can route to.
func (c *Client) Providers(ctx context.Context) ([]string, error) {
	var out []string
	if err := c.get(ctx, "/v1/providers", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListModels returns the backend's model catalog filtered server-side.
func (c *Client) ListModels(ctx context.Context, filter domain.ModelFilter) ([]domain.Model, error) {
	var out []domain.Model
	path := query("/v1/models", map[string]string{
		"capability": filter.Capability,
		"provider":   filter.Provider,
	})
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return out, nil
}
