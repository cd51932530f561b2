package domain

import "slices"

// Model represents a generation model offered by a provider.
type Model struct {
	ID           string   `json:"id"`
	Provider     string   `json:"provider"`
	DisplayName  string   `json:"display_name,omitempty"`
	Capabilities []string `json:"capabilities"`
}

// Supports reports whether the model advertises the given backend capability
// identifier (see BackendCapability).
func (m Model) Supports(backendCapability string) bool {
	return slices.Contains(m.Capabilities, backendCapability)
}

// Name returns the display name, falling back to the ID.
func (m Model) Name() string {
	if m.DisplayName != "" {
		return m.DisplayName
	}
	return m.ID
}

// ModelFilter narrows a model catalog listing. Empty fields match everything.
type ModelFilter struct {
	Capability string
	Provider   string
}

func (f ModelFilter) Match(m Model) bool {
	if f.Provider != "" && m.Provider != f.Provider {
		return false
	}
	if f.Capability != "" && !m.Supports(f.Capability) {
		return false
	}
	return true
}
