package domain

import "strings"

// Selections is the user's current generation target.
type Selections struct {
	Capability     Capability `json:"capability" toml:"capability"`
	Provider       string     `json:"provider" toml:"provider"`
	Model          string     `json:"model" toml:"model"`
	ProviderFilter string     `json:"provider_filter,omitempty" toml:"provider_filter"`
	ImageMode      ImageMode  `json:"image_mode,omitempty" toml:"image_mode"`
}

// DefaultSelections returns selections for a fresh install.
func DefaultSelections() Selections {
	return Selections{
		Capability: CapabilityText,
		ImageMode:  ImageModeGenerate,
	}
}

// Ready reports whether a provider and model are chosen.
func (s Selections) Ready() bool {
	return strings.TrimSpace(s.Provider) != "" && strings.TrimSpace(s.Model) != ""
}

// Editing reports whether submissions should go to the image-edit flow.
func (s Selections) Editing() bool {
	return s.Capability == CapabilityImage && s.ImageMode == ImageModeEdit
}

// BackendCapability returns the catalog identifier for the current selection.
func (s Selections) BackendCapability() string {
	return BackendCapability(s.Capability, s.ImageMode)
}
