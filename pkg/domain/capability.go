package domain

import "fmt"

// Capability is the modality of a generation request.
type Capability string

const (
	CapabilityText  Capability = "text"
	CapabilityImage Capability = "image"
	CapabilityVideo Capability = "video"
	CapabilityAudio Capability = "audio"
)

// Capabilities lists every supported capability in display order.
var Capabilities = []Capability{CapabilityText, CapabilityImage, CapabilityVideo, CapabilityAudio}

// ParseCapability converts a user- or store-supplied string into a Capability.
func ParseCapability(s string) (Capability, error) {
	c := Capability(s)
	if !c.Valid() {
		return "", fmt.Errorf("unknown capability: %q", s)
	}
	return c, nil
}

func (c Capability) Valid() bool {
	switch c {
	case CapabilityText, CapabilityImage, CapabilityVideo, CapabilityAudio:
		return true
	}
	return false
}

// UnmarshalText rejects unknown capabilities. An empty value is accepted and
// means "unset".
func (c *Capability) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*c = ""
		return nil
	}
	v, err := ParseCapability(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// ImageMode selects between generating a new image and editing an uploaded one.
type ImageMode string

const (
	ImageModeGenerate ImageMode = "generate"
	ImageModeEdit     ImageMode = "edit"
)

// Backend capability identifiers used by the generation API's model catalog.
const (
	BackendTextGeneration  = "text_generation"
	BackendImageGeneration = "image_generation"
	BackendImageEdit       = "image_edit"
	BackendVideoGeneration = "video_generation"
	BackendAudioGeneration = "audio_generation"
)

// BackendCapability maps a capability (and image mode) to the identifier the
// generation backend uses when filtering its model catalog.
func BackendCapability(c Capability, mode ImageMode) string {
	switch c {
	case CapabilityText:
		return BackendTextGeneration
	case CapabilityImage:
		if mode == ImageModeEdit {
			return BackendImageEdit
		}
		return BackendImageGeneration
	case CapabilityVideo:
		return BackendVideoGeneration
	case CapabilityAudio:
		return BackendAudioGeneration
	}
	return ""
}

// CapabilityFromBackend is the inverse of BackendCapability. The returned
// ImageMode is only meaningful for image capabilities.
func CapabilityFromBackend(s string) (Capability, ImageMode, bool) {
	switch s {
	case BackendTextGeneration:
		return CapabilityText, "", true
	case BackendImageGeneration:
		return CapabilityImage, ImageModeGenerate, true
	case BackendImageEdit:
		return CapabilityImage, ImageModeEdit, true
	case BackendVideoGeneration:
		return CapabilityVideo, "", true
	case BackendAudioGeneration:
		return CapabilityAudio, "", true
	}
	return "", "", false
}
