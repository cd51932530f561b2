// Package generation defines the contract between the chat core and the
// services that produce text, images, video, and audio.
package generation

import (
	"context"
	"errors"
	"iter"

	"github.com/nstogner/celeste/pkg/domain"
)

var (
	// ErrUnsupported is returned by providers that cannot serve a capability.
	ErrUnsupported = errors.New("capability not supported by provider")
	// ErrUnknownProvider is returned when no provider is registered under a name.
	ErrUnknownProvider = errors.New("unknown provider")
)

// Request is a single generation call.
type Request struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	// Prompt is the user prompt, or the text to speak for audio.
	Prompt string `json:"prompt"`
	// Image is the uploaded image for edits and image-to-video, as raw base64.
	Image string `json:"image,omitempty"`
}

// Image is a generated image. Data is raw base64 or a data URL.
type Image struct {
	Data     string
	Ref      string
	MimeType string
	Metadata map[string]any
}

type Video struct {
	URL      string
	Ref      string
	Metadata map[string]any
}

// Audio is generated speech. Data is raw base64 or a data URL.
type Audio struct {
	Data     string
	Format   string
	Metadata map[string]any
}

// Provider produces content for one or more capabilities. Methods for
// capabilities a provider lacks return ErrUnsupported.
type Provider interface {
	// Name returns the provider identifier (e.g. "gemini", "openai").
	Name() string

	// StreamText streams content deltas in order. Cancelling ctx ends the
	// sequence without yielding an error.
	StreamText(ctx context.Context, req Request) iter.Seq2[string, error]

	GenerateImages(ctx context.Context, req Request) ([]Image, error)
	EditImage(ctx context.Context, req Request) (*Image, error)
	GenerateVideo(ctx context.Context, req Request) ([]Video, error)
	GenerateAudio(ctx context.Context, req Request) (*Audio, error)
}

// Catalog lists the models a provider offers.
type Catalog interface {
	ListModels(ctx context.Context, filter domain.ModelFilter) ([]domain.Model, error)
}
