package domain

import (
	"maps"
	"strings"
)

// PartKind is the discriminant of a Part. A part's kind never changes after
// construction.
type PartKind string

const (
	PartText  PartKind = "text"
	PartImage PartKind = "image"
	PartVideo PartKind = "video"
	PartAudio PartKind = "audio"
)

// Part is a tagged union holding one unit of message content.
// Exactly one payload pointer is set, matching Kind.
type Part struct {
	Kind PartKind `json:"kind"`

	Text  *TextPart  `json:"text,omitempty"`
	Image *ImagePart `json:"image,omitempty"`
	Video *VideoPart `json:"video,omitempty"`
	Audio *AudioPart `json:"audio,omitempty"`
}

// TextPart accumulates text, typically streamed deltas.
type TextPart struct {
	Content string `json:"content"`
}

// ImageSource references an image either inline or remotely.
type ImageSource struct {
	InlineData string `json:"inline_data,omitempty"`
	RemoteRef  string `json:"remote_ref,omitempty"`
}

// ImagePart is a generated or uploaded image.
type ImagePart struct {
	// InlineData is a data URL (data:image/png;base64,...).
	InlineData string         `json:"inline_data,omitempty"`
	RemoteRef  string         `json:"remote_ref,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`

	// OriginalImage and EditPrompt are set on the result of an image edit so
	// UIs can show a before/after comparison.
	OriginalImage *ImageSource `json:"original_image,omitempty"`
	EditPrompt    string       `json:"edit_prompt,omitempty"`
}

type VideoPart struct {
	RemoteURL string         `json:"remote_url,omitempty"`
	RemoteRef string         `json:"remote_ref,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type AudioPart struct {
	// InlineData is a data URL (data:audio/wav;base64,...).
	InlineData string         `json:"inline_data,omitempty"`
	Format     string         `json:"format,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

func NewTextPart(content string) Part {
	return Part{Kind: PartText, Text: &TextPart{Content: content}}
}

func NewImagePart(img ImagePart) Part {
	img.Metadata = orEmpty(img.Metadata)
	return Part{Kind: PartImage, Image: &img}
}

func NewVideoPart(v VideoPart) Part {
	v.Metadata = orEmpty(v.Metadata)
	return Part{Kind: PartVideo, Video: &v}
}

func NewAudioPart(a AudioPart) Part {
	a.Metadata = orEmpty(a.Metadata)
	return Part{Kind: PartAudio, Audio: &a}
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return maps.Clone(m)
}

// IsEmptyText reports whether p is a text part with no content. A message
// whose only part is an empty text part is a pending draft.
func (p Part) IsEmptyText() bool {
	return p.Kind == PartText && (p.Text == nil || p.Text.Content == "")
}

// Degraded reports whether a media part carries neither inline data nor a
// remote reference. Such parts render as placeholders.
func (p Part) Degraded() bool {
	switch p.Kind {
	case PartImage:
		return p.Image == nil || (p.Image.InlineData == "" && p.Image.RemoteRef == "")
	case PartVideo:
		return p.Video == nil || (p.Video.RemoteURL == "" && p.Video.RemoteRef == "")
	case PartAudio:
		return p.Audio == nil || p.Audio.InlineData == ""
	}
	return false
}

// MIME types used for inline payloads.
const (
	MimeTypePNG  = "image/png"
	MimeTypeMP4  = "video/mp4"
	MimeTypeWAV  = "audio/wav"
	MimeTypeMP3  = "audio/mpeg"
	MimeTypeText = "text/plain"
)

// MimeTypeFor returns the default MIME type for a part kind. Unknown kinds fall
// back to PNG.
func MimeTypeFor(kind PartKind) string {
	switch kind {
	case PartImage:
		return MimeTypePNG
	case PartVideo:
		return MimeTypeMP4
	case PartAudio:
		return MimeTypeWAV
	case PartText:
		return MimeTypeText
	}
	return MimeTypePNG
}

// AudioMimeType maps an audio format name (wav, mp3, ...) to a MIME type.
func AudioMimeType(format string) string {
	switch strings.ToLower(format) {
	case "mp3", "mpeg":
		return MimeTypeMP3
	case "ogg", "opus":
		return "audio/ogg"
	case "flac":
		return "audio/flac"
	case "aac":
		return "audio/aac"
	case "pcm", "l16":
		return "audio/L16"
	}
	return MimeTypeWAV
}

// DataURL wraps a raw base64 payload in a data URL. Payloads that already are
// data URLs, and empty payloads, are returned unchanged.
func DataURL(payload, mimeType string) string {
	if payload == "" || strings.HasPrefix(payload, "data:") {
		return payload
	}
	return "data:" + mimeType + ";base64," + payload
}

// PayloadFromDataURL extracts the raw base64 payload of a data URL. Values that
// are not data URLs are returned unchanged.
func PayloadFromDataURL(s string) string {
	if !strings.HasPrefix(s, "data:") {
		return s
	}
	if i := strings.Index(s, ","); i >= 0 {
		return s[i+1:]
	}
	return ""
}

// MimeTypeFromDataURL returns the MIME type declared by a data URL, or "" when
// s is not a data URL.
func MimeTypeFromDataURL(s string) string {
	if !strings.HasPrefix(s, "data:") {
		return ""
	}
	rest := s[len("data:"):]
	end := strings.IndexAny(rest, ";,")
	if end < 0 {
		return ""
	}
	return rest[:end]
}
