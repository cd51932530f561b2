package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMimeTypeFor(t *testing.T) {
	tests := []struct {
		kind PartKind
		want string
	}{
		{PartImage, "image/png"},
		{PartVideo, "video/mp4"},
		{PartAudio, "audio/wav"},
		{PartText, "text/plain"},
		{PartKind("hologram"), "image/png"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MimeTypeFor(tt.kind), "kind %q", tt.kind)
	}
}

func TestDataURLHelpers(t *testing.T) {
	u := DataURL("AAAA", MimeTypePNG)
	assert.Equal(t, "data:image/png;base64,AAAA", u)
	assert.Equal(t, u, DataURL(u, MimeTypeWAV))
	assert.Equal(t, "", DataURL("", MimeTypePNG))

	assert.Equal(t, "AAAA", PayloadFromDataURL(u))
	assert.Equal(t, "AAAA", PayloadFromDataURL("AAAA"))
	assert.Equal(t, "image/png", MimeTypeFromDataURL(u))
	assert.Equal(t, "", MimeTypeFromDataURL("AAAA"))
}

func TestDegraded(t *testing.T) {
	assert.True(t, NewImagePart(ImagePart{}).Degraded())
	assert.False(t, NewImagePart(ImagePart{RemoteRef: "gs://b/o"}).Degraded())
	assert.True(t, NewVideoPart(VideoPart{}).Degraded())
	assert.False(t, NewVideoPart(VideoPart{RemoteURL: "https://x/v.mp4"}).Degraded())
	assert.True(t, NewAudioPart(AudioPart{Format: "wav"}).Degraded())
	assert.False(t, NewTextPart("").Degraded())
}

func TestAudioMimeType(t *testing.T) {
	assert.Equal(t, "audio/mpeg", AudioMimeType("MP3"))
	assert.Equal(t, "audio/wav", AudioMimeType(""))
}
