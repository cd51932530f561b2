package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackendCapabilityMapping(t *testing.T) {
	assert.Equal(t, "text_generation", BackendCapability(CapabilityText, ""))
	assert.Equal(t, "image_generation", BackendCapability(CapabilityImage, ImageModeGenerate))
	assert.Equal(t, "image_edit", BackendCapability(CapabilityImage, ImageModeEdit))
	assert.Equal(t, "video_generation", BackendCapability(CapabilityVideo, ImageModeEdit))
	assert.Equal(t, "audio_generation", BackendCapability(CapabilityAudio, ""))

	for _, c := range Capabilities {
		for _, mode := range []ImageMode{ImageModeGenerate, ImageModeEdit} {
			gotC, gotMode, ok := CapabilityFromBackend(BackendCapability(c, mode))
			require.True(t, ok)
			assert.Equal(t, c, gotC)
			if c == CapabilityImage {
				assert.Equal(t, mode, gotMode)
			}
		}
	}
	_, _, ok := CapabilityFromBackend("telepathy")
	assert.False(t, ok)
}

func TestCapabilityUnmarshal(t *testing.T) {
	var v struct {
		C Capability `json:"c"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"c":"video"}`), &v))
	assert.Equal(t, CapabilityVideo, v.C)
	require.NoError(t, json.Unmarshal([]byte(`{"c":""}`), &v))
	assert.Equal(t, Capability(""), v.C)
	assert.Error(t, json.Unmarshal([]byte(`{"c":"smell"}`), &v))
}

func TestTitleFromText(t *testing.T) {
	assert.Equal(t, DefaultConversationTitle, TitleFromText("   "))
	assert.Equal(t, "hello world", TitleFromText("  hello\n world "))

	long := "abcdefghij abcdefghij abcdefghij abcdefghij abcdefghij abcdefghij"
	got := TitleFromText(long)
	assert.Equal(t, "abcdefghij abcdefghij abcdefghij abcdefghij abcdef...", got)
}

func TestConversationMetadataMerge(t *testing.T) {
	c := NewConversation("c1", "owner", "", testNow)
	assert.Equal(t, DefaultConversationTitle, c.Title)

	c.UpdateMetadata(map[string]any{"a": 1}, testNow)
	c.UpdateMetadata(map[string]any{"b": 2}, testNow.Add(1))
	assert.Equal(t, map[string]any{"a": 1, "b": 2}, c.Metadata)
	assert.Equal(t, testNow.Add(1), c.UpdatedAt)
}

var testNow = time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
