package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDraft() *Message {
	return NewMessage("m1", RoleAssistant, CapabilityText, "acme", "m1", nil, 1, time.Unix(0, 0))
}

func TestNewMessageStartsAsDraft(t *testing.T) {
	m := newDraft()
	require.Len(t, m.Parts, 1)
	assert.Equal(t, PartText, m.Parts[0].Kind)
	assert.Equal(t, "", m.Parts[0].Text.Content)
	assert.True(t, m.IsDraft())
}

func TestAppendTextAccumulates(t *testing.T) {
	m := newDraft()
	for _, chunk := range []string{"Hel", "lo", " world"} {
		m.AppendText(chunk)
	}
	assert.Equal(t, "Hello world", m.Text())
	assert.Len(t, m.Parts, 1)
	assert.False(t, m.IsDraft())
}

func TestAppendTextCreatesTextPart(t *testing.T) {
	m := NewMessage("m1", RoleAssistant, CapabilityImage, "acme", "m1",
		[]Part{NewImagePart(ImagePart{InlineData: "data:image/png;base64,AAAA"})}, 1, time.Now())
	m.AppendText("caption")
	require.Len(t, m.Parts, 2)
	assert.Equal(t, PartImage, m.Parts[0].Kind)
	assert.Equal(t, "caption", m.Parts[1].Text.Content)
}

func TestAppendTextUsesFirstTextPart(t *testing.T) {
	m := NewMessage("m1", RoleUser, CapabilityImage, "acme", "m1",
		[]Part{NewImagePart(ImagePart{}), NewTextPart("a"), NewTextPart("b")}, 1, time.Now())
	m.AppendText("!")
	assert.Equal(t, "a!", m.Parts[1].Text.Content)
	assert.Equal(t, "b", m.Parts[2].Text.Content)
}

func TestAppendPartsReplacesPlaceholderOnce(t *testing.T) {
	img := NewImagePart(ImagePart{InlineData: "data:image/png;base64,AAAA"})

	m := newDraft()
	m.AppendParts([]Part{img})
	require.Len(t, m.Parts, 1)
	assert.Equal(t, PartImage, m.Parts[0].Kind)

	m.AppendParts([]Part{img})
	require.Len(t, m.Parts, 2)
	assert.Equal(t, PartImage, m.Parts[1].Kind)
}

func TestAppendPartsAfterTextAppends(t *testing.T) {
	m := newDraft()
	m.AppendText("x")
	m.AppendParts([]Part{NewAudioPart(AudioPart{InlineData: "data:audio/wav;base64,AA"})})
	require.Len(t, m.Parts, 2)
	assert.Equal(t, PartText, m.Parts[0].Kind)
}

func TestUpdateContentReplaces(t *testing.T) {
	m := newDraft()
	m.AppendText("partial")
	m.UpdateContent([]Part{NewTextPart("final")})
	assert.Equal(t, "final", m.Text())
}

func TestPartsAreCopiedOnIngest(t *testing.T) {
	parts := []Part{NewTextPart("a")}
	m := NewMessage("m1", RoleUser, CapabilityText, "acme", "m1", parts, 1, time.Now())
	parts[0].Text.Content = "mutated"
	assert.Equal(t, "a", m.Text())
}

func TestCloneIsDeep(t *testing.T) {
	m := NewMessage("m1", RoleAssistant, CapabilityImage, "acme", "m1",
		[]Part{NewImagePart(ImagePart{Metadata: map[string]any{"seed": 1}})}, 3, time.Now())
	c := m.Clone()
	c.Parts[0].Image.Metadata["seed"] = 2
	c.Parts = append(c.Parts, NewTextPart("x"))

	assert.Equal(t, 1, m.Parts[0].Image.Metadata["seed"])
	assert.Len(t, m.Parts, 1)
	assert.Equal(t, m.ID, c.ID)
	assert.Equal(t, m.Seq, c.Seq)
}
