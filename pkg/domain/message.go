package domain

import (
	"strings"
	"time"

	"github.com/huandu/go-clone"
)

// Message is one ordered unit of a conversation.
type Message struct {
	ID         string     `json:"id"`
	Role       Role       `json:"role"`
	Capability Capability `json:"capability"`
	Provider   string     `json:"provider"`
	Model      string     `json:"model"`
	// Seq is the authoritative order key within a thread. CreatedAt is
	// display metadata only.
	Seq       int64     `json:"seq"`
	CreatedAt time.Time `json:"created_at"`
	Parts     []Part    `json:"parts"`

	// Error is set when generation for an assistant draft failed.
	Error string `json:"error,omitempty"`
}

// NewMessage creates a message. When parts is empty the message starts as a
// draft holding a single empty text part.
func NewMessage(id string, role Role, capability Capability, provider, model string, parts []Part, seq int64, createdAt time.Time) *Message {
	m := &Message{
		ID:         id,
		Role:       role,
		Capability: capability,
		Provider:   provider,
		Model:      model,
		Seq:        seq,
		CreatedAt:  createdAt,
	}
	if len(parts) == 0 {
		m.Parts = []Part{NewTextPart("")}
	} else {
		m.Parts = copyParts(parts)
	}
	return m
}

// AppendText concatenates delta onto the first text part, creating one if the
// message has none.
func (m *Message) AppendText(delta string) {
	for i := range m.Parts {
		if m.Parts[i].Kind != PartText {
			continue
		}
		if m.Parts[i].Text == nil {
			m.Parts[i].Text = &TextPart{}
		}
		m.Parts[i].Text.Content += delta
		return
	}
	m.Parts = append(m.Parts, NewTextPart(delta))
}

// AppendParts replaces a pending draft's placeholder with parts, or appends
// parts to a message that already has content.
func (m *Message) AppendParts(parts []Part) {
	if m.IsDraft() {
		m.Parts = copyParts(parts)
		return
	}
	m.Parts = append(m.Parts, copyParts(parts)...)
}

// UpdateContent unconditionally replaces the message's parts.
func (m *Message) UpdateContent(parts []Part) {
	m.Parts = copyParts(parts)
}

// IsDraft reports whether the message holds only the empty text placeholder.
func (m *Message) IsDraft() bool {
	return len(m.Parts) == 1 && m.Parts[0].IsEmptyText()
}

// Text returns the concatenated content of all text parts.
func (m *Message) Text() string {
	var sb strings.Builder
	for _, p := range m.Parts {
		if p.Kind == PartText && p.Text != nil {
			sb.WriteString(p.Text.Content)
		}
	}
	return sb.String()
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	return clone.Clone(m).(*Message)
}

func copyParts(parts []Part) []Part {
	if parts == nil {
		return []Part{}
	}
	return clone.Clone(parts).([]Part)
}
