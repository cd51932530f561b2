package domain

import (
	"maps"
	"strings"
	"time"
	"unicode/utf8"
)

// DefaultConversationTitle is used when no title can be derived.
const DefaultConversationTitle = "New Conversation"

// MaxTitleLength is the rune length derived titles are truncated to.
const MaxTitleLength = 50

// Conversation is the lightweight record listed in the history sidebar. Its
// lifetime is independent of any in-memory thread.
type Conversation struct {
	ID        string         `json:"id"`
	OwnerID   string         `json:"owner_id"`
	Title     string         `json:"title"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// NewConversation creates a conversation record stamped with now.
func NewConversation(id, ownerID, title string, now time.Time) *Conversation {
	if strings.TrimSpace(title) == "" {
		title = DefaultConversationTitle
	}
	return &Conversation{
		ID:        id,
		OwnerID:   ownerID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
		Metadata:  map[string]any{},
	}
}

func (c *Conversation) UpdateTitle(title string, now time.Time) {
	c.Title = title
	c.UpdatedAt = now
}

// UpdateMetadata merges md into the existing metadata.
func (c *Conversation) UpdateMetadata(md map[string]any, now time.Time) {
	if c.Metadata == nil {
		c.Metadata = map[string]any{}
	}
	maps.Copy(c.Metadata, md)
	c.UpdatedAt = now
}

// Touch marks the conversation as modified.
func (c *Conversation) Touch(now time.Time) {
	c.UpdatedAt = now
}

// TitleFromText derives a conversation title from the first user prompt.
func TitleFromText(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		return DefaultConversationTitle
	}
	if utf8.RuneCountInString(text) <= MaxTitleLength {
		return text
	}
	r := []rune(text)
	return strings.TrimSpace(string(r[:MaxTitleLength])) + "..."
}
