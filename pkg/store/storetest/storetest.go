// Package storetest is a conformance suite run against every store.Store
// implementation.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nstogner/celeste/pkg/domain"
	"github.com/nstogner/celeste/pkg/store"
)

var epoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// Run exercises s. Each subtest gets a fresh store from newStore.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("ConversationCRUD", func(t *testing.T) { testConversationCRUD(t, newStore(t)) })
	t.Run("ListOrderAndPaging", func(t *testing.T) { testListOrderAndPaging(t, newStore(t)) })
	t.Run("MessagesOrderedBySeq", func(t *testing.T) { testMessagesOrderedBySeq(t, newStore(t)) })
	t.Run("UpdateAndDeleteMessages", func(t *testing.T) { testUpdateAndDeleteMessages(t, newStore(t)) })
	t.Run("DeleteCascades", func(t *testing.T) { testDeleteCascades(t, newStore(t)) })
	t.Run("Search", func(t *testing.T) { testSearch(t, newStore(t)) })
	t.Run("WritesRequireConversation", func(t *testing.T) { testWritesRequireConversation(t, newStore(t)) })
	t.Run("Subscribe", func(t *testing.T) { testSubscribe(t, newStore(t)) })
	t.Run("WatchMessages", func(t *testing.T) { testWatchMessages(t, newStore(t)) })
}

func conversation(id, owner, title string, updated time.Time) *domain.Conversation {
	c := domain.NewConversation(id, owner, title, epoch)
	c.UpdatedAt = updated
	return c
}

func textMessage(id string, seq int64, role domain.Role, text string) *domain.Message {
	return domain.NewMessage(id, role, domain.CapabilityText, "acme", "m1",
		[]domain.Part{domain.NewTextPart(text)}, seq, epoch)
}

func testConversationCRUD(t *testing.T, s store.Store) {
	ctx := context.Background()

	c := conversation("c1", "u1", "First", epoch)
	c.Metadata["pinned"] = true
	require.NoError(t, s.CreateConversation(ctx, c))

	got, err := s.GetConversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "First", got.Title)
	assert.Equal(t, "u1", got.OwnerID)
	assert.Equal(t, true, got.Metadata["pinned"])
	assert.True(t, got.CreatedAt.Equal(epoch))

	got.UpdateTitle("Renamed", epoch.Add(time.Minute))
	require.NoError(t, s.UpdateConversation(ctx, got))

	got, err = s.GetConversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Title)
	assert.True(t, got.UpdatedAt.Equal(epoch.Add(time.Minute)))

	require.NoError(t, s.DeleteConversation(ctx, "c1"))
	_, err = s.GetConversation(ctx, "c1")
	assert.True(t, errors.Is(err, store.ErrNotFound), "got %v", err)

	assert.ErrorIs(t, s.DeleteConversation(ctx, "c1"), store.ErrNotFound)
	assert.ErrorIs(t, s.UpdateConversation(ctx, c), store.ErrNotFound)
}

func testListOrderAndPaging(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateConversation(ctx, conversation("old", "u1", "Old", epoch)))
	require.NoError(t, s.CreateConversation(ctx, conversation("new", "u1", "New", epoch.Add(2*time.Hour))))
	require.NoError(t, s.CreateConversation(ctx, conversation("mid", "u1", "Mid", epoch.Add(time.Hour))))
	require.NoError(t, s.CreateConversation(ctx, conversation("other", "u2", "Other", epoch.Add(3*time.Hour))))

	all, err := s.ListConversations(ctx, "u1", store.ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"new", "mid", "old"}, ids(all))

	paged, err := s.ListConversations(ctx, "u1", store.ListOptions{Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"mid"}, ids(paged))
}

func testMessagesOrderedBySeq(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateConversation(ctx, conversation("c1", "u1", "", epoch)))

	// Insert out of order with identical timestamps.
	require.NoError(t, s.InsertMessages(ctx, "c1", []*domain.Message{
		textMessage("b", 2, domain.RoleAssistant, "4"),
		textMessage("a", 1, domain.RoleUser, "2+2?"),
	}))
	require.NoError(t, s.InsertMessages(ctx, "c1", []*domain.Message{
		domain.NewMessage("c", domain.RoleAssistant, domain.CapabilityImage, "acme", "img",
			[]domain.Part{domain.NewImagePart(domain.ImagePart{
				InlineData: "data:image/png;base64,AAAA",
				Metadata:   map[string]any{"seed": "42"},
			})}, 3, epoch),
	}))

	msgs, err := s.ListMessages(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "a", msgs[0].ID)
	assert.Equal(t, "2+2?", msgs[0].Text())
	assert.Equal(t, domain.RoleUser, msgs[0].Role)
	assert.Equal(t, "b", msgs[1].ID)
	assert.Equal(t, "c", msgs[2].ID)
	assert.Equal(t, domain.CapabilityImage, msgs[2].Capability)
	require.Len(t, msgs[2].Parts, 1)
	assert.Equal(t, "data:image/png;base64,AAAA", msgs[2].Parts[0].Image.InlineData)
	assert.Equal(t, "42", msgs[2].Parts[0].Image.Metadata["seed"])
}

func testUpdateAndDeleteMessages(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateConversation(ctx, conversation("c1", "u1", "", epoch)))
	require.NoError(t, s.InsertMessages(ctx, "c1", []*domain.Message{
		textMessage("a", 1, domain.RoleUser, "hi"),
		textMessage("b", 2, domain.RoleAssistant, ""),
	}))

	b := textMessage("b", 2, domain.RoleAssistant, "hello")
	b.Error = "partial"
	require.NoError(t, s.UpdateMessages(ctx, "c1", []*domain.Message{b}))
	// Upsert of a message that was never inserted.
	require.NoError(t, s.UpdateMessages(ctx, "c1", []*domain.Message{textMessage("c", 3, domain.RoleUser, "more")}))

	msgs, err := s.ListMessages(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "hello", msgs[1].Text())
	assert.Equal(t, "partial", msgs[1].Error)

	require.NoError(t, s.DeleteMessages(ctx, "c1", []string{"a", "missing"}))
	msgs, err = s.ListMessages(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, []string{msgs[0].ID, msgs[1].ID})
}

func testDeleteCascades(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateConversation(ctx, conversation("c1", "u1", "", epoch)))
	require.NoError(t, s.InsertMessages(ctx, "c1", []*domain.Message{textMessage("a", 1, domain.RoleUser, "hi")}))

	require.NoError(t, s.DeleteConversation(ctx, "c1"))
	msgs, err := s.ListMessages(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func testSearch(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateConversation(ctx, conversation("cats", "u1", "Cat pictures", epoch)))
	require.NoError(t, s.CreateConversation(ctx, conversation("math", "u1", "Arithmetic", epoch.Add(time.Hour))))
	require.NoError(t, s.CreateConversation(ctx, conversation("theirs", "u2", "Cat facts", epoch)))
	require.NoError(t, s.InsertMessages(ctx, "math", []*domain.Message{textMessage("a", 1, domain.RoleUser, "what is 2+2?")}))
	require.NoError(t, s.InsertMessages(ctx, "cats", []*domain.Message{
		domain.NewMessage("img", domain.RoleAssistant, domain.CapabilityImage, "acme", "img",
			[]domain.Part{domain.NewImagePart(domain.ImagePart{RemoteRef: "cat.png"})}, 1, epoch),
	}))

	found, err := s.SearchConversations(ctx, "u1", "CAT", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"cats"}, ids(found))

	found, err = s.SearchConversations(ctx, "u1", "2+2", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"math"}, ids(found))

	withImages, err := s.ConversationsWithCapability(ctx, "u1", domain.CapabilityImage, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"cats"}, ids(withImages))
}

func testWritesRequireConversation(t *testing.T, s store.Store) {
	ctx := context.Background()
	msgs := []*domain.Message{textMessage("a", 1, domain.RoleUser, "hi")}

	assert.ErrorIs(t, s.InsertMessages(ctx, "nope", msgs), store.ErrNotFound)
	assert.ErrorIs(t, s.UpdateMessages(ctx, "nope", msgs), store.ErrNotFound)

	got, err := s.ListMessages(ctx, "nope")
	require.NoError(t, err)
	assert.Empty(t, got)

	// A deleted conversation does not come back through a late write.
	require.NoError(t, s.CreateConversation(ctx, conversation("c1", "u1", "", epoch)))
	require.NoError(t, s.DeleteConversation(ctx, "c1"))
	assert.ErrorIs(t, s.UpdateMessages(ctx, "c1", msgs), store.ErrNotFound)
	_, err = s.GetConversation(ctx, "c1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testSubscribe(t *testing.T, s store.Store) {
	ctx := context.Background()
	ch := s.Subscribe()
	require.NoError(t, s.CreateConversation(ctx, conversation("c1", "u1", "", epoch)))

	select {
	case id := <-ch:
		assert.Equal(t, "c1", id)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for notification")
	}
}

func ids(cs []domain.Conversation) []string {
	out := make([]string, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.ID)
	}
	return out
}

func testWatchMessages(t *testing.T, s store.Store) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.CreateConversation(ctx, conversation("c1", "u1", "", epoch)))
	require.NoError(t, s.CreateConversation(ctx, conversation("c2", "u1", "", epoch)))
	require.NoError(t, s.InsertMessages(ctx, "c1", []*domain.Message{textMessage("before", 1, domain.RoleUser, "old")}))

	ch, err := s.WatchMessages(ctx, "c1")
	require.NoError(t, err)

	tagged := store.WithOrigin(ctx, "device-b")
	require.NoError(t, s.InsertMessages(ctx, "c2", []*domain.Message{textMessage("elsewhere", 1, domain.RoleUser, "x")}))
	require.NoError(t, s.InsertMessages(tagged, "c1", []*domain.Message{textMessage("a", 2, domain.RoleUser, "hi")}))
	require.NoError(t, s.UpdateMessages(tagged, "c1", []*domain.Message{textMessage("a", 2, domain.RoleUser, "hi!")}))
	require.NoError(t, s.DeleteMessages(tagged, "c1", []string{"a"}))

	next := func() store.MessageChange {
		t.Helper()
		select {
		case c, ok := <-ch:
			require.True(t, ok, "watch closed early")
			return c
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for message change")
			return store.MessageChange{}
		}
	}

	c := next()
	assert.Equal(t, "a", c.MessageID)
	assert.Equal(t, "c1", c.ConversationID)
	require.NotNil(t, c.Message)
	assert.Equal(t, "device-b", c.Origin)
	if c.Message.Text() == "hi" {
		assert.Equal(t, store.MessageInserted, c.Type)
		c = next()
	}
	assert.Equal(t, store.MessageUpdated, c.Type)
	assert.Equal(t, "hi!", c.Message.Text())

	c = next()
	assert.Equal(t, store.MessageDeleted, c.Type)
	assert.Equal(t, "a", c.MessageID)
	assert.Nil(t, c.Message)

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond, "watch must close when its context ends")
}
