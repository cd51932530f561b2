package chat

import (
	"context"
	"errors"
	"iter"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nstogner/celeste/pkg/dispatch"
	"github.com/nstogner/celeste/pkg/domain"
	"github.com/nstogner/celeste/pkg/events"
	"github.com/nstogner/celeste/pkg/generation"
	"github.com/nstogner/celeste/pkg/generation/generationtest"
	"github.com/nstogner/celeste/pkg/persist"
	"github.com/nstogner/celeste/pkg/selections"
	"github.com/nstogner/celeste/pkg/store"
	"github.com/nstogner/celeste/pkg/store/memory"
)

type fixture struct {
	session *Session
	fake    *generationtest.Fake
	sync    *persist.Synchronizer
	bus     *events.Bus
}

func newFixture(t *testing.T, autosave bool) *fixture {
	t.Helper()
	fake := &generationtest.Fake{
		Chunks: []string{"4"},
		Catalog: []domain.Model{
			{ID: "m1", Provider: "acme", Capabilities: []string{domain.BackendTextGeneration}},
			{ID: "img", Provider: "acme", Capabilities: []string{domain.BackendImageGeneration}},
		},
	}
	sel, err := selections.Open("")
	require.NoError(t, err)
	require.NoError(t, sel.SelectModel(domain.Model{ID: "m1", Provider: "acme"}))

	bus := events.NewBus()
	t.Cleanup(func() { bus.Close() })
	syn := persist.New(memory.New(), "u1")
	s := New(Config{
		Synchronizer: syn,
		Provider:     fake,
		Catalog:      fake,
		Selections:   sel,
		Bus:          bus,
		Autosave:     autosave,
	})
	t.Cleanup(s.Close)
	return &fixture{session: s, fake: fake, sync: syn, bus: bus}
}

// peer opens a second session over the same store, as another device would.
func (f *fixture) peer(t *testing.T) *Session {
	t.Helper()
	sel, err := selections.Open("")
	require.NoError(t, err)
	require.NoError(t, sel.SelectModel(domain.Model{ID: "m1", Provider: "acme"}))
	s := New(Config{
		Synchronizer: f.sync,
		Provider:     f.fake,
		Catalog:      f.fake,
		Selections:   sel,
		Autosave:     true,
	})
	t.Cleanup(s.Close)
	return s
}

func TestSubmitAutosaves(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	_, ok := f.session.Conversation()
	assert.False(t, ok)

	res, err := f.session.Submit(ctx, dispatch.Submission{Prompt: "2+2?"})
	require.NoError(t, err)
	assert.True(t, res.Accepted)

	c, ok := f.session.Conversation()
	require.True(t, ok)
	assert.Equal(t, "2+2?", c.Title)
	assert.Equal(t, f.session.Thread().ID(), c.ID)
	assert.False(t, f.session.Thread().Dirty())

	loaded, err := f.sync.Load(ctx, c.ID)
	require.NoError(t, err)
	msgs := loaded.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "4", msgs[1].Text())
}

func TestRejectedSubmissionDoesNotCreateConversation(t *testing.T) {
	f := newFixture(t, true)
	res, err := f.session.Submit(context.Background(), dispatch.Submission{Prompt: "  "})
	require.NoError(t, err)
	assert.False(t, res.Accepted)

	list, err := f.sync.ListConversations(context.Background(), store.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestWithoutAutosaveChangesStayPending(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	_, err := f.session.Submit(ctx, dispatch.Submission{Prompt: "hi"})
	require.NoError(t, err)
	assert.True(t, f.session.Thread().Dirty())

	require.NoError(t, f.session.Save(ctx))
	assert.False(t, f.session.Thread().Dirty())
}

func TestFailedGenerationIsSaved(t *testing.T) {
	f := newFixture(t, true)
	boom := errors.New("quota exceeded")
	f.fake.Stream = func(ctx context.Context, req generation.Request) iter.Seq2[string, error] {
		return generationtest.Failing(boom)
	}

	res, err := f.session.Submit(context.Background(), dispatch.Submission{Prompt: "hi"})
	require.ErrorIs(t, err, boom)
	assert.False(t, f.session.Generating())

	c, ok := f.session.Conversation()
	require.True(t, ok)
	loaded, err := f.sync.Load(context.Background(), c.ID)
	require.NoError(t, err)
	draft, ok := loaded.Message(res.DraftID)
	require.True(t, ok)
	assert.Equal(t, "quota exceeded", draft.Error)
}

func TestSwitchConversations(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	_, err := f.session.Submit(ctx, dispatch.Submission{Prompt: "first"})
	require.NoError(t, err)
	firstID := f.session.Thread().ID()

	// Pending changes are flushed before switching.
	require.NoError(t, f.session.NewConversation(ctx))
	assert.NotEqual(t, firstID, f.session.Thread().ID())
	assert.Equal(t, 0, f.session.Thread().Len())
	_, ok := f.session.Conversation()
	assert.False(t, ok)

	require.NoError(t, f.session.Open(ctx, firstID))
	assert.Equal(t, firstID, f.session.Thread().ID())
	assert.Equal(t, 2, f.session.Thread().Len())

	require.NoError(t, f.session.Rename(ctx, "Renamed"))
	c, _ := f.session.Conversation()
	assert.Equal(t, "Renamed", c.Title)

	assert.ErrorIs(t, f.session.Open(ctx, "missing"), store.ErrNotFound)
}

func TestOpenMostRecent(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	require.NoError(t, f.session.OpenMostRecent(ctx))
	assert.Equal(t, 0, f.session.Thread().Len())

	_, err := f.session.Submit(ctx, dispatch.Submission{Prompt: "remember me"})
	require.NoError(t, err)
	id := f.session.Thread().ID()
	require.NoError(t, f.session.NewConversation(ctx))

	require.NoError(t, f.session.OpenMostRecent(ctx))
	assert.Equal(t, id, f.session.Thread().ID())
}

func TestSwitchRefusedWhileBusy(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	f.fake.Stream = func(ctx context.Context, req generation.Request) iter.Seq2[string, error] {
		return func(yield func(string, error) bool) {
			close(started)
			<-release
			yield("done", nil)
		}
	}

	done := make(chan error, 1)
	go func() {
		_, err := f.session.Submit(ctx, dispatch.Submission{Prompt: "slow"})
		done <- err
	}()
	<-started

	assert.ErrorIs(t, f.session.NewConversation(ctx), dispatch.ErrBusy)
	assert.ErrorIs(t, f.session.OpenMostRecent(ctx), dispatch.ErrBusy)

	close(release)
	require.NoError(t, <-done)
	assert.NoError(t, f.session.NewConversation(ctx))
}

func TestDeleteCurrentConversation(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	_, err := f.session.Submit(ctx, dispatch.Submission{Prompt: "bye"})
	require.NoError(t, err)
	c, _ := f.session.Conversation()

	require.NoError(t, f.session.DeleteConversation(ctx, c.ID))
	_, ok := f.session.Conversation()
	assert.False(t, ok)
	assert.Equal(t, 0, f.session.Thread().Len())

	_, err = f.sync.GetConversation(ctx, c.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeleteMessage(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	res, err := f.session.Submit(ctx, dispatch.Submission{Prompt: "hi"})
	require.NoError(t, err)
	require.NoError(t, f.session.DeleteMessage(ctx, res.DraftID))
	assert.ErrorIs(t, f.session.DeleteMessage(ctx, res.DraftID), store.ErrNotFound)

	loaded, err := f.sync.Load(ctx, f.session.Thread().ID())
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.Len())
}

func TestRemoteWritesReachOpenSession(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	_, err := f.session.Submit(ctx, dispatch.Submission{Prompt: "2+2?"})
	require.NoError(t, err)
	c, ok := f.session.Conversation()
	require.True(t, ok)

	other := f.peer(t)
	require.NoError(t, other.Open(ctx, c.ID))
	res, err := other.Submit(ctx, dispatch.Submission{Prompt: "and 3+3?"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return f.session.Thread().Len() == 4 },
		5*time.Second, 10*time.Millisecond, "writes from another session must appear")
	msgs := f.session.Messages()
	assert.Equal(t, "and 3+3?", msgs[2].Text())
	assert.Equal(t, res.DraftID, msgs[3].ID)
	assert.Equal(t, "4", msgs[3].Text())
	assert.False(t, f.session.Thread().Dirty(), "applied writes are not saved back")

	require.NoError(t, f.session.DeleteMessage(ctx, msgs[0].ID))
	require.Eventually(t, func() bool { return other.Thread().Len() == 3 },
		5*time.Second, 10*time.Millisecond, "deletes from another session must appear")

	// Own saves are not applied twice.
	assert.Equal(t, 3, f.session.Thread().Len())
	stored, err := f.sync.Load(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.Len())
}

func TestSwitchingConversationStopsRemoteUpdates(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	_, err := f.session.Submit(ctx, dispatch.Submission{Prompt: "first"})
	require.NoError(t, err)
	c, _ := f.session.Conversation()
	require.NoError(t, f.session.NewConversation(ctx))

	other := f.peer(t)
	require.NoError(t, other.Open(ctx, c.ID))
	_, err = other.Submit(ctx, dispatch.Submission{Prompt: "second"})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, f.session.Thread().Len())
}

func TestRenameBeforeSave(t *testing.T) {
	f := newFixture(t, false)
	assert.ErrorIs(t, f.session.Rename(context.Background(), "x"), ErrNoConversation)
}

func TestModelsFollowSelections(t *testing.T) {
	f := newFixture(t, true)
	models, err := f.session.Models(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 1)
	assert.Equal(t, "m1", models[0].ID)

	require.NoError(t, f.session.Selections().SetCapability(domain.CapabilityImage))
	models, err = f.session.Models(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 1)
	assert.Equal(t, "img", models[0].ID)
}

func TestEventsPublished(t *testing.T) {
	f := newFixture(t, true)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := f.bus.Subscribe(ctx, f.session.ID())
	require.NoError(t, err)

	_, err = f.session.Submit(ctx, dispatch.Submission{Prompt: "2+2?"})
	require.NoError(t, err)

	var seen []events.Type
	timeout := time.After(5 * time.Second)
	for !containsType(seen, events.ConversationChanged) {
		select {
		case ev := <-ch:
			seen = append(seen, ev.Type)
		case <-timeout:
			t.Fatalf("timed out; saw %v", seen)
		}
	}
	assert.Contains(t, seen, events.MessageAdded)
	assert.Contains(t, seen, events.MessageUpdated)
	assert.Contains(t, seen, events.Busy)
}

func containsType(ts []events.Type, want events.Type) bool {
	for _, t := range ts {
		if t == want {
			return true
		}
	}
	return false
}
