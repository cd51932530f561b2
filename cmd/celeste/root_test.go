package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nstogner/celeste/pkg/config"
	"github.com/nstogner/celeste/pkg/dispatch"
	"github.com/nstogner/celeste/pkg/domain"
	"github.com/nstogner/celeste/pkg/persist"
	"github.com/nstogner/celeste/pkg/store/sqlite"
	"github.com/nstogner/celeste/pkg/thread"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestConversationsCommands(t *testing.T) {
	dir := t.TempDir()

	// Seed a conversation directly in the database the command will open.
	st, err := sqlite.New(filepath.Join(dir, "celeste.db"))
	require.NoError(t, err)
	th := thread.New()
	th.AddMessage("acme", domain.CapabilityText, "m1", []domain.Part{domain.NewTextPart("hello there")}, domain.RoleUser)
	syncer := persist.New(st, "local")
	_, err = syncer.CreateConversation(context.Background(), th, "")
	require.NoError(t, err)
	require.NoError(t, syncer.Save(context.Background(), th, th.ID()))
	require.NoError(t, st.Close())

	out, err := execute(t, "--data-dir", dir, "conversations", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "TITLE")
	assert.Contains(t, out, "hello there")
	assert.Contains(t, out, th.ID())

	out, err = execute(t, "--data-dir", dir, "conversations", "rename", th.ID(), "--title", "Greeting")
	require.NoError(t, err)
	assert.Contains(t, out, "Greeting")

	out, err = execute(t, "--data-dir", dir, "conv", "delete", th.ID())
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted")

	out, err = execute(t, "--data-dir", dir, "conversations", "list")
	require.NoError(t, err)
	assert.NotContains(t, out, th.ID())
}

func TestInvalidStoreBackend(t *testing.T) {
	_, err := execute(t, "--data-dir", t.TempDir(), "--store", "postgres", "conversations", "list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown store.backend")
}

func TestNewAppWithoutProviders(t *testing.T) {
	dir := t.TempDir()
	v := config.New()
	v.Set("data_dir", dir)
	v.Set("store.backend", config.BackendMemory)
	v.Set("gemini.api_key", "")
	v.Set("openai.api_key", "")
	v.Set("backend.base_url", "")
	cfg, err := config.Load(v, "")
	require.NoError(t, err)

	a, err := newApp(context.Background(), cfg)
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, a.session.Selections().SelectModel(domain.Model{ID: "m1", Provider: "acme"}))
	res, err := a.session.Submit(context.Background(), dispatch.Submission{Prompt: "hi"})
	assert.True(t, res.Accepted)
	assert.Error(t, err)
	assert.Equal(t, dispatch.StateFailed, res.State)
}

func TestBackendClientDoesNotCutStreams(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, chunk := range []string{"Hel", "lo"} {
			fmt.Fprint(w, chunk)
			w.(http.Flusher).Flush()
			time.Sleep(150 * time.Millisecond)
		}
	}))
	defer srv.Close()

	hc := backendHTTPClient(50 * time.Millisecond)
	assert.Zero(t, hc.Timeout)
	assert.Equal(t, 50*time.Millisecond, hc.Transport.(*http.Transport).ResponseHeaderTimeout)

	resp, err := hc.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "Hello", string(body))
}

func TestBackendClientBoundsHeaderWait(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	_, err := backendHTTPClient(50 * time.Millisecond).Get(srv.URL)
	assert.Error(t, err)
}
