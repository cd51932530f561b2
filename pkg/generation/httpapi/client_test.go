package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nstogner/celeste/pkg/domain"
	"github.com/nstogner/celeste/pkg/generation"
)

func newTestServer(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(srv.URL + "/")
}

func collect(t *testing.T, seq func(func(string, error) bool)) ([]string, error) {
	t.Helper()
	var chunks []string
	for chunk, err := range seq {
		if err != nil {
			return chunks, err
		}
		chunks = append(chunks, chunk)
	}
	return chunks, nil
}

func TestStreamText(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/text/stream", r.URL.Path)
		assert.Equal(t, "application/x-ndjson", r.Header.Get("Accept"))
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "acme", body["provider"])
		assert.Equal(t, "m1", body["model"])
		assert.Equal(t, "2+2?", body["prompt"])

		fmt.Fprintln(w, `{"content":"Hel"}`)
		fmt.Fprintln(w, ``)
		fmt.Fprintln(w, `{"content":""}`)
		fmt.Fprintln(w, `{"content":"lo"}`)
		fmt.Fprint(w, `{"content":" world"}`)
	})

	chunks, err := collect(t, c.StreamText(context.Background(), generation.Request{Provider: "acme", Model: "m1", Prompt: "2+2?"}))
	require.NoError(t, err)
	assert.Equal(t, []string{"Hel", "lo", " world"}, chunks)
}

func TestStreamTextErrorStatus(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model exploded", http.StatusBadGateway)
	})

	_, err := collect(t, c.StreamText(context.Background(), generation.Request{Provider: "acme", Model: "m1", Prompt: "x"}))
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadGateway, se.Code)
	assert.Equal(t, "model exploded", se.Error())
}

func TestStreamTextCancelled(t *testing.T) {
	release := make(chan struct{})
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"content":"partial"}`)
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var chunks []string
	for chunk, err := range c.StreamText(ctx, generation.Request{Provider: "acme", Model: "m1", Prompt: "x"}) {
		require.NoError(t, err)
		chunks = append(chunks, chunk)
		cancel()
	}
	assert.Equal(t, []string{"partial"}, chunks)
}

func TestGenerateImages(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/images/generate", r.URL.Path)
		fmt.Fprint(w, `{"images":[{"data":"AAAA","path":"gs://b/1.png","metadata":{"seed":7}},{"url":"/v1/files/2.png"}]}`)
	})

	imgs, err := c.GenerateImages(context.Background(), generation.Request{Provider: "acme", Model: "m1", Prompt: "cat"})
	require.NoError(t, err)
	require.Len(t, imgs, 2)
	assert.Equal(t, "AAAA", imgs[0].Data)
	assert.Equal(t, "gs://b/1.png", imgs[0].Ref)
	assert.EqualValues(t, 7, imgs[0].Metadata["seed"])
	assert.True(t, strings.HasSuffix(imgs[1].Ref, "/v1/files/2.png"))
	assert.True(t, strings.HasPrefix(imgs[1].Ref, "http://"))
}

func TestEditImageSendsRawPayload(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/images/edit", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "BBBB", body["image"])
		assert.Equal(t, "make it blue", body["prompt"])
		fmt.Fprint(w, `{"image":{"data":"CCCC"}}`)
	})

	img, err := c.EditImage(context.Background(), generation.Request{
		Provider: "acme", Model: "m1", Prompt: "make it blue",
		Image: "data:image/png;base64,BBBB",
	})
	require.NoError(t, err)
	require.NotNil(t, img)
	assert.Equal(t, "CCCC", img.Data)
}

func TestGenerateVideoPrefixesRelativeURLs(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"videos":[{"url":"/v1/files/v.mp4","path":"videos/v.mp4"},{"url":"https://cdn/x.mp4"}]}`)
	})

	vids, err := c.GenerateVideo(context.Background(), generation.Request{Provider: "acme", Model: "veo", Prompt: "waves"})
	require.NoError(t, err)
	require.Len(t, vids, 2)
	assert.Equal(t, c.baseURL+"/v1/files/v.mp4", vids[0].URL)
	assert.Equal(t, "videos/v.mp4", vids[0].Ref)
	assert.Equal(t, "https://cdn/x.mp4", vids[1].URL)
}

func TestGenerateAudio(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "say hi", body["text"])
		fmt.Fprint(w, `{"audio":{"data":"UklG","format":"wav","sample_rate":24000}}`)
	})

	a, err := c.GenerateAudio(context.Background(), generation.Request{Provider: "acme", Model: "tts", Prompt: "say hi"})
	require.NoError(t, err)
	assert.Equal(t, "UklG", a.Data)
	assert.Equal(t, "wav", a.Format)
	assert.EqualValues(t, 24000, a.Metadata["sample_rate"])
}

func TestGenerateAudioTextLimit(t *testing.T) {
	called := false
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) { called = true })

	_, err := c.GenerateAudio(context.Background(), generation.Request{Prompt: strings.Repeat("a", MaxAudioTextLength+1)})
	assert.True(t, errors.Is(err, ErrTextTooLong))
	assert.False(t, called)
}

func TestListModels(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/models", r.URL.Path)
		assert.Equal(t, "image_generation", r.URL.Query().Get("capability"))
		assert.Equal(t, "", r.URL.Query().Get("provider"))
		fmt.Fprint(w, `[{"id":"imagen","provider":"google","display_name":"Imagen","capabilities":["image_generation"]}]`)
	})

	models, err := c.ListModels(context.Background(), domain.ModelFilter{Capability: domain.BackendImageGeneration})
	require.NoError(t, err)
	require.Len(t, models, 1)
	assert.Equal(t, "Imagen", models[0].Name())
	assert.True(t, models[0].Supports(domain.BackendImageGeneration))
}

func TestDiscovery(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/health":
			fmt.Fprint(w, `{"status":"ok"}`)
		case "/v1/capabilities":
			fmt.Fprint(w, `["text_generation","audio_generation"]`)
		case "/v1/providers":
			fmt.Fprint(w, `["openai","google"]`)
		default:
			http.NotFound(w, r)
		}
	})

	ctx := context.Background()
	h, err := c.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", h["status"])

	caps, err := c.Capabilities(ctx)
	require.NoError(t, err)
	assert.Len(t, caps, 2)

	providers, err := c.Providers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"openai", "google"}, providers)
}
