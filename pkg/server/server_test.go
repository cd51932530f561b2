package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nstogner/celeste/pkg/chat"
	"github.com/nstogner/celeste/pkg/domain"
	"github.com/nstogner/celeste/pkg/events"
	"github.com/nstogner/celeste/pkg/generation/generationtest"
	"github.com/nstogner/celeste/pkg/persist"
	"github.com/nstogner/celeste/pkg/selections"
	"github.com/nstogner/celeste/pkg/store/memory"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	fake := &generationtest.Fake{
		Chunks: []string{"4"},
		Catalog: []domain.Model{
			{ID: "m1", Provider: "acme", Capabilities: []string{domain.BackendTextGeneration}},
			{ID: "img", Provider: "acme", Capabilities: []string{domain.BackendImageGeneration}},
			{ID: "other", Provider: "zeta", Capabilities: []string{domain.BackendTextGeneration}},
		},
	}
	sel, err := selections.Open("")
	require.NoError(t, err)
	require.NoError(t, sel.SelectModel(domain.Model{ID: "m1", Provider: "acme"}))

	st := memory.New()
	bus := events.NewBus()
	session := chat.New(chat.Config{
		Synchronizer: persist.New(st, "u1"),
		Provider:     fake,
		Catalog:      fake,
		Selections:   sel,
		Bus:          bus,
		Autosave:     true,
	})
	ts := httptest.NewServer(New(session, bus, st).Handler())
	t.Cleanup(func() {
		ts.Close()
		session.Close()
		bus.Close()
	})
	return ts
}

func doJSON(t *testing.T, method, url string, body any, out any) int {
	t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, rdr)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 && resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	var body map[string]any
	assert.Equal(t, http.StatusOK, doJSON(t, "GET", ts.URL+"/api/health", nil, &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, false, body["generating"])
}

func TestSubmitAndHistory(t *testing.T) {
	ts := newTestServer(t)

	var res submitResponse
	require.Equal(t, http.StatusOK, doJSON(t, "POST", ts.URL+"/api/submit", map[string]string{"prompt": "2+2?"}, &res))
	assert.True(t, res.Accepted)
	assert.Equal(t, "done", res.State)
	assert.Empty(t, res.Error)

	var cur conversationView
	require.Equal(t, http.StatusOK, doJSON(t, "GET", ts.URL+"/api/conversations/current", nil, &cur))
	require.NotNil(t, cur.Conversation)
	require.Len(t, cur.Messages, 2)
	assert.Equal(t, "4", cur.Messages[1].Text())

	var convs []domain.Conversation
	require.Equal(t, http.StatusOK, doJSON(t, "GET", ts.URL+"/api/conversations", nil, &convs))
	require.Len(t, convs, 1)
	assert.Equal(t, "2+2?", convs[0].Title)

	var msgs []*domain.Message
	require.Equal(t, http.StatusOK, doJSON(t, "GET", ts.URL+"/api/conversations/"+convs[0].ID+"/messages", nil, &msgs))
	assert.Len(t, msgs, 2)

	require.Equal(t, http.StatusOK, doJSON(t, "GET", ts.URL+"/api/conversations?q=2%2B2", nil, &convs))
	assert.Len(t, convs, 1)
	require.Equal(t, http.StatusOK, doJSON(t, "GET", ts.URL+"/api/conversations?capability=video", nil, &convs))
	assert.Empty(t, convs)
}

func TestSubmitRejected(t *testing.T) {
	ts := newTestServer(t)
	assert.Equal(t, http.StatusUnprocessableEntity, doJSON(t, "POST", ts.URL+"/api/submit", map[string]string{"prompt": "   "}, nil))

	var convs []domain.Conversation
	require.Equal(t, http.StatusOK, doJSON(t, "GET", ts.URL+"/api/conversations", nil, &convs))
	assert.Empty(t, convs)
}

func TestRenameAndDeleteConversation(t *testing.T) {
	ts := newTestServer(t)
	require.Equal(t, http.StatusOK, doJSON(t, "POST", ts.URL+"/api/submit", map[string]string{"prompt": "hello"}, nil))

	var cur conversationView
	require.Equal(t, http.StatusOK, doJSON(t, "GET", ts.URL+"/api/conversations/current", nil, &cur))
	require.NotNil(t, cur.Conversation)
	id := cur.Conversation.ID

	var renamed domain.Conversation
	require.Equal(t, http.StatusOK, doJSON(t, "PUT", ts.URL+"/api/conversations/"+id, map[string]string{"title": "Greetings"}, &renamed))
	assert.Equal(t, "Greetings", renamed.Title)

	assert.Equal(t, http.StatusNoContent, doJSON(t, "DELETE", ts.URL+"/api/conversations/"+id, nil, nil))
	assert.Equal(t, http.StatusNotFound, doJSON(t, "GET", ts.URL+"/api/conversations/"+id+"/messages", nil, nil))
	assert.Equal(t, http.StatusNotFound, doJSON(t, "POST", ts.URL+"/api/conversations/"+id+"/open", nil, nil))
}

func TestDeleteMessage(t *testing.T) {
	ts := newTestServer(t)
	var res submitResponse
	require.Equal(t, http.StatusOK, doJSON(t, "POST", ts.URL+"/api/submit", map[string]string{"prompt": "hello"}, &res))

	assert.Equal(t, http.StatusNoContent, doJSON(t, "DELETE", ts.URL+"/api/messages/"+res.DraftID, nil, nil))
	assert.Equal(t, http.StatusNotFound, doJSON(t, "DELETE", ts.URL+"/api/messages/"+res.DraftID, nil, nil))

	var cur conversationView
	require.Equal(t, http.StatusOK, doJSON(t, "GET", ts.URL+"/api/conversations/current", nil, &cur))
	require.Len(t, cur.Messages, 1)
	assert.Equal(t, res.UserMessageID, cur.Messages[0].ID)
}

func TestModelsAndSelections(t *testing.T) {
	ts := newTestServer(t)

	var models []domain.Model
	require.Equal(t, http.StatusOK, doJSON(t, "GET", ts.URL+"/api/models", nil, &models))
	assert.Len(t, models, 2)

	require.Equal(t, http.StatusOK, doJSON(t, "GET", ts.URL+"/api/models?provider=zeta", nil, &models))
	require.Len(t, models, 1)
	assert.Equal(t, "other", models[0].ID)

	var sel domain.Selections
	require.Equal(t, http.StatusOK, doJSON(t, "POST", ts.URL+"/api/selections/model", domain.Model{ID: "other", Provider: "zeta"}, &sel))
	assert.Equal(t, "zeta", sel.Provider)
	assert.Equal(t, "other", sel.Model)

	assert.Equal(t, http.StatusBadRequest, doJSON(t, "PUT", ts.URL+"/api/selections", map[string]string{"capability": "smell"}, nil))

	require.Equal(t, http.StatusOK, doJSON(t, "GET", ts.URL+"/api/selections", nil, &sel))
	assert.Equal(t, domain.CapabilityText, sel.Capability)
}

func TestUnknownConversation(t *testing.T) {
	ts := newTestServer(t)
	assert.Equal(t, http.StatusNotFound, doJSON(t, "POST", ts.URL+"/api/conversations/nope/open", nil, nil))
	assert.Equal(t, http.StatusNotFound, doJSON(t, "PUT", ts.URL+"/api/conversations/nope", map[string]string{"title": "x"}, nil))
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t)
	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/api/submit", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestChatWebSocket(t *testing.T) {
	ts := newTestServer(t)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/chat"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer ws.Close()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))

	var first map[string]any
	require.NoError(t, ws.ReadJSON(&first))
	assert.Equal(t, "snapshot", first["type"])

	require.NoError(t, ws.WriteJSON(clientMessage{Type: "submit", Prompt: "2+2?"}))

	// Event frames and the submit reply are written by one goroutine but from
	// separate queues, so their relative order is not fixed.
	seen := map[string]bool{}
	for !(seen["submitted"] && seen[string(events.MessageAdded)] && seen[string(events.Busy)]) {
		var frame map[string]any
		require.NoError(t, ws.ReadJSON(&frame))
		typ, _ := frame["type"].(string)
		seen[typ] = true
		if typ == "submitted" {
			assert.Equal(t, true, frame["accepted"])
			assert.Equal(t, "done", frame["state"])
		}
	}
}
