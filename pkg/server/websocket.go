package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nstogner/celeste/pkg/dispatch"
	"github.com/nstogner/celeste/pkg/events"
	"github.com/nstogner/celeste/pkg/logging"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// clientMessage is a command sent by a websocket client.
type clientMessage struct {
	Type           string `json:"type"`
	Prompt         string `json:"prompt,omitempty"`
	Image          string `json:"image,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// snapshot is the first frame sent on every connection.
type snapshot struct {
	Type string `json:"type"`
	conversationView
}

type submitReply struct {
	Type string `json:"type"`
	submitResponse
}

func (s *Server) handleChatWebSocket(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error("Failed to upgrade websocket", "error", err)
		return
	}
	defer ws.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates, err := s.bus.Subscribe(ctx, s.session.ID())
	if err != nil {
		log.Error("Failed to subscribe to session events", "error", err)
		return
	}

	// Send initial state.
	if err := ws.WriteJSON(snapshot{Type: "snapshot", conversationView: s.currentView()}); err != nil {
		log.Error("Failed initial snapshot", "error", err)
		return
	}

	replies := make(chan any, 8)
	var wg sync.WaitGroup
	wg.Add(1)

	// Writer goroutine: the only writer after the snapshot.
	go func() {
		defer wg.Done()
		defer ws.Close()

		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-updates:
				if !ok {
					return
				}
				if err := ws.WriteJSON(ev); err != nil {
					log.Debug("Websocket write failed", "error", err)
					return
				}
			case reply := <-replies:
				if err := ws.WriteJSON(reply); err != nil {
					log.Debug("Websocket write failed", "error", err)
					return
				}
			case <-ticker.C:
				// Keepalive
				if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					return
				}
			}
		}
	}()

	reply := func(v any) {
		select {
		case replies <- v:
		case <-ctx.Done():
		}
	}

	// Reader loop: receives client commands.
	for {
		var msg clientMessage
		if err := ws.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("WebSocket read error", "error", err)
			}
			break
		}

		switch msg.Type {
		case "submit":
			wg.Add(1)
			go func() {
				defer wg.Done()
				res, err := s.session.Submit(ctx, dispatch.Submission{Prompt: msg.Prompt, Image: msg.Image})
				if errors.Is(err, dispatch.ErrBusy) {
					reply(events.Event{Type: events.Error, Error: err.Error()})
					return
				}
				reply(submitReply{Type: "submitted", submitResponse: toSubmitResponse(res, err)})
			}()
		case "cancel":
			s.session.Cancel()
		case "new":
			if err := s.session.NewConversation(ctx); err != nil {
				reply(events.Event{Type: events.Error, Error: err.Error()})
			}
		case "open":
			if err := s.session.Open(ctx, msg.ConversationID); err != nil {
				reply(events.Event{Type: events.Error, ConversationID: msg.ConversationID, Error: err.Error()})
				continue
			}
			reply(snapshot{Type: "snapshot", conversationView: s.currentView()})
		default:
			reply(events.Event{Type: events.Error, Error: "unknown command: " + msg.Type})
		}
	}

	cancel()
	wg.Wait()
}
