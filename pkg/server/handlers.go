package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/nstogner/celeste/pkg/dispatch"
	"github.com/nstogner/celeste/pkg/domain"
	"github.com/nstogner/celeste/pkg/store"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"generating": s.session.Generating(),
	})
}

// --- Models ---

// handleListModels filters by the current selections unless capability or
// provider query parameters are given.
func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var (
		models []domain.Model
		err    error
	)
	if q.Has("capability") || q.Has("provider") {
		models, err = s.session.ListModels(r.Context(), domain.ModelFilter{
			Capability: q.Get("capability"),
			Provider:   q.Get("provider"),
		})
	} else {
		models, err = s.session.Models(r.Context())
	}
	if err != nil {
		s.errorResponse(w, http.StatusBadGateway, err)
		return
	}
	if models == nil {
		models = []domain.Model{}
	}
	s.jsonResponse(w, http.StatusOK, models)
}

// --- Selections ---

func (s *Server) handleGetSelections(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, s.session.Selections().Get())
}

func (s *Server) handlePutSelections(w http.ResponseWriter, r *http.Request) {
	var sel domain.Selections
	if err := json.NewDecoder(r.Body).Decode(&sel); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}
	if err := s.session.Selections().Set(sel); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, s.session.Selections().Get())
}

func (s *Server) handleSelectModel(w http.ResponseWriter, r *http.Request) {
	var m domain.Model
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}
	if m.ID == "" || m.Provider == "" {
		s.errorResponse(w, http.StatusBadRequest, errors.New("id and provider are required"))
		return
	}
	if err := s.session.Selections().SelectModel(m); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, s.session.Selections().Get())
}

// --- Conversations ---

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	sync := s.session.Synchronizer()

	var (
		convs []domain.Conversation
		err   error
	)
	switch {
	case q.Get("capability") != "":
		c, perr := domain.ParseCapability(q.Get("capability"))
		if perr != nil {
			s.errorResponse(w, http.StatusBadRequest, perr)
			return
		}
		convs, err = sync.SearchByCapability(r.Context(), c, limit)
	case q.Get("q") != "":
		convs, err = sync.Search(r.Context(), q.Get("q"), limit)
	default:
		convs, err = sync.ListConversations(r.Context(), store.ListOptions{Limit: limit, Offset: offset})
	}
	if err != nil {
		s.errorResponse(w, statusFor(err), err)
		return
	}
	if convs == nil {
		convs = []domain.Conversation{}
	}
	s.jsonResponse(w, http.StatusOK, convs)
}

type conversationView struct {
	// Conversation is nil until the first save.
	Conversation *domain.Conversation `json:"conversation"`
	ThreadID     string               `json:"thread_id"`
	Messages     []*domain.Message    `json:"messages"`
	Generating   bool                 `json:"generating"`
}

func (s *Server) currentView() conversationView {
	th := s.session.Thread()
	v := conversationView{
		ThreadID:   th.ID(),
		Messages:   th.Messages(),
		Generating: s.session.Generating(),
	}
	if c, ok := s.session.Conversation(); ok {
		v.Conversation = &c
	}
	return v
}

func (s *Server) handleCurrentConversation(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, s.currentView())
}

func (s *Server) handleNewConversation(w http.ResponseWriter, r *http.Request) {
	if err := s.session.NewConversation(r.Context()); err != nil {
		s.errorResponse(w, statusFor(err), err)
		return
	}
	s.jsonResponse(w, http.StatusCreated, s.currentView())
}

func (s *Server) handleOpenConversation(w http.ResponseWriter, r *http.Request) {
	if err := s.session.Open(r.Context(), r.PathValue("id")); err != nil {
		s.errorResponse(w, statusFor(err), err)
		return
	}
	s.jsonResponse(w, http.StatusOK, s.currentView())
}

func (s *Server) handleRenameConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}
	if cur, ok := s.session.Conversation(); ok && cur.ID == id {
		if err := s.session.Rename(r.Context(), req.Title); err != nil {
			s.errorResponse(w, statusFor(err), err)
			return
		}
		c, _ := s.session.Conversation()
		s.jsonResponse(w, http.StatusOK, c)
		return
	}
	c, err := s.session.Synchronizer().RenameConversation(r.Context(), id, req.Title)
	if err != nil {
		s.errorResponse(w, statusFor(err), err)
		return
	}
	s.jsonResponse(w, http.StatusOK, c)
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	if err := s.session.DeleteConversation(r.Context(), r.PathValue("id")); err != nil {
		s.errorResponse(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if th := s.session.Thread(); th.ID() == id {
		s.jsonResponse(w, http.StatusOK, th.Messages())
		return
	}
	if _, err := s.session.Synchronizer().GetConversation(r.Context(), id); err != nil {
		s.errorResponse(w, statusFor(err), err)
		return
	}
	th, err := s.session.Synchronizer().Load(r.Context(), id)
	if err != nil {
		s.errorResponse(w, statusFor(err), err)
		return
	}
	msgs := th.Messages()
	if msgs == nil {
		msgs = []*domain.Message{}
	}
	s.jsonResponse(w, http.StatusOK, msgs)
}

// --- Current conversation ---

type submitResponse struct {
	Accepted      bool   `json:"accepted"`
	State         string `json:"state"`
	UserMessageID string `json:"user_message_id,omitempty"`
	DraftID       string `json:"draft_id,omitempty"`
	Cancelled     bool   `json:"cancelled,omitempty"`
	Error         string `json:"error,omitempty"`
}

func toSubmitResponse(res dispatch.Result, err error) submitResponse {
	out := submitResponse{
		Accepted:      res.Accepted,
		State:         res.State.String(),
		UserMessageID: res.UserMessageID,
		DraftID:       res.DraftID,
		Cancelled:     res.Cancelled,
	}
	if err != nil {
		out.Error = err.Error()
	}
	return out
}

// handleSubmit runs a submission to completion. Generation failures are
// reported in the body; the draft carries the error too.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var sub dispatch.Submission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}
	res, err := s.session.Submit(r.Context(), sub)
	switch {
	case errors.Is(err, dispatch.ErrBusy):
		s.errorResponse(w, http.StatusConflict, err)
	case !res.Accepted:
		s.jsonResponse(w, http.StatusUnprocessableEntity, toSubmitResponse(res, errors.New("prompt, provider and model are required")))
	default:
		s.jsonResponse(w, http.StatusOK, toSubmitResponse(res, err))
	}
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.session.Cancel()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	if err := s.session.DeleteMessage(r.Context(), r.PathValue("id")); err != nil {
		s.errorResponse(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
