// Package api exposes the message view and replication ingress over
// JSON HTTP. Identity is trusted from the X-User-ID header; there is no
// authentication here.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"chatsync/pkg/engine"
	"chatsync/pkg/logger"
	"chatsync/pkg/models"
	"chatsync/pkg/store"
)

// Server bundles the sync engine and the store behind HTTP handlers.
type Server struct {
	eng *engine.Engine
	st  *store.Store
}

func New(eng *engine.Engine, st *store.Store) *Server {
	return &Server{eng: eng, st: st}
}

// Router builds the API route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/v1/messages", s.createMessage).Methods(http.MethodPost)
	r.HandleFunc("/v1/messages", s.listMessages).Methods(http.MethodGet)
	r.HandleFunc("/v1/messages/{id}/like", s.likeMessage).Methods(http.MethodPost)
	r.HandleFunc("/v1/messages/{id}", s.getMessage).Methods(http.MethodGet)
	r.HandleFunc("/v1/messages/{id}", s.deleteMessage).Methods(http.MethodDelete)
	r.HandleFunc("/v1/replicate", s.replicate).Methods(http.MethodPost)
	return r
}

// requestUser extracts the caller identity. Each request carries its
// own identity through the operation; the engine's persistent acting
// user is left alone so concurrent callers cannot leak into each
// other.
func requestUser(r *http.Request) string {
	return r.Header.Get("X-User-ID")
}

func (s *Server) createMessage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}
	m, err := s.eng.CreateAs(requestUser(r), body.Text)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	writeDoc(w, http.StatusCreated, &m)
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	msgs := s.eng.List()
	if limStr := r.URL.Query().Get("limit"); limStr != "" {
		if lim, err := strconv.Atoi(limStr); err == nil && lim >= 0 && lim < len(msgs) {
			msgs = msgs[len(msgs)-lim:]
		}
	}
	out := make([]json.RawMessage, 0, len(msgs))
	for i := range msgs {
		if b, err := msgs[i].Wire(); err == nil {
			out = append(out, b)
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		Messages []json.RawMessage `json:"messages"`
	}{Messages: out})
}

func (s *Server) getMessage(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	m, err := s.eng.Find(id)
	if err != nil {
		writeErr(w, http.StatusNotFound, err.Error())
		return
	}
	writeDoc(w, http.StatusOK, &m)
}

func (s *Server) likeMessage(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	err := s.eng.LikeAs(requestUser(r), id)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, models.ErrNoIdentity):
		writeErr(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, engine.ErrNotFound):
		writeErr(w, http.StatusNotFound, err.Error())
	default:
		writeErr(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) deleteMessage(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	err := s.eng.Delete(id)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, engine.ErrNotFound):
		writeErr(w, http.StatusNotFound, err.Error())
	default:
		writeErr(w, http.StatusInternalServerError, err.Error())
	}
}

// replicate is the peer-sync ingress: one replicated revision per call.
func (s *Server) replicate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Doc       json.RawMessage `json:"doc"`
		Rev       string          `json:"rev"`
		ParentRev string          `json:"parent_rev"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}
	if len(body.Doc) == 0 || body.Rev == "" {
		writeErr(w, http.StatusBadRequest, "doc and rev are required")
		return
	}
	if err := s.st.Pull(body.Doc, body.Rev, body.ParentRev); err != nil {
		logger.Warn("replicate_rejected", "error", err)
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func writeDoc(w http.ResponseWriter, code int, m *models.Message) {
	b, err := m.Wire()
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "encode failed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(b)
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
