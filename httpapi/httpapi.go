// Package httpapi exposes the engine's Create, GetStatus, RaiseEvent,
// and Pause/Resume/Cancel operations over a REST surface built on
// gorilla/mux. Request and response bodies carry workflow input/output
// as plain JSON maps rather than whatever concrete Go type a workflow
// was registered with: a caller reaching the engine over HTTP has no
// way to hand over a typed Go value, so workflows meant to be started
// this way should register with map[string]interface{} (or a type
// json.Unmarshal can populate directly) as their input type.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/eternity-run/eternity"
)

// Server is the HTTP front end for an *eternity.Engine.
type Server struct {
	engine *eternity.Engine
	router *mux.Router
}

// NewServer builds a Server wired to engine.
func NewServer(engine *eternity.Engine) *Server {
	s := &Server{engine: engine, router: mux.NewRouter()}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.router.HandleFunc("/workflows/{type}", s.handleCreate).Methods(http.MethodPost)
	s.router.HandleFunc("/workflows/{id}", s.handleStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/workflows/{id}/events/{name}", s.handleRaiseEvent).Methods(http.MethodPost)
	s.router.HandleFunc("/workflows/{id}/pause", s.handlePause).Methods(http.MethodPost)
	s.router.HandleFunc("/workflows/{id}/resume", s.handleResume).Methods(http.MethodPost)
	s.router.HandleFunc("/workflows/{id}/cancel", s.handleCancel).Methods(http.MethodPost)
	s.router.HandleFunc("/paused", s.handleListPaused).Methods(http.MethodGet)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	typeName := mux.Vars(r)["type"]
	var input map[string]interface{}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	id, err := s.engine.Create(r.Context(), typeName, input)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": string(id)})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := eternity.WorkflowID(mux.Vars(r)["id"])
	wf, err := s.engine.GetStatus(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":         wf.ID,
		"type":       wf.TypeName,
		"state":      wf.State,
		"isPaused":   wf.IsPaused,
		"utcCreated": wf.UtcCreated,
		"utcUpdated": wf.UtcUpdated,
		"utcEta":     wf.UtcETA,
	})
}

func (s *Server) handleRaiseEvent(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := eternity.WorkflowID(vars["id"])
	name := vars["name"]
	var payload map[string]interface{}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	if err := s.engine.RaiseEvent(r.Context(), id, name, payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "delivered"})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	id := eternity.WorkflowID(mux.Vars(r)["id"])
	if err := s.engine.Pause(r.Context(), id); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	id := eternity.WorkflowID(mux.Vars(r)["id"])
	if err := s.engine.Resume(r.Context(), id); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := eternity.WorkflowID(mux.Vars(r)["id"])
	if err := s.engine.Cancel(r.Context(), id); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleListPaused(w http.ResponseWriter, r *http.Request) {
	ids, err := s.engine.ListPausedWorkflows(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, ids)
}
