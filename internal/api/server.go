// Package api exposes the thin HTTP surface over the task store, the
// event log, and the coordinator's actions. Rendering and buttons live
// in the chat-platform adapter, not here.
package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"taskline/pkg/coordinator"
	"taskline/pkg/eventbus"
	"taskline/pkg/task"
)

// Server is the HTTP API server.
type Server struct {
	events eventbus.Log
	store  task.Store
	coord  *coordinator.Coordinator
	mux    *http.ServeMux
}

// New creates a new Server.
func New(events eventbus.Log, store task.Store, coord *coordinator.Coordinator) *Server {
	s := &Server{
		events: events,
		store:  store,
		coord:  coord,
		mux:    http.NewServeMux(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	// Tasks
	s.mux.HandleFunc("GET /api/tasks", s.handleTaskList)
	s.mux.HandleFunc("GET /api/tasks/{id}", s.handleTaskGet)
	s.mux.HandleFunc("POST /api/tasks/{id}/action", s.handleTaskAction)
	s.mux.HandleFunc("POST /api/tasks/{id}/reply", s.handleReplyOpen)

	// Reply sessions
	s.mux.HandleFunc("POST /api/reply", s.handleReplySubmit)
	s.mux.HandleFunc("DELETE /api/reply/{actor}", s.handleReplyCancel)

	// Events and stats
	s.mux.HandleFunc("GET /api/events", s.handleEventList)
	s.mux.HandleFunc("GET /api/stats", s.handleStats)

	// System
	s.mux.HandleFunc("GET /health", s.handleHealth)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("write json: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeTaskError maps the error taxonomy onto HTTP statuses. Invalid
// transitions and lost races come back as 409 so the caller can tell
// the actor the action no longer applies.
func writeTaskError(w http.ResponseWriter, err error) {
	var invalid *task.InvalidTransitionError
	switch {
	case errors.Is(err, task.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &invalid), errors.Is(err, task.ErrConflict), errors.Is(err, task.ErrAlreadyExists):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
