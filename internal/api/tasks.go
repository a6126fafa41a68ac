package api

import (
	"encoding/json"
	"net/http"

	"taskline/pkg/task"
)

func (s *Server) handleTaskList(w http.ResponseWriter, r *http.Request) {
	status := task.Status(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		writeError(w, 400, "unknown status: "+string(status))
		return
	}
	limit := queryInt(r, "limit", 50)
	tasks, err := s.store.ListByStatus(r.Context(), status, limit)
	if err != nil {
		writeError(w, 500, err.Error())
		return
	}
	writeJSON(w, 200, tasks)
}

func (s *Server) handleTaskGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	t, err := s.store.Get(r.Context(), id)
	if err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, 200, t)
}

func (s *Server) handleTaskAction(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req struct {
		Trigger string `json:"trigger"`
		Actor   string `json:"actor"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, "invalid JSON: "+err.Error())
		return
	}
	if req.Trigger == "" || req.Actor == "" {
		writeError(w, 400, "trigger and actor are required")
		return
	}

	t, err := s.coord.Act(r.Context(), id, task.Trigger(req.Trigger), req.Actor)
	if err != nil {
		writeTaskError(w, err)
		return
	}
	if t == nil {
		// delete: the record is gone
		writeJSON(w, 200, map[string]string{"result": "deleted"})
		return
	}
	writeJSON(w, 200, t)
}

func (s *Server) handleReplyOpen(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req struct {
		Actor string `json:"actor"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, "invalid JSON: "+err.Error())
		return
	}
	if req.Actor == "" {
		writeError(w, 400, "actor is required")
		return
	}
	if err := s.coord.OpenReply(r.Context(), id, req.Actor); err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, 200, map[string]string{"result": "awaiting_text"})
}

func (s *Server) handleReplySubmit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Actor string `json:"actor"`
		Text  string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, "invalid JSON: "+err.Error())
		return
	}
	if req.Actor == "" || req.Text == "" {
		writeError(w, 400, "actor and text are required")
		return
	}

	t, err := s.coord.SubmitReply(r.Context(), req.Actor, req.Text)
	if err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, 200, t)
}

func (s *Server) handleReplyCancel(w http.ResponseWriter, r *http.Request) {
	actor := r.PathValue("actor")
	if s.coord.CancelReply(actor) {
		writeJSON(w, 200, map[string]string{"result": "cancelled"})
		return
	}
	writeError(w, 404, "no open reply session for "+actor)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		writeError(w, 500, err.Error())
		return
	}
	writeJSON(w, 200, stats)
}
