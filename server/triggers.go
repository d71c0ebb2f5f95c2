package server

import (
	"net/http"

	"github.com/teranos/ingestd/logger"
	"github.com/teranos/ingestd/pulse/trigger"
)

// TriggersResponse lists stored triggers
type TriggersResponse struct {
	Triggers []*trigger.Trigger `json:"triggers"`
	Count    int                `json:"count"`
}

// HandleTriggers lists triggers
func (s *Server) HandleTriggers(w http.ResponseWriter, r *http.Request) {
	triggers, err := s.triggers.Triggers(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if triggers == nil {
		triggers = []*trigger.Trigger{}
	}
	_ = writeJSON(w, http.StatusOK, TriggersResponse{Triggers: triggers, Count: len(triggers)})
}

// HandleCreateTrigger stores a trigger and schedules it when periodic
func (s *Server) HandleCreateTrigger(w http.ResponseWriter, r *http.Request) {
	var t trigger.Trigger
	if err := readJSON(w, r, &t, false); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if err := s.triggers.Add(r.Context(), &t); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	_ = writeJSON(w, http.StatusCreated, &t)
}

// HandleDeleteTrigger unschedules and deletes a trigger
func (s *Server) HandleDeleteTrigger(w http.ResponseWriter, r *http.Request) {
	if err := s.triggers.Remove(r.Context(), r.PathValue("id")); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleFireTrigger runs a trigger now, typically from a webhook. A trigger
// that is already running answers 409.
func (s *Server) HandleFireTrigger(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	res, err := s.triggers.Fire(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.logger.Infow("Trigger fired",
		logger.FieldTriggerID, id,
		logger.FieldJobID, res.Instance.ID.String(),
		logger.FieldPartial, res.Partial)
	_ = writeJSON(w, http.StatusOK, res)
}
