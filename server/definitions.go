package server

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/teranos/ingestd/errors"
	"github.com/teranos/ingestd/pulse/job"
	"github.com/teranos/ingestd/pulse/lease"
)

// DefinitionsResponse lists the latest version of every definition
type DefinitionsResponse struct {
	Definitions []*job.Definition `json:"definitions"`
	Count       int               `json:"count"`
}

// CreateInstanceRequest is the body of POST /definitions/{id}/instances
type CreateInstanceRequest struct {
	Partial bool            `json:"partial"`
	Request json.RawMessage `json:"request,omitempty"`
}

func definitionID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		return uuid.Nil, errors.Wrapf(errors.ErrInvalidID, "definition id %q: %v", r.PathValue("id"), err)
	}
	return id, nil
}

// HandleDefinitions lists definitions
func (s *Server) HandleDefinitions(w http.ResponseWriter, r *http.Request) {
	defs, err := s.service.Definitions(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if defs == nil {
		defs = []*job.Definition{}
	}
	_ = writeJSON(w, http.StatusOK, DefinitionsResponse{Definitions: defs, Count: len(defs)})
}

// HandleCreateDefinition stores a new definition. Omitted fields take the
// defaults of job.NewDefinition, including a fresh id.
func (s *Server) HandleCreateDefinition(w http.ResponseWriter, r *http.Request) {
	def := job.NewDefinition("", "", nil)
	if err := readJSON(w, r, def, false); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if err := s.service.CreateDefinition(r.Context(), def); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	_ = writeJSON(w, http.StatusCreated, def)
}

// HandleDefinition returns the latest version of one definition
func (s *Server) HandleDefinition(w http.ResponseWriter, r *http.Request) {
	id, err := definitionID(r)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	def, err := s.service.Definition(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	_ = writeJSON(w, http.StatusOK, def)
}

// HandleRedefine stores the next version of a definition. The body is
// applied over the latest version; id and version are not writable.
func (s *Server) HandleRedefine(w http.ResponseWriter, r *http.Request) {
	id, err := definitionID(r)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	latest, err := s.service.Definition(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	updated := *latest
	if err := readJSON(w, r, &updated, false); err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	next, err := s.service.Redefine(r.Context(), id, func(d *job.Definition) {
		created := d.CreatedAt
		*d = updated
		d.CreatedAt = created
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	_ = writeJSON(w, http.StatusOK, next)
}

// HandleCreateInstance queues an UNASSIGNED instance of a definition
func (s *Server) HandleCreateInstance(w http.ResponseWriter, r *http.Request) {
	id, err := definitionID(r)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	var req CreateInstanceRequest
	if err := readJSON(w, r, &req, true); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	inst, err := s.service.CreateInstance(r.Context(), id, lease.InstanceSpec{
		Partial: req.Partial,
		Request: req.Request,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	_ = writeJSON(w, http.StatusCreated, inst)
}
