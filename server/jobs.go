package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/teranos/ingestd/errors"
	"github.com/teranos/ingestd/pulse/job"
	"github.com/teranos/ingestd/pulse/lease"
	"github.com/teranos/ingestd/pulse/schedule"
)

// JobsResponse lists job instances
type JobsResponse struct {
	Jobs  []*job.Instance `json:"jobs"`
	Count int             `json:"count"`
}

// UnclaimRequest is the body of POST /jobs/{id}/unclaim
type UnclaimRequest struct {
	Reason string `json:"reason,omitempty"`
}

// InvalidateRequest is the body of POST /jobs/{id}/invalidate
type InvalidateRequest struct {
	Reason string `json:"reason"`
}

func instanceID(r *http.Request) (job.InstanceID, error) {
	return job.ParseInstanceID(r.PathValue("id"))
}

// HandleJobs lists claimable instances, highest priority first. With a
// status or definition filter it lists stored instances instead.
func (s *Server) HandleJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var (
		jobs []*job.Instance
		err  error
	)
	if q.Has("status") || q.Has("definition") {
		var filter lease.Filter
		filter, err = parseFilter(q.Get("status"), q.Get("definition"), q.Get("limit"))
		if err == nil {
			jobs, err = s.service.Instances(r.Context(), filter)
		}
	} else {
		jobs, err = s.service.GetJobsToRun(r.Context())
	}
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []*job.Instance{}
	}
	_ = writeJSON(w, http.StatusOK, JobsResponse{Jobs: jobs, Count: len(jobs)})
}

func parseFilter(statuses, definition, limit string) (lease.Filter, error) {
	var filter lease.Filter
	for _, raw := range strings.Split(statuses, ",") {
		raw = strings.ToUpper(strings.TrimSpace(raw))
		if raw == "" {
			continue
		}
		st := job.Status(raw)
		if !st.IsValid() {
			return filter, errors.NewInvalidRequestError("unknown status %q", raw)
		}
		filter.Statuses = append(filter.Statuses, st)
	}
	if definition != "" {
		id, err := uuid.Parse(definition)
		if err != nil {
			return filter, errors.NewInvalidRequestError("definition must be a uuid: %v", err)
		}
		filter.DefinitionID = id
	}
	if limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			return filter, errors.NewInvalidRequestError("limit must be a non-negative integer")
		}
		filter.Limit = n
	}
	return filter, nil
}

// HandleJob returns one instance
func (s *Server) HandleJob(w http.ResponseWriter, r *http.Request) {
	id, err := instanceID(r)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	inst, err := s.service.Instance(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	_ = writeJSON(w, http.StatusOK, inst)
}

// HandleClaim grants the lease to ?worker=. A refused claim answers 409 with
// the outcome so the worker can move on to the next candidate.
func (s *Server) HandleClaim(w http.ResponseWriter, r *http.Request) {
	id, err := instanceID(r)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	worker, err := requireWorker(r)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	res, err := s.service.ClaimJob(r.Context(), id, worker)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if !res.Claimed() {
		_ = writeJSON(w, http.StatusConflict, ErrorResponse{
			Error:   "claim refused: " + string(res.Outcome),
			Code:    CodeClaimRefused,
			Outcome: string(res.Outcome),
		})
		return
	}
	_ = writeJSON(w, http.StatusOK, res)
}

// HandleUnclaim releases the lease after a failed attempt
func (s *Server) HandleUnclaim(w http.ResponseWriter, r *http.Request) {
	id, err := instanceID(r)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	worker, err := requireWorker(r)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	var req UnclaimRequest
	if err := readJSON(w, r, &req, true); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	res, err := s.service.UnclaimJob(r.Context(), id, worker, req.Reason)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	_ = writeJSON(w, http.StatusOK, res)
}

// HandleYield hands the lease back without consuming the attempt
func (s *Server) HandleYield(w http.ResponseWriter, r *http.Request) {
	id, err := instanceID(r)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	worker, err := requireWorker(r)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	res, err := s.service.YieldJob(r.Context(), id, worker)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	_ = writeJSON(w, http.StatusOK, res)
}

// HandleCheckpoint stores the lease holder's progress. A canceled instance
// answers 409 with code "canceled".
func (s *Server) HandleCheckpoint(w http.ResponseWriter, r *http.Request) {
	id, err := instanceID(r)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	worker, err := requireWorker(r)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	var cp schedule.Checkpoint
	if err := readJSON(w, r, &cp, false); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	inst, err := s.service.Checkpoint(r.Context(), id, worker, cp)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	_ = writeJSON(w, http.StatusOK, inst)
}

// HandleComplete records the lease holder's terminal report
func (s *Server) HandleComplete(w http.ResponseWriter, r *http.Request) {
	id, err := instanceID(r)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	worker, err := requireWorker(r)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	var c schedule.Completion
	if err := readJSON(w, r, &c, false); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	inst, err := s.service.CompleteJob(r.Context(), id, worker, c)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	_ = writeJSON(w, http.StatusOK, inst)
}

// HandleCancel requests cancellation of an instance
func (s *Server) HandleCancel(w http.ResponseWriter, r *http.Request) {
	id, err := instanceID(r)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	inst, err := s.service.CancelJob(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	_ = writeJSON(w, http.StatusOK, inst)
}

// HandleInvalidate marks an instance whose request can never succeed
func (s *Server) HandleInvalidate(w http.ResponseWriter, r *http.Request) {
	id, err := instanceID(r)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	var req InvalidateRequest
	if err := readJSON(w, r, &req, true); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	inst, err := s.service.InvalidateJob(r.Context(), id, req.Reason)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	_ = writeJSON(w, http.StatusOK, inst)
}
