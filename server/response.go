package server

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/teranos/ingestd/errors"
	"github.com/teranos/ingestd/logger"
)

// maxBodyBytes bounds request bodies; checkpoints carry partial results
const maxBodyBytes = 16 << 20

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		return errors.Wrap(err, "failed to encode JSON")
	}
	return nil
}

// writeError writes a JSON error response
func writeError(w http.ResponseWriter, status int, code, message string) {
	_ = writeJSON(w, status, ErrorResponse{Error: message, Code: code})
}

// writeServiceError classifies err and writes it. Unexpected errors are logged.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classifyError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Errorw("Request failed",
			logger.FieldMethod, r.Method,
			logger.FieldPath, r.URL.Path,
			logger.FieldError, err)
	}
	writeError(w, status, code, err.Error())
}

// readJSON decodes the request body into v. An empty body leaves v untouched
// when allowEmpty is set.
func readJSON(w http.ResponseWriter, r *http.Request, v interface{}, allowEmpty bool) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return nil
		}
		return errors.Wrapf(errors.ErrInvalidRequest, "invalid request body: %v", err)
	}
	return nil
}

// requireWorker returns the worker query parameter
func requireWorker(r *http.Request) (string, error) {
	worker := r.URL.Query().Get("worker")
	if worker == "" {
		return "", errors.NewInvalidRequestError("worker query parameter is required")
	}
	return worker, nil
}
