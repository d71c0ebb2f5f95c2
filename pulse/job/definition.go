package job

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/ingestd/errors"
)

// Definition is the scheduling policy for a recurring unit of ingestion work.
// A stored version is immutable; redefinition stores Version+1 under the same ID.
type Definition struct {
	ID                     uuid.UUID       `json:"id"`
	Version                int             `json:"version"`
	Name                   string          `json:"name"`
	ControllerName         string          `json:"controller"`
	Query                  json.RawMessage `json:"query,omitempty"`
	Tenant                 string          `json:"tenant,omitempty"`
	Integration            string          `json:"integration,omitempty"`
	Priority               Priority        `json:"priority"`
	AttemptMax             int             `json:"attempt_max"`
	RetryWaitTimeInMinutes int             `json:"retry_wait_minutes"`
	TimeoutInMinutes       int             `json:"timeout_minutes"`
	FrequencyInMinutes     int             `json:"frequency_minutes"`
	FullFrequencyInMinutes int             `json:"full_frequency_minutes"`
	CreatedAt              time.Time       `json:"created_at"`
}

// NewDefinition returns a version-1 definition with a fresh id and the
// smallest legal policy: one attempt, no retry wait, no periodic cadence.
func NewDefinition(name, controller string, query json.RawMessage) *Definition {
	return &Definition{
		ID:               uuid.New(),
		Version:          1,
		Name:             name,
		ControllerName:   controller,
		Query:            query,
		Priority:         PriorityNormal,
		AttemptMax:       1,
		TimeoutInMinutes: 60,
		CreatedAt:        time.Now().UTC(),
	}
}

// Validate checks the definition invariants
func (d *Definition) Validate() error {
	var problems []string
	if d.ID == uuid.Nil {
		problems = append(problems, "id must be set")
	}
	if d.Version < 1 {
		problems = append(problems, "version must be >= 1")
	}
	if strings.TrimSpace(d.ControllerName) == "" {
		problems = append(problems, "controller must be set")
	}
	if !d.Priority.IsValid() {
		problems = append(problems, "priority is unknown")
	}
	if d.AttemptMax < 1 {
		problems = append(problems, "attempt_max must be >= 1")
	}
	if d.RetryWaitTimeInMinutes < 0 {
		problems = append(problems, "retry_wait_minutes must be >= 0")
	}
	if d.TimeoutInMinutes < 1 {
		problems = append(problems, "timeout_minutes must be >= 1")
	}
	if d.FrequencyInMinutes < 0 {
		problems = append(problems, "frequency_minutes must be >= 0")
	}
	if d.FullFrequencyInMinutes < d.FrequencyInMinutes {
		problems = append(problems, "full_frequency_minutes must be >= frequency_minutes")
	}
	if len(d.Query) > 0 && !json.Valid(d.Query) {
		problems = append(problems, "query must be valid JSON")
	}

	if len(problems) > 0 {
		return errors.NewInvalidRequestError("definition %s: %s", d.ID, strings.Join(problems, "; "))
	}
	return nil
}

// Timeout is the lease duration
func (d *Definition) Timeout() time.Duration {
	return time.Duration(d.TimeoutInMinutes) * time.Minute
}

// RetryWait is the delay before a released instance is claimable again
func (d *Definition) RetryWait() time.Duration {
	return time.Duration(d.RetryWaitTimeInMinutes) * time.Minute
}

// Frequency is the incremental cadence, 0 when the definition is not periodic
func (d *Definition) Frequency() time.Duration {
	return time.Duration(d.FrequencyInMinutes) * time.Minute
}

// FullFrequency is the full-reprocessing cadence
func (d *Definition) FullFrequency() time.Duration {
	return time.Duration(d.FullFrequencyInMinutes) * time.Minute
}

// Redefine returns a copy carrying the next version number
func (d *Definition) Redefine() *Definition {
	next := *d
	next.Version = d.Version + 1
	next.Query = append(json.RawMessage(nil), d.Query...)
	next.CreatedAt = time.Now().UTC()
	return &next
}
