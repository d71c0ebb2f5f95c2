// Package trigger decides when new job instances are created. A trigger
// holds a cursor, the iteration timestamp, marking how far its definition
// has been scanned; each run asks for the window from that cursor to now
// and advances it only after the scheduler accepted the job.
package trigger

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/teranos/ingestd/errors"
)

// Type is how a trigger is fired
type Type string

const (
	// TypePeriodic fires on a cron schedule
	TypePeriodic Type = "periodic"
	// TypeWebhook fires when POST /triggers/{id}/fire is called
	TypeWebhook Type = "webhook"
)

// IsValid checks if the type is known
func (t Type) IsValid() bool {
	return t == TypePeriodic || t == TypeWebhook
}

// Trigger is a persisted scheduling cursor for one job definition
type Trigger struct {
	ID           string    `json:"id"`
	Type         Type      `json:"type"`
	DefinitionID uuid.UUID `json:"definition_id"`
	Schedule     string    `json:"schedule,omitempty"` // standard 5-field cron spec, periodic only
	// IterationTimestamp is the end of the last window handed to the scheduler, nil before the first run
	IterationTimestamp *time.Time      `json:"iteration_timestamp,omitempty"`
	LastFullAt         *time.Time      `json:"last_full_at,omitempty"`
	Metadata           json.RawMessage `json:"metadata,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// Metadata is what a successful run writes back
type Metadata struct {
	Iteration  time.Time
	LastFullAt *time.Time
	Blob       json.RawMessage
}

// Validate checks the trigger invariants
func (t *Trigger) Validate() error {
	var problems []string
	if strings.TrimSpace(t.ID) == "" {
		problems = append(problems, "id must be set")
	}
	if !t.Type.IsValid() {
		problems = append(problems, "type must be periodic or webhook")
	}
	if t.DefinitionID == uuid.Nil {
		problems = append(problems, "definition_id must be set")
	}
	if t.Type == TypePeriodic {
		if _, err := cron.ParseStandard(t.Schedule); err != nil {
			problems = append(problems, "schedule is not a valid cron spec: "+err.Error())
		}
	}
	if len(t.Metadata) > 0 && !json.Valid(t.Metadata) {
		problems = append(problems, "metadata must be valid JSON")
	}
	if len(problems) > 0 {
		return errors.NewInvalidRequestError("trigger %q: %s", t.ID, strings.Join(problems, "; "))
	}
	return nil
}

// epoch truncates to the second, the precision triggers are stored at
func epoch(t time.Time) time.Time {
	return time.Unix(t.Unix(), 0).UTC()
}
