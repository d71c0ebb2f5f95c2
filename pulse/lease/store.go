// Package lease persists job definitions and instances and provides the
// compare-and-swap primitive every lease-protocol transition goes through.
package lease

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/ingestd/errors"
	"github.com/teranos/ingestd/pulse/job"
)

// ErrSkip returned from a TransitionFunc ends the transition without writing.
var ErrSkip = errors.New("transition skipped")

// maxCASRetries bounds optimistic-lock retries before giving up with ErrConflict
const maxCASRetries = 5

// TransitionFunc mutates a scratch copy of an instance. It sees the
// definition version the instance is pinned to. Returning an error aborts
// the transition and leaves the stored instance untouched.
type TransitionFunc func(inst *job.Instance, def *job.Definition) error

// InstanceSpec describes a new instance
type InstanceSpec struct {
	Partial   bool
	Request   json.RawMessage
	CreatedAt time.Time
}

// Filter narrows ListInstances. Zero values match everything.
type Filter struct {
	Statuses     []job.Status
	DefinitionID uuid.UUID
	Limit        int
}

func (f Filter) matches(inst *job.Instance) bool {
	if f.DefinitionID != uuid.Nil && inst.ID.DefinitionID != f.DefinitionID {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if inst.Status == s {
			return true
		}
	}
	return false
}

// Store is the durable table of definitions and instances.
// Transition is linearizable per instance.
type Store interface {
	CreateDefinition(ctx context.Context, def *job.Definition) error
	GetDefinition(ctx context.Context, id uuid.UUID, version int) (*job.Definition, error)
	LatestDefinition(ctx context.Context, id uuid.UUID) (*job.Definition, error)
	ListDefinitions(ctx context.Context) ([]*job.Definition, error)

	// CreateInstance allocates the next sequence number for the definition's
	// latest version and stores an UNASSIGNED instance.
	CreateInstance(ctx context.Context, definitionID uuid.UUID, spec InstanceSpec) (*job.Instance, error)
	GetInstance(ctx context.Context, id job.InstanceID) (*job.Instance, error)
	// ListInstances returns matches ordered by creation time, then sequence.
	ListInstances(ctx context.Context, filter Filter) ([]*job.Instance, error)
	// Transition applies fn atomically and returns the stored result.
	Transition(ctx context.Context, id job.InstanceID, fn TransitionFunc) (*job.Instance, error)

	// LastSuccess returns when the definition last completed successfully,
	// counting only full passes when fullOnly is set. Nil when it never has.
	LastSuccess(ctx context.Context, definitionID uuid.UUID, fullOnly bool) (*time.Time, error)
}

func instanceNotFound(id job.InstanceID) error {
	return errors.NewNotFoundError("job instance %s", id)
}

func definitionNotFound(id uuid.UUID, version int) error {
	if version == 0 {
		return errors.NewNotFoundError("job definition %s", id)
	}
	return errors.NewNotFoundError("job definition %s version %d", id, version)
}
