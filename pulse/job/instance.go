package job

import (
	"encoding/json"
	"time"

	"github.com/teranos/ingestd/errors"
)

// Instance is one leased execution of a Definition
type Instance struct {
	ID                InstanceID         `json:"id"`
	DefinitionVersion int                `json:"definition_version"`
	Status            Status             `json:"status"`
	Attempt           int                `json:"attempt"`
	ClaimedBy         string             `json:"claimed_by,omitempty"`
	ClaimedAt         *time.Time         `json:"claimed_at,omitempty"`
	NotBefore         *time.Time         `json:"not_before,omitempty"` // retry wait gate
	Partial           bool               `json:"partial"`
	Request           json.RawMessage    `json:"request,omitempty"`
	IntermediateState json.RawMessage    `json:"intermediate_state,omitempty"`
	Result            json.RawMessage    `json:"result,omitempty"`
	Failures          []IngestionFailure `json:"failures,omitempty"`
	Error             string             `json:"error,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
	UpdatedAt         time.Time          `json:"updated_at"`
	DoneAt            *time.Time         `json:"done_at,omitempty"`
	RowVersion        int64              `json:"-"`
}

// ClaimOutcome is the result of a claim attempt. Only ClaimOutcomeClaimed
// grants the lease; the rest tell the worker to move on to another instance.
type ClaimOutcome string

const (
	ClaimOutcomeClaimed        ClaimOutcome = "claimed"
	ClaimOutcomeAlreadyClaimed ClaimOutcome = "already_claimed"
	ClaimOutcomeNotReady       ClaimOutcome = "not_ready"
	ClaimOutcomeNotClaimable   ClaimOutcome = "not_claimable"
	ClaimOutcomeNotFound       ClaimOutcome = "not_found"
)

// NewInstance returns an UNASSIGNED instance pinned to def's current version
func NewInstance(def *Definition, seq int64, partial bool, request json.RawMessage, now time.Time) *Instance {
	return &Instance{
		ID:                NewInstanceID(def.ID, seq),
		DefinitionVersion: def.Version,
		Status:            StatusUnassigned,
		Partial:           partial,
		Request:           request,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// Clone returns a deep copy, so transition functions can work on a scratch value
func (i *Instance) Clone() *Instance {
	c := *i
	c.ClaimedAt = cloneTime(i.ClaimedAt)
	c.NotBefore = cloneTime(i.NotBefore)
	c.DoneAt = cloneTime(i.DoneAt)
	c.Request = cloneRaw(i.Request)
	c.IntermediateState = cloneRaw(i.IntermediateState)
	c.Result = cloneRaw(i.Result)
	if i.Failures != nil {
		c.Failures = append([]IngestionFailure(nil), i.Failures...)
	}
	return &c
}

// Ready reports whether the retry wait has elapsed
func (i *Instance) Ready(now time.Time) bool {
	return i.NotBefore == nil || !now.Before(*i.NotBefore)
}

// Promote moves an UNASSIGNED instance into the claimable pool
func (i *Instance) Promote(now time.Time) error {
	if err := i.moveTo(StatusScheduled); err != nil {
		return err
	}
	i.UpdatedAt = now
	return nil
}

// Claim grants the lease to worker when the instance is SCHEDULED, unclaimed
// and past its retry wait. It mutates the instance only on success.
func (i *Instance) Claim(worker string, now time.Time) ClaimOutcome {
	switch {
	case i.Status.HoldsLease():
		return ClaimOutcomeAlreadyClaimed
	case i.Status != StatusScheduled:
		return ClaimOutcomeNotClaimable
	case i.ClaimedBy != "":
		return ClaimOutcomeAlreadyClaimed
	case !i.Ready(now):
		return ClaimOutcomeNotReady
	}

	i.Status = StatusPending
	i.ClaimedBy = worker
	i.ClaimedAt = &now
	i.NotBefore = nil
	i.UpdatedAt = now
	return ClaimOutcomeClaimed
}

// CheckLease returns errors.ErrNotLeaseHolder unless worker holds the lease
func (i *Instance) CheckLease(worker string) error {
	if !i.Status.HoldsLease() || i.ClaimedBy == "" || i.ClaimedBy != worker {
		return errors.Wrapf(errors.ErrNotLeaseHolder,
			"worker %q on %s (status %s, claimed by %q)", worker, i.ID, i.Status, i.ClaimedBy)
	}
	return nil
}

// Release ends the current attempt without success. The attempt counts
// against def.AttemptMax: an exhausted instance becomes FAILURE, a canceled
// one becomes ABORTED, otherwise it returns to SCHEDULED behind the retry
// wait. Intermediate state is kept so the next attempt can resume.
func (i *Instance) Release(def *Definition, reason string, now time.Time) error {
	if !i.Status.HoldsLease() {
		return errors.Wrapf(errors.ErrNotLeaseHolder, "%s is %s, no lease to release", i.ID, i.Status)
	}

	i.Attempt++
	if reason != "" {
		i.Error = reason
	}

	var next Status
	switch {
	case i.Status == StatusCanceled:
		next = StatusAborted
	case i.Attempt >= def.AttemptMax:
		next = StatusFailure
	default:
		next = StatusScheduled
	}

	if err := i.moveTo(next); err != nil {
		return err
	}
	i.clearLease()
	if next == StatusScheduled {
		if wait := def.RetryWait(); wait > 0 {
			notBefore := now.Add(wait)
			i.NotBefore = &notBefore
		}
	} else {
		i.DoneAt = &now
	}
	i.UpdatedAt = now
	return nil
}

// Yield hands the lease back without ending the attempt, for a worker that
// is shutting down mid-run. The attempt count is unchanged and the instance
// is claimable again at once; a canceled instance still becomes ABORTED.
func (i *Instance) Yield(now time.Time) error {
	if !i.Status.HoldsLease() {
		return errors.Wrapf(errors.ErrNotLeaseHolder, "%s is %s, no lease to yield", i.ID, i.Status)
	}
	next := StatusScheduled
	if i.Status == StatusCanceled {
		next = StatusAborted
	}
	if err := i.moveTo(next); err != nil {
		return err
	}
	i.clearLease()
	if next == StatusAborted {
		i.DoneAt = &now
	}
	i.UpdatedAt = now
	return nil
}

// RequestCancel asks for the instance to stop. Unleased instances abort
// immediately; a leased one becomes CANCELED until its worker reports back.
func (i *Instance) RequestCancel(now time.Time) error {
	switch {
	case i.Status.IsTerminal():
		return errors.Wrapf(errors.ErrNotCancelable, "%s is already %s", i.ID, i.Status)
	case i.Status == StatusCanceled:
		return nil
	case i.Status == StatusPending:
		i.Status = StatusCanceled
	default:
		if err := i.moveTo(StatusAborted); err != nil {
			return err
		}
		i.DoneAt = &now
	}
	i.UpdatedAt = now
	return nil
}

// Finish records a terminal outcome reported by the lease holder
func (i *Instance) Finish(status Status, errMsg string, now time.Time) error {
	if !status.IsTerminal() {
		return errors.NewInvalidRequestError("%s is not a terminal status", status)
	}
	if err := i.moveTo(status); err != nil {
		return err
	}
	i.clearLease()
	if status == StatusSuccess {
		i.IntermediateState = nil
		i.Error = ""
	} else if errMsg != "" {
		i.Error = errMsg
	}
	// INVALID and ABORTED do not consume an attempt; SUCCESS and FAILURE do
	if status == StatusSuccess || status == StatusFailure {
		i.Attempt++
	}
	i.DoneAt = &now
	i.UpdatedAt = now
	return nil
}

// Invalidate marks a request that cannot be satisfied, from any live state
func (i *Instance) Invalidate(reason string, now time.Time) error {
	if err := i.moveTo(StatusInvalid); err != nil {
		return err
	}
	i.clearLease()
	i.Error = reason
	i.DoneAt = &now
	i.UpdatedAt = now
	return nil
}

// LeaseExpired reports whether a held lease outlived def's timeout
func (i *Instance) LeaseExpired(def *Definition, now time.Time) bool {
	if !i.Status.HoldsLease() || i.ClaimedAt == nil {
		return false
	}
	return !now.Before(i.ClaimedAt.Add(def.Timeout()))
}

// AppendFailures adds record-level failures
func (i *Instance) AppendFailures(failures []IngestionFailure) {
	i.Failures = append(i.Failures, failures...)
}

func (i *Instance) moveTo(next Status) error {
	if !i.Status.CanTransition(next) {
		return errors.Wrapf(errors.ErrConflict, "%s cannot move from %s to %s", i.ID, i.Status, next)
	}
	i.Status = next
	return nil
}

func (i *Instance) clearLease() {
	i.ClaimedBy = ""
	i.ClaimedAt = nil
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func cloneRaw(r json.RawMessage) json.RawMessage {
	if r == nil {
		return nil
	}
	return append(json.RawMessage(nil), r...)
}
