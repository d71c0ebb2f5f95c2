// Package job holds the value types shared by the scheduler, the lease
// stores and the workers: definitions, instance ids, instances and their
// status machine.
package job

// Status is the lease-protocol state of a job instance
type Status string

const (
	StatusUnassigned Status = "UNASSIGNED"
	StatusScheduled  Status = "SCHEDULED"
	StatusPending    Status = "PENDING"
	StatusSuccess    Status = "SUCCESS"
	StatusFailure    Status = "FAILURE"
	// StatusCanceled is a request state: the lease is still held until the
	// worker observes it and reports ABORTED.
	StatusCanceled Status = "CANCELED"
	StatusAborted  Status = "ABORTED"
	StatusInvalid  Status = "INVALID"
)

// AllStatuses lists every status in lifecycle order
var AllStatuses = []Status{
	StatusUnassigned, StatusScheduled, StatusPending, StatusCanceled,
	StatusSuccess, StatusFailure, StatusAborted, StatusInvalid,
}

// IsValid returns true if s is a known status
func (s Status) IsValid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// IsTerminal returns true once no further transition is possible
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusFailure, StatusAborted, StatusInvalid:
		return true
	}
	return false
}

// HoldsLease returns true for the statuses in which exactly one worker owns the instance
func (s Status) HoldsLease() bool {
	return s == StatusPending || s == StatusCanceled
}

// IsActive returns true while an instance still occupies its definition's slot
func (s Status) IsActive() bool {
	return s == StatusScheduled || s.HoldsLease()
}

var transitions = map[Status][]Status{
	StatusUnassigned: {StatusScheduled, StatusAborted},
	StatusScheduled:  {StatusPending, StatusAborted},
	StatusPending:    {StatusScheduled, StatusSuccess, StatusFailure, StatusCanceled, StatusAborted},
	StatusCanceled:   {StatusAborted, StatusSuccess, StatusFailure},
}

// CanTransition reports whether the state machine allows s → to.
// INVALID is reachable from every non-terminal state.
func (s Status) CanTransition(to Status) bool {
	if s.IsTerminal() {
		return false
	}
	if to == StatusInvalid {
		return true
	}
	for _, allowed := range transitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}
