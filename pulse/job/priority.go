package job

import (
	"strings"

	"github.com/teranos/ingestd/errors"
)

// Priority orders claimable work. Higher values are handed out first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

var priorityNames = map[Priority]string{
	PriorityLow:      "low",
	PriorityNormal:   "normal",
	PriorityHigh:     "high",
	PriorityCritical: "critical",
}

func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return "unknown"
}

// IsValid returns true for the declared priorities
func (p Priority) IsValid() bool {
	_, ok := priorityNames[p]
	return ok
}

// ParsePriority accepts a priority name, case-insensitively
func ParsePriority(s string) (Priority, error) {
	needle := strings.ToLower(strings.TrimSpace(s))
	for p, name := range priorityNames {
		if name == needle {
			return p, nil
		}
	}
	return 0, errors.NewInvalidRequestError("unknown priority %q", s)
}

func (p Priority) MarshalText() ([]byte, error) {
	if !p.IsValid() {
		return nil, errors.NewInvalidRequestError("unknown priority %d", int(p))
	}
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(text []byte) error {
	parsed, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
