package job

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to Status
		allowed  bool
	}{
		{StatusUnassigned, StatusScheduled, true},
		{StatusUnassigned, StatusPending, false},
		{StatusScheduled, StatusPending, true},
		{StatusPending, StatusScheduled, true},
		{StatusPending, StatusSuccess, true},
		{StatusPending, StatusCanceled, true},
		{StatusCanceled, StatusAborted, true},
		{StatusCanceled, StatusScheduled, false},
		{StatusScheduled, StatusSuccess, false},
		{StatusUnassigned, StatusInvalid, true},
		{StatusCanceled, StatusInvalid, true},
		{StatusSuccess, StatusInvalid, false},
		{StatusFailure, StatusScheduled, false},
		{StatusAborted, StatusScheduled, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.from.CanTransition(tt.to))
		})
	}
}

func TestStatusPredicates(t *testing.T) {
	for _, s := range AllStatuses {
		assert.True(t, s.IsValid())
		if s.IsTerminal() {
			assert.False(t, s.HoldsLease(), "%s", s)
			assert.False(t, s.IsActive(), "%s", s)
		}
	}
	assert.False(t, Status("RUNNING").IsValid())
	assert.True(t, StatusPending.HoldsLease())
	assert.True(t, StatusCanceled.HoldsLease())
	assert.False(t, StatusScheduled.HoldsLease())
	assert.True(t, StatusScheduled.IsActive())
	assert.False(t, StatusUnassigned.IsActive())
}

func TestPriorityText(t *testing.T) {
	for _, p := range []Priority{PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical} {
		text, err := p.MarshalText()
		assert.NoError(t, err)

		var back Priority
		assert.NoError(t, back.UnmarshalText(text))
		assert.Equal(t, p, back)
	}

	p, err := ParsePriority(" HIGH ")
	assert.NoError(t, err)
	assert.Equal(t, PriorityHigh, p)

	_, err = ParsePriority("urgent")
	assert.Error(t, err)
	assert.True(t, PriorityCritical > PriorityHigh && PriorityHigh > PriorityNormal && PriorityNormal > PriorityLow)
}
