package job

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/ingestd/errors"
)

func testDefinition() *Definition {
	def := NewDefinition("issues", "github.issues", json.RawMessage(`{"repo":"o/r"}`))
	def.AttemptMax = 3
	def.RetryWaitTimeInMinutes = 5
	def.TimeoutInMinutes = 10
	return def
}

func scheduled(t *testing.T, def *Definition, now time.Time) *Instance {
	t.Helper()
	inst := NewInstance(def, 1, false, nil, now)
	require.NoError(t, inst.Promote(now))
	return inst
}

func TestDefinitionValidate(t *testing.T) {
	def := testDefinition()
	require.NoError(t, def.Validate())

	bad := *def
	bad.AttemptMax = 0
	bad.TimeoutInMinutes = 0
	bad.FrequencyInMinutes = 60
	bad.FullFrequencyInMinutes = 30
	err := bad.Validate()
	require.Error(t, err)
	assert.True(t, errors.IsInvalidRequestError(err))
	assert.Contains(t, err.Error(), "attempt_max")
	assert.Contains(t, err.Error(), "timeout_minutes")
	assert.Contains(t, err.Error(), "full_frequency_minutes")
}

func TestDefinitionRedefine(t *testing.T) {
	def := testDefinition()
	next := def.Redefine()
	assert.Equal(t, def.ID, next.ID)
	assert.Equal(t, def.Version+1, next.Version)

	next.Query[0] = 'X'
	assert.Equal(t, byte('{'), def.Query[0], "redefinition must not alias the query")
}

func TestClaim(t *testing.T) {
	now := time.Now()
	def := testDefinition()

	t.Run("unassigned is not claimable", func(t *testing.T) {
		inst := NewInstance(def, 1, false, nil, now)
		assert.Equal(t, ClaimOutcomeNotClaimable, inst.Claim("w1", now))
		assert.Empty(t, inst.ClaimedBy)
	})

	t.Run("scheduled is claimed once", func(t *testing.T) {
		inst := scheduled(t, def, now)
		assert.Equal(t, ClaimOutcomeClaimed, inst.Claim("w1", now))
		assert.Equal(t, StatusPending, inst.Status)
		assert.Equal(t, "w1", inst.ClaimedBy)
		require.NotNil(t, inst.ClaimedAt)

		assert.Equal(t, ClaimOutcomeAlreadyClaimed, inst.Claim("w2", now))
		assert.Equal(t, "w1", inst.ClaimedBy)
	})

	t.Run("retry wait gates the claim", func(t *testing.T) {
		inst := scheduled(t, def, now)
		later := now.Add(time.Minute)
		inst.NotBefore = &later
		assert.Equal(t, ClaimOutcomeNotReady, inst.Claim("w1", now))
		assert.Equal(t, ClaimOutcomeClaimed, inst.Claim("w1", later))
		assert.Nil(t, inst.NotBefore)
	})
}

func TestRelease(t *testing.T) {
	now := time.Now()
	def := testDefinition()

	t.Run("non-owner cannot act", func(t *testing.T) {
		inst := scheduled(t, def, now)
		inst.Claim("w1", now)
		before := inst.Clone()

		err := inst.CheckLease("w2")
		assert.True(t, errors.Is(err, errors.ErrNotLeaseHolder))
		assert.Equal(t, before, inst)
	})

	t.Run("release returns to scheduled behind retry wait", func(t *testing.T) {
		inst := scheduled(t, def, now)
		inst.Claim("w1", now)
		inst.IntermediateState = json.RawMessage(`{"cursor":"p2"}`)

		require.NoError(t, inst.Release(def, "fetch failed", now))
		assert.Equal(t, StatusScheduled, inst.Status)
		assert.Equal(t, 1, inst.Attempt)
		assert.Empty(t, inst.ClaimedBy)
		assert.Nil(t, inst.ClaimedAt)
		require.NotNil(t, inst.NotBefore)
		assert.Equal(t, now.Add(5*time.Minute), *inst.NotBefore)
		assert.JSONEq(t, `{"cursor":"p2"}`, string(inst.IntermediateState))
		assert.Equal(t, "fetch failed", inst.Error)
	})

	t.Run("exhausted attempts fail the instance", func(t *testing.T) {
		inst := scheduled(t, def, now)
		clock := now
		for i := 1; i <= def.AttemptMax; i++ {
			require.Equal(t, ClaimOutcomeClaimed, inst.Claim("w1", clock))
			require.NoError(t, inst.Release(def, "boom", clock))
			clock = clock.Add(def.RetryWait())
		}
		assert.Equal(t, StatusFailure, inst.Status)
		assert.Equal(t, def.AttemptMax, inst.Attempt)
		assert.NotNil(t, inst.DoneAt)
		assert.Equal(t, ClaimOutcomeNotClaimable, inst.Claim("w1", clock))
	})

	t.Run("canceled release aborts", func(t *testing.T) {
		inst := scheduled(t, def, now)
		inst.Claim("w1", now)
		require.NoError(t, inst.RequestCancel(now))
		require.NoError(t, inst.Release(def, "", now))
		assert.Equal(t, StatusAborted, inst.Status)
	})
}

func TestRequestCancel(t *testing.T) {
	now := time.Now()
	def := testDefinition()

	unassigned := NewInstance(def, 1, false, nil, now)
	require.NoError(t, unassigned.RequestCancel(now))
	assert.Equal(t, StatusAborted, unassigned.Status)

	pending := scheduled(t, def, now)
	pending.Claim("w1", now)
	require.NoError(t, pending.RequestCancel(now))
	assert.Equal(t, StatusCanceled, pending.Status)
	assert.Equal(t, "w1", pending.ClaimedBy, "cancel keeps the lease until the worker reports")
	require.NoError(t, pending.RequestCancel(now), "repeated cancel is a no-op")

	err := unassigned.RequestCancel(now)
	assert.True(t, errors.Is(err, errors.ErrNotCancelable))
}

func TestFinish(t *testing.T) {
	now := time.Now()
	def := testDefinition()

	inst := scheduled(t, def, now)
	inst.Claim("w1", now)
	inst.IntermediateState = json.RawMessage(`{"cursor":"x"}`)
	require.NoError(t, inst.Finish(StatusSuccess, "", now))
	assert.Equal(t, StatusSuccess, inst.Status)
	assert.Nil(t, inst.IntermediateState)
	assert.Empty(t, inst.ClaimedBy)
	assert.Equal(t, 1, inst.Attempt)

	invalid := scheduled(t, def, now)
	invalid.Claim("w1", now)
	require.NoError(t, invalid.Finish(StatusInvalid, "unknown controller", now))
	assert.Equal(t, 0, invalid.Attempt, "INVALID does not consume an attempt")

	assert.Error(t, inst.Finish(StatusPending, "", now))
	assert.Error(t, inst.Finish(StatusFailure, "", now), "terminal instances stay terminal")
}

func TestLeaseExpired(t *testing.T) {
	now := time.Now()
	def := testDefinition()

	inst := scheduled(t, def, now)
	assert.False(t, inst.LeaseExpired(def, now.Add(time.Hour)))

	inst.Claim("w1", now)
	assert.False(t, inst.LeaseExpired(def, now.Add(9*time.Minute)))
	assert.True(t, inst.LeaseExpired(def, now.Add(10*time.Minute)))
}

func TestClone(t *testing.T) {
	now := time.Now()
	inst := scheduled(t, testDefinition(), now)
	inst.Claim("w1", now)
	inst.Result = json.RawMessage(`{"a":1}`)
	inst.Failures = []IngestionFailure{Warning("skipped", "r1")}

	c := inst.Clone()
	c.Result[2] = 'b'
	*c.ClaimedAt = now.Add(time.Hour)
	c.Failures[0].Message = "changed"

	assert.JSONEq(t, `{"a":1}`, string(inst.Result))
	assert.Equal(t, now, *inst.ClaimedAt)
	assert.Equal(t, "skipped", inst.Failures[0].Message)
}
