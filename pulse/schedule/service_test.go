package schedule

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/ingestd/errors"
	testdb "github.com/teranos/ingestd/internal/testing"
	"github.com/teranos/ingestd/pulse/job"
	"github.com/teranos/ingestd/pulse/lease"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestService(t *testing.T, opts ...Option) (*Service, *fakeClock) {
	store, err := lease.NewMemStore()
	require.NoError(t, err)
	clock := &fakeClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return NewService(store, zaptest.NewLogger(t).Sugar(), opts...), clock
}

func createDefinition(t *testing.T, svc *Service, mutate func(*job.Definition)) *job.Definition {
	def := job.NewDefinition("issues", "github.issues", json.RawMessage(`{"repo":"teranos/ingestd"}`))
	if mutate != nil {
		mutate(def)
	}
	require.NoError(t, svc.CreateDefinition(context.Background(), def))
	return def
}

// scheduleInstance creates an instance and promotes it; def must have no other open instance
func scheduleInstance(t *testing.T, svc *Service, def *job.Definition, partial bool) *job.Instance {
	ctx := context.Background()
	inst, err := svc.CreateInstance(ctx, def.ID, lease.InstanceSpec{Partial: partial})
	require.NoError(t, err)
	_, err = svc.PromoteUnassigned(ctx)
	require.NoError(t, err)
	inst, err = svc.Instance(ctx, inst.ID)
	require.NoError(t, err)
	require.Equal(t, job.StatusScheduled, inst.Status)
	return inst
}

func claim(t *testing.T, svc *Service, id job.InstanceID, worker string) *job.Instance {
	res, err := svc.ClaimJob(context.Background(), id, worker)
	require.NoError(t, err)
	require.Equal(t, job.ClaimOutcomeClaimed, res.Outcome)
	return res.Instance
}

func TestClaimJob_Outcomes(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	def := createDefinition(t, svc, nil)

	inst, err := svc.CreateInstance(ctx, def.ID, lease.InstanceSpec{})
	require.NoError(t, err)

	res, err := svc.ClaimJob(ctx, inst.ID, "w1")
	require.NoError(t, err)
	assert.Equal(t, job.ClaimOutcomeNotClaimable, res.Outcome, "UNASSIGNED is not claimable")

	_, err = svc.PromoteUnassigned(ctx)
	require.NoError(t, err)

	res, err = svc.ClaimJob(ctx, inst.ID, "w1")
	require.NoError(t, err)
	require.True(t, res.Claimed())
	assert.Equal(t, job.StatusPending, res.Instance.Status)
	assert.Equal(t, "w1", res.Instance.ClaimedBy)
	assert.NotNil(t, res.Instance.ClaimedAt)
	require.NotNil(t, res.Definition)
	assert.Equal(t, "github.issues", res.Definition.ControllerName)

	res, err = svc.ClaimJob(ctx, inst.ID, "w2")
	require.NoError(t, err)
	assert.Equal(t, job.ClaimOutcomeAlreadyClaimed, res.Outcome)

	res, err = svc.ClaimJob(ctx, job.NewInstanceID(uuid.New(), 1), "w1")
	require.NoError(t, err)
	assert.Equal(t, job.ClaimOutcomeNotFound, res.Outcome)

	_, err = svc.ClaimJob(ctx, inst.ID, "")
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestClaimJob_SingleWinner(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	def := createDefinition(t, svc, nil)
	inst := scheduleInstance(t, svc, def, false)

	const workers = 16
	var wg sync.WaitGroup
	outcomes := make([]job.ClaimOutcome, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := svc.ClaimJob(ctx, inst.ID, uuid.NewString())
			if assert.NoError(t, err) {
				outcomes[i] = res.Outcome
			}
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, o := range outcomes {
		if o == job.ClaimOutcomeClaimed {
			winners++
		} else {
			assert.Equal(t, job.ClaimOutcomeAlreadyClaimed, o)
		}
	}
	assert.Equal(t, 1, winners)
}

func TestUnclaimJob_NonOwnerDoesNotMutate(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	def := createDefinition(t, svc, func(d *job.Definition) { d.AttemptMax = 3 })
	inst := scheduleInstance(t, svc, def, false)
	claim(t, svc, inst.ID, "w1")

	before, err := svc.Instance(ctx, inst.ID)
	require.NoError(t, err)

	_, err = svc.UnclaimJob(ctx, inst.ID, "w2", "not mine")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNotLeaseHolder))

	after, err := svc.Instance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, job.StatusPending, after.Status)
	assert.Equal(t, 0, after.Attempt)
	assert.Equal(t, "w1", after.ClaimedBy)
}

func TestYieldJob_KeepsAttempt(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	def := createDefinition(t, svc, func(d *job.Definition) {
		d.AttemptMax = 1
		d.RetryWaitTimeInMinutes = 5
	})
	inst := scheduleInstance(t, svc, def, false)
	claim(t, svc, inst.ID, "w1")

	_, err := svc.YieldJob(ctx, inst.ID, "w2")
	assert.True(t, errors.Is(err, errors.ErrNotLeaseHolder))

	res, err := svc.YieldJob(ctx, inst.ID, "w1")
	require.NoError(t, err)
	assert.Equal(t, UnclaimResult{Status: job.StatusScheduled, Attempt: 0}, res)

	got, err := svc.Instance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Empty(t, got.ClaimedBy)
	assert.Nil(t, got.NotBefore, "no retry wait after a yield")

	claim(t, svc, inst.ID, "w2")
	_, err = svc.CancelJob(ctx, inst.ID)
	require.NoError(t, err)
	res, err = svc.YieldJob(ctx, inst.ID, "w2")
	require.NoError(t, err)
	assert.Equal(t, job.StatusAborted, res.Status, "a canceled run still ends")
}

func TestUnclaimJob_RetryWaitThenExhaustion(t *testing.T) {
	ctx := context.Background()
	svc, clock := newTestService(t)
	def := createDefinition(t, svc, func(d *job.Definition) {
		d.AttemptMax = 2
		d.RetryWaitTimeInMinutes = 5
	})
	inst := scheduleInstance(t, svc, def, false)
	claim(t, svc, inst.ID, "w1")

	res, err := svc.UnclaimJob(ctx, inst.ID, "w1", "fetch failed")
	require.NoError(t, err)
	assert.Equal(t, UnclaimResult{Status: job.StatusScheduled, Attempt: 1}, res)

	got, err := svc.Instance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Empty(t, got.ClaimedBy)
	require.NotNil(t, got.NotBefore)
	assert.Equal(t, clock.Now().Add(5*time.Minute), *got.NotBefore)

	ready, err := svc.GetJobsToRun(ctx)
	require.NoError(t, err)
	assert.Empty(t, ready, "retry wait not elapsed")

	again, err := svc.ClaimJob(ctx, inst.ID, "w2")
	require.NoError(t, err)
	assert.Equal(t, job.ClaimOutcomeNotReady, again.Outcome)

	clock.Advance(5 * time.Minute)
	claim(t, svc, inst.ID, "w2")

	res, err = svc.UnclaimJob(ctx, inst.ID, "w2", "fetch failed again")
	require.NoError(t, err)
	assert.True(t, res.Exhausted)
	assert.Equal(t, job.StatusFailure, res.Status)
	assert.Equal(t, 2, res.Attempt)

	got, err = svc.Instance(ctx, inst.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.DoneAt)
	assert.Equal(t, "fetch failed again", got.Error)

	ready, err = svc.GetJobsToRun(ctx)
	require.NoError(t, err)
	assert.Empty(t, ready, "exhausted instances are not retried")
}

func TestSweepTimeouts(t *testing.T) {
	ctx := context.Background()
	svc, clock := newTestService(t)

	once := createDefinition(t, svc, func(d *job.Definition) { d.TimeoutInMinutes = 10 })
	retried := createDefinition(t, svc, func(d *job.Definition) {
		d.TimeoutInMinutes = 10
		d.AttemptMax = 3
	})
	a := scheduleInstance(t, svc, once, false)
	b := scheduleInstance(t, svc, retried, false)
	claim(t, svc, a.ID, "w1")
	claim(t, svc, b.ID, "w2")

	clock.Advance(9 * time.Minute)
	swept, err := svc.SweepTimeouts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, swept)

	clock.Advance(time.Minute)
	swept, err = svc.SweepTimeouts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, swept)

	gotA, err := svc.Instance(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailure, gotA.Status, "single attempt exhausted by timeout")
	assert.Equal(t, 1, gotA.Attempt)
	assert.Contains(t, gotA.Error, "timed out")

	gotB, err := svc.Instance(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusScheduled, gotB.Status)
	assert.Equal(t, 1, gotB.Attempt)
	assert.Empty(t, gotB.ClaimedBy)
}

func TestSweepTimeouts_CanceledLeaseAborts(t *testing.T) {
	ctx := context.Background()
	svc, clock := newTestService(t)
	def := createDefinition(t, svc, func(d *job.Definition) { d.AttemptMax = 5 })
	inst := scheduleInstance(t, svc, def, false)
	claim(t, svc, inst.ID, "w1")

	_, err := svc.CancelJob(ctx, inst.ID)
	require.NoError(t, err)

	clock.Advance(def.Timeout())
	swept, err := svc.SweepTimeouts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	got, err := svc.Instance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusAborted, got.Status)
}

func TestGetJobsToRun_PriorityThenAge(t *testing.T) {
	ctx := context.Background()
	svc, clock := newTestService(t)

	priorities := []job.Priority{job.PriorityLow, job.PriorityNormal, job.PriorityCritical, job.PriorityHigh, job.PriorityNormal}
	ids := make([]job.InstanceID, len(priorities))
	for i, p := range priorities {
		p := p
		def := createDefinition(t, svc, func(d *job.Definition) { d.Priority = p })
		ids[i] = scheduleInstance(t, svc, def, false).ID
		clock.Advance(time.Second)
	}

	ready, err := svc.GetJobsToRun(ctx)
	require.NoError(t, err)
	require.Len(t, ready, 5)

	var got []job.InstanceID
	for _, inst := range ready {
		got = append(got, inst.ID)
	}
	assert.Equal(t, []job.InstanceID{ids[2], ids[3], ids[1], ids[4], ids[0]}, got)
}

func TestGetJobsToRun_FrequencyGating(t *testing.T) {
	ctx := context.Background()
	svc, clock := newTestService(t)
	def := createDefinition(t, svc, func(d *job.Definition) {
		d.FrequencyInMinutes = 60
		d.FullFrequencyInMinutes = 24 * 60
	})

	first := scheduleInstance(t, svc, def, false)
	ready, err := svc.GetJobsToRun(ctx)
	require.NoError(t, err)
	require.Len(t, ready, 1, "no prior success means eligible")

	claim(t, svc, first.ID, "w1")
	_, err = svc.CompleteJob(ctx, first.ID, "w1", Completion{Status: job.StatusSuccess, Result: json.RawMessage(`{"n":1}`)})
	require.NoError(t, err)

	partial := scheduleInstance(t, svc, def, true)

	clock.Advance(30 * time.Minute)
	ready, err = svc.GetJobsToRun(ctx)
	require.NoError(t, err)
	assert.Empty(t, ready, "partial pass inside frequency window")

	clock.Advance(30 * time.Minute)
	ready, err = svc.GetJobsToRun(ctx)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, partial.ID, ready[0].ID)

	_, err = svc.CancelJob(ctx, partial.ID)
	require.NoError(t, err)
	full := scheduleInstance(t, svc, def, false)
	ready, err = svc.GetJobsToRun(ctx)
	require.NoError(t, err)
	assert.Empty(t, ready, "full pass gated by full frequency")

	clock.Advance(23 * time.Hour)
	ready, err = svc.GetJobsToRun(ctx)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, full.ID, ready[0].ID)
}

func TestCheckpointAndCancel(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	def := createDefinition(t, svc, nil)
	inst := scheduleInstance(t, svc, def, false)
	claim(t, svc, inst.ID, "w1")

	_, err := svc.Checkpoint(ctx, inst.ID, "w1", Checkpoint{
		State:    json.RawMessage(`{"cursor":"2"}`),
		Partial:  json.RawMessage(`{"merge_strategy":"storage-results-list","issues":[1]}`),
		Failures: []job.IngestionFailure{job.Warning("label missing", "issue/1")},
	})
	require.NoError(t, err)
	got, err := svc.Checkpoint(ctx, inst.ID, "w1", Checkpoint{
		State:    json.RawMessage(`{"cursor":"3"}`),
		Partial:  json.RawMessage(`{"merge_strategy":"storage-results-list","issues":[2]}`),
		Failures: []job.IngestionFailure{job.Error("bad payload", "issue/2")},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"cursor":"3"}`, string(got.IntermediateState))
	assert.JSONEq(t, `{"merge_strategy":"storage-results-list","issues":[1,2]}`, string(got.Result))
	assert.Len(t, got.Failures, 2)

	_, err = svc.Checkpoint(ctx, inst.ID, "w2", Checkpoint{State: json.RawMessage(`{}`)})
	assert.True(t, errors.Is(err, errors.ErrNotLeaseHolder))

	canceled, err := svc.CancelJob(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCanceled, canceled.Status)
	assert.Equal(t, "w1", canceled.ClaimedBy, "lease held until the worker reports")

	_, err = svc.Checkpoint(ctx, inst.ID, "w1", Checkpoint{State: json.RawMessage(`{"cursor":"4"}`)})
	assert.True(t, errors.Is(err, errors.ErrCanceled))

	done, err := svc.CompleteJob(ctx, inst.ID, "w1", Completion{Status: job.StatusAborted})
	require.NoError(t, err)
	assert.Equal(t, job.StatusAborted, done.Status)
	assert.Equal(t, 0, done.Attempt)
	assert.Empty(t, done.ClaimedBy)

	_, err = svc.CancelJob(ctx, inst.ID)
	assert.True(t, errors.Is(err, errors.ErrNotCancelable))
}

func TestCancelJob_UnleasedAbortsImmediately(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	def := createDefinition(t, svc, nil)

	inst, err := svc.CreateInstance(ctx, def.ID, lease.InstanceSpec{})
	require.NoError(t, err)

	got, err := svc.CancelJob(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusAborted, got.Status)
	assert.NotNil(t, got.DoneAt)
}

type recordingWriter struct {
	mu     sync.Mutex
	writes []*job.Instance
}

func (w *recordingWriter) Write(_ context.Context, _ *job.Definition, inst *job.Instance) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writes = append(w.writes, inst)
	return nil
}

func TestCompleteJob(t *testing.T) {
	ctx := context.Background()
	writer := &recordingWriter{}
	svc, _ := newTestService(t, WithSnapshotWriter(writer))

	def := createDefinition(t, svc, func(d *job.Definition) { d.AttemptMax = 3 })
	inst := scheduleInstance(t, svc, def, false)
	claim(t, svc, inst.ID, "w1")

	_, err := svc.CompleteJob(ctx, inst.ID, "w1", Completion{Status: job.StatusPending})
	assert.True(t, errors.IsInvalidRequestError(err))

	_, err = svc.CompleteJob(ctx, inst.ID, "w2", Completion{Status: job.StatusSuccess})
	assert.True(t, errors.Is(err, errors.ErrNotLeaseHolder))

	done, err := svc.CompleteJob(ctx, inst.ID, "w1", Completion{
		Status: job.StatusSuccess,
		Result: json.RawMessage(`{"issues":[1,2,3]}`),
	})
	require.NoError(t, err)
	assert.Equal(t, job.StatusSuccess, done.Status)
	assert.Equal(t, 1, done.Attempt)
	assert.Nil(t, done.IntermediateState)
	assert.JSONEq(t, `{"issues":[1,2,3]}`, string(done.Result))
	require.Len(t, writer.writes, 1)
	assert.Equal(t, inst.ID, writer.writes[0].ID)

	invalid := scheduleInstance(t, svc, def, false)
	claim(t, svc, invalid.ID, "w1")
	bad, err := svc.CompleteJob(ctx, invalid.ID, "w1", Completion{Status: job.StatusInvalid, Error: "repository does not exist"})
	require.NoError(t, err)
	assert.Equal(t, job.StatusInvalid, bad.Status)
	assert.Equal(t, 0, bad.Attempt, "INVALID does not consume an attempt")
	assert.Len(t, writer.writes, 1)
}

func TestInvalidateJob(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	def := createDefinition(t, svc, nil)
	inst := scheduleInstance(t, svc, def, false)
	claim(t, svc, inst.ID, "w1")

	got, err := svc.InvalidateJob(ctx, inst.ID, "query references a deleted project")
	require.NoError(t, err)
	assert.Equal(t, job.StatusInvalid, got.Status)
	assert.Empty(t, got.ClaimedBy)
	assert.Equal(t, 0, got.Attempt)

	_, err = svc.InvalidateJob(ctx, inst.ID, "again")
	assert.True(t, errors.Is(err, errors.ErrConflict))
}

func TestPromoteUnassigned_OneActivePerDefinition(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	a := createDefinition(t, svc, nil)
	b := createDefinition(t, svc, nil)

	var aIDs []job.InstanceID
	for i := 0; i < 3; i++ {
		inst, err := svc.CreateInstance(ctx, a.ID, lease.InstanceSpec{})
		require.NoError(t, err)
		aIDs = append(aIDs, inst.ID)
	}
	_, err := svc.CreateInstance(ctx, b.ID, lease.InstanceSpec{})
	require.NoError(t, err)

	promoted, err := svc.PromoteUnassigned(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, promoted)

	promoted, err = svc.PromoteUnassigned(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, promoted)

	first, err := svc.Instance(ctx, aIDs[0])
	require.NoError(t, err)
	assert.Equal(t, job.StatusScheduled, first.Status, "oldest promoted first")

	claim(t, svc, aIDs[0], "w1")
	_, err = svc.CompleteJob(ctx, aIDs[0], "w1", Completion{Status: job.StatusSuccess})
	require.NoError(t, err)

	promoted, err = svc.PromoteUnassigned(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, promoted)
	second, err := svc.Instance(ctx, aIDs[1])
	require.NoError(t, err)
	assert.Equal(t, job.StatusScheduled, second.Status)
}

func TestScheduleDue(t *testing.T) {
	ctx := context.Background()
	svc, clock := newTestService(t)
	def := createDefinition(t, svc, func(d *job.Definition) {
		d.FrequencyInMinutes = 60
		d.FullFrequencyInMinutes = 240
	})
	createDefinition(t, svc, nil)

	runOnce := func(expectPartial bool) {
		t.Helper()
		created, err := svc.ScheduleDue(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, created)

		open, err := svc.Instances(ctx, lease.Filter{DefinitionID: def.ID, Statuses: []job.Status{job.StatusUnassigned}})
		require.NoError(t, err)
		require.Len(t, open, 1)
		assert.Equal(t, expectPartial, open[0].Partial)

		_, err = svc.PromoteUnassigned(ctx)
		require.NoError(t, err)
		claim(t, svc, open[0].ID, "w1")
		_, err = svc.CompleteJob(ctx, open[0].ID, "w1", Completion{Status: job.StatusSuccess})
		require.NoError(t, err)
	}

	runOnce(false)

	created, err := svc.ScheduleDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, created, "frequency not elapsed")

	clock.Advance(time.Hour)
	runOnce(true)

	clock.Advance(3 * time.Hour)
	runOnce(false)
}

func TestScheduleDue_SkipsOpenInstances(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	def := createDefinition(t, svc, func(d *job.Definition) {
		d.FrequencyInMinutes = 10
		d.FullFrequencyInMinutes = 10
	})
	_, err := svc.CreateInstance(ctx, def.ID, lease.InstanceSpec{})
	require.NoError(t, err)

	created, err := svc.ScheduleDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, created)
}

func TestRedefinePinsExistingInstances(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	def := createDefinition(t, svc, nil)
	inst := scheduleInstance(t, svc, def, false)

	next, err := svc.Redefine(ctx, def.ID, func(d *job.Definition) { d.ControllerName = "github.pulls" })
	require.NoError(t, err)
	assert.Equal(t, 2, next.Version)

	res, err := svc.ClaimJob(ctx, inst.ID, "w1")
	require.NoError(t, err)
	require.True(t, res.Claimed())
	assert.Equal(t, 1, res.Definition.Version)
	assert.Equal(t, "github.issues", res.Definition.ControllerName)

	_, err = svc.Redefine(ctx, def.ID, func(d *job.Definition) { d.AttemptMax = 0 })
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestEventsPublished(t *testing.T) {
	events := NewBroadcaster(8)
	svc, _ := newTestService(t, WithBroadcaster(events))
	ch, unsubscribe := events.Subscribe()
	defer unsubscribe()

	def := createDefinition(t, svc, nil)
	inst := scheduleInstance(t, svc, def, false)
	claim(t, svc, inst.ID, "w1")

	var types []EventType
	for i := 0; i < 3; i++ {
		select {
		case ev := <-ch:
			types = append(types, ev.Type)
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
	assert.Equal(t, []EventType{EventCreated, EventPromoted, EventClaimed}, types)
}

func TestServiceOnSQLiteStore(t *testing.T) {
	ctx := context.Background()
	store := lease.NewSQLStore(testdb.CreateTestDB(t), zaptest.NewLogger(t).Sugar())
	svc := NewService(store, zaptest.NewLogger(t).Sugar())

	def := createDefinition(t, svc, func(d *job.Definition) { d.AttemptMax = 2 })
	inst := scheduleInstance(t, svc, def, false)
	claim(t, svc, inst.ID, "w1")

	_, err := svc.UnclaimJob(ctx, inst.ID, "w2", "")
	assert.True(t, errors.Is(err, errors.ErrNotLeaseHolder))

	res, err := svc.UnclaimJob(ctx, inst.ID, "w1", "boom")
	require.NoError(t, err)
	assert.Equal(t, job.StatusScheduled, res.Status)

	claim(t, svc, inst.ID, "w1")
	done, err := svc.CompleteJob(ctx, inst.ID, "w1", Completion{Status: job.StatusSuccess, Result: json.RawMessage(`{"ok":true}`)})
	require.NoError(t, err)
	assert.Equal(t, 2, done.Attempt)
}
