package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/ingestd/errors"
	"github.com/teranos/ingestd/pulse/job"
	"github.com/teranos/ingestd/pulse/metrics"
)

func newEngine(t *testing.T, controllers ...Controller) *Engine {
	reg := NewRegistry()
	reg.MustRegister(controllers...)
	return New(reg, zaptest.NewLogger(t).Sugar())
}

func waitDone(t *testing.T, e *Engine, id string) *EngineJob {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	j, err := e.Wait(ctx, id)
	require.NoError(t, err)
	return j
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	noop := func(context.Context, *Execution) (json.RawMessage, error) { return nil, nil }

	require.NoError(t, reg.Register(Func("scm.commits", noop)))
	require.NoError(t, reg.Register(Func("github.issues", noop)))

	err := reg.Register(Func("github.issues", noop))
	assert.True(t, errors.IsInvalidRequestError(err))
	err = reg.Register(Func("  ", noop))
	assert.True(t, errors.IsInvalidRequestError(err))

	assert.True(t, reg.Has("scm.commits"))
	assert.False(t, reg.Has("jira.issues"))
	assert.Equal(t, []string{"github.issues", "scm.commits"}, reg.Names())

	_, err = reg.Get("jira.issues")
	assert.True(t, errors.Is(err, errors.ErrUnknownController))

	assert.Panics(t, func() { reg.MustRegister(Func("scm.commits", noop)) })
}

func TestSubmit_Success(t *testing.T) {
	var mu sync.Mutex
	var checkpoints []string

	e := newEngine(t, Func("counter", func(ctx context.Context, exec *Execution) (json.RawMessage, error) {
		var q struct {
			N int `json:"n"`
		}
		if err := exec.DecodeQuery(&q); err != nil {
			return nil, err
		}
		for i := 1; i <= q.N; i++ {
			state := json.RawMessage(fmt.Sprintf(`{"done":%d}`, i))
			if err := exec.Checkpoint(ctx, state, nil, nil); err != nil {
				return nil, err
			}
		}
		exec.AddFailures(job.Warning("skipped one", "rec/7"))
		return json.RawMessage(`{"count":3}`), nil
	}))

	j, err := e.Submit(context.Background(), Request{
		Controller: "counter",
		Query:      json.RawMessage(`{"n":3}`),
		Checkpointer: CheckpointFunc(func(_ context.Context, state, _ json.RawMessage, _ []job.IngestionFailure) error {
			mu.Lock()
			defer mu.Unlock()
			checkpoints = append(checkpoints, string(state))
			return nil
		}),
	})
	require.NoError(t, err)
	assert.False(t, j.Done)

	done := waitDone(t, e, j.ID)
	assert.Equal(t, StatusSuccess, done.Status)
	assert.True(t, done.Done)
	assert.JSONEq(t, `{"count":3}`, string(done.Result))
	assert.JSONEq(t, `{"done":3}`, string(done.IntermediateState))
	require.Len(t, done.Failures, 1)
	assert.NotNil(t, done.StartedAt)
	assert.NotNil(t, done.DoneAt)
	assert.Equal(t, []string{`{"done":1}`, `{"done":2}`, `{"done":3}`}, checkpoints)

	c, ok := done.Completion()
	require.True(t, ok)
	assert.Equal(t, job.StatusSuccess, c.Status)
	assert.Len(t, c.Failures, 1)

	require.NoError(t, e.Forget(j.ID))
	_, err = e.GetJob(j.ID)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestSubmit_CheckpointedFailuresCountOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	controllers := NewRegistry()
	controllers.MustRegister(Func("rows", func(ctx context.Context, exec *Execution) (json.RawMessage, error) {
		if err := exec.Checkpoint(ctx, json.RawMessage(`{"page":1}`), nil, []job.IngestionFailure{
			job.Warning("missing title", "row/1"),
			job.Warning("missing title", "row/2"),
		}); err != nil {
			return nil, err
		}
		exec.AddFailures(job.Warning("trailing row", "row/3"))
		return json.RawMessage(`{}`), nil
	}))
	e := New(controllers, zaptest.NewLogger(t).Sugar(), WithMetrics(metrics.New(reg)))

	var forwarded int
	j, err := e.Submit(context.Background(), Request{
		Controller: "rows",
		Checkpointer: CheckpointFunc(func(_ context.Context, _, _ json.RawMessage, failures []job.IngestionFailure) error {
			forwarded += len(failures)
			return nil
		}),
	})
	require.NoError(t, err)
	done := waitDone(t, e, j.ID)

	require.Equal(t, StatusSuccess, done.Status)
	assert.Equal(t, 2, forwarded)
	assert.Len(t, done.Failures, 3, "job view lists checkpointed and final failures")

	c, ok := done.Completion()
	require.True(t, ok)
	require.Len(t, c.Failures, 1, "completion carries only what no checkpoint delivered")
	assert.Equal(t, "row/3", c.Failures[0].RecordRef)

	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP ingestd_ingestion_failures_total Record-level ingestion failures by severity
# TYPE ingestd_ingestion_failures_total counter
ingestd_ingestion_failures_total{severity="WARNING"} 3
`), "ingestd_ingestion_failures_total"))
}

func TestSubmit_FailuresWithoutCheckpointerGoWithCompletion(t *testing.T) {
	e := newEngine(t, Func("rows", func(ctx context.Context, exec *Execution) (json.RawMessage, error) {
		return nil, exec.Checkpoint(ctx, nil, nil, []job.IngestionFailure{job.Warning("bad", "row/9")})
	}))
	j, err := e.Submit(context.Background(), Request{Controller: "rows"})
	require.NoError(t, err)
	done := waitDone(t, e, j.ID)

	c, ok := done.Completion()
	require.True(t, ok)
	assert.Len(t, done.Failures, 1)
	assert.Len(t, c.Failures, 1)
}

func TestSubmit_UnknownControllerIsInvalid(t *testing.T) {
	e := newEngine(t)

	j, err := e.Submit(context.Background(), Request{Controller: "nope"})
	require.NoError(t, err)
	assert.True(t, j.Done)
	assert.Equal(t, StatusInvalid, j.Status)
	assert.True(t, errors.Is(j.Err, errors.ErrUnknownController))
	assert.Nil(t, j.StartedAt, "nothing executed")

	c, ok := j.Completion()
	require.True(t, ok)
	assert.Equal(t, job.StatusInvalid, c.Status)
}

func TestSubmit_ErrorClassification(t *testing.T) {
	boom := errors.New("upstream 502")
	e := newEngine(t,
		Func("flaky", func(context.Context, *Execution) (json.RawMessage, error) { return nil, boom }),
		Func("permanent", func(context.Context, *Execution) (json.RawMessage, error) {
			return nil, NonRetryable(errors.New("schema changed"))
		}),
		Func("bad-query", func(_ context.Context, exec *Execution) (json.RawMessage, error) {
			var v []int
			return nil, exec.DecodeQuery(&v)
		}),
		Func("panics", func(context.Context, *Execution) (json.RawMessage, error) { panic("nil map") }),
	)

	cases := []struct {
		controller string
		status     Status
		retryable  bool
		completion job.Status
	}{
		{"flaky", StatusFailure, true, ""},
		{"permanent", StatusFailure, false, job.StatusFailure},
		{"bad-query", StatusInvalid, false, job.StatusInvalid},
		{"panics", StatusFailure, true, ""},
	}
	for _, tc := range cases {
		t.Run(tc.controller, func(t *testing.T) {
			j, err := e.Submit(context.Background(), Request{Controller: tc.controller, Query: json.RawMessage(`{"x":1}`)})
			require.NoError(t, err)
			done := waitDone(t, e, j.ID)
			assert.Equal(t, tc.status, done.Status)
			assert.Equal(t, tc.retryable, done.Retryable())
			c, ok := done.Completion()
			assert.Equal(t, !tc.retryable, ok)
			assert.Equal(t, tc.completion, c.Status)
		})
	}
}

func TestCancel(t *testing.T) {
	started := make(chan struct{})
	e := newEngine(t, Func("slow", func(ctx context.Context, exec *Execution) (json.RawMessage, error) {
		close(started)
		<-ctx.Done()
		return nil, exec.Checkpoint(context.Background(), json.RawMessage(`{"cursor":"9"}`), nil, nil)
	}))

	j, err := e.Submit(context.Background(), Request{
		Controller:        "slow",
		IntermediateState: json.RawMessage(`{"cursor":"4"}`),
	})
	require.NoError(t, err)
	<-started

	require.NoError(t, e.Cancel(j.ID))

	done := waitDone(t, e, j.ID)
	assert.Equal(t, StatusAborted, done.Status)
	assert.True(t, errors.Is(done.Err, errors.ErrCanceled))
	assert.JSONEq(t, `{"cursor":"4"}`, string(done.IntermediateState), "refused checkpoint keeps prior state")

	c, ok := done.Completion()
	require.True(t, ok)
	assert.Equal(t, job.StatusAborted, c.Status)

	assert.True(t, errors.Is(e.Cancel(j.ID), errors.ErrNotCancelable))
}

func TestShutdownCancelsRunning(t *testing.T) {
	e := newEngine(t, Func("forever", func(ctx context.Context, _ *Execution) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	j, err := e.Submit(context.Background(), Request{Controller: "forever"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Shutdown(ctx))

	got, err := e.GetJob(j.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAborted, got.Status)
}

func TestCheckpointErrorsPropagate(t *testing.T) {
	e := newEngine(t, Func("lost-lease", func(ctx context.Context, exec *Execution) (json.RawMessage, error) {
		return nil, exec.Checkpoint(ctx, json.RawMessage(`{}`), nil, nil)
	}))

	j, err := e.Submit(context.Background(), Request{
		Controller: "lost-lease",
		Checkpointer: CheckpointFunc(func(context.Context, json.RawMessage, json.RawMessage, []job.IngestionFailure) error {
			return errors.Wrap(errors.ErrNotLeaseHolder, "checkpoint")
		}),
	})
	require.NoError(t, err)

	done := waitDone(t, e, j.ID)
	assert.Equal(t, StatusFailure, done.Status)
	assert.True(t, errors.Is(done.Err, errors.ErrNotLeaseHolder))
}
