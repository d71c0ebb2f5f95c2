package trigger

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/ingestd/am"
	"github.com/teranos/ingestd/errors"
	"github.com/teranos/ingestd/ixgest/engine"
	"github.com/teranos/ingestd/ixgest/snapshot"
	"github.com/teranos/ingestd/pulse/job"
)

type createCall struct {
	partial bool
	scope   engine.Scope
}

type fakeCreator struct {
	err   error
	calls []createCall
}

func (f *fakeCreator) CreateTriggeredJob(_ context.Context, t *Trigger, partial bool, request json.RawMessage) (*job.Instance, error) {
	scope, err := engine.ParseScope(request)
	if err != nil {
		return nil, err
	}
	f.calls = append(f.calls, createCall{partial: partial, scope: scope})
	if f.err != nil {
		return nil, f.err
	}
	return &job.Instance{ID: job.NewInstanceID(t.DefinitionID, int64(len(f.calls))), Partial: partial, Request: request}, nil
}

type fakeUpdater struct {
	err     error
	updates []Metadata
}

func (f *fakeUpdater) UpdateTriggerMetadata(_ context.Context, _ string, md Metadata) error {
	if f.err != nil {
		return f.err
	}
	f.updates = append(f.updates, md)
	return nil
}

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

var start = time.Date(2026, 5, 4, 10, 0, 30, 500_000_000, time.UTC)

func newRunner(t *testing.T, creator JobCreator, updater MetadataUpdater, settings *snapshot.Settings) (*Runner, *clock) {
	c := &clock{now: start}
	return NewRunner(creator, updater, settings, zaptest.NewLogger(t).Sugar(), WithClock(c.Now)), c
}

func TestRun_FirstRunIsFull(t *testing.T) {
	creator, updater := &fakeCreator{}, &fakeUpdater{}
	runner, _ := newRunner(t, creator, updater, nil)
	trig := &Trigger{ID: "issues", Type: TypeWebhook, DefinitionID: uuid.New(), Metadata: json.RawMessage(`{"k":1}`)}

	res, err := runner.Run(context.Background(), trig)
	require.NoError(t, err)

	at := time.Date(2026, 5, 4, 10, 0, 30, 0, time.UTC)
	assert.False(t, res.Partial)
	assert.True(t, res.Window.From.IsZero())
	assert.Equal(t, at, res.Window.To)

	require.Len(t, creator.calls, 1)
	assert.False(t, creator.calls[0].partial)
	assert.Equal(t, "issues", creator.calls[0].scope.TriggerID)
	assert.True(t, creator.calls[0].scope.Window.To.Equal(at))

	require.Len(t, updater.updates, 1)
	md := updater.updates[0]
	assert.Equal(t, at, md.Iteration)
	require.NotNil(t, md.LastFullAt)
	assert.Equal(t, at, *md.LastFullAt)
	assert.JSONEq(t, `{"k":1}`, string(md.Blob))

	require.NotNil(t, trig.IterationTimestamp)
	assert.Equal(t, at, *trig.IterationTimestamp)
}

func TestRun_IncrementalWindowFollowsCursor(t *testing.T) {
	creator, updater := &fakeCreator{}, &fakeUpdater{}
	runner, c := newRunner(t, creator, updater, nil)
	trig := &Trigger{ID: "issues", Type: TypeWebhook, DefinitionID: uuid.New()}

	first, err := runner.Run(context.Background(), trig)
	require.NoError(t, err)
	c.now = c.now.Add(15 * time.Minute)

	second, err := runner.Run(context.Background(), trig)
	require.NoError(t, err)
	assert.True(t, second.Partial)
	assert.Equal(t, first.Window.To, second.Window.From, "windows are contiguous")
	assert.Equal(t, first.Window.To.Add(15*time.Minute), second.Window.To)

	require.Len(t, updater.updates, 2)
	assert.Equal(t, *updater.updates[0].LastFullAt, *updater.updates[1].LastFullAt, "partial pass keeps the last full time")
}

func TestRun_FailedCreationDoesNotAdvanceCursor(t *testing.T) {
	creator := &fakeCreator{err: errors.Wrap(errors.ErrNotFound, "definition")}
	updater := &fakeUpdater{}
	runner, _ := newRunner(t, creator, updater, nil)

	last := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	trig := &Trigger{ID: "issues", Type: TypeWebhook, DefinitionID: uuid.New(), IterationTimestamp: &last, LastFullAt: &last}

	_, err := runner.Run(context.Background(), trig)
	require.Error(t, err)
	assert.True(t, errors.IsNotFoundError(err))

	assert.Len(t, creator.calls, 1)
	assert.Empty(t, updater.updates, "metadata must not be written")
	assert.Equal(t, last, *trig.IterationTimestamp)

	// The retry asks for the same window start
	creator.err = nil
	res, err := runner.Run(context.Background(), trig)
	require.NoError(t, err)
	assert.Equal(t, last, res.Window.From)
}

func TestRun_FailedCursorSaveLeavesTriggerUnchanged(t *testing.T) {
	creator := &fakeCreator{}
	runner, _ := newRunner(t, creator, &fakeUpdater{err: errors.New("database is locked")}, nil)
	trig := &Trigger{ID: "issues", Type: TypeWebhook, DefinitionID: uuid.New()}

	_, err := runner.Run(context.Background(), trig)
	assert.ErrorContains(t, err, "failed to save cursor")
	assert.Len(t, creator.calls, 1)
	assert.Nil(t, trig.IterationTimestamp)
}

func TestRun_FullReprocessingDue(t *testing.T) {
	settings := snapshot.NewSettings(am.SnapshotConfig{ReprocessingDays: 1})
	creator, updater := &fakeCreator{}, &fakeUpdater{}
	runner, _ := newRunner(t, creator, updater, settings)

	recent := start.Add(-time.Hour)
	stale := start.Add(-25 * time.Hour)

	fresh := &Trigger{ID: "fresh", Type: TypeWebhook, DefinitionID: uuid.New(), IterationTimestamp: &recent, LastFullAt: &recent}
	res, err := runner.Run(context.Background(), fresh)
	require.NoError(t, err)
	assert.True(t, res.Partial)

	due := &Trigger{ID: "due", Type: TypeWebhook, DefinitionID: uuid.New(), IterationTimestamp: &recent, LastFullAt: &stale}
	res, err = runner.Run(context.Background(), due)
	require.NoError(t, err)
	assert.False(t, res.Partial)
	assert.True(t, res.Window.From.IsZero())
	require.NotNil(t, due.LastFullAt)
	assert.Equal(t, epoch(start), *due.LastFullAt)
}
