package snapshot

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/ingestd/am"
	"github.com/teranos/ingestd/errors"
	testdb "github.com/teranos/ingestd/internal/testing"
	"github.com/teranos/ingestd/pulse/job"
)

func TestSettings(t *testing.T) {
	s := NewSettings(am.SnapshotConfig{
		DisabledIntegrations: []string{"jenkins"},
		DisabledTenants:      []string{"quiet"},
		DeleteTenants:        []string{"gone"},
		ReprocessingDays:     7,
	})

	assert.True(t, s.Enabled("github", "acme"))
	assert.False(t, s.Enabled("jenkins", "acme"))
	assert.False(t, s.Enabled("github", "quiet"))
	assert.False(t, s.Enabled("github", "gone"))
	assert.True(t, s.ShouldDelete("gone"))
	assert.False(t, s.ShouldDelete("acme"))

	now := time.Date(2026, 6, 10, 0, 0, 0, 0, time.UTC)
	assert.True(t, s.FullReprocessingDue(nil, now), "never ran full")
	sixDays := now.Add(-6 * 24 * time.Hour)
	sevenDays := now.Add(-7 * 24 * time.Hour)
	assert.False(t, s.FullReprocessingDue(&sixDays, now))
	assert.True(t, s.FullReprocessingDue(&sevenDays, now))

	never := NewSettings(am.SnapshotConfig{})
	assert.False(t, never.FullReprocessingDue(&sevenDays, now), "0 days disables forced full passes")
}

func newWriter(t *testing.T, cfg am.SnapshotConfig) (*Writer, *Store) {
	store := NewStore(testdb.CreateTestDB(t))
	return NewWriter(store, NewSettings(cfg), nil), store
}

func completed(def *job.Definition, partial bool, result string) *job.Instance {
	inst := job.NewInstance(def, 1, partial, nil, time.Now())
	inst.Result = json.RawMessage(result)
	return inst
}

func TestWriterFullReplacesPartialMerges(t *testing.T) {
	ctx := context.Background()
	w, store := newWriter(t, am.SnapshotConfig{})
	def := job.NewDefinition("issues", "github.issues", nil)
	def.Tenant = "acme"
	def.Integration = "github"

	require.NoError(t, w.Write(ctx, def, completed(def, false, `{"issues":[1,2],"x":1}`)))
	require.NoError(t, w.Write(ctx, def, completed(def, true, `{"merge_strategy":"storage-results-list","issues":[3]}`)))

	snap, err := store.Get(ctx, def.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"issues":[1,2,3],"x":1,"merge_strategy":"storage-results-list"}`, string(snap.Data))
	assert.Equal(t, "acme", snap.Tenant)

	require.NoError(t, w.Write(ctx, def, completed(def, false, `{"issues":[9]}`)))
	snap, err = store.Get(ctx, def.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"issues":[9]}`, string(snap.Data))
}

func TestWriterHonorsSettings(t *testing.T) {
	ctx := context.Background()
	w, store := newWriter(t, am.SnapshotConfig{
		DisabledIntegrations: []string{"jenkins"},
		DeleteTenants:        []string{"gone"},
	})

	disabled := job.NewDefinition("builds", "jenkins.builds", nil)
	disabled.Integration = "jenkins"
	require.NoError(t, w.Write(ctx, disabled, completed(disabled, false, `{"a":1}`)))
	_, err := store.Get(ctx, disabled.ID)
	assert.True(t, errors.IsNotFoundError(err))

	doomed := job.NewDefinition("issues", "github.issues", nil)
	doomed.Tenant = "gone"
	require.NoError(t, store.Put(ctx, &Snapshot{DefinitionID: doomed.ID, Tenant: "gone", Data: json.RawMessage(`{}`), UpdatedAt: time.Now()}))
	require.NoError(t, w.Write(ctx, doomed, completed(doomed, false, `{"a":1}`)))
	_, err = store.Get(ctx, doomed.ID)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestPurgeDeletedTenants(t *testing.T) {
	ctx := context.Background()
	w, store := newWriter(t, am.SnapshotConfig{DeleteTenants: []string{"gone"}})

	keep := job.NewDefinition("a", "c", nil)
	drop := job.NewDefinition("b", "c", nil)
	require.NoError(t, store.Put(ctx, &Snapshot{DefinitionID: keep.ID, Tenant: "acme", Data: json.RawMessage(`{}`), UpdatedAt: time.Now()}))
	require.NoError(t, store.Put(ctx, &Snapshot{DefinitionID: drop.ID, Tenant: "gone", Data: json.RawMessage(`{}`), UpdatedAt: time.Now()}))

	require.NoError(t, w.PurgeDeletedTenants(ctx))

	_, err := store.Get(ctx, keep.ID)
	assert.NoError(t, err)
	_, err = store.Get(ctx, drop.ID)
	assert.True(t, errors.IsNotFoundError(err))
}
