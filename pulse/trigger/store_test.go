package trigger

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/ingestd/errors"
	testdb "github.com/teranos/ingestd/internal/testing"
)

func periodic(id string) *Trigger {
	return &Trigger{
		ID:           id,
		Type:         TypePeriodic,
		DefinitionID: uuid.New(),
		Schedule:     "*/15 * * * *",
	}
}

func TestValidate(t *testing.T) {
	assert.NoError(t, periodic("issues-15m").Validate())

	webhook := &Trigger{ID: "push", Type: TypeWebhook, DefinitionID: uuid.New()}
	assert.NoError(t, webhook.Validate(), "webhooks need no schedule")

	bad := &Trigger{Type: "hourly", Schedule: "every day", Metadata: json.RawMessage(`{`)}
	err := bad.Validate()
	require.Error(t, err)
	assert.True(t, errors.IsInvalidRequestError(err))
	for _, want := range []string{"id must be set", "type must be", "definition_id must be set", "metadata must be valid JSON"} {
		assert.Contains(t, err.Error(), want)
	}

	noSchedule := periodic("x")
	noSchedule.Schedule = "61 * * * *"
	assert.ErrorContains(t, noSchedule.Validate(), "schedule is not a valid cron spec")
}

func TestStore_CreateGetList(t *testing.T) {
	ctx := context.Background()
	store := NewStore(testdb.CreateTestDB(t))

	a := periodic("a-commits")
	a.Metadata = json.RawMessage(`{"branch":"main"}`)
	require.NoError(t, store.Create(ctx, a))
	require.NoError(t, store.Create(ctx, &Trigger{ID: "b-hook", Type: TypeWebhook, DefinitionID: uuid.New()}))

	err := store.Create(ctx, periodic("a-commits"))
	assert.True(t, errors.Is(err, errors.ErrConflict))

	got, err := store.Get(ctx, "a-commits")
	require.NoError(t, err)
	assert.Equal(t, a.DefinitionID, got.DefinitionID)
	assert.Equal(t, "*/15 * * * *", got.Schedule)
	assert.Nil(t, got.IterationTimestamp, "never ran")
	assert.Nil(t, got.LastFullAt)
	assert.JSONEq(t, `{"branch":"main"}`, string(got.Metadata))
	assert.False(t, got.CreatedAt.IsZero())

	_, err = store.Get(ctx, "missing")
	assert.True(t, errors.IsNotFoundError(err))

	all, err := store.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "a-commits", all[0].ID)

	hooks, err := store.List(ctx, TypeWebhook)
	require.NoError(t, err)
	require.Len(t, hooks, 1)
	assert.Equal(t, "b-hook", hooks[0].ID)
}

func TestStore_UpdateMetadataStoresEpochSeconds(t *testing.T) {
	ctx := context.Background()
	store := NewStore(testdb.CreateTestDB(t))
	require.NoError(t, store.Create(ctx, periodic("t1")))

	iteration := time.Date(2026, 5, 4, 10, 0, 30, 750_000_000, time.UTC)
	full := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.UpdateMetadata(ctx, "t1", Metadata{
		Iteration:  iteration,
		LastFullAt: &full,
		Blob:       json.RawMessage(`{"etag":"abc"}`),
	}))

	got, err := store.Get(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, got.IterationTimestamp)
	assert.Equal(t, time.Date(2026, 5, 4, 10, 0, 30, 0, time.UTC), *got.IterationTimestamp)
	require.NotNil(t, got.LastFullAt)
	assert.True(t, got.LastFullAt.Equal(full))
	assert.JSONEq(t, `{"etag":"abc"}`, string(got.Metadata))

	var raw int64
	require.NoError(t, testdbQueryInt(store, "SELECT iteration_timestamp FROM triggers WHERE id = 't1'", &raw))
	assert.Equal(t, iteration.Unix(), raw)

	err = store.UpdateMetadata(ctx, "nope", Metadata{Iteration: iteration})
	assert.True(t, errors.IsNotFoundError(err))
}

func testdbQueryInt(s *Store, query string, dest *int64) error {
	return s.db.QueryRow(query).Scan(dest)
}

func TestStore_Delete(t *testing.T) {
	ctx := context.Background()
	store := NewStore(testdb.CreateTestDB(t))
	require.NoError(t, store.Create(ctx, periodic("gone")))

	require.NoError(t, store.Delete(ctx, "gone"))
	assert.True(t, errors.IsNotFoundError(store.Delete(ctx, "gone")))
}

func TestStore_QueryErrorsAreWrapped(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()
	store := NewStore(conn)

	mock.ExpectQuery("SELECT .* FROM triggers WHERE id = \\?").
		WithArgs("t1").
		WillReturnError(errors.New("database is locked"))
	_, err = store.Get(context.Background(), "t1")
	require.Error(t, err)
	assert.False(t, errors.IsNotFoundError(err))
	assert.Contains(t, err.Error(), `failed to get trigger "t1"`)

	mock.ExpectQuery("SELECT .* FROM triggers WHERE id = \\?").
		WithArgs("t2").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "type", "definition_id", "schedule", "iteration_timestamp",
			"last_full_at", "metadata", "created_at", "updated_at",
		}).AddRow("t2", "periodic", "not-a-uuid", "* * * * *", nil, nil, nil, "2026-05-04T10:00:00Z", "2026-05-04T10:00:00Z"))
	_, err = store.Get(context.Background(), "t2")
	assert.ErrorContains(t, err, "bad definition id")

	mock.ExpectExec("UPDATE triggers").WillReturnError(errors.New("disk I/O error"))
	err = store.UpdateMetadata(context.Background(), "t1", Metadata{Iteration: time.Now()})
	assert.ErrorContains(t, err, "disk I/O error")

	assert.NoError(t, mock.ExpectationsWereMet())
}
