package trigger

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/ingestd/db"
	"github.com/teranos/ingestd/errors"
)

// Store persists triggers in SQLite. Cursors are stored as epoch seconds.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a trigger store on a migrated database
func NewStore(conn *sql.DB) *Store {
	return &Store{db: conn, now: time.Now}
}

const triggerColumns = `id, type, definition_id, schedule, iteration_timestamp, last_full_at, metadata, created_at, updated_at`

// Create inserts a new trigger
func (s *Store) Create(ctx context.Context, t *Trigger) error {
	if err := t.Validate(); err != nil {
		return err
	}
	now := s.now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO triggers (`+triggerColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, string(t.Type), t.DefinitionID.String(), t.Schedule,
		epochOrNull(t.IterationTimestamp), epochOrNull(t.LastFullAt),
		db.NullBytes(t.Metadata), db.FormatTime(t.CreatedAt), db.FormatTime(t.UpdatedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return errors.Wrapf(errors.ErrConflict, "trigger %q already exists", t.ID)
		}
		return errors.Wrap(err, "failed to create trigger")
	}
	return nil
}

// Get returns a trigger or an ErrNotFound-wrapped error
func (s *Store) Get(ctx context.Context, id string) (*Trigger, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+triggerColumns+` FROM triggers WHERE id = ?`, id)
	t, err := scanTrigger(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("trigger %q", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get trigger %q", id)
	}
	return t, nil
}

// List returns triggers ordered by id. An empty type lists all of them.
func (s *Store) List(ctx context.Context, typ Type) ([]*Trigger, error) {
	query := `SELECT ` + triggerColumns + ` FROM triggers`
	var args []interface{}
	if typ != "" {
		query += ` WHERE type = ?`
		args = append(args, string(typ))
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list triggers")
	}
	defer rows.Close()

	var out []*Trigger
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan trigger")
		}
		out = append(out, t)
	}
	return out, errors.Wrap(rows.Err(), "failed to iterate triggers")
}

// UpdateMetadata advances the cursor of one trigger
func (s *Store) UpdateMetadata(ctx context.Context, id string, md Metadata) error {
	iteration := epoch(md.Iteration)
	res, err := s.db.ExecContext(ctx, `
		UPDATE triggers
		SET iteration_timestamp = ?, last_full_at = ?, metadata = ?, updated_at = ?
		WHERE id = ?`,
		iteration.Unix(), epochOrNull(md.LastFullAt), db.NullBytes(md.Blob),
		db.FormatTime(s.now()), id,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to update trigger %q", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read affected rows")
	}
	if n == 0 {
		return errors.NewNotFoundError("trigger %q", id)
	}
	return nil
}

// UpdateTriggerMetadata lets the store act as the Runner's MetadataUpdater
func (s *Store) UpdateTriggerMetadata(ctx context.Context, id string, md Metadata) error {
	return s.UpdateMetadata(ctx, id, md)
}

// Delete removes a trigger
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM triggers WHERE id = ?`, id)
	if err != nil {
		return errors.Wrapf(err, "failed to delete trigger %q", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFoundError("trigger %q", id)
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTrigger(row scanner) (*Trigger, error) {
	var (
		t                    Trigger
		typ, definitionID    string
		iteration, lastFull  sql.NullInt64
		metadata             sql.NullString
		createdAt, updatedAt string
	)
	if err := row.Scan(&t.ID, &typ, &definitionID, &t.Schedule, &iteration, &lastFull, &metadata, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	var err error
	t.Type = Type(typ)
	if t.DefinitionID, err = uuid.Parse(definitionID); err != nil {
		return nil, errors.Wrapf(err, "trigger %q has a bad definition id", t.ID)
	}
	t.IterationTimestamp = fromEpoch(iteration)
	t.LastFullAt = fromEpoch(lastFull)
	if metadata.Valid {
		t.Metadata = []byte(metadata.String)
	}
	if t.CreatedAt, err = db.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = db.ParseTime(updatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

func epochOrNull(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

func fromEpoch(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}
