package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/ingestd/db"
	"github.com/teranos/ingestd/errors"
)

// Snapshot is the merged result of every successful run of a definition
type Snapshot struct {
	DefinitionID uuid.UUID       `json:"definition_id"`
	Tenant       string          `json:"tenant,omitempty"`
	Integration  string          `json:"integration,omitempty"`
	Data         json.RawMessage `json:"data"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Store persists snapshots in SQLite
type Store struct {
	db *sql.DB
}

// NewStore creates a snapshot store on a migrated database
func NewStore(conn *sql.DB) *Store {
	return &Store{db: conn}
}

// Get returns the snapshot for a definition or an ErrNotFound-wrapped error
func (s *Store) Get(ctx context.Context, definitionID uuid.UUID) (*Snapshot, error) {
	var snap Snapshot
	var updatedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT tenant, integration, data, updated_at FROM snapshots WHERE definition_id = ?`,
		definitionID.String(),
	).Scan(&snap.Tenant, &snap.Integration, &snap.Data, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("snapshot for %s", definitionID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get snapshot")
	}
	snap.DefinitionID = definitionID
	if snap.UpdatedAt, err = db.ParseTime(updatedAt); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Put inserts or replaces a snapshot
func (s *Store) Put(ctx context.Context, snap *Snapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots (definition_id, tenant, integration, data, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(definition_id) DO UPDATE SET
			tenant = excluded.tenant,
			integration = excluded.integration,
			data = excluded.data,
			updated_at = excluded.updated_at`,
		snap.DefinitionID.String(), snap.Tenant, snap.Integration, string(snap.Data), db.FormatTime(snap.UpdatedAt),
	)
	return errors.Wrap(err, "failed to put snapshot")
}

// Delete removes the snapshot for a definition; missing rows are not an error
func (s *Store) Delete(ctx context.Context, definitionID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE definition_id = ?`, definitionID.String())
	return errors.Wrap(err, "failed to delete snapshot")
}

// DeleteTenant removes every snapshot owned by tenant and returns how many went
func (s *Store) DeleteTenant(ctx context.Context, tenant string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE tenant = ?`, tenant)
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete tenant snapshots")
	}
	return res.RowsAffected()
}
