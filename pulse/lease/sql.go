package lease

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/ingestd/db"
	"github.com/teranos/ingestd/errors"
	"github.com/teranos/ingestd/pulse/job"
)

// SQLStore keeps leases in SQLite. Every instance row carries a
// row_version; updates only land when the version read is still current.
type SQLStore struct {
	db     *sql.DB
	logger *zap.SugaredLogger
}

// NewSQLStore creates a store on a migrated database
func NewSQLStore(conn *sql.DB, logger *zap.SugaredLogger) *SQLStore {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &SQLStore{db: conn, logger: logger.Named("lease.sql")}
}

var _ Store = (*SQLStore)(nil)

func (s *SQLStore) CreateDefinition(ctx context.Context, def *job.Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_definitions (
			id, version, name, controller, query, tenant, integration, priority,
			attempt_max, retry_wait_minutes, timeout_minutes,
			frequency_minutes, full_frequency_minutes, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		def.ID.String(), def.Version, def.Name, def.ControllerName, db.NullBytes(def.Query),
		def.Tenant, def.Integration, def.Priority,
		def.AttemptMax, def.RetryWaitTimeInMinutes, def.TimeoutInMinutes,
		def.FrequencyInMinutes, def.FullFrequencyInMinutes, db.FormatTime(def.CreatedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return errors.Wrapf(errors.ErrConflict, "definition %s version %d already exists", def.ID, def.Version)
		}
		return errors.Wrap(err, "failed to create job definition")
	}
	return nil
}

func (s *SQLStore) GetDefinition(ctx context.Context, id uuid.UUID, version int) (*job.Definition, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+definitionSelectColumns()+` FROM job_definitions WHERE id = ? AND version = ?`,
		id.String(), version)
	def, err := scanDefinition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, definitionNotFound(id, version)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get job definition")
	}
	return def, nil
}

func (s *SQLStore) LatestDefinition(ctx context.Context, id uuid.UUID) (*job.Definition, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+definitionSelectColumns()+` FROM job_definitions WHERE id = ? ORDER BY version DESC LIMIT 1`,
		id.String())
	def, err := scanDefinition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, definitionNotFound(id, 0)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get job definition")
	}
	return def, nil
}

func (s *SQLStore) ListDefinitions(ctx context.Context) ([]*job.Definition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+definitionSelectColumns()+` FROM job_definitions d
		WHERE version = (SELECT MAX(version) FROM job_definitions WHERE id = d.id)
		ORDER BY created_at, id`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list job definitions")
	}
	defer rows.Close()

	var defs []*job.Definition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan job definition")
		}
		defs = append(defs, def)
	}
	return defs, errors.Wrap(rows.Err(), "failed to iterate job definitions")
}

func (s *SQLStore) CreateInstance(ctx context.Context, definitionID uuid.UUID, spec InstanceSpec) (*job.Instance, error) {
	def, err := s.LatestDefinition(ctx, definitionID)
	if err != nil {
		return nil, err
	}

	now := spec.CreatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	inst := job.NewInstance(def, 0, spec.Partial, spec.Request, now)

	// Sequence allocation and insert are one statement, so SQLite's write
	// lock makes max+1 unique without an explicit transaction.
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO job_instances (
			definition_id, seq, definition_version, status, attempt, partial,
			request, created_at, updated_at, row_version
		)
		SELECT ?, COALESCE(MAX(seq), 0) + 1, ?, ?, 0, ?, ?, ?, ?, 1
		FROM job_instances WHERE definition_id = ?
		RETURNING seq`,
		def.ID.String(), def.Version, inst.Status, inst.Partial,
		db.NullBytes(inst.Request), db.FormatTime(now), db.FormatTime(now),
		def.ID.String(),
	).Scan(&inst.ID.Seq)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create job instance")
	}
	inst.RowVersion = 1

	s.logger.Debugw("Created job instance", "job_id", inst.ID.String(), "partial", inst.Partial)
	return inst, nil
}

func (s *SQLStore) GetInstance(ctx context.Context, id job.InstanceID) (*job.Instance, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+instanceSelectColumns()+` FROM job_instances WHERE definition_id = ? AND seq = ?`,
		id.DefinitionID.String(), id.Seq)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, instanceNotFound(id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get job instance %s", id)
	}
	return inst, nil
}

func (s *SQLStore) ListInstances(ctx context.Context, filter Filter) ([]*job.Instance, error) {
	query := `SELECT ` + instanceSelectColumns() + ` FROM job_instances`
	var where []string
	var args []interface{}

	if filter.DefinitionID != uuid.Nil {
		where = append(where, "definition_id = ?")
		args = append(args, filter.DefinitionID.String())
	}
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, status := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, status)
		}
		where = append(where, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, seq"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list job instances")
	}
	defer rows.Close()

	var instances []*job.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan job instance")
		}
		instances = append(instances, inst)
	}
	return instances, errors.Wrap(rows.Err(), "failed to iterate job instances")
}

func (s *SQLStore) Transition(ctx context.Context, id job.InstanceID, fn TransitionFunc) (*job.Instance, error) {
	for attempt := 0; attempt < maxCASRetries; attempt++ {
		current, err := s.GetInstance(ctx, id)
		if err != nil {
			return nil, err
		}
		def, err := s.GetDefinition(ctx, id.DefinitionID, current.DefinitionVersion)
		if err != nil {
			return nil, err
		}

		next := current.Clone()
		if err := fn(next, def); err != nil {
			if errors.Is(err, ErrSkip) {
				return current, nil
			}
			return nil, err
		}

		ok, err := s.compareAndSwap(ctx, current.RowVersion, next)
		if err != nil {
			return nil, err
		}
		if ok {
			return next, nil
		}
		s.logger.Debugw("Lost optimistic lock, retrying", "job_id", id.String(), "attempt", attempt+1)
	}
	return nil, errors.WithDetailf(
		errors.Wrapf(errors.ErrConflict, "job instance %s kept changing", id),
		"gave up after %d optimistic-lock retries", maxCASRetries)
}

// compareAndSwap writes next only if the row still has expectedVersion
func (s *SQLStore) compareAndSwap(ctx context.Context, expectedVersion int64, next *job.Instance) (bool, error) {
	failures, err := marshalFailures(next.Failures)
	if err != nil {
		return false, err
	}
	next.RowVersion = expectedVersion + 1

	res, err := s.db.ExecContext(ctx, `
		UPDATE job_instances
		SET status = ?,
		    attempt = ?,
		    claimed_by = ?,
		    claimed_at = ?,
		    not_before = ?,
		    intermediate_state = ?,
		    result = ?,
		    failures = ?,
		    error = ?,
		    updated_at = ?,
		    done_at = ?,
		    row_version = ?
		WHERE definition_id = ? AND seq = ? AND row_version = ?`,
		next.Status,
		next.Attempt,
		db.NullString(next.ClaimedBy),
		db.NullTime(next.ClaimedAt),
		db.NullTime(next.NotBefore),
		db.NullBytes(next.IntermediateState),
		db.NullBytes(next.Result),
		failures,
		next.Error,
		db.FormatTime(next.UpdatedAt),
		db.NullTime(next.DoneAt),
		next.RowVersion,
		next.ID.DefinitionID.String(), next.ID.Seq, expectedVersion,
	)
	if err != nil {
		return false, errors.Wrapf(err, "failed to update job instance %s", next.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to read rows affected")
	}
	return n == 1, nil
}

func (s *SQLStore) LastSuccess(ctx context.Context, definitionID uuid.UUID, fullOnly bool) (*time.Time, error) {
	query := `SELECT MAX(done_at) FROM job_instances WHERE definition_id = ? AND status = ?`
	if fullOnly {
		query += ` AND partial = 0`
	}
	var doneAt sql.NullString
	if err := s.db.QueryRowContext(ctx, query, definitionID.String(), job.StatusSuccess).Scan(&doneAt); err != nil {
		return nil, errors.Wrap(err, "failed to query last success")
	}
	return db.ParseNullTime(doneAt)
}
