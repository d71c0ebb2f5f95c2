package lease

import (
	"database/sql"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/teranos/ingestd/db"
	"github.com/teranos/ingestd/errors"
	"github.com/teranos/ingestd/pulse/job"
)

// instanceScanArgs holds the nullable columns of a job_instances row
type instanceScanArgs struct {
	DefinitionID      string
	ClaimedBy         sql.NullString
	ClaimedAt         sql.NullString
	NotBefore         sql.NullString
	Request           sql.NullString
	IntermediateState sql.NullString
	Result            sql.NullString
	Failures          sql.NullString
	CreatedAt         string
	UpdatedAt         string
	DoneAt            sql.NullString
}

// instanceSelectColumns is the column list instanceScanTargets expects
func instanceSelectColumns() string {
	return `definition_id, seq, definition_version, status, attempt,
		claimed_by, claimed_at, not_before, partial,
		request, intermediate_state, result, failures, error,
		created_at, updated_at, done_at, row_version`
}

func instanceScanTargets(inst *job.Instance, args *instanceScanArgs) []interface{} {
	return []interface{}{
		&args.DefinitionID,
		&inst.ID.Seq,
		&inst.DefinitionVersion,
		&inst.Status,
		&inst.Attempt,
		&args.ClaimedBy,
		&args.ClaimedAt,
		&args.NotBefore,
		&inst.Partial,
		&args.Request,
		&args.IntermediateState,
		&args.Result,
		&args.Failures,
		&inst.Error,
		&args.CreatedAt,
		&args.UpdatedAt,
		&args.DoneAt,
		&inst.RowVersion,
	}
}

func processInstanceScanArgs(inst *job.Instance, args *instanceScanArgs) error {
	defID, err := uuid.Parse(args.DefinitionID)
	if err != nil {
		return errors.Wrapf(err, "invalid definition id %q", args.DefinitionID)
	}
	inst.ID.DefinitionID = defID

	inst.ClaimedBy = args.ClaimedBy.String
	if inst.ClaimedAt, err = db.ParseNullTime(args.ClaimedAt); err != nil {
		return err
	}
	if inst.NotBefore, err = db.ParseNullTime(args.NotBefore); err != nil {
		return err
	}
	if inst.DoneAt, err = db.ParseNullTime(args.DoneAt); err != nil {
		return err
	}
	if inst.CreatedAt, err = db.ParseTime(args.CreatedAt); err != nil {
		return err
	}
	if inst.UpdatedAt, err = db.ParseTime(args.UpdatedAt); err != nil {
		return err
	}

	if args.Request.Valid {
		inst.Request = json.RawMessage(args.Request.String)
	}
	if args.IntermediateState.Valid {
		inst.IntermediateState = json.RawMessage(args.IntermediateState.String)
	}
	if args.Result.Valid {
		inst.Result = json.RawMessage(args.Result.String)
	}
	if args.Failures.Valid && args.Failures.String != "" {
		if err := json.Unmarshal([]byte(args.Failures.String), &inst.Failures); err != nil {
			return errors.Wrapf(err, "failed to unmarshal failures for %s", inst.ID)
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanInstance(row rowScanner) (*job.Instance, error) {
	var inst job.Instance
	args := &instanceScanArgs{}
	if err := row.Scan(instanceScanTargets(&inst, args)...); err != nil {
		return nil, err
	}
	if err := processInstanceScanArgs(&inst, args); err != nil {
		return nil, err
	}
	return &inst, nil
}

func definitionSelectColumns() string {
	return `id, version, name, controller, query, tenant, integration, priority,
		attempt_max, retry_wait_minutes, timeout_minutes,
		frequency_minutes, full_frequency_minutes, created_at`
}

func scanDefinition(row rowScanner) (*job.Definition, error) {
	var def job.Definition
	var id, createdAt string
	var query sql.NullString
	err := row.Scan(
		&id, &def.Version, &def.Name, &def.ControllerName, &query,
		&def.Tenant, &def.Integration, &def.Priority,
		&def.AttemptMax, &def.RetryWaitTimeInMinutes, &def.TimeoutInMinutes,
		&def.FrequencyInMinutes, &def.FullFrequencyInMinutes, &createdAt,
	)
	if err != nil {
		return nil, err
	}
	if def.ID, err = uuid.Parse(id); err != nil {
		return nil, errors.Wrapf(err, "invalid definition id %q", id)
	}
	if query.Valid {
		def.Query = json.RawMessage(query.String)
	}
	if def.CreatedAt, err = db.ParseTime(createdAt); err != nil {
		return nil, err
	}
	return &def, nil
}

func marshalFailures(failures []job.IngestionFailure) (sql.NullString, error) {
	if len(failures) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(failures)
	if err != nil {
		return sql.NullString{}, errors.Wrap(err, "failed to marshal failures")
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}
