package snapshot

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/ingestd/errors"
	"github.com/teranos/ingestd/ixgest/merge"
	"github.com/teranos/ingestd/logger"
	"github.com/teranos/ingestd/pulse/job"
)

// Writer folds completed instance results into the per-definition snapshot
type Writer struct {
	store    *Store
	settings *Settings
	logger   *zap.SugaredLogger
	now      func() time.Time
}

// NewWriter creates a snapshot writer
func NewWriter(store *Store, settings *Settings, log *zap.SugaredLogger) *Writer {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Writer{
		store:    store,
		settings: settings,
		logger:   logger.AddMergeSymbol(log.Named("snapshot")),
		now:      time.Now,
	}
}

// Write applies a successful instance's result. A full pass replaces the
// snapshot; a partial one merges into it using the result's merge strategy.
func (w *Writer) Write(ctx context.Context, def *job.Definition, inst *job.Instance) error {
	if w.settings.ShouldDelete(def.Tenant) {
		w.logger.Infow("Deleting snapshot for tenant marked for deletion",
			logger.FieldDefinitionID, def.ID.String(), logger.FieldTenant, def.Tenant)
		return w.store.Delete(ctx, def.ID)
	}
	if !w.settings.Enabled(def.Integration, def.Tenant) {
		w.logger.Debugw("Snapshotting disabled, skipping",
			logger.FieldDefinitionID, def.ID.String(), "integration", def.Integration, logger.FieldTenant, def.Tenant)
		return nil
	}
	if len(inst.Result) == 0 {
		return nil
	}

	data := inst.Result
	if inst.Partial {
		prev, err := w.store.Get(ctx, def.ID)
		switch {
		case errors.IsNotFoundError(err):
		case err != nil:
			return err
		default:
			if data, err = merge.ApplyJSON(prev.Data, inst.Result); err != nil {
				return errors.Wrapf(err, "failed to merge snapshot for %s", def.ID)
			}
		}
	}

	w.logger.Debugw("Writing snapshot",
		logger.FieldJobID, inst.ID.String(),
		logger.FieldPartial, inst.Partial,
		"strategy", merge.StrategyOfJSON(inst.Result))

	return w.store.Put(ctx, &Snapshot{
		DefinitionID: def.ID,
		Tenant:       def.Tenant,
		Integration:  def.Integration,
		Data:         json.RawMessage(data),
		UpdatedAt:    w.now().UTC(),
	})
}

// PurgeDeletedTenants removes snapshots of every tenant in the delete set.
// Called once at startup.
func (w *Writer) PurgeDeletedTenants(ctx context.Context) error {
	for tenant := range w.settings.deleteTenants {
		n, err := w.store.DeleteTenant(ctx, tenant)
		if err != nil {
			return err
		}
		if n > 0 {
			w.logger.Infow("Purged tenant snapshots", logger.FieldTenant, tenant, logger.FieldCount, n)
		}
	}
	return nil
}
