package lease

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-memdb"

	"github.com/teranos/ingestd/errors"
	"github.com/teranos/ingestd/pulse/job"
)

const (
	definitionsTable = "definitions"
	instancesTable   = "instances"
	idIndex          = "id"         // primary key
	definitionIndex  = "definition" // all rows for one definition id
)

// definitionRow and instanceRow are what memdb indexes. Stored values are
// never mutated after insert; updates insert a fresh copy.
type definitionRow struct {
	Key          string // "<uuid>:<version>"
	DefinitionID string
	Version      int
	Def          *job.Definition
}

type instanceRow struct {
	Key          string // InstanceID.String()
	DefinitionID string
	Seq          int64
	Inst         *job.Instance
}

// MemStore is a single-node Store on go-memdb. memdb admits one write
// transaction at a time, which is what makes Transition linearizable.
type MemStore struct {
	db *memdb.MemDB
}

var _ Store = (*MemStore)(nil)

// NewMemStore creates an empty in-memory store
func NewMemStore() (*MemStore, error) {
	db, err := memdb.NewMemDB(memStoreSchema())
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &MemStore{db: db}, nil
}

func definitionKey(id uuid.UUID, version int) string {
	return id.String() + ":" + strconv.Itoa(version)
}

func (m *MemStore) CreateDefinition(_ context.Context, def *job.Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	txn := m.db.Txn(true)
	defer txn.Abort()

	key := definitionKey(def.ID, def.Version)
	existing, err := txn.First(definitionsTable, idIndex, key)
	if err != nil {
		return errors.WithStack(err)
	}
	if existing != nil {
		return errors.Wrapf(errors.ErrConflict, "definition %s version %d already exists", def.ID, def.Version)
	}

	stored := *def
	if err := txn.Insert(definitionsTable, &definitionRow{
		Key:          key,
		DefinitionID: def.ID.String(),
		Version:      def.Version,
		Def:          &stored,
	}); err != nil {
		return errors.WithStack(err)
	}
	txn.Commit()
	return nil
}

func (m *MemStore) GetDefinition(_ context.Context, id uuid.UUID, version int) (*job.Definition, error) {
	txn := m.db.Txn(false)
	return m.getDefinition(txn, id, version)
}

func (m *MemStore) getDefinition(txn *memdb.Txn, id uuid.UUID, version int) (*job.Definition, error) {
	raw, err := txn.First(definitionsTable, idIndex, definitionKey(id, version))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if raw == nil {
		return nil, definitionNotFound(id, version)
	}
	def := *raw.(*definitionRow).Def
	return &def, nil
}

func (m *MemStore) LatestDefinition(_ context.Context, id uuid.UUID) (*job.Definition, error) {
	return m.latestDefinition(m.db.Txn(false), id)
}

func (m *MemStore) latestDefinition(txn *memdb.Txn, id uuid.UUID) (*job.Definition, error) {
	it, err := txn.Get(definitionsTable, definitionIndex, id.String())
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var latest *definitionRow
	for obj := it.Next(); obj != nil; obj = it.Next() {
		row := obj.(*definitionRow)
		if latest == nil || row.Version > latest.Version {
			latest = row
		}
	}
	if latest == nil {
		return nil, definitionNotFound(id, 0)
	}
	def := *latest.Def
	return &def, nil
}

func (m *MemStore) ListDefinitions(_ context.Context) ([]*job.Definition, error) {
	txn := m.db.Txn(false)
	it, err := txn.Get(definitionsTable, idIndex)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	latest := make(map[string]*definitionRow)
	for obj := it.Next(); obj != nil; obj = it.Next() {
		row := obj.(*definitionRow)
		if cur, ok := latest[row.DefinitionID]; !ok || row.Version > cur.Version {
			latest[row.DefinitionID] = row
		}
	}

	defs := make([]*job.Definition, 0, len(latest))
	for _, row := range latest {
		def := *row.Def
		defs = append(defs, &def)
	}
	sort.Slice(defs, func(i, j int) bool {
		if !defs[i].CreatedAt.Equal(defs[j].CreatedAt) {
			return defs[i].CreatedAt.Before(defs[j].CreatedAt)
		}
		return defs[i].ID.String() < defs[j].ID.String()
	})
	return defs, nil
}

func (m *MemStore) CreateInstance(_ context.Context, definitionID uuid.UUID, spec InstanceSpec) (*job.Instance, error) {
	txn := m.db.Txn(true)
	defer txn.Abort()

	def, err := m.latestDefinition(txn, definitionID)
	if err != nil {
		return nil, err
	}

	it, err := txn.Get(instancesTable, definitionIndex, definitionID.String())
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var maxSeq int64
	for obj := it.Next(); obj != nil; obj = it.Next() {
		if seq := obj.(*instanceRow).Seq; seq > maxSeq {
			maxSeq = seq
		}
	}

	now := spec.CreatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	inst := job.NewInstance(def, maxSeq+1, spec.Partial, spec.Request, now)
	inst.RowVersion = 1

	if err := m.put(txn, inst); err != nil {
		return nil, err
	}
	txn.Commit()
	return inst.Clone(), nil
}

func (m *MemStore) put(txn *memdb.Txn, inst *job.Instance) error {
	return errors.WithStack(txn.Insert(instancesTable, &instanceRow{
		Key:          inst.ID.String(),
		DefinitionID: inst.ID.DefinitionID.String(),
		Seq:          inst.ID.Seq,
		Inst:         inst.Clone(),
	}))
}

func (m *MemStore) GetInstance(_ context.Context, id job.InstanceID) (*job.Instance, error) {
	return m.getInstance(m.db.Txn(false), id)
}

func (m *MemStore) getInstance(txn *memdb.Txn, id job.InstanceID) (*job.Instance, error) {
	raw, err := txn.First(instancesTable, idIndex, id.String())
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if raw == nil {
		return nil, instanceNotFound(id)
	}
	return raw.(*instanceRow).Inst.Clone(), nil
}

func (m *MemStore) ListInstances(_ context.Context, filter Filter) ([]*job.Instance, error) {
	txn := m.db.Txn(false)

	var it memdb.ResultIterator
	var err error
	if filter.DefinitionID != uuid.Nil {
		it, err = txn.Get(instancesTable, definitionIndex, filter.DefinitionID.String())
	} else {
		it, err = txn.Get(instancesTable, idIndex)
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}

	var out []*job.Instance
	for obj := it.Next(); obj != nil; obj = it.Next() {
		inst := obj.(*instanceRow).Inst
		if filter.matches(inst) {
			out = append(out, inst.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.Seq < out[j].ID.Seq
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemStore) Transition(_ context.Context, id job.InstanceID, fn TransitionFunc) (*job.Instance, error) {
	txn := m.db.Txn(true)
	defer txn.Abort()

	current, err := m.getInstance(txn, id)
	if err != nil {
		return nil, err
	}
	def, err := m.getDefinition(txn, id.DefinitionID, current.DefinitionVersion)
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
	next.RowVersion = current.RowVersion + 1

	if err := m.put(txn, next); err != nil {
		return nil, err
	}
	txn.Commit()
	return next, nil
}

func (m *MemStore) LastSuccess(_ context.Context, definitionID uuid.UUID, fullOnly bool) (*time.Time, error) {
	txn := m.db.Txn(false)
	it, err := txn.Get(instancesTable, definitionIndex, definitionID.String())
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var last *time.Time
	for obj := it.Next(); obj != nil; obj = it.Next() {
		inst := obj.(*instanceRow).Inst
		if inst.Status != job.StatusSuccess || inst.DoneAt == nil || (fullOnly && inst.Partial) {
			continue
		}
		if last == nil || inst.DoneAt.After(*last) {
			t := *inst.DoneAt
			last = &t
		}
	}
	return last, nil
}

func memStoreSchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			definitionsTable: {
				Name: definitionsTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {
						Name:    idIndex,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Key"},
					},
					definitionIndex: {
						Name:    definitionIndex,
						Indexer: &memdb.StringFieldIndex{Field: "DefinitionID"},
					},
				},
			},
			instancesTable: {
				Name: instancesTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {
						Name:    idIndex,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Key"},
					},
					definitionIndex: {
						Name:    definitionIndex,
						Indexer: &memdb.StringFieldIndex{Field: "DefinitionID"},
					},
				},
			},
		},
	}
}
