// Package entity implements the Entity Store: CRUD of typed entities with
// content-addressed identifiers and secondary indexes, grounded on the
// teacher's per-kind bucket CRUD shape in pkg/storage/boltdb.go, applied to
// a single generic entity bucket keyed by (schema, id) per spec.md §4.4.
package entity

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/cuemby/rem/pkg/idgen"
	"github.com/cuemby/rem/pkg/kvengine"
	"github.com/cuemby/rem/pkg/metrics"
	"github.com/cuemby/rem/pkg/remerr"
	"github.com/cuemby/rem/pkg/schema"
	"github.com/cuemby/rem/pkg/types"
	"github.com/cuemby/rem/pkg/wal"
)

// stripeCount is the default number of per-id lock stripes (spec.md §5).
const stripeCount = 256

// stripedLocks gives an exclusive critical section per entity id without
// one mutex per id, striping by a hash of the id.
type stripedLocks struct {
	stripes []chan struct{}
}

func newStripedLocks(n int) *stripedLocks {
	s := &stripedLocks{stripes: make([]chan struct{}, n)}
	for i := range s.stripes {
		ch := make(chan struct{}, 1)
		ch <- struct{}{}
		s.stripes[i] = ch
	}
	return s
}

func (s *stripedLocks) lock(id idgen.ID) func() {
	idx := xxhash.Sum64(id[:]) % uint64(len(s.stripes))
	ch := s.stripes[idx]
	<-ch
	return func() { ch <- struct{}{} }
}

// Store is the Entity Store for one tenant database.
type Store struct {
	engine   *kvengine.Engine
	schemas  *schema.Registry
	seqGen   *wal.SeqGenerator
	tenantID string
	locks    *stripedLocks
}

// NewStore builds an entity Store over an already-opened KV engine.
func NewStore(engine *kvengine.Engine, schemas *schema.Registry, seqGen *wal.SeqGenerator, tenantID string) *Store {
	return &Store{
		engine:   engine,
		schemas:  schemas,
		seqGen:   seqGen,
		tenantID: tenantID,
		locks:    newStripedLocks(stripeCount),
	}
}

// storedRow is the JSON-on-disk shape of an entities-CF row.
type storedRow struct {
	ID               string                  `json:"id"`
	TenantID         string                  `json:"tenant_id"`
	Kind             types.EntityKind        `json:"kind"`
	SchemaFQN        string                  `json:"schema_fqn"`
	SchemaVersion    int                     `json:"schema_version"`
	Fields           map[string]types.Value  `json:"fields"`
	EmbeddingPending bool                    `json:"embedding_pending"`
	CreatedAt        time.Time               `json:"created_at"`
	UpdatedAt        time.Time               `json:"updated_at"`
}

func entityKey(schemaFQN string, id idgen.ID) []byte {
	return []byte(fmt.Sprintf("entities|%s|%s", schemaFQN, id.String()))
}

func indexKey(schemaFQN, field, canonValue string, id idgen.ID) []byte {
	return []byte(fmt.Sprintf("indexes|%s|%s|%s|%s", schemaFQN, field, canonValue, id.String()))
}

// Insert computes record's content-addressed id under s and writes it; it
// does not check the record's fields against the fields or types s
// declares. Re-inserting an identical record is a no-op that returns
// the existing id unchanged (idempotent insert invariant).
func (st *Store) Insert(s *schema.Schema, fields map[string]types.Value) (idgen.ID, error) {
	var keyValue types.Value
	if len(s.KeyFields) > 0 {
		keyValue = idgen.DeriveKeyFields(fields, s.KeyFields)
	} else {
		keyValue = types.ObjectValue(fields)
	}
	id := idgen.Derive(keyValue)

	unlock := st.locks.lock(id)
	defer unlock()

	now := time.Now().UTC()

	existing, getErr := st.getRowLocked(s.FQN, id)
	if getErr == nil {
		if fieldsEqual(existing.Fields, fields) {
			return id, nil
		}
		result, err := st.writeRowLocked(s, id, fields, existing.CreatedAt, now, existing.Fields)
		if err == nil {
			metrics.EntityWritesTotal.WithLabelValues("update").Inc()
		}
		return result, err
	}
	if getErr != remerr.ErrNotFound {
		return id, getErr
	}

	result, err := st.writeRowLocked(s, id, fields, now, now, nil)
	if err == nil {
		metrics.EntityWritesTotal.WithLabelValues("insert").Inc()
	}
	return result, err
}

func fieldsEqual(a, b map[string]types.Value) bool {
	ca, cb := idgen.CanonicalJSON(types.ObjectValue(a)), idgen.CanonicalJSON(types.ObjectValue(b))
	if len(ca) != len(cb) {
		return false
	}
	for i := range ca {
		if ca[i] != cb[i] {
			return false
		}
	}
	return true
}

func (st *Store) getRowLocked(schemaFQN string, id idgen.ID) (*storedRow, error) {
	raw, err := st.engine.Get(kvengine.CFEntities, kvengine.TenantKey(st.tenantID, entityKey(schemaFQN, id)))
	if err != nil {
		return nil, err
	}
	var row storedRow
	if err := json.Unmarshal(raw, &row); err != nil {
		return nil, fmt.Errorf("entity: decode row %s/%s: %w", schemaFQN, id, remerr.ErrCorruption)
	}
	return &row, nil
}

func (st *Store) writeRowLocked(s *schema.Schema, id idgen.ID, fields map[string]types.Value, createdAt, updatedAt time.Time, prevFields map[string]types.Value) (idgen.ID, error) {
	row := storedRow{
		ID:            id.String(),
		TenantID:      st.tenantID,
		Kind:          types.EntityKindEntity,
		SchemaFQN:     s.FQN,
		SchemaVersion: s.Version,
		Fields:        fields,
		CreatedAt:     createdAt,
		UpdatedAt:     updatedAt,
	}
	if len(s.EmbeddingFields) > 0 {
		row.EmbeddingPending = true
	}

	payload, err := json.Marshal(row)
	if err != nil {
		return id, fmt.Errorf("entity: encode row: %w", err)
	}

	ops := []kvengine.Op{
		kvengine.Put(kvengine.CFEntities, kvengine.TenantKey(st.tenantID, entityKey(s.FQN, id)), payload),
	}

	for _, f := range s.IndexedFields {
		newVal, hasNew := fields[f.Name]
		var oldVal types.Value
		var hadOld bool
		if prevFields != nil {
			oldVal, hadOld = prevFields[f.Name]
		}
		if hadOld {
			ops = append(ops, kvengine.Delete(kvengine.CFIndexes, kvengine.TenantKey(st.tenantID, indexKey(s.FQN, f.Name, CanonicalizeIndexValue(oldVal), id))))
		}
		if hasNew {
			ops = append(ops, kvengine.Put(kvengine.CFIndexes, kvengine.TenantKey(st.tenantID, indexKey(s.FQN, f.Name, CanonicalizeIndexValue(newVal), id)), []byte{}))
		}
	}

	walOp, _ := st.seqGen.BuildAppendOp(st.tenantID, wal.OpPutEntity, payload)
	ops = append(ops, walOp)

	if err := st.engine.Batch(ops); err != nil {
		return id, fmt.Errorf("entity: write batch: %w", err)
	}
	return id, nil
}

// ApplyReplicated writes a replicated WAL frame's entity mutation directly
// to the entities column family, without re-deriving an id or assigning a
// new log_seq_no — the frame already carries both. Callers (pkg/replication's
// Puller) have already checked frame ordering and idempotency via
// wal.ApplyState before calling this. Secondary-index rows are intentionally
// not rebuilt here: a replica's index state catches up on its next full
// Reindex rather than being kept byte-exact with the primary on every frame.
func (st *Store) ApplyReplicated(op wal.Op, payload []byte) error {
	switch op {
	case wal.OpPutEntity:
		var row storedRow
		if err := json.Unmarshal(payload, &row); err != nil {
			return fmt.Errorf("entity: decode replicated row: %w", err)
		}
		id, err := idgen.ParseID(row.ID)
		if err != nil {
			return fmt.Errorf("entity: replicated row id: %w", err)
		}
		unlock := st.locks.lock(id)
		defer unlock()
		return st.engine.Put(kvengine.CFEntities, kvengine.TenantKey(st.tenantID, entityKey(row.SchemaFQN, id)), payload)

	case wal.OpDeleteEntity:
		var ref struct {
			SchemaFQN string `json:"schema_fqn"`
			ID        string `json:"id"`
		}
		if err := json.Unmarshal(payload, &ref); err != nil {
			return fmt.Errorf("entity: decode replicated delete: %w", err)
		}
		id, err := idgen.ParseID(ref.ID)
		if err != nil {
			return fmt.Errorf("entity: replicated delete id: %w", err)
		}
		unlock := st.locks.lock(id)
		defer unlock()
		return st.engine.Delete(kvengine.CFEntities, kvengine.TenantKey(st.tenantID, entityKey(ref.SchemaFQN, id)))

	default:
		return fmt.Errorf("entity: unsupported replicated op %d: %w", op, remerr.ErrInternal)
	}
}

// CanonicalizeIndexValue renders a field Value into the canonical string
// used as a secondary-index key component: strings case-folded to ASCII
// lower, numbers fixed-width decimal encoded at millis precision,
// timestamps RFC3339 UTC second precision. pkg/query builds its index-scan
// prefixes with this same function so an indexed Eq/In lookup always
// matches what Insert/Update wrote.
func CanonicalizeIndexValue(v types.Value) string {
	switch v.Kind {
	case types.KindString:
		return toLowerASCII(v.Str)
	case types.KindNumber:
		return fmt.Sprintf("%020d", int64(v.Number*1000))
	case types.KindBool:
		if v.Bool {
			return "1"
		}
		return "0"
	case types.KindTimestamp:
		return v.Timestamp.UTC().Format(time.RFC3339)
	default:
		return string(idgen.CanonicalJSON(v))
	}
}

func toLowerASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// Get looks up an entity by schema and id.
func (st *Store) Get(schemaFQN string, id idgen.ID) (*types.EntityRow, error) {
	row, err := st.getRowLocked(schemaFQN, id)
	if err != nil {
		return nil, err
	}
	return rowToEntity(row), nil
}

func rowToEntity(row *storedRow) *types.EntityRow {
	id, _ := idgen.ParseID(row.ID)
	return &types.EntityRow{
		ID:               id,
		TenantID:         row.TenantID,
		Kind:             row.Kind,
		SchemaFQN:        row.SchemaFQN,
		SchemaVersion:    row.SchemaVersion,
		Fields:           row.Fields,
		EmbeddingPending: row.EmbeddingPending,
		CreatedAt:        row.CreatedAt,
		UpdatedAt:        row.UpdatedAt,
	}
}

// GetByKey resolves a schema's declared key fields to an id and returns
// the entity.
func (st *Store) GetByKey(s *schema.Schema, keyFields map[string]types.Value) (*types.EntityRow, error) {
	keyValue := idgen.DeriveKeyFields(keyFields, s.KeyFields)
	id := idgen.Derive(keyValue)
	return st.Get(s.FQN, id)
}

// ListPending scans every stored row of schema s whose embedding is still
// pending (inserted with one or more declared embedding fields but no
// vector supplied yet), for pkg/background's embedding reprocessor to pick
// up and resolve. Uses the same schema-prefix scan as the query engine's
// full-scan path.
func (st *Store) ListPending(s *schema.Schema) ([]*types.EntityRow, error) {
	prefix := []byte(fmt.Sprintf("entities|%s|", s.FQN))
	kvs, err := st.engine.Scan(kvengine.CFEntities, kvengine.TenantKey(st.tenantID, prefix))
	if err != nil {
		return nil, fmt.Errorf("entity: scan pending: %w", err)
	}
	var pending []*types.EntityRow
	for _, kv := range kvs {
		var row storedRow
		if err := json.Unmarshal(kv.Value, &row); err != nil {
			continue
		}
		if row.EmbeddingPending {
			pending = append(pending, rowToEntity(&row))
		}
	}
	return pending, nil
}

// ClearEmbeddingPending flips id's embedding_pending flag off once its
// vectors have been computed and upserted into pkg/vector by the caller
// (pkg/background's embedding reprocessor), without touching any other
// field or re-deriving the id (the record's identity was already fixed at
// Insert).
func (st *Store) ClearEmbeddingPending(s *schema.Schema, id idgen.ID) error {
	unlock := st.locks.lock(id)
	defer unlock()

	row, err := st.getRowLocked(s.FQN, id)
	if err != nil {
		return err
	}
	if !row.EmbeddingPending {
		return nil
	}
	row.EmbeddingPending = false
	row.UpdatedAt = time.Now().UTC()

	payload, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("entity: encode resolved row: %w", err)
	}
	walOp, _ := st.seqGen.BuildAppendOp(st.tenantID, wal.OpPutEntity, payload)
	ops := []kvengine.Op{
		kvengine.Put(kvengine.CFEntities, kvengine.TenantKey(st.tenantID, entityKey(s.FQN, id)), payload),
		walOp,
	}
	if err := st.engine.Batch(ops); err != nil {
		return fmt.Errorf("entity: write resolved embedding: %w", err)
	}
	return nil
}

// Update merges patch into the existing record and writes it; equivalent
// to Insert of the merged record.
func (st *Store) Update(s *schema.Schema, id idgen.ID, patch map[string]types.Value) (idgen.ID, error) {
	existing, err := st.Get(s.FQN, id)
	if err != nil {
		return id, err
	}
	merged := make(map[string]types.Value, len(existing.Fields)+len(patch))
	for k, v := range existing.Fields {
		merged[k] = v
	}
	for k, v := range patch {
		merged[k] = v
	}
	return st.Insert(s, merged)
}

// Delete removes the entity row and every secondary-index row it owns.
// It does not remove the entity's edges or vectors, and pkg/remdb has no
// delete path that does.
func (st *Store) Delete(s *schema.Schema, id idgen.ID) error {
	unlock := st.locks.lock(id)
	defer unlock()

	row, err := st.getRowLocked(s.FQN, id)
	if err != nil {
		return err
	}

	ops := []kvengine.Op{
		kvengine.Delete(kvengine.CFEntities, kvengine.TenantKey(st.tenantID, entityKey(s.FQN, id))),
	}
	for _, f := range s.IndexedFields {
		if v, ok := row.Fields[f.Name]; ok {
			ops = append(ops, kvengine.Delete(kvengine.CFIndexes, kvengine.TenantKey(st.tenantID, indexKey(s.FQN, f.Name, CanonicalizeIndexValue(v), id))))
		}
	}

	payload, _ := json.Marshal(map[string]string{"schema_fqn": s.FQN, "id": id.String()})
	walOp, _ := st.seqGen.BuildAppendOp(st.tenantID, wal.OpDeleteEntity, payload)
	ops = append(ops, walOp)

	if err := st.engine.Batch(ops); err != nil {
		return fmt.Errorf("entity: delete batch: %w", err)
	}
	metrics.EntityWritesTotal.WithLabelValues("delete").Inc()
	return nil
}

// BatchInsert inserts every record as a single atomic KV batch plus a
// single WAL entry whose payload is the ordered list of records.
func (st *Store) BatchInsert(s *schema.Schema, records []map[string]types.Value) ([]idgen.ID, error) {
	ids := make([]idgen.ID, 0, len(records))
	allOps := make([]kvengine.Op, 0, len(records)*2)
	now := time.Now().UTC()

	for _, fields := range records {
		var keyValue types.Value
		if len(s.KeyFields) > 0 {
			keyValue = idgen.DeriveKeyFields(fields, s.KeyFields)
		} else {
			keyValue = types.ObjectValue(fields)
		}
		id := idgen.Derive(keyValue)
		ids = append(ids, id)

		row := storedRow{
			ID: id.String(), TenantID: st.tenantID, Kind: types.EntityKindEntity,
			SchemaFQN: s.FQN, SchemaVersion: s.Version, Fields: fields,
			EmbeddingPending: len(s.EmbeddingFields) > 0,
			CreatedAt:        now, UpdatedAt: now,
		}
		payload, err := json.Marshal(row)
		if err != nil {
			return nil, fmt.Errorf("entity: encode batch row: %w", err)
		}
		allOps = append(allOps, kvengine.Put(kvengine.CFEntities, kvengine.TenantKey(st.tenantID, entityKey(s.FQN, id)), payload))
		for _, f := range s.IndexedFields {
			if v, ok := fields[f.Name]; ok {
				allOps = append(allOps, kvengine.Put(kvengine.CFIndexes, kvengine.TenantKey(st.tenantID, indexKey(s.FQN, f.Name, CanonicalizeIndexValue(v), id)), []byte{}))
			}
		}
	}

	payload, err := json.Marshal(records)
	if err != nil {
		return nil, fmt.Errorf("entity: encode batch payload: %w", err)
	}
	walOp, _ := st.seqGen.BuildAppendOp(st.tenantID, wal.OpPutEntity, payload)
	allOps = append(allOps, walOp)

	if err := st.engine.Batch(allOps); err != nil {
		return nil, fmt.Errorf("entity: batch insert: %w", err)
	}
	metrics.EntityWritesTotal.WithLabelValues("insert").Add(float64(len(records)))
	return ids, nil
}
