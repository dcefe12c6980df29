// store.go wires the in-memory HNSW Index to the embeddings_meta column
// family: checkpoint on clean shutdown, warm from the last checkpoint, and
// the embedding_pending handoff for vectors whose upsert failed without
// rolling back the owning entity write.
package vector

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cuemby/rem/pkg/idgen"
	"github.com/cuemby/rem/pkg/kvengine"
	"github.com/cuemby/rem/pkg/metrics"
)

// Key identifies one HNSW index: a (schema, field) pair within a tenant.
type Key struct {
	SchemaFQN string
	Field     string
}

// Store owns every HNSW Index for one tenant database, keyed by
// (schema, field), behind a map-level lock. Concurrency per spec.md §5:
// search holds a field index's own RWMutex reader lock, upsert the writer
// lock, build takes it exclusively — enforced by Index itself; this map
// lock only guards index creation/lookup.
type Store struct {
	mu      sync.RWMutex
	engine  *kvengine.Engine
	indexes map[Key]*Index

	tenantID string
}

// NewStore builds an empty vector Store for one tenant.
func NewStore(engine *kvengine.Engine, tenantID string) *Store {
	return &Store{
		engine:   engine,
		indexes:  make(map[Key]*Index),
		tenantID: tenantID,
	}
}

// indexFor returns (creating if absent) the Index for key.
func (s *Store) indexFor(key Key, opts ...Option) *Index {
	s.mu.RLock()
	idx, ok := s.indexes[key]
	s.mu.RUnlock()
	if ok {
		return idx
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if idx, ok := s.indexes[key]; ok {
		return idx
	}
	idx = New(opts...)
	s.indexes[key] = idx
	return idx
}

// IndexFor returns (creating if absent) the hot HNSW Index for
// (schemaFQN, field), for callers (pkg/remdb's tiered search) that need the
// Index itself rather than one of Store's wrapper methods.
func (s *Store) IndexFor(schemaFQN, field string, opts ...Option) *Index {
	return s.indexFor(Key{SchemaFQN: schemaFQN, Field: field}, opts...)
}

// Upsert inserts or replaces id's vector for (schema, field).
func (s *Store) Upsert(schemaFQN, field string, id idgen.ID, vec []float32) {
	idx := s.indexFor(Key{SchemaFQN: schemaFQN, Field: field})
	idx.Upsert(id, vec)
	metrics.VectorIndexSize.WithLabelValues(schemaFQN, field).Set(float64(idx.liveCount()))
}

// Remove tombstones id's vector for (schema, field).
func (s *Store) Remove(schemaFQN, field string, id idgen.ID) {
	idx := s.indexFor(Key{SchemaFQN: schemaFQN, Field: field})
	idx.Remove(id)
	metrics.VectorIndexSize.WithLabelValues(schemaFQN, field).Set(float64(idx.liveCount()))
}

// Search runs a top-k search against (schema, field).
func (s *Store) Search(schemaFQN, field string, query []float32, k, ef int) []Result {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.VectorSearchDuration, schemaFQN, field)
	return s.indexFor(Key{SchemaFQN: schemaFQN, Field: field}).Search(query, k, ef)
}

// checkpointRecord is the on-disk shape of one HNSW checkpoint chunk.
type checkpointRecord struct {
	ID    string    `json:"id"`
	Vec   []float32 `json:"vec"`
	Level int       `json:"level"`
}

func checkpointPrefix(schemaFQN, field string) []byte {
	return []byte(fmt.Sprintf("embeddings_meta|%s|%s|", schemaFQN, field))
}

func checkpointKey(schemaFQN, field string, id idgen.ID) []byte {
	return []byte(fmt.Sprintf("embeddings_meta|%s|%s|%s", schemaFQN, field, id))
}

// Checkpoint persists every live vector in the (schema, field) index to
// the embeddings_meta CF in a chunked format, so opening a tenant database
// can lazily warm the graph without a full rebuild.
func (s *Store) Checkpoint(schemaFQN, field string) error {
	idx := s.indexFor(Key{SchemaFQN: schemaFQN, Field: field})
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var ops []kvengine.Op
	for id, n := range idx.nodes {
		if n.tombstone {
			ops = append(ops, kvengine.Delete(kvengine.CFEmbeddingsMeta, kvengine.TenantKey(s.tenantID, checkpointKey(schemaFQN, field, id))))
			continue
		}
		rec := checkpointRecord{ID: id.String(), Vec: n.vec, Level: n.level}
		payload, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("vector: encode checkpoint record: %w", err)
		}
		ops = append(ops, kvengine.Put(kvengine.CFEmbeddingsMeta, kvengine.TenantKey(s.tenantID, checkpointKey(schemaFQN, field, id)), payload))
	}
	if len(ops) == 0 {
		return nil
	}
	return s.engine.Batch(ops)
}

// Warm loads a (schema, field) index from its embeddings_meta checkpoint,
// rebuilding the HNSW graph from the persisted vector set. It does not
// check whether the checkpoint is stale: vectors upserted after the last
// checkpoint are not restored, and nothing replays the WAL into the index.
func (s *Store) Warm(schemaFQN, field string) error {
	kvs, err := s.engine.Scan(kvengine.CFEmbeddingsMeta, kvengine.TenantKey(s.tenantID, checkpointPrefix(schemaFQN, field)))
	if err != nil {
		return fmt.Errorf("vector: scan checkpoint: %w", err)
	}
	if len(kvs) == 0 {
		return nil
	}

	pairs := make(map[idgen.ID][]float32, len(kvs))
	for _, kv := range kvs {
		var rec checkpointRecord
		if err := json.Unmarshal(kv.Value, &rec); err != nil {
			return fmt.Errorf("vector: decode checkpoint record: %w", err)
		}
		id, err := idgen.ParseID(rec.ID)
		if err != nil {
			return fmt.Errorf("vector: decode checkpoint id: %w", err)
		}
		pairs[id] = rec.Vec
	}

	idx := Build(pairs)
	s.mu.Lock()
	s.indexes[Key{SchemaFQN: schemaFQN, Field: field}] = idx
	s.mu.Unlock()
	return nil
}

// pendingKey namespaces SpillPending's "pending embeddings" prefix.
func pendingKey(schemaFQN, field string, seq uint64) []byte {
	suffix := make([]byte, 8)
	binary.BigEndian.PutUint64(suffix, seq)
	return []byte(fmt.Sprintf("embedding_pending|%s|%s|%x", schemaFQN, field, suffix))
}

// SpillPending persists a pending-embedding job under the
// embedding_pending prefix, keyed by an opaque monotonic seq supplied by
// the caller. There is no in-memory embedding queue, and no other package
// calls it.
func (s *Store) SpillPending(schemaFQN, field string, seq uint64, id idgen.ID, text string) error {
	payload, err := json.Marshal(struct {
		ID   string `json:"id"`
		Text string `json:"text"`
	}{ID: id.String(), Text: text})
	if err != nil {
		return fmt.Errorf("vector: encode pending job: %w", err)
	}
	return s.engine.Put(kvengine.CFEmbeddingsMeta, kvengine.TenantKey(s.tenantID, pendingKey(schemaFQN, field, seq)), payload)
}
