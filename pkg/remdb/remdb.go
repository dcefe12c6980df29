// Package remdb is the database facade: it owns one tenant's data
// directory end to end (KV engine, encryption, schema registry, entity
// store, graph store, vector store, query engine, WAL sequence generator,
// replication) and its open/repair/shutdown lifecycle. Grounded on
// pkg/manager/manager.go's NewManager/Bootstrap/Shutdown "owns everything"
// shape, generalized from a Raft cluster manager to a single-tenant
// embedded database — each field there (raft+security+store+events) maps
// onto one here (wal+crypto+kvengine+schema+entity+vector+graph+query).
package remdb

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/cuemby/rem/pkg/crypto"
	"github.com/cuemby/rem/pkg/entity"
	"github.com/cuemby/rem/pkg/graph"
	"github.com/cuemby/rem/pkg/idgen"
	"github.com/cuemby/rem/pkg/kvengine"
	"github.com/cuemby/rem/pkg/log"
	"github.com/cuemby/rem/pkg/query"
	"github.com/cuemby/rem/pkg/remerr"
	"github.com/cuemby/rem/pkg/schema"
	"github.com/cuemby/rem/pkg/tiered"
	"github.com/cuemby/rem/pkg/types"
	"github.com/cuemby/rem/pkg/vector"
	"github.com/cuemby/rem/pkg/wal"
)

// Options configures an Open call, bridging pkg/config's flat option set to
// the constructors each owned component expects.
type Options struct {
	DataDir            string
	Tenant             types.Tenant
	SchemaCacheSize    int
	QueryCellBudget    int
	HNSWM              int
	HNSWEfConstruction int
	HNSWEfSearch       int
}

// Database is one tenant's fully wired set of components plus its
// lifecycle state (file lock, KV engine handle).
type Database struct {
	opts Options

	lock   *flock.Flock
	Engine *kvengine.Engine
	Keys   *crypto.KeyRing
	Seq    *wal.SeqGenerator

	Schemas  *schema.Registry
	Entities *entity.Store
	Graph    *graph.Store
	Vectors  *vector.Store
	Query    *query.Engine

	hnswOpts []vector.Option
}

// Open acquires an exclusive lock on opts.DataDir, opens the KV engine,
// derives the tenant's KeyRing, restores the schema registry, seeds the WAL
// sequence generator from the durable log, and warms every registered
// schema's embedding-field HNSW indexes from their last checkpoint.
func Open(opts Options) (*Database, error) {
	if err := os.MkdirAll(opts.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("remdb: create data dir: %w", err)
	}

	lk := flock.New(filepath.Join(opts.DataDir, "LOCK"))
	locked, err := lk.TryLock()
	if err != nil {
		return nil, fmt.Errorf("remdb: acquire lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("remdb: data dir %s is already open by another process: %w", opts.DataDir, remerr.ErrTransient)
	}

	engine, err := kvengine.Open(opts.DataDir)
	if err != nil {
		lk.Unlock()
		return nil, err
	}

	keys, err := crypto.NewKeyRing(opts.Tenant.ID, opts.Tenant.RootKey)
	if err != nil {
		engine.Close()
		lk.Unlock()
		return nil, err
	}

	cacheSize := opts.SchemaCacheSize
	if cacheSize <= 0 {
		cacheSize = 256
	}
	schemas, err := schema.NewRegistry(cacheSize)
	if err != nil {
		engine.Close()
		lk.Unlock()
		return nil, err
	}
	if err := schema.LoadAll(engine, opts.Tenant.ID, schemas); err != nil {
		engine.Close()
		lk.Unlock()
		return nil, fmt.Errorf("remdb: restore schemas: %w", err)
	}

	seqGen := wal.NewSeqGenerator()
	lastSeq, err := wal.LastSeq(engine, opts.Tenant.ID)
	if err != nil {
		engine.Close()
		lk.Unlock()
		return nil, fmt.Errorf("remdb: read last seq: %w", err)
	}
	seqGen.Seed(opts.Tenant.ID, lastSeq)

	entities := entity.NewStore(engine, schemas, seqGen, opts.Tenant.ID)
	graphStore := graph.NewStore(engine, seqGen, opts.Tenant.ID)
	vectors := vector.NewStore(engine, opts.Tenant.ID)

	m, efc, efs := opts.HNSWM, opts.HNSWEfConstruction, opts.HNSWEfSearch
	if m <= 0 {
		m = vector.DefaultM
	}
	if efc <= 0 {
		efc = vector.DefaultEfConstruction
	}
	if efs <= 0 {
		efs = vector.DefaultEfSearch
	}
	hnswOpts := []vector.Option{vector.WithM(m), vector.WithEfConstruction(efc), vector.WithEfSearch(efs)}

	db := &Database{
		opts:     opts,
		lock:     lk,
		Engine:   engine,
		Keys:     keys,
		Seq:      seqGen,
		Schemas:  schemas,
		Entities: entities,
		Graph:    graphStore,
		Vectors:  vectors,
		hnswOpts: hnswOpts,
	}

	if err := db.warmVectorIndexes(); err != nil {
		db.Engine.Close()
		db.lock.Unlock()
		return nil, err
	}

	cellBudget := opts.QueryCellBudget
	if cellBudget <= 0 {
		cellBudget = 1_000_000
	}
	db.Query = query.NewEngine(engine, entities, schemas, vectors, cellBudget)

	log.WithTenant(opts.Tenant.ID).Info().Str("data_dir", opts.DataDir).Uint64("last_seq", lastSeq).Msg("remdb: opened")
	return db, nil
}

// warmVectorIndexes rebuilds every registered schema's embedding-field HNSW
// index from its last checkpoint, falling back to an empty index when no
// checkpoint exists yet (a fresh embedding field).
func (db *Database) warmVectorIndexes() error {
	for _, s := range db.Schemas.List() {
		for _, field := range s.EmbeddingFields {
			if err := db.Vectors.Warm(s.FQN, field); err != nil {
				return fmt.Errorf("remdb: warm %s.%s: %w", s.FQN, field, err)
			}
		}
	}
	return nil
}

// RegisterSchema validates, registers, and persists a schema so it survives
// a restart — the two-step Register-then-Persist sequence DESIGN.md's
// schema entry documents.
func (db *Database) RegisterSchema(s *schema.Schema) error {
	if db.opts.Tenant.Role == types.RoleReplica {
		return remerr.ErrReadOnly
	}
	if err := db.Schemas.Register(s); err != nil {
		return err
	}
	return schema.Persist(db.Engine, db.opts.Tenant.ID, s)
}

// InsertEntity inserts a record of schema s, rejecting the call on a
// replica database (writes flow in only via replication there).
func (db *Database) InsertEntity(s *schema.Schema, fields map[string]types.Value) (idgen.ID, error) {
	if db.opts.Tenant.Role == types.RoleReplica {
		return idgen.ID{}, remerr.ErrReadOnly
	}
	return db.Entities.Insert(s, fields)
}

// TieredSearch builds an ad hoc tiered.Index over (schemaFQN, field)'s live
// hot zone and its most recent persisted cold segment, then searches it.
// Callers that only need the hot zone should call db.Vectors.Search
// directly instead.
func (db *Database) TieredSearch(schemaFQN, field string, generation uint64, query []float32, k, ef int) ([]vector.Result, error) {
	cold, err := tiered.LoadColdSegment(db.Engine, db.opts.Tenant.ID, schemaFQN, field, generation)
	if err != nil {
		cold = nil
	}
	hot := db.Vectors.IndexFor(schemaFQN, field, db.hnswOpts...)
	idx := tiered.New(hot, cold, vector.CosineDistance)
	return idx.Search(query, k, ef), nil
}

// Checkpoint persists every registered schema's embedding-field HNSW index
// to the embeddings_meta column family, called on a clean shutdown and
// periodically by pkg/background's checkpointer.
func (db *Database) Checkpoint() error {
	for _, s := range db.Schemas.List() {
		for _, field := range s.EmbeddingFields {
			if err := db.Vectors.Checkpoint(s.FQN, field); err != nil {
				return fmt.Errorf("remdb: checkpoint %s.%s: %w", s.FQN, field, err)
			}
		}
	}
	return nil
}

// Shutdown checkpoints every hot vector index, closes the KV engine, and
// releases the data-directory lock, mirroring Manager.Shutdown's ordered
// stop-then-close sequence (DNS/events before Raft before the store).
func (db *Database) Shutdown() error {
	if err := db.Checkpoint(); err != nil {
		log.WithTenant(db.opts.Tenant.ID).Warn().Err(err).Msg("remdb: checkpoint on shutdown failed")
	}
	if err := db.Engine.Close(); err != nil {
		db.lock.Unlock()
		return fmt.Errorf("remdb: close engine: %w", err)
	}
	if err := db.lock.Unlock(); err != nil {
		return fmt.Errorf("remdb: release lock: %w", err)
	}
	log.WithTenant(db.opts.Tenant.ID).Info().Msg("remdb: shut down")
	return nil
}

// ApplyFrame durably applies a replicated WAL frame to this (replica-role)
// database: the frame itself is persisted to the wal column family under
// its own log_seq_no, then dispatched by op to the owning store's
// ApplyReplicated. Ordering and idempotency are the caller's
// responsibility (pkg/replication.Puller checks both via wal.ApplyState
// before calling this).
func (db *Database) ApplyFrame(f wal.Frame) error {
	if err := db.Engine.Put(kvengine.CFWAL, wal.Key(f.TenantID, f.LogSeqNo), wal.Encode(f)); err != nil {
		return fmt.Errorf("remdb: persist replicated frame: %w", err)
	}
	db.Seq.Seed(f.TenantID, f.LogSeqNo)

	switch f.Op {
	case wal.OpPutEntity, wal.OpDeleteEntity:
		return db.Entities.ApplyReplicated(f.Op, f.Payload)
	case wal.OpPutEdge, wal.OpDeleteEdge:
		return db.Graph.ApplyReplicated(f.Op, f.Payload)
	case wal.OpPutSchema:
		var s schema.Schema
		if err := json.Unmarshal(f.Payload, &s); err != nil {
			return fmt.Errorf("remdb: decode replicated schema: %w", err)
		}
		if err := db.Schemas.Register(&s); err != nil && !isAlreadyExists(err) {
			return err
		}
		return schema.Persist(db.Engine, f.TenantID, &s)
	case wal.OpReindex:
		return nil // reindex frames mark intent; the replica rebuilds lazily on next warm
	default:
		return fmt.Errorf("remdb: unsupported replicated op %d: %w", f.Op, remerr.ErrInternal)
	}
}

func isAlreadyExists(err error) bool {
	return err != nil && (errors.Is(err, remerr.ErrAlreadyExists))
}

// TenantID returns the database's tenant id.
func (db *Database) TenantID() string { return db.opts.Tenant.ID }

// Role returns the database's replication role.
func (db *Database) Role() types.Role { return db.opts.Tenant.Role }
