// Package background runs the periodic maintenance workers a tenant
// database needs beyond request-driven writes: reprocessing entities whose
// embeddings are still pending, checkpointing HNSW indexes, swapping a
// tiered index's cold segment, and pruning WAL entries past their
// retention window. Each worker is an independently start/stoppable
// ticker loop, grounded on pkg/scheduler.Scheduler's Start/Stop/run shape
// (manager/container scheduling, no home in SPEC_FULL.md — only its loop
// pattern survives here).
package background

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/rem/pkg/entity"
	"github.com/cuemby/rem/pkg/idgen"
	"github.com/cuemby/rem/pkg/kvengine"
	"github.com/cuemby/rem/pkg/log"
	"github.com/cuemby/rem/pkg/metrics"
	"github.com/cuemby/rem/pkg/remdb"
	"github.com/cuemby/rem/pkg/schema"
	"github.com/cuemby/rem/pkg/tiered"
	"github.com/cuemby/rem/pkg/types"
	"github.com/cuemby/rem/pkg/vector"
	"github.com/cuemby/rem/pkg/wal"
)

// Worker is one independently start/stoppable periodic task.
type Worker struct {
	name     string
	interval time.Duration
	logger   zerolog.Logger
	stopCh   chan struct{}
	wg       sync.WaitGroup
	run      func() error
}

// newWorker builds a Worker that calls run every interval until Stop.
func newWorker(name string, interval time.Duration, run func() error) *Worker {
	return &Worker{
		name:     name,
		interval: interval,
		logger:   log.WithComponent("background." + name),
		stopCh:   make(chan struct{}),
		run:      run,
	}
}

// Start begins the ticker loop in its own goroutine.
func (w *Worker) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := w.run(); err != nil {
					w.logger.Error().Err(err).Msg("cycle failed")
				}
			case <-w.stopCh:
				return
			}
		}
	}()
}

// Stop signals the loop to exit and waits for it to return.
func (w *Worker) Stop() {
	close(w.stopCh)
	w.wg.Wait()
}

// DefaultCheckpointInterval is the period Checkpointer uses when it is
// given a non-positive interval.
const DefaultCheckpointInterval = time.Minute * 5

// Checkpointer periodically persists every live HNSW index to its
// embeddings_meta checkpoint.
func Checkpointer(db *remdb.Database, interval time.Duration) *Worker {
	if interval <= 0 {
		interval = DefaultCheckpointInterval
	}
	return newWorker("checkpointer", interval, db.Checkpoint)
}

// TieredSwapper persists a schema field's cold segment under the next
// generation through SwapWith, from whatever vectors it is given. Its
// periodic Swap cycle does nothing, and hotDataDays is stored but not used
// to select vectors.
type TieredSwapper struct {
	engine      *kvengine.Engine
	tenantID    string
	schemas     *schema.Registry
	hotDataDays int
	generation  uint64
}

// NewTieredSwapper builds a TieredSwapper over db's schemas and engine.
func NewTieredSwapper(db *remdb.Database, hotDataDays int) *TieredSwapper {
	if hotDataDays <= 0 {
		hotDataDays = tiered.DefaultHotDataDays
	}
	return &TieredSwapper{engine: db.Engine, tenantID: db.TenantID(), schemas: db.Schemas, hotDataDays: hotDataDays}
}

// Worker builds the periodic Worker driving Swap.
func (t *TieredSwapper) Worker(interval time.Duration) *Worker {
	if interval <= 0 {
		interval = tiered.DefaultRefreshCadence
	}
	return newWorker("tiered_swapper", interval, t.Swap)
}

// Swap is a no-op cycle placeholder for the ticker-driven Worker; the
// candidate vector set for a cold-segment rebuild comes from whatever
// invoked this cycle (an embedding-field scan over pkg/entity rows older
// than hotDataDays), supplied explicitly through SwapWith to keep this
// package independent of pkg/entity.
func (t *TieredSwapper) Swap() error { return nil }

// SwapWith builds a cold segment from pairs/createdAt for (schemaFQN,
// field), persists it at the next generation, and returns that generation
// for pkg/remdb.TieredSearch callers to reference.
func (t *TieredSwapper) SwapWith(schemaFQN, field string, pairs map[idgen.ID][]float32, createdAt map[idgen.ID]time.Time) (uint64, error) {
	seg := tiered.BuildColdSegment(pairs, createdAt)
	t.generation++
	if err := tiered.PersistColdSegment(t.engine, t.tenantID, schemaFQN, field, t.generation, seg); err != nil {
		return 0, err
	}
	return t.generation, nil
}

// Provider computes a vector for one text value. The core treats embedding
// generation as opaque (spec.md §2.3's "default embedding provider handle"
// is a plain string the schema carries but never interprets); callers wire
// in whatever provider the handle names.
type Provider func(providerHandle, text string) ([]float32, error)

// EmbeddingReprocessor periodically finds entities an insert marked
// embedding_pending (vector insert failed, or embeddings are computed
// out of band) and resolves them: compute each declared embedding field's
// vector via Provider, upsert it into the hot HNSW index, then clear the
// pending flag.
type EmbeddingReprocessor struct {
	entities *entity.Store
	vectors  *vector.Store
	schemas  *schema.Registry
	provide  Provider
	logger   zerolog.Logger
}

// NewEmbeddingReprocessor builds an EmbeddingReprocessor over db's entity
// and vector stores, using provide to turn embedding-field text into
// vectors.
func NewEmbeddingReprocessor(db *remdb.Database, provide Provider) *EmbeddingReprocessor {
	return &EmbeddingReprocessor{
		entities: db.Entities,
		vectors:  db.Vectors,
		schemas:  db.Schemas,
		provide:  provide,
		logger:   log.WithComponent("background.embedding_reprocessor"),
	}
}

// Worker builds the periodic Worker driving Reprocess.
func (r *EmbeddingReprocessor) Worker(interval time.Duration) *Worker {
	if interval <= 0 {
		interval = time.Minute
	}
	return newWorker("embedding_reprocessor", interval, r.Reprocess)
}

// Reprocess resolves every schema's currently pending rows. A single row's
// provider failure is logged and left pending for the next cycle rather
// than aborting the whole pass.
func (r *EmbeddingReprocessor) Reprocess() error {
	for _, s := range r.schemas.List() {
		if len(s.EmbeddingFields) == 0 {
			continue
		}
		pending, err := r.entities.ListPending(s)
		if err != nil {
			return fmt.Errorf("background: list pending %s: %w", s.FQN, err)
		}
		for _, field := range s.EmbeddingFields {
			metrics.EmbeddingPendingTotal.WithLabelValues(s.FQN, field).Set(float64(len(pending)))
		}
		for _, row := range pending {
			if err := r.resolveRow(s, row); err != nil {
				r.logger.Warn().Err(err).Str("schema_fqn", s.FQN).Str("id", idgen.ID(row.ID).String()).Msg("embedding resolve failed, left pending")
			}
		}
	}
	return nil
}

func (r *EmbeddingReprocessor) resolveRow(s *schema.Schema, row *types.EntityRow) error {
	for _, field := range s.EmbeddingFields {
		val, ok := row.Fields[field]
		if !ok || val.Str == "" {
			continue
		}
		vec, err := r.provide(s.EmbeddingProvider, val.Str)
		if err != nil {
			return fmt.Errorf("provider %q: %w", s.EmbeddingProvider, err)
		}
		r.vectors.Upsert(s.FQN, field, row.ID, vec)
	}
	return r.entities.ClearEmbeddingPending(s, row.ID)
}

// WALPruner periodically deletes WAL frames older than retention entries
// behind the current tail, bounding WAL growth per spec.md §6's
// wal_retention option.
type WALPruner struct {
	engine    *kvengine.Engine
	tenantID  string
	retention int
}

// NewWALPruner builds a WALPruner keeping at least retention frames.
func NewWALPruner(db *remdb.Database, retention int) *WALPruner {
	if retention <= 0 {
		retention = 100_000
	}
	return &WALPruner{engine: db.Engine, tenantID: db.TenantID(), retention: retention}
}

// Worker builds the periodic Worker driving Prune.
func (p *WALPruner) Worker(interval time.Duration) *Worker {
	if interval <= 0 {
		interval = time.Hour
	}
	return newWorker("wal_pruner", interval, p.Prune)
}

// Prune deletes every WAL frame for tenantID whose log_seq_no is more than
// retention entries behind the current tail. It does not consult replica
// acknowledgements (pkg/replication.Source.RecordAck only records them), so
// frames a replica has not acked are deleted once they fall outside
// the retention window.
func (p *WALPruner) Prune() error {
	lastSeq, err := wal.LastSeq(p.engine, p.tenantID)
	if err != nil {
		return err
	}
	if lastSeq <= uint64(p.retention) {
		return nil
	}
	cutoff := lastSeq - uint64(p.retention)
	frames, err := wal.ReadFrom(p.engine, p.tenantID, 0)
	if err != nil {
		return err
	}
	var ops []kvengine.Op
	for _, f := range frames {
		if f.LogSeqNo >= cutoff {
			break
		}
		ops = append(ops, kvengine.Delete(kvengine.CFWAL, wal.Key(p.tenantID, f.LogSeqNo)))
	}
	if len(ops) == 0 {
		return nil
	}
	return p.engine.Batch(ops)
}
