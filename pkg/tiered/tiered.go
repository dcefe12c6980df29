// Package tiered implements the optional Tiered Index: a hot in-memory
// HNSW zone for recent vectors plus a cold immutable on-disk ANN segment
// for historical ones, merged at query time. The cold segment is a
// sequence of immutable, sorted runs written through pkg/kvengine — the
// same append-only bucket pattern pkg/storage uses to separate live from
// archival state in the teacher repo — giving the same durability story
// spec.md's "LSM-backed" language implies without a real LSM engine.
package tiered

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/cuemby/rem/pkg/idgen"
	"github.com/cuemby/rem/pkg/kvengine"
	"github.com/cuemby/rem/pkg/vector"
)

// Defaults resolve the Tiered-index Open Question in spec.md §9.
const (
	DefaultHotDataDays    = 30
	DefaultMaxHotVectors  = 100_000
	DefaultRefreshCadence = time.Hour
)

// coldEntry is one immutable row in a cold segment run.
type coldEntry struct {
	ID        idgen.ID
	Vec       []float32
	CreatedAt time.Time
}

// ColdSegment is an immutable, time-sorted run of vectors too old for the
// hot zone.
type ColdSegment struct {
	entries []coldEntry
}

// BuildColdSegment sorts entries by CreatedAt ascending, producing an
// immutable segment ready for persistence.
func BuildColdSegment(pairs map[idgen.ID][]float32, createdAt map[idgen.ID]time.Time) *ColdSegment {
	seg := &ColdSegment{entries: make([]coldEntry, 0, len(pairs))}
	for id, vec := range pairs {
		seg.entries = append(seg.entries, coldEntry{ID: id, Vec: vec, CreatedAt: createdAt[id]})
	}
	sort.Slice(seg.entries, func(i, j int) bool { return seg.entries[i].CreatedAt.Before(seg.entries[j].CreatedAt) })
	return seg
}

// search performs a brute-force scan of the cold segment — acceptable
// because the cold zone is searched only as a merge input alongside the
// hot HNSW result, bounded by top-2k per spec.md's correctness contract,
// not as the sole index.
func (seg *ColdSegment) search(query []float32, k int, distance vector.DistanceFunc) []vector.Result {
	type scored struct {
		id   idgen.ID
		dist float32
	}
	scoredEntries := make([]scored, len(seg.entries))
	for i, e := range seg.entries {
		scoredEntries[i] = scored{id: e.ID, dist: distance(query, e.Vec)}
	}
	sort.Slice(scoredEntries, func(i, j int) bool {
		if scoredEntries[i].dist != scoredEntries[j].dist {
			return scoredEntries[i].dist < scoredEntries[j].dist
		}
		return scoredEntries[i].id.String() < scoredEntries[j].id.String()
	})
	if len(scoredEntries) > k {
		scoredEntries = scoredEntries[:k]
	}
	out := make([]vector.Result, len(scoredEntries))
	for i, s := range scoredEntries {
		out[i] = vector.Result{ID: s.id, Score: s.dist}
	}
	return out
}

// Index merges a hot in-memory HNSW zone with a cold on-disk segment.
type Index struct {
	hot      *vector.Index
	cold     *ColdSegment
	distance vector.DistanceFunc
}

// New builds a tiered Index from an already-warmed hot zone and a cold
// segment (nil cold is treated as empty — e.g. before the first swap).
func New(hot *vector.Index, cold *ColdSegment, distance vector.DistanceFunc) *Index {
	if distance == nil {
		distance = vector.CosineDistance
	}
	if cold == nil {
		cold = &ColdSegment{}
	}
	return &Index{hot: hot, cold: cold, distance: distance}
}

// Search queries both zones and merges top-k by ascending score. Per
// spec.md §4.5a's correctness contract, the returned k results are a
// subset of the union of both indexes' top-2k.
func (idx *Index) Search(query []float32, k, ef int) []vector.Result {
	topK2 := k * 2
	hotResults := idx.hot.Search(query, topK2, ef)
	coldResults := idx.cold.search(query, topK2, idx.distance)

	merged := append(append([]vector.Result(nil), hotResults...), coldResults...)
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Score != merged[j].Score {
			return merged[i].Score < merged[j].Score
		}
		return merged[i].ID.String() < merged[j].ID.String()
	})

	seen := make(map[idgen.ID]bool, len(merged))
	out := make([]vector.Result, 0, k)
	for _, r := range merged {
		if seen[r.ID] {
			continue
		}
		seen[r.ID] = true
		out = append(out, r)
		if len(out) == k {
			break
		}
	}
	return out
}

// coldSegmentKey namespaces a persisted cold-segment run within
// embeddings_meta, one run per rebuild-and-swap cycle.
func coldSegmentKey(schemaFQN, field string, generation uint64) []byte {
	return []byte(fmt.Sprintf("tiered_cold|%s|%s|%d", schemaFQN, field, generation))
}

// PersistColdSegment writes an immutable cold-segment run to the KV
// engine, grounded on the same bbolt-bucket-per-kind pattern as
// pkg/storage's hot/cold archival split.
func PersistColdSegment(engine *kvengine.Engine, tenantID, schemaFQN, field string, generation uint64, seg *ColdSegment) error {
	payload, err := json.Marshal(seg.entries)
	if err != nil {
		return fmt.Errorf("tiered: encode cold segment: %w", err)
	}
	return engine.Put(kvengine.CFEmbeddingsMeta, kvengine.TenantKey(tenantID, coldSegmentKey(schemaFQN, field, generation)), payload)
}

// LoadColdSegment reads back a persisted cold-segment run.
func LoadColdSegment(engine *kvengine.Engine, tenantID, schemaFQN, field string, generation uint64) (*ColdSegment, error) {
	raw, err := engine.Get(kvengine.CFEmbeddingsMeta, kvengine.TenantKey(tenantID, coldSegmentKey(schemaFQN, field, generation)))
	if err != nil {
		return nil, err
	}
	var entries []coldEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("tiered: decode cold segment: %w", err)
	}
	return &ColdSegment{entries: entries}, nil
}
