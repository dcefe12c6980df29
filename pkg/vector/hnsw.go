// Package vector implements the Vector Index: an in-memory HNSW
// (Hierarchical Navigable Small World) graph per (tenant, schema, field).
// No HNSW library appears anywhere in the retrieval pack's dependency
// graph, so the graph itself is hand-implemented here; its concurrency
// shape (one RWMutex guarding all internal state) follows the same pattern
// the teacher uses in pkg/scheduler.Scheduler and pkg/events.Broker.
package vector

import (
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/cuemby/rem/pkg/idgen"
)

// Default HNSW parameters (spec.md §4.5).
const (
	DefaultM              = 16
	DefaultEfConstruction = 200
	DefaultEfSearch        = 64
)

// DistanceFunc scores two vectors; lower is closer.
type DistanceFunc func(a, b []float32) float32

// CosineDistance is the default distance function (1 - cosine similarity).
func CosineDistance(a, b []float32) float32 {
	var dot, na, nb float32
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 1
	}
	sim := dot / float32(math.Sqrt(float64(na))*math.Sqrt(float64(nb)))
	return 1 - sim
}

type node struct {
	id        idgen.ID
	vec       []float32
	level     int
	neighbors [][]idgen.ID // per level
	tombstone bool
}

// Index is a single HNSW graph for one (tenant, schema, field).
type Index struct {
	mu sync.RWMutex

	m              int
	efConstruction int
	efSearch       int
	distance       DistanceFunc
	levelMult      float64

	nodes    map[idgen.ID]*node
	entry    idgen.ID
	hasEntry bool
	rng      *rand.Rand

	// BuildID is a fresh random id assigned on every Upsert (and so on
	// every Build); Checkpoint does not record it.
	BuildID string
}

// Option configures a new Index.
type Option func(*Index)

// WithM overrides the default M (max neighbors per node per level).
func WithM(m int) Option { return func(i *Index) { i.m = m } }

// WithEfConstruction overrides the default construction-time beam width.
func WithEfConstruction(ef int) Option { return func(i *Index) { i.efConstruction = ef } }

// WithEfSearch overrides the default search-time beam width.
func WithEfSearch(ef int) Option { return func(i *Index) { i.efSearch = ef } }

// WithDistance overrides the default cosine distance function.
func WithDistance(d DistanceFunc) Option { return func(i *Index) { i.distance = d } }

// New builds an empty HNSW Index.
func New(opts ...Option) *Index {
	idx := &Index{
		m:              DefaultM,
		efConstruction: DefaultEfConstruction,
		efSearch:       DefaultEfSearch,
		distance:       CosineDistance,
		levelMult:      1 / math.Log(float64(DefaultM)),
		nodes:          make(map[idgen.ID]*node),
		rng:            rand.New(rand.NewSource(1)),
	}
	for _, opt := range opts {
		opt(idx)
	}
	idx.levelMult = 1 / math.Log(float64(idx.m))
	return idx
}

func (idx *Index) randomLevel() int {
	level := 0
	for idx.rng.Float64() < 1.0/math.E && level < 32 {
		level++
	}
	_ = idx.levelMult
	return level
}

// Upsert inserts or replaces the vector for id. Replacing overwrites id's
// node with a new one holding the new vector; links that pointed at id now
// reach the new node.
func (idx *Index) Upsert(id idgen.ID, vec []float32) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if existing, ok := idx.nodes[id]; ok {
		existing.tombstone = true
	}

	level := idx.randomLevel()
	n := &node{
		id:        id,
		vec:       append([]float32(nil), vec...),
		level:     level,
		neighbors: make([][]idgen.ID, level+1),
	}
	idx.nodes[id] = n

	if !idx.hasEntry {
		idx.entry = id
		idx.hasEntry = true
		idx.BuildID = uuid.NewString()
		return
	}

	entryPoint := idx.entry
	entryLevel := idx.nodes[entryPoint].level

	cur := entryPoint
	for l := entryLevel; l > level; l-- {
		cur = idx.greedyDescend(cur, vec, l)
	}

	for l := min(level, entryLevel); l >= 0; l-- {
		candidates := idx.searchLayer(vec, cur, idx.efConstruction, l)
		selected := idx.selectNeighbors(candidates, idx.m)
		n.neighbors[l] = selected
		for _, nb := range selected {
			nbNode := idx.nodes[nb]
			if nbNode == nil || len(nbNode.neighbors) <= l {
				continue
			}
			nbNode.neighbors[l] = idx.selectNeighbors(append(append([]idgen.ID(nil), nbNode.neighbors[l]...), id), idx.m)
		}
		if len(candidates) > 0 {
			cur = candidates[0]
		}
	}

	if level > entryLevel {
		idx.entry = id
	}
	idx.BuildID = uuid.NewString()
}

// Remove tombstones id; it remains in the graph for traversal but is
// skipped on search results.
func (idx *Index) Remove(id idgen.ID) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if n, ok := idx.nodes[id]; ok {
		n.tombstone = true
	}
}

// liveCount returns the number of non-tombstoned vectors currently held,
// reported to the vector index size gauge by the owning Store.
func (idx *Index) liveCount() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	n := 0
	for _, node := range idx.nodes {
		if !node.tombstone {
			n++
		}
	}
	return n
}

// Result is one (id, score) pair from a Search, where score is the
// distance (lower is closer).
type Result struct {
	ID    idgen.ID
	Score float32
}

// Search returns the k nearest live (non-tombstoned) vectors to query,
// ordered by ascending distance, ties broken by id. ef overrides the
// index's default ef_search when > 0.
func (idx *Index) Search(query []float32, k, ef int) []Result {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if !idx.hasEntry {
		return nil
	}
	if ef <= 0 {
		ef = idx.efSearch
	}
	if ef < k {
		ef = k
	}

	cur := idx.entry
	topLevel := idx.nodes[cur].level
	for l := topLevel; l > 0; l-- {
		cur = idx.greedyDescend(cur, query, l)
	}

	candidates := idx.searchLayer(query, cur, ef, 0)

	type scored struct {
		id    idgen.ID
		score float32
	}
	var live []scored
	for _, c := range candidates {
		n := idx.nodes[c]
		if n == nil || n.tombstone {
			continue
		}
		live = append(live, scored{id: c, score: idx.distance(query, n.vec)})
	}
	sort.Slice(live, func(i, j int) bool {
		if live[i].score != live[j].score {
			return live[i].score < live[j].score
		}
		return live[i].id.String() < live[j].id.String()
	})
	if len(live) > k {
		live = live[:k]
	}
	out := make([]Result, len(live))
	for i, s := range live {
		out[i] = Result{ID: s.id, Score: s.score}
	}
	return out
}

// greedyDescend walks from cur toward query at level l, returning the
// closest node found.
func (idx *Index) greedyDescend(cur idgen.ID, query []float32, l int) idgen.ID {
	improved := true
	best := cur
	bestDist := idx.distance(query, idx.nodes[cur].vec)
	for improved {
		improved = false
		n := idx.nodes[best]
		if n == nil || len(n.neighbors) <= l {
			break
		}
		for _, nb := range n.neighbors[l] {
			nbNode := idx.nodes[nb]
			if nbNode == nil {
				continue
			}
			d := idx.distance(query, nbNode.vec)
			if d < bestDist {
				bestDist = d
				best = nb
				improved = true
			}
		}
	}
	return best
}

// searchLayer runs a best-first beam search at level l starting from
// entry, returning up to ef nearest node ids (ordered by ascending
// distance).
func (idx *Index) searchLayer(query []float32, entry idgen.ID, ef, l int) []idgen.ID {
	visited := map[idgen.ID]bool{entry: true}
	type scored struct {
		id   idgen.ID
		dist float32
	}
	entryNode := idx.nodes[entry]
	if entryNode == nil {
		return nil
	}
	candidates := []scored{{id: entry, dist: idx.distance(query, entryNode.vec)}}
	results := []scored{candidates[0]}

	for len(candidates) > 0 {
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].dist < candidates[j].dist })
		cur := candidates[0]
		candidates = candidates[1:]

		sort.Slice(results, func(i, j int) bool { return results[i].dist < results[j].dist })
		if len(results) >= ef && cur.dist > results[len(results)-1].dist {
			break
		}

		n := idx.nodes[cur.id]
		if n == nil || len(n.neighbors) <= l {
			continue
		}
		for _, nb := range n.neighbors[l] {
			if visited[nb] {
				continue
			}
			visited[nb] = true
			nbNode := idx.nodes[nb]
			if nbNode == nil {
				continue
			}
			d := idx.distance(query, nbNode.vec)
			candidates = append(candidates, scored{id: nb, dist: d})
			results = append(results, scored{id: nb, dist: d})
		}
	}

	sort.Slice(results, func(i, j int) bool { return results[i].dist < results[j].dist })
	if len(results) > ef {
		results = results[:ef]
	}
	out := make([]idgen.ID, len(results))
	for i, r := range results {
		out[i] = r.id
	}
	return out
}

// selectNeighbors keeps the first m distinct candidates in the order
// given; it does not rank them by distance.
func (idx *Index) selectNeighbors(candidates []idgen.ID, m int) []idgen.ID {
	seen := make(map[idgen.ID]bool, len(candidates))
	uniq := candidates[:0:0]
	for _, c := range candidates {
		if !seen[c] {
			seen[c] = true
			uniq = append(uniq, c)
		}
	}
	if len(uniq) > m {
		uniq = uniq[:m]
	}
	return uniq
}

// Build rebuilds the index from scratch from the given (id, vec) pairs,
// representing every live vector for the field.
func Build(pairs map[idgen.ID][]float32, opts ...Option) *Index {
	idx := New(opts...)
	ids := make([]idgen.ID, 0, len(pairs))
	for id := range pairs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	for _, id := range ids {
		idx.Upsert(id, pairs[id])
	}
	return idx
}
