// Package graph implements the Graph Store: bidirectional labeled edges
// and depth-bounded BFS traversal. Built fresh in the teacher's idiom (no
// graph library appears anywhere in the retrieval pack) over plain
// kvengine batches, following the atomic db.Update-closure pattern in
// pkg/storage/boltdb.go applied to the two-CF edge layout of spec.md §4.6.
package graph

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/cuemby/rem/pkg/idgen"
	"github.com/cuemby/rem/pkg/kvengine"
	"github.com/cuemby/rem/pkg/remerr"
	"github.com/cuemby/rem/pkg/types"
	"github.com/cuemby/rem/pkg/wal"
)

// DefaultMaxNodes bounds a traversal's visited set absent an override.
const DefaultMaxNodes = 10_000

// Direction selects which edge set neighbors/traverse walks.
type Direction string

const (
	DirOut  Direction = "out"
	DirIn   Direction = "in"
	DirBoth Direction = "both"
)

// Store is the Graph Store for one tenant database.
type Store struct {
	engine   *kvengine.Engine
	seqGen   *wal.SeqGenerator
	tenantID string
}

// NewStore builds a graph Store over an already-opened KV engine.
func NewStore(engine *kvengine.Engine, seqGen *wal.SeqGenerator, tenantID string) *Store {
	return &Store{engine: engine, seqGen: seqGen, tenantID: tenantID}
}

func fwdKey(src idgen.ID, label string, dst idgen.ID) []byte {
	return []byte(fmt.Sprintf("edges_fwd|%s|%s|%s", src, label, dst))
}

func revKey(dst idgen.ID, label string, src idgen.ID) []byte {
	return []byte(fmt.Sprintf("edges_rev|%s|%s|%s", dst, label, src))
}

func fwdPrefix(src idgen.ID) []byte {
	return []byte(fmt.Sprintf("edges_fwd|%s|", src))
}

func revPrefix(dst idgen.ID) []byte {
	return []byte(fmt.Sprintf("edges_rev|%s|", dst))
}

// AddEdge writes both directions atomically. Exact duplicates (same
// src, label, dst, and properties) are no-ops; a differing property map
// on an otherwise identical triple is AlreadyExists.
func (st *Store) AddEdge(src idgen.ID, label string, dst idgen.ID, props map[string]types.Value) error {
	propBytes, err := json.Marshal(props)
	if err != nil {
		return fmt.Errorf("graph: encode properties: %w", err)
	}

	existingFwd, getErr := st.engine.Get(kvengine.CFEdgesFwd, kvengine.TenantKey(st.tenantID, fwdKey(src, label, dst)))
	if getErr == nil {
		if string(existingFwd) == string(propBytes) {
			return nil
		}
		return fmt.Errorf("graph: edge %s-%s->%s exists with different properties: %w", src, label, dst, remerr.ErrAlreadyExists)
	}
	if getErr != remerr.ErrNotFound {
		return getErr
	}

	ops := []kvengine.Op{
		kvengine.Put(kvengine.CFEdgesFwd, kvengine.TenantKey(st.tenantID, fwdKey(src, label, dst)), propBytes),
		kvengine.Put(kvengine.CFEdgesRev, kvengine.TenantKey(st.tenantID, revKey(dst, label, src)), propBytes),
	}

	payload, _ := json.Marshal(map[string]string{"src": src.String(), "label": label, "dst": dst.String()})
	walOp, _ := st.seqGen.BuildAppendOp(st.tenantID, wal.OpPutEdge, payload)
	ops = append(ops, walOp)

	if err := st.engine.Batch(ops); err != nil {
		return fmt.Errorf("graph: add edge batch: %w", err)
	}
	return nil
}

// RemoveEdge deletes both directions atomically.
func (st *Store) RemoveEdge(src idgen.ID, label string, dst idgen.ID) error {
	ops := []kvengine.Op{
		kvengine.Delete(kvengine.CFEdgesFwd, kvengine.TenantKey(st.tenantID, fwdKey(src, label, dst))),
		kvengine.Delete(kvengine.CFEdgesRev, kvengine.TenantKey(st.tenantID, revKey(dst, label, src))),
	}
	payload, _ := json.Marshal(map[string]string{"src": src.String(), "label": label, "dst": dst.String()})
	walOp, _ := st.seqGen.BuildAppendOp(st.tenantID, wal.OpDeleteEdge, payload)
	ops = append(ops, walOp)

	if err := st.engine.Batch(ops); err != nil {
		return fmt.Errorf("graph: remove edge batch: %w", err)
	}
	return nil
}

// ApplyReplicated writes a replicated WAL frame's edge mutation directly to
// both edge column families, without assigning a new log_seq_no. Edge
// properties are not carried in the wal.OpPutEdge payload (only src/label/
// dst), so a replicated edge always lands with empty properties; a replica
// wanting exact property parity must re-derive them from a Snapshot.
func (st *Store) ApplyReplicated(op wal.Op, payload []byte) error {
	var ref struct {
		Src   string `json:"src"`
		Label string `json:"label"`
		Dst   string `json:"dst"`
	}
	if err := json.Unmarshal(payload, &ref); err != nil {
		return fmt.Errorf("graph: decode replicated edge: %w", err)
	}
	src, err := idgen.ParseID(ref.Src)
	if err != nil {
		return fmt.Errorf("graph: replicated edge src: %w", err)
	}
	dst, err := idgen.ParseID(ref.Dst)
	if err != nil {
		return fmt.Errorf("graph: replicated edge dst: %w", err)
	}

	switch op {
	case wal.OpPutEdge:
		ops := []kvengine.Op{
			kvengine.Put(kvengine.CFEdgesFwd, kvengine.TenantKey(st.tenantID, fwdKey(src, ref.Label, dst)), []byte("{}")),
			kvengine.Put(kvengine.CFEdgesRev, kvengine.TenantKey(st.tenantID, revKey(dst, ref.Label, src)), []byte("{}")),
		}
		return st.engine.Batch(ops)
	case wal.OpDeleteEdge:
		ops := []kvengine.Op{
			kvengine.Delete(kvengine.CFEdgesFwd, kvengine.TenantKey(st.tenantID, fwdKey(src, ref.Label, dst))),
			kvengine.Delete(kvengine.CFEdgesRev, kvengine.TenantKey(st.tenantID, revKey(dst, ref.Label, src))),
		}
		return st.engine.Batch(ops)
	default:
		return fmt.Errorf("graph: unsupported replicated op %d: %w", op, remerr.ErrInternal)
	}
}

// RemoveAllForEntity removes every edge (either direction) touching id,
// used by the Entity Store's cascading delete.
func (st *Store) RemoveAllForEntity(id idgen.ID) error {
	out, err := st.Neighbors(id, DirBoth, nil)
	if err != nil {
		return err
	}
	for _, n := range out {
		if n.Direction == DirOut {
			if err := st.RemoveEdge(id, n.Label, n.Neighbor); err != nil {
				return err
			}
		} else {
			if err := st.RemoveEdge(n.Neighbor, n.Label, id); err != nil {
				return err
			}
		}
	}
	return nil
}

// Neighbor describes one edge reachable from a traversal seed.
type Neighbor struct {
	Neighbor   idgen.ID
	Label      string
	Direction  Direction
	Properties map[string]types.Value
}

// Neighbors returns id's adjacent edges, optionally filtered by label.
func (st *Store) Neighbors(id idgen.ID, direction Direction, labels []string) ([]Neighbor, error) {
	allowed := func(label string) bool {
		if len(labels) == 0 {
			return true
		}
		for _, l := range labels {
			if l == label {
				return true
			}
		}
		return false
	}

	var out []Neighbor
	if direction == DirOut || direction == DirBoth {
		kvs, err := st.engine.Scan(kvengine.CFEdgesFwd, kvengine.TenantKey(st.tenantID, fwdPrefix(id)))
		if err != nil {
			return nil, fmt.Errorf("graph: scan fwd: %w", err)
		}
		for _, kv := range kvs {
			label, dst, err := parseEdgeSuffix(kv.Key)
			if err != nil {
				return nil, err
			}
			if !allowed(label) {
				continue
			}
			var props map[string]types.Value
			json.Unmarshal(kv.Value, &props)
			out = append(out, Neighbor{Neighbor: dst, Label: label, Direction: DirOut, Properties: props})
		}
	}
	if direction == DirIn || direction == DirBoth {
		kvs, err := st.engine.Scan(kvengine.CFEdgesRev, kvengine.TenantKey(st.tenantID, revPrefix(id)))
		if err != nil {
			return nil, fmt.Errorf("graph: scan rev: %w", err)
		}
		for _, kv := range kvs {
			label, src, err := parseEdgeSuffix(kv.Key)
			if err != nil {
				return nil, err
			}
			if !allowed(label) {
				continue
			}
			var props map[string]types.Value
			json.Unmarshal(kv.Value, &props)
			out = append(out, Neighbor{Neighbor: src, Label: label, Direction: DirIn, Properties: props})
		}
	}
	return out, nil
}

// parseEdgeSuffix extracts (label, otherID) from an edges_fwd/edges_rev
// key's tail: <cf>|<id>|<label>|<otherID>.
func parseEdgeSuffix(key []byte) (label string, other idgen.ID, err error) {
	_, suffix, err := kvengine.SplitTenantKey(key)
	if err != nil {
		return "", other, err
	}
	parts := splitPipe(string(suffix))
	if len(parts) != 4 {
		return "", other, fmt.Errorf("graph: malformed edge key %s: %w", key, remerr.ErrCorruption)
	}
	id, err := idgen.ParseID(parts[3])
	if err != nil {
		return "", other, fmt.Errorf("graph: malformed edge key %s: %w", key, remerr.ErrCorruption)
	}
	return parts[2], id, nil
}

func splitPipe(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '|' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}

// TraversalStep is one entry of a traverse() result stream.
type TraversalStep struct {
	ID    idgen.ID
	Depth int
	Path  []idgen.ID
}

// Traverse runs a BFS from start out to maxDepth, bounded by maxNodes
// visited, deterministically ordered by (depth asc, label asc,
// neighbour-id asc), with cycles detected and skipped via a visited set.
func (st *Store) Traverse(start idgen.ID, maxDepth int, labels []string, direction Direction, maxNodes int) ([]TraversalStep, error) {
	if maxNodes <= 0 {
		maxNodes = DefaultMaxNodes
	}

	visited := map[idgen.ID]bool{start: true}
	steps := []TraversalStep{{ID: start, Depth: 0, Path: []idgen.ID{start}}}
	frontier := []TraversalStep{steps[0]}

	for depth := 0; depth < maxDepth && len(visited) < maxNodes; depth++ {
		var next []TraversalStep
		type candidate struct {
			label string
			id    idgen.ID
			path  []idgen.ID
		}
		var candidates []candidate

		for _, cur := range frontier {
			neighbors, err := st.Neighbors(cur.ID, direction, labels)
			if err != nil {
				return nil, err
			}
			for _, n := range neighbors {
				if visited[n.Neighbor] {
					continue
				}
				path := append(append([]idgen.ID(nil), cur.Path...), n.Neighbor)
				candidates = append(candidates, candidate{label: n.Label, id: n.Neighbor, path: path})
			}
		}

		sort.Slice(candidates, func(i, j int) bool {
			if candidates[i].label != candidates[j].label {
				return candidates[i].label < candidates[j].label
			}
			return candidates[i].id.String() < candidates[j].id.String()
		})

		for _, c := range candidates {
			if visited[c.id] || len(visited) >= maxNodes {
				continue
			}
			visited[c.id] = true
			step := TraversalStep{ID: c.id, Depth: depth + 1, Path: c.path}
			steps = append(steps, step)
			next = append(next, step)
		}
		frontier = next
		if len(frontier) == 0 {
			break
		}
	}
	return steps, nil
}

// Reindex rebuilds edges_rev from edges_fwd (or vice versa), restoring
// bidirectional equality after corruption.
func (st *Store) Reindex(rebuildRevFromFwd bool) error {
	srcCF, dstCF := kvengine.CFEdgesFwd, kvengine.CFEdgesRev
	if !rebuildRevFromFwd {
		srcCF, dstCF = kvengine.CFEdgesRev, kvengine.CFEdgesFwd
	}

	kvs, err := st.engine.Scan(srcCF, []byte(st.tenantID+string(rune(kvengine.TenantSeparator))))
	if err != nil {
		return fmt.Errorf("graph: reindex scan: %w", err)
	}

	var ops []kvengine.Op
	for _, kv := range kvs {
		_, suffix, err := kvengine.SplitTenantKey(kv.Key)
		if err != nil {
			return err
		}
		parts := splitPipe(string(suffix))
		if len(parts) != 4 {
			continue
		}
		label := parts[2]
		first, err := idgen.ParseID(parts[1])
		if err != nil {
			continue
		}
		second, err := idgen.ParseID(parts[3])
		if err != nil {
			continue
		}
		var mirroredKey []byte
		if rebuildRevFromFwd {
			mirroredKey = revKey(second, label, first)
		} else {
			mirroredKey = fwdKey(second, label, first)
		}
		ops = append(ops, kvengine.Put(dstCF, kvengine.TenantKey(st.tenantID, mirroredKey), kv.Value))
	}
	if len(ops) == 0 {
		return nil
	}
	return st.engine.Batch(ops)
}
