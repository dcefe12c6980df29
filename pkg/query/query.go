// Package query implements the predicate AST and planner: reduce a query
// to one source operator plus residual in-memory filters, preferring a
// vector search, then a selectivity-ordered secondary-index intersection,
// falling back to a full scan only when no index applies and the estimated
// scan fits the configured cell budget.
package query

import (
	"fmt"
	"sort"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/dlclark/regexp2"

	"github.com/cuemby/rem/pkg/entity"
	"github.com/cuemby/rem/pkg/idgen"
	"github.com/cuemby/rem/pkg/kvengine"
	"github.com/cuemby/rem/pkg/metrics"
	"github.com/cuemby/rem/pkg/remerr"
	"github.com/cuemby/rem/pkg/schema"
	"github.com/cuemby/rem/pkg/types"
	"github.com/cuemby/rem/pkg/vector"
)

// PredicateOp tags the shape of a Predicate node.
type PredicateOp string

const (
	OpEq          PredicateOp = "eq"
	OpNe          PredicateOp = "ne"
	OpLt          PredicateOp = "lt"
	OpLte         PredicateOp = "lte"
	OpGt          PredicateOp = "gt"
	OpGte         PredicateOp = "gte"
	OpIn          PredicateOp = "in"
	OpNotIn       PredicateOp = "not_in"
	OpContains    PredicateOp = "contains"
	OpStartsWith  PredicateOp = "starts_with"
	OpEndsWith    PredicateOp = "ends_with"
	OpMatches     PredicateOp = "matches"
	OpExists      PredicateOp = "exists"
	OpNotExists   PredicateOp = "not_exists"
	OpAnd         PredicateOp = "and"
	OpOr          PredicateOp = "or"
	OpNot         PredicateOp = "not"
	OpVectorSim   PredicateOp = "vec"
	OpTimeRange   PredicateOp = "range"
	OpAlwaysTrue  PredicateOp = "always_true"
	OpAlwaysFalse PredicateOp = "always_false"
)

// Predicate is one node of the predicate AST, matching the tagged-union
// wire form from spec.md §6.
type Predicate struct {
	Op    PredicateOp
	Field string

	Value  types.Value
	Values []types.Value // In/NotIn

	Preds []Predicate // And/Or
	Inner *Predicate  // Not

	// VectorSimilar
	QueryVec []float32
	TopK     int
	MinScore float32

	// TimeRange
	Start time.Time
	End   time.Time
}

// OrderDirection is ascending or descending sort order.
type OrderDirection string

const (
	Asc  OrderDirection = "asc"
	Desc OrderDirection = "desc"
)

// OrderBy names the field and direction a result set is sorted by.
type OrderBy struct {
	Field     string
	Direction OrderDirection
}

// Query is one query request against a single tenant+schema.
type Query struct {
	Tenant    string
	SchemaFQN string
	Predicate Predicate
	OrderBy   *OrderBy
	Limit     int
	Offset    int
}

// Row is one matched entity plus its vector score, when the source was a
// VectorSimilar predicate.
type Row struct {
	Entity     *types.EntityRow
	VectorScore float32
}

// Engine executes Query values against one tenant database's entity,
// index, and vector state.
type Engine struct {
	engine     *kvengine.Engine
	entities   *entity.Store
	schemas    *schema.Registry
	vectors    *vector.Store
	cellBudget int
}

// NewEngine builds a query Engine. cellBudget bounds the estimated number
// of entity rows a full scan may examine before QueryTooBroad is returned.
func NewEngine(kv *kvengine.Engine, entities *entity.Store, schemas *schema.Registry, vectors *vector.Store, cellBudget int) *Engine {
	return &Engine{engine: kv, entities: entities, schemas: schemas, vectors: vectors, cellBudget: cellBudget}
}

// Run plans and executes q, returning matched rows in final order
// (bounded by limit+offset).
func (e *Engine) Run(q Query) ([]Row, error) {
	s, err := e.schemas.Latest(q.SchemaFQN)
	if err != nil {
		return nil, fmt.Errorf("query: schema %s: %w", q.SchemaFQN, remerr.ErrQueryInvalid)
	}

	source := "full_scan"
	if _, ok := findVectorPredicate(q.Predicate); ok {
		source = "vector"
	} else if indexed := findIndexedPredicates(q.Predicate, s); len(indexed) > 0 {
		source = "indexed"
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.QueryDuration, source)
	metrics.QuerySourceTotal.WithLabelValues(source).Inc()

	switch source {
	case "vector":
		vecPred, _ := findVectorPredicate(q.Predicate)
		return e.runVectorFirst(q, s, vecPred)
	case "indexed":
		indexed := findIndexedPredicates(q.Predicate, s)
		return e.runIndexedSource(q, s, indexed)
	default:
		return e.runFullScan(q, s)
	}
}

func findVectorPredicate(p Predicate) (Predicate, bool) {
	if p.Op == OpVectorSim {
		return p, true
	}
	for _, sub := range p.Preds {
		if found, ok := findVectorPredicate(sub); ok {
			return found, ok
		}
	}
	if p.Inner != nil {
		return findVectorPredicate(*p.Inner)
	}
	return Predicate{}, false
}

// findIndexedPredicates collects every top-level (or top-level-And'd)
// predicate on an indexed field, ordered by smallest estimated selectivity
// first using the schema's IndexedColumns cardinality hints. An Or can't
// generally use a single index source, so it is left to residual scan.
func findIndexedPredicates(p Predicate, s *schema.Schema) []Predicate {
	isIndexed := func(field string) bool {
		for _, f := range s.IndexedFields {
			if f.Name == field {
				return true
			}
		}
		return false
	}

	var collect func(p Predicate) []Predicate
	collect = func(p Predicate) []Predicate {
		switch p.Op {
		case OpEq, OpIn, OpTimeRange:
			if isIndexed(p.Field) {
				return []Predicate{p}
			}
		case OpAnd:
			var out []Predicate
			for _, sub := range p.Preds {
				out = append(out, collect(sub)...)
			}
			return out
		}
		return nil
	}

	found := collect(p)
	sort.Slice(found, func(i, j int) bool {
		ci, cj := s.IndexedColumns[found[i].Field], s.IndexedColumns[found[j].Field]
		if ci == 0 {
			ci = 1 << 61
		}
		if cj == 0 {
			cj = 1 << 61
		}
		return ci < cj
	})
	return found
}

func (e *Engine) runVectorFirst(q Query, s *schema.Schema, vecPred Predicate) ([]Row, error) {
	fetchK := vecPred.TopK * 2
	if lim := q.Limit * 4; lim > fetchK {
		fetchK = lim
	}
	if fetchK == 0 {
		fetchK = 20
	}

	results := e.vectors.Search(s.FQN, vecPred.Field, vecPred.QueryVec, fetchK, 0)

	rows := make([]Row, 0, len(results))
	for _, r := range results {
		if vecPred.MinScore > 0 && r.Score > vecPred.MinScore {
			continue
		}
		row, err := e.entities.Get(s.FQN, r.ID)
		if err != nil {
			continue
		}
		if row.EmbeddingPending {
			continue
		}
		if !Eval(q.Predicate, row) {
			continue
		}
		rows = append(rows, Row{Entity: row, VectorScore: r.Score})
	}

	sort.SliceStable(rows, func(i, j int) bool { return rows[i].VectorScore < rows[j].VectorScore })
	return paginate(rows, q.Limit, q.Offset), nil
}

// runIndexedSource intersects one or more indexed predicates via roaring
// bitmaps keyed by a dense row number derived from each id, smallest
// estimated selectivity first: the first (most selective) predicate seeds
// the candidate set, and each subsequent predicate's bitmap narrows it.
func (e *Engine) runIndexedSource(q Query, s *schema.Schema, indexed []Predicate) ([]Row, error) {
	rowToID := make(map[uint32]idgen.ID)
	var acc *roaring.Bitmap

	for _, ip := range indexed {
		ids, err := e.idsForFieldValue(q.Tenant, s, ip.Field, ip)
		if err != nil {
			return nil, err
		}
		bm := roaring.New()
		for _, id := range ids {
			rn := rowNumber(id)
			rowToID[rn] = id
			bm.Add(rn)
		}
		if acc == nil {
			acc = bm
		} else {
			acc.And(bm)
		}
	}
	if acc == nil {
		acc = roaring.New()
	}

	rows := make([]Row, 0, acc.GetCardinality())
	it := acc.Iterator()
	for it.HasNext() {
		id, ok := rowToID[it.Next()]
		if !ok {
			continue
		}
		row, err := e.entities.Get(s.FQN, id)
		if err != nil {
			continue
		}
		if !Eval(q.Predicate, row) {
			continue
		}
		rows = append(rows, Row{Entity: row})
	}
	applyOrder(rows, q.OrderBy)
	return paginate(rows, q.Limit, q.Offset), nil
}

func rowNumber(id idgen.ID) uint32 {
	var n uint32
	for i := 0; i < 4; i++ {
		n = n<<8 | uint32(id[i])
	}
	return n
}

func (e *Engine) idsForFieldValue(tenant string, s *schema.Schema, field string, p Predicate) ([]idgen.ID, error) {
	switch p.Op {
	case OpEq:
		return e.scanIndexPrefix(tenant, s.FQN, field, entity.CanonicalizeIndexValue(p.Value))
	case OpIn:
		var out []idgen.ID
		for _, v := range p.Values {
			ids, err := e.scanIndexPrefix(tenant, s.FQN, field, entity.CanonicalizeIndexValue(v))
			if err != nil {
				return nil, err
			}
			out = append(out, ids...)
		}
		return out, nil
	case OpTimeRange:
		return e.scanMomentTimeRange(s.FQN, p.Start, p.End)
	case OpAnd:
		for _, sub := range p.Preds {
			if sub.Field == field {
				return e.idsForFieldValue(tenant, s, field, sub)
			}
		}
	}
	return nil, fmt.Errorf("query: no indexable predicate on %s: %w", field, remerr.ErrQueryInvalid)
}

func (e *Engine) scanIndexPrefix(tenant, schemaFQN, field, canonValue string) ([]idgen.ID, error) {
	prefix := []byte(fmt.Sprintf("indexes|%s|%s|%s|", schemaFQN, field, canonValue))
	kvs, err := e.engine.Scan(kvengine.CFIndexes, kvengine.TenantKey(tenant, prefix))
	if err != nil {
		return nil, fmt.Errorf("query: scan index: %w", err)
	}
	out := make([]idgen.ID, 0, len(kvs))
	for _, kv := range kvs {
		idStr := lastPipeSegment(string(kv.Key))
		id, err := idgen.ParseID(idStr)
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

func (e *Engine) scanMomentTimeRange(schemaFQN string, start, end time.Time) ([]idgen.ID, error) {
	startKey := []byte(fmt.Sprintf("moments_time|%s|%s", schemaFQN, start.UTC().Format(time.RFC3339)))
	endKey := []byte(fmt.Sprintf("moments_time|%s|%s", schemaFQN, end.UTC().Format(time.RFC3339)))
	kvs, err := e.engine.Range(kvengine.CFMomentsTime, startKey, endKey)
	if err != nil {
		return nil, fmt.Errorf("query: range moments_time: %w", err)
	}
	out := make([]idgen.ID, 0, len(kvs))
	for _, kv := range kvs {
		idStr := lastPipeSegment(string(kv.Key))
		id, err := idgen.ParseID(idStr)
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

func lastPipeSegment(s string) string {
	last := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '|' {
			last = i + 1
		}
	}
	return s[last:]
}

func (e *Engine) runFullScan(q Query, s *schema.Schema) ([]Row, error) {
	prefix := []byte(fmt.Sprintf("entities|%s|", s.FQN))
	kvs, err := e.engine.Scan(kvengine.CFEntities, kvengine.TenantKey(q.Tenant, prefix))
	if err != nil {
		return nil, fmt.Errorf("query: full scan: %w", err)
	}
	if e.cellBudget > 0 && len(kvs) > e.cellBudget {
		return nil, fmt.Errorf("query: scan of %d rows exceeds budget %d: %w", len(kvs), e.cellBudget, remerr.ErrQueryTooBroad)
	}
	metrics.QueryCellsScanned.Observe(float64(len(kvs)))

	var rows []Row
	for _, kv := range kvs {
		idStr := lastPipeSegment(string(kv.Key))
		id, err := idgen.ParseID(idStr)
		if err != nil {
			continue
		}
		row, err := e.entities.Get(s.FQN, id)
		if err != nil {
			continue
		}
		if Eval(q.Predicate, row) {
			rows = append(rows, Row{Entity: row})
		}
	}
	applyOrder(rows, q.OrderBy)
	return paginate(rows, q.Limit, q.Offset), nil
}

func applyOrder(rows []Row, ob *OrderBy) {
	if ob == nil {
		return
	}
	sort.SliceStable(rows, func(i, j int) bool {
		vi, vj := rows[i].Entity.Fields[ob.Field], rows[j].Entity.Fields[ob.Field]
		less := compareValues(vi, vj) < 0
		if ob.Direction == Desc {
			return !less && compareValues(vi, vj) != 0
		}
		return less
	})
}

func paginate(rows []Row, limit, offset int) []Row {
	if offset > 0 {
		if offset >= len(rows) {
			return nil
		}
		rows = rows[offset:]
	}
	if limit > 0 && limit < len(rows) {
		rows = rows[:limit]
	}
	return rows
}

// Eval evaluates p against row in memory. Used both for residual
// filtering after an index or vector source, and as the sole evaluator in
// a full scan.
func Eval(p Predicate, row *types.EntityRow) bool {
	switch p.Op {
	case OpAlwaysTrue:
		return true
	case OpAlwaysFalse:
		return false
	case OpVectorSim:
		// Satisfied by the vector source that produced the row.
		return true
	case OpAnd:
		for _, sub := range p.Preds {
			if !Eval(sub, row) {
				return false
			}
		}
		return true
	case OpOr:
		for _, sub := range p.Preds {
			if Eval(sub, row) {
				return true
			}
		}
		return false
	case OpNot:
		if p.Inner == nil {
			return true
		}
		return !Eval(*p.Inner, row)
	case OpExists:
		_, ok := row.Fields[p.Field]
		return ok
	case OpNotExists:
		_, ok := row.Fields[p.Field]
		return !ok
	case OpEq:
		v, ok := row.Fields[p.Field]
		return ok && compareValues(v, p.Value) == 0
	case OpNe:
		v, ok := row.Fields[p.Field]
		return ok && compareValues(v, p.Value) != 0
	case OpLt:
		v, ok := row.Fields[p.Field]
		return ok && compareValues(v, p.Value) < 0
	case OpLte:
		v, ok := row.Fields[p.Field]
		return ok && compareValues(v, p.Value) <= 0
	case OpGt:
		v, ok := row.Fields[p.Field]
		return ok && compareValues(v, p.Value) > 0
	case OpGte:
		v, ok := row.Fields[p.Field]
		return ok && compareValues(v, p.Value) >= 0
	case OpIn:
		v, ok := row.Fields[p.Field]
		if !ok {
			return false
		}
		for _, cand := range p.Values {
			if compareValues(v, cand) == 0 {
				return true
			}
		}
		return false
	case OpNotIn:
		return !Eval(Predicate{Op: OpIn, Field: p.Field, Values: p.Values}, row)
	case OpContains:
		v, ok := row.Fields[p.Field]
		return ok && v.Kind == types.KindString && contains(v.Str, p.Value.Str)
	case OpStartsWith:
		v, ok := row.Fields[p.Field]
		return ok && v.Kind == types.KindString && hasPrefix(v.Str, p.Value.Str)
	case OpEndsWith:
		v, ok := row.Fields[p.Field]
		return ok && v.Kind == types.KindString && hasSuffix(v.Str, p.Value.Str)
	case OpMatches:
		v, ok := row.Fields[p.Field]
		if !ok || v.Kind != types.KindString {
			return false
		}
		re, err := regexp2.Compile(p.Value.Str, regexp2.None)
		if err != nil {
			return false
		}
		matched, _ := re.MatchString(v.Str)
		return matched
	case OpTimeRange:
		v, ok := row.Fields[p.Field]
		if !ok || v.Kind != types.KindTimestamp {
			return false
		}
		return !v.Timestamp.Before(p.Start) && v.Timestamp.Before(p.End)
	default:
		return false
	}
}

func compareValues(a, b types.Value) int {
	if a.Kind != b.Kind {
		return 0
	}
	switch a.Kind {
	case types.KindNumber:
		switch {
		case a.Number < b.Number:
			return -1
		case a.Number > b.Number:
			return 1
		default:
			return 0
		}
	case types.KindString:
		switch {
		case a.Str < b.Str:
			return -1
		case a.Str > b.Str:
			return 1
		default:
			return 0
		}
	case types.KindBool:
		if a.Bool == b.Bool {
			return 0
		}
		if !a.Bool {
			return -1
		}
		return 1
	case types.KindTimestamp:
		switch {
		case a.Timestamp.Before(b.Timestamp):
			return -1
		case a.Timestamp.After(b.Timestamp):
			return 1
		default:
			return 0
		}
	default:
		return 0
	}
}

func contains(s, substr string) bool {
	return indexOf(s, substr) >= 0
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func hasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}

func indexOf(s, substr string) int {
	if len(substr) == 0 {
		return 0
	}
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}
