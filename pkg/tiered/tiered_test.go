package tiered

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/rem/pkg/idgen"
	"github.com/cuemby/rem/pkg/kvengine"
	"github.com/cuemby/rem/pkg/types"
	"github.com/cuemby/rem/pkg/vector"
)

func idFor(seed string) idgen.ID {
	return idgen.Derive(types.StringValue(seed))
}

func TestBuildColdSegmentSortsByCreatedAt(t *testing.T) {
	now := time.Unix(1000, 0).UTC()
	a, b := idFor("a"), idFor("b")
	pairs := map[idgen.ID][]float32{a: {1, 0}, b: {0, 1}}
	createdAt := map[idgen.ID]time.Time{a: now.Add(time.Hour), b: now}

	seg := BuildColdSegment(pairs, createdAt)
	require.Len(t, seg.entries, 2)
	assert.Equal(t, b, seg.entries[0].ID)
	assert.Equal(t, a, seg.entries[1].ID)
}

func TestColdSegmentSearchOrdersByDistance(t *testing.T) {
	a, b := idFor("a"), idFor("b")
	seg := BuildColdSegment(map[idgen.ID][]float32{a: {1, 0}, b: {0, 1}}, nil)

	results := seg.search([]float32{1, 0}, 5, vector.CosineDistance)
	require.Len(t, results, 2)
	assert.Equal(t, a, results[0].ID)
}

func TestIndexSearchMergesHotAndCold(t *testing.T) {
	hot := vector.New()
	a := idFor("a")
	hot.Upsert(a, []float32{1, 0})

	b := idFor("b")
	cold := BuildColdSegment(map[idgen.ID][]float32{b: {0, 1}}, nil)

	idx := New(hot, cold, nil)
	results := idx.Search([]float32{1, 0}, 2, 0)
	require.Len(t, results, 2)
	assert.Equal(t, a, results[0].ID)
}

func TestIndexSearchDedupsOverlappingIDs(t *testing.T) {
	hot := vector.New()
	a := idFor("a")
	hot.Upsert(a, []float32{1, 0})
	cold := BuildColdSegment(map[idgen.ID][]float32{a: {1, 0}}, nil)

	idx := New(hot, cold, nil)
	results := idx.Search([]float32{1, 0}, 5, 0)
	assert.Len(t, results, 1)
}

func TestIndexWithNilColdIsEmpty(t *testing.T) {
	hot := vector.New()
	a := idFor("a")
	hot.Upsert(a, []float32{1, 0})

	idx := New(hot, nil, nil)
	results := idx.Search([]float32{1, 0}, 5, 0)
	require.Len(t, results, 1)
	assert.Equal(t, a, results[0].ID)
}

func TestPersistAndLoadColdSegmentRoundTrip(t *testing.T) {
	engine, err := kvengine.Open(t.TempDir())
	require.NoError(t, err)
	defer engine.Close()

	a := idFor("a")
	seg := BuildColdSegment(map[idgen.ID][]float32{a: {1, 2, 3}}, nil)
	require.NoError(t, PersistColdSegment(engine, "tenant-a", "demo.article", "content", 1, seg))

	restored, err := LoadColdSegment(engine, "tenant-a", "demo.article", "content", 1)
	require.NoError(t, err)
	require.Len(t, restored.entries, 1)
	assert.Equal(t, a, restored.entries[0].ID)
	assert.Equal(t, []float32{1, 2, 3}, restored.entries[0].Vec)
}

func TestLoadColdSegmentMissingGenerationReturnsError(t *testing.T) {
	engine, err := kvengine.Open(t.TempDir())
	require.NoError(t, err)
	defer engine.Close()

	_, err = LoadColdSegment(engine, "tenant-a", "demo.article", "content", 99)
	assert.Error(t, err)
}
