package vector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/rem/pkg/kvengine"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	engine, err := kvengine.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })
	return NewStore(engine, "tenant-a")
}

func TestStoreUpsertAndSearchPerField(t *testing.T) {
	s := newTestStore(t)
	a, b := idFor("a"), idFor("b")

	s.Upsert("demo.article", "content", a, []float32{1, 0})
	s.Upsert("demo.article", "summary", b, []float32{0, 1})

	results := s.Search("demo.article", "content", []float32{1, 0}, 5, 0)
	require.Len(t, results, 1)
	assert.Equal(t, a, results[0].ID)
}

func TestStoreRemoveExcludesFromSearch(t *testing.T) {
	s := newTestStore(t)
	a := idFor("a")
	s.Upsert("demo.article", "content", a, []float32{1, 0})
	s.Remove("demo.article", "content", a)

	results := s.Search("demo.article", "content", []float32{1, 0}, 5, 0)
	assert.Empty(t, results)
}

func TestCheckpointAndWarmRoundTrip(t *testing.T) {
	engine, err := kvengine.Open(t.TempDir())
	require.NoError(t, err)
	defer engine.Close()

	s := NewStore(engine, "tenant-a")
	a, b := idFor("a"), idFor("b")
	s.Upsert("demo.article", "content", a, []float32{1, 0})
	s.Upsert("demo.article", "content", b, []float32{0, 1})
	require.NoError(t, s.Checkpoint("demo.article", "content"))

	restored := NewStore(engine, "tenant-a")
	require.NoError(t, restored.Warm("demo.article", "content"))

	results := restored.Search("demo.article", "content", []float32{1, 0}, 5, 0)
	require.Len(t, results, 2)
	assert.Equal(t, a, results[0].ID)
}

func TestWarmOnEmptyCheckpointIsNoOp(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Warm("demo.article", "content"))
}

func TestSpillPendingPersistsJob(t *testing.T) {
	s := newTestStore(t)
	a := idFor("a")
	require.NoError(t, s.SpillPending("demo.article", "content", 1, a, "hello world"))

	raw, err := s.engine.Get(kvengine.CFEmbeddingsMeta, kvengine.TenantKey("tenant-a", pendingKey("demo.article", "content", 1)))
	require.NoError(t, err)
	assert.Contains(t, string(raw), "hello world")
}

func TestIndexForReturnsSameInstanceAcrossCalls(t *testing.T) {
	s := newTestStore(t)
	idx1 := s.IndexFor("demo.article", "content")
	idx2 := s.IndexFor("demo.article", "content")
	assert.Same(t, idx1, idx2)
}
