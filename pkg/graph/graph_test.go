package graph

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/rem/pkg/idgen"
	"github.com/cuemby/rem/pkg/kvengine"
	"github.com/cuemby/rem/pkg/remerr"
	"github.com/cuemby/rem/pkg/types"
	"github.com/cuemby/rem/pkg/wal"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	engine, err := kvengine.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })
	return NewStore(engine, wal.NewSeqGenerator(), "tenant-a")
}

func testID(seed byte) idgen.ID {
	return idgen.Derive(types.StringValue(string(seed)))
}

func TestAddEdgeIsBidirectional(t *testing.T) {
	st := newTestStore(t)
	a, b := testID('a'), testID('b')

	require.NoError(t, st.AddEdge(a, "knows", b, nil))

	out, err := st.Neighbors(a, DirOut, nil)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, b, out[0].Neighbor)

	in, err := st.Neighbors(b, DirIn, nil)
	require.NoError(t, err)
	require.Len(t, in, 1)
	assert.Equal(t, a, in[0].Neighbor)
}

func TestAddEdgeIsIdempotent(t *testing.T) {
	st := newTestStore(t)
	a, b := testID('a'), testID('b')

	require.NoError(t, st.AddEdge(a, "knows", b, nil))
	require.NoError(t, st.AddEdge(a, "knows", b, nil))

	out, err := st.Neighbors(a, DirOut, nil)
	require.NoError(t, err)
	assert.Len(t, out, 1)
}

func TestAddEdgeRejectsPropertyConflict(t *testing.T) {
	st := newTestStore(t)
	a, b := testID('a'), testID('b')

	require.NoError(t, st.AddEdge(a, "knows", b, map[string]types.Value{"weight": types.NumberValue(1)}))
	err := st.AddEdge(a, "knows", b, map[string]types.Value{"weight": types.NumberValue(2)})
	assert.True(t, errors.Is(err, remerr.ErrAlreadyExists))
}

func TestRemoveEdgeRemovesBothDirections(t *testing.T) {
	st := newTestStore(t)
	a, b := testID('a'), testID('b')
	require.NoError(t, st.AddEdge(a, "knows", b, nil))

	require.NoError(t, st.RemoveEdge(a, "knows", b))

	out, err := st.Neighbors(a, DirOut, nil)
	require.NoError(t, err)
	assert.Empty(t, out)

	in, err := st.Neighbors(b, DirIn, nil)
	require.NoError(t, err)
	assert.Empty(t, in)
}

func TestNeighborsFiltersByLabel(t *testing.T) {
	st := newTestStore(t)
	a, b, c := testID('a'), testID('b'), testID('c')
	require.NoError(t, st.AddEdge(a, "knows", b, nil))
	require.NoError(t, st.AddEdge(a, "follows", c, nil))

	out, err := st.Neighbors(a, DirOut, []string{"follows"})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, c, out[0].Neighbor)
}

func TestRemoveAllForEntityClearsBothDirections(t *testing.T) {
	st := newTestStore(t)
	a, b, c := testID('a'), testID('b'), testID('c')
	require.NoError(t, st.AddEdge(a, "knows", b, nil))
	require.NoError(t, st.AddEdge(c, "knows", a, nil))

	require.NoError(t, st.RemoveAllForEntity(a))

	out, err := st.Neighbors(a, DirBoth, nil)
	require.NoError(t, err)
	assert.Empty(t, out)

	in, err := st.Neighbors(b, DirIn, nil)
	require.NoError(t, err)
	assert.Empty(t, in)
}

func TestTraverseBFSOrderAndDepth(t *testing.T) {
	st := newTestStore(t)
	a, b, c, d := testID('a'), testID('b'), testID('c'), testID('d')
	require.NoError(t, st.AddEdge(a, "e", b, nil))
	require.NoError(t, st.AddEdge(a, "e", c, nil))
	require.NoError(t, st.AddEdge(b, "e", d, nil))

	steps, err := st.Traverse(a, 2, nil, DirOut, 0)
	require.NoError(t, err)

	byID := make(map[idgen.ID]int)
	for _, s := range steps {
		byID[s.ID] = s.Depth
	}
	assert.Equal(t, 0, byID[a])
	assert.Equal(t, 1, byID[b])
	assert.Equal(t, 1, byID[c])
	assert.Equal(t, 2, byID[d])
}

func TestTraverseRespectsMaxNodes(t *testing.T) {
	st := newTestStore(t)
	a, b, c := testID('a'), testID('b'), testID('c')
	require.NoError(t, st.AddEdge(a, "e", b, nil))
	require.NoError(t, st.AddEdge(a, "e", c, nil))

	steps, err := st.Traverse(a, 5, nil, DirOut, 2)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(steps), 2)
}

func TestTraverseHandlesCycles(t *testing.T) {
	st := newTestStore(t)
	a, b := testID('a'), testID('b')
	require.NoError(t, st.AddEdge(a, "e", b, nil))
	require.NoError(t, st.AddEdge(b, "e", a, nil))

	steps, err := st.Traverse(a, 10, nil, DirOut, 0)
	require.NoError(t, err)
	assert.Len(t, steps, 2, "a cyclic 2-node graph visits exactly 2 nodes, never loops")
}

func TestReindexRebuildsReverseFromForward(t *testing.T) {
	st := newTestStore(t)
	a, b := testID('a'), testID('b')
	require.NoError(t, st.AddEdge(a, "knows", b, nil))

	engine, err := kvengine.Open(t.TempDir())
	require.NoError(t, err)
	defer engine.Close()
	_ = engine // reindex exercised against st's own engine below

	// Corrupt the reverse side directly, then reindex from forward.
	require.NoError(t, st.engine.Delete(kvengine.CFEdgesRev, kvengine.TenantKey("tenant-a", revKey(b, "knows", a))))
	gone, err := st.Neighbors(b, DirIn, nil)
	require.NoError(t, err)
	require.Empty(t, gone)
	require.NoError(t, st.Reindex(true))

	in, err := st.Neighbors(b, DirIn, nil)
	require.NoError(t, err)
	require.Len(t, in, 1)
	assert.Equal(t, a, in[0].Neighbor)
}

func TestApplyReplicatedPutEdgeWritesBothDirections(t *testing.T) {
	st := newTestStore(t)
	a, b := testID('a'), testID('b')

	payload := []byte(`{"src":"` + a.String() + `","label":"knows","dst":"` + b.String() + `"}`)
	require.NoError(t, st.ApplyReplicated(wal.OpPutEdge, payload))

	out, err := st.Neighbors(a, DirOut, nil)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, b, out[0].Neighbor)
}

func TestApplyReplicatedDeleteEdgeRemovesBothDirections(t *testing.T) {
	st := newTestStore(t)
	a, b := testID('a'), testID('b')
	require.NoError(t, st.AddEdge(a, "knows", b, nil))

	payload := []byte(`{"src":"` + a.String() + `","label":"knows","dst":"` + b.String() + `"}`)
	require.NoError(t, st.ApplyReplicated(wal.OpDeleteEdge, payload))

	out, err := st.Neighbors(a, DirOut, nil)
	require.NoError(t, err)
	assert.Empty(t, out)
}
