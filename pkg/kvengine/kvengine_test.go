package kvengine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/rem/pkg/remerr"
)

func openTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func TestPutGetRoundTrip(t *testing.T) {
	e := openTestEngine(t)

	key := TenantKey("tenant-a", []byte("hello"))
	require.NoError(t, e.Put(CFDefault, key, []byte("world")))

	got, err := e.Get(CFDefault, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("world"), got)
}

func TestGetMissingKeyReturnsErrNotFound(t *testing.T) {
	e := openTestEngine(t)

	_, err := e.Get(CFDefault, TenantKey("tenant-a", []byte("missing")))
	assert.True(t, errors.Is(err, remerr.ErrNotFound))
}

func TestDeleteIsNoOpOnMissingKey(t *testing.T) {
	e := openTestEngine(t)
	assert.NoError(t, e.Delete(CFDefault, TenantKey("tenant-a", []byte("missing"))))
}

func TestDeleteRemovesKey(t *testing.T) {
	e := openTestEngine(t)
	key := TenantKey("tenant-a", []byte("k"))
	require.NoError(t, e.Put(CFDefault, key, []byte("v")))
	require.NoError(t, e.Delete(CFDefault, key))

	_, err := e.Get(CFDefault, key)
	assert.True(t, errors.Is(err, remerr.ErrNotFound))
}

func TestTenantKeyRoundTrip(t *testing.T) {
	key := TenantKey("tenant-a", []byte("suffix"))
	tenant, suffix, err := SplitTenantKey(key)
	require.NoError(t, err)
	assert.Equal(t, "tenant-a", tenant)
	assert.Equal(t, []byte("suffix"), suffix)
}

func TestSplitTenantKeyRejectsMalformedKey(t *testing.T) {
	_, _, err := SplitTenantKey([]byte("no-separator-here"))
	assert.True(t, errors.Is(err, remerr.ErrTenantMismatch))
}

func TestScanReturnsOnlyMatchingPrefixInOrder(t *testing.T) {
	e := openTestEngine(t)

	require.NoError(t, e.Put(CFDefault, TenantKey("t1", []byte("a|1")), []byte("1")))
	require.NoError(t, e.Put(CFDefault, TenantKey("t1", []byte("a|2")), []byte("2")))
	require.NoError(t, e.Put(CFDefault, TenantKey("t1", []byte("b|1")), []byte("3")))
	require.NoError(t, e.Put(CFDefault, TenantKey("t2", []byte("a|1")), []byte("4")))

	kvs, err := e.Scan(CFDefault, TenantKey("t1", []byte("a|")))
	require.NoError(t, err)
	require.Len(t, kvs, 2)
	assert.Equal(t, []byte("1"), kvs[0].Value)
	assert.Equal(t, []byte("2"), kvs[1].Value)
}

func TestBatchAppliesAllOrNothing(t *testing.T) {
	e := openTestEngine(t)

	ops := []Op{
		Put(CFDefault, TenantKey("t1", []byte("x")), []byte("1")),
		Put(CFEntities, TenantKey("t1", []byte("y")), []byte("2")),
	}
	require.NoError(t, e.Batch(ops))

	got, err := e.Get(CFDefault, TenantKey("t1", []byte("x")))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), got)

	got, err = e.Get(CFEntities, TenantKey("t1", []byte("y")))
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), got)
}

func TestBatchRollsBackOnUnknownColumnFamily(t *testing.T) {
	e := openTestEngine(t)

	ops := []Op{
		Put(CFDefault, TenantKey("t1", []byte("x")), []byte("1")),
		Put([]byte("nonexistent"), TenantKey("t1", []byte("y")), []byte("2")),
	}
	err := e.Batch(ops)
	assert.Error(t, err)

	_, err = e.Get(CFDefault, TenantKey("t1", []byte("x")))
	assert.True(t, errors.Is(err, remerr.ErrNotFound))
}

func TestOpenIsIdempotentAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	e1, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, e1.Put(CFDefault, TenantKey("t1", []byte("x")), []byte("persisted")))
	require.NoError(t, e1.Close())

	e2, err := Open(dir)
	require.NoError(t, err)
	defer e2.Close()

	got, err := e2.Get(CFDefault, TenantKey("t1", []byte("x")))
	require.NoError(t, err)
	assert.Equal(t, []byte("persisted"), got)
}
