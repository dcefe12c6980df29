package crypto

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/rem/pkg/remerr"
)

func testRootKey(fill byte) []byte {
	k := make([]byte, 32)
	for i := range k {
		k[i] = fill
	}
	return k
}

func TestNewKeyRingRejectsWrongSizeKey(t *testing.T) {
	_, err := NewKeyRing("tenant-a", []byte("too short"))
	assert.Error(t, err)
}

func TestSealOpenRoundTrip(t *testing.T) {
	kr, err := NewKeyRing("tenant-a", testRootKey(1))
	require.NoError(t, err)

	ct, err := kr.Seal("entities", []byte("secret payload"))
	require.NoError(t, err)
	assert.NotEqual(t, []byte("secret payload"), ct)

	pt, err := kr.Open("entities", ct)
	require.NoError(t, err)
	assert.Equal(t, []byte("secret payload"), pt)
}

func TestSealProducesDistinctCiphertextsForSamePlaintext(t *testing.T) {
	kr, err := NewKeyRing("tenant-a", testRootKey(1))
	require.NoError(t, err)

	ct1, err := kr.Seal("entities", []byte("same"))
	require.NoError(t, err)
	ct2, err := kr.Seal("entities", []byte("same"))
	require.NoError(t, err)

	assert.False(t, bytes.Equal(ct1, ct2), "distinct random nonces must yield distinct ciphertexts")
}

func TestOpenFailsUnderDifferentTenantKey(t *testing.T) {
	krA, err := NewKeyRing("tenant-a", testRootKey(1))
	require.NoError(t, err)
	krB, err := NewKeyRing("tenant-b", testRootKey(1))
	require.NoError(t, err)

	ct, err := krA.Seal("entities", []byte("payload"))
	require.NoError(t, err)

	_, err = krB.Open("entities", ct)
	assert.True(t, errors.Is(err, remerr.ErrKeyMismatch))
}

func TestOpenFailsUnderDifferentColumnFamily(t *testing.T) {
	kr, err := NewKeyRing("tenant-a", testRootKey(1))
	require.NoError(t, err)

	ct, err := kr.Seal("entities", []byte("payload"))
	require.NoError(t, err)

	_, err = kr.Open("indexes", ct)
	assert.True(t, errors.Is(err, remerr.ErrKeyMismatch))
}

func TestOpenRejectsTruncatedCiphertext(t *testing.T) {
	kr, err := NewKeyRing("tenant-a", testRootKey(1))
	require.NoError(t, err)

	_, err = kr.Open("entities", []byte{0x00})
	assert.True(t, errors.Is(err, remerr.ErrCorruption))
}

func TestRotateKeepsOldVersionDecryptable(t *testing.T) {
	kr, err := NewKeyRing("tenant-a", testRootKey(1))
	require.NoError(t, err)

	ctOld, err := kr.Seal("entities", []byte("old generation"))
	require.NoError(t, err)

	newVersion, err := kr.Rotate(testRootKey(2))
	require.NoError(t, err)
	assert.Equal(t, KeyVersion(1), newVersion)

	ctNew, err := kr.Seal("entities", []byte("new generation"))
	require.NoError(t, err)

	ptOld, err := kr.Open("entities", ctOld)
	require.NoError(t, err)
	assert.Equal(t, []byte("old generation"), ptOld)

	ptNew, err := kr.Open("entities", ctNew)
	require.NoError(t, err)
	assert.Equal(t, []byte("new generation"), ptNew)
}

func TestZeroClearsRootKeyMaterial(t *testing.T) {
	kr, err := NewKeyRing("tenant-a", testRootKey(1))
	require.NoError(t, err)

	kr.Zero()

	_, err = kr.Seal("entities", []byte("payload"))
	assert.True(t, errors.Is(err, remerr.ErrKeyMismatch))
}
