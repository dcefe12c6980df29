package replication

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/rem/pkg/kvengine"
	"github.com/cuemby/rem/pkg/wal"
)

func TestJSONCodecRoundTrip(t *testing.T) {
	c := jsonCodec{}
	req := PullRequest{TenantID: "tenant-a", FromSeq: 3, Max: 10}

	data, err := c.Marshal(req)
	require.NoError(t, err)

	var decoded PullRequest
	require.NoError(t, c.Unmarshal(data, &decoded))
	assert.Equal(t, req, decoded)
	assert.Equal(t, "rem-json", c.Name())
}

func TestWireEntryRoundTrip(t *testing.T) {
	f := wal.Frame{
		LogSeqNo:    5,
		TenantID:    "tenant-a",
		Op:          wal.OpPutEntity,
		PayloadHash: wal.HashPayload([]byte("x")),
		Payload:     []byte("x"),
	}
	assert.Equal(t, f, fromWireEntry(toWireEntry(f)))
}

func newTestEngine(t *testing.T) *kvengine.Engine {
	t.Helper()
	engine, err := kvengine.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })
	return engine
}

func TestSourcePullReturnsFramesFromSeq(t *testing.T) {
	engine := newTestEngine(t)
	seqGen := wal.NewSeqGenerator()
	for i := 0; i < 3; i++ {
		op, _ := seqGen.BuildAppendOp("tenant-a", wal.OpPutEntity, []byte{byte(i)})
		require.NoError(t, engine.Batch([]kvengine.Op{op}))
	}

	src := NewSource(engine, 0)
	resp, err := src.Pull(context.Background(), PullRequest{TenantID: "tenant-a", FromSeq: 1})
	require.NoError(t, err)
	assert.Len(t, resp.Entries, 3)
}

func TestSourcePullRespectsMax(t *testing.T) {
	engine := newTestEngine(t)
	seqGen := wal.NewSeqGenerator()
	for i := 0; i < 5; i++ {
		op, _ := seqGen.BuildAppendOp("tenant-a", wal.OpPutEntity, []byte{byte(i)})
		require.NoError(t, engine.Batch([]kvengine.Op{op}))
	}

	src := NewSource(engine, 0)
	resp, err := src.Pull(context.Background(), PullRequest{TenantID: "tenant-a", FromSeq: 1, Max: 2})
	require.NoError(t, err)
	assert.Len(t, resp.Entries, 2)
}

func TestSourceStatusReportsLastSeqAndReplicas(t *testing.T) {
	engine := newTestEngine(t)
	seqGen := wal.NewSeqGenerator()
	op, _ := seqGen.BuildAppendOp("tenant-a", wal.OpPutEntity, []byte("x"))
	require.NoError(t, engine.Batch([]kvengine.Op{op}))

	src := NewSource(engine, 0)
	src.RecordAck("tenant-a", "replica-1", 1)

	status, err := src.Status(context.Background(), StatusRequest{TenantID: "tenant-a"})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), status.LastSeq)
	assert.Equal(t, "primary", status.Role)
	require.Len(t, status.Replicas, 1)
	assert.Equal(t, "replica-1", status.Replicas[0].ID)
	assert.Equal(t, uint64(1), status.Replicas[0].LastAckSeq)
}

func TestPullerSeedAndLastAppliedSeq(t *testing.T) {
	p, err := NewPuller("127.0.0.1:0", "tenant-a", func(wal.Frame) error { return nil })
	require.NoError(t, err)
	defer p.Close()

	p.Seed(41)
	assert.Equal(t, uint64(41), p.LastAppliedSeq())
}
