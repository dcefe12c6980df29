// Package wal implements the per-tenant write-ahead log: a monotonic
// sequence generator, the binary frame format from spec.md §6, and replay
// for crash recovery and replica application. It is grounded on the
// teacher's pkg/manager/fsm.go Command{Op, Data} shape and its
// Apply/Snapshot/Restore triad, generalized from a Raft FSM callback to an
// explicit logical-WAL-entry model: there is no consensus here, and at
// most one writer per tenant.
package wal

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"

	"lukechampine.com/blake3"

	"github.com/cuemby/rem/pkg/kvengine"
	"github.com/cuemby/rem/pkg/metrics"
	"github.com/cuemby/rem/pkg/remerr"
)

// Op identifies the kind of mutation a WAL frame records.
type Op uint8

const (
	OpPutEntity Op = iota
	OpDeleteEntity
	OpPutEdge
	OpDeleteEdge
	OpPutSchema
	OpReindex
)

// label names op for metrics, since WALAppendTotal is labeled by op name
// rather than its numeric wire value.
func (op Op) label() string {
	switch op {
	case OpPutEntity:
		return "put_entity"
	case OpDeleteEntity:
		return "delete_entity"
	case OpPutEdge:
		return "put_edge"
	case OpDeleteEdge:
		return "delete_edge"
	case OpPutSchema:
		return "put_schema"
	case OpReindex:
		return "reindex"
	default:
		return "unknown"
	}
}

// Frame is one logical WAL entry.
type Frame struct {
	LogSeqNo    uint64
	TenantID    string
	Op          Op
	PayloadHash [32]byte
	Payload     []byte
}

// Encode renders a Frame using the wire format from spec.md §6:
//
//	u32  length
//	u64  log_seq_no
//	u32  tenant_id_len ; bytes tenant_id
//	u8   op
//	u8[32] payload_hash  ; BLAKE3
//	bytes payload
func Encode(f Frame) []byte {
	body := make([]byte, 0, 8+4+len(f.TenantID)+1+32+len(f.Payload))
	body = binary.BigEndian.AppendUint64(body, f.LogSeqNo)
	body = binary.BigEndian.AppendUint32(body, uint32(len(f.TenantID)))
	body = append(body, f.TenantID...)
	body = append(body, byte(f.Op))
	body = append(body, f.PayloadHash[:]...)
	body = append(body, f.Payload...)

	out := make([]byte, 0, 4+len(body))
	out = binary.BigEndian.AppendUint32(out, uint32(len(body)))
	out = append(out, body...)
	return out
}

// Decode parses a single frame previously produced by Encode.
func Decode(b []byte) (Frame, error) {
	var f Frame
	if len(b) < 4 {
		return f, fmt.Errorf("wal: frame too short: %w", remerr.ErrCorruption)
	}
	length := binary.BigEndian.Uint32(b[:4])
	body := b[4:]
	if uint32(len(body)) < length {
		return f, fmt.Errorf("wal: frame length mismatch: %w", remerr.ErrCorruption)
	}
	body = body[:length]

	if len(body) < 8+4 {
		return f, fmt.Errorf("wal: frame header truncated: %w", remerr.ErrCorruption)
	}
	f.LogSeqNo = binary.BigEndian.Uint64(body[:8])
	body = body[8:]
	tlen := binary.BigEndian.Uint32(body[:4])
	body = body[4:]
	if uint32(len(body)) < tlen+1+32 {
		return f, fmt.Errorf("wal: frame body truncated: %w", remerr.ErrCorruption)
	}
	f.TenantID = string(body[:tlen])
	body = body[tlen:]
	f.Op = Op(body[0])
	body = body[1:]
	copy(f.PayloadHash[:], body[:32])
	f.Payload = append([]byte(nil), body[32:]...)
	return f, nil
}

// HashPayload computes the BLAKE3 hash recorded in a Frame.
func HashPayload(payload []byte) [32]byte {
	return blake3.Sum256(payload)
}

// SeqGenerator assigns monotonically increasing log_seq_no values per
// tenant under a single mutex, so log_seq_no is assigned atomically with
// the KV batch it accompanies (spec.md §5).
type SeqGenerator struct {
	mu   sync.Mutex
	next map[string]uint64
}

// NewSeqGenerator builds an empty SeqGenerator; callers seed each tenant
// from the last seq durable in the wal CF with Seed, and tenants not
// seeded start at 1.
func NewSeqGenerator() *SeqGenerator {
	return &SeqGenerator{next: make(map[string]uint64)}
}

// Seed sets the next sequence number to emit for tenantID, used when
// opening a tenant database whose WAL already has entries.
func (g *SeqGenerator) Seed(tenantID string, lastSeq uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next[tenantID] = lastSeq + 1
}

// Next returns the next log_seq_no for tenantID and advances the
// generator.
func (g *SeqGenerator) Next(tenantID string) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	seq := g.next[tenantID]
	if seq == 0 {
		seq = 1
	}
	g.next[tenantID] = seq + 1
	return seq
}

// walKey composes the wal CF key: tenant-prefixed, big-endian log_seq_no
// as the sort key, so a range scan over a tenant's WAL comes back in
// order.
func walKey(tenantID string, seq uint64) []byte {
	suffix := make([]byte, 8)
	binary.BigEndian.PutUint64(suffix, seq)
	return kvengine.TenantKey(tenantID, suffix)
}

// Key exposes walKey to callers outside the package (pkg/background's WAL
// pruner) that need to address a specific frame's row without decoding it.
func Key(tenantID string, seq uint64) []byte {
	return walKey(tenantID, seq)
}

// BuildAppendOp assigns the next log_seq_no for tenantID and returns the
// kvengine.Op to append it, plus the Frame recorded. Callers fold this Op
// into the same Batch as the data mutation it accompanies.
func (g *SeqGenerator) BuildAppendOp(tenantID string, op Op, payload []byte) (kvengine.Op, Frame) {
	seq := g.Next(tenantID)
	f := Frame{
		LogSeqNo:    seq,
		TenantID:    tenantID,
		Op:          op,
		PayloadHash: HashPayload(payload),
		Payload:     payload,
	}
	encoded := Encode(f)
	metrics.WALAppendTotal.WithLabelValues(op.label()).Inc()
	metrics.WALBytesTotal.Add(float64(len(encoded)))
	return kvengine.Put(kvengine.CFWAL, walKey(tenantID, seq), encoded), f
}

// ReadFrom returns every frame for tenantID with log_seq_no >= fromSeq, in
// order, from a single consistent KV snapshot.
func ReadFrom(engine *kvengine.Engine, tenantID string, fromSeq uint64) ([]Frame, error) {
	start := walKey(tenantID, fromSeq)
	end := kvengine.TenantKey(tenantID, []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF})
	kvs, err := engine.Range(kvengine.CFWAL, start, end)
	if err != nil {
		return nil, fmt.Errorf("wal: range scan: %w", err)
	}
	out := make([]Frame, 0, len(kvs))
	for _, kv := range kvs {
		f, err := Decode(kv.Value)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

// LastSeq returns the highest log_seq_no recorded for tenantID, or 0 if the
// WAL is empty.
func LastSeq(engine *kvengine.Engine, tenantID string) (uint64, error) {
	frames, err := ReadFrom(engine, tenantID, 0)
	if err != nil {
		return 0, err
	}
	var last uint64
	for _, f := range frames {
		if f.LogSeqNo > last {
			last = f.LogSeqNo
		}
	}
	return last, nil
}

// ApplyState tracks idempotent replay on the replica side: applying the
// same (seq, hash) twice is a no-op; a different hash at a seq already
// applied is DivergentHistory.
type ApplyState struct {
	mu      sync.Mutex
	applied map[string]map[uint64][32]byte
}

// NewApplyState builds an empty ApplyState.
func NewApplyState() *ApplyState {
	return &ApplyState{applied: make(map[string]map[uint64][32]byte)}
}

// CheckAndRecord reports whether f should be (re-)applied. It returns
// (false, nil) if this exact (seq, hash) was already applied — a no-op —
// and an ErrDivergentHistory if the seq was applied with a different hash.
func (s *ApplyState) CheckAndRecord(f Frame) (shouldApply bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byTenant, ok := s.applied[f.TenantID]
	if !ok {
		byTenant = make(map[uint64][32]byte)
		s.applied[f.TenantID] = byTenant
	}
	prev, seen := byTenant[f.LogSeqNo]
	if seen {
		if !bytes.Equal(prev[:], f.PayloadHash[:]) {
			return false, fmt.Errorf("wal: seq %d tenant %s hash mismatch: %w", f.LogSeqNo, f.TenantID, remerr.ErrDivergentHistory)
		}
		return false, nil
	}
	byTenant[f.LogSeqNo] = f.PayloadHash
	return true, nil
}
