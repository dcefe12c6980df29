// Package replication implements the primary/replica WAL replication
// channel: Subscribe/Pull/Snapshot/Status on the primary, and a replica
// puller that tracks last_applied_seq, resumes on reconnect, and retries
// Transient errors with backoff. Transport is real google.golang.org/grpc,
// the same dependency pkg/api/server.go hosts Warren's management API
// with, but using a hand-authored grpc.ServiceDesc and the JSON
// encoding.Codec in codec.go rather than protoc-generated stubs.
package replication

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"

	"github.com/cuemby/rem/pkg/kvengine"
	"github.com/cuemby/rem/pkg/log"
	"github.com/cuemby/rem/pkg/metrics"
	"github.com/cuemby/rem/pkg/remerr"
	"github.com/cuemby/rem/pkg/wal"
)

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// WalEntry is the wire shape of one replicated wal.Frame.
type WalEntry struct {
	LogSeqNo    uint64 `json:"log_seq_no"`
	TenantID    string `json:"tenant_id"`
	Op          uint8  `json:"op"`
	PayloadHash []byte `json:"payload_hash"`
	Payload     []byte `json:"payload"`
}

func toWireEntry(f wal.Frame) WalEntry {
	return WalEntry{
		LogSeqNo:    f.LogSeqNo,
		TenantID:    f.TenantID,
		Op:          uint8(f.Op),
		PayloadHash: f.PayloadHash[:],
		Payload:     f.Payload,
	}
}

func fromWireEntry(e WalEntry) wal.Frame {
	var f wal.Frame
	f.LogSeqNo = e.LogSeqNo
	f.TenantID = e.TenantID
	f.Op = wal.Op(e.Op)
	copy(f.PayloadHash[:], e.PayloadHash)
	f.Payload = e.Payload
	return f
}

// SubscribeRequest starts a push-style stream of WAL entries from_seq.
type SubscribeRequest struct {
	TenantID string `json:"tenant_id"`
	FromSeq  uint64 `json:"from_seq"`
}

// ResumeFromSnapshot signals a subscriber it has fallen too far behind and
// must bootstrap from a fresh Snapshot before the stream continues.
type ResumeFromSnapshot struct {
	UpToSeq uint64 `json:"up_to_seq"`
}

// SubscribeResponse is one frame of a Subscribe stream: either a WAL entry
// or a resume signal.
type SubscribeResponse struct {
	Entry  *WalEntry            `json:"entry,omitempty"`
	Resume *ResumeFromSnapshot  `json:"resume,omitempty"`
}

// PullRequest is a request/response alternative to Subscribe.
type PullRequest struct {
	TenantID string `json:"tenant_id"`
	FromSeq  uint64 `json:"from_seq"`
	Max      int    `json:"max"`
}

// PullResponse carries up to Max WAL entries starting at FromSeq.
type PullResponse struct {
	Entries []WalEntry `json:"entries"`
}

// SnapshotRequest asks for a full state stream of tenant up to up_to_seq.
type SnapshotRequest struct {
	TenantID string `json:"tenant_id"`
	UpToSeq  uint64 `json:"up_to_seq"`
}

// SnapshotChunk is one (cf, key, value) triple of a Snapshot stream.
type SnapshotChunk struct {
	CF    string `json:"cf"`
	Key   []byte `json:"key"`
	Value []byte `json:"value"`
}

// StatusRequest asks for a tenant's current replication status.
type StatusRequest struct {
	TenantID string `json:"tenant_id"`
}

// ReplicaStatus describes one known replica's progress.
type ReplicaStatus struct {
	ID          string `json:"id"`
	LastAckSeq  uint64 `json:"last_ack_seq"`
}

// StatusResponse answers Status.
type StatusResponse struct {
	LastSeq  uint64          `json:"last_seq"`
	Role     string          `json:"role"`
	Replicas []ReplicaStatus `json:"replicas"`
}

// walRetentionDefault is the backlog, in entries, past which Subscribe
// sends a ResumeFromSnapshot signal before streaming; the subscriber is
// not disconnected.
const walRetentionDefault = 100_000

// Source is the primary-side replication service: its only state beyond
// the shared KV engine is an in-memory map of replica acknowledgements,
// mirroring the way pkg/api/server.go
// wraps pkg/manager.Manager without duplicating its state.
type Source struct {
	engine        *kvengine.Engine
	walRetention  int
	replicaAcks   map[string]map[string]uint64 // tenant -> replica id -> last acked seq
}

// NewSource builds a replication Source over engine.
func NewSource(engine *kvengine.Engine, walRetention int) *Source {
	if walRetention <= 0 {
		walRetention = walRetentionDefault
	}
	return &Source{engine: engine, walRetention: walRetention, replicaAcks: make(map[string]map[string]uint64)}
}

// SubscribeStream is the narrow send-side interface a generated gRPC
// stream would normally provide; ServiceDesc below wires a real
// grpc.ServerStream into this shape.
type SubscribeStream interface {
	Send(*SubscribeResponse) error
	Context() context.Context
}

// Subscribe streams every WAL entry for tenant from from_seq onward. If
// the primary's buffered backlog for this tenant already exceeds
// wal_retention, it sends a ResumeFromSnapshot signal first.
func (s *Source) Subscribe(req SubscribeRequest, stream SubscribeStream) error {
	lastSeq, err := wal.LastSeq(s.engine, req.TenantID)
	if err != nil {
		return fmt.Errorf("replication: last seq: %w", err)
	}
	if lastSeq > req.FromSeq+uint64(s.walRetention) {
		if err := stream.Send(&SubscribeResponse{Resume: &ResumeFromSnapshot{UpToSeq: lastSeq}}); err != nil {
			return err
		}
	}

	frames, err := wal.ReadFrom(s.engine, req.TenantID, req.FromSeq)
	if err != nil {
		return fmt.Errorf("replication: read wal: %w", err)
	}
	for _, f := range frames {
		select {
		case <-stream.Context().Done():
			return stream.Context().Err()
		default:
		}
		entry := toWireEntry(f)
		if err := stream.Send(&SubscribeResponse{Entry: &entry}); err != nil {
			return err
		}
	}
	return nil
}

// Pull returns up to max WAL entries for tenant starting at from_seq.
func (s *Source) Pull(_ context.Context, req PullRequest) (*PullResponse, error) {
	frames, err := wal.ReadFrom(s.engine, req.TenantID, req.FromSeq)
	if err != nil {
		return nil, fmt.Errorf("replication: read wal: %w", err)
	}
	if req.Max > 0 && len(frames) > req.Max {
		frames = frames[:req.Max]
	}
	out := &PullResponse{Entries: make([]WalEntry, len(frames))}
	for i, f := range frames {
		out.Entries[i] = toWireEntry(f)
	}
	return out, nil
}

// SnapshotStream is the send-side interface for Snapshot's stream.
type SnapshotStream interface {
	Send(*SnapshotChunk) error
	Context() context.Context
}

// Snapshot streams every (cf, key, value) triple currently stored for
// tenant, used to bootstrap a new or far-behind replica. req.UpToSeq is
// not consulted.
func (s *Source) Snapshot(req SnapshotRequest, stream SnapshotStream) error {
	for _, cf := range []([]byte){
		kvengine.CFEntities, kvengine.CFEdgesFwd, kvengine.CFEdgesRev,
		kvengine.CFIndexes, kvengine.CFEmbeddingsMeta, kvengine.CFSchemas,
		kvengine.CFMomentsTime,
	} {
		kvs, err := s.engine.Scan(cf, kvengine.TenantKey(req.TenantID, nil))
		if err != nil {
			return fmt.Errorf("replication: scan %s: %w", cf, err)
		}
		for _, kv := range kvs {
			select {
			case <-stream.Context().Done():
				return stream.Context().Err()
			default:
			}
			chunk := &SnapshotChunk{CF: string(cf), Key: kv.Key, Value: kv.Value}
			if err := stream.Send(chunk); err != nil {
				return err
			}
		}
	}
	return nil
}

// Status reports tenant's current replication position and known replicas.
func (s *Source) Status(_ context.Context, req StatusRequest) (*StatusResponse, error) {
	lastSeq, err := wal.LastSeq(s.engine, req.TenantID)
	if err != nil {
		return nil, fmt.Errorf("replication: last seq: %w", err)
	}
	var replicas []ReplicaStatus
	for id, seq := range s.replicaAcks[req.TenantID] {
		replicas = append(replicas, ReplicaStatus{ID: id, LastAckSeq: seq})
	}
	return &StatusResponse{LastSeq: lastSeq, Role: "primary", Replicas: replicas}, nil
}

// RecordAck updates a subscriber's acknowledged position, used for
// wal_retention accounting and the Status response.
func (s *Source) RecordAck(tenantID, replicaID string, seq uint64) {
	byTenant, ok := s.replicaAcks[tenantID]
	if !ok {
		byTenant = make(map[string]uint64)
		s.replicaAcks[tenantID] = byTenant
	}
	byTenant[replicaID] = seq

	if lastSeq, err := wal.LastSeq(s.engine, tenantID); err == nil && lastSeq >= seq {
		metrics.ReplicationLagSeqNo.WithLabelValues(tenantID, replicaID).Set(float64(lastSeq - seq))
	}
}

// serviceName is the logical gRPC service name replicated peers dial.
const serviceName = "rem.Replication"

// ServiceDesc is the hand-authored gRPC service descriptor standing in for
// a protoc-generated one. Each handler adapts grpc.ServerStream /
// grpc.UnaryHandler to Source's plain-Go method shapes.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Pull", Handler: pullHandler},
		{MethodName: "Status", Handler: statusHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Subscribe", Handler: subscribeHandler, ServerStreams: true},
		{StreamName: "Snapshot", Handler: snapshotHandler, ServerStreams: true},
	},
	Metadata: "rem/replication.proto",
}

func pullHandler(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
	var req PullRequest
	if err := dec(&req); err != nil {
		return nil, err
	}
	return srv.(*Source).Pull(ctx, req)
}

func statusHandler(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
	var req StatusRequest
	if err := dec(&req); err != nil {
		return nil, err
	}
	return srv.(*Source).Status(ctx, req)
}

type serverStreamAdapter struct {
	grpc.ServerStream
}

func (a *serverStreamAdapter) Send(v *SubscribeResponse) error { return a.ServerStream.SendMsg(v) }

func subscribeHandler(srv any, stream grpc.ServerStream) error {
	var req SubscribeRequest
	if err := stream.RecvMsg(&req); err != nil {
		return err
	}
	return srv.(*Source).Subscribe(req, &subscribeStream{ServerStream: stream})
}

type subscribeStream struct {
	grpc.ServerStream
}

func (s *subscribeStream) Send(v *SubscribeResponse) error { return s.ServerStream.SendMsg(v) }
func (s *subscribeStream) Context() context.Context        { return s.ServerStream.Context() }

func snapshotHandler(srv any, stream grpc.ServerStream) error {
	var req SnapshotRequest
	if err := stream.RecvMsg(&req); err != nil {
		return err
	}
	return srv.(*Source).Snapshot(req, &snapshotStream{ServerStream: stream})
}

type snapshotStream struct {
	grpc.ServerStream
}

func (s *snapshotStream) Send(v *SnapshotChunk) error { return s.ServerStream.SendMsg(v) }
func (s *snapshotStream) Context() context.Context    { return s.ServerStream.Context() }

// Puller is the replica side: it tracks last_applied_seq, resumes on
// reconnect, applies frames idempotently, and retries Transient errors
// with backoff.
type Puller struct {
	conn       *grpc.ClientConn
	tenantID   string
	applyState *wal.ApplyState
	apply      func(wal.Frame) error

	lastAppliedSeq uint64
}

// NewPuller builds a replica Puller dialing addr with the JSON codec.
func NewPuller(addr, tenantID string, apply func(wal.Frame) error) (*Puller, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(jsonCodec{}.Name())),
	)
	if err != nil {
		return nil, fmt.Errorf("replication: dial %s: %w", addr, err)
	}
	return &Puller{
		conn:       conn,
		tenantID:   tenantID,
		applyState: wal.NewApplyState(),
		apply:      apply,
	}, nil
}

// Seed sets the replica's last_applied_seq; the next pull resumes after it.
// The cursor is held in memory only and is not written to the meta CF.
func (p *Puller) Seed(lastAppliedSeq uint64) {
	p.lastAppliedSeq = lastAppliedSeq
}

// Run pulls and applies WAL entries in a loop until ctx is cancelled,
// retrying Transient errors with exponential backoff per spec.md §7's
// propagation policy. DivergentHistory and Corruption halt the replica.
func (p *Puller) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0 // retry indefinitely; caller cancels ctx to stop

	op := func() error {
		err := p.pullOnce(ctx)
		if err == nil {
			return nil
		}
		if status.Code(err) == codes.Unavailable {
			metrics.ReplicationErrorsTotal.WithLabelValues("transient").Inc()
			log.Logger.Warn().Err(err).Str("tenant", p.tenantID).Msg("replication: transient pull failure, retrying")
			return err // retried by backoff.Retry
		}
		return backoff.Permanent(err)
	}
	for {
		if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

func (p *Puller) pullOnce(ctx context.Context) error {
	var resp PullResponse
	req := PullRequest{TenantID: p.tenantID, FromSeq: p.lastAppliedSeq + 1, Max: 1000}
	if err := p.conn.Invoke(ctx, "/"+serviceName+"/Pull", req, &resp, grpc.CallContentSubtype(jsonCodec{}.Name())); err != nil {
		return err // classified by status.Code in Run; transient codes are retried
	}
	for _, e := range resp.Entries {
		f := fromWireEntry(e)
		shouldApply, err := p.applyState.CheckAndRecord(f)
		if err != nil {
			if errors.Is(err, remerr.ErrDivergentHistory) {
				metrics.ReplicationErrorsTotal.WithLabelValues("divergent_history").Inc()
			}
			return err // DivergentHistory: not retried, propagated to caller as Permanent
		}
		if !shouldApply {
			continue
		}
		timer := metrics.NewTimer()
		err = p.apply(f)
		timer.ObserveDuration(metrics.ReplicationApplyDuration)
		if err != nil {
			if errors.Is(err, remerr.ErrCorruption) {
				metrics.ReplicationErrorsTotal.WithLabelValues("corruption").Inc()
			}
			return fmt.Errorf("replication: apply seq %d: %w", f.LogSeqNo, err)
		}
		p.lastAppliedSeq = f.LogSeqNo
	}
	return nil
}

// LastAppliedSeq returns the replica's current durable cursor.
func (p *Puller) LastAppliedSeq() uint64 { return p.lastAppliedSeq }

// Close releases the underlying connection.
func (p *Puller) Close() error { return p.conn.Close() }
