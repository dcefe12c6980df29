// Package types defines the shared value model used across the REM core:
// tenants, the tagged dynamic value used for entity payloads, and the
// Entity/Resource/Moment/Edge row shapes described by the schema registry.
package types

import "time"

// Tenant is an isolation unit. All keys in the KV engine are prefixed by
// TenantID; no operation may read or write across tenants.
type Tenant struct {
	ID        string
	RootKey   []byte // 32-byte AEAD root key, provided at open time
	Role      Role
	CreatedAt time.Time
}

// Role is a tenant database's replication role.
type Role string

const (
	RolePrimary Role = "primary"
	RoleReplica Role = "replica"
)

// ValueKind discriminates the dynamic shapes a Value can hold.
type ValueKind int

const (
	KindNull ValueKind = iota
	KindBool
	KindNumber
	KindString
	KindTimestamp
	KindBinary
	KindArray
	KindObject
)

// Value is a tagged dynamic value used for entity payload fields. Canonical
// JSON encoding, content-addressed hashing, and predicate evaluation all
// operate on this single type rather than on raw interface{} so that
// canonicalization rules live in one place (see pkg/idgen).
type Value struct {
	Kind ValueKind

	Bool      bool
	Number    float64
	Str       string
	Timestamp time.Time
	Binary    []byte
	Array     []Value
	Object    map[string]Value
}

// NullValue is the canonical null Value.
var NullValue = Value{Kind: KindNull}

func BoolValue(b bool) Value      { return Value{Kind: KindBool, Bool: b} }
func NumberValue(n float64) Value { return Value{Kind: KindNumber, Number: n} }
func StringValue(s string) Value  { return Value{Kind: KindString, Str: s} }

func TimestampValue(t time.Time) Value {
	return Value{Kind: KindTimestamp, Timestamp: t.UTC()}
}

func BinaryValue(b []byte) Value { return Value{Kind: KindBinary, Binary: b} }
func ArrayValue(v []Value) Value { return Value{Kind: KindArray, Array: v} }

func ObjectValue(m map[string]Value) Value {
	return Value{Kind: KindObject, Object: m}
}

// EntityKind is the discriminant shared by every row stored in the entities
// CF. Schemas are composed, not inherited: an Entity, Resource, or Moment is
// distinguished only by this field plus its kind-specific extension
// fields, never by a type hierarchy.
type EntityKind string

const (
	EntityKindEntity   EntityKind = "entity"
	EntityKindResource EntityKind = "resource"
	EntityKindMoment   EntityKind = "moment"
)

// EntityRow is the base row layout shared by every entity kind. Kind-
// specific fields live in Resource and Moment, which embed EntityRow.
type EntityRow struct {
	ID               [16]byte
	TenantID         string
	Kind             EntityKind
	SchemaFQN        string
	SchemaVersion    int
	Fields           map[string]Value
	EmbeddingPending bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Resource is a chunked document fragment. Its Content field is embedded
// per the owning schema's embedding fields.
type Resource struct {
	EntityRow
	Content      string
	URI          string
	ChunkOrdinal *int64
	SourceFileID *[16]byte
}

// Moment is a temporal marker classifying one or more resources/entities.
type Moment struct {
	EntityRow
	OccurredAt time.Time
	RefersTo   [][16]byte
}

// Edge is a labeled, directed relation between two entities. Edges are
// always written bidirectionally (edges_fwd and edges_rev); Properties
// must be byte-identical in both directions.
type Edge struct {
	TenantID   string
	Src        [16]byte
	Label      string
	Dst        [16]byte
	Properties map[string]Value
}

// FileResourceStatus is the lifecycle of a parse job handed to the core by
// an external document-parsing collaborator. The core does not interpret
// ParseJobURI; status transitions are ordinary entity updates.
type FileResourceStatus string

const (
	FileResourceRegistered FileResourceStatus = "REGISTERED"
	FileResourceParsing    FileResourceStatus = "PARSING"
	FileResourceParsed     FileResourceStatus = "PARSED"
	FileResourceIngested   FileResourceStatus = "INGESTED"
	FileResourceFailed     FileResourceStatus = "FAILED"
)
