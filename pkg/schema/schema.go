// Package schema implements the Schema Registry: named, versioned
// descriptions of entity kinds, their indexed/embedding/key fields, and
// validation at registration time. A schema once published with a given
// version is immutable.
package schema

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/cuemby/rem/pkg/kvengine"
	"github.com/cuemby/rem/pkg/remerr"
)

// FieldType is the scalar type of a schema field.
type FieldType string

const (
	FieldString    FieldType = "string"
	FieldNumber    FieldType = "number"
	FieldBool      FieldType = "bool"
	FieldTimestamp FieldType = "timestamp"
	FieldText      FieldType = "text" // embeddable, not indexable
)

var scalarFieldTypes = map[FieldType]bool{
	FieldString:    true,
	FieldNumber:    true,
	FieldBool:      true,
	FieldTimestamp: true,
}

// Field describes one field of a schema.
type Field struct {
	Name string
	Type FieldType
}

// Schema is a named, versioned description of an entity kind.
type Schema struct {
	FQN               string
	ShortName         string
	Version           int
	KeyFields         []string // optional; empty means content-addressed on whole record
	IndexedFields     []Field  // must be scalar-typed
	EmbeddingFields   []string // must be text-typed fields
	EmbeddingProvider string
	IndexedColumns    map[string]int64 // selectivity hints: field -> approx cardinality
	Fields            []Field
}

var (
	fqnPattern       = regexp.MustCompile(`^[a-z0-9]+(\.[a-z0-9]+)+$`)
	shortNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
	reservedWords    = map[string]bool{
		"id": true, "tenant_id": true, "schema_fqn": true, "schema_version": true,
		"created_at": true, "updated_at": true, "kind": true,
	}
)

// fieldTypeByName returns the declared type of a field, for validating
// indexed/embedding/key field references.
func fieldTypeByName(s *Schema, name string) (FieldType, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f.Type, true
		}
	}
	return "", false
}

// Validate checks a schema against the registration rules in spec.md §4.3.
func Validate(s *Schema) error {
	if !fqnPattern.MatchString(s.FQN) {
		return fmt.Errorf("schema: fqn %q invalid: %w", s.FQN, remerr.ErrSchemaMismatch)
	}
	if !shortNamePattern.MatchString(s.ShortName) || reservedWords[s.ShortName] {
		return fmt.Errorf("schema: short name %q invalid or reserved: %w", s.ShortName, remerr.ErrSchemaMismatch)
	}
	for _, f := range s.IndexedFields {
		typ, ok := fieldTypeByName(s, f.Name)
		if !ok {
			typ = f.Type
		}
		if !scalarFieldTypes[typ] {
			return fmt.Errorf("schema: indexed field %q is not scalar-typed: %w", f.Name, remerr.ErrSchemaMismatch)
		}
	}
	for _, name := range s.EmbeddingFields {
		typ, ok := fieldTypeByName(s, name)
		if !ok || typ != FieldText {
			return fmt.Errorf("schema: embedding field %q is not text-typed: %w", name, remerr.ErrSchemaMismatch)
		}
	}
	for _, name := range s.KeyFields {
		typ, ok := fieldTypeByName(s, name)
		if ok && !scalarFieldTypes[typ] {
			return fmt.Errorf("schema: key field %q is not scalar-typed: %w", name, remerr.ErrSchemaMismatch)
		}
	}
	return nil
}

type versionKey struct {
	fqn     string
	version int
}

// Registry holds schemas in memory, one entry per (fqn, version) (Persist
// and LoadAll move them to and from the `schemas` column family), behind a
// reader/writer lock (registrations are rare,
// reads are frequent) plus an in-memory LRU of resolved schemas.
type Registry struct {
	mu         sync.RWMutex
	byVersion  map[versionKey]*Schema
	shortNames map[string]string // tenant-scoped short name -> fqn
	cache      *lru.Cache[versionKey, *Schema]
}

// NewRegistry builds an empty Registry with an LRU of the given size.
func NewRegistry(cacheSize int) (*Registry, error) {
	cache, err := lru.New[versionKey, *Schema](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("schema: new lru: %w", err)
	}
	return &Registry{
		byVersion:  make(map[versionKey]*Schema),
		shortNames: make(map[string]string),
		cache:      cache,
	}, nil
}

// Register validates and stores a new schema version. Re-registering an
// existing (fqn, version) is rejected: schemas are immutable once
// published (spec.md's chosen resolution to the versioning open question).
func (r *Registry) Register(s *Schema) error {
	if err := Validate(s); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := versionKey{fqn: s.FQN, version: s.Version}
	if _, exists := r.byVersion[key]; exists {
		return fmt.Errorf("schema: %s@%d already published: %w", s.FQN, s.Version, remerr.ErrAlreadyExists)
	}
	if owner, exists := r.shortNames[s.ShortName]; exists && owner != s.FQN {
		return fmt.Errorf("schema: short name %q already bound to %s: %w", s.ShortName, owner, remerr.ErrAlreadyExists)
	}

	stored := *s
	r.byVersion[key] = &stored
	r.shortNames[s.ShortName] = s.FQN
	r.cache.Add(key, &stored)
	return nil
}

// Get returns a specific (fqn, version), consulting the LRU first.
func (r *Registry) Get(fqn string, version int) (*Schema, error) {
	key := versionKey{fqn: fqn, version: version}

	if s, ok := r.cache.Get(key); ok {
		return s, nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byVersion[key]
	if !ok {
		return nil, fmt.Errorf("schema: %s@%d: %w", fqn, version, remerr.ErrNotFound)
	}
	r.cache.Add(key, s)
	return s, nil
}

// List returns every schema version known to the registry. The spec's
// per-tenant scoping is enforced by the caller holding one Registry per
// tenant database (pkg/remdb), not by a tenant argument here.
func (r *Registry) List() []*Schema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Schema, 0, len(r.byVersion))
	for _, s := range r.byVersion {
		out = append(out, s)
	}
	return out
}

// ResolveShort maps a short name to its fully-qualified name.
func (r *Registry) ResolveShort(shortName string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fqn, ok := r.shortNames[shortName]
	if !ok {
		return "", fmt.Errorf("schema: short name %q: %w", shortName, remerr.ErrNotFound)
	}
	return fqn, nil
}

// schemaKey namespaces one persisted (fqn, version) row within the schemas
// column family.
func schemaKey(fqn string, version int) []byte {
	return []byte(fmt.Sprintf("%s|%d", fqn, version))
}

// Persist writes s to the schemas column family so it survives a restart.
// Callers register s in the in-memory Registry first (via Register) and
// persist only after that succeeds.
func Persist(engine *kvengine.Engine, tenantID string, s *Schema) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("schema: encode %s@%d: %w", s.FQN, s.Version, err)
	}
	return engine.Put(kvengine.CFSchemas, kvengine.TenantKey(tenantID, schemaKey(s.FQN, s.Version)), payload)
}

// LoadAll reads every persisted schema for tenantID back into registry,
// used when opening a tenant database so previously published schemas are
// available without re-registration.
func LoadAll(engine *kvengine.Engine, tenantID string, registry *Registry) error {
	kvs, err := engine.Scan(kvengine.CFSchemas, kvengine.TenantKey(tenantID, nil))
	if err != nil {
		return fmt.Errorf("schema: scan: %w", err)
	}
	for _, kv := range kvs {
		var s Schema
		if err := json.Unmarshal(kv.Value, &s); err != nil {
			return fmt.Errorf("schema: decode: %w", err)
		}
		if err := registry.Register(&s); err != nil {
			return fmt.Errorf("schema: restore %s@%d: %w", s.FQN, s.Version, err)
		}
	}
	return nil
}

// Latest returns the highest-numbered registered version of fqn.
func (r *Registry) Latest(fqn string) (*Schema, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var best *Schema
	for k, s := range r.byVersion {
		if k.fqn != fqn {
			continue
		}
		if best == nil || k.version > best.Version {
			best = s
		}
	}
	if best == nil {
		return nil, fmt.Errorf("schema: %s: %w", fqn, remerr.ErrNotFound)
	}
	return best, nil
}
