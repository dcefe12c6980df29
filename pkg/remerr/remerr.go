// Package remerr defines the sentinel error kinds shared across the REM
// core. Callers use errors.Is against these sentinels; wrapping follows the
// rest of the codebase's fmt.Errorf("...: %w", err) convention rather than
// a custom error-struct hierarchy.
package remerr

import "errors"

var (
	// ErrNotFound is returned when an entity, schema, or edge is missing.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned on a unique-constraint violation (schema
	// short name, or an edge triple with differing properties).
	ErrAlreadyExists = errors.New("already exists")

	// ErrSchemaMismatch is returned when a record fails schema validation.
	ErrSchemaMismatch = errors.New("schema mismatch")

	// ErrVectorDimMismatch is returned when a vector's dimension differs
	// from the registered index.
	ErrVectorDimMismatch = errors.New("vector dimension mismatch")

	// ErrQueryInvalid is returned for an unknown field, bad regex, or
	// malformed predicate shape.
	ErrQueryInvalid = errors.New("invalid query")

	// ErrQueryTooBroad is returned when a query would exceed the
	// configured scan cell budget and no index could be used.
	ErrQueryTooBroad = errors.New("query too broad")

	// ErrReadOnly is returned when a write is attempted on a replica.
	ErrReadOnly = errors.New("database is read-only (replica role)")

	// ErrDivergentHistory is returned when a replica observes a WAL hash
	// mismatch at a sequence it has already applied.
	ErrDivergentHistory = errors.New("divergent WAL history")

	// ErrKeyMismatch is returned on AEAD decryption failure, most often a
	// wrong tenant or a misconfigured key rotation.
	ErrKeyMismatch = errors.New("key mismatch")

	// ErrCorruption is returned on a checksum or invariant violation at
	// rest.
	ErrCorruption = errors.New("corruption detected")

	// ErrTransient is returned for retryable I/O, network, or lock
	// contention failures.
	ErrTransient = errors.New("transient failure")

	// ErrCancelled is returned when a deadline is exceeded or an operation
	// is explicitly cancelled.
	ErrCancelled = errors.New("cancelled")

	// ErrInternal signals a bug. It must never carry secret material.
	ErrInternal = errors.New("internal error")

	// ErrTenantMismatch is returned when a key's tenant prefix doesn't
	// match the calling tenant.
	ErrTenantMismatch = errors.New("tenant mismatch")

	// ErrUnknownPredicate is returned when a predicate's wire "op" tag is
	// not recognized, per the forward-compatibility rule in the wire
	// format.
	ErrUnknownPredicate = errors.New("unknown predicate op")
)
