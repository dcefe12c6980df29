/*
Package types defines the shared data structures used throughout the REM
core: tenants, the tagged dynamic Value used for entity payloads, and the
Entity/Resource/Moment/Edge row shapes described by the schema registry.

# Dynamic values

Entity payloads are schema-typed JSON at the API boundary but are modeled
internally as a single tagged Value type (object, array, string, number,
bool, null, timestamp, binary) so that canonicalization, content hashing,
and predicate evaluation all agree on one representation.

# No inheritance

Resource and Moment embed EntityRow and add their own fields; the Kind
discriminant on EntityRow says which one a given row is. There is no type
hierarchy to walk — callers switch on Kind.
*/
package types
