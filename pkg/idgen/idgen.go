// Package idgen implements canonical JSON encoding and content-addressed
// entity identifiers. Two clients that canonicalize the same logical record
// must agree on its id bit-for-bit (spec invariant: deterministic id).
package idgen

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
	"lukechampine.com/blake3"

	"github.com/cuemby/rem/pkg/types"
)

// ID is a 128-bit content-addressed identifier.
type ID [16]byte

// String renders ID as 32-char lowercase hex.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// ParseID parses a 32-char lowercase hex string into an ID.
func ParseID(s string) (ID, error) {
	var id ID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("idgen: decode id %q: %w", s, err)
	}
	if len(b) != 16 {
		return id, fmt.Errorf("idgen: id %q is %d bytes, want 16", s, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// CanonicalJSON renders v as canonical JSON: object keys sorted
// lexicographically, no insignificant whitespace, numbers in shortest
// round-trippable decimal, strings NFC-normalized, timestamps rendered as
// RFC3339 with millisecond precision in UTC.
func CanonicalJSON(v types.Value) []byte {
	buf := make([]byte, 0, 256)
	buf = appendCanonical(buf, v)
	return buf
}

func appendCanonical(buf []byte, v types.Value) []byte {
	switch v.Kind {
	case types.KindNull:
		return append(buf, "null"...)
	case types.KindBool:
		if v.Bool {
			return append(buf, "true"...)
		}
		return append(buf, "false"...)
	case types.KindNumber:
		return strconv.AppendFloat(buf, v.Number, 'g', -1, 64)
	case types.KindString:
		return appendCanonicalString(buf, v.Str)
	case types.KindTimestamp:
		return appendCanonicalString(buf, v.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z"))
	case types.KindBinary:
		return appendCanonicalString(buf, hex.EncodeToString(v.Binary))
	case types.KindArray:
		buf = append(buf, '[')
		for i, elem := range v.Array {
			if i > 0 {
				buf = append(buf, ',')
			}
			buf = appendCanonical(buf, elem)
		}
		return append(buf, ']')
	case types.KindObject:
		keys := make([]string, 0, len(v.Object))
		for k := range v.Object {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf = append(buf, '{')
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			buf = appendCanonicalString(buf, k)
			buf = append(buf, ':')
			buf = appendCanonical(buf, v.Object[k])
		}
		return append(buf, '}')
	default:
		return append(buf, "null"...)
	}
}

func appendCanonicalString(buf []byte, s string) []byte {
	if !utf8.ValidString(s) {
		s = string([]rune(s))
	}
	s = string(norm.NFC.Bytes([]byte(s)))
	buf = append(buf, '"')
	for _, r := range s {
		switch r {
		case '"':
			buf = append(buf, '\\', '"')
		case '\\':
			buf = append(buf, '\\', '\\')
		case '\n':
			buf = append(buf, '\\', 'n')
		case '\t':
			buf = append(buf, '\\', 't')
		case '\r':
			buf = append(buf, '\\', 'r')
		default:
			if r < 0x20 {
				buf = append(buf, []byte(fmt.Sprintf("\\u%04x", r))...)
			} else {
				buf = utf8.AppendRune(buf, r)
			}
		}
	}
	return append(buf, '"')
}

// Derive computes the content-addressed ID for a record: the first 16
// bytes of the BLAKE3-256 digest of its canonical JSON encoding. Callers
// pass the key fields alone when a schema declares a key field, or the
// whole canonicalized record otherwise.
func Derive(v types.Value) ID {
	sum := blake3.Sum256(CanonicalJSON(v))
	var id ID
	copy(id[:], sum[:16])
	return id
}

// DeriveKeyFields builds the object-of-key-fields Value used to derive an
// id from a schema's declared key field(s), preserving field order via
// canonical sorting rather than caller-supplied order.
func DeriveKeyFields(fields map[string]types.Value, keyFieldNames []string) types.Value {
	obj := make(map[string]types.Value, len(keyFieldNames))
	for _, name := range keyFieldNames {
		if v, ok := fields[name]; ok {
			obj[name] = v
		}
	}
	return types.ObjectValue(obj)
}
