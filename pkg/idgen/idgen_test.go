package idgen

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/rem/pkg/types"
)

func TestIDStringParseRoundTrip(t *testing.T) {
	id := Derive(types.StringValue("hello"))

	parsed, err := ParseID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
}

func TestParseIDRejectsWrongLength(t *testing.T) {
	_, err := ParseID("abcd")
	assert.Error(t, err)
}

func TestParseIDRejectsNonHex(t *testing.T) {
	_, err := ParseID("zz0000000000000000000000000000zz")
	assert.Error(t, err)
}

func TestDeriveIsDeterministic(t *testing.T) {
	v := types.ObjectValue(map[string]types.Value{
		"title": types.StringValue("Article One"),
		"count": types.NumberValue(3),
	})

	a := Derive(v)
	b := Derive(v)
	assert.Equal(t, a, b)
}

func TestDeriveIsOrderIndependent(t *testing.T) {
	v1 := types.ObjectValue(map[string]types.Value{
		"a": types.StringValue("x"),
		"b": types.StringValue("y"),
	})
	v2 := types.ObjectValue(map[string]types.Value{
		"b": types.StringValue("y"),
		"a": types.StringValue("x"),
	})

	assert.Equal(t, Derive(v1), Derive(v2))
}

func TestDeriveDiffersOnContentChange(t *testing.T) {
	v1 := types.ObjectValue(map[string]types.Value{"title": types.StringValue("A")})
	v2 := types.ObjectValue(map[string]types.Value{"title": types.StringValue("B")})

	assert.NotEqual(t, Derive(v1), Derive(v2))
}

func TestCanonicalJSONSortsObjectKeys(t *testing.T) {
	v := types.ObjectValue(map[string]types.Value{
		"z": types.NumberValue(1),
		"a": types.NumberValue(2),
	})
	assert.Equal(t, `{"a":2,"z":1}`, string(CanonicalJSON(v)))
}

func TestCanonicalJSONEscapesControlCharacters(t *testing.T) {
	v := types.StringValue("line1\nline2\ttab")
	assert.Equal(t, `"line1\nline2\ttab"`, string(CanonicalJSON(v)))
}

func TestCanonicalJSONTimestampIsMillisecondUTC(t *testing.T) {
	loc := time.FixedZone("UTC-5", -5*60*60)
	ts := time.Date(2026, 1, 2, 10, 0, 0, 500_000_000, loc)
	v := types.TimestampValue(ts)
	assert.Equal(t, `"2026-01-02T15:00:00.500Z"`, string(CanonicalJSON(v)))
}

func TestDeriveKeyFieldsIgnoresFieldOrderAndExtras(t *testing.T) {
	fields := map[string]types.Value{
		"name":  types.StringValue("alice"),
		"email": types.StringValue("alice@example.com"),
		"extra": types.StringValue("ignored"),
	}

	keyed := DeriveKeyFields(fields, []string{"email", "name"})
	other := DeriveKeyFields(map[string]types.Value{
		"name":  types.StringValue("alice"),
		"email": types.StringValue("alice@example.com"),
	}, []string{"name", "email"})

	assert.Equal(t, Derive(keyed), Derive(other))
}

func TestDeriveKeyFieldsSkipsMissingNames(t *testing.T) {
	fields := map[string]types.Value{"name": types.StringValue("alice")}
	keyed := DeriveKeyFields(fields, []string{"name", "missing"})
	assert.Equal(t, `{"name":"alice"}`, string(CanonicalJSON(keyed)))
}
