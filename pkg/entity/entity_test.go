package entity

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/rem/pkg/idgen"
	"github.com/cuemby/rem/pkg/kvengine"
	"github.com/cuemby/rem/pkg/remerr"
	"github.com/cuemby/rem/pkg/schema"
	"github.com/cuemby/rem/pkg/types"
	"github.com/cuemby/rem/pkg/wal"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	engine, err := kvengine.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })

	seqGen := wal.NewSeqGenerator()
	schemas, err := schema.NewRegistry(16)
	require.NoError(t, err)
	return NewStore(engine, schemas, seqGen, "tenant-a")
}

func articleSchema() *schema.Schema {
	return &schema.Schema{
		FQN:       "demo.article",
		ShortName: "article",
		Version:   1,
		Fields: []schema.Field{
			{Name: "title", Type: schema.FieldString},
			{Name: "status", Type: schema.FieldString},
			{Name: "content", Type: schema.FieldText},
		},
		IndexedFields:   []schema.Field{{Name: "status", Type: schema.FieldString}},
		EmbeddingFields: []string{"content"},
	}
}

func TestInsertThenGet(t *testing.T) {
	st := newTestStore(t)
	s := articleSchema()

	id, err := st.Insert(s, map[string]types.Value{
		"title":   types.StringValue("Hello"),
		"status":  types.StringValue("draft"),
		"content": types.StringValue("body text"),
	})
	require.NoError(t, err)

	row, err := st.Get(s.FQN, id)
	require.NoError(t, err)
	assert.Equal(t, "Hello", row.Fields["title"].Str)
	assert.True(t, row.EmbeddingPending, "schema has embedding fields so a fresh insert is pending")
}

func TestInsertIsIdempotent(t *testing.T) {
	st := newTestStore(t)
	s := articleSchema()
	fields := map[string]types.Value{
		"title":  types.StringValue("Hello"),
		"status": types.StringValue("draft"),
	}

	id1, err := st.Insert(s, fields)
	require.NoError(t, err)
	row1, err := st.Get(s.FQN, id1)
	require.NoError(t, err)

	id2, err := st.Insert(s, fields)
	require.NoError(t, err)
	row2, err := st.Get(s.FQN, id2)
	require.NoError(t, err)

	assert.Equal(t, id1, id2)
	assert.Equal(t, row1.CreatedAt, row2.CreatedAt)
	assert.Equal(t, row1.UpdatedAt, row2.UpdatedAt)
}

func TestInsertIdenticalContentKeepsID(t *testing.T) {
	st := newTestStore(t)
	s := &schema.Schema{
		FQN:       "demo.nokey",
		ShortName: "nokey",
		Version:   1,
		Fields:    []schema.Field{{Name: "status", Type: schema.FieldString}},
	}

	id1, err := st.Insert(s, map[string]types.Value{"status": types.StringValue("draft")})
	require.NoError(t, err)

	id2, err := st.Insert(s, map[string]types.Value{"status": types.StringValue("draft")})
	require.NoError(t, err)
	assert.Equal(t, id1, id2, "identical content-addressed record re-inserts to the same id")
}

func TestUpdateMergesFields(t *testing.T) {
	st := newTestStore(t)
	s := articleSchema()

	id, err := st.Insert(s, map[string]types.Value{
		"title":  types.StringValue("Hello"),
		"status": types.StringValue("draft"),
	})
	require.NoError(t, err)

	newID, err := st.Update(s, id, map[string]types.Value{"status": types.StringValue("published")})
	require.NoError(t, err)

	row, err := st.Get(s.FQN, newID)
	require.NoError(t, err)
	assert.Equal(t, "published", row.Fields["status"].Str)
	assert.Equal(t, "Hello", row.Fields["title"].Str)
}

func TestDeleteRemovesRow(t *testing.T) {
	st := newTestStore(t)
	s := articleSchema()

	id, err := st.Insert(s, map[string]types.Value{
		"title":  types.StringValue("Hello"),
		"status": types.StringValue("draft"),
	})
	require.NoError(t, err)
	require.NoError(t, st.Delete(s, id))

	_, err = st.Get(s.FQN, id)
	assert.True(t, errors.Is(err, remerr.ErrNotFound))
}

func TestGetByKeyResolvesDeclaredKeyFields(t *testing.T) {
	st := newTestStore(t)
	s := articleSchema()
	s.KeyFields = []string{"title"}

	_, err := st.Insert(s, map[string]types.Value{
		"title":  types.StringValue("Hello"),
		"status": types.StringValue("draft"),
	})
	require.NoError(t, err)

	row, err := st.GetByKey(s, map[string]types.Value{"title": types.StringValue("Hello")})
	require.NoError(t, err)
	assert.Equal(t, "draft", row.Fields["status"].Str)
}

func TestListPendingFindsOnlyPendingRows(t *testing.T) {
	st := newTestStore(t)
	s := articleSchema()

	id, err := st.Insert(s, map[string]types.Value{
		"title":   types.StringValue("Hello"),
		"status":  types.StringValue("draft"),
		"content": types.StringValue("body"),
	})
	require.NoError(t, err)

	pending, err := st.ListPending(s)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, id, idgen.ID(pending[0].ID))

	require.NoError(t, st.ClearEmbeddingPending(s, id))

	pending, err = st.ListPending(s)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestClearEmbeddingPendingIsIdempotent(t *testing.T) {
	st := newTestStore(t)
	s := articleSchema()

	id, err := st.Insert(s, map[string]types.Value{
		"title":   types.StringValue("Hello"),
		"status":  types.StringValue("draft"),
		"content": types.StringValue("body"),
	})
	require.NoError(t, err)

	require.NoError(t, st.ClearEmbeddingPending(s, id))
	require.NoError(t, st.ClearEmbeddingPending(s, id))

	row, err := st.Get(s.FQN, id)
	require.NoError(t, err)
	assert.False(t, row.EmbeddingPending)
}

func TestApplyReplicatedPutEntityWritesRowVerbatim(t *testing.T) {
	src := newTestStore(t)
	dst := newTestStore(t)
	s := articleSchema()

	id, err := src.Insert(s, map[string]types.Value{
		"title":  types.StringValue("Hello"),
		"status": types.StringValue("draft"),
	})
	require.NoError(t, err)

	srcRow, err := src.getRowLocked(s.FQN, id)
	require.NoError(t, err)
	payload, err := json.Marshal(srcRow)
	require.NoError(t, err)

	require.NoError(t, dst.ApplyReplicated(wal.OpPutEntity, payload))

	row, err := dst.Get(s.FQN, id)
	require.NoError(t, err)
	assert.Equal(t, "Hello", row.Fields["title"].Str)
}

func TestApplyReplicatedDeleteEntityRemovesRow(t *testing.T) {
	dst := newTestStore(t)
	s := articleSchema()

	id, err := dst.Insert(s, map[string]types.Value{
		"title":  types.StringValue("Hello"),
		"status": types.StringValue("draft"),
	})
	require.NoError(t, err)

	payload, err := json.Marshal(map[string]string{"schema_fqn": s.FQN, "id": id.String()})
	require.NoError(t, err)

	require.NoError(t, dst.ApplyReplicated(wal.OpDeleteEntity, payload))

	_, err = dst.Get(s.FQN, id)
	assert.True(t, errors.Is(err, remerr.ErrNotFound))
}
