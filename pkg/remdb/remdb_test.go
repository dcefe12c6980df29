package remdb

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/rem/pkg/idgen"
	"github.com/cuemby/rem/pkg/schema"
	"github.com/cuemby/rem/pkg/types"
	"github.com/cuemby/rem/pkg/wal"
)

func testRootKey(fill byte) []byte {
	k := make([]byte, 32)
	for i := range k {
		k[i] = fill
	}
	return k
}

func openTestDB(t *testing.T, role types.Role) *Database {
	t.Helper()
	db, err := Open(Options{
		DataDir: t.TempDir(),
		Tenant:  types.Tenant{ID: "tenant-a", RootKey: testRootKey(1), Role: role},
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Shutdown() })
	return db
}

func articleSchema() *schema.Schema {
	return &schema.Schema{
		FQN:       "demo.article",
		ShortName: "article",
		Version:   1,
		Fields: []schema.Field{
			{Name: "title", Type: schema.FieldString},
		},
	}
}

func TestOpenReportsTenantAndRole(t *testing.T) {
	db := openTestDB(t, types.RolePrimary)
	assert.Equal(t, "tenant-a", db.TenantID())
	assert.Equal(t, types.RolePrimary, db.Role())
}

func TestRegisterSchemaThenInsertEntity(t *testing.T) {
	db := openTestDB(t, types.RolePrimary)
	s := articleSchema()
	require.NoError(t, db.RegisterSchema(s))

	id, err := db.InsertEntity(s, map[string]types.Value{"title": types.StringValue("Hello")})
	require.NoError(t, err)

	row, err := db.Entities.Get(s.FQN, id)
	require.NoError(t, err)
	assert.Equal(t, "Hello", row.Fields["title"].Str)
}

func TestReplicaRejectsDirectWrites(t *testing.T) {
	db := openTestDB(t, types.RoleReplica)
	s := articleSchema()
	err := db.RegisterSchema(s)
	assert.Error(t, err)

	_, err = db.InsertEntity(s, map[string]types.Value{"title": types.StringValue("Hello")})
	assert.Error(t, err)
}

func TestCheckpointSucceedsWithNoEmbeddingFields(t *testing.T) {
	db := openTestDB(t, types.RolePrimary)
	s := articleSchema()
	require.NoError(t, db.RegisterSchema(s))
	assert.NoError(t, db.Checkpoint())
}

func TestApplyFramePersistsAndDispatchesPutEntity(t *testing.T) {
	db := openTestDB(t, types.RoleReplica)
	s := articleSchema()
	require.NoError(t, db.Schemas.Register(s))

	id := idgen.Derive(types.ObjectValue(map[string]types.Value{"title": types.StringValue("Hello")}))
	now := time.Now().UTC()
	payload, err := json.Marshal(struct {
		ID            string                 `json:"id"`
		TenantID      string                 `json:"tenant_id"`
		Kind          string                 `json:"kind"`
		SchemaFQN     string                 `json:"schema_fqn"`
		SchemaVersion int                    `json:"schema_version"`
		Fields        map[string]types.Value `json:"fields"`
		CreatedAt     time.Time              `json:"created_at"`
		UpdatedAt     time.Time              `json:"updated_at"`
	}{
		ID:            id.String(),
		TenantID:      "tenant-a",
		Kind:          "entity",
		SchemaFQN:     s.FQN,
		SchemaVersion: s.Version,
		Fields:        map[string]types.Value{"title": types.StringValue("Hello")},
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	require.NoError(t, err)

	f := wal.Frame{
		LogSeqNo:    1,
		TenantID:    "tenant-a",
		Op:          wal.OpPutEntity,
		PayloadHash: wal.HashPayload(payload),
		Payload:     payload,
	}
	require.NoError(t, db.ApplyFrame(f))

	row, err := db.Entities.Get(s.FQN, id)
	require.NoError(t, err)
	assert.Equal(t, s.FQN, row.SchemaFQN)
}

func TestSchemasPersistAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	s := articleSchema()

	db, err := Open(Options{DataDir: dir, Tenant: types.Tenant{ID: "tenant-a", RootKey: testRootKey(1), Role: types.RolePrimary}})
	require.NoError(t, err)
	require.NoError(t, db.RegisterSchema(s))
	require.NoError(t, db.Shutdown())

	reopened, err := Open(Options{DataDir: dir, Tenant: types.Tenant{ID: "tenant-a", RootKey: testRootKey(1), Role: types.RolePrimary}})
	require.NoError(t, err)
	defer reopened.Shutdown()

	got, err := reopened.Schemas.Get(s.FQN, s.Version)
	require.NoError(t, err)
	assert.Equal(t, s.ShortName, got.ShortName)
}
