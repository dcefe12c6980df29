// Package kvengine implements the column-family-style byte store every
// other component in the REM core is built on. It wraps go.etcd.io/bbolt,
// the pack's one embedded storage dependency: a single bbolt transaction
// already gives an all-or-nothing commit across every bucket ("column
// family"), which is exactly the atomicity a data write and its WAL frame
// need to share.
package kvengine

import (
	"bytes"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/rem/pkg/metrics"
	"github.com/cuemby/rem/pkg/remerr"
)

// TenantSeparator is the byte guaranteed not to occur inside a tenant id;
// it separates the tenant prefix from the column-family-specific suffix.
const TenantSeparator byte = 0x1F

// Column families recognized by the engine. Every key written to the
// engine lives in exactly one of these buckets.
var (
	CFDefault        = []byte("default")
	CFEntities       = []byte("entities")
	CFEdgesFwd       = []byte("edges_fwd")
	CFEdgesRev       = []byte("edges_rev")
	CFIndexes        = []byte("indexes")
	CFEmbeddingsMeta = []byte("embeddings_meta")
	CFSchemas        = []byte("schemas")
	CFMomentsTime    = []byte("moments_time")
	CFWAL            = []byte("wal")
	CFMeta           = []byte("meta")

	allCFs = [][]byte{
		CFDefault, CFEntities, CFEdgesFwd, CFEdgesRev, CFIndexes,
		CFEmbeddingsMeta, CFSchemas, CFMomentsTime, CFWAL, CFMeta,
	}
)

// Op is one operation within a Batch.
type Op struct {
	CF     []byte
	Key    []byte
	Value  []byte // ignored when Delete is set
	Delete bool
}

// Put returns a put Op.
func Put(cf, key, value []byte) Op { return Op{CF: cf, Key: key, Value: value} }

// Delete returns a delete Op.
func Delete(cf, key []byte) Op { return Op{CF: cf, Key: key, Delete: true} }

// Engine is a tenant-prefixed, column-family byte store backed by a single
// bbolt database file per data directory.
type Engine struct {
	db *bolt.DB
}

// Open opens (creating if absent) the engine at dataDir/rem.db and ensures
// every recognized column family bucket exists.
func Open(dataDir string) (*Engine, error) {
	dbPath := filepath.Join(dataDir, "rem.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("kvengine: open %s: %w", dbPath, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, cf := range allCFs {
			if _, err := tx.CreateBucketIfNotExists(cf); err != nil {
				return fmt.Errorf("kvengine: create bucket %s: %w", cf, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Engine{db: db}, nil
}

// Close closes the underlying database file.
func (e *Engine) Close() error {
	return e.db.Close()
}

// TenantKey composes a tenant-prefixed key: tenant_id | 0x1F | suffix.
func TenantKey(tenantID string, suffix []byte) []byte {
	key := make([]byte, 0, len(tenantID)+1+len(suffix))
	key = append(key, tenantID...)
	key = append(key, TenantSeparator)
	key = append(key, suffix...)
	return key
}

// SplitTenantKey separates a tenant-prefixed key back into tenant id and
// suffix, failing with ErrTenantMismatch if the separator is absent.
func SplitTenantKey(key []byte) (tenantID string, suffix []byte, err error) {
	idx := bytes.IndexByte(key, TenantSeparator)
	if idx < 0 {
		return "", nil, fmt.Errorf("kvengine: malformed key %x: %w", key, remerr.ErrTenantMismatch)
	}
	return string(key[:idx]), key[idx+1:], nil
}

// Put writes a single value to cf.
func (e *Engine) Put(cf, key, value []byte) error {
	return e.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(cf)
		if b == nil {
			return fmt.Errorf("kvengine: unknown column family %s", cf)
		}
		return b.Put(key, value)
	})
}

// Get reads a single value from cf. Returns ErrNotFound if absent.
func (e *Engine) Get(cf, key []byte) ([]byte, error) {
	var out []byte
	err := e.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(cf)
		if b == nil {
			return fmt.Errorf("kvengine: unknown column family %s", cf)
		}
		v := b.Get(key)
		if v == nil {
			return remerr.ErrNotFound
		}
		out = append(out, v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes a single key from cf. Deleting an absent key is a no-op.
func (e *Engine) Delete(cf, key []byte) error {
	return e.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(cf)
		if b == nil {
			return fmt.Errorf("kvengine: unknown column family %s", cf)
		}
		return b.Delete(key)
	})
}

// KV is a single key/value pair returned by a scan.
type KV struct {
	Key   []byte
	Value []byte
}

// Scan returns every key in cf with the given prefix, taken from a single
// consistent read-only snapshot.
func (e *Engine) Scan(cf, prefix []byte) ([]KV, error) {
	var out []KV
	err := e.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(cf)
		if b == nil {
			return fmt.Errorf("kvengine: unknown column family %s", cf)
		}
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			out = append(out, KV{Key: append([]byte(nil), k...), Value: append([]byte(nil), v...)})
		}
		return nil
	})
	return out, err
}

// Range returns every key in cf within [start, end), taken from a single
// consistent read-only snapshot.
func (e *Engine) Range(cf, start, end []byte) ([]KV, error) {
	var out []KV
	err := e.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(cf)
		if b == nil {
			return fmt.Errorf("kvengine: unknown column family %s", cf)
		}
		c := b.Cursor()
		for k, v := c.Seek(start); k != nil && bytes.Compare(k, end) < 0; k, v = c.Next() {
			out = append(out, KV{Key: append([]byte(nil), k...), Value: append([]byte(nil), v...)})
		}
		return nil
	})
	return out, err
}

// Batch applies every Op atomically: either all operations commit or none
// do. A failure midway rolls back the entire batch.
func (e *Engine) Batch(ops []Op) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.KVBatchDuration)

	err := e.db.Update(func(tx *bolt.Tx) error {
		for _, op := range ops {
			b := tx.Bucket(op.CF)
			if b == nil {
				return fmt.Errorf("kvengine: unknown column family %s", op.CF)
			}
			if op.Delete {
				if err := b.Delete(op.Key); err != nil {
					return err
				}
				continue
			}
			if err := b.Put(op.Key, op.Value); err != nil {
				return err
			}
		}
		return nil
	})
	if err == nil {
		metrics.KVBatchOpsTotal.Add(float64(len(ops)))
	}
	return err
}

// View runs fn against a read-only snapshot. Use for multi-read
// consistency that a single Scan/Range can't express (e.g. reading across
// more than one column family).
func (e *Engine) View(fn func(tx *bolt.Tx) error) error {
	return e.db.View(fn)
}

// Update runs fn inside a single read-write transaction. Use when a
// caller's atomic unit doesn't fit the fixed Op shape.
func (e *Engine) Update(fn func(tx *bolt.Tx) error) error {
	return e.db.Update(fn)
}
