// Package store is the server's exclusive handle on its ordered-key
// transactional database. It wraps github.com/cockroachdb/pebble — the
// same engine the teacher uses in pkg/storage/pebble_store.go — with two
// things the teacher's block store didn't need: module-instance-prefixed
// sub-transactions that still commit atomically with the rest of the
// transaction, and ordered prefix iteration over every keyspace in §3 of
// the spec.
//
// Database schema migrations are out of scope (an external collaborator);
// this package only shapes keys and commits batches.
package store

import (
	"github.com/cockroachdb/pebble"
)

// Database owns the on-disk keyspace. The server holds exactly one; module
// instances never see it directly, only prefix-scoped Tx views.
type Database struct {
	db *pebble.DB
}

func Open(path string) (*Database, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &Database{db: db}, nil
}

func (d *Database) Close() error { return d.db.Close() }

// Begin starts a read-write transaction. Nothing is visible to other
// transactions, and nothing is durable, until Commit succeeds.
func (d *Database) Begin() *Tx {
	return &Tx{db: d.db, batch: d.db.NewIndexedBatch()}
}

// BeginReadOnly starts a transaction whose writes are never committed —
// used by the module-proposal ticker, which must not let a module's
// consensus_proposal mutate persisted state.
func (d *Database) BeginReadOnly() *Tx {
	tx := d.Begin()
	tx.readOnly = true
	return tx
}

// Tx is a transactional view over the database, optionally scoped under a
// key prefix (module instance isolation). Reads see this transaction's own
// uncommitted writes (an indexed batch) layered over the last committed
// state.
type Tx struct {
	db       *pebble.DB
	batch    *pebble.Batch
	prefix   []byte
	readOnly bool
}

// WithPrefix returns a view of this same transaction — same underlying
// batch, same eventual commit — where every key is implicitly prefixed.
// This is how module instances get isolated keyspaces that still commit
// atomically with the rest of the item processor's transaction.
func (t *Tx) WithPrefix(prefix []byte) *Tx {
	return &Tx{db: t.db, batch: t.batch, prefix: append(append([]byte(nil), t.prefix...), prefix...), readOnly: t.readOnly}
}

func (t *Tx) key(k []byte) []byte {
	if len(t.prefix) == 0 {
		return k
	}
	return append(append([]byte(nil), t.prefix...), k...)
}

// Get returns the raw value at key, or ok=false if absent.
func (t *Tx) Get(key []byte) (val []byte, ok bool) {
	v, closer, err := t.batch.Get(t.key(key))
	if err != nil {
		if err == pebble.ErrNotFound {
			return nil, false
		}
		panic(err)
	}
	defer closer.Close()
	out := append([]byte(nil), v...)
	return out, true
}

// Set writes key=val into this transaction. A no-op if the transaction was
// opened read-only (BeginReadOnly): the value is buffered in the batch but
// the batch is never committed.
func (t *Tx) Set(key, val []byte) {
	if err := t.batch.Set(t.key(key), val, nil); err != nil {
		panic(err)
	}
}

// Delete removes key from this transaction's view.
func (t *Tx) Delete(key []byte) {
	if err := t.batch.Delete(t.key(key), nil); err != nil {
		panic(err)
	}
}

// KV is one entry returned by Iterate/DeletePrefix — the key with the
// transaction's own prefix stripped back off.
type KV struct {
	Key   []byte
	Value []byte
}

// Iterate returns every key/value pair under prefix, in ascending key
// order, with this transaction's scoping prefix stripped off the returned
// keys (so callers see the same keys they wrote with Set).
func (t *Tx) Iterate(prefix []byte) []KV {
	lower := t.key(prefix)
	upper := upperBound(lower)
	iter, err := t.batch.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		panic(err)
	}
	defer iter.Close()

	var out []KV
	for iter.First(); iter.Valid(); iter.Next() {
		k := append([]byte(nil), iter.Key()...)
		v := append([]byte(nil), iter.Value()...)
		out = append(out, KV{Key: k[len(t.prefix):], Value: v})
	}
	return out
}

// Count returns the number of keys under prefix.
func (t *Tx) Count(prefix []byte) int { return len(t.Iterate(prefix)) }

// DeletePrefix removes every key under prefix.
func (t *Tx) DeletePrefix(prefix []byte) {
	for _, kv := range t.Iterate(prefix) {
		t.Delete(kv.Key)
	}
}

// Commit durably applies every write buffered in this transaction. A
// read-only transaction's writes are discarded instead.
func (t *Tx) Commit() error {
	if t.readOnly {
		return nil
	}
	return t.batch.Commit(pebble.Sync)
}

// Discard abandons this transaction without applying any of its writes —
// used whenever the item processor rejects an item and must leave the
// database untouched.
func (t *Tx) Discard() error {
	return t.batch.Close()
}

func upperBound(prefix []byte) []byte {
	bound := append([]byte(nil), prefix...)
	for i := len(bound) - 1; i >= 0; i-- {
		if bound[i] < 0xff {
			bound[i]++
			return bound[:i+1]
		}
	}
	// prefix is all 0xff: unbounded above
	return nil
}
