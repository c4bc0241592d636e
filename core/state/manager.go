package state

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/rlp"

	"brm/storage"
)

var errReadOnly = errors.New("state: write attempted in read-only transaction")

// Manager serialises every state transition through a single writer. Each
// Update runs against a private overlay which is committed to the backing
// database in one batch, so a failed transition leaves no trace.
type Manager struct {
	mu sync.RWMutex
	db storage.Database
}

// NewManager wraps the supplied database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

// Update runs fn inside an exclusive read-write transaction. Writes become
// visible only when fn returns nil and the batch commit succeeds.
func (m *Manager) Update(fn func(tx *Tx) error) error {
	if m == nil || m.db == nil {
		return fmt.Errorf("state: manager not configured")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := newTx(m.db, true)
	if err := fn(tx); err != nil {
		return err
	}
	return tx.commit()
}

// View runs fn inside a read-only transaction.
func (m *Manager) View(fn func(tx *Tx) error) error {
	if m == nil || m.db == nil {
		return fmt.Errorf("state: manager not configured")
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(newTx(m.db, false))
}

type pendingWrite struct {
	value   []byte
	deleted bool
}

// Tx is a single state transaction. It is not safe for use outside the
// callback that received it.
type Tx struct {
	db       storage.Database
	writable bool
	pending  map[string]pendingWrite
}

func newTx(db storage.Database, writable bool) *Tx {
	return &Tx{db: db, writable: writable, pending: make(map[string]pendingWrite)}
}

func (tx *Tx) get(key []byte) ([]byte, bool, error) {
	if w, ok := tx.pending[string(key)]; ok {
		if w.deleted {
			return nil, false, nil
		}
		return w.value, true, nil
	}
	data, err := tx.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (tx *Tx) put(key, value []byte) error {
	if !tx.writable {
		return errReadOnly
	}
	tx.pending[string(key)] = pendingWrite{value: append([]byte(nil), value...)}
	return nil
}

func (tx *Tx) commit() error {
	if len(tx.pending) == 0 {
		return nil
	}
	keys := make([]string, 0, len(tx.pending))
	for k := range tx.pending {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	batch := storage.NewBatch()
	for _, k := range keys {
		w := tx.pending[k]
		if w.deleted {
			batch.Delete([]byte(k))
			continue
		}
		batch.Put([]byte(k), w.value)
	}
	return tx.db.Write(batch)
}

// KVPut stores the provided value under the supplied key using RLP encoding.
func (tx *Tx) KVPut(key []byte, value interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return tx.put(key, encoded)
}

// KVGet retrieves the value stored under the supplied key and decodes it into
// the provided destination. The boolean return value indicates whether the key
// existed in state.
func (tx *Tx) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	data, ok, err := tx.get(key)
	if err != nil || !ok {
		return false, err
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

// KVDelete removes the key from state.
func (tx *Tx) KVDelete(key []byte) error {
	if !tx.writable {
		return errReadOnly
	}
	tx.pending[string(key)] = pendingWrite{deleted: true}
	return nil
}

// KVKeys returns every key under prefix in ascending byte order, including
// writes pending in this transaction.
func (tx *Tx) KVKeys(prefix []byte) ([][]byte, error) {
	stored, err := tx.db.Keys(prefix)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(stored)+len(tx.pending))
	for _, k := range stored {
		seen[string(k)] = true
	}
	for k, w := range tx.pending {
		if bytes.HasPrefix([]byte(k), prefix) {
			seen[k] = !w.deleted
		}
	}
	keys := make([]string, 0, len(seen))
	for k, live := range seen {
		if live {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := make([][]byte, len(keys))
	for i, k := range keys {
		out[i] = []byte(k)
	}
	return out, nil
}

// KVAppend appends value to the RLP-encoded byte slice list stored under key.
// Duplicate values are ignored to keep the index deterministic.
func (tx *Tx) KVAppend(key []byte, value []byte) error {
	list, err := tx.KVGetList(key)
	if err != nil {
		return err
	}
	for _, existing := range list {
		if bytes.Equal(existing, value) {
			return nil
		}
	}
	list = append(list, append([]byte(nil), value...))
	return tx.KVPut(key, list)
}

// KVGetList returns the byte slice list stored under key, or an empty list.
func (tx *Tx) KVGetList(key []byte) ([][]byte, error) {
	var list [][]byte
	ok, err := tx.KVGet(key, &list)
	if err != nil {
		return nil, err
	}
	if !ok || list == nil {
		return [][]byte{}, nil
	}
	return list, nil
}
