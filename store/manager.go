package store

import (
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v2"

	"chainctl/config"
	"chainctl/logs"
)

// Manager is the badger-backed versioned store. Undoable mutation goes
// through a Session (session.go); Manager itself exposes the raw key/value
// primitives sessions are built on (Set/Delete write them directly, outside
// any session), plus the write lock every public controller entry point
// acquires (spec.md §5).
type Manager struct {
	db  *badger.DB
	cfg *config.Config

	writeMu sync.Mutex // with_write_lock: serializes mutators

	sessionMu      sync.Mutex // protects the session stack below
	currentSession *Session
	undoHistory    []*Session // pushed, still-undoable revisions, oldest first
	revision       uint64
}

// Open creates or reopens a badger-backed store at dir.
func Open(dir string, cfg *config.Config) (*Manager, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	opts := badger.DefaultOptions(dir)
	opts.ValueLogFileSize = cfg.Database.ValueLogFileSize
	opts.Logger = nil // the teacher's db.Manager also silences badger's own logger in favor of `logs`

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("store: open badger at %q: %w", dir, err)
	}
	return &Manager{db: db, cfg: cfg}, nil
}

// Close flushes and closes the underlying database.
func (m *Manager) Close() error {
	return m.db.Close()
}

// WithWriteLock serializes mutating operations, matching the contract
// every public controller entry point relies on (spec.md §4.C, §5).
func (m *Manager) WithWriteLock(f func() error) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return f()
}

// Revision returns the store's current revision: the number of undo
// sessions opened on this Manager so far. It counts sessions, not blocks,
// so it does not track head_block_num; blockapply records per height which
// revision each block's session had.
func (m *Manager) Revision() uint64 {
	m.sessionMu.Lock()
	defer m.sessionMu.Unlock()
	return m.revision
}

// Get reads key directly from the store, bypassing any open undo session.
// Components that maintain their own append-only or non-versioned records
// (blocklog) use this instead of going through a Session.
func (m *Manager) Get(key string) ([]byte, bool, error) { return m.rawGet(key) }

// Set writes key directly to the store, bypassing any open undo session.
func (m *Manager) Set(key string, val []byte) error { return m.rawSet(key, val) }

// Delete removes key directly from the store, bypassing any open undo
// session.
func (m *Manager) Delete(key string) error { return m.rawDelete(key) }

// ScanPrefix returns every key/value pair whose key starts with prefix.
func (m *Manager) ScanPrefix(prefix string) (map[string][]byte, error) {
	return m.scanPrefix(prefix)
}

// rawGet reads the live value for key, or (nil, false) if absent.
func (m *Manager) rawGet(key string) ([]byte, bool, error) {
	var val []byte
	err := m.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			val = append([]byte(nil), v...)
			return nil
		})
	})
	if err != nil {
		return nil, false, fmt.Errorf("store: get %q: %w", key, err)
	}
	return val, val != nil, nil
}

// rawSet writes key unconditionally.
func (m *Manager) rawSet(key string, val []byte) error {
	err := m.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), val)
	})
	if err != nil {
		return fmt.Errorf("store: set %q: %w", key, err)
	}
	return nil
}

// rawDelete removes key, tolerating absence.
func (m *Manager) rawDelete(key string) error {
	err := m.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete([]byte(key))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("store: delete %q: %w", key, err)
	}
	return nil
}

// scanPrefix returns every key/value pair whose key starts with prefix.
func (m *Manager) scanPrefix(prefix string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	err := m.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			item := it.Item()
			k := string(item.KeyCopy(nil))
			err := item.Value(func(v []byte) error {
				out[k] = append([]byte(nil), v...)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: scan %q: %w", prefix, err)
	}
	return out, nil
}

func (m *Manager) logf(format string, args ...interface{}) {
	logs.Debug(format, args...)
}
