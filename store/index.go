package store

import (
	"fmt"
)

// Codec converts a typed object to and from its canonical stored bytes.
// Callers supply this per type (wire.EncodeX / a matching decode), since
// the store package itself has no notion of the chain's concrete types.
type Codec[T any] struct {
	Encode func(*T) []byte
	Decode func([]byte) (*T, error)
}

// IndexDef describes one secondary index: how to derive its key from an
// object, and whether that key must be unique (spec.md §4.C's "indexed by
// ... secondary keys", generalized the way the teacher's
// db/miner_index_manager.go hand-rolls one such index per table).
type IndexDef[T any] struct {
	Name     string
	KeyOf    func(*T) string
	Unique   bool
}

// Table is a generics-based typed view over Manager: the idiomatic-Go
// substitute for chainbase's compile-time multi_index_container, per the
// polymorphic-index design note in SPEC_FULL.md §9. One Table is created
// per object type (blocks, transactions, producers, ...); it owns the
// primary key and zero or more secondary indexes over that type.
type Table[T any] struct {
	mgr     *Manager
	name    string
	codec   Codec[T]
	pkOf    func(*T) string
	indexes []IndexDef[T]
}

// NewTable registers a typed table. pkOf extracts the primary key (e.g.
// block id, account name); indexes may be empty.
func NewTable[T any](mgr *Manager, name string, codec Codec[T], pkOf func(*T) string, indexes ...IndexDef[T]) *Table[T] {
	return &Table[T]{mgr: mgr, name: name, codec: codec, pkOf: pkOf, indexes: indexes}
}

// writer returns the writer to use: the innermost open session if one
// exists, otherwise the manager's raw primitives wrapped in a throwaway
// session-shaped adapter so callers have one code path either way.
func (t *Table[T]) writer() writer {
	t.mgr.sessionMu.Lock()
	s := t.mgr.currentSession
	t.mgr.sessionMu.Unlock()
	if s != nil {
		return s
	}
	return rawWriter{t.mgr}
}

// writer is the minimal surface Table needs, satisfied by both *Session
// and a direct-to-store adapter for use outside any undo session.
type writer interface {
	Put(key string, val []byte) error
	Delete(key string) error
	Get(key string) ([]byte, bool, error)
}

type rawWriter struct{ mgr *Manager }

func (w rawWriter) Put(key string, val []byte) error    { return w.mgr.rawSet(key, val) }
func (w rawWriter) Delete(key string) error              { return w.mgr.rawDelete(key) }
func (w rawWriter) Get(key string) ([]byte, bool, error) { return w.mgr.rawGet(key) }

// Insert stores a new object, rejecting a duplicate primary key and any
// violated unique secondary index (spec.md §4.C invariant: unique indexes
// enforce at-most-one object per key).
func (t *Table[T]) Insert(obj *T) error {
	w := t.writer()
	pk := t.pkOf(obj)
	okey := ObjectKey(t.name, pk)
	if _, exists, err := w.Get(okey); err != nil {
		return err
	} else if exists {
		return fmt.Errorf("store: %s: object %q already exists", t.name, pk)
	}
	for _, idx := range t.indexes {
		if !idx.Unique {
			continue
		}
		skey := idx.KeyOf(obj)
		existing, err := t.findUnique(idx, skey)
		if err != nil {
			return err
		}
		if existing != "" {
			return fmt.Errorf("store: %s: unique index %q already has %q", t.name, idx.Name, skey)
		}
	}

	if err := w.Put(okey, t.codec.Encode(obj)); err != nil {
		return err
	}
	for _, idx := range t.indexes {
		ikey := IndexKey(t.name, idx.Name, idx.KeyOf(obj), pk)
		if err := w.Put(ikey, []byte(pk)); err != nil {
			return err
		}
	}
	return nil
}

// Modify replaces an existing object, re-keying any secondary index whose
// value changed.
func (t *Table[T]) Modify(obj *T) error {
	w := t.writer()
	pk := t.pkOf(obj)
	okey := ObjectKey(t.name, pk)
	old, exists, err := w.Get(okey)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("store: %s: object %q does not exist", t.name, pk)
	}
	oldObj, err := t.codec.Decode(old)
	if err != nil {
		return err
	}

	for _, idx := range t.indexes {
		oldKey := idx.KeyOf(oldObj)
		newKey := idx.KeyOf(obj)
		if oldKey == newKey {
			continue
		}
		if err := w.Delete(IndexKey(t.name, idx.Name, oldKey, pk)); err != nil {
			return err
		}
		if err := w.Put(IndexKey(t.name, idx.Name, newKey, pk), []byte(pk)); err != nil {
			return err
		}
	}
	return w.Put(okey, t.codec.Encode(obj))
}

// Remove deletes an object and every secondary index entry pointing at it.
func (t *Table[T]) Remove(pk string) error {
	w := t.writer()
	okey := ObjectKey(t.name, pk)
	old, exists, err := w.Get(okey)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	oldObj, err := t.codec.Decode(old)
	if err != nil {
		return err
	}
	for _, idx := range t.indexes {
		if err := w.Delete(IndexKey(t.name, idx.Name, idx.KeyOf(oldObj), pk)); err != nil {
			return err
		}
	}
	return w.Delete(okey)
}

// Get looks up an object by primary key.
func (t *Table[T]) Get(pk string) (*T, bool, error) {
	w := t.writer()
	raw, exists, err := w.Get(ObjectKey(t.name, pk))
	if err != nil || !exists {
		return nil, exists, err
	}
	obj, err := t.codec.Decode(raw)
	return obj, true, err
}

func (t *Table[T]) findUnique(idx IndexDef[T], skey string) (string, error) {
	matches, err := t.mgr.scanPrefix(IndexPrefix(t.name, idx.Name, skey))
	if err != nil {
		return "", err
	}
	for _, pk := range matches {
		return string(pk), nil
	}
	return "", nil
}

// FindBy returns every object whose index idxName equals skey, in no
// particular order (a non-unique index is a set, per IndexKey's doc).
func (t *Table[T]) FindBy(idxName, skey string) ([]*T, error) {
	matches, err := t.mgr.scanPrefix(IndexPrefix(t.name, idxName, skey))
	if err != nil {
		return nil, err
	}
	out := make([]*T, 0, len(matches))
	for _, pkBytes := range matches {
		obj, exists, err := t.Get(string(pkBytes))
		if err != nil {
			return nil, err
		}
		if exists {
			out = append(out, obj)
		}
	}
	return out, nil
}
