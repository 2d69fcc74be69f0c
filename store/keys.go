// Package store implements the versioned, indexed object store of
// spec.md §4.C: a badger-backed key/value engine wrapped in a stack of
// nested undo sessions (push/squash/undo/commit), with typed secondary
// indexes maintained on every create/modify/remove.
//
// Grounded on db/db.go's Manager (badger wrapper with a background write
// queue) and db/miner_index_manager.go's rebuild-on-boot secondary-index
// pattern, generalized from a fixed set of hand-written tables into a
// small generics-based registry (SPEC_FULL.md §9 design notes).
package store

import "fmt"

// KeyVersion namespaces every key this package writes, the same versioning
// trick as the teacher's keys/keys.go (withVer), so a future encoding
// change can coexist with old data during migration.
const KeyVersion = "v1"

func withVer(s string) string { return KeyVersion + "_" + s }

// ObjectKey is the primary-storage key for one object of type name with
// primary key pk.
func ObjectKey(typeName, pk string) string {
	return withVer(fmt.Sprintf("obj_%s_%s", typeName, pk))
}

// IndexKey is the storage key for one entry of secondary index idxName on
// type typeName, for secondary key skey pointing at primary key pk. The
// primary key is suffixed so distinct objects that share a secondary key
// get distinct index entries (a non-unique index is a set of these).
func IndexKey(typeName, idxName, skey, pk string) string {
	return withVer(fmt.Sprintf("idx_%s_%s_%s_%s", typeName, idxName, skey, pk))
}

// IndexPrefix is the scan prefix for every entry of one secondary key
// value, used by Table.FindBy.
func IndexPrefix(typeName, idxName, skey string) string {
	return withVer(fmt.Sprintf("idx_%s_%s_%s_", typeName, idxName, skey))
}
