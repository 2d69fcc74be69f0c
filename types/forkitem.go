package types

// ForkItem is one unconfirmed block held by the fork database. Go has no
// weak_ptr; child-to-parent linkage is the explicit PreviousID string
// looked up through the fork database's own index rather than a live
// pointer, so item lifetime is governed by forkdb.ForkDB.Remove /
// PopBlock / PruneBelow instead of reference counting (see DESIGN.md).
type ForkItem struct {
	Block      *Block
	ID         string
	Num        uint64
	PreviousID string
}
