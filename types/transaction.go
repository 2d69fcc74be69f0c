package types

import "time"

// PermissionLevel names a permission by the account that owns it.
type PermissionLevel struct {
	Actor      string
	Permission string
}

// Action is one contract invocation inside a transaction.
type Action struct {
	Scope         string
	Name          string
	Authorization []PermissionLevel
	Data          []byte
}

// SignedTransaction is the unit of work pushed to the controller.
// read_scope and write_scope must each be sorted ascending and unique, and
// disjoint from one another (spec.md §3 invariant 5).
type SignedTransaction struct {
	Expiration     time.Time
	RefBlockNum    uint32
	RefBlockPrefix uint32
	ReadScope      []string
	WriteScope     []string
	Actions        []Action
	Signatures     [][]byte
}

// ID is the content hash of the transaction; callers obtain it via
// merkle.TransactionID and treat SignedTransaction as otherwise unkeyed.

// ActionTrace is the observable record of one action's execution.
type ActionTrace struct {
	Receiver              string
	Action                Action
	Console               string
	GeneratedTransactions []*SignedTransaction
	RegionID              uint32
	CycleIndex            uint32
	ShardIndex            uint32
}

// TransactionTrace is the result of applying one transaction. NetUsage and
// CPUUsage are tracked but never enforced (spec.md Non-goals; SPEC_FULL.md
// §9 Open Question (c)).
type TransactionTrace struct {
	ID           string
	Status       ReceiptStatus
	ActionTraces []ActionTrace
	NetUsage     uint64
	CPUUsage     uint64
}
