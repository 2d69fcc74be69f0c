// Package chainerr defines the sentinel error taxonomy of spec.md §7.
// Call sites wrap these with fmt.Errorf("...: %w", sentinel) to attach
// context, matching the teacher's error-wrapping idiom throughout db/*.go.
package chainerr

import "errors"

var (
	// ErrUnknownBlock: fork DB / block log query miss.
	ErrUnknownBlock = errors.New("unknown_block")
	// ErrPopEmptyChain: pop_block called with nothing to pop.
	ErrPopEmptyChain = errors.New("pop_empty_chain")

	// ErrBlockValidate: header, signature, merkle mismatch, wrong
	// producer, wrong slot, illegal new_producers.
	ErrBlockValidate = errors.New("block_validate")

	// ErrTransaction: expired, too-far-future, bad scope ordering, scope
	// intersection, missing write-scope for authorizer, bad TaPoS.
	ErrTransaction = errors.New("transaction")

	ErrTxDuplicate      = errors.New("tx_duplicate")
	ErrTxMissingSigs    = errors.New("tx_missing_sigs")
	ErrTxIrrelevantSig  = errors.New("tx_irrelevant_sig")
	ErrTxIrrelevantAuth = errors.New("tx_irrelevant_auth")

	ErrUnknownAccount = errors.New("unknown_account")

	// ErrCheckpointMismatch is fatal for the block under evaluation.
	ErrCheckpointMismatch = errors.New("checkpoint_mismatch")

	// ErrNoCommonAncestor signals a fork DB invariant violation; fatal.
	ErrNoCommonAncestor = errors.New("no_common_ancestor")

	// ErrCorruptLog signals a torn or checksum-mismatched block log
	// record.
	ErrCorruptLog = errors.New("corrupt_log")
)
