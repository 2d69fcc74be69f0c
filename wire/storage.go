package wire

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"chainctl/types"
)

// At-rest persistence uses encoding/gob rather than the canonical Buffer
// encoders above: Buffer's encoders are one-way (they deliberately omit
// signatures and are used only to produce hash/sign payloads), while the
// block log needs a full, reversible encoding of every field. The
// teacher's equivalent round-trip format is protoc-generated (`pb`
// package's ProtoMarshal/ProtoUnmarshal); without running protoc we
// cannot safely hand-author a conforming proto.Message (see DESIGN.md), so
// persisted records use the standard library's own generic Go object
// encoder instead.

// EncodeBlock serializes a full block for storage.
func EncodeBlock(b *types.Block) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(b); err != nil {
		return nil, fmt.Errorf("wire: encode block: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeBlock deserializes a block previously written by EncodeBlock.
func DecodeBlock(raw []byte) (*types.Block, error) {
	var b types.Block
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&b); err != nil {
		return nil, fmt.Errorf("wire: decode block: %w", err)
	}
	return &b, nil
}

// EncodeGeneratedTransaction serializes a deferred transaction for the
// generated-transaction table (spec.md §4.F).
func EncodeGeneratedTransaction(tx *types.SignedTransaction) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(tx); err != nil {
		return nil, fmt.Errorf("wire: encode generated transaction: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeGeneratedTransaction deserializes a transaction previously written
// by EncodeGeneratedTransaction.
func DecodeGeneratedTransaction(raw []byte) (*types.SignedTransaction, error) {
	var tx types.SignedTransaction
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&tx); err != nil {
		return nil, fmt.Errorf("wire: decode generated transaction: %w", err)
	}
	return &tx, nil
}

// EncodeForkItem serializes a fork-database item with gob. The fork
// database itself keeps items in memory and does not call it.
func EncodeForkItem(i *types.ForkItem) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(i); err != nil {
		return nil, fmt.Errorf("wire: encode fork item: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeForkItem deserializes a fork-database item.
func DecodeForkItem(raw []byte) (*types.ForkItem, error) {
	var i types.ForkItem
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&i); err != nil {
		return nil, fmt.Errorf("wire: decode fork item: %w", err)
	}
	return &i, nil
}
