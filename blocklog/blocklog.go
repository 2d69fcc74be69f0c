// Package blocklog is the append-only, irreversible block history
// (spec.md §4.A): a height-keyed primary record, an id->height secondary
// index, and the highest height written so far. Grounded on
// db/mange_block.go's SaveBlock/GetBlock/GetBlockByID/GetLatestBlockHeight/
// BlockExists, carried over 1:1 onto the store package's badger-backed
// keys instead of the teacher's bespoke key scheme.
package blocklog

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"strconv"

	"chainctl/chainerr"
	"chainctl/merkle"
	"chainctl/store"
	"chainctl/types"
	"chainctl/wire"
)

const tableName = "blocklog"

// Log is the append-only block history. Unlike the rest of the chain
// state, it is never rolled back by an undo session: once a block lands
// here it is final (spec.md invariant: the block log only grows).
type Log struct {
	mgr *store.Manager
}

// Open wraps mgr as a block log.
func Open(mgr *store.Manager) *Log {
	return &Log{mgr: mgr}
}

func heightKey(height uint64) string {
	return store.ObjectKey(tableName, strconv.FormatUint(height, 10))
}

func idKey(id string) string {
	return store.IndexKey(tableName, "by_id", id, "")
}

func latestKey() string {
	return store.ObjectKey(tableName, "__latest")
}

// envelope wraps an encoded block with a trailing CRC32 so a torn or
// bit-rotted record is detected on read rather than silently misparsed
// (spec.md §4.A: "fails with corrupt_log when header/CRC checks fail").
func envelope(blob []byte) []byte {
	var sum [4]byte
	binary.BigEndian.PutUint32(sum[:], crc32.ChecksumIEEE(blob))
	return append(blob, sum[:]...)
}

func unenvelope(raw []byte) ([]byte, error) {
	if len(raw) < 4 {
		return nil, fmt.Errorf("blocklog: record too short: %w", chainerr.ErrCorruptLog)
	}
	blob, sum := raw[:len(raw)-4], raw[len(raw)-4:]
	if binary.BigEndian.Uint32(sum) != crc32.ChecksumIEEE(blob) {
		return nil, fmt.Errorf("blocklog: checksum mismatch: %w", chainerr.ErrCorruptLog)
	}
	return blob, nil
}

// Append writes block at the end of the log. It is an error to append
// anything other than the immediate successor of the current head, since
// the block log is a strict, gap-free sequence (spec.md §4.A); an empty
// log accepts height 0 or 1 as its first block. Append does not take the
// store's write lock itself: the controller reaches it from
// AdvanceIrreversibility, which already holds that lock.
func (l *Log) Append(block *types.Block) (string, error) {
	height := block.Header.Height
	if height > 0 {
		head, ok, err := l.LatestHeight()
		if err != nil {
			return "", err
		}
		if (ok && head != height-1) || (!ok && height != 1) {
			return "", fmt.Errorf("blocklog: append height %d out of sequence (head %d, ok=%v)", height, head, ok)
		}
	}

	id := merkle.BlockID(&block.Header)
	blob, err := wire.EncodeBlock(block)
	if err != nil {
		return "", err
	}

	if err := l.mgr.Set(heightKey(height), envelope(blob)); err != nil {
		return "", err
	}
	if err := l.mgr.Set(idKey(id), []byte(strconv.FormatUint(height, 10))); err != nil {
		return "", err
	}
	if err := l.mgr.Set(latestKey(), []byte(strconv.FormatUint(height, 10))); err != nil {
		return "", err
	}
	return id, nil
}

// GetByHeight returns the block stored at height.
func (l *Log) GetByHeight(height uint64) (*types.Block, bool, error) {
	raw, exists, err := l.mgr.Get(heightKey(height))
	if err != nil || !exists {
		return nil, exists, err
	}
	blob, err := unenvelope(raw)
	if err != nil {
		return nil, true, err
	}
	b, err := wire.DecodeBlock(blob)
	return b, true, err
}

// GetByID returns the block whose content-address is id.
func (l *Log) GetByID(id string) (*types.Block, bool, error) {
	raw, exists, err := l.mgr.Get(idKey(id))
	if err != nil || !exists {
		return nil, false, err
	}
	height, err := strconv.ParseUint(string(raw), 10, 64)
	if err != nil {
		return nil, false, fmt.Errorf("blocklog: corrupt id index for %q: %w", id, err)
	}
	return l.GetByHeight(height)
}

// Exists reports whether id names an irreversible block.
func (l *Log) Exists(id string) (bool, error) {
	_, exists, err := l.mgr.Get(idKey(id))
	return exists, err
}

// LatestHeight returns the height of the last appended block, or
// (0, false) if the log is empty.
func (l *Log) LatestHeight() (uint64, bool, error) {
	raw, exists, err := l.mgr.Get(latestKey())
	if err != nil || !exists {
		return 0, exists, err
	}
	h, err := strconv.ParseUint(string(raw), 10, 64)
	return h, true, err
}
