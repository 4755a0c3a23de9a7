package trie

import (
	"go.uber.org/zap"

	"triedb/internal/errs"
	"triedb/internal/header"
)

// ExceptionRecovery replays any journal entry left by a writer that died
// between BeginException and CommitException. It must be called once,
// before any other mutation, by whichever writer next opens the database.
//
// ADD_EDGE, ADD_DATA_OFF and CLEAR_EDGE each captured a whole byte range
// as their pre-image (see fitsJournal and DictMem.WriteValue/ClearValue)
// because the mutation they guard is meant to be undone on crash: write
// the captured bytes back over the range they came from and the slot
// looks as if the mutation never started. ExceptionAddNode is similar in
// effect but needs no byte repair at all -- it guards a pointer repoint
// during a node rebuild, and since the rebuilt node is unreferenced until
// that repoint succeeds, a crash on either side of it leaves the trie
// structurally valid; at worst one node slot is leaked until the next
// CollectResource pass reclaims it.
//
// REMOVE_EDGE is the odd one out: Remove has already committed to
// detaching the edge by the time it journals, so recovery must finish
// that detachment rather than put the edge back (a caller who crashes
// mid-removal must never see the removed key reappear). See
// redoRemoveEdge.
func (d *Dict) ExceptionRecovery() error {
	class, offset, lfOffset, buf, ok := d.hdr.PendingException()
	if !ok {
		return nil
	}

	d.logger.Warn("replaying pending exception left by a prior writer",
		zap.Stringer("class", class), zap.Uint64("offset", offset))

	switch class {
	case header.ExceptionAddNode:
		// No repair needed; see doc comment above.
	case header.ExceptionRemoveEdge:
		if len(buf) > 0 {
			if err := d.redoRemoveEdge(offset, lfOffset, buf); err != nil {
				return err
			}
		}
	case header.ExceptionAddEdge, header.ExceptionClearEdge, header.ExceptionAddDataOff:
		if len(buf) > 0 {
			if err := d.mem.RestoreIndexBytes(offset+lfOffset, buf); err != nil {
				return err
			}
		}
	default:
		return errs.Unknown
	}

	d.hdr.CommitException()
	return d.hdr.Sync()
}

// redoRemoveEdge finishes a DictMem.RemoveChild compaction that crashed
// between BeginException and CommitException. buf is the pre-image
// RemoveChild captured before touching anything: the untouched slots
// pos..count-1 of the node at nodeOff, with the edge being removed still
// at slot pos. pos and the pre-crash count are both recoverable from the
// journal entry alone (pos from rangeStart, count from len(buf)), so the
// same left-shift-and-clear RemoveChild itself performs can be replayed
// directly from buf regardless of how far the live bytes got torn.
//
// It does not re-free the removed edge's overflow label. RemoveChild
// frees that label before shifting, so a crash after the free but before
// CommitException would make a second free here corrupt the data
// arena's free list; leaving it unfreed in that case merely leaks the
// allocation until the next CollectResource pass, the same fate already
// accepted for ExceptionAddNode's orphaned node slot.
func (d *Dict) redoRemoveEdge(nodeOff, rangeStart uint64, buf []byte) error {
	shifted := make([]byte, len(buf))
	copy(shifted, buf[edgeSize:])
	if err := d.mem.RestoreIndexBytes(nodeOff+rangeStart, shifted); err != nil {
		return err
	}

	pos := int((rangeStart - uint64(nodeHeaderSize)) / uint64(edgeSize))
	numSlots := len(buf) / edgeSize

	n, err := d.mem.Node(nodeOff)
	if err != nil {
		return err
	}
	n.setCount(pos + numSlots - 1)
	return nil
}
