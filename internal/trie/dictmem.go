package trie

import (
	"triedb/internal/arena"
	"triedb/internal/errs"
	"triedb/internal/header"
)

// DictMem owns the two arenas backing the trie -- index (nodes and edges)
// and data (overflow labels and leaf values) -- and journals every
// destructive slot rewrite through the header before performing it. It has
// no notion of keys or traversal order; that lives in Dict, above it.
type DictMem struct {
	idx *arena.Arena
	dat *arena.Arena
	hdr *header.Header
}

// NewDictMem wraps already-opened arenas and the header record.
func NewDictMem(idx, dat *arena.Arena, hdr *header.Header) *DictMem {
	return &DictMem{idx: idx, dat: dat, hdr: hdr}
}

// AllocNode allocates and zeroes a node at the smallest tier holding at
// least minEdges slots.
func (m *DictMem) AllocNode(minEdges int) (uint64, node, error) {
	t := tierFor(minEdges)
	if t < 0 {
		return 0, node{}, errs.InvalidArg
	}
	off, err := m.idx.Alloc(uint64(nodeSize(t)))
	if err != nil {
		return 0, node{}, translateAllocErr(err)
	}
	buf, err := m.idx.Bytes(off, uint64(nodeSize(t)))
	if err != nil {
		return 0, node{}, err
	}
	return off, initNode(buf, t), nil
}

// FreeNode returns a node's slot to the index arena's free list. It is
// only ever called on a node that is already unreferenced (its repoint or
// removal committed first), so unlike AddChild/RemoveChild it needs no
// journal entry of its own.
func (m *DictMem) FreeNode(off uint64, n node) {
	m.idx.Free(off, uint64(nodeSize(n.tier())))
}

// Node loads the node at off.
func (m *DictMem) Node(off uint64) (node, error) {
	// A node's size depends on its own tier byte, so peek the header first.
	hdrBuf, err := m.idx.Bytes(off, nodeHeaderSize)
	if err != nil {
		return node{}, err
	}
	t := int(hdrBuf[1])
	if t < 0 || t >= len(capacityTiers) {
		return node{}, errs.OutOfBound
	}
	buf, err := m.idx.Bytes(off, uint64(nodeSize(t)))
	if err != nil {
		return node{}, err
	}
	return newNode(buf), nil
}

// writeLabel stores label in an edge slot, inline if it fits, otherwise as
// an overflow allocation in the data arena.
func (m *DictMem) writeLabel(e edge, label []byte) error {
	e.setLabelLen(len(label))
	if len(label) <= inlineLabelLen {
		copy(e.inlineLabel(), label)
		e.setTailOff(arena.NullOffset)
		return nil
	}
	off, err := m.dat.Alloc(uint64(len(label)))
	if err != nil {
		return translateAllocErr(err)
	}
	if err := m.dat.Write(off, label); err != nil {
		return err
	}
	e.setTailOff(off)
	return nil
}

// readLabel reconstructs an edge's full label bytes.
func (m *DictMem) readLabel(e edge) ([]byte, error) {
	n := e.labelLen()
	if n <= inlineLabelLen {
		out := make([]byte, n)
		copy(out, e.inlineLabel()[:n])
		return out, nil
	}
	return m.dat.Bytes(e.tailOff(), uint64(n))
}

// freeLabel releases an edge's overflow label allocation, if any.
func (m *DictMem) freeLabel(e edge) {
	if e.labelLen() > inlineLabelLen {
		m.dat.Free(e.tailOff(), uint64(e.labelLen()))
	}
}

// WriteValue stores a leaf's value bytes in the data arena and stamps the
// node's dataOff/dataLen/hasValue fields. If the node already held a
// value, the old allocation is freed. The node header bytes are journaled
// under ExceptionAddDataOff first, and the old slot is freed only after
// CommitException, so a crash before the new value is published leaves
// the node pointing at its prior, still-valid value (at worst the new
// slot is leaked) rather than a dangling one.
//
// When the header was opened in fixed-data-size mode every value must be
// exactly that many bytes: the database holds one value shape for its
// whole lifetime, so every freed slot is immediately reusable by the next
// write regardless of which key it came from, instead of only by a write
// of the same size class.
func (m *DictMem) WriteValue(nodeOff uint64, n node, value []byte) error {
	if fixed := m.hdr.FixedDataSize(); fixed != 0 && uint32(len(value)) != fixed {
		return errs.InvalidArg
	}

	m.hdr.BeginException(header.ExceptionAddDataOff, nodeOff, 0, n.buf[:nodeHeaderSize])
	if err := m.hdr.Sync(); err != nil {
		return err
	}

	hadOld, oldOff, oldLen := n.hasValue(), n.dataOff(), n.dataLen()
	off, err := m.dat.Alloc(uint64(len(value)))
	if err != nil {
		return translateAllocErr(err)
	}
	if err := m.dat.Write(off, value); err != nil {
		return err
	}
	n.setDataOff(off)
	n.setDataLen(uint32(len(value)))
	n.setHasValue(true)

	m.hdr.CommitException()
	if hadOld {
		m.dat.Free(oldOff, uint64(oldLen))
	}
	return nil
}

// ReadValue returns a copy of n's stored value.
func (m *DictMem) ReadValue(n node) ([]byte, error) {
	if !n.hasValue() {
		return nil, errs.NotExist
	}
	b, err := m.dat.Bytes(n.dataOff(), uint64(n.dataLen()))
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

// ClearValue frees a node's value allocation and clears hasValue.
func (m *DictMem) ClearValue(nodeOff uint64, n node) error {
	if !n.hasValue() {
		return nil
	}
	m.hdr.BeginException(header.ExceptionAddDataOff, nodeOff, 0, n.buf[:nodeHeaderSize])
	if err := m.hdr.Sync(); err != nil {
		return err
	}
	m.dat.Free(n.dataOff(), uint64(n.dataLen()))
	n.setDataOff(arena.NullOffset)
	n.setDataLen(0)
	n.setHasValue(false)
	m.hdr.CommitException()
	return nil
}

// edgeRangeOffset returns the byte offset, relative to the node's own
// start, of edge slot i -- used to address journal pre-images by absolute
// arena position (nodeOff + this) rather than slot index.
func edgeRangeOffset(i int) int { return nodeHeaderSize + i*edgeSize }

// fitsJournal reports whether n contiguous edge slots' pre-image fits in
// a single exception buffer. AddChild/RemoveChild fall back to Dict's
// copy-on-write node rebuild when it doesn't: any insertion or removal
// whose shifted range exceeds ExceptionBufSz/edgeSize (93) edge slots
// moves through a fresh node rather than shifting in place, so the
// journal never needs to cover more than ExceptionBufSz bytes. See DESIGN.md for the reasoning behind this split.
func fitsJournal(slots int) bool { return slots*edgeSize <= header.ExceptionBufSz }

// AddChild inserts (firstByte, label, childOff) into n's edge array in
// sorted position. The whole byte range from pos through the new last
// slot is captured as one pre-image before any of it is touched, so a
// crash at any point during the shift is undone by a single restore of
// that range. If n's tier is full, or the range to shift would not fit
// in the exception buffer, errs.NoMemory signals the caller (Dict) to
// allocate a larger-tier node and repoint the parent instead.
func (m *DictMem) AddChild(nodeOff uint64, n node, pos int, firstByte byte, label []byte, childOff uint64) error {
	c := n.count()
	if c >= n.capacity() || !fitsJournal(c+1-pos) {
		return errs.NoMemory // signals "grow" to the caller
	}

	rangeStart := edgeRangeOffset(pos)
	rangeEnd := edgeRangeOffset(c + 1)
	m.hdr.BeginException(header.ExceptionAddEdge, nodeOff, uint64(rangeStart), n.buf[rangeStart:rangeEnd])
	if err := m.hdr.Sync(); err != nil {
		return err
	}

	for i := c; i > pos; i-- {
		n.edge(i).copyFrom(n.edge(i - 1))
	}
	e := n.edge(pos)
	e.clear()
	e.setFirstByte(firstByte)
	e.setChildOff(childOff)
	e.setInProgress(true)
	if err := m.writeLabel(e, label); err != nil {
		return err
	}
	e.setInProgress(false)
	n.setCount(c + 1)

	m.hdr.CommitException()
	return nil
}

// RemoveChild deletes the edge at pos, freeing its overflow label if any,
// and journals the whole pos..count range as a single pre-image the same
// way AddChild does, so the compacting shift is undone atomically on
// recovery.
func (m *DictMem) RemoveChild(nodeOff uint64, n node, pos int) error {
	c := n.count()
	if !fitsJournal(c - pos) {
		return errs.NoMemory
	}

	e := n.edge(pos)
	rangeStart := edgeRangeOffset(pos)
	rangeEnd := edgeRangeOffset(c)
	m.hdr.BeginException(header.ExceptionRemoveEdge, nodeOff, uint64(rangeStart), n.buf[rangeStart:rangeEnd])
	if err := m.hdr.Sync(); err != nil {
		return err
	}

	m.freeLabel(e)
	for i := pos; i < c-1; i++ {
		n.edge(i).copyFrom(n.edge(i + 1))
	}
	n.edge(c - 1).clear()
	n.setCount(c - 1)

	m.hdr.CommitException()
	return nil
}

// RelabelEdge rewrites an existing edge's label and child pointer in
// place, used when splitting an edge on a partial prefix match. The old
// label's overflow allocation, if any, is freed once the new label is
// durably written.
func (m *DictMem) RelabelEdge(nodeOff uint64, n node, pos int, label []byte, childOff uint64) error {
	e := n.edge(pos)
	m.hdr.BeginException(header.ExceptionAddEdge, nodeOff, uint64(edgeRangeOffset(pos)), e.raw())
	if err := m.hdr.Sync(); err != nil {
		return err
	}

	oldOverflow, oldOverflowLen := e.tailOff(), e.labelLen()
	e.setInProgress(true)
	if err := m.writeLabel(e, label); err != nil {
		return err
	}
	e.setChildOff(childOff)
	e.setInProgress(false)
	if oldOverflowLen > inlineLabelLen {
		m.dat.Free(oldOverflow, uint64(oldOverflowLen))
	}

	m.hdr.CommitException()
	return nil
}

// RestoreIndexBytes overwrites the index arena at offset with buf. Used
// only by crash recovery to replay a journaled pre-image.
func (m *DictMem) RestoreIndexBytes(offset uint64, buf []byte) error {
	return m.idx.Write(offset, buf)
}

func translateAllocErr(err error) error {
	if err == arena.ErrNoMemory {
		return errs.NoMemory
	}
	if err == arena.ErrOutOfBound {
		return errs.OutOfBound
	}
	return err
}
