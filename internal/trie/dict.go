package trie

import (
	"go.uber.org/zap"

	"triedb/internal/arena"
	"triedb/internal/compare"
	"triedb/internal/errs"
	"triedb/internal/header"
)

// Dict is the single-writer trie API built on top of DictMem: key-ordered
// traversal, edge splitting, and node collapse on removal. All methods
// here assume the caller holds the writer's exclusive handle lock
// (internal/handle); there is no internal locking.
type Dict struct {
	mem    *DictMem
	hdr    *header.Header
	logger *zap.Logger
}

// NewDict wraps mem and the header record used for the root pointer and
// entry count. The logger defaults to a no-op one; callers that want
// mutation/recovery logging should call SetLogger.
func NewDict(mem *DictMem, hdr *header.Header) *Dict {
	return &Dict{mem: mem, hdr: hdr, logger: zap.NewNop()}
}

// SetLogger installs the logger used for per-mutation debug lines and
// per-recovery-action warnings. Passing nil restores the no-op logger.
func (d *Dict) SetLogger(logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	d.logger = logger
}

// root returns the offset of the root node, allocating and publishing one
// if the trie is empty.
func (d *Dict) root() (uint64, node, error) {
	off := d.hdr.Root()
	if off != arena.NullOffset {
		n, err := d.mem.Node(off)
		return off, n, err
	}
	off, n, err := d.mem.AllocNode(1)
	if err != nil {
		return 0, node{}, err
	}
	d.hdr.SetRoot(off)
	return off, n, nil
}

// Add inserts key with value. If key already exists and overwrite is
// false, it returns errs.InDict; otherwise the existing value's
// allocation is replaced.
func (d *Dict) Add(key, value []byte, overwrite bool) (err error) {
	if len(key) == 0 {
		return errs.InvalidArg
	}
	defer func() {
		if err == nil {
			d.logger.Debug("add", zap.Int("key_len", len(key)), zap.Int("value_len", len(value)), zap.Bool("overwrite", overwrite))
		}
	}()

	nodeOff, n, rootErr := d.root()
	if rootErr != nil {
		return rootErr
	}

	remaining := key
	for {
		if len(remaining) == 0 {
			hadValue := n.hasValue()
			if hadValue && !overwrite {
				return errs.InDict
			}
			if err := d.mem.WriteValue(nodeOff, n, value); err != nil {
				return err
			}
			if !hadValue {
				d.hdr.IncEntryCount(1)
			}
			return nil
		}

		b := remaining[0]
		idx, found := compare.SearchFirstBytes(n.firstBytes(), b)
		if !found {
			return d.insertNewEdge(nodeOff, n, idx, remaining, value)
		}

		e := n.edge(idx)
		label, err := d.mem.readLabel(e)
		if err != nil {
			return err
		}
		cpl := compare.CommonPrefixLen(label, remaining)

		switch {
		case cpl == len(label):
			// Whole edge consumed; descend into its child.
			childOff := e.childOff()
			child, err := d.mem.Node(childOff)
			if err != nil {
				return err
			}
			nodeOff, n, remaining = childOff, child, remaining[cpl:]
		default:
			// Partial match: split the edge at cpl.
			return d.splitEdge(nodeOff, n, idx, e, label, cpl, remaining, value)
		}
	}
}

// insertNewEdge adds a brand new edge at pos for the unmatched suffix
// remaining, whose child is a fresh leaf node holding value. When the
// node is already at capacity, or the in-place shift wouldn't fit in a
// single journal entry, it rebuilds the node through the copy-on-write
// path instead, growing it to the next capacity tier.
func (d *Dict) insertNewEdge(nodeOff uint64, n node, pos int, remaining, value []byte) error {
	leafOff, leaf, err := d.mem.AllocNode(1)
	if err != nil {
		return err
	}
	if err := d.mem.WriteValue(leafOff, leaf, value); err != nil {
		return err
	}

	if err := d.mem.AddChild(nodeOff, n, pos, remaining[0], remaining, leafOff); err == errs.NoMemory {
		if _, err := d.rebuildWithInsert(nodeOff, n, pos, remaining[0], remaining, leafOff); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	d.hdr.IncEntryCount(1)
	d.hdr.BumpEpoch()
	return nil
}

// splitEdge breaks the edge at idx (whose label only shares a cpl-byte
// prefix with remaining) into an intermediate node with two children: the
// original suffix and the new key's suffix.
func (d *Dict) splitEdge(nodeOff uint64, n node, idx int, e edge, label []byte, cpl int, remaining, value []byte) error {
	midOff, mid, err := d.mem.AllocNode(2)
	if err != nil {
		return err
	}

	oldChildOff := e.childOff()
	oldSuffix := label[cpl:]
	if err := d.mem.AddChild(midOff, mid, 0, oldSuffix[0], oldSuffix, oldChildOff); err != nil {
		return err
	}

	newSuffix := remaining[cpl:]
	if len(newSuffix) == 0 {
		if err := d.mem.WriteValue(midOff, mid, value); err != nil {
			return err
		}
	} else {
		leafOff, leaf, err := d.mem.AllocNode(1)
		if err != nil {
			return err
		}
		if err := d.mem.WriteValue(leafOff, leaf, value); err != nil {
			return err
		}
		pos, _ := compare.SearchFirstBytes(mid.firstBytes(), newSuffix[0])
		if err := d.mem.AddChild(midOff, mid, pos, newSuffix[0], newSuffix, leafOff); err != nil {
			return err
		}
	}

	if err := d.mem.RelabelEdge(nodeOff, n, idx, label[:cpl], midOff); err != nil {
		return err
	}

	d.hdr.IncEntryCount(1)
	d.hdr.BumpEpoch()
	return nil
}

// rebuildWithInsert constructs a fresh node containing n's existing edges
// plus the new one at pos, then atomically repoints whoever references
// nodeOff at the new node and frees the old one. Because the new node is
// unreferenced until that single repoint, no byte-range journal is
// needed regardless of how many edges are copied -- this is the path
// taken whenever the in-place shift in AddChild would be too large for
// the exception buffer, as well as whenever a node's tier is full.
func (d *Dict) rebuildWithInsert(nodeOff uint64, n node, pos int, firstByte byte, label []byte, childOff uint64) (uint64, error) {
	tier := n.tier()
	if n.count() >= n.capacity() {
		tier++
		if tier >= len(capacityTiers) {
			return 0, errs.NoMemory
		}
	}

	newOff, newN, err := d.mem.AllocNode(capacityTiers[tier])
	if err != nil {
		return 0, err
	}
	newN.setHasValue(n.hasValue())
	newN.setDataOff(n.dataOff())
	newN.setDataLen(n.dataLen())

	c := n.count()
	for i := 0; i < pos; i++ {
		newN.edge(i).copyFrom(n.edge(i))
	}
	e := newN.edge(pos)
	e.setFirstByte(firstByte)
	e.setChildOff(childOff)
	if err := d.mem.writeLabel(e, label); err != nil {
		return 0, err
	}
	for i := pos; i < c; i++ {
		newN.edge(i + 1).copyFrom(n.edge(i))
	}
	newN.setCount(c + 1)

	if err := d.repoint(nodeOff, newOff); err != nil {
		return 0, err
	}
	d.mem.FreeNode(nodeOff, n)
	return newOff, nil
}

// rebuildWithoutEdge is rebuildWithInsert's counterpart for RemoveChild:
// it builds a fresh same-tier node with every edge except pos, repoints
// nodeOff's referrer at it, and frees the old node. Used only when the
// compacting shift RemoveChild would perform doesn't fit in one journal
// entry.
func (d *Dict) rebuildWithoutEdge(nodeOff uint64, n node, pos int) error {
	e := n.edge(pos)
	d.mem.freeLabel(e)

	newOff, newN, err := d.mem.AllocNode(n.capacity())
	if err != nil {
		return err
	}
	newN.setHasValue(n.hasValue())
	newN.setDataOff(n.dataOff())
	newN.setDataLen(n.dataLen())

	c := n.count()
	w := 0
	for i := 0; i < c; i++ {
		if i == pos {
			continue
		}
		newN.edge(w).copyFrom(n.edge(i))
		w++
	}
	newN.setCount(w)

	if err := d.repoint(nodeOff, newOff); err != nil {
		return err
	}
	d.mem.FreeNode(nodeOff, n)
	return nil
}

// repoint rewrites whichever pointer currently references oldOff (the
// root pointer, or a parent edge's childOff) to newOff. It is used after
// a node rebuild; since the new node is unpublished until this call
// succeeds, a crash before it simply orphans the new node's allocation
// (reclaimed by the next resource collection pass) and a crash after it
// orphans the old one -- both leave the trie structurally intact, so this
// step needs no byte-level undo journal, only the header's exception
// slot cleared afterward for symmetry with the other mutations.
func (d *Dict) repoint(oldOff, newOff uint64) error {
	d.hdr.BeginException(header.ExceptionAddNode, newOff, oldOff, nil)
	if d.hdr.Root() == oldOff {
		d.hdr.SetRoot(newOff)
	} else if _, pn, pidx, ok, err := d.findParentEdge(oldOff); err != nil {
		return err
	} else if ok {
		pn.edge(pidx).setChildOff(newOff)
	}
	d.hdr.CommitException()
	return nil
}

// findParentEdge walks from the root to find the edge whose child is
// target, so repoint can rewrite it. This is only reachable while the
// writer holds exclusive access, so a plain root-to-leaf walk is safe.
func (d *Dict) findParentEdge(target uint64) (parentOff uint64, parent node, edgeIdx int, ok bool, err error) {
	rootOff := d.hdr.Root()
	if rootOff == arena.NullOffset {
		return 0, node{}, 0, false, nil
	}
	var walk func(off uint64) (bool, error)
	walk = func(off uint64) (bool, error) {
		n, err := d.mem.Node(off)
		if err != nil {
			return false, err
		}
		for i := 0; i < n.count(); i++ {
			child := n.edge(i).childOff()
			if child == target {
				parentOff, parent, edgeIdx, ok = off, n, i, true
				return true, nil
			}
			if found, err := walk(child); err != nil || found {
				return found, err
			}
		}
		return false, nil
	}
	found, err := walk(rootOff)
	return parentOff, parent, edgeIdx, found, err
}

// Find returns the value stored for key, or errs.NotExist.
func (d *Dict) Find(key []byte) ([]byte, error) {
	off := d.hdr.Root()
	if off == arena.NullOffset {
		return nil, errs.NotExist
	}

	for retry := 0; ; retry++ {
		value, retryable, err := d.findOnce(off, key)
		if !retryable {
			return value, err
		}
		if retry > 64 {
			return nil, errs.TryAgain
		}
	}
}

// FindAndDelete looks up key and, if present, removes it in the same
// call, returning the value it held. Since Dict has exactly one writer
// and no other goroutine can interleave a mutation between the lookup
// and the removal, this is just Find followed by Remove -- the single-
// writer discipline already gives it the atomicity a find-then-delete
// needs.
func (d *Dict) FindAndDelete(key []byte) ([]byte, error) {
	value, err := d.Find(key)
	if err != nil {
		return nil, err
	}
	if err := d.Remove(key); err != nil {
		return nil, err
	}
	return value, nil
}

// findOnce performs one lock-free descent. retryable is true when it
// observed an in-progress edge and should be retried from the root.
func (d *Dict) findOnce(rootOff uint64, key []byte) (value []byte, retryable bool, err error) {
	nodeOff := rootOff
	remaining := key
	for {
		n, err := d.mem.Node(nodeOff)
		if err != nil {
			return nil, false, err
		}
		if len(remaining) == 0 {
			if !n.hasValue() {
				return nil, false, errs.NotExist
			}
			v, err := d.mem.ReadValue(n)
			return v, false, err
		}

		idx, found := compare.SearchFirstBytes(n.firstBytes(), remaining[0])
		if !found {
			return nil, false, errs.NotExist
		}
		e := n.edge(idx)
		if e.inProgress() {
			return nil, true, nil
		}
		label, err := d.mem.readLabel(e)
		if err != nil {
			return nil, false, err
		}
		cpl := compare.CommonPrefixLen(label, remaining)
		if cpl != len(label) {
			return nil, false, errs.NotExist
		}
		nodeOff, remaining = e.childOff(), remaining[cpl:]
	}
}

// FindLongestPrefix returns the value and matched-length of the longest
// key in the trie that is a prefix of key.
func (d *Dict) FindLongestPrefix(key []byte) (matchedLen int, value []byte, err error) {
	off := d.hdr.Root()
	if off == arena.NullOffset {
		return 0, nil, errs.NotExist
	}

	remaining := key
	consumed := 0
	bestLen := -1
	var best []byte
	for {
		n, err := d.mem.Node(off)
		if err != nil {
			return 0, nil, err
		}
		if n.hasValue() {
			if v, err := d.mem.ReadValue(n); err == nil {
				bestLen, best = consumed, v
			}
		}
		if len(remaining) == 0 {
			break
		}
		idx, found := compare.SearchFirstBytes(n.firstBytes(), remaining[0])
		if !found {
			break
		}
		e := n.edge(idx)
		label, err := d.mem.readLabel(e)
		if err != nil {
			return 0, nil, err
		}
		cpl := compare.CommonPrefixLen(label, remaining)
		if cpl != len(label) {
			break
		}
		off, remaining, consumed = e.childOff(), remaining[cpl:], consumed+cpl
	}
	if bestLen < 0 {
		return 0, nil, errs.NotExist
	}
	return bestLen, best, nil
}

// FindPrefix walks key exactly once -- the same single-path descent as
// FindLongestPrefix -- and returns a cursor over every stored key that is
// a prefix of key, in increasing length order. Unlike a subtree scan, the
// number of matches is bounded by len(key): there is at most one terminal
// node per byte consumed, so collecting them eagerly here costs no more
// than the descent itself.
func (d *Dict) FindPrefix(key []byte) (*Cursor, error) {
	off := d.hdr.Root()
	if off == arena.NullOffset {
		return &Cursor{}, nil
	}

	var matches []cursorMatch
	remaining := key
	consumed := 0
	for {
		n, err := d.mem.Node(off)
		if err != nil {
			return nil, err
		}
		if n.hasValue() {
			v, err := d.mem.ReadValue(n)
			if err != nil {
				return nil, err
			}
			matches = append(matches, cursorMatch{
				key:   append([]byte(nil), key[:consumed]...),
				value: v,
			})
		}
		if len(remaining) == 0 {
			break
		}
		idx, found := compare.SearchFirstBytes(n.firstBytes(), remaining[0])
		if !found {
			break
		}
		e := n.edge(idx)
		label, err := d.mem.readLabel(e)
		if err != nil {
			return nil, err
		}
		cpl := compare.CommonPrefixLen(label, remaining)
		if cpl != len(label) {
			break
		}
		off, remaining, consumed = e.childOff(), remaining[cpl:], consumed+cpl
	}
	return &Cursor{matches: matches}, nil
}

// removeFrame records one step of the root-to-leaf path Remove walks, so
// collapse can unwind it afterward.
type removeFrame struct {
	off uint64
	n   node
	idx int // index of the edge in n that was followed
}

// Remove deletes key, collapsing a chain of now-single-child nodes back
// into their parent edge where possible. It returns errs.NotExist if key
// is absent.
func (d *Dict) Remove(key []byte) (err error) {
	defer func() {
		if err == nil {
			d.logger.Debug("remove", zap.Int("key_len", len(key)))
		}
	}()

	off := d.hdr.Root()
	if off == arena.NullOffset {
		return errs.NotExist
	}

	var path []removeFrame
	remaining := key
	cur := off

	for {
		n, err := d.mem.Node(cur)
		if err != nil {
			return err
		}
		if len(remaining) == 0 {
			if !n.hasValue() {
				return errs.NotExist
			}
			if err := d.mem.ClearValue(cur, n); err != nil {
				return err
			}
			d.hdr.IncEntryCount(-1)
			return d.collapse(path, cur, n)
		}
		idx, found := compare.SearchFirstBytes(n.firstBytes(), remaining[0])
		if !found {
			return errs.NotExist
		}
		e := n.edge(idx)
		label, err := d.mem.readLabel(e)
		if err != nil {
			return err
		}
		cpl := compare.CommonPrefixLen(label, remaining)
		if cpl != len(label) {
			return errs.NotExist
		}
		path = append(path, removeFrame{off: cur, n: n, idx: idx})
		cur, remaining = e.childOff(), remaining[cpl:]
	}
}

// collapse removes dead leaf nodes and merges single-child chains back
// into their parent's edge label, walking the path recorded by Remove
// from the deleted node back up to the root.
func (d *Dict) collapse(path []removeFrame, deletedOff uint64, deleted node) error {
	cur, curOff := deleted, deletedOff
	for i := len(path) - 1; i >= 0; i-- {
		parent, parentOff, idx := path[i].n, path[i].off, path[i].idx

		switch {
		case cur.count() > 1 || cur.hasValue():
			// cur still branches or holds its own value; nothing further
			// up the chain can be collapsed.
			return nil

		case cur.count() == 0 && !cur.hasValue():
			// cur is now completely dead; remove the edge leading to it
			// and keep unwinding, since parent may now qualify too.
			if err := d.mem.RemoveChild(parentOff, parent, idx); err == errs.NoMemory {
				if err := d.rebuildWithoutEdge(parentOff, parent, idx); err != nil {
					return err
				}
			} else if err != nil {
				return err
			}
			d.mem.FreeNode(curOff, cur)
			d.hdr.BumpEpoch()
			cur, curOff = parent, parentOff
			continue

		default:
			// cur has exactly one remaining child and no value of its
			// own: fold it into the parent edge by concatenating labels,
			// eliminating the redundant single-child node.
			childEdge := cur.edge(0)
			childLabel, err := d.mem.readLabel(childEdge)
			if err != nil {
				return err
			}
			parentEdge := parent.edge(idx)
			parentLabel, err := d.mem.readLabel(parentEdge)
			if err != nil {
				return err
			}
			merged := append(append([]byte(nil), parentLabel...), childLabel...)
			if err := d.mem.RelabelEdge(parentOff, parent, idx, merged, childEdge.childOff()); err != nil {
				return err
			}
			d.mem.FreeNode(curOff, cur)
			d.hdr.BumpEpoch()
			return nil
		}
	}
	return nil
}

// RemoveAll empties the trie in O(1) by resetting both arenas' bookkeeping.
func (d *Dict) RemoveAll() {
	d.hdr.Reinit()
	d.logger.Debug("remove_all")
}
