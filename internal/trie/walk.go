package trie

import "triedb/internal/arena"

// ForEach walks every live entry in the trie, in sorted key order, and
// calls fn once per entry. It exists for resource collection's compaction
// copy, which needs to enumerate the whole trie once to rebuild it
// elsewhere -- unlike FindPrefix, which matches the query key against a
// single descent, this walks the full tree and is not exposed as a public
// iteration API.
func (d *Dict) ForEach(fn func(key, value []byte) error) error {
	off := d.hdr.Root()
	if off == arena.NullOffset {
		return nil
	}

	type frame struct {
		n       node
		prefix  []byte
		idx     int
		emitted bool
	}

	root, err := d.mem.Node(off)
	if err != nil {
		return err
	}
	stack := []frame{{n: root}}

	for len(stack) > 0 {
		top := &stack[len(stack)-1]

		if !top.emitted {
			top.emitted = true
			if top.n.hasValue() {
				v, err := d.mem.ReadValue(top.n)
				if err != nil {
					return err
				}
				if err := fn(top.prefix, v); err != nil {
					return err
				}
			}
		}

		if top.idx >= top.n.count() {
			stack = stack[:len(stack)-1]
			continue
		}

		e := top.n.edge(top.idx)
		top.idx++

		label, err := d.mem.readLabel(e)
		if err != nil {
			return err
		}
		child, err := d.mem.Node(e.childOff())
		if err != nil {
			return err
		}
		childPrefix := append(append([]byte(nil), top.prefix...), label...)
		stack = append(stack, frame{n: child, prefix: childPrefix})
	}
	return nil
}
