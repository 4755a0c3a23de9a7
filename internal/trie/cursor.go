package trie

// cursorMatch is one stored key found to be a prefix of the query key
// passed to Dict.FindPrefix, in the order encountered along the descent.
type cursorMatch struct {
	key   []byte
	value []byte
}

// Cursor is the resumable iterator Dict.FindPrefix returns: every stored
// key that is a prefix of the query key, in increasing length order.
// Matches are collected once, during FindPrefix's single walk down the
// query key, since there can be no more of them than bytes in that key;
// Next simply plays them back one at a time.
type Cursor struct {
	matches []cursorMatch
	pos     int
}

// Next advances the cursor and returns the next (key, value) pair. ok is
// false once every match has been returned.
func (c *Cursor) Next() (key, value []byte, ok bool, err error) {
	if c.pos >= len(c.matches) {
		return nil, nil, false, nil
	}
	m := c.matches[c.pos]
	c.pos++
	return m.key, m.value, true, nil
}
