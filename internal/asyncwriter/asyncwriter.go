// Package asyncwriter implements the background mutator used when a
// handle is opened in ASYNC_WRITER_MODE: a bounded ring buffer of op
// cells, one producer-facing Submit and one consumer goroutine applying
// ops to the trie in FIFO order. Producers never block on completion,
// only on slot availability -- the ring is a handoff queue, not a
// request/response channel.
package asyncwriter

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// DefaultQueueSize is the ring's slot count absent an explicit override
// (mirrors the construction-time max_num_queue_node default).
const DefaultQueueSize = 500

// Type tags the kind of mutation a queued cell carries.
type Type int

const (
	AddOp Type = iota + 1
	RemoveOp
	RemoveAllOp
	CollectOp
)

func (t Type) String() string {
	switch t {
	case AddOp:
		return "add"
	case RemoveOp:
		return "remove"
	case RemoveAllOp:
		return "remove_all"
	case CollectOp:
		return "collect"
	default:
		return "none"
	}
}

// cell is one ring slot. cond guards inUse: a producer wanting to reuse a
// still-occupied slot waits on it; the consumer broadcasts after it
// finishes applying the slot's op.
type cell struct {
	mu    sync.Mutex
	cond  *sync.Cond
	inUse bool

	typ        Type
	key        []byte
	value      []byte
	overwrite  bool
	rcMinIndex uint64
	rcMinData  uint64
}

// Apply is the mutation callback the writer drives the ring against. It
// is supplied by internal/handle, which owns the trie and the resource
// collector.
type Apply func(typ Type, key, value []byte, overwrite bool, rcMinIndex, rcMinData uint64) error

// Writer owns the ring buffer and its single consumer goroutine.
type Writer struct {
	slots []*cell
	size  uint64
	tail  atomic.Uint64 // next slot a producer will claim

	apply  Apply
	logger *zap.Logger

	attachedUsers atomic.Int64
	closeMu       sync.Mutex
	closeCond     *sync.Cond

	stop     chan struct{}
	wakeCons chan struct{}
	wg       sync.WaitGroup
}

// New builds a ring of size slots (DefaultQueueSize if size <= 0) driving
// apply for every dequeued op.
func New(size int, apply Apply, logger *zap.Logger) *Writer {
	if size <= 0 {
		size = DefaultQueueSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Writer{
		slots:    make([]*cell, size),
		size:     uint64(size),
		apply:    apply,
		logger:   logger,
		stop:     make(chan struct{}),
		wakeCons: make(chan struct{}, 1),
	}
	for i := range w.slots {
		c := &cell{}
		c.cond = sync.NewCond(&c.mu)
		w.slots[i] = c
	}
	w.closeCond = sync.NewCond(&w.closeMu)
	return w
}

// Start launches the consumer goroutine. It is idempotent-unsafe: call
// once per Writer.
func (w *Writer) Start() {
	w.wg.Add(1)
	go w.consume()
}

// Submit claims the next slot in ring order, blocking on that slot's
// condition variable if the consumer hasn't yet freed it, then publishes
// the op and wakes the consumer. It returns once the op is queued, not
// once it has been applied.
func (w *Writer) Submit(typ Type, key, value []byte, overwrite bool, rcMinIndex, rcMinData uint64) {
	idx := w.tail.Add(1) - 1
	c := w.slots[idx%w.size]

	c.mu.Lock()
	for c.inUse {
		c.cond.Wait()
	}
	c.typ = typ
	c.key = append([]byte(nil), key...)
	c.value = append([]byte(nil), value...)
	c.overwrite = overwrite
	c.rcMinIndex = rcMinIndex
	c.rcMinData = rcMinData
	c.inUse = true
	c.mu.Unlock()

	select {
	case w.wakeCons <- struct{}{}:
	default:
	}
}

// AttachReader records a reader process submitting mutations through this
// writer's queue (UpdateNumUsers in the original design). UnsetAsyncWriterPtr
// must balance every AttachReader with a matching Detach.
func (w *Writer) AttachReader() { w.attachedUsers.Add(1) }

// DetachReader releases a prior AttachReader and wakes a Close waiting for
// the attached-reader count to reach zero.
func (w *Writer) DetachReader() {
	w.attachedUsers.Add(-1)
	w.closeMu.Lock()
	w.closeCond.Broadcast()
	w.closeMu.Unlock()
}

// AttachedReaders reports the current reader-attach count.
func (w *Writer) AttachedReaders() int64 { return w.attachedUsers.Load() }

// Drained reports whether every slot is currently unclaimed.
func (w *Writer) Drained() bool {
	for _, c := range w.slots {
		c.mu.Lock()
		inUse := c.inUse
		c.mu.Unlock()
		if inUse {
			return false
		}
	}
	return true
}

func (w *Writer) consume() {
	defer w.wg.Done()
	head := uint64(0)
	for {
		progressed := false
		for {
			c := w.slots[head%w.size]
			c.mu.Lock()
			if !c.inUse {
				c.mu.Unlock()
				break
			}
			typ, key, value, overwrite, rcMinIndex, rcMinData := c.typ, c.key, c.value, c.overwrite, c.rcMinIndex, c.rcMinData
			c.mu.Unlock()

			if err := w.apply(typ, key, value, overwrite, rcMinIndex, rcMinData); err != nil {
				w.logger.Warn("async writer op failed", zap.Stringer("op", typ), zap.Error(err))
			}

			c.mu.Lock()
			c.inUse = false
			c.key, c.value = nil, nil
			c.cond.Broadcast()
			c.mu.Unlock()

			head++
			progressed = true
		}

		w.closeMu.Lock()
		w.closeCond.Broadcast()
		w.closeMu.Unlock()

		if progressed {
			continue
		}

		select {
		case <-w.stop:
			return
		case <-w.wakeCons:
		}
	}
}

// Close blocks until every attached reader has detached and the ring has
// drained, then signals the consumer to stop and waits for it to exit. A
// caller that never detaches a reader it attached makes Close block
// forever, by design: the ring must not be torn down while a reader
// still expects to submit mutations through it.
func (w *Writer) Close() {
	w.closeMu.Lock()
	for w.attachedUsers.Load() > 0 || !w.Drained() {
		w.closeCond.Wait()
	}
	w.closeMu.Unlock()

	close(w.stop)
	select {
	case w.wakeCons <- struct{}{}:
	default:
	}
	w.wg.Wait()
}
