package triedb

import (
	"go.uber.org/zap"

	"triedb/internal/asyncwriter"
	"triedb/internal/handle"
)

// Mode is the bit set passed to Open: Reader, Writer, and AsyncWriter
// (which requires Writer).
type Mode = handle.Mode

const (
	ReaderMode      = handle.Reader
	WriterMode      = handle.Writer
	AsyncWriterMode = handle.AsyncWriterMode
)

type config struct {
	handleOpts    handle.Options
	allPrefix     bool
	findAndDelete bool
}

// Option configures Open.
type Option func(*config)

// WithMemcapIndex bounds the index arena's total size. Default 1 GiB.
func WithMemcapIndex(n uint64) Option {
	return func(c *config) { c.handleOpts.MemcapIndex = n }
}

// WithMemcapData bounds the data arena's total size. Default 1 GiB.
func WithMemcapData(n uint64) Option {
	return func(c *config) { c.handleOpts.MemcapData = n }
}

// WithFixedDataSize switches the data arena to dense mode: every value is
// exactly n bytes and no length prefix is stored. Leave at 0 (the
// default) for variable-size values.
func WithFixedDataSize(n uint32) Option {
	return func(c *config) { c.handleOpts.FixedDataSize = n }
}

// WithID stamps a caller-supplied writer instance id into every log line
// and PrintHeader's output, instead of a generated UUID. The id is not
// stored in the header file. Useful for
// distinguishing writer incarnations across crash/reopen cycles when
// debugging a multi-process deployment.
func WithID(id string) Option {
	return func(c *config) { c.handleOpts.ID = id }
}

// WithLogger injects a *zap.Logger. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) { c.handleOpts.Logger = l }
}

// WithAsyncQueueSize overrides the async writer's ring buffer size
// (asyncwriter.DefaultQueueSize otherwise). Only meaningful with
// AsyncWriterMode.
func WithAsyncQueueSize(n int) Option {
	return func(c *config) { c.handleOpts.AsyncQueueSize = n }
}

// WithAllPrefix permits FindPrefix: every stored key that is a prefix of
// a given key can be enumerated via a cursor, not just the single longest
// prefix match FindLongestPrefix returns. Without this option FindPrefix
// is refused.
func WithAllPrefix() Option {
	return func(c *config) { c.allPrefix = true }
}

// WithFindAndDelete permits the DB.FindAndDelete method, an atomic
// find-then-remove traversal.
func WithFindAndDelete() Option {
	return func(c *config) { c.findAndDelete = true }
}

func newConfig(opts []Option) config {
	c := config{handleOpts: handle.Options{AsyncQueueSize: asyncwriter.DefaultQueueSize}}
	for _, o := range opts {
		o(&c)
	}
	return c
}
