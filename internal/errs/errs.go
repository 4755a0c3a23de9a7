// Package errs is the closed error taxonomy shared by every layer of the
// store. Callers are expected to branch with errors.Is rather than string
// matching; TryAgain and RCSkipped are advisory signals, not failures.
package errs

import "errors"

var (
	// NotInitialized is returned when an operation is attempted on a
	// handle that failed to open or was never opened.
	NotInitialized = errors.New("triedb: not initialized")
	// DBClosed is returned when an operation is attempted on a handle
	// after Close has returned.
	DBClosed = errors.New("triedb: database closed")
	// NoDB is returned when the on-disk header is missing or corrupt
	// beyond repair (bad magic, out-of-range root offset). Open refuses
	// to proceed.
	NoDB = errors.New("triedb: no valid database at path")
	// NotAllowed is returned for operations forbidden by the handle's
	// open mode, e.g. Find on a handle in async-writer mode, a mutation
	// on a reader handle, or a second concurrent writer.
	NotAllowed = errors.New("triedb: operation not allowed for this handle")
	// InvalidArg is returned for malformed arguments: empty keys,
	// oversized keys/values, nil buffers.
	InvalidArg = errors.New("triedb: invalid argument")
	// NoMemory is returned when an arena's capacity is exhausted.
	NoMemory = errors.New("triedb: no memory available")
	// InDict is returned by Add when the key already exists and
	// overwrite was not requested.
	InDict = errors.New("triedb: key already in dictionary")
	// NotExist is returned by Find/Remove when the key is absent.
	NotExist = errors.New("triedb: key does not exist")
	// TryAgain is a reader-visible signal that a lock-free snapshot was
	// torn by a concurrent writer; the caller should retry with backoff.
	TryAgain = errors.New("triedb: concurrent update, try again")
	// RCSkipped is advisory: CollectResource declined to run because
	// neither arena's freed total reached its threshold.
	RCSkipped = errors.New("triedb: resource collection skipped")
	// OutOfBound is returned when an offset or length escapes its
	// arena's mapped region -- always a sign of corruption.
	OutOfBound = errors.New("triedb: offset out of bound")
	// Unknown wraps any failure that doesn't fit the taxonomy above.
	Unknown = errors.New("triedb: unknown error")
)
