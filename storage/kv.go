// Package storage persists wallets, addresses, transaction proposals,
// notifications and chain markers in an ordered key-value store. Documents
// are JSON under short type prefixes; compound updates go through batches
// so readers never observe a half-applied write.
package storage

import "errors"

// ErrNotFound is returned by Get when a key does not exist. Backends
// translate their own sentinel to this one.
var ErrNotFound = errors.New("storage: not found")

// KV is the minimal ordered key-value contract the store runs on.
type KV interface {
	// Has reports whether the key exists.
	Has(key []byte) (bool, error)

	// Get returns the value for key, or ErrNotFound.
	Get(key []byte) ([]byte, error)

	// Put stores a value. The implementation owns the backing array
	// after the call returns.
	Put(key, value []byte) error

	// Delete removes a key. Deleting a missing key is not an error.
	Delete(key []byte) error

	// NewBatch starts a write batch. Nothing is visible until Write.
	NewBatch() Batch

	// NewIterator walks keys with the given prefix, starting at
	// prefix+start, in ascending order.
	NewIterator(prefix, start []byte) Iterator

	// Close releases the backing resources.
	Close() error
}

// Batch accumulates writes for one atomic commit.
type Batch interface {
	Put(key, value []byte) error
	Delete(key []byte) error

	// Write commits the batch.
	Write() error

	// Reset empties the batch for reuse.
	Reset()
}

// Iterator walks a key range in ascending key order. Next must be called
// before the first Key/Value access.
type Iterator interface {
	Next() bool
	Key() []byte
	Value() []byte

	// Error returns the accumulated failure, if any, once iteration
	// stops.
	Error() error

	// Release frees the iterator. It is safe to call more than once.
	Release()
}
