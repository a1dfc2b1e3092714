// Package storage provides the key-value persistence used by the protection
// subsystems. Entities live behind a small set of interfaces so the engine
// can run on an in-memory store in tests and a LevelDB directory in
// production without touching engine logic.
//
// The schema follows a prefix-per-entity layout: every record type and every
// secondary index has its own key prefix (see schema.go), and multi-key
// updates are committed through a Batch so primary records and their indices
// change together.
package storage

import "errors"

// ErrNotFound is returned by Get when the key is absent.
var ErrNotFound = errors.New("storage: not found")

// KeyValueReader wraps the Has and Get methods of a backing data store.
type KeyValueReader interface {
	Has(key []byte) (bool, error)
	Get(key []byte) ([]byte, error)
}

// KeyValueWriter wraps the Put and Delete methods of a backing data store.
type KeyValueWriter interface {
	Put(key, value []byte) error
	Delete(key []byte) error
}

// Iterator iterates over key/value pairs in ascending key order. The slices
// returned by Key and Value are only valid until the next call to Next.
type Iterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Release()
	Error() error
}

// Batch is a write-only buffer that commits its changes atomically.
type Batch interface {
	KeyValueWriter
	Len() int
	Write() error
	Reset()
}

// Database is the full store interface consumed by the subsystems.
type Database interface {
	KeyValueReader
	KeyValueWriter
	NewBatch() Batch
	NewIterator(prefix []byte) Iterator
	Close() error
}
