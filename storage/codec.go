package storage

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
)

// ReadRLP decodes the record stored under key into val. It reports false
// without error when the key is absent.
func ReadRLP(db KeyValueReader, key []byte, val any) (bool, error) {
	data, err := db.Get(key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := rlp.DecodeBytes(data, val); err != nil {
		return false, fmt.Errorf("storage: decode %x: %w", key, err)
	}
	return true, nil
}

// WriteRLP encodes val and stores it under key.
func WriteRLP(db KeyValueWriter, key []byte, val any) error {
	data, err := rlp.EncodeToBytes(val)
	if err != nil {
		return fmt.Errorf("storage: encode %x: %w", key, err)
	}
	return db.Put(key, data)
}

// ReadUint64 reads an 8-byte counter, returning 0 when absent.
func ReadUint64(db KeyValueReader, key []byte) (uint64, error) {
	data, err := db.Get(key)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return DecodeUint64(data), nil
}

// WriteUint64 stores an 8-byte counter.
func WriteUint64(db KeyValueWriter, key []byte, n uint64) error {
	return db.Put(key, EncodeUint64(n))
}

// CopyBytes returns a copy of b. Iterator keys and values must be copied
// before the iterator advances.
func CopyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
