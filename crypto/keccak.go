package crypto

import (
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

// Keccak256 calculates the Keccak-256 hash of the given data.
func Keccak256(data ...[]byte) []byte {
	d := sha3.NewLegacyKeccak256()
	for _, b := range data {
		d.Write(b)
	}
	return d.Sum(nil)
}

// Keccak256Hash calculates Keccak-256 and returns it as a common.Hash.
func Keccak256Hash(data ...[]byte) common.Hash {
	return common.BytesToHash(Keccak256(data...))
}

// IdentityHash derives the opaque hash used to index users and pools from
// their public identifier (address, pool name). The raw identifier is never
// stored by the engine.
func IdentityHash(id string) common.Hash {
	return Keccak256Hash([]byte("mevguard:id:"), []byte(id))
}
