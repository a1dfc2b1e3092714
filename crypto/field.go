package crypto

import (
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr/mimc"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// FieldHash computes H(e0, e1, ..., en) with MiMC over the BN254 scalar
// field, the same hash the shielded-swap circuits use for commitments.
func FieldHash(elems ...fr.Element) fr.Element {
	h := mimc.NewMiMC()
	for i := range elems {
		b := elems[i].Bytes()
		// Canonical encodings are always accepted.
		h.Write(b[:])
	}
	var out fr.Element
	out.SetBytes(h.Sum(nil))
	return out
}

// WordToElements splits a 32-byte big-endian word into its high and low
// 128-bit halves. Each half is below the field order, so the mapping is
// injective: distinct words never share an encoding.
func WordToElements(w [32]byte) [2]fr.Element {
	var hi, lo [32]byte
	copy(hi[16:], w[:16])
	copy(lo[16:], w[16:])
	var out [2]fr.Element
	out[0].SetBytes(hi[:])
	out[1].SetBytes(lo[:])
	return out
}

// HashToElements is WordToElements over a hash.
func HashToElements(h common.Hash) [2]fr.Element {
	return WordToElements(h)
}

// Uint256ToElements maps an amount to its two 128-bit limbs. A nil amount
// maps to zero.
func Uint256ToElements(v *uint256.Int) [2]fr.Element {
	if v == nil {
		return [2]fr.Element{}
	}
	return WordToElements(v.Bytes32())
}

// Uint64ToElement maps a small integer to the field.
func Uint64ToElement(v uint64) fr.Element {
	var e fr.Element
	e.SetUint64(v)
	return e
}

// ElementToHash returns the canonical big-endian encoding of e.
func ElementToHash(e fr.Element) common.Hash {
	return common.Hash(e.Bytes())
}
