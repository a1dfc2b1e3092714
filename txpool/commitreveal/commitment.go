package commitreveal

import (
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/ethereum/go-ethereum/common"

	"github.com/eth2030/mevguard/core/types"
	"github.com/eth2030/mevguard/crypto"
)

// ComputeTxDataHash hashes the fixed projection of a transaction that is
// committed to: type, pool hash, amounts and user-address hash. Every
// 256-bit field enters as two 128-bit limbs so no value is reduced modulo
// the field order.
func ComputeTxDataHash(intent *types.SwapIntent) common.Hash {
	elems := []fr.Element{crypto.Uint64ToElement(uint64(intent.Type))}
	elems = appendLimbs(elems, crypto.HashToElements(intent.PoolHash))
	elems = appendLimbs(elems, crypto.Uint256ToElements(intent.AmountIn))
	elems = appendLimbs(elems, crypto.Uint256ToElements(intent.MinAmountOut))
	elems = appendLimbs(elems, crypto.HashToElements(intent.UserAddressHash))
	return crypto.ElementToHash(crypto.FieldHash(elems...))
}

// ComputeCommitHash computes H(txDataHash, nonce, userHash).
func ComputeCommitHash(txDataHash, nonce, userHash common.Hash) common.Hash {
	elems := make([]fr.Element, 0, 6)
	elems = appendLimbs(elems, crypto.HashToElements(txDataHash))
	elems = appendLimbs(elems, crypto.HashToElements(nonce))
	elems = appendLimbs(elems, crypto.HashToElements(userHash))
	return crypto.ElementToHash(crypto.FieldHash(elems...))
}

// CommitmentFor is the full commitment of an intent under nonce and user.
func CommitmentFor(intent *types.SwapIntent, nonce, userHash common.Hash) common.Hash {
	return ComputeCommitHash(ComputeTxDataHash(intent), nonce, userHash)
}

func appendLimbs(elems []fr.Element, limbs [2]fr.Element) []fr.Element {
	return append(elems, limbs[0], limbs[1])
}
