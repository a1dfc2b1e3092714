package batchpool

import (
	"math/big"
)

// LCG parameters: seed' = (seed*1103515245 + 12345) mod 2^31.
const (
	lcgMultiplier = 1103515245
	lcgIncrement  = 12345
	lcgBits       = 31
	lcgModulus    = 1 << lcgBits
)

// LCG is the deterministic generator behind the random orderings. It must
// never be replaced by an entropy source: the same seed and input set have
// to reproduce the same order for auditing.
type LCG struct {
	state uint64
}

// NewLCG seeds a generator. Only the low 31 bits of seed matter.
func NewLCG(seed uint64) *LCG {
	return &LCG{state: seed % lcgModulus}
}

// Next advances the generator and returns the new state in [0, 2^31).
func (g *LCG) Next() uint64 {
	g.state = (g.state*lcgMultiplier + lcgIncrement) % lcgModulus
	return g.state
}

// Intn returns floor(u * n) for the next uniform u in [0, 1).
func (g *LCG) Intn(n int) int {
	return int((g.Next() * uint64(n)) >> lcgBits)
}

// BigBelow returns floor(u * n) for the next uniform u, computed exactly.
func (g *LCG) BigBelow(n *big.Int) *big.Int {
	r := new(big.Int).Mul(n, new(big.Int).SetUint64(g.Next()))
	return r.Rsh(r, lcgBits)
}

// OrderingPolicy decides the execution order of a batch. Input is in
// arrival order; implementations return a new slice and leave the input
// untouched.
type OrderingPolicy interface {
	Order(txs []*EncryptedTransaction, seed uint64) []*EncryptedTransaction
	Name() Strategy
}

// PolicyFor returns the policy implementing strategy. Unknown strategies
// and the VDF placeholder order first-in first-out.
func PolicyFor(strategy Strategy) OrderingPolicy {
	switch strategy {
	case StrategyRandom:
		return RandomOrdering{}
	case StrategyFairRandom:
		return FairRandomOrdering{}
	case StrategyVDF:
		return VDFOrdering{}
	default:
		return FIFOOrdering{}
	}
}

// FIFOOrdering orders by ascending sequence number.
type FIFOOrdering struct{}

func (FIFOOrdering) Name() Strategy { return StrategyFIFO }

func (FIFOOrdering) Order(txs []*EncryptedTransaction, _ uint64) []*EncryptedTransaction {
	sorted := make([]*EncryptedTransaction, len(txs))
	copy(sorted, txs)
	sortBySequence(sorted)
	return sorted
}

// RandomOrdering is a Fisher-Yates shuffle driven by the seeded LCG.
type RandomOrdering struct{}

func (RandomOrdering) Name() Strategy { return StrategyRandom }

func (RandomOrdering) Order(txs []*EncryptedTransaction, seed uint64) []*EncryptedTransaction {
	out := make([]*EncryptedTransaction, len(txs))
	copy(out, txs)
	g := NewLCG(seed)
	for i := len(out) - 1; i > 0; i-- {
		j := g.Intn(i + 1)
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// FairRandomOrdering repeatedly samples without replacement, weighting each
// remaining transaction by its priority. A higher priority raises the odds
// of going first but never guarantees it.
type FairRandomOrdering struct{}

func (FairRandomOrdering) Name() Strategy { return StrategyFairRandom }

func (FairRandomOrdering) Order(txs []*EncryptedTransaction, seed uint64) []*EncryptedTransaction {
	remaining := make([]*EncryptedTransaction, len(txs))
	copy(remaining, txs)
	out := make([]*EncryptedTransaction, 0, len(txs))
	g := NewLCG(seed)

	total := new(big.Int)
	for _, tx := range remaining {
		total.Add(total, tx.priority().ToBig())
	}
	for len(remaining) > 0 {
		var pick int
		if total.Sign() == 0 {
			// Only zero-priority transactions are left: draw uniformly.
			pick = g.Intn(len(remaining))
		} else {
			r := g.BigBelow(total)
			cum := new(big.Int)
			for i, tx := range remaining {
				cum.Add(cum, tx.priority().ToBig())
				if r.Cmp(cum) < 0 {
					pick = i
					break
				}
			}
		}
		chosen := remaining[pick]
		total.Sub(total, chosen.priority().ToBig())
		out = append(out, chosen)
		remaining = append(remaining[:pick], remaining[pick+1:]...)
	}
	return out
}

// VDFOrdering is a placeholder for verifiable-delay-function ordering. No
// VDF scheme has been chosen, so it orders first-in first-out.
type VDFOrdering struct{}

func (VDFOrdering) Name() Strategy { return StrategyVDF }

func (VDFOrdering) Order(txs []*EncryptedTransaction, seed uint64) []*EncryptedTransaction {
	return FIFOOrdering{}.Order(txs, seed)
}
