package types

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// TxType is the kind of DEX operation a SwapIntent describes.
type TxType uint8

const (
	TxTypeSwap            TxType = 1
	TxTypeAddLiquidity    TxType = 2
	TxTypeRemoveLiquidity TxType = 3
)

func (t TxType) String() string {
	switch t {
	case TxTypeSwap:
		return "swap"
	case TxTypeAddLiquidity:
		return "add_liquidity"
	case TxTypeRemoveLiquidity:
		return "remove_liquidity"
	default:
		return fmt.Sprintf("txtype(%d)", uint8(t))
	}
}

// ParseTxType parses the string form produced by TxType.String.
func ParseTxType(s string) (TxType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "swap":
		return TxTypeSwap, nil
	case "add_liquidity":
		return TxTypeAddLiquidity, nil
	case "remove_liquidity":
		return TxTypeRemoveLiquidity, nil
	}
	return 0, fmt.Errorf("%w: unknown transaction type %q", ErrValidation, s)
}

// Direction is the side of a swap relative to the pool's base asset.
type Direction uint8

const (
	Buy  Direction = 1
	Sell Direction = 2
)

func (d Direction) String() string {
	switch d {
	case Buy:
		return "buy"
	case Sell:
		return "sell"
	default:
		return fmt.Sprintf("direction(%d)", uint8(d))
	}
}

// Opposite returns the other side of the trade.
func (d Direction) Opposite() Direction {
	if d == Buy {
		return Sell
	}
	return Buy
}

// ParseDirection parses "buy" or "sell".
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy":
		return Buy, nil
	case "sell":
		return Sell, nil
	}
	return 0, fmt.Errorf("%w: unknown direction %q", ErrValidation, s)
}

var (
	errIntentType   = errors.New("intent: unknown transaction type")
	errIntentPool   = errors.New("intent: pool hash is empty")
	errIntentAmount = errors.New("intent: amount in is zero")
	errIntentUser   = errors.New("intent: user address hash is empty")
)

// SwapIntent is the projection of a DEX transaction that gets committed to.
// Only these fields feed the commitment hash; everything else a client may
// attach to the transaction is outside the commitment.
type SwapIntent struct {
	Type            TxType
	PoolHash        common.Hash
	AmountIn        *uint256.Int
	MinAmountOut    *uint256.Int
	UserAddressHash common.Hash
}

// Validate checks that the intent is well-formed.
func (s *SwapIntent) Validate() error {
	if s == nil {
		return fmt.Errorf("%w: nil intent", ErrValidation)
	}
	var err error
	switch {
	case s.Type < TxTypeSwap || s.Type > TxTypeRemoveLiquidity:
		err = errIntentType
	case s.PoolHash == (common.Hash{}):
		err = errIntentPool
	case s.AmountIn == nil || s.AmountIn.IsZero():
		err = errIntentAmount
	case s.UserAddressHash == (common.Hash{}):
		err = errIntentUser
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

// Copy returns a deep copy of the intent.
func (s *SwapIntent) Copy() *SwapIntent {
	cpy := *s
	if s.AmountIn != nil {
		cpy.AmountIn = new(uint256.Int).Set(s.AmountIn)
	}
	if s.MinAmountOut != nil {
		cpy.MinAmountOut = new(uint256.Int).Set(s.MinAmountOut)
	}
	return &cpy
}
