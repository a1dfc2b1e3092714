// Package commitreveal implements the commit-reveal lifecycle that hides a
// swap's intent until it is safe to disclose. A client first commits to
// H(H(intent), nonce, userHash); only the commitment is visible while the
// commit is open. The client later reveals the intent and nonce, which are
// re-hashed and checked bit-for-bit against the stored commitment before the
// swap may be executed.
//
// Commits are gated by two deadlines: a wall-clock expiry and a block window
// measured from the block at which the commit was created.
package commitreveal

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/eth2030/mevguard/core/types"
)

// CommitStatus is the lifecycle state of a commit. Transitions only move
// forward: Committed -> {Revealed, Expired, Cancelled}, Revealed ->
// {Executed, Failed}.
type CommitStatus uint8

const (
	StatusCommitted CommitStatus = 0
	StatusRevealed  CommitStatus = 1
	StatusExpired   CommitStatus = 2
	StatusCancelled CommitStatus = 3
	StatusExecuted  CommitStatus = 4
	StatusFailed    CommitStatus = 5
)

func (s CommitStatus) String() string {
	switch s {
	case StatusCommitted:
		return "committed"
	case StatusRevealed:
		return "revealed"
	case StatusExpired:
		return "expired"
	case StatusCancelled:
		return "cancelled"
	case StatusExecuted:
		return "executed"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s CommitStatus) Terminal() bool {
	switch s {
	case StatusExpired, StatusCancelled, StatusExecuted, StatusFailed:
		return true
	}
	return false
}

// CommitData is the stored record of one commitment. Timestamps are unix
// milliseconds. RevealNonce and RevealTimestamp are zero until revealed;
// ClosedTimestamp is zero until the commit reaches a terminal status.
type CommitData struct {
	ID              string
	Hash            common.Hash
	CommitTimestamp uint64
	ExpiryTimestamp uint64
	Status          CommitStatus
	CommitBlock     uint64
	UserHash        common.Hash
	AmountIn        *uint256.Int
	RevealNonce     common.Hash
	RevealTimestamp uint64
	ClosedTimestamp uint64 `rlp:"optional"`
}

// Copy returns a deep copy so callers cannot mutate stored state.
func (c *CommitData) Copy() *CommitData {
	cpy := *c
	if c.AmountIn != nil {
		cpy.AmountIn = new(uint256.Int).Set(c.AmountIn)
	}
	return &cpy
}

// close moves the commit to a terminal status at the given time.
func (c *CommitData) close(status CommitStatus, at uint64) {
	c.Status = status
	c.ClosedTimestamp = at
}

// closedAt is when the commit became terminal. Records stored before the
// field existed fall back to the commit time.
func (c *CommitData) closedAt() uint64 {
	if c.ClosedTimestamp != 0 {
		return c.ClosedTimestamp
	}
	return c.CommitTimestamp
}

// Revealed reports whether the commit has been revealed at some point.
func (c *CommitData) Revealed() bool { return c.RevealTimestamp != 0 }

// RevealInput carries the disclosed transaction for RevealCommit.
type RevealInput struct {
	CommitID string
	Intent   *types.SwapIntent
	Nonce    common.Hash
	UserHash common.Hash
}

// Config holds the commit-reveal parameters.
type Config struct {
	// CommitPhaseDuration is the minimum time between commit and reveal.
	// Zero allows an immediate reveal.
	CommitPhaseDuration time.Duration
	// RevealPhaseDuration bounds the reveal window after the commit phase.
	// Zero leaves the window bounded by CommitExpiry alone.
	RevealPhaseDuration time.Duration
	// MaxCommitsPerUser caps simultaneously active commits per user.
	MaxCommitsPerUser int
	// CommitExpiry is the wall-clock lifetime of an unrevealed commit.
	CommitExpiry time.Duration
	// RevealBlockWindow is the number of blocks after CommitBlock during
	// which a reveal is accepted.
	RevealBlockWindow uint64
	// NoRevealPenaltyBps is the penalty, in basis points of the committed
	// amount, reported for commits that expire unrevealed.
	NoRevealPenaltyBps uint64
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		CommitPhaseDuration: 0,
		RevealPhaseDuration: 0,
		MaxCommitsPerUser:   10,
		CommitExpiry:        5 * time.Minute,
		RevealBlockWindow:   20,
		NoRevealPenaltyBps:  100,
	}
}

// Validate checks the configuration for obviously broken values.
func (c Config) Validate() error {
	switch {
	case c.MaxCommitsPerUser <= 0:
		return fmt.Errorf("%w: commitreveal: max commits per user must be positive", types.ErrValidation)
	case c.CommitExpiry <= 0:
		return fmt.Errorf("%w: commitreveal: commit expiry must be positive", types.ErrValidation)
	case c.CommitPhaseDuration < 0 || c.RevealPhaseDuration < 0:
		return fmt.Errorf("%w: commitreveal: phase durations must not be negative", types.ErrValidation)
	case c.CommitPhaseDuration >= c.CommitExpiry:
		return fmt.Errorf("%w: commitreveal: commit phase must end before expiry", types.ErrValidation)
	case c.NoRevealPenaltyBps > 10_000:
		return fmt.Errorf("%w: commitreveal: penalty exceeds 10000 bps", types.ErrValidation)
	}
	return nil
}
