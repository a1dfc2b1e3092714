package protection

import (
	"fmt"
	"strings"

	"github.com/holiman/uint256"

	"github.com/eth2030/mevguard/core/types"
	"github.com/eth2030/mevguard/mevdetect"
	"github.com/eth2030/mevguard/txpool/batchpool"
	"github.com/eth2030/mevguard/txpool/commitreveal"
)

// ProtectionLevel selects which subsystems accept requests.
type ProtectionLevel string

const (
	LevelNone         ProtectionLevel = "none"
	LevelCommitReveal ProtectionLevel = "commit_reveal"
	LevelEncrypted    ProtectionLevel = "encrypted"
	LevelBatched      ProtectionLevel = "batched"
	LevelFull         ProtectionLevel = "full"
)

// ParseProtectionLevel parses a level name.
func ParseProtectionLevel(s string) (ProtectionLevel, error) {
	switch l := ProtectionLevel(strings.ToLower(strings.TrimSpace(s))); l {
	case LevelNone, LevelCommitReveal, LevelEncrypted, LevelBatched, LevelFull:
		return l, nil
	}
	return "", fmt.Errorf("%w: protection: unknown level %q", types.ErrValidation, s)
}

// CommitReveal reports whether commit-reveal operations are enabled.
func (l ProtectionLevel) CommitReveal() bool {
	return l == LevelCommitReveal || l == LevelFull
}

// Mempool reports whether private mempool operations are enabled.
func (l ProtectionLevel) Mempool() bool {
	return l == LevelEncrypted || l == LevelBatched || l == LevelFull
}

// Config is the complete engine configuration.
type Config struct {
	Level        ProtectionLevel
	CommitReveal commitreveal.Config
	Mempool      batchpool.Config
	Detection    mevdetect.Config

	EnableAttackDetection bool
	// AutoProtectThreshold is the committed input amount from which a
	// commit counts toward the value-protected statistic.
	AutoProtectThreshold *uint256.Int
	// SlippageProtectionBps is the tolerance MinAmountOut applies to an
	// expected output.
	SlippageProtectionBps uint64
}

// DefaultConfig returns a fully enabled engine configuration.
func DefaultConfig() Config {
	return Config{
		Level:                 LevelFull,
		CommitReveal:          commitreveal.DefaultConfig(),
		Mempool:               batchpool.DefaultConfig(),
		Detection:             mevdetect.DefaultConfig(),
		EnableAttackDetection: true,
		AutoProtectThreshold:  new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(18)),
		SlippageProtectionBps: 50,
	}
}

// Validate checks the configuration and every subsystem's part of it.
func (c Config) Validate() error {
	if _, err := ParseProtectionLevel(string(c.Level)); err != nil {
		return err
	}
	if c.SlippageProtectionBps > 10_000 {
		return fmt.Errorf("%w: protection: slippage exceeds 10000 bps", types.ErrValidation)
	}
	if err := c.CommitReveal.Validate(); err != nil {
		return err
	}
	if err := c.Mempool.Validate(); err != nil {
		return err
	}
	return c.Detection.Validate()
}

// Copy returns a copy that shares no mutable state with c.
func (c Config) Copy() Config {
	cpy := c
	if c.AutoProtectThreshold != nil {
		cpy.AutoProtectThreshold = new(uint256.Int).Set(c.AutoProtectThreshold)
	}
	if c.Mempool.MinPriority != nil {
		cpy.Mempool.MinPriority = new(uint256.Int).Set(c.Mempool.MinPriority)
	}
	return cpy
}
