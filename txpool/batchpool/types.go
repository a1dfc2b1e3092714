// Package batchpool implements the private mempool: a staging area for
// encrypted transactions that releases them to execution in batches whose
// order is decided by a fairness policy instead of by fee or arrival race.
//
// Ordering is reproducible: the random policies draw from a seeded linear
// congruential generator, and the seed is recorded on the batch so any
// observer can recompute the order from the batch's inputs.
package batchpool

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/eth2030/mevguard/core/types"
)

// TxStatus is the lifecycle state of a mempool transaction.
type TxStatus uint8

const (
	TxPending TxStatus = 0
	TxBatched TxStatus = 1
)

func (s TxStatus) String() string {
	switch s {
	case TxPending:
		return "pending"
	case TxBatched:
		return "batched"
	default:
		return fmt.Sprintf("txstatus(%d)", uint8(s))
	}
}

// EncryptedTransaction is a transaction held in the private mempool. The
// payload is opaque to the pool; Nonce is the payload cipher nonce.
type EncryptedTransaction struct {
	ID               string
	EncryptedPayload []byte
	Nonce            []byte
	CommitHash       common.Hash
	Timestamp        uint64
	ExpiryTimestamp  uint64
	Status           TxStatus
	Priority         *uint256.Int
	SequenceNumber   uint64
	BatchID          string
}

// Copy returns a deep copy.
func (tx *EncryptedTransaction) Copy() *EncryptedTransaction {
	cpy := *tx
	cpy.EncryptedPayload = append([]byte(nil), tx.EncryptedPayload...)
	cpy.Nonce = append([]byte(nil), tx.Nonce...)
	if tx.Priority != nil {
		cpy.Priority = new(uint256.Int).Set(tx.Priority)
	}
	return &cpy
}

// priority returns the priority, treating nil as zero.
func (tx *EncryptedTransaction) priority() *uint256.Int {
	if tx.Priority == nil {
		return new(uint256.Int)
	}
	return tx.Priority
}

// BatchStatus is the lifecycle state of a batch: Ordered -> Executing ->
// {Executed, Failed}, each step exactly once.
type BatchStatus uint8

const (
	BatchOrdered   BatchStatus = 0
	BatchExecuting BatchStatus = 1
	BatchExecuted  BatchStatus = 2
	BatchFailed    BatchStatus = 3
)

func (s BatchStatus) String() string {
	switch s {
	case BatchOrdered:
		return "ordered"
	case BatchExecuting:
		return "executing"
	case BatchExecuted:
		return "executed"
	case BatchFailed:
		return "failed"
	default:
		return fmt.Sprintf("batchstatus(%d)", uint8(s))
	}
}

// Open reports whether the batch has not reached a terminal state.
func (s BatchStatus) Open() bool {
	return s == BatchOrdered || s == BatchExecuting
}

// BatchExecutionResult is the outcome of executing one transaction of a
// batch.
type BatchExecutionResult struct {
	TxID    string
	Success bool
	TxRef   common.Hash
	GasUsed uint64
	Error   string
}

// TransactionBatch is an ordered, immutable selection of transactions.
// Transactions holds snapshots in execution order.
type TransactionBatch struct {
	ID           string
	CreatedAt    uint64
	Transactions []*EncryptedTransaction
	Strategy     Strategy
	HasSeed      bool
	RandomSeed   uint64
	Status       BatchStatus
	Results      []*BatchExecutionResult
	CompletedAt  uint64
}

// Copy returns a deep copy.
func (b *TransactionBatch) Copy() *TransactionBatch {
	cpy := *b
	cpy.Transactions = make([]*EncryptedTransaction, len(b.Transactions))
	for i, tx := range b.Transactions {
		cpy.Transactions[i] = tx.Copy()
	}
	cpy.Results = make([]*BatchExecutionResult, len(b.Results))
	for i, r := range b.Results {
		rc := *r
		cpy.Results[i] = &rc
	}
	return &cpy
}

// TxIDs returns the transaction IDs in execution order.
func (b *TransactionBatch) TxIDs() []string {
	ids := make([]string, len(b.Transactions))
	for i, tx := range b.Transactions {
		ids[i] = tx.ID
	}
	return ids
}

// Strategy names an ordering policy.
type Strategy string

const (
	StrategyFIFO       Strategy = "fifo"
	StrategyRandom     Strategy = "random"
	StrategyFairRandom Strategy = "fair_random"
	StrategyVDF        Strategy = "vdf"
)

// ParseStrategy parses a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(strings.ToLower(strings.TrimSpace(s))); st {
	case StrategyFIFO, StrategyRandom, StrategyFairRandom, StrategyVDF:
		return st, nil
	}
	return "", fmt.Errorf("%w: batchpool: unknown ordering strategy %q", types.ErrValidation, s)
}

// Seeded reports whether the strategy consumes a random seed.
func (s Strategy) Seeded() bool {
	return s == StrategyRandom || s == StrategyFairRandom
}

// Config holds the private mempool parameters.
type Config struct {
	MaxTransactions   int
	TransactionExpiry time.Duration
	BatchSize         int
	BatchInterval     time.Duration
	OrderingStrategy  Strategy
	MinPriority       *uint256.Int
	// VDFTimeParameter is reserved for a verifiable-delay ordering scheme;
	// it is carried in configuration but no VDF is evaluated.
	VDFTimeParameter uint64
	// EncryptionEnabled marks payloads as sealed with the payload cipher.
	EncryptionEnabled bool
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxTransactions:   10_000,
		TransactionExpiry: 5 * time.Minute,
		BatchSize:         50,
		BatchInterval:     2 * time.Second,
		OrderingStrategy:  StrategyFairRandom,
		MinPriority:       new(uint256.Int),
		VDFTimeParameter:  1_000_000,
		EncryptionEnabled: true,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch {
	case c.MaxTransactions <= 0:
		return fmt.Errorf("%w: batchpool: max transactions must be positive", types.ErrValidation)
	case c.BatchSize <= 0:
		return fmt.Errorf("%w: batchpool: batch size must be positive", types.ErrValidation)
	case c.BatchSize > c.MaxTransactions:
		return fmt.Errorf("%w: batchpool: batch size exceeds pool capacity", types.ErrValidation)
	case c.TransactionExpiry <= 0:
		return fmt.Errorf("%w: batchpool: transaction expiry must be positive", types.ErrValidation)
	case c.BatchInterval < 0:
		return fmt.Errorf("%w: batchpool: batch interval must not be negative", types.ErrValidation)
	}
	_, err := ParseStrategy(string(c.OrderingStrategy))
	return err
}
