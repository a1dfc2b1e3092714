package protection

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// ExecutableTx is a batch transaction handed to the executor, with its
// payload already decrypted when encryption is enabled.
type ExecutableTx struct {
	ID             string
	Payload        []byte
	CommitHash     common.Hash
	Priority       *uint256.Int
	SequenceNumber uint64
	BatchID        string
	Position       int // index within the batch's execution order
}

// Receipt reports a successful execution.
type Receipt struct {
	TxRef   common.Hash // on-chain reference
	GasUsed uint64
}

// Executor executes one transaction. The engine never executes swaps
// itself; a returned error marks only that transaction as failed.
type Executor interface {
	Execute(ctx context.Context, tx *ExecutableTx) (*Receipt, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, tx *ExecutableTx) (*Receipt, error)

func (f ExecutorFunc) Execute(ctx context.Context, tx *ExecutableTx) (*Receipt, error) {
	return f(ctx, tx)
}
