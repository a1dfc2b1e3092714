package main

import (
	"context"

	"github.com/eth2030/mevguard/crypto"
	"github.com/eth2030/mevguard/log"
	"github.com/eth2030/mevguard/protection"
)

// dryRunExecutor accepts every transaction without submitting it anywhere.
// The receipt reference is the keccak of the opened payload, so repeated
// runs over the same batch produce the same references.
type dryRunExecutor struct {
	log *log.Logger
}

func newDryRunExecutor(logger *log.Logger) *dryRunExecutor {
	return &dryRunExecutor{log: logger.Module("executor")}
}

func (x *dryRunExecutor) Execute(ctx context.Context, tx *protection.ExecutableTx) (*protection.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ref := crypto.Keccak256Hash([]byte(tx.ID), tx.Payload)
	x.log.Info("dry-run execute", "tx", tx.ID, "batch", tx.BatchID, "position", tx.Position,
		"bytes", len(tx.Payload), "ref", ref)
	return &protection.Receipt{TxRef: ref}, nil
}
