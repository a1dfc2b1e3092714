package api

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"

	"github.com/eth2030/mevguard/core/types"
	"github.com/eth2030/mevguard/mevdetect"
	"github.com/eth2030/mevguard/txpool/batchpool"
	"github.com/eth2030/mevguard/txpool/commitreveal"
)

// Amounts travel as decimal strings, hashes as 0x-prefixed hex and opaque
// bytes as hexutil.Bytes.

// IntentRequest is the wire form of a SwapIntent.
type IntentRequest struct {
	Type            string      `json:"type"`
	PoolHash        common.Hash `json:"poolHash"`
	AmountIn        string      `json:"amountIn"`
	MinAmountOut    string      `json:"minAmountOut,omitempty"`
	UserAddressHash common.Hash `json:"userAddressHash"`
}

func (r *IntentRequest) toIntent() (*types.SwapIntent, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: missing intent", types.ErrValidation)
	}
	tt, err := types.ParseTxType(r.Type)
	if err != nil {
		return nil, err
	}
	in, err := parseAmount("amountIn", r.AmountIn)
	if err != nil {
		return nil, err
	}
	out, err := parseAmount("minAmountOut", r.MinAmountOut)
	if err != nil {
		return nil, err
	}
	return &types.SwapIntent{
		Type:            tt,
		PoolHash:        r.PoolHash,
		AmountIn:        in,
		MinAmountOut:    out,
		UserAddressHash: r.UserAddressHash,
	}, nil
}

// parseAmount reads a decimal amount. An empty string is zero.
func parseAmount(field, s string) (*uint256.Int, error) {
	if s == "" {
		return new(uint256.Int), nil
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", types.ErrValidation, field, err)
	}
	return v, nil
}

func amountString(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

// CreateCommitRequest is the body of POST /v1/commits.
type CreateCommitRequest struct {
	Intent   *IntentRequest `json:"intent"`
	Nonce    common.Hash    `json:"nonce"`
	UserHash common.Hash    `json:"userHash"`
}

// RevealCommitRequest is the body of POST /v1/commits/{id}/reveal.
type RevealCommitRequest struct {
	Intent   *IntentRequest `json:"intent"`
	Nonce    common.Hash    `json:"nonce"`
	UserHash common.Hash    `json:"userHash"`
}

// CancelCommitRequest is the body of POST /v1/commits/{id}/cancel.
type CancelCommitRequest struct {
	UserHash common.Hash `json:"userHash"`
}

// CommitView is the wire form of a commit.
type CommitView struct {
	ID              string       `json:"id"`
	Hash            common.Hash  `json:"hash"`
	CommitTimestamp uint64       `json:"commitTimestamp"`
	ExpiryTimestamp uint64       `json:"expiryTimestamp"`
	Status          string       `json:"status"`
	CommitBlock     uint64       `json:"commitBlock"`
	UserHash        common.Hash  `json:"userHash"`
	AmountIn        string       `json:"amountIn"`
	RevealNonce     *common.Hash `json:"revealNonce,omitempty"`
	RevealTimestamp uint64       `json:"revealTimestamp,omitempty"`
}

func commitView(c *commitreveal.CommitData) *CommitView {
	v := &CommitView{
		ID:              c.ID,
		Hash:            c.Hash,
		CommitTimestamp: c.CommitTimestamp,
		ExpiryTimestamp: c.ExpiryTimestamp,
		Status:          c.Status.String(),
		CommitBlock:     c.CommitBlock,
		UserHash:        c.UserHash,
		AmountIn:        amountString(c.AmountIn),
		RevealTimestamp: c.RevealTimestamp,
	}
	if c.Revealed() {
		nonce := c.RevealNonce
		v.RevealNonce = &nonce
	}
	return v
}

// SubmitTxRequest is the body of POST /v1/mempool. Either Payload+Nonce
// (already sealed) or Plaintext (sealed by the server) must be set.
type SubmitTxRequest struct {
	ID         string        `json:"id"`
	Payload    hexutil.Bytes `json:"payload,omitempty"`
	Nonce      hexutil.Bytes `json:"nonce,omitempty"`
	Plaintext  hexutil.Bytes `json:"plaintext,omitempty"`
	CommitHash common.Hash   `json:"commitHash"`
	Priority   string        `json:"priority,omitempty"`
}

// TxView is the wire form of a mempool transaction.
type TxView struct {
	ID              string        `json:"id"`
	Payload         hexutil.Bytes `json:"payload"`
	Nonce           hexutil.Bytes `json:"nonce,omitempty"`
	CommitHash      common.Hash   `json:"commitHash"`
	Timestamp       uint64        `json:"timestamp"`
	ExpiryTimestamp uint64        `json:"expiryTimestamp"`
	Status          string        `json:"status"`
	Priority        string        `json:"priority"`
	SequenceNumber  uint64        `json:"sequenceNumber"`
	BatchID         string        `json:"batchId,omitempty"`
}

func txView(tx *batchpool.EncryptedTransaction) *TxView {
	return &TxView{
		ID:              tx.ID,
		Payload:         tx.EncryptedPayload,
		Nonce:           tx.Nonce,
		CommitHash:      tx.CommitHash,
		Timestamp:       tx.Timestamp,
		ExpiryTimestamp: tx.ExpiryTimestamp,
		Status:          tx.Status.String(),
		Priority:        amountString(tx.Priority),
		SequenceNumber:  tx.SequenceNumber,
		BatchID:         tx.BatchID,
	}
}

// CreateBatchRequest is the optional body of POST /v1/batches.
type CreateBatchRequest struct {
	Seed *uint64 `json:"seed,omitempty"`
}

// ResultView is the wire form of one transaction's execution outcome.
type ResultView struct {
	TxID    string      `json:"txId"`
	Success bool        `json:"success"`
	TxRef   common.Hash `json:"txRef"`
	GasUsed uint64      `json:"gasUsed"`
	Error   string      `json:"error,omitempty"`
}

// BatchView is the wire form of a batch.
type BatchView struct {
	ID           string        `json:"id"`
	CreatedAt    uint64        `json:"createdAt"`
	Transactions []string      `json:"transactions"`
	Strategy     string        `json:"strategy"`
	RandomSeed   *uint64       `json:"randomSeed,omitempty"`
	Status       string        `json:"status"`
	Results      []*ResultView `json:"results,omitempty"`
	CompletedAt  uint64        `json:"completedAt,omitempty"`
}

func batchView(b *batchpool.TransactionBatch) *BatchView {
	v := &BatchView{
		ID:           b.ID,
		CreatedAt:    b.CreatedAt,
		Transactions: b.TxIDs(),
		Strategy:     string(b.Strategy),
		Status:       b.Status.String(),
		CompletedAt:  b.CompletedAt,
	}
	if b.HasSeed {
		seed := b.RandomSeed
		v.RandomSeed = &seed
	}
	for _, r := range b.Results {
		v.Results = append(v.Results, &ResultView{
			TxID:    r.TxID,
			Success: r.Success,
			TxRef:   r.TxRef,
			GasUsed: r.GasUsed,
			Error:   r.Error,
		})
	}
	return v
}

// RecordRequest is the body of POST /v1/detection/records.
type RecordRequest struct {
	TxID      string      `json:"txId"`
	Pool      common.Hash `json:"pool"`
	User      string      `json:"user"`
	Direction string      `json:"direction"`
	Amount    string      `json:"amount"`
	Timestamp uint64      `json:"timestamp,omitempty"`
}

func (r *RecordRequest) toRecord() (*mevdetect.TransactionRecord, error) {
	dir, err := types.ParseDirection(r.Direction)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount("amount", r.Amount)
	if err != nil {
		return nil, err
	}
	return &mevdetect.TransactionRecord{
		TxID:      r.TxID,
		Pool:      r.Pool,
		User:      r.User,
		Direction: dir,
		Amount:    amount,
		Timestamp: r.Timestamp,
	}, nil
}

// DetectionView is the wire form of a detection.
type DetectionView struct {
	Detected      bool     `json:"detected"`
	AttackType    string   `json:"attackType,omitempty"`
	Confidence    float64  `json:"confidence"`
	EstimatedLoss string   `json:"estimatedLoss"`
	Attacker      string   `json:"attacker,omitempty"`
	VictimTxID    string   `json:"victimTxId"`
	RelatedTxIDs  []string `json:"relatedTxIds,omitempty"`
	DetectedAt    uint64   `json:"detectedAt,omitempty"`
}

func detectionView(d *mevdetect.Detection) *DetectionView {
	return &DetectionView{
		Detected:      d.Detected,
		AttackType:    string(d.AttackType),
		Confidence:    d.Confidence,
		EstimatedLoss: amountString(d.EstimatedLoss),
		Attacker:      d.Attacker,
		VictimTxID:    d.VictimTxID,
		RelatedTxIDs:  d.RelatedTxIDs,
		DetectedAt:    d.DetectedAt,
	}
}

// ConfigView is the wire form of the engine configuration.
type ConfigView struct {
	Level                 string `json:"level"`
	OrderingStrategy      string `json:"orderingStrategy"`
	EncryptionEnabled     bool   `json:"encryptionEnabled"`
	BatchSize             int    `json:"batchSize"`
	BatchInterval         string `json:"batchInterval"`
	MaxTransactions       int    `json:"maxTransactions"`
	CommitExpiry          string `json:"commitExpiry"`
	RevealBlockWindow     uint64 `json:"revealBlockWindow"`
	MaxCommitsPerUser     int    `json:"maxCommitsPerUser"`
	EnableAttackDetection bool   `json:"enableAttackDetection"`
	AutoProtectThreshold  string `json:"autoProtectThreshold"`
	SlippageProtectionBps uint64 `json:"slippageProtectionBps"`
}
