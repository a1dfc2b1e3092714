package protection

import (
	"math/big"
	"time"
)

// Stats is a point-in-time view of the engine's counters.
type Stats struct {
	TotalCommits    uint64 `json:"totalCommits"`
	TotalReveals    uint64 `json:"totalReveals"`
	TotalBatches    uint64 `json:"totalBatches"`
	ExecutedBatches uint64 `json:"executedBatches"`

	// AvgRevealLatency averages the most recent reveals.
	AvgRevealLatency time.Duration `json:"avgRevealLatency"`
	// AvgBatchSize is transactions dispatched per executed batch.
	AvgBatchSize float64 `json:"avgBatchSize"`

	DispatchedTxs uint64 `json:"dispatchedTxs"`
	SucceededTxs  uint64 `json:"succeededTxs"`
	FailedTxs     uint64 `json:"failedTxs"`

	MempoolSize     int    `json:"mempoolSize"`
	PendingTxs      int    `json:"pendingTxs"`
	PendingBatches  int    `json:"pendingBatches"`
	AttacksDetected uint64 `json:"attacksDetected"`

	// Rates are per second over a one-minute moving average.
	AcceptedSubmissions int64   `json:"acceptedSubmissions"`
	SubmissionRate      float64 `json:"submissionRate"`
	AttackRate          float64 `json:"attackRate"`

	ValueProtected *big.Int `json:"valueProtected"`
	DroppedEvents  uint64   `json:"droppedEvents"`
}

// GetProtectionStats aggregates the engine's counters.
func (e *Engine) GetProtectionStats() Stats {
	var s Stats
	if e.config.Level.Mempool() {
		s.MempoolSize = e.mempool.Size()
		s.PendingTxs = e.mempool.PendingCount()
		s.PendingBatches = len(e.mempool.PendingBatches())
	}
	s.AttacksDetected = e.detector.TotalDetected()
	s.DroppedEvents = e.events.Dropped()
	rates := e.rates.Snapshot()
	s.AcceptedSubmissions = rates.Submissions
	s.SubmissionRate = rates.SubmissionRate
	s.AttackRate = rates.AttackRate

	e.mu.Lock()
	defer e.mu.Unlock()
	s.TotalCommits = e.totalCommits
	s.TotalReveals = e.totalReveals
	s.TotalBatches = e.totalBatches
	s.ExecutedBatches = e.executedBatches
	s.DispatchedTxs = e.dispatchedTxs
	s.SucceededTxs = e.succeededTxs
	s.FailedTxs = e.failedTxs
	s.AvgRevealLatency = time.Duration(e.revealLatency.Mean() * float64(time.Millisecond))
	if e.executedBatches > 0 {
		s.AvgBatchSize = float64(e.dispatchedTxs) / float64(e.executedBatches)
	}
	s.ValueProtected = new(big.Int).Set(e.valueProtected)
	return s
}
