// Package protection ties the commit-reveal manager, the private mempool
// and the attack detector into one engine with shared configuration,
// statistics, metrics and events.
//
// The engine never polls. Deadlines are enforced when operations run, and
// the embedding application (or a Scheduler) calls ExpireCommits,
// RemoveExpiredTransactions and ShouldCreateBatch/CreateBatch periodically.
package protection

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/eth2030/mevguard/core/types"
	"github.com/eth2030/mevguard/crypto"
	"github.com/eth2030/mevguard/log"
	"github.com/eth2030/mevguard/metrics"
	"github.com/eth2030/mevguard/mevdetect"
	"github.com/eth2030/mevguard/storage"
	"github.com/eth2030/mevguard/txpool/batchpool"
	"github.com/eth2030/mevguard/txpool/commitreveal"
)

var (
	ErrCommitRevealDisabled = types.NewError(types.ErrState, "protection: commit-reveal disabled at this protection level")
	ErrMempoolDisabled      = types.NewError(types.ErrState, "protection: private mempool disabled at this protection level")
	ErrDetectionDisabled    = types.NewError(types.ErrState, "protection: attack detection disabled")
	ErrNoExecutor           = types.NewError(types.ErrState, "protection: no executor configured")
	ErrNoCipher             = types.NewError(types.ErrState, "protection: encryption enabled but no payload cipher configured")
)

// revealLatencyWindow is how many recent reveals the latency average spans.
const revealLatencyWindow = 100

// Option customises an Engine.
type Option func(*Engine)

// WithExecutor sets the executor used by ExecuteBatch.
func WithExecutor(x Executor) Option {
	return func(e *Engine) { e.executor = x }
}

// WithCipher sets the payload cipher used to open and seal mempool payloads.
func WithCipher(c *crypto.PayloadCipher) Option {
	return func(e *Engine) { e.cipher = c }
}

// WithLogger replaces the logger of the engine and its subsystems.
func WithLogger(l *log.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithRegisterer registers the engine's metrics on reg instead of a
// private registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(e *Engine) { e.registerer = reg }
}

// WithClock replaces the wall clock of the engine and its subsystems.
func WithClock(fn func() time.Time) Option {
	return func(e *Engine) { e.nowFunc = fn }
}

// WithEventBuffer sets the per-subscription event buffer size.
func WithEventBuffer(n int) Option {
	return func(e *Engine) { e.eventBuffer = n }
}

// Engine is the MEV protection orchestrator.
type Engine struct {
	config   Config
	db       storage.Database
	ownsDB   bool
	commits  *commitreveal.CommitManager
	mempool  *batchpool.PrivateMempool
	detector *mevdetect.Detector
	executor Executor
	cipher   *crypto.PayloadCipher
	events   *EventBus
	metrics  *metrics.Collectors
	log      *log.Logger
	nowFunc  func() time.Time

	registerer  prometheus.Registerer
	eventBuffer int

	mu              sync.Mutex // guards the counters below
	totalCommits    uint64
	totalReveals    uint64
	totalBatches    uint64
	executedBatches uint64
	dispatchedTxs   uint64
	succeededTxs    uint64
	failedTxs       uint64
	valueProtected  *big.Int
	revealLatency   *metrics.RingAverage
	rates           *metrics.Rates
	closed          bool
}

// New builds an engine over db. A nil db gets a private in-memory store,
// closed together with the engine.
func New(config Config, db storage.Database, opts ...Option) (*Engine, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		config:         config.Copy(),
		db:             db,
		log:            log.Default(),
		nowFunc:        time.Now,
		eventBuffer:    64,
		valueProtected: new(big.Int),
		revealLatency:  metrics.NewRingAverage(revealLatencyWindow),
	}
	if e.config.AutoProtectThreshold == nil {
		e.config.AutoProtectThreshold = new(uint256.Int)
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.config.Mempool.EncryptionEnabled && e.config.Level.Mempool() && e.cipher == nil {
		return nil, ErrNoCipher
	}
	if e.db == nil {
		e.db, e.ownsDB = storage.NewMemoryDB(), true
	}

	e.commits = commitreveal.NewCommitManager(e.config.CommitReveal, e.db)
	mempool, err := batchpool.NewPrivateMempool(e.config.Mempool, e.db)
	if err != nil {
		return nil, err
	}
	e.mempool = mempool
	e.detector = mevdetect.NewDetector(e.config.Detection)

	e.commits.SetLogger(e.log)
	e.mempool.SetLogger(e.log)
	e.detector.SetLogger(e.log)
	e.commits.SetClock(e.nowFunc)
	e.mempool.SetClock(e.nowFunc)
	e.detector.SetClock(e.nowFunc)
	e.log = e.log.Module("protection")

	e.events = NewEventBus(e.eventBuffer)
	e.metrics = metrics.NewCollectors(e.registerer)
	e.rates = metrics.NewRates()
	e.metrics.MempoolSize.Set(float64(e.mempool.Size()))

	e.log.Info("engine started", "level", e.config.Level, "ordering", e.config.Mempool.OrderingStrategy,
		"encryption", e.config.Mempool.EncryptionEnabled, "detection", e.config.EnableAttackDetection)
	return e, nil
}

// Close stops event delivery and releases a privately owned store.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.events.Close()
	e.rates.Stop()
	if e.ownsDB {
		return e.db.Close()
	}
	return nil
}

// Events returns the engine's event bus.
func (e *Engine) Events() *EventBus { return e.events }

// SubscribeEvents subscribes to the given event types, or to all of them.
func (e *Engine) SubscribeEvents(kinds ...EventType) *Subscription {
	return e.events.Subscribe(kinds...)
}

// GetConfig returns a copy of the configuration.
func (e *Engine) GetConfig() Config { return e.config.Copy() }

// Metrics returns the engine's Prometheus collectors.
func (e *Engine) Metrics() *metrics.Collectors { return e.metrics }

// SetBlockNumber records the current chain height for block-window checks.
func (e *Engine) SetBlockNumber(n uint64) {
	e.commits.SetBlockNumber(n)
}

// BlockNumber returns the last recorded chain height.
func (e *Engine) BlockNumber() uint64 {
	return e.commits.BlockNumber()
}

// MinAmountOut applies the configured slippage tolerance to an expected
// output amount.
func (e *Engine) MinAmountOut(expected *uint256.Int) *uint256.Int {
	if expected == nil {
		return new(uint256.Int)
	}
	keep := uint256.NewInt(10_000 - e.config.SlippageProtectionBps)
	out, overflow := new(uint256.Int).MulOverflow(expected, keep)
	if overflow {
		// expected/10000*keep loses at most the last four digits.
		out = new(uint256.Int).Div(expected, uint256.NewInt(10_000))
		return out.Mul(out, keep)
	}
	return out.Div(out, uint256.NewInt(10_000))
}

func (e *Engine) commitGate() error {
	if !e.config.Level.CommitReveal() {
		return ErrCommitRevealDisabled
	}
	return nil
}

func (e *Engine) mempoolGate() error {
	if !e.config.Level.Mempool() {
		return ErrMempoolDisabled
	}
	return nil
}

func (e *Engine) detectionGate() error {
	if !e.config.EnableAttackDetection {
		return ErrDetectionDisabled
	}
	return nil
}

// --- Commit-reveal ---

// CreateCommit commits to intent under nonce for userHash.
func (e *Engine) CreateCommit(intent *types.SwapIntent, nonce, userHash common.Hash) (*commitreveal.CommitData, error) {
	if err := e.commitGate(); err != nil {
		return nil, err
	}
	c, err := e.commits.CreateCommit(intent, nonce, userHash)
	if err != nil {
		e.metrics.CommitsTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}

	e.mu.Lock()
	e.totalCommits++
	if c.AmountIn != nil && !c.AmountIn.Lt(e.config.AutoProtectThreshold) {
		e.valueProtected.Add(e.valueProtected, c.AmountIn.ToBig())
		f, _ := new(big.Float).SetInt(e.valueProtected).Float64()
		e.metrics.ValueProtected.Set(f)
	}
	e.mu.Unlock()

	e.metrics.CommitsTotal.WithLabelValues("created").Inc()
	e.events.Publish(EventCommitCreated, &CommitEvent{Commit: c.Copy()})
	return c, nil
}

// RevealCommit discloses the intent behind a commit and verifies it.
func (e *Engine) RevealCommit(in *commitreveal.RevealInput) (*commitreveal.CommitData, error) {
	if err := e.commitGate(); err != nil {
		return nil, err
	}
	c, err := e.commits.RevealCommit(in)
	switch {
	case errors.Is(err, commitreveal.ErrCommitExpired):
		e.metrics.CommitsTotal.WithLabelValues("expired").Inc()
		if expired, gerr := e.commits.GetCommit(in.CommitID); gerr == nil {
			e.publishExpired(expired)
		}
		return nil, err
	case errors.Is(err, commitreveal.ErrHashMismatch):
		e.metrics.CommitsTotal.WithLabelValues("mismatch").Inc()
		return nil, err
	case err != nil:
		return nil, err
	}

	latency := time.Duration(c.RevealTimestamp-c.CommitTimestamp) * time.Millisecond
	e.mu.Lock()
	e.totalReveals++
	e.revealLatency.Observe(float64(latency.Milliseconds()))
	e.mu.Unlock()

	e.metrics.CommitsTotal.WithLabelValues("revealed").Inc()
	e.metrics.RevealLatency.Observe(latency.Seconds())
	e.events.Publish(EventCommitRevealed, &CommitEvent{Commit: c.Copy()})
	return c, nil
}

// CancelCommit withdraws a committed, unrevealed commit on behalf of its
// owner.
func (e *Engine) CancelCommit(id string, userHash common.Hash) error {
	if err := e.commitGate(); err != nil {
		return err
	}
	if err := e.commits.CancelCommit(id, userHash); err != nil {
		return err
	}
	e.metrics.CommitsTotal.WithLabelValues("cancelled").Inc()
	if c, err := e.commits.GetCommit(id); err == nil {
		e.events.Publish(EventCommitCancelled, &CommitEvent{Commit: c})
	}
	return nil
}

// MarkCommitExecuted records that a revealed commit's swap settled.
func (e *Engine) MarkCommitExecuted(id string) error {
	if err := e.commitGate(); err != nil {
		return err
	}
	return e.commits.MarkExecuted(id)
}

// MarkCommitFailed records that a revealed commit's swap failed.
func (e *Engine) MarkCommitFailed(id string) error {
	if err := e.commitGate(); err != nil {
		return err
	}
	return e.commits.MarkFailed(id)
}

// GetCommit returns a commit by ID.
func (e *Engine) GetCommit(id string) (*commitreveal.CommitData, error) {
	if err := e.commitGate(); err != nil {
		return nil, err
	}
	return e.commits.GetCommit(id)
}

// GetCommitsByUser returns a user's commits, oldest first.
func (e *Engine) GetCommitsByUser(userHash common.Hash) ([]*commitreveal.CommitData, error) {
	if err := e.commitGate(); err != nil {
		return nil, err
	}
	return e.commits.CommitsByUser(userHash)
}

// ExpireCommits expires every committed entry past its deadline and
// returns how many changed. It never fails.
func (e *Engine) ExpireCommits() int {
	if e.commitGate() != nil {
		return 0
	}
	expired := e.commits.Expire()
	for _, c := range expired {
		e.publishExpired(c)
	}
	if n := len(expired); n > 0 {
		e.metrics.CommitsTotal.WithLabelValues("expired").Add(float64(n))
		e.log.Info("commits expired", "count", n)
	}
	return len(expired)
}

func (e *Engine) publishExpired(c *commitreveal.CommitData) {
	e.events.Publish(EventCommitExpired, &CommitEvent{
		Commit:     c,
		PenaltyBps: e.config.CommitReveal.NoRevealPenaltyBps,
	})
}

// --- Private mempool ---

// SealPayload encrypts a plaintext payload for submission under txID.
func (e *Engine) SealPayload(txID string, plaintext []byte) (nonce, ciphertext []byte, err error) {
	if e.cipher == nil {
		return nil, nil, ErrNoCipher
	}
	return e.cipher.Seal(plaintext, []byte(txID))
}

// SubmitToMempool admits an encrypted transaction.
func (e *Engine) SubmitToMempool(tx *batchpool.EncryptedTransaction) (*batchpool.EncryptedTransaction, error) {
	if err := e.mempoolGate(); err != nil {
		return nil, err
	}
	stored, err := e.mempool.Submit(tx)
	if err != nil {
		e.metrics.MempoolSubmissions.WithLabelValues(submissionResult(err)).Inc()
		return nil, err
	}
	e.metrics.MempoolSubmissions.WithLabelValues("accepted").Inc()
	e.rates.MarkSubmission()
	e.metrics.MempoolSize.Set(float64(e.mempool.Size()))
	return stored, nil
}

func submissionResult(err error) string {
	switch {
	case errors.Is(err, types.ErrCapacity):
		return "full"
	case errors.Is(err, batchpool.ErrPriorityTooLow):
		return "low_priority"
	default:
		return "rejected"
	}
}

// RemoveFromMempool deletes a pending transaction.
func (e *Engine) RemoveFromMempool(id string) error {
	if err := e.mempoolGate(); err != nil {
		return err
	}
	if err := e.mempool.Remove(id); err != nil {
		return err
	}
	e.metrics.MempoolSize.Set(float64(e.mempool.Size()))
	return nil
}

// GetMempoolTransaction returns a stored transaction.
func (e *Engine) GetMempoolTransaction(id string) (*batchpool.EncryptedTransaction, error) {
	if err := e.mempoolGate(); err != nil {
		return nil, err
	}
	return e.mempool.Get(id)
}

// GetMempoolSize returns the number of stored transactions.
func (e *Engine) GetMempoolSize() int {
	if e.mempoolGate() != nil {
		return 0
	}
	return e.mempool.Size()
}

// RemoveExpiredTransactions drops expired mempool entries and returns how
// many went. It never fails.
func (e *Engine) RemoveExpiredTransactions() int {
	if e.mempoolGate() != nil {
		return 0
	}
	n := e.mempool.RemoveExpired()
	if n > 0 {
		e.metrics.MempoolSize.Set(float64(e.mempool.Size()))
	}
	return n
}

// CreateBatch cuts a batch from the pending transactions. A nil seed lets
// the mempool draw one for the seeded strategies.
func (e *Engine) CreateBatch(seed *uint64) (*batchpool.TransactionBatch, error) {
	if err := e.mempoolGate(); err != nil {
		return nil, err
	}
	b, err := e.mempool.CreateBatch(seed)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.totalBatches++
	e.mu.Unlock()

	e.metrics.BatchesTotal.WithLabelValues("created").Inc()
	e.metrics.BatchSize.Observe(float64(len(b.Transactions)))
	e.events.Publish(EventBatchCreated, &BatchEvent{Batch: b.Copy()})
	return b, nil
}

// ShouldCreateBatch reports whether the batch time or size trigger fired.
func (e *Engine) ShouldCreateBatch() bool {
	if e.mempoolGate() != nil {
		return false
	}
	return e.mempool.ShouldCreateBatch()
}

// GetBatch returns a batch by ID.
func (e *Engine) GetBatch(id string) (*batchpool.TransactionBatch, error) {
	if err := e.mempoolGate(); err != nil {
		return nil, err
	}
	return e.mempool.GetBatch(id)
}

// GetPendingBatches returns the ordered and executing batches.
func (e *Engine) GetPendingBatches() []*batchpool.TransactionBatch {
	if e.mempoolGate() != nil {
		return nil
	}
	return e.mempool.PendingBatches()
}

// ExecuteBatch dispatches an ordered batch to the executor, one transaction
// at a time in batch order. A failing transaction is recorded and the rest
// still run; once ctx is done the remaining transactions are recorded as
// failed without being dispatched. The batch ends failed only when no
// transaction succeeded.
func (e *Engine) ExecuteBatch(ctx context.Context, batchID string) (*batchpool.TransactionBatch, error) {
	if err := e.mempoolGate(); err != nil {
		return nil, err
	}
	if e.executor == nil {
		return nil, ErrNoExecutor
	}
	b, err := e.mempool.GetBatch(batchID)
	if err != nil {
		return nil, err
	}
	if err := e.mempool.MarkBatchExecuting(batchID); err != nil {
		return nil, err
	}
	e.log.Info("executing batch", "id", batchID, "size", len(b.Transactions), "strategy", b.Strategy)

	results := make([]*batchpool.BatchExecutionResult, 0, len(b.Transactions))
	succeeded := 0
	for i, tx := range b.Transactions {
		res := e.executeOne(ctx, b, i, tx)
		if res.Success {
			succeeded++
			e.metrics.BatchTxResults.WithLabelValues("success").Inc()
		} else {
			e.metrics.BatchTxResults.WithLabelValues("failure").Inc()
		}
		results = append(results, res)
	}

	status := "executed"
	if succeeded == 0 && len(results) > 0 {
		status = "failed"
		err = e.mempool.MarkBatchFailed(batchID, results)
	} else {
		err = e.mempool.MarkBatchExecuted(batchID, results)
	}
	if err != nil {
		return nil, fmt.Errorf("protection: finish batch %s: %w", batchID, err)
	}

	e.mu.Lock()
	e.executedBatches++
	e.dispatchedTxs += uint64(len(results))
	e.succeededTxs += uint64(succeeded)
	e.failedTxs += uint64(len(results) - succeeded)
	e.mu.Unlock()

	e.metrics.BatchesTotal.WithLabelValues(status).Inc()
	e.metrics.MempoolSize.Set(float64(e.mempool.Size()))

	done, err := e.mempool.GetBatch(batchID)
	if err != nil {
		return nil, err
	}
	e.log.Info("batch executed", "id", batchID, "succeeded", succeeded, "failed", len(results)-succeeded)
	e.events.Publish(EventBatchExecuted, &BatchEvent{Batch: done.Copy()})
	return done, nil
}

func (e *Engine) executeOne(ctx context.Context, b *batchpool.TransactionBatch, pos int, tx *batchpool.EncryptedTransaction) *batchpool.BatchExecutionResult {
	res := &batchpool.BatchExecutionResult{TxID: tx.ID}
	if err := ctx.Err(); err != nil {
		res.Error = err.Error()
		return res
	}
	payload := tx.EncryptedPayload
	if e.config.Mempool.EncryptionEnabled {
		pt, err := e.cipher.Open(tx.Nonce, tx.EncryptedPayload, []byte(tx.ID))
		if err != nil {
			e.log.Warn("payload rejected", "tx", tx.ID, "err", err)
			res.Error = err.Error()
			return res
		}
		payload = pt
	}
	receipt, err := e.executor.Execute(ctx, &ExecutableTx{
		ID:             tx.ID,
		Payload:        payload,
		CommitHash:     tx.CommitHash,
		Priority:       tx.Priority,
		SequenceNumber: tx.SequenceNumber,
		BatchID:        b.ID,
		Position:       pos,
	})
	if err != nil {
		e.log.Debug("transaction failed", "tx", tx.ID, "batch", b.ID, "err", err)
		res.Error = err.Error()
		return res
	}
	res.Success = true
	if receipt != nil {
		res.TxRef = receipt.TxRef
		res.GasUsed = receipt.GasUsed
	}
	return res
}

// --- Attack detection ---

// RecordTransaction adds an observed pool transaction to the detection
// window.
func (e *Engine) RecordTransaction(rec *mevdetect.TransactionRecord) error {
	if err := e.detectionGate(); err != nil {
		return err
	}
	return e.detector.RecordTransaction(rec)
}

// DetectAttack analyses txID. An unknown transaction is not an error; it
// yields a negative detection.
func (e *Engine) DetectAttack(txID string) (*mevdetect.Detection, error) {
	if err := e.detectionGate(); err != nil {
		return nil, err
	}
	before := e.detector.TotalDetected()
	det := e.detector.Analyze(txID)
	if det.Detected && e.detector.TotalDetected() > before {
		e.metrics.AttacksDetected.WithLabelValues(string(det.AttackType)).Inc()
		e.rates.MarkAttack()
		e.events.Publish(EventAttackDetected, &AttackEvent{Detection: det.Copy()})
	}
	return det, nil
}

// GetRecentAttacks returns up to limit detections, newest first.
func (e *Engine) GetRecentAttacks(limit int) []*mevdetect.Detection {
	return e.detector.RecentAttacks(limit)
}

// --- Housekeeping ---

// CleanupResult counts what Cleanup removed.
type CleanupResult struct {
	Commits      int `json:"commits"`
	Batches      int `json:"batches"`
	Transactions int `json:"transactions"`
	Records      int `json:"records"`
}

// Cleanup removes terminal commits and batches older than maxAge, expired
// mempool entries and detection records outside the window. It never fails.
func (e *Engine) Cleanup(maxAge time.Duration) CleanupResult {
	var res CleanupResult
	if e.config.Level.CommitReveal() {
		e.ExpireCommits()
		res.Commits = e.commits.ClearOldCommits(maxAge)
	}
	if e.config.Level.Mempool() {
		res.Transactions = e.RemoveExpiredTransactions()
		res.Batches = e.mempool.ClearOldBatches(maxAge)
	}
	res.Records = e.detector.Prune()
	e.log.Info("cleanup", "commits", res.Commits, "batches", res.Batches,
		"transactions", res.Transactions, "records", res.Records)
	return res
}
