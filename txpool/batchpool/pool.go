package batchpool

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/eth2030/mevguard/core/types"
	"github.com/eth2030/mevguard/log"
	"github.com/eth2030/mevguard/storage"
)

var (
	ErrEmptyID               = types.NewError(types.ErrValidation, "batchpool: transaction ID is empty")
	ErrEmptyPayload          = types.NewError(types.ErrValidation, "batchpool: encrypted payload is empty")
	ErrDuplicateTransaction  = types.NewError(types.ErrValidation, "batchpool: transaction already in mempool")
	ErrPriorityTooLow        = types.NewError(types.ErrValidation, "batchpool: priority below minimum")
	ErrMempoolFull           = types.NewError(types.ErrCapacity, "batchpool: mempool is full")
	ErrTxNotFound            = types.NewError(types.ErrNotFound, "batchpool: transaction not found")
	ErrBatchNotFound         = types.NewError(types.ErrNotFound, "batchpool: batch not found")
	ErrNoPendingTransactions = types.NewError(types.ErrState, "batchpool: no pending transactions")
	ErrTransactionBatched    = types.NewError(types.ErrState, "batchpool: transaction belongs to an open batch")
	ErrInvalidBatchState     = types.NewError(types.ErrState, "batchpool: invalid batch state")
)

// PrivateMempool stages encrypted transactions and cuts them into ordered
// batches. Selection and marking of a batch's transactions happen inside one
// critical section and one storage batch, so a transaction can never land in
// two open batches.
type PrivateMempool struct {
	mu      sync.Mutex
	config  Config
	policy  OrderingPolicy
	db      storage.Database
	nowFunc func() time.Time // injectable clock for testing
	log     *log.Logger

	seq       uint64 // last assigned sequence number
	lastBatch uint64 // unix ms of the last batch, or of the first submission
	size      int    // stored transactions, any status
	pending   int    // stored transactions with TxPending
}

// NewPrivateMempool opens a mempool over db, restoring counters from any
// state already stored there.
func NewPrivateMempool(config Config, db storage.Database) (*PrivateMempool, error) {
	p := &PrivateMempool{
		config:  config,
		policy:  PolicyFor(config.OrderingStrategy),
		db:      db,
		nowFunc: time.Now,
		log:     log.Default().Module("batchpool"),
	}
	if p.config.MinPriority == nil {
		p.config.MinPriority = new(uint256.Int)
	}
	if err := p.load(); err != nil {
		return nil, err
	}
	if config.OrderingStrategy == StrategyVDF {
		p.log.Warn("vdf ordering has no delay function configured, ordering first-in first-out")
	}
	return p, nil
}

func (p *PrivateMempool) load() error {
	var err error
	if p.seq, err = storage.ReadUint64(p.db, storage.SequenceCounterKey()); err != nil {
		return fmt.Errorf("batchpool: read sequence counter: %w", err)
	}
	if p.lastBatch, err = storage.ReadUint64(p.db, storage.LastBatchTimeKey()); err != nil {
		return fmt.Errorf("batchpool: read last batch time: %w", err)
	}
	txs, err := txsByArrival(p.db, 0, func(*EncryptedTransaction) bool { return true })
	if err != nil {
		return fmt.Errorf("batchpool: load transactions: %w", err)
	}
	p.size, p.pending = len(txs), 0
	for _, tx := range txs {
		if tx.Status == TxPending {
			p.pending++
		}
	}
	return nil
}

// SetClock replaces the wall clock used for expiry and batch timing.
func (p *PrivateMempool) SetClock(fn func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nowFunc = fn
}

// SetLogger replaces the logger.
func (p *PrivateMempool) SetLogger(l *log.Logger) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.log = l.Module("batchpool")
}

// Config returns the mempool configuration.
func (p *PrivateMempool) Config() Config { return p.config }

func (p *PrivateMempool) now() uint64 {
	return uint64(p.nowFunc().UnixMilli())
}

// Submit admits a transaction, assigning it the next sequence number. The
// stored copy is returned.
func (p *PrivateMempool) Submit(tx *EncryptedTransaction) (*EncryptedTransaction, error) {
	if tx == nil || tx.ID == "" {
		return nil, ErrEmptyID
	}
	if len(tx.EncryptedPayload) == 0 {
		return nil, ErrEmptyPayload
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, err := readTx(p.db, tx.ID); err != nil {
		return nil, fmt.Errorf("batchpool: lookup: %w", err)
	} else if existing != nil {
		return nil, ErrDuplicateTransaction
	}
	if p.size >= p.config.MaxTransactions {
		p.removeExpiredLocked()
		if p.size >= p.config.MaxTransactions {
			return nil, fmt.Errorf("%w: %d transactions", ErrMempoolFull, p.size)
		}
	}
	stored := tx.Copy()
	if stored.Priority == nil {
		stored.Priority = new(uint256.Int)
	}
	if stored.Priority.Lt(p.config.MinPriority) {
		return nil, fmt.Errorf("%w: %s < %s", ErrPriorityTooLow, stored.Priority.Dec(), p.config.MinPriority.Dec())
	}

	now := p.now()
	stored.Status = TxPending
	stored.BatchID = ""
	stored.Timestamp = now
	if stored.ExpiryTimestamp == 0 {
		stored.ExpiryTimestamp = now + uint64(p.config.TransactionExpiry.Milliseconds())
	}
	stored.SequenceNumber = p.seq + 1

	batch := p.db.NewBatch()
	if err := writeTx(batch, stored); err != nil {
		return nil, err
	}
	if err := storage.WriteUint64(batch, storage.SequenceCounterKey(), stored.SequenceNumber); err != nil {
		return nil, err
	}
	if err := batch.Write(); err != nil {
		return nil, fmt.Errorf("batchpool: store transaction: %w", err)
	}
	p.seq = stored.SequenceNumber
	if p.lastBatch == 0 {
		p.lastBatch = now
	}
	p.size++
	p.pending++
	p.log.Debug("transaction submitted", "id", stored.ID, "seq", stored.SequenceNumber, "priority", stored.Priority.Dec())
	return stored.Copy(), nil
}

// Remove deletes a pending transaction. Transactions that belong to an open
// batch cannot be removed.
func (p *PrivateMempool) Remove(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	tx, err := readTx(p.db, id)
	if err != nil {
		return fmt.Errorf("batchpool: lookup: %w", err)
	}
	if tx == nil {
		return ErrTxNotFound
	}
	if tx.Status != TxPending {
		return fmt.Errorf("%w: batch %s", ErrTransactionBatched, tx.BatchID)
	}
	batch := p.db.NewBatch()
	if err := deleteTx(batch, tx); err != nil {
		return err
	}
	if err := batch.Write(); err != nil {
		return fmt.Errorf("batchpool: remove transaction: %w", err)
	}
	p.size--
	p.pending--
	return nil
}

// CreateBatch selects up to BatchSize pending transactions by arrival,
// orders them with the configured policy and marks them batched. A nil seed
// draws one from crypto/rand for the seeded strategies; the seed used is
// recorded on the batch.
func (p *PrivateMempool) CreateBatch(seed *uint64) (*TransactionBatch, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	candidates, err := txsByArrival(p.db, p.config.BatchSize, batchable(now))
	if err != nil {
		return nil, fmt.Errorf("batchpool: select candidates: %w", err)
	}
	if len(candidates) == 0 {
		return nil, ErrNoPendingTransactions
	}

	b := &TransactionBatch{
		ID:        uuid.NewString(),
		CreatedAt: now,
		Strategy:  p.policy.Name(),
		Status:    BatchOrdered,
	}
	if seed != nil {
		b.HasSeed, b.RandomSeed = true, *seed
	} else if b.Strategy.Seeded() {
		s, err := randomSeed()
		if err != nil {
			return nil, fmt.Errorf("batchpool: draw seed: %w", err)
		}
		b.HasSeed, b.RandomSeed = true, s
	}
	b.Transactions = p.policy.Order(candidates, b.RandomSeed)

	wb := p.db.NewBatch()
	for _, tx := range b.Transactions {
		tx.Status = TxBatched
		tx.BatchID = b.ID
		if err := writeTx(wb, tx); err != nil {
			return nil, err
		}
	}
	if err := storage.WriteRLP(wb, storage.BatchKey(b.ID), b); err != nil {
		return nil, err
	}
	if err := storage.WriteUint64(wb, storage.LastBatchTimeKey(), now); err != nil {
		return nil, err
	}
	if err := wb.Write(); err != nil {
		return nil, fmt.Errorf("batchpool: store batch: %w", err)
	}
	p.pending -= len(b.Transactions)
	p.lastBatch = now
	p.log.Info("batch created", "id", b.ID, "size", len(b.Transactions), "strategy", b.Strategy, "seed", b.RandomSeed)
	return b.Copy(), nil
}

// batchable selects pending transactions that have not expired at now.
func batchable(now uint64) func(*EncryptedTransaction) bool {
	return func(tx *EncryptedTransaction) bool {
		return tx.Status == TxPending && now <= tx.ExpiryTimestamp
	}
}

func randomSeed() (uint64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

// ShouldCreateBatch reports whether the time or size trigger has fired.
func (p *PrivateMempool) ShouldCreateBatch() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pending == 0 {
		return false
	}
	// Expired entries awaiting a sweep do not count toward either trigger.
	now := p.now()
	live, err := txsByArrival(p.db, p.config.BatchSize, batchable(now))
	if err != nil {
		p.log.Error("batch trigger lookup failed", "err", err)
		return false
	}
	if len(live) >= p.config.BatchSize {
		return true
	}
	if len(live) == 0 || now < p.lastBatch {
		return false
	}
	return now-p.lastBatch >= uint64(p.config.BatchInterval.Milliseconds())
}

// MarkBatchExecuting moves an ordered batch to executing.
func (p *PrivateMempool) MarkBatchExecuting(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	b, err := p.batchLocked(id)
	if err != nil {
		return err
	}
	if b.Status != BatchOrdered {
		return fmt.Errorf("%w: cannot execute %s batch", ErrInvalidBatchState, b.Status)
	}
	b.Status = BatchExecuting
	return storage.WriteRLP(p.db, storage.BatchKey(b.ID), b)
}

// MarkBatchExecuted records the results of an executing batch and removes
// its transactions from the pool.
func (p *PrivateMempool) MarkBatchExecuted(id string, results []*BatchExecutionResult) error {
	return p.finish(id, BatchExecuted, results)
}

// MarkBatchFailed is MarkBatchExecuted for a batch in which nothing
// succeeded.
func (p *PrivateMempool) MarkBatchFailed(id string, results []*BatchExecutionResult) error {
	return p.finish(id, BatchFailed, results)
}

func (p *PrivateMempool) finish(id string, status BatchStatus, results []*BatchExecutionResult) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	b, err := p.batchLocked(id)
	if err != nil {
		return err
	}
	if b.Status != BatchExecuting {
		return fmt.Errorf("%w: cannot finish %s batch", ErrInvalidBatchState, b.Status)
	}
	b.Status = status
	b.Results = results
	b.CompletedAt = p.now()

	wb := p.db.NewBatch()
	removed := 0
	for _, snap := range b.Transactions {
		tx, err := readTx(p.db, snap.ID)
		if err != nil {
			return fmt.Errorf("batchpool: lookup: %w", err)
		}
		// Expired entries may already be gone, and their IDs resubmitted.
		if tx == nil || tx.BatchID != b.ID {
			continue
		}
		if err := deleteTx(wb, tx); err != nil {
			return err
		}
		removed++
	}
	if err := storage.WriteRLP(wb, storage.BatchKey(b.ID), b); err != nil {
		return err
	}
	if err := wb.Write(); err != nil {
		return fmt.Errorf("batchpool: finish batch: %w", err)
	}
	p.size -= removed
	p.log.Info("batch finished", "id", b.ID, "status", b.Status, "removed", removed)
	return nil
}

func (p *PrivateMempool) batchLocked(id string) (*TransactionBatch, error) {
	b, err := readBatch(p.db, id)
	if err != nil {
		return nil, fmt.Errorf("batchpool: load batch: %w", err)
	}
	if b == nil {
		return nil, ErrBatchNotFound
	}
	return b, nil
}

// RemoveExpired drops every transaction past its expiry, whatever its
// status, and returns how many were removed.
func (p *PrivateMempool) RemoveExpired() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.removeExpiredLocked()
}

func (p *PrivateMempool) removeExpiredLocked() int {
	now := p.now()
	expired, err := txsByArrival(p.db, 0, func(tx *EncryptedTransaction) bool {
		return now > tx.ExpiryTimestamp
	})
	if err != nil {
		p.log.Error("expiry sweep: load transactions", "err", err)
		return 0
	}
	if len(expired) == 0 {
		return 0
	}
	wb := p.db.NewBatch()
	pending := 0
	for _, tx := range expired {
		if err := deleteTx(wb, tx); err != nil {
			p.log.Error("expiry sweep: delete", "id", tx.ID, "err", err)
			return 0
		}
		if tx.Status == TxPending {
			pending++
		}
	}
	if err := wb.Write(); err != nil {
		p.log.Error("expiry sweep: write", "err", err)
		return 0
	}
	p.size -= len(expired)
	p.pending -= pending
	p.log.Debug("transactions expired", "count", len(expired))
	return len(expired)
}

// Get returns a copy of a stored transaction.
func (p *PrivateMempool) Get(id string) (*EncryptedTransaction, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	tx, err := readTx(p.db, id)
	if err != nil {
		return nil, fmt.Errorf("batchpool: lookup: %w", err)
	}
	if tx == nil {
		return nil, ErrTxNotFound
	}
	return tx, nil
}

// Size returns the number of stored transactions in any status.
func (p *PrivateMempool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size
}

// PendingCount returns the number of transactions awaiting a batch.
func (p *PrivateMempool) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending
}

// GetBatch returns a copy of a batch.
func (p *PrivateMempool) GetBatch(id string) (*TransactionBatch, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.batchLocked(id)
}

// PendingBatches returns the open (ordered or executing) batches, oldest
// first.
func (p *PrivateMempool) PendingBatches() []*TransactionBatch {
	p.mu.Lock()
	defer p.mu.Unlock()

	all, err := allBatches(p.db)
	if err != nil {
		p.log.Error("load batches", "err", err)
		return nil
	}
	var out []*TransactionBatch
	for _, b := range all {
		if b.Status.Open() {
			out = append(out, b)
		}
	}
	return out
}

// ClearOldBatches deletes terminal batches completed more than maxAge ago.
func (p *PrivateMempool) ClearOldBatches(maxAge time.Duration) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	all, err := allBatches(p.db)
	if err != nil {
		p.log.Error("cleanup: load batches", "err", err)
		return 0
	}
	now := p.now()
	age := uint64(maxAge.Milliseconds())
	var cutoff uint64
	if now > age {
		cutoff = now - age
	}
	wb := p.db.NewBatch()
	removed := 0
	for _, b := range all {
		if !b.Status.Open() && b.CompletedAt < cutoff {
			wb.Delete(storage.BatchKey(b.ID))
			removed++
		}
	}
	if removed == 0 {
		return 0
	}
	if err := wb.Write(); err != nil {
		p.log.Error("cleanup: write", "err", err)
		return 0
	}
	return removed
}
