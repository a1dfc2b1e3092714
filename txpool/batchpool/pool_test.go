package batchpool

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/holiman/uint256"

	"github.com/eth2030/mevguard/core/types"
	"github.com/eth2030/mevguard/log"
	"github.com/eth2030/mevguard/storage"
)

func testConfig() Config {
	c := DefaultConfig()
	c.MaxTransactions = 100
	c.BatchSize = 10
	c.TransactionExpiry = time.Minute
	c.BatchInterval = 2 * time.Second
	c.OrderingStrategy = StrategyFIFO
	return c
}

func newTestPoolDB(t *testing.T, config Config, db storage.Database) (*PrivateMempool, *time.Time) {
	t.Helper()
	p, err := NewPrivateMempool(config, db)
	if err != nil {
		t.Fatalf("NewPrivateMempool: %v", err)
	}
	p.SetLogger(log.Discard())
	clock := time.UnixMilli(1_700_000_000_000)
	p.nowFunc = func() time.Time { return clock }
	return p, &clock
}

func newTestPool(t *testing.T, config Config) (*PrivateMempool, *time.Time) {
	t.Helper()
	db := storage.NewMemoryDB()
	t.Cleanup(func() { db.Close() })
	return newTestPoolDB(t, config, db)
}

func testTx(id string, priority uint64) *EncryptedTransaction {
	return &EncryptedTransaction{
		ID:               id,
		EncryptedPayload: []byte("sealed:" + id),
		Nonce:            make([]byte, 24),
		Priority:         uint256.NewInt(priority),
	}
}

func mustSubmit(t *testing.T, p *PrivateMempool, tx *EncryptedTransaction) *EncryptedTransaction {
	t.Helper()
	stored, err := p.Submit(tx)
	if err != nil {
		t.Fatalf("Submit(%s): %v", tx.ID, err)
	}
	return stored
}

func seed(n uint64) *uint64 { return &n }

// --- Submission ---

func TestSubmit_AssignsSequence(t *testing.T) {
	p, clock := newTestPool(t, testConfig())

	a := mustSubmit(t, p, testTx("a", 1))
	b := mustSubmit(t, p, testTx("b", 1))
	if a.SequenceNumber != 1 || b.SequenceNumber != 2 {
		t.Fatalf("sequence: want 1,2, got %d,%d", a.SequenceNumber, b.SequenceNumber)
	}
	if a.Status != TxPending {
		t.Fatalf("status: want pending, got %s", a.Status)
	}
	if a.Timestamp != uint64(clock.UnixMilli()) {
		t.Fatalf("timestamp: want %d, got %d", clock.UnixMilli(), a.Timestamp)
	}
	if want := a.Timestamp + uint64(time.Minute.Milliseconds()); a.ExpiryTimestamp != want {
		t.Fatalf("expiry: want %d, got %d", want, a.ExpiryTimestamp)
	}
	if p.Size() != 2 || p.PendingCount() != 2 {
		t.Fatalf("size/pending: want 2/2, got %d/%d", p.Size(), p.PendingCount())
	}
}

func TestSubmit_Validation(t *testing.T) {
	p, _ := newTestPool(t, testConfig())

	if _, err := p.Submit(&EncryptedTransaction{EncryptedPayload: []byte{1}}); !errors.Is(err, ErrEmptyID) {
		t.Fatalf("empty id: want ErrEmptyID, got %v", err)
	}
	if _, err := p.Submit(&EncryptedTransaction{ID: "x"}); !errors.Is(err, ErrEmptyPayload) {
		t.Fatalf("empty payload: want ErrEmptyPayload, got %v", err)
	}
	mustSubmit(t, p, testTx("x", 1))
	_, err := p.Submit(testTx("x", 1))
	if !errors.Is(err, ErrDuplicateTransaction) || !errors.Is(err, types.ErrValidation) {
		t.Fatalf("duplicate: want ErrDuplicateTransaction, got %v", err)
	}
}

func TestSubmit_MinPriority(t *testing.T) {
	config := testConfig()
	config.MinPriority = uint256.NewInt(100)
	p, _ := newTestPool(t, config)

	if _, err := p.Submit(testTx("low", 99)); !errors.Is(err, ErrPriorityTooLow) {
		t.Fatalf("low priority: want ErrPriorityTooLow, got %v", err)
	}
	mustSubmit(t, p, testTx("ok", 100))
}

func TestSubmit_CapacityExceeded(t *testing.T) {
	config := testConfig()
	config.MaxTransactions = 3
	config.BatchSize = 3
	p, _ := newTestPool(t, config)

	for i := 0; i < 3; i++ {
		mustSubmit(t, p, testTx(fmt.Sprintf("tx%d", i), 1))
	}
	_, err := p.Submit(testTx("overflow", 1))
	if !errors.Is(err, ErrMempoolFull) || !errors.Is(err, types.ErrCapacity) {
		t.Fatalf("full pool: want capacity error, got %v", err)
	}
	if p.Size() != 3 {
		t.Fatalf("size: want 3, got %d", p.Size())
	}
}

func TestSubmit_FullPoolEvictsExpired(t *testing.T) {
	config := testConfig()
	config.MaxTransactions = 2
	config.BatchSize = 2
	p, clock := newTestPool(t, config)

	mustSubmit(t, p, testTx("old", 1))
	*clock = clock.Add(30 * time.Second)
	mustSubmit(t, p, testTx("young", 1))
	*clock = clock.Add(31 * time.Second)

	mustSubmit(t, p, testTx("new", 1))
	if _, err := p.Get("old"); !errors.Is(err, ErrTxNotFound) {
		t.Fatalf("expired entry: want ErrTxNotFound, got %v", err)
	}
	if p.Size() != 2 {
		t.Fatalf("size: want 2, got %d", p.Size())
	}
}

// --- Removal and expiry ---

func TestRemove(t *testing.T) {
	p, _ := newTestPool(t, testConfig())
	mustSubmit(t, p, testTx("a", 1))

	if err := p.Remove("a"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := p.Remove("a"); !errors.Is(err, ErrTxNotFound) {
		t.Fatalf("second remove: want ErrTxNotFound, got %v", err)
	}
	if p.Size() != 0 || p.PendingCount() != 0 {
		t.Fatalf("size/pending: want 0/0, got %d/%d", p.Size(), p.PendingCount())
	}
}

func TestRemove_BatchedRejected(t *testing.T) {
	p, _ := newTestPool(t, testConfig())
	mustSubmit(t, p, testTx("a", 1))
	if _, err := p.CreateBatch(nil); err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}
	if err := p.Remove("a"); !errors.Is(err, ErrTransactionBatched) {
		t.Fatalf("batched remove: want ErrTransactionBatched, got %v", err)
	}
}

func TestRemoveExpired(t *testing.T) {
	p, clock := newTestPool(t, testConfig())
	mustSubmit(t, p, testTx("a", 1))
	*clock = clock.Add(30 * time.Second)
	mustSubmit(t, p, testTx("b", 1))

	if n := p.RemoveExpired(); n != 0 {
		t.Fatalf("nothing expired yet: removed %d", n)
	}
	*clock = clock.Add(31 * time.Second)
	if n := p.RemoveExpired(); n != 1 {
		t.Fatalf("first sweep: want 1, got %d", n)
	}
	if n := p.RemoveExpired(); n != 0 {
		t.Fatalf("second sweep: want 0, got %d", n)
	}
	if _, err := p.Get("b"); err != nil {
		t.Fatalf("b should survive: %v", err)
	}
	if p.PendingCount() != 1 {
		t.Fatalf("pending: want 1, got %d", p.PendingCount())
	}
}

// --- Batching ---

func TestCreateBatch_Empty(t *testing.T) {
	p, _ := newTestPool(t, testConfig())
	_, err := p.CreateBatch(nil)
	if !errors.Is(err, ErrNoPendingTransactions) || !errors.Is(err, types.ErrState) {
		t.Fatalf("empty pool: want ErrNoPendingTransactions, got %v", err)
	}
}

func TestCreateBatch_FIFO(t *testing.T) {
	p, _ := newTestPool(t, testConfig())
	for i := 0; i < 5; i++ {
		mustSubmit(t, p, testTx(fmt.Sprintf("tx%d", i), uint64(5-i)))
	}
	b, err := p.CreateBatch(nil)
	if err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}
	if b.Status != BatchOrdered || b.Strategy != StrategyFIFO {
		t.Fatalf("batch: want ordered/fifo, got %s/%s", b.Status, b.Strategy)
	}
	if b.HasSeed {
		t.Fatal("fifo batch should not draw a seed")
	}
	if len(b.Transactions) != 5 {
		t.Fatalf("batch size: want 5, got %d", len(b.Transactions))
	}
	for i := 1; i < len(b.Transactions); i++ {
		if b.Transactions[i-1].SequenceNumber >= b.Transactions[i].SequenceNumber {
			t.Fatalf("fifo batch not in arrival order at %d", i)
		}
	}
	for _, tx := range b.Transactions {
		if tx.Status != TxBatched || tx.BatchID != b.ID {
			t.Fatalf("tx %s: want batched into %s, got %s/%s", tx.ID, b.ID, tx.Status, tx.BatchID)
		}
	}
	if p.PendingCount() != 0 || p.Size() != 5 {
		t.Fatalf("size/pending: want 5/0, got %d/%d", p.Size(), p.PendingCount())
	}
}

func TestCreateBatch_RespectsBatchSize(t *testing.T) {
	config := testConfig()
	config.BatchSize = 3
	p, _ := newTestPool(t, config)
	for i := 0; i < 7; i++ {
		mustSubmit(t, p, testTx(fmt.Sprintf("tx%d", i), 1))
	}
	b, err := p.CreateBatch(nil)
	if err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}
	if len(b.Transactions) != 3 || b.Transactions[0].ID != "tx0" {
		t.Fatalf("first batch: want tx0..tx2, got %v", b.TxIDs())
	}
	if p.PendingCount() != 4 {
		t.Fatalf("pending: want 4, got %d", p.PendingCount())
	}
}

func TestCreateBatch_NoDoubleBatching(t *testing.T) {
	config := testConfig()
	config.BatchSize = 4
	config.OrderingStrategy = StrategyRandom
	p, _ := newTestPool(t, config)
	for i := 0; i < 10; i++ {
		mustSubmit(t, p, testTx(fmt.Sprintf("tx%d", i), 1))
	}
	seen := make(map[string]string)
	for {
		b, err := p.CreateBatch(nil)
		if errors.Is(err, ErrNoPendingTransactions) {
			break
		}
		if err != nil {
			t.Fatalf("CreateBatch: %v", err)
		}
		if !b.HasSeed {
			t.Fatal("random batch without a seed")
		}
		for _, id := range b.TxIDs() {
			if prev, ok := seen[id]; ok {
				t.Fatalf("%s in batches %s and %s", id, prev, b.ID)
			}
			seen[id] = b.ID
		}
	}
	if len(seen) != 10 {
		t.Fatalf("batched: want 10, got %d", len(seen))
	}
	if got := len(p.PendingBatches()); got != 3 {
		t.Fatalf("pending batches: want 3, got %d", got)
	}
}

func TestSubmit_ConcurrentSequence(t *testing.T) {
	config := testConfig()
	config.MaxTransactions = 1000
	p, _ := newTestPool(t, config)

	const submitters, perSubmitter = 8, 50
	seqs := make([][]uint64, submitters)
	var wg sync.WaitGroup
	for w := 0; w < submitters; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perSubmitter; i++ {
				stored, err := p.Submit(testTx(fmt.Sprintf("w%d-%d", w, i), 1))
				if err != nil {
					t.Errorf("Submit: %v", err)
					return
				}
				seqs[w] = append(seqs[w], stored.SequenceNumber)
			}
		}(w)
	}
	wg.Wait()

	seen := make(map[uint64]bool)
	for w, list := range seqs {
		for i, n := range list {
			if seen[n] {
				t.Fatalf("sequence %d assigned twice", n)
			}
			seen[n] = true
			if i > 0 && n <= list[i-1] {
				t.Fatalf("submitter %d: sequence %d after %d", w, n, list[i-1])
			}
		}
	}
	if len(seen) != submitters*perSubmitter {
		t.Fatalf("sequences: want %d, got %d", submitters*perSubmitter, len(seen))
	}
}

func TestCreateBatch_ConcurrentNoDoubleBatching(t *testing.T) {
	config := testConfig()
	config.MaxTransactions = 1000
	config.BatchSize = 7
	p, _ := newTestPool(t, config)

	const submitters, perSubmitter, batchers = 8, 50, 8
	var (
		mu      sync.Mutex
		batched = make(map[string]string)
		subWG   sync.WaitGroup
		batchWG sync.WaitGroup
		done    = make(chan struct{})
	)
	collect := func() bool {
		b, err := p.CreateBatch(nil)
		if errors.Is(err, ErrNoPendingTransactions) {
			return false
		}
		if err != nil {
			t.Errorf("CreateBatch: %v", err)
			return false
		}
		mu.Lock()
		defer mu.Unlock()
		for _, tx := range b.Transactions {
			if prev, ok := batched[tx.ID]; ok {
				t.Errorf("tx %s in batches %s and %s", tx.ID, prev, b.ID)
			}
			batched[tx.ID] = b.ID
		}
		return true
	}

	for w := 0; w < batchers; w++ {
		batchWG.Add(1)
		go func() {
			defer batchWG.Done()
			for {
				select {
				case <-done:
					return
				default:
					collect()
				}
			}
		}()
	}
	for w := 0; w < submitters; w++ {
		subWG.Add(1)
		go func(w int) {
			defer subWG.Done()
			for i := 0; i < perSubmitter; i++ {
				if _, err := p.Submit(testTx(fmt.Sprintf("w%d-%d", w, i), uint64(i+1))); err != nil {
					t.Errorf("Submit: %v", err)
					return
				}
			}
		}(w)
	}
	subWG.Wait()
	close(done)
	batchWG.Wait()
	for collect() {
	}

	if len(batched) != submitters*perSubmitter {
		t.Fatalf("batched txs: want %d, got %d", submitters*perSubmitter, len(batched))
	}
	if n := p.PendingCount(); n != 0 {
		t.Fatalf("pending after drain: want 0, got %d", n)
	}
}

func TestCreateBatch_SkipsExpired(t *testing.T) {
	p, clock := newTestPool(t, testConfig())
	mustSubmit(t, p, testTx("stale", 1))
	*clock = clock.Add(61 * time.Second)
	mustSubmit(t, p, testTx("fresh", 1))

	b, err := p.CreateBatch(nil)
	if err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}
	if ids := b.TxIDs(); len(ids) != 1 || ids[0] != "fresh" {
		t.Fatalf("batch: want [fresh], got %v", ids)
	}
}

func TestCreateBatch_SameSeedSameOrder(t *testing.T) {
	for _, strategy := range []Strategy{StrategyRandom, StrategyFairRandom} {
		config := testConfig()
		config.OrderingStrategy = strategy

		var orders [2]string
		for run := range orders {
			p, _ := newTestPool(t, config)
			for i := 0; i < 8; i++ {
				mustSubmit(t, p, testTx(fmt.Sprintf("tx%d", i), uint64(i*100+1)))
			}
			b, err := p.CreateBatch(seed(77))
			if err != nil {
				t.Fatalf("%s CreateBatch: %v", strategy, err)
			}
			if !b.HasSeed || b.RandomSeed != 77 {
				t.Fatalf("%s seed: want 77 recorded, got %v/%d", strategy, b.HasSeed, b.RandomSeed)
			}
			orders[run] = ids(b.Transactions)
		}
		if orders[0] != orders[1] {
			t.Fatalf("%s: same seed gave %s and %s", strategy, orders[0], orders[1])
		}
	}
}

func TestCreateBatch_EqualPrioritySeed42(t *testing.T) {
	config := testConfig()
	config.OrderingStrategy = StrategyFairRandom

	var orders [2][]string
	for run := range orders {
		p, _ := newTestPool(t, config)
		mustSubmit(t, p, testTx("A", 5000))
		mustSubmit(t, p, testTx("B", 5000))
		b, err := p.CreateBatch(seed(42))
		if err != nil {
			t.Fatalf("CreateBatch: %v", err)
		}
		orders[run] = b.TxIDs()
	}
	if len(orders[0]) != 2 || orders[0][0] != orders[1][0] || orders[0][1] != orders[1][1] {
		t.Fatalf("orders differ: %v vs %v", orders[0], orders[1])
	}
}

// --- Batch lifecycle ---

func TestBatchLifecycle(t *testing.T) {
	p, clock := newTestPool(t, testConfig())
	mustSubmit(t, p, testTx("a", 1))
	mustSubmit(t, p, testTx("b", 1))
	b, err := p.CreateBatch(nil)
	if err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}

	if err := p.MarkBatchExecuted(b.ID, nil); !errors.Is(err, ErrInvalidBatchState) {
		t.Fatalf("execute ordered batch: want ErrInvalidBatchState, got %v", err)
	}
	if err := p.MarkBatchExecuting(b.ID); err != nil {
		t.Fatalf("MarkBatchExecuting: %v", err)
	}
	if err := p.MarkBatchExecuting(b.ID); !errors.Is(err, ErrInvalidBatchState) {
		t.Fatalf("double execute: want ErrInvalidBatchState, got %v", err)
	}

	*clock = clock.Add(time.Second)
	results := []*BatchExecutionResult{
		{TxID: "a", Success: true, GasUsed: 21000},
		{TxID: "b", Success: false, Error: "reverted"},
	}
	if err := p.MarkBatchExecuted(b.ID, results); err != nil {
		t.Fatalf("MarkBatchExecuted: %v", err)
	}

	got, err := p.GetBatch(b.ID)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if got.Status != BatchExecuted || len(got.Results) != 2 || got.CompletedAt != uint64(clock.UnixMilli()) {
		t.Fatalf("finished batch: got status=%s results=%d completed=%d", got.Status, len(got.Results), got.CompletedAt)
	}
	if !got.Results[0].Success || got.Results[1].Error != "reverted" {
		t.Fatalf("results not persisted: %+v %+v", got.Results[0], got.Results[1])
	}
	if p.Size() != 0 {
		t.Fatalf("size after execution: want 0, got %d", p.Size())
	}
	if _, err := p.Get("a"); !errors.Is(err, ErrTxNotFound) {
		t.Fatalf("executed tx: want ErrTxNotFound, got %v", err)
	}
	if len(p.PendingBatches()) != 0 {
		t.Fatal("executed batch still pending")
	}
	if err := p.MarkBatchFailed(b.ID, nil); !errors.Is(err, ErrInvalidBatchState) {
		t.Fatalf("fail executed batch: want ErrInvalidBatchState, got %v", err)
	}
}

func TestMarkBatchFailed(t *testing.T) {
	p, _ := newTestPool(t, testConfig())
	mustSubmit(t, p, testTx("a", 1))
	b, _ := p.CreateBatch(nil)
	if err := p.MarkBatchExecuting(b.ID); err != nil {
		t.Fatalf("MarkBatchExecuting: %v", err)
	}
	if err := p.MarkBatchFailed(b.ID, []*BatchExecutionResult{{TxID: "a", Error: "boom"}}); err != nil {
		t.Fatalf("MarkBatchFailed: %v", err)
	}
	got, _ := p.GetBatch(b.ID)
	if got.Status != BatchFailed {
		t.Fatalf("status: want failed, got %s", got.Status)
	}
}

func TestGetBatch_NotFound(t *testing.T) {
	p, _ := newTestPool(t, testConfig())
	if _, err := p.GetBatch("nope"); !errors.Is(err, ErrBatchNotFound) || !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("want ErrBatchNotFound, got %v", err)
	}
}

func TestClearOldBatches(t *testing.T) {
	p, clock := newTestPool(t, testConfig())
	mustSubmit(t, p, testTx("a", 1))
	done, _ := p.CreateBatch(nil)
	p.MarkBatchExecuting(done.ID)
	p.MarkBatchExecuted(done.ID, nil)

	mustSubmit(t, p, testTx("b", 1))
	open, _ := p.CreateBatch(nil)

	*clock = clock.Add(2 * time.Hour)
	if n := p.ClearOldBatches(time.Hour); n != 1 {
		t.Fatalf("cleared: want 1, got %d", n)
	}
	if _, err := p.GetBatch(done.ID); !errors.Is(err, ErrBatchNotFound) {
		t.Fatalf("old batch: want ErrBatchNotFound, got %v", err)
	}
	if _, err := p.GetBatch(open.ID); err != nil {
		t.Fatalf("open batch must survive: %v", err)
	}
}

// --- Triggers ---

func TestShouldCreateBatch(t *testing.T) {
	config := testConfig()
	config.BatchSize = 3
	p, clock := newTestPool(t, config)

	if p.ShouldCreateBatch() {
		t.Fatal("empty pool should not trigger")
	}
	mustSubmit(t, p, testTx("a", 1))
	if p.ShouldCreateBatch() {
		t.Fatal("one fresh tx should not trigger")
	}
	*clock = clock.Add(2 * time.Second)
	if !p.ShouldCreateBatch() {
		t.Fatal("interval elapsed, should trigger")
	}

	if _, err := p.CreateBatch(nil); err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}
	for i := 0; i < 3; i++ {
		mustSubmit(t, p, testTx(fmt.Sprintf("s%d", i), 1))
	}
	if !p.ShouldCreateBatch() {
		t.Fatal("full batch worth of txs should trigger")
	}
}

func TestShouldCreateBatch_IgnoresExpired(t *testing.T) {
	config := testConfig()
	config.BatchSize = 3
	p, clock := newTestPool(t, config)

	for i := 0; i < 3; i++ {
		mustSubmit(t, p, testTx(fmt.Sprintf("old%d", i), 1))
	}
	*clock = clock.Add(config.TransactionExpiry + time.Second)
	if p.ShouldCreateBatch() {
		t.Fatal("expired txs should not fire either trigger")
	}
	if _, err := p.CreateBatch(nil); !errors.Is(err, ErrNoPendingTransactions) {
		t.Fatalf("CreateBatch: want ErrNoPendingTransactions, got %v", err)
	}

	mustSubmit(t, p, testTx("fresh", 1))
	if !p.ShouldCreateBatch() {
		t.Fatal("a live tx past the interval should trigger")
	}
}

// --- Persistence ---

func TestPool_Reopen(t *testing.T) {
	dir := t.TempDir()
	db, err := storage.OpenLevelDB(dir)
	if err != nil {
		t.Fatalf("OpenLevelDB: %v", err)
	}
	p, _ := newTestPoolDB(t, testConfig(), db)
	mustSubmit(t, p, testTx("a", 1))
	mustSubmit(t, p, testTx("b", 1))
	if _, err := p.CreateBatch(nil); err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}
	mustSubmit(t, p, testTx("c", 1))
	db.Close()

	db, err = storage.OpenLevelDB(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()
	p, _ = newTestPoolDB(t, testConfig(), db)
	if p.Size() != 3 || p.PendingCount() != 1 {
		t.Fatalf("size/pending after reopen: want 3/1, got %d/%d", p.Size(), p.PendingCount())
	}
	d := mustSubmit(t, p, testTx("d", 1))
	if d.SequenceNumber != 4 {
		t.Fatalf("sequence after reopen: want 4, got %d", d.SequenceNumber)
	}
	if got := len(p.PendingBatches()); got != 1 {
		t.Fatalf("pending batches after reopen: want 1, got %d", got)
	}
}

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config: %v", err)
	}
	bad := DefaultConfig()
	bad.BatchSize = 0
	if err := bad.Validate(); !errors.Is(err, types.ErrValidation) {
		t.Fatalf("zero batch size: want validation error, got %v", err)
	}
	bad = DefaultConfig()
	bad.OrderingStrategy = "lottery"
	if err := bad.Validate(); err == nil {
		t.Fatal("unknown strategy accepted")
	}
	if _, err := ParseStrategy(" Fair_Random "); err != nil {
		t.Fatalf("ParseStrategy: %v", err)
	}
}
