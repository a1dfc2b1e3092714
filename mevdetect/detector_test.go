package mevdetect

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/eth2030/mevguard/core/types"
	"github.com/eth2030/mevguard/log"
)

var (
	poolX = common.HexToHash("0x01")
	poolY = common.HexToHash("0x02")
)

const t0 = 1_700_000_000_000

func newTestDetector(t *testing.T) (*Detector, *time.Time) {
	t.Helper()
	d := NewDetector(DefaultConfig())
	d.SetLogger(log.Discard())
	clock := time.UnixMilli(t0 + 5_000)
	d.nowFunc = func() time.Time { return clock }
	return d, &clock
}

func rec(id string, pool common.Hash, user string, dir types.Direction, amount uint64, ts uint64) *TransactionRecord {
	return &TransactionRecord{
		TxID:      id,
		Pool:      pool,
		User:      user,
		Direction: dir,
		Amount:    uint256.NewInt(amount),
		Timestamp: ts,
	}
}

func mustRecord(t *testing.T, d *Detector, recs ...*TransactionRecord) {
	t.Helper()
	for _, r := range recs {
		if err := d.RecordTransaction(r); err != nil {
			t.Fatalf("RecordTransaction(%s): %v", r.TxID, err)
		}
	}
}

// --- Sandwich ---

func TestAnalyze_Sandwich(t *testing.T) {
	d, _ := newTestDetector(t)
	mustRecord(t, d,
		rec("A", poolX, "attacker", types.Buy, 1000, t0),
		rec("B", poolX, "victim", types.Buy, 100, t0+100),
		rec("C", poolX, "attacker", types.Sell, 1000, t0+200),
	)
	det := d.Analyze("B")
	if !det.Detected || det.AttackType != AttackSandwich {
		t.Fatalf("want sandwich, got detected=%v type=%s", det.Detected, det.AttackType)
	}
	if det.Confidence != 0.85 {
		t.Fatalf("confidence: want 0.85, got %v", det.Confidence)
	}
	if det.Attacker != "attacker" {
		t.Fatalf("attacker: want attacker, got %s", det.Attacker)
	}
	// 100 * 1000 / 1100 = 90
	if det.EstimatedLoss.Uint64() != 90 {
		t.Fatalf("loss: want 90, got %s", det.EstimatedLoss.Dec())
	}
	if len(det.RelatedTxIDs) != 2 || det.RelatedTxIDs[0] != "A" || det.RelatedTxIDs[1] != "C" {
		t.Fatalf("related: want [A C], got %v", det.RelatedTxIDs)
	}
}

func TestAnalyze_SandwichSellSide(t *testing.T) {
	d, _ := newTestDetector(t)
	mustRecord(t, d,
		rec("A", poolX, "mev", types.Sell, 500, t0),
		rec("B", poolX, "alice", types.Sell, 500, t0+10),
		rec("C", poolX, "mev", types.Buy, 500, t0+20),
	)
	if det := d.Analyze("B"); det.AttackType != AttackSandwich {
		t.Fatalf("sell-dump-buy: want sandwich, got %q", det.AttackType)
	}
}

func TestAnalyze_NotSandwich(t *testing.T) {
	cases := []struct {
		name string
		recs []*TransactionRecord
	}{
		{"different users", []*TransactionRecord{
			rec("A", poolX, "u1", types.Buy, 10, t0),
			rec("B", poolX, "victim", types.Buy, 10, t0+1),
			rec("C", poolX, "u2", types.Sell, 10, t0+2),
		}},
		{"same directions", []*TransactionRecord{
			rec("A", poolX, "u1", types.Buy, 10, t0),
			rec("B", poolX, "victim", types.Buy, 10, t0+1),
			rec("C", poolX, "u1", types.Buy, 10, t0+2),
		}},
		{"front against victim", []*TransactionRecord{
			rec("A", poolX, "u1", types.Sell, 10, t0),
			rec("B", poolX, "victim", types.Buy, 10, t0+1),
			rec("C", poolX, "u1", types.Buy, 10, t0+2),
		}},
		{"other pool", []*TransactionRecord{
			rec("A", poolX, "u1", types.Buy, 10, t0),
			rec("B", poolY, "victim", types.Buy, 10, t0+1),
			rec("C", poolX, "u1", types.Sell, 10, t0+2),
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d, _ := newTestDetector(t)
			mustRecord(t, d, tc.recs...)
			if det := d.Analyze("B"); det.Detected {
				t.Fatalf("want no detection, got %s", det.AttackType)
			}
		})
	}
}

func TestAnalyze_SandwichUsesImmediateNeighbours(t *testing.T) {
	d, _ := newTestDetector(t)
	mustRecord(t, d,
		rec("A", poolX, "mev", types.Buy, 10, t0),
		rec("X", poolX, "bob", types.Sell, 10, t0+5),
		rec("B", poolX, "victim", types.Buy, 10, t0+10),
		rec("C", poolX, "mev", types.Sell, 10, t0+20),
		// Other pools do not break adjacency.
		rec("Z", poolY, "carol", types.Buy, 10, t0+15),
	)
	if det := d.Analyze("B"); det.AttackType == AttackSandwich {
		t.Fatal("non-adjacent legs reported as sandwich")
	}
}

// --- Frontrun / backrun ---

func TestAnalyze_Frontrun(t *testing.T) {
	d, _ := newTestDetector(t)
	mustRecord(t, d,
		rec("F", poolX, "whale", types.Buy, 600, t0),
		rec("V", poolX, "victim", types.Buy, 100, t0+1500),
	)
	det := d.Analyze("V")
	if !det.Detected || det.AttackType != AttackFrontrun || det.Confidence != 0.7 {
		t.Fatalf("want frontrun/0.7, got %v/%s/%v", det.Detected, det.AttackType, det.Confidence)
	}
	if det.Attacker != "whale" || det.RelatedTxIDs[0] != "F" {
		t.Fatalf("attacker: want whale/F, got %s/%v", det.Attacker, det.RelatedTxIDs)
	}
}

func TestAnalyze_FrontrunThresholds(t *testing.T) {
	cases := []struct {
		name   string
		front  *TransactionRecord
		detect bool
	}{
		{"exactly 5x", rec("F", poolX, "w", types.Buy, 500, t0), false},
		{"too early", rec("F", poolX, "w", types.Buy, 600, t0-600), false},
		{"opposite direction", rec("F", poolX, "w", types.Sell, 600, t0), false},
		{"at window edge", rec("F", poolX, "w", types.Buy, 501, t0-500), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d, _ := newTestDetector(t)
			mustRecord(t, d, tc.front, rec("V", poolX, "victim", types.Buy, 100, t0+1500))
			det := d.Analyze("V")
			if got := det.AttackType == AttackFrontrun; got != tc.detect {
				t.Fatalf("frontrun: want %v, got %v", tc.detect, got)
			}
		})
	}
}

func TestAnalyze_Backrun(t *testing.T) {
	d, _ := newTestDetector(t)
	mustRecord(t, d,
		rec("V", poolX, "victim", types.Buy, 100, t0),
		rec("R", poolX, "arb", types.Sell, 201, t0+2000),
	)
	det := d.Analyze("V")
	if det.AttackType != AttackBackrun || det.Confidence != 0.6 {
		t.Fatalf("want backrun/0.6, got %s/%v", det.AttackType, det.Confidence)
	}
	if !det.EstimatedLoss.IsZero() {
		t.Fatalf("backrun loss: want 0, got %s", det.EstimatedLoss.Dec())
	}
}

func TestAnalyze_BackrunThresholds(t *testing.T) {
	d, _ := newTestDetector(t)
	mustRecord(t, d,
		rec("V", poolX, "victim", types.Buy, 100, t0),
		rec("R1", poolX, "arb", types.Sell, 200, t0+100),   // not strictly larger
		rec("R2", poolX, "arb", types.Buy, 1000, t0+200),   // same direction
		rec("R3", poolX, "arb", types.Sell, 1000, t0+2001), // outside window
	)
	if det := d.Analyze("V"); det.Detected {
		t.Fatalf("want nothing, got %s", det.AttackType)
	}
}

func TestAnalyze_Precedence(t *testing.T) {
	d, _ := newTestDetector(t)
	// Qualifies as sandwich, frontrun and backrun at once.
	mustRecord(t, d,
		rec("A", poolX, "mev", types.Buy, 10_000, t0),
		rec("B", poolX, "victim", types.Buy, 100, t0+10),
		rec("C", poolX, "mev", types.Sell, 10_000, t0+20),
	)
	if det := d.Analyze("B"); det.AttackType != AttackSandwich {
		t.Fatalf("precedence: want sandwich, got %s", det.AttackType)
	}
}

func TestAnalyze_Unknown(t *testing.T) {
	d, _ := newTestDetector(t)
	det := d.Analyze("ghost")
	if det.Detected || det.VictimTxID != "ghost" {
		t.Fatalf("unknown tx: want negative result, got %+v", det)
	}
	if len(d.RecentAttacks(0)) != 0 {
		t.Fatal("negative result recorded in history")
	}
}

// --- Window and history ---

func TestRecordTransaction_Validation(t *testing.T) {
	d, _ := newTestDetector(t)
	if err := d.RecordTransaction(&TransactionRecord{Direction: types.Buy}); !errors.Is(err, ErrEmptyTxID) {
		t.Fatalf("empty id: want ErrEmptyTxID, got %v", err)
	}
	if err := d.RecordTransaction(&TransactionRecord{TxID: "x"}); !errors.Is(err, ErrInvalidSide) {
		t.Fatalf("no direction: want ErrInvalidSide, got %v", err)
	}
	mustRecord(t, d, rec("x", poolX, "u", types.Buy, 1, 0))
	if err := d.RecordTransaction(rec("x", poolX, "u", types.Buy, 1, 0)); !errors.Is(err, ErrDuplicateRecord) {
		t.Fatalf("duplicate: want ErrDuplicateRecord, got %v", err)
	}
}

func TestRecordTransaction_PrunesWindow(t *testing.T) {
	d, clock := newTestDetector(t)
	mustRecord(t, d, rec("old", poolX, "u", types.Buy, 1, t0))
	*clock = time.UnixMilli(t0 + 10_001)
	mustRecord(t, d, rec("new", poolX, "u", types.Buy, 1, 0))

	if n := d.RecordCount(); n != 1 {
		t.Fatalf("records: want 1, got %d", n)
	}
	if det := d.Analyze("old"); det.Detected {
		t.Fatal("pruned record still analysable")
	}
	*clock = time.UnixMilli(t0 + 30_000)
	if n := d.Prune(); n != 1 {
		t.Fatalf("Prune: want 1, got %d", n)
	}
}

func TestRecentAttacks(t *testing.T) {
	d, _ := newTestDetector(t)
	for i := 0; i < 3; i++ {
		base := uint64(t0 + i*100)
		v := fmt.Sprintf("v%d", i)
		mustRecord(t, d,
			rec(fmt.Sprintf("a%d", i), poolX, "mev", types.Buy, 10, base),
			rec(v, poolX, "victim", types.Buy, 10, base+1),
			rec(fmt.Sprintf("c%d", i), poolX, "mev", types.Sell, 10, base+2),
		)
		d.Analyze(v)
	}
	d.Analyze("v2") // repeat analysis is not double counted

	recent := d.RecentAttacks(2)
	if len(recent) != 2 || recent[0].VictimTxID != "v2" || recent[1].VictimTxID != "v1" {
		t.Fatalf("recent: want [v2 v1], got %d entries", len(recent))
	}
	if all := d.RecentAttacks(0); len(all) != 3 {
		t.Fatalf("all: want 3, got %d", len(all))
	}
	if d.TotalDetected() != 3 {
		t.Fatalf("total: want 3, got %d", d.TotalDetected())
	}
}

func TestHistoryBounded(t *testing.T) {
	config := DefaultConfig()
	config.MaxHistory = 2
	d := NewDetector(config)
	d.SetLogger(log.Discard())
	clock := time.UnixMilli(t0 + 5_000)
	d.nowFunc = func() time.Time { return clock }

	for i := 0; i < 4; i++ {
		v := fmt.Sprintf("v%d", i)
		mustRecord(t, d,
			rec(v, poolX, "victim", types.Buy, 10, uint64(t0+i*10)),
			rec(v+"r", poolX, "arb", types.Sell, 100, uint64(t0+i*10+1)),
		)
		d.Analyze(v)
	}
	recent := d.RecentAttacks(0)
	if len(recent) != 2 || recent[0].VictimTxID != "v3" {
		t.Fatalf("bounded history: want 2 newest, got %d", len(recent))
	}
	if d.TotalDetected() != 4 {
		t.Fatalf("total: want 4, got %d", d.TotalDetected())
	}
}

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config: %v", err)
	}
	bad := DefaultConfig()
	bad.SandwichConfidence = 1.5
	if err := bad.Validate(); !errors.Is(err, types.ErrValidation) {
		t.Fatalf("confidence 1.5: want validation error, got %v", err)
	}
}
