// Package mevdetect recognises sandwich, frontrun and backrun patterns in a
// sliding window of recently observed pool transactions. Detection is
// retrospective and advisory: it feeds monitoring, never admission.
package mevdetect

import (
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/eth2030/mevguard/core/types"
	"github.com/eth2030/mevguard/log"
)

var (
	ErrEmptyTxID       = types.NewError(types.ErrValidation, "mevdetect: transaction ID is empty")
	ErrInvalidSide     = types.NewError(types.ErrValidation, "mevdetect: direction must be buy or sell")
	ErrDuplicateRecord = types.NewError(types.ErrValidation, "mevdetect: transaction already recorded")
)

// AttackType names a detected pattern.
type AttackType string

const (
	AttackSandwich AttackType = "sandwich"
	AttackFrontrun AttackType = "frontrun"
	AttackBackrun  AttackType = "backrun"
)

// TransactionRecord is one observed pool interaction.
type TransactionRecord struct {
	TxID      string
	Pool      common.Hash
	User      string // public address of the sender
	Direction types.Direction
	Amount    *uint256.Int
	Timestamp uint64 // unix ms; zero means "now"
}

// Detection is the outcome of analysing one transaction.
type Detection struct {
	Detected      bool
	AttackType    AttackType
	Confidence    float64
	EstimatedLoss *uint256.Int
	Attacker      string
	VictimTxID    string
	RelatedTxIDs  []string
	DetectedAt    uint64
}

// Copy returns a deep copy.
func (d *Detection) Copy() *Detection {
	cpy := *d
	if d.EstimatedLoss != nil {
		cpy.EstimatedLoss = new(uint256.Int).Set(d.EstimatedLoss)
	}
	cpy.RelatedTxIDs = append([]string(nil), d.RelatedTxIDs...)
	return &cpy
}

// Config holds the detection policy. None of the thresholds is derived from
// first principles; they are tuning knobs.
type Config struct {
	// Window is how long records stay available for analysis.
	Window time.Duration
	// FrontrunWindow bounds how far before the victim a frontrun may land.
	FrontrunWindow time.Duration
	// BackrunWindow bounds how far after the victim a backrun may land.
	BackrunWindow time.Duration
	// FrontrunMultiplier: a frontrun must be strictly larger than this many
	// times the victim.
	FrontrunMultiplier uint64
	// BackrunMultiplier: a backrun must be strictly larger than this many
	// times the victim.
	BackrunMultiplier uint64

	SandwichConfidence float64
	FrontrunConfidence float64
	BackrunConfidence  float64

	// MaxHistory caps the retained detections, oldest dropped first.
	MaxHistory int
}

// DefaultConfig returns the production detection policy.
func DefaultConfig() Config {
	return Config{
		Window:             10 * time.Second,
		FrontrunWindow:     2 * time.Second,
		BackrunWindow:      2 * time.Second,
		FrontrunMultiplier: 5,
		BackrunMultiplier:  2,
		SandwichConfidence: 0.85,
		FrontrunConfidence: 0.7,
		BackrunConfidence:  0.6,
		MaxHistory:         1000,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch {
	case c.Window <= 0:
		return fmt.Errorf("%w: mevdetect: window must be positive", types.ErrValidation)
	case c.FrontrunWindow < 0 || c.BackrunWindow < 0:
		return fmt.Errorf("%w: mevdetect: frontrun/backrun windows must not be negative", types.ErrValidation)
	case c.MaxHistory <= 0:
		return fmt.Errorf("%w: mevdetect: max history must be positive", types.ErrValidation)
	}
	for _, conf := range []float64{c.SandwichConfidence, c.FrontrunConfidence, c.BackrunConfidence} {
		if conf < 0 || conf > 1 {
			return fmt.Errorf("%w: mevdetect: confidence %v outside [0,1]", types.ErrValidation, conf)
		}
	}
	return nil
}

// Detector keeps the sliding window and the detection history.
type Detector struct {
	mu      sync.Mutex
	config  Config
	nowFunc func() time.Time // injectable clock for testing
	log     *log.Logger

	records []*TransactionRecord          // ascending by Timestamp, ties by arrival
	byID    map[string]*TransactionRecord // TxID -> record
	history []*Detection                  // oldest first
	total   uint64                        // detections ever appended
}

// NewDetector creates an empty detector.
func NewDetector(config Config) *Detector {
	return &Detector{
		config:  config,
		nowFunc: time.Now,
		log:     log.Default().Module("mevdetect"),
		byID:    make(map[string]*TransactionRecord),
	}
}

// SetClock replaces the wall clock.
func (d *Detector) SetClock(fn func() time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nowFunc = fn
}

// SetLogger replaces the logger.
func (d *Detector) SetLogger(l *log.Logger) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.log = l.Module("mevdetect")
}

// Config returns the detection policy.
func (d *Detector) Config() Config { return d.config }

func (d *Detector) now() uint64 {
	return uint64(d.nowFunc().UnixMilli())
}

// RecordTransaction adds a record to the window, pruning records that have
// fallen out of it.
func (d *Detector) RecordTransaction(rec *TransactionRecord) error {
	if rec == nil || rec.TxID == "" {
		return ErrEmptyTxID
	}
	if rec.Direction != types.Buy && rec.Direction != types.Sell {
		return ErrInvalidSide
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.pruneLocked()
	if _, ok := d.byID[rec.TxID]; ok {
		return ErrDuplicateRecord
	}
	stored := *rec
	if stored.Amount == nil {
		stored.Amount = new(uint256.Int)
	} else {
		stored.Amount = new(uint256.Int).Set(rec.Amount)
	}
	if stored.Timestamp == 0 {
		stored.Timestamp = d.now()
	}
	// Insert after every record with an equal or smaller timestamp.
	i := sort.Search(len(d.records), func(i int) bool {
		return d.records[i].Timestamp > stored.Timestamp
	})
	d.records = append(d.records, nil)
	copy(d.records[i+1:], d.records[i:])
	d.records[i] = &stored
	d.byID[stored.TxID] = &stored
	return nil
}

// Prune drops records older than the window and returns how many went.
func (d *Detector) Prune() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pruneLocked()
}

func (d *Detector) pruneLocked() int {
	now := d.now()
	window := uint64(d.config.Window.Milliseconds())
	if now <= window {
		return 0
	}
	cutoff := now - window
	n := sort.Search(len(d.records), func(i int) bool {
		return d.records[i].Timestamp >= cutoff
	})
	for _, r := range d.records[:n] {
		delete(d.byID, r.TxID)
	}
	d.records = append(d.records[:0], d.records[n:]...)
	return n
}

// RecordCount returns the number of records currently in the window.
func (d *Detector) RecordCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.records)
}

// Analyze checks txID for sandwich, frontrun and backrun patterns, in that
// order, and returns the first match. An unknown transaction yields a
// negative result, not an error.
func (d *Detector) Analyze(txID string) *Detection {
	d.mu.Lock()
	defer d.mu.Unlock()

	victim, ok := d.byID[txID]
	if !ok {
		return &Detection{VictimTxID: txID}
	}
	pool, idx := d.poolRecords(victim)

	det := d.sandwich(pool, idx)
	if det == nil {
		det = d.frontrun(pool, idx)
	}
	if det == nil {
		det = d.backrun(pool, idx)
	}
	if det == nil {
		return &Detection{VictimTxID: txID}
	}
	det.Detected = true
	det.VictimTxID = txID
	det.DetectedAt = d.now()
	d.appendLocked(det)
	return det.Copy()
}

// poolRecords returns the window's records on the victim's pool, in time
// order, and the victim's index among them.
func (d *Detector) poolRecords(victim *TransactionRecord) ([]*TransactionRecord, int) {
	var (
		out []*TransactionRecord
		idx int
	)
	for _, r := range d.records {
		if r.Pool != victim.Pool {
			continue
		}
		if r == victim {
			idx = len(out)
		}
		out = append(out, r)
	}
	return out, idx
}

// sandwich looks at the victim's immediate neighbours on the pool: the same
// user on both sides, trading in opposite directions, with the first leg
// pushing the price the way the victim trades.
func (d *Detector) sandwich(pool []*TransactionRecord, idx int) *Detection {
	if idx == 0 || idx == len(pool)-1 {
		return nil
	}
	victim, front, back := pool[idx], pool[idx-1], pool[idx+1]
	if front.User != back.User || front.Direction == back.Direction || front.Direction != victim.Direction {
		return nil
	}
	return &Detection{
		AttackType:    AttackSandwich,
		Confidence:    d.config.SandwichConfidence,
		EstimatedLoss: priceImpactLoss(victim.Amount, front.Amount),
		Attacker:      front.User,
		RelatedTxIDs:  []string{front.TxID, back.TxID},
	}
}

// frontrun finds a same-direction trade shortly before the victim that
// dwarfs it.
func (d *Detector) frontrun(pool []*TransactionRecord, idx int) *Detection {
	victim := pool[idx]
	window := uint64(d.config.FrontrunWindow.Milliseconds())
	threshold, overflow := new(uint256.Int).MulOverflow(victim.Amount, uint256.NewInt(d.config.FrontrunMultiplier))
	if overflow {
		return nil
	}
	for i := idx - 1; i >= 0; i-- {
		r := pool[i]
		if victim.Timestamp-r.Timestamp > window {
			break
		}
		if r.Direction == victim.Direction && r.Amount.Gt(threshold) {
			return &Detection{
				AttackType:    AttackFrontrun,
				Confidence:    d.config.FrontrunConfidence,
				EstimatedLoss: priceImpactLoss(victim.Amount, r.Amount),
				Attacker:      r.User,
				RelatedTxIDs:  []string{r.TxID},
			}
		}
	}
	return nil
}

// backrun finds an opposite-direction trade shortly after the victim that
// dwarfs it. Backruns capture leftover arbitrage and do not worsen the
// victim's execution, so no loss is estimated.
func (d *Detector) backrun(pool []*TransactionRecord, idx int) *Detection {
	victim := pool[idx]
	window := uint64(d.config.BackrunWindow.Milliseconds())
	threshold, overflow := new(uint256.Int).MulOverflow(victim.Amount, uint256.NewInt(d.config.BackrunMultiplier))
	if overflow {
		return nil
	}
	for i := idx + 1; i < len(pool); i++ {
		r := pool[i]
		if r.Timestamp-victim.Timestamp > window {
			break
		}
		if r.Direction != victim.Direction && r.Amount.Gt(threshold) {
			return &Detection{
				AttackType:    AttackBackrun,
				Confidence:    d.config.BackrunConfidence,
				EstimatedLoss: new(uint256.Int),
				Attacker:      r.User,
				RelatedTxIDs:  []string{r.TxID},
			}
		}
	}
	return nil
}

// priceImpactLoss estimates victim * front / (front + victim): the share of
// the victim's size eaten by the price move the front leg caused.
func priceImpactLoss(victim, front *uint256.Int) *uint256.Int {
	sum := new(big.Int).Add(victim.ToBig(), front.ToBig())
	if sum.Sign() == 0 {
		return new(uint256.Int)
	}
	loss := new(big.Int).Mul(victim.ToBig(), front.ToBig())
	loss.Quo(loss, sum)
	out, _ := uint256.FromBig(loss) // loss <= victim
	return out
}

// appendLocked stores det unless the same victim and attack type are already
// on record, trimming the history to MaxHistory.
func (d *Detector) appendLocked(det *Detection) {
	for _, h := range d.history {
		if h.VictimTxID == det.VictimTxID && h.AttackType == det.AttackType {
			return
		}
	}
	d.history = append(d.history, det.Copy())
	d.total++
	if over := len(d.history) - d.config.MaxHistory; over > 0 && d.config.MaxHistory > 0 {
		d.history = append(d.history[:0], d.history[over:]...)
	}
	d.log.Info("attack detected", "type", det.AttackType, "victim", det.VictimTxID,
		"attacker", det.Attacker, "confidence", det.Confidence, "loss", det.EstimatedLoss.Dec())
}

// RecentAttacks returns up to limit detections, newest first. A limit of
// zero or less returns the whole history.
func (d *Detector) RecentAttacks(limit int) []*Detection {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := len(d.history)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*Detection, 0, n)
	for i := len(d.history) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, d.history[i].Copy())
	}
	return out
}

// TotalDetected counts every detection ever recorded, including those
// trimmed from the history.
func (d *Detector) TotalDetected() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.total
}
