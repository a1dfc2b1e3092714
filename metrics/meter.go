package metrics

import (
	gethmetrics "github.com/ethereum/go-ethereum/metrics"
)

const (
	submissionsMeter = "mevguard/mempool/submissions"
	attacksMeter     = "mevguard/detection/attacks"
)

// Rates holds the engine's event meters. The one-minute averages advance
// only after EnableRates has started the shared five-second ticker.
type Rates struct {
	registry    gethmetrics.Registry
	submissions *gethmetrics.Meter
	attacks     *gethmetrics.Meter
}

// EnableRates starts ticking every meter in the process. Call it once at
// startup, before any engine is built.
func EnableRates() {
	gethmetrics.Enable()
}

// NewRates registers a fresh pair of meters in a private registry.
func NewRates() *Rates {
	reg := gethmetrics.NewRegistry()
	return &Rates{
		registry:    reg,
		submissions: gethmetrics.NewRegisteredMeter(submissionsMeter, reg),
		attacks:     gethmetrics.NewRegisteredMeter(attacksMeter, reg),
	}
}

// MarkSubmission records an accepted mempool submission.
func (r *Rates) MarkSubmission() { r.submissions.Mark(1) }

// MarkAttack records a newly detected attack.
func (r *Rates) MarkAttack() { r.attacks.Mark(1) }

// RatesSnapshot is a point-in-time copy of the meters. Rates are events per
// second over a one-minute moving average.
type RatesSnapshot struct {
	Submissions    int64
	SubmissionRate float64
	Attacks        int64
	AttackRate     float64
}

// Snapshot reads both meters.
func (r *Rates) Snapshot() RatesSnapshot {
	s, a := r.submissions.Snapshot(), r.attacks.Snapshot()
	return RatesSnapshot{
		Submissions:    s.Count(),
		SubmissionRate: s.Rate1(),
		Attacks:        a.Count(),
		AttackRate:     a.Rate1(),
	}
}

// Stop unregisters the meters and detaches them from the ticker.
func (r *Rates) Stop() {
	r.registry.Unregister(submissionsMeter)
	r.registry.Unregister(attacksMeter)
}
