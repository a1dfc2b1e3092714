package metrics

import "testing"

func TestRatesCount(t *testing.T) {
	r := NewRates()
	defer r.Stop()

	r.MarkSubmission()
	r.MarkSubmission()
	r.MarkSubmission()
	r.MarkAttack()

	s := r.Snapshot()
	if s.Submissions != 3 {
		t.Fatalf("submissions: want 3, got %d", s.Submissions)
	}
	if s.Attacks != 1 {
		t.Fatalf("attacks: want 1, got %d", s.Attacks)
	}
	if s.SubmissionRate < 0 || s.AttackRate < 0 {
		t.Fatalf("negative rate: %+v", s)
	}
}

func TestRatesIndependent(t *testing.T) {
	a, b := NewRates(), NewRates()
	defer a.Stop()
	defer b.Stop()

	a.MarkSubmission()
	if got := b.Snapshot().Submissions; got != 0 {
		t.Fatalf("meters leak between instances: got %d", got)
	}
}

func TestRatesStop(t *testing.T) {
	r := NewRates()
	r.MarkAttack()
	r.Stop()
	if r.registry.Get(attacksMeter) != nil {
		t.Fatal("meter still registered after Stop")
	}
}
