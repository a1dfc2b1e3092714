package protection

import (
	"errors"
	"testing"

	"github.com/eth2030/mevguard/core/types"
)

func TestParseProtectionLevel(t *testing.T) {
	tests := []struct {
		in           string
		commitReveal bool
		mempool      bool
	}{
		{"none", false, false},
		{"commit_reveal", true, false},
		{"encrypted", false, true},
		{"batched", false, true},
		{" FULL ", true, true},
	}
	for _, tt := range tests {
		l, err := ParseProtectionLevel(tt.in)
		if err != nil {
			t.Fatalf("ParseProtectionLevel(%q): %v", tt.in, err)
		}
		if l.CommitReveal() != tt.commitReveal || l.Mempool() != tt.mempool {
			t.Errorf("%s: commitReveal=%v mempool=%v", l, l.CommitReveal(), l.Mempool())
		}
	}
	if _, err := ParseProtectionLevel("max"); !errors.Is(err, types.ErrValidation) {
		t.Fatalf("unknown level: want validation error, got %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config: %v", err)
	}
	c := DefaultConfig()
	c.SlippageProtectionBps = 10_001
	if err := c.Validate(); !errors.Is(err, types.ErrValidation) {
		t.Fatalf("slippage: want validation error, got %v", err)
	}
	c = DefaultConfig()
	c.CommitReveal.MaxCommitsPerUser = 0
	if err := c.Validate(); err == nil {
		t.Fatal("nested commit-reveal config not validated")
	}
	c = DefaultConfig()
	c.Detection.Window = 0
	if err := c.Validate(); err == nil {
		t.Fatal("nested detection config not validated")
	}
}
