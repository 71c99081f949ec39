package converge

import (
	"testing"
)

var defaultSignatureFields = []string{"bk_biz_id", "strategy_id", "action_config_id", "signal"}

func testCandidate() *Candidate {
	return &Candidate{
		AlertID:        "alert-1",
		Fingerprint:    "fp-1",
		StrategyID:     42,
		BkBizID:        2,
		Severity:       2,
		Signal:         "abnormal",
		ActionConfigID: 7,
	}
}

func TestSignatureStable(t *testing.T) {
	a := Signature(defaultSignatureFields, testCandidate())
	b := Signature(defaultSignatureFields, testCandidate())
	if a != b {
		t.Errorf("same candidate must produce the same signature: %s vs %s", a, b)
	}
}

func TestSignatureDistinguishesFields(t *testing.T) {
	base := Signature(defaultSignatureFields, testCandidate())

	mutations := map[string]func(*Candidate){
		"strategy_id":      func(c *Candidate) { c.StrategyID = 43 },
		"bk_biz_id":        func(c *Candidate) { c.BkBizID = 3 },
		"action_config_id": func(c *Candidate) { c.ActionConfigID = 8 },
		"signal":           func(c *Candidate) { c.Signal = "recovered" },
	}
	for name, mutate := range mutations {
		c := testCandidate()
		mutate(c)
		if Signature(defaultSignatureFields, c) == base {
			t.Errorf("changing %s must change the signature", name)
		}
	}
}

func TestSignatureIgnoresUnlistedFields(t *testing.T) {
	base := Signature(defaultSignatureFields, testCandidate())

	c := testCandidate()
	c.AlertID = "alert-2"
	c.Fingerprint = "fp-2"
	c.Severity = 1
	if Signature(defaultSignatureFields, c) != base {
		t.Error("fields outside the signature list must not affect the signature")
	}
}

func TestSignatureCustomFields(t *testing.T) {
	fields := []string{"fingerprint", "signal"}
	a := Signature(fields, testCandidate())

	c := testCandidate()
	c.StrategyID = 99
	if Signature(fields, c) != a {
		t.Error("custom field list must ignore the strategy ID")
	}

	c = testCandidate()
	c.Fingerprint = "fp-other"
	if Signature(fields, c) == a {
		t.Error("custom field list must include the fingerprint")
	}
}
