package account

import (
	"testing"
	"time"
)

func TestAccountIsAvailableByStatus(t *testing.T) {
	now := time.Now()
	future := now.Add(time.Hour)
	past := now.Add(-time.Hour)

	cases := []struct {
		name string
		acc  Account
		want bool
	}{
		{"active", Account{Status: StatusActive}, true},
		{"cooldown, no deadline", Account{Status: StatusCooldown}, true},
		{"cooldown, still pending", Account{Status: StatusCooldown, CooldownUntil: &future}, false},
		{"cooldown, elapsed", Account{Status: StatusCooldown, CooldownUntil: &past}, true},
		{"exhausted, no reset known", Account{Status: StatusExhausted}, false},
		{"exhausted, still pending", Account{Status: StatusExhausted, ExhaustedUntil: &future}, false},
		{"exhausted, elapsed", Account{Status: StatusExhausted, ExhaustedUntil: &past}, true},
		{"disabled", Account{Status: StatusDisabled}, false},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := c.acc.IsAvailable(now); got != c.want {
				t.Errorf("IsAvailable() = %v, want %v", got, c.want)
			}
		})
	}
}

func TestRecordUseHealsStaleCooldown(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Hour)
	acc := &Account{Status: StatusCooldown, CooldownUntil: &past}

	acc.RecordUse(now)

	if acc.Status != StatusActive {
		t.Errorf("Status = %v, want Active", acc.Status)
	}
	if acc.CooldownUntil != nil {
		t.Errorf("CooldownUntil = %v, want nil", acc.CooldownUntil)
	}
	if acc.RequestCount != 1 {
		t.Errorf("RequestCount = %d, want 1", acc.RequestCount)
	}
}

func TestRecordErrorRateLimitEntersCooldown(t *testing.T) {
	now := time.Now()
	acc := &Account{Status: StatusActive}

	acc.RecordError(true, now)

	if acc.Status != StatusCooldown {
		t.Errorf("Status = %v, want Cooldown", acc.Status)
	}
	if acc.CooldownUntil == nil || !acc.CooldownUntil.After(now) {
		t.Errorf("CooldownUntil not set in the future: %v", acc.CooldownUntil)
	}
	if acc.ErrorCount != 1 {
		t.Errorf("ErrorCount = %d, want 1", acc.ErrorCount)
	}
}

func TestRecordErrorPlainLeavesStatusActive(t *testing.T) {
	acc := &Account{Status: StatusActive}
	acc.RecordError(false, time.Now())

	if acc.Status != StatusActive {
		t.Errorf("Status = %v, want unchanged Active", acc.Status)
	}
	if acc.ErrorCount != 1 {
		t.Errorf("ErrorCount = %d, want 1", acc.ErrorCount)
	}
}

func TestMarkInvalidDisablesAndClearsDeadlines(t *testing.T) {
	future := time.Now().Add(time.Hour)
	acc := &Account{Status: StatusCooldown, CooldownUntil: &future}

	acc.MarkInvalid()

	if acc.Status != StatusDisabled {
		t.Errorf("Status = %v, want Disabled", acc.Status)
	}
	if acc.CooldownUntil != nil {
		t.Errorf("CooldownUntil not cleared")
	}
}

func TestMarkExhaustedAndRecoverIfReady(t *testing.T) {
	now := time.Now()
	reset := now.Add(-time.Minute) // already past
	acc := &Account{Status: StatusActive}

	acc.MarkExhausted(&reset)
	if acc.Status != StatusExhausted {
		t.Fatalf("Status = %v, want Exhausted", acc.Status)
	}

	if !acc.RecoverIfReady(now) {
		t.Fatalf("RecoverIfReady() = false, want true (deadline has passed)")
	}
	if acc.Status != StatusActive {
		t.Errorf("Status = %v, want Active after recovery", acc.Status)
	}
}

func TestEnableAndDisable(t *testing.T) {
	acc := &Account{Status: StatusDisabled}
	acc.Enable()
	if acc.Status != StatusActive {
		t.Errorf("Enable(): Status = %v, want Active", acc.Status)
	}

	acc.Disable()
	if acc.Status != StatusDisabled {
		t.Errorf("Disable(): Status = %v, want Disabled", acc.Status)
	}
}
