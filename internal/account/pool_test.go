package account

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kiro2api/kiro-gateway/internal/kiro"
)

func newTestPool(strategy Strategy) *Pool {
	return NewPool(Options{Strategy: strategy})
}

func TestSelectAccountRoundRobinCyclesInCreationOrder(t *testing.T) {
	p := newTestPool(StrategyRoundRobin)
	a := p.AddAccount("a", Credentials{RefreshToken: "a"})
	time.Sleep(time.Millisecond)
	b := p.AddAccount("b", Credentials{RefreshToken: "b"})

	first, err := p.SelectAccount(time.Now())
	if err != nil {
		t.Fatalf("SelectAccount: %v", err)
	}
	second, err := p.SelectAccount(time.Now())
	if err != nil {
		t.Fatalf("SelectAccount: %v", err)
	}
	third, err := p.SelectAccount(time.Now())
	if err != nil {
		t.Fatalf("SelectAccount: %v", err)
	}

	if first.ID != a.ID || second.ID != b.ID || third.ID != a.ID {
		t.Errorf("round robin order = [%s, %s, %s], want [%s, %s, %s]",
			first.ID, second.ID, third.ID, a.ID, b.ID, a.ID)
	}
}

func TestSelectAccountSkipsUnavailable(t *testing.T) {
	p := newTestPool(StrategyRoundRobin)
	p.AddAccount("disabled", Credentials{RefreshToken: "x"})
	active := p.AddAccount("active", Credentials{RefreshToken: "y"})

	p.mu.Lock()
	for _, acc := range p.accounts {
		if acc.Name == "disabled" {
			acc.Disable()
		}
	}
	p.mu.Unlock()

	sel, err := p.SelectAccount(time.Now())
	if err != nil {
		t.Fatalf("SelectAccount: %v", err)
	}
	if sel.ID != active.ID {
		t.Errorf("selected %s, want the only active account %s", sel.ID, active.ID)
	}
}

func TestSelectAccountNoneAvailable(t *testing.T) {
	p := newTestPool(StrategyRoundRobin)
	_, err := p.SelectAccount(time.Now())
	if !errors.Is(err, ErrNoAvailableAccounts) {
		t.Errorf("err = %v, want ErrNoAvailableAccounts", err)
	}
}

func TestSelectAccountLeastUsed(t *testing.T) {
	p := newTestPool(StrategyLeastUsed)
	heavy := p.AddAccount("heavy", Credentials{RefreshToken: "h"})
	light := p.AddAccount("light", Credentials{RefreshToken: "l"})

	p.mu.Lock()
	p.accounts[heavy.ID].RequestCount = 10
	p.accounts[light.ID].RequestCount = 1
	p.mu.Unlock()

	sel, err := p.SelectAccount(time.Now())
	if err != nil {
		t.Fatalf("SelectAccount: %v", err)
	}
	if sel.ID != light.ID {
		t.Errorf("selected %s, want least-used account %s", sel.ID, light.ID)
	}
}

func TestApplyClassificationTransitions(t *testing.T) {
	p := newTestPool(StrategyRoundRobin)
	acc := p.AddAccount("a", Credentials{RefreshToken: "a"})

	p.ApplyClassification(acc.ID, "429 Too Many Requests", time.Now())

	p.mu.RLock()
	status := p.accounts[acc.ID].Status
	p.mu.RUnlock()

	if status != StatusCooldown {
		t.Errorf("status = %v, want Cooldown after rate-limit classification", status)
	}
}

func TestRecoverCooldownAccounts(t *testing.T) {
	p := newTestPool(StrategyRoundRobin)
	acc := p.AddAccount("a", Credentials{RefreshToken: "a"})

	past := time.Now().Add(-time.Minute)
	p.mu.Lock()
	p.accounts[acc.ID].Status = StatusCooldown
	p.accounts[acc.ID].CooldownUntil = &past
	p.mu.Unlock()

	n := p.RecoverCooldownAccounts(time.Now())
	if n != 1 {
		t.Errorf("recovered %d accounts, want 1", n)
	}

	p.mu.RLock()
	status := p.accounts[acc.ID].Status
	p.mu.RUnlock()
	if status != StatusActive {
		t.Errorf("status = %v, want Active", status)
	}
}

type fakeProber struct {
	limits kiro.UsageLimits
	err    error
}

func (f *fakeProber) FetchUsageLimits(ctx context.Context, bearer string) (kiro.UsageLimits, error) {
	return f.limits, f.err
}

func TestRefreshExhaustedAccountsRecoversOnPositiveQuota(t *testing.T) {
	p := newTestPool(StrategyRoundRobin)
	// A still-fresh access token keeps the sweep from calling the (nil)
	// upstream client to refresh it.
	acc := p.AddAccount("a", Credentials{
		RefreshToken: "a",
		AccessToken:  "tok-a",
		ExpiresAt:    time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
	})

	p.mu.Lock()
	p.accounts[acc.ID].Status = StatusExhausted
	p.mu.Unlock()

	prober := &fakeProber{limits: kiro.UsageLimits{Available: 42}}
	n, err := p.RefreshExhaustedAccounts(context.Background(), prober)
	if err != nil {
		t.Fatalf("RefreshExhaustedAccounts: %v", err)
	}
	if n != 1 {
		t.Errorf("recovered %d accounts, want 1", n)
	}

	p.mu.RLock()
	status := p.accounts[acc.ID].Status
	p.mu.RUnlock()
	if status != StatusActive {
		t.Errorf("status = %v, want Active", status)
	}
}

func TestRefreshExhaustedAccountsStaysExhaustedOnZeroQuota(t *testing.T) {
	p := newTestPool(StrategyRoundRobin)
	// A still-fresh access token keeps the sweep from calling the (nil)
	// upstream client to refresh it.
	acc := p.AddAccount("a", Credentials{
		RefreshToken: "a",
		AccessToken:  "tok-a",
		ExpiresAt:    time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
	})

	p.mu.Lock()
	p.accounts[acc.ID].Status = StatusExhausted
	p.mu.Unlock()

	prober := &fakeProber{limits: kiro.UsageLimits{Available: 0}}
	n, err := p.RefreshExhaustedAccounts(context.Background(), prober)
	if err != nil {
		t.Fatalf("RefreshExhaustedAccounts: %v", err)
	}
	if n != 0 {
		t.Errorf("recovered %d accounts, want 0", n)
	}
}

func TestGetStatsCountsByStatus(t *testing.T) {
	p := newTestPool(StrategyRoundRobin)
	a := p.AddAccount("a", Credentials{RefreshToken: "a"})
	p.AddAccount("b", Credentials{RefreshToken: "b"})

	p.mu.Lock()
	p.accounts[a.ID].Status = StatusCooldown
	p.mu.Unlock()

	stats := p.GetStats()
	if stats.Total != 2 || stats.Active != 1 || stats.Cooldown != 1 {
		t.Errorf("stats = %+v, want Total=2 Active=1 Cooldown=1", stats)
	}
}
