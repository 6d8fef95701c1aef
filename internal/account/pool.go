package account

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kiro2api/kiro-gateway/internal/kiro"
)

// ErrNoAvailableAccounts is returned when no account in the pool can
// currently serve a request.
var ErrNoAvailableAccounts = errors.New("account: no available accounts")

// ErrAccountNotFound is returned by operations targeting an unknown account ID.
var ErrAccountNotFound = errors.New("account: not found")

// QuotaProber fetches a fresh usage reading for a bearer token. Satisfied
// structurally by *kiro.Client; factored out as an interface so the pool's
// recovery sweep can be tested without a live upstream.
type QuotaProber interface {
	FetchUsageLimits(ctx context.Context, bearer string) (kiro.UsageLimits, error)
}

// SelectedAccount is the account a caller should use for one request: its
// identity plus the means to obtain a bearer token and issue the call.
type SelectedAccount struct {
	ID         string
	Name       string
	ProfileARN string
	Token      *TokenManager
	Client     *kiro.Client
}

// Pool is the concurrent, persistent store of accounts, their token
// managers, and the selection strategy used to pick among them. All
// exported methods are safe for concurrent use.
type Pool struct {
	mu            sync.RWMutex
	accounts      map[string]*Account
	tokenManagers map[string]*TokenManager
	usageCache    map[string]UsageLimits

	strategy        Strategy
	roundRobinIndex int
	sequentialID    string

	client *kiro.Client
	region string
	logger *slog.Logger

	reqLog *requestLogger

	dataDir string
}

// Options configures a new Pool.
type Options struct {
	Client   *kiro.Client
	Region   string
	Strategy Strategy
	DataDir  string
	Logger   *slog.Logger
}

// NewPool creates an empty pool. Call Load to populate it from dataDir.
func NewPool(opts Options) *Pool {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	strategy := opts.Strategy
	if strategy == "" {
		strategy = StrategyRoundRobin
	}
	return &Pool{
		accounts:      make(map[string]*Account),
		tokenManagers: make(map[string]*TokenManager),
		usageCache:    make(map[string]UsageLimits),
		strategy:      strategy,
		client:        opts.Client,
		region:        opts.Region,
		logger:        logger,
		reqLog:        newRequestLogger(),
		dataDir:       opts.DataDir,
	}
}

// --- persistence -----------------------------------------------------------

// storedAccount is the on-disk shape of an account. The access token and its
// expiry are not stored, so every account re-authenticates on first use.
// exhausted_until survives a restart; the cooldown deadline is not stored and
// last_used_at is written but not restored on load.
type storedAccount struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	RefreshToken string     `json:"refresh_token"`
	AuthMethod   string     `json:"auth_method"`
	ClientID     string     `json:"client_id,omitempty"`
	ClientSecret string     `json:"client_secret,omitempty"`
	ProfileARN   string     `json:"profile_arn,omitempty"`
	Status       Status     `json:"status"`
	RequestCount uint64     `json:"request_count"`
	ErrorCount   uint64     `json:"error_count"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`

	ExhaustedUntil *time.Time `json:"exhausted_until,omitempty"`
}

func (p *Pool) accountsPath() string   { return filepath.Join(p.dataDir, "accounts.json") }
func (p *Pool) logsPath() string       { return filepath.Join(p.dataDir, "request_logs.json") }
func (p *Pool) usageCachePath() string { return filepath.Join(p.dataDir, "usage_cache.json") }

// Load reads persisted accounts, request logs, and the quota cache from
// dataDir. A missing file is not an error (first run).
func (p *Pool) Load() error {
	if p.dataDir == "" {
		return nil
	}

	if err := p.loadAccounts(); err != nil {
		return fmt.Errorf("account: load accounts: %w", err)
	}
	if err := p.loadLogs(); err != nil {
		return fmt.Errorf("account: load request logs: %w", err)
	}
	if err := p.loadUsageCache(); err != nil {
		return fmt.Errorf("account: load usage cache: %w", err)
	}
	return nil
}

func (p *Pool) loadAccounts() error {
	data, err := os.ReadFile(p.accountsPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	var stored []storedAccount
	if err := json.Unmarshal(data, &stored); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, s := range stored {
		status := s.Status
		if status == statusInvalid {
			// Legacy persisted status; migrates to Disabled on load.
			status = StatusDisabled
		}
		acc := &Account{
			ID:   s.ID,
			Name: s.Name,
			Credentials: Credentials{
				RefreshToken: s.RefreshToken,
				AuthMethod:   s.AuthMethod,
				ClientID:     s.ClientID,
				ClientSecret: s.ClientSecret,
				ProfileARN:   s.ProfileARN,
			},
			Status:       status,
			RequestCount: s.RequestCount,
			ErrorCount:   s.ErrorCount,
			CreatedAt:    s.CreatedAt,

			ExhaustedUntil: s.ExhaustedUntil,
		}
		p.accounts[acc.ID] = acc
		p.tokenManagers[acc.ID] = NewTokenManager(acc.Credentials, p.region, p.client)
	}
	return nil
}

func (p *Pool) loadLogs() error {
	data, err := os.ReadFile(p.logsPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var logs []RequestLog
	if err := json.Unmarshal(data, &logs); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reqLog.setAll(logs)
	return nil
}

func (p *Pool) loadUsageCache() error {
	data, err := os.ReadFile(p.usageCachePath())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var cache map[string]UsageLimits
	if err := json.Unmarshal(data, &cache); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.usageCache = cache
	return nil
}

// Save persists the pool's current account list, request logs, and quota
// cache to dataDir. The Pool's own mutating methods do not call it; the
// request handlers, the recovery sweeps and startup/shutdown in main do.
func (p *Pool) Save() error {
	if p.dataDir == "" {
		return nil
	}
	if err := os.MkdirAll(p.dataDir, 0o755); err != nil {
		return fmt.Errorf("account: create data dir: %w", err)
	}

	p.mu.RLock()
	stored := make([]storedAccount, 0, len(p.accounts))
	for _, acc := range p.accounts {
		stored = append(stored, storedAccount{
			ID:           acc.ID,
			Name:         acc.Name,
			RefreshToken: acc.Credentials.RefreshToken,
			AuthMethod:   acc.Credentials.AuthMethod,
			ClientID:     acc.Credentials.ClientID,
			ClientSecret: acc.Credentials.ClientSecret,
			ProfileARN:   acc.Credentials.ProfileARN,
			Status:       acc.Status,
			RequestCount: acc.RequestCount,
			ErrorCount:   acc.ErrorCount,
			LastUsedAt:   acc.LastUsedAt,
			CreatedAt:    acc.CreatedAt,

			ExhaustedUntil: acc.ExhaustedUntil,
		})
	}
	logs := p.reqLog.all()
	cache := make(map[string]UsageLimits, len(p.usageCache))
	for k, v := range p.usageCache {
		cache[k] = v
	}
	p.mu.RUnlock()

	if err := writeJSONFile(p.accountsPath(), stored); err != nil {
		return fmt.Errorf("account: save accounts: %w", err)
	}
	if err := writeJSONFile(p.logsPath(), logs); err != nil {
		return fmt.Errorf("account: save request logs: %w", err)
	}
	if err := writeJSONFile(p.usageCachePath(), cache); err != nil {
		return fmt.Errorf("account: save usage cache: %w", err)
	}
	return nil
}

func writeJSONFile(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// --- account management ------------------------------------------------

// AddAccount registers a new account with a generated ID and returns it.
func (p *Pool) AddAccount(name string, creds Credentials) *Account {
	acc := NewAccount(uuid.NewString(), name, creds)
	p.mu.Lock()
	p.accounts[acc.ID] = acc
	p.tokenManagers[acc.ID] = NewTokenManager(creds, p.region, p.client)
	p.mu.Unlock()
	return acc
}

// AddAccountWithValidation adds the account only after a token refresh
// succeeds, so a typo'd refresh token is rejected immediately rather than
// silently added as permanently-failing.
func (p *Pool) AddAccountWithValidation(ctx context.Context, name string, creds Credentials) (*Account, error) {
	tm := NewTokenManager(creds, p.region, p.client)
	if _, err := tm.EnsureValidToken(ctx); err != nil {
		return nil, fmt.Errorf("account: validate new account: %w", err)
	}
	creds = tm.Credentials()

	acc := NewAccount(uuid.NewString(), name, creds)
	p.mu.Lock()
	p.accounts[acc.ID] = acc
	p.tokenManagers[acc.ID] = tm
	p.mu.Unlock()
	return acc, nil
}

// RemoveAccount deletes an account from the pool.
func (p *Pool) RemoveAccount(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.accounts[id]; !ok {
		return ErrAccountNotFound
	}
	delete(p.accounts, id)
	delete(p.tokenManagers, id)
	delete(p.usageCache, id)
	if p.sequentialID == id {
		p.sequentialID = ""
	}
	return nil
}

// Enable re-activates a disabled account.
func (p *Pool) Enable(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	acc, ok := p.accounts[id]
	if !ok {
		return ErrAccountNotFound
	}
	acc.Enable()
	return nil
}

// Disable forces an account into the Disabled state.
func (p *Pool) Disable(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	acc, ok := p.accounts[id]
	if !ok {
		return ErrAccountNotFound
	}
	acc.Disable()
	return nil
}

// ListAccounts returns a read-only snapshot of every account.
func (p *Pool) ListAccounts() []Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Snapshot, 0, len(p.accounts))
	for _, acc := range p.accounts {
		out = append(out, acc.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// SetStrategy changes the active selection strategy and clears the
// sequential-exhaust current account.
func (p *Pool) SetStrategy(s Strategy) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.strategy = s
	p.sequentialID = ""
}

// GetStrategy returns the active selection strategy.
func (p *Pool) GetStrategy() Strategy {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.strategy
}

// --- selection -----------------------------------------------------------

// SelectAccount picks the next account to use per the pool's active
// strategy, among accounts currently IsAvailable, and marks it used.
func (p *Pool) SelectAccount(now time.Time) (*SelectedAccount, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	candidates := p.availableLocked(now)
	if len(candidates) == 0 {
		return nil, ErrNoAvailableAccounts
	}

	var chosen *Account
	switch p.strategy {
	case StrategyRandom:
		chosen = candidates[rand.Intn(len(candidates))]
	case StrategyLeastUsed:
		chosen = candidates[0]
		for _, c := range candidates[1:] {
			if c.RequestCount < chosen.RequestCount {
				chosen = c
			}
		}
	case StrategySequentialExhaust:
		chosen = p.selectSequentialExhaustLocked(candidates)
	default: // StrategyRoundRobin
		sort.Slice(candidates, func(i, j int) bool {
			return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
		})
		idx := p.roundRobinIndex % len(candidates)
		p.roundRobinIndex = (p.roundRobinIndex + 1) % len(candidates)
		chosen = candidates[idx]
	}

	chosen.RecordUse(now)
	tm := p.tokenManagers[chosen.ID]

	return &SelectedAccount{
		ID:         chosen.ID,
		Name:       chosen.Name,
		ProfileARN: chosen.Credentials.ProfileARN,
		Token:      tm,
		Client:     p.client,
	}, nil
}

// selectSequentialExhaustLocked implements the sticky, stable-ordered
// selection: it keeps returning the current account until the account
// becomes unavailable or is known (via the quota cache) to be at zero
// remaining quota, then advances to the next candidate in (CreatedAt, ID)
// order. Callers must hold p.mu.
func (p *Pool) selectSequentialExhaustLocked(candidates []*Account) *Account {
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
			return candidates[i].ID < candidates[j].ID
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})

	if p.sequentialID != "" {
		for _, c := range candidates {
			if c.ID == p.sequentialID && !p.isCachedZeroQuotaLocked(c.ID) {
				return c
			}
		}
	}

	startIdx := 0
	if p.sequentialID != "" {
		for i, c := range candidates {
			if c.ID == p.sequentialID {
				startIdx = i + 1
				break
			}
		}
	}

	n := len(candidates)
	for i := 0; i < n; i++ {
		c := candidates[(startIdx+i)%n]
		if !p.isCachedZeroQuotaLocked(c.ID) {
			p.sequentialID = c.ID
			return c
		}
	}

	// Every candidate is cached at zero quota; fall back to the first in
	// order rather than refusing the request outright.
	p.sequentialID = candidates[0].ID
	return candidates[0]
}

func (p *Pool) isCachedZeroQuotaLocked(id string) bool {
	limits, ok := p.usageCache[id]
	if !ok {
		return false
	}
	return limits.Available <= 0
}

func (p *Pool) availableLocked(now time.Time) []*Account {
	var out []*Account
	for _, acc := range p.accounts {
		if acc.IsAvailable(now) {
			out = append(out, acc)
		}
	}
	return out
}

// --- outcome recording -----------------------------------------------------

// ApplyClassification updates an account's status per the outcome of a
// completed request, using the priority-ordered error classifier.
func (p *Pool) ApplyClassification(id string, errMsg string, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	acc, ok := p.accounts[id]
	if !ok {
		return
	}

	switch Classify(errMsg) {
	case ClassQuotaExhausted:
		acc.ErrorCount++
		acc.MarkExhausted(nil)
	case ClassSuspended:
		acc.ErrorCount++
		acc.MarkInvalid()
	case ClassRateLimited:
		acc.RecordError(true, now)
	default:
		acc.RecordError(false, now)
	}
}

// RecoverCooldownAccounts transitions every Cooldown account whose deadline
// has passed back to Active. Intended to run on the 15-minute sweep.
func (p *Pool) RecoverCooldownAccounts(now time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, acc := range p.accounts {
		if acc.Status == StatusCooldown && acc.RecoverIfReady(now) {
			n++
		}
	}
	return n
}

// RefreshExhaustedAccounts re-probes quota for every Exhausted account and
// recovers those whose usage has reset. A probe failure classified as
// suspended disables the account. Intended to run on the 60-minute sweep.
func (p *Pool) RefreshExhaustedAccounts(ctx context.Context, prober QuotaProber) (int, error) {
	disableIfSuspended := func(id string, err error) {
		if Classify(err.Error()) != ClassSuspended {
			return
		}
		p.mu.Lock()
		if acc, ok := p.accounts[id]; ok {
			acc.MarkInvalid()
		}
		p.mu.Unlock()
	}

	p.mu.RLock()
	type candidate struct {
		id string
		tm *TokenManager
	}
	var exhausted []candidate
	for id, acc := range p.accounts {
		if acc.Status == StatusExhausted {
			exhausted = append(exhausted, candidate{id: id, tm: p.tokenManagers[id]})
		}
	}
	p.mu.RUnlock()

	recovered := 0
	var firstErr error
	for _, c := range exhausted {
		if c.tm == nil {
			continue
		}
		bearer, err := c.tm.EnsureValidToken(ctx)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			disableIfSuspended(c.id, err)
			continue
		}
		limits, err := prober.FetchUsageLimits(ctx, bearer)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			disableIfSuspended(c.id, err)
			continue
		}

		accountLimits := convertUsageLimits(limits)
		p.mu.Lock()
		p.usageCache[c.id] = accountLimits
		if acc, ok := p.accounts[c.id]; ok && acc.Status == StatusExhausted {
			if accountLimits.Available > 0 {
				acc.Status = StatusActive
				acc.ExhaustedUntil = nil
				recovered++
			} else if accountLimits.NextReset != nil {
				acc.ExhaustedUntil = accountLimits.NextReset
			}
		}
		p.mu.Unlock()
	}
	return recovered, firstErr
}

func convertUsageLimits(l kiro.UsageLimits) UsageLimits {
	out := UsageLimits{
		ResourceType:     l.ResourceType,
		UsageLimit:       l.UsageLimit,
		CurrentUsage:     l.CurrentUsage,
		Available:        l.Available,
		NextReset:        l.NextReset,
		UserEmail:        l.UserEmail,
		SubscriptionType: l.SubscriptionType,
	}
	if l.FreeTrial != nil {
		out.FreeTrial = &FreeTrial{
			Status:       l.FreeTrial.Status,
			UsageLimit:   l.FreeTrial.UsageLimit,
			CurrentUsage: l.FreeTrial.CurrentUsage,
			Expiry:       l.FreeTrial.Expiry,
		}
	}
	return out
}

// SetUsageCache records a fresh quota reading for an account, e.g. from an
// ad-hoc probe outside the sweep.
func (p *Pool) SetUsageCache(id string, limits kiro.UsageLimits) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.usageCache[id] = convertUsageLimits(limits)
}

// UsageCache returns the last-known quota reading for an account, if any.
func (p *Pool) UsageCache(id string) (UsageLimits, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	l, ok := p.usageCache[id]
	return l, ok
}

// --- request logging and stats --------------------------------------------

// RecordRequest appends a completed request's outcome to the ring buffer.
func (p *Pool) RecordRequest(log RequestLog) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reqLog.add(log)
}

// GetRecentLogs returns the n most recent request logs, newest first.
func (p *Pool) GetRecentLogs(n int) []RequestLog {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.reqLog.recent(n)
}

// GetRequestStats aggregates the logged request history.
func (p *Pool) GetRequestStats() RequestStats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.reqLog.stats()
}

// GetStats summarizes the pool's accounts by status.
func (p *Pool) GetStats() PoolStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var stats PoolStats
	stats.Total = len(p.accounts)
	for _, acc := range p.accounts {
		switch acc.Status {
		case StatusActive:
			stats.Active++
		case StatusCooldown:
			stats.Cooldown++
		case StatusExhausted:
			stats.Exhausted++
		case StatusDisabled:
			stats.Disabled++
		}
		stats.TotalRequests += acc.RequestCount
		stats.TotalErrors += acc.ErrorCount
	}
	return stats
}
