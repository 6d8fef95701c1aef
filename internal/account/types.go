// Package account implements the account pool: the concurrent, persistent
// store of upstream credentials, their state machine, selection strategies,
// and per-account token refresh.
package account

import "time"

// Status is the lifecycle state of an account.
type Status string

const (
	StatusActive    Status = "active"
	StatusCooldown  Status = "cooldown"
	StatusExhausted Status = "exhausted"
	StatusDisabled  Status = "disabled"

	// statusInvalid is the legacy persisted status, migrated to Disabled on load.
	statusInvalid Status = "invalid"
)

// cooldownDuration is how long a rate-limited account stays in Cooldown.
const cooldownDuration = 5 * time.Minute

// Credentials holds the OAuth-style refresh state for one account.
type Credentials struct {
	RefreshToken string `json:"refresh_token"`
	AccessToken  string `json:"access_token,omitempty"`
	ExpiresAt    string `json:"expires_at,omitempty"` // RFC3339; empty means "refresh now"
	AuthMethod   string `json:"auth_method"`           // "social" or "idc"
	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`
	ProfileARN   string `json:"profile_arn,omitempty"`
}

// Account is one credential bundle plus its runtime status.
type Account struct {
	ID          string
	Name        string
	Credentials Credentials
	Status      Status

	RequestCount uint64
	ErrorCount   uint64

	LastUsedAt     *time.Time
	CooldownUntil  *time.Time
	ExhaustedUntil *time.Time
	CreatedAt      time.Time
}

// NewAccount creates a fresh Active account.
func NewAccount(id, name string, creds Credentials) *Account {
	return &Account{
		ID:          id,
		Name:        name,
		Credentials: creds,
		Status:      StatusActive,
		CreatedAt:   time.Now().UTC(),
	}
}

// IsAvailable reports whether the account may currently be selected.
func (a *Account) IsAvailable(now time.Time) bool {
	switch a.Status {
	case StatusActive:
		return true
	case StatusCooldown:
		if a.CooldownUntil == nil {
			return true
		}
		return !now.Before(*a.CooldownUntil)
	case StatusExhausted:
		if a.ExhaustedUntil == nil {
			return false
		}
		return !now.Before(*a.ExhaustedUntil)
	default:
		return false
	}
}

// RecordUse increments usage counters and auto-heals a stale Cooldown or
// Exhausted deadline.
func (a *Account) RecordUse(now time.Time) {
	a.RequestCount++
	t := now
	a.LastUsedAt = &t
	if a.Status == StatusCooldown && a.IsAvailable(now) {
		a.Status = StatusActive
		a.CooldownUntil = nil
	}
	if a.Status == StatusExhausted && a.IsAvailable(now) {
		a.Status = StatusActive
		a.ExhaustedUntil = nil
	}
}

// RecordError increments the error count and, if isRateLimit, transitions
// the account into Cooldown.
func (a *Account) RecordError(isRateLimit bool, now time.Time) {
	a.ErrorCount++
	if isRateLimit {
		a.Status = StatusCooldown
		until := now.Add(cooldownDuration)
		a.CooldownUntil = &until
	}
}

// MarkInvalid disables the account (classifier: suspended/403).
func (a *Account) MarkInvalid() {
	a.Status = StatusDisabled
	a.CooldownUntil = nil
	a.ExhaustedUntil = nil
}

// MarkExhausted transitions the account into Exhausted with an optional
// known reset instant.
func (a *Account) MarkExhausted(nextReset *time.Time) {
	a.Status = StatusExhausted
	a.ExhaustedUntil = nextReset
	a.CooldownUntil = nil
}

// RecoverIfReady transitions Cooldown/Exhausted back to Active if the
// deadline has passed. Returns whether a transition happened.
func (a *Account) RecoverIfReady(now time.Time) bool {
	switch a.Status {
	case StatusCooldown:
		if a.CooldownUntil == nil || !now.Before(*a.CooldownUntil) {
			a.Status = StatusActive
			a.CooldownUntil = nil
			return true
		}
	case StatusExhausted:
		if a.ExhaustedUntil != nil && !now.Before(*a.ExhaustedUntil) {
			a.Status = StatusActive
			a.ExhaustedUntil = nil
			return true
		}
	}
	return false
}

// Enable clears a Disabled account back to Active.
func (a *Account) Enable() {
	if a.Status == StatusDisabled {
		a.Status = StatusActive
		a.CooldownUntil = nil
		a.ExhaustedUntil = nil
	}
}

// Disable forces the account into the terminal Disabled state.
func (a *Account) Disable() {
	a.Status = StatusDisabled
	a.CooldownUntil = nil
	a.ExhaustedUntil = nil
}

// Snapshot is a read-only copy of an account's non-credential fields, used
// for list views.
type Snapshot struct {
	ID             string
	Name           string
	Status         Status
	RequestCount   uint64
	ErrorCount     uint64
	LastUsedAt     *time.Time
	CooldownUntil  *time.Time
	ExhaustedUntil *time.Time
	CreatedAt      time.Time
}

func (a *Account) snapshot() Snapshot {
	return Snapshot{
		ID:             a.ID,
		Name:           a.Name,
		Status:         a.Status,
		RequestCount:   a.RequestCount,
		ErrorCount:     a.ErrorCount,
		LastUsedAt:     a.LastUsedAt,
		CooldownUntil:  a.CooldownUntil,
		ExhaustedUntil: a.ExhaustedUntil,
		CreatedAt:      a.CreatedAt,
	}
}
