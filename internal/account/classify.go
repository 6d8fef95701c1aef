package account

import "strings"

// Classification is the outcome of matching an upstream error string
// against the pool's priority-ordered substring rules.
type Classification int

const (
	// ClassOther leaves the account's status unchanged; a plain error is
	// recorded.
	ClassOther Classification = iota
	// ClassRateLimited transitions Active -> Cooldown.
	ClassRateLimited
	// ClassSuspended transitions the account -> Disabled.
	ClassSuspended
	// ClassQuotaExhausted transitions the account -> Exhausted.
	ClassQuotaExhausted
)

// Classify maps an upstream error's string form to one of the four
// classifications, applying the priority order from spec §4.1:
//  1. quota exhaustion (402 / Payment Required / MONTHLY_REQUEST_COUNT / "reached the limit")
//  2. suspended (403 / "suspended")
//  3. rate limited (429 / "rate")
//  4. otherwise, no state change
func Classify(errMsg string) Classification {
	switch {
	case containsAny(errMsg, "402", "Payment Required", "MONTHLY_REQUEST_COUNT", "reached the limit"):
		return ClassQuotaExhausted
	case containsAny(errMsg, "suspended", "403"):
		return ClassSuspended
	case containsAny(errMsg, "429", "rate"):
		return ClassRateLimited
	default:
		return ClassOther
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
