// Package quota enforces per-user, per-model-family token budgets.
package quota

import (
	"log/slog"

	llmux "github.com/eugener/llmux/internal"
)

// Accounts is the slice of the user table the tracker needs.
type Accounts interface {
	Get(token string) (*llmux.User, bool)
	List() []*llmux.User
	IncrementUsage(token string, f llmux.ModelFamily, tokens int64)
	SetLimits(token string, limits map[llmux.ModelFamily]int64)
}

// Tracker checks and consumes token quota against the user table.
type Tracker struct {
	accounts Accounts
	// defaults is the configured tokenQuota map applied on refresh.
	// A missing or zero entry means unlimited.
	defaults map[llmux.ModelFamily]int64
}

// NewTracker returns a tracker over accounts with the configured default
// per-family quota.
func NewTracker(accounts Accounts, defaults map[llmux.ModelFamily]int64) *Tracker {
	return &Tracker{accounts: accounts, defaults: defaults}
}

// Remaining returns the user's remaining token budget for the family.
// Negative means unlimited.
func (t *Tracker) Remaining(u *llmux.User, f llmux.ModelFamily) int64 {
	limit := u.TokenLimits[f]
	if limit <= 0 {
		return -1
	}
	remaining := limit - u.TokenCounts[f]
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Check returns nil when the user may spend `requested` tokens on the
// family, or a quota error carrying {quota, used, requested}.
func (t *Tracker) Check(u *llmux.User, f llmux.ModelFamily, requested int64) error {
	limit := u.TokenLimits[f]
	if limit <= 0 {
		return nil
	}
	used := u.TokenCounts[f]
	if used+requested <= limit {
		return nil
	}
	return llmux.QuotaError(llmux.QuotaInfo{Quota: limit, Used: used, Requested: requested})
}

// Consume records spent tokens after a completed prompt.
func (t *Tracker) Consume(token string, f llmux.ModelFamily, tokens int64) {
	t.accounts.IncrementUsage(token, f, tokens)
}

// RefreshAll resets every eligible user's limits to the configured
// defaults. Special users keep their manual limits; temporary users live on
// the quota minted at creation and are never refreshed. Returns how many
// users were touched.
func (t *Tracker) RefreshAll() int {
	refreshed := 0
	for _, u := range t.accounts.List() {
		if u.Type == llmux.UserSpecial || u.Type == llmux.UserTemporary {
			continue
		}
		t.accounts.SetLimits(u.Token, t.defaults)
		refreshed++
	}
	slog.Info("quota refresh", "users", refreshed)
	return refreshed
}
