// Package userstore holds the in-memory user table: proxy access tokens,
// their IP bindings, usage counters, and quota limits. The table is the
// runtime source of truth; dirty records flush to the persistence backend
// in batches.
package userstore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	llmux "github.com/eugener/llmux/internal"
	"github.com/eugener/llmux/internal/storage"
)

// purgeAfter is how long a disabled temporary token lingers before deletion.
const purgeAfter = 24 * time.Hour

// Store is the in-memory user table.
type Store struct {
	mu      sync.Mutex
	users   map[string]*llmux.User
	dirty   map[string]uint64 // token -> generation at last mutation
	gen     uint64
	deleted map[string]struct{}

	maxIPs int // 0 = unlimited
	now    func() time.Time
}

// New returns an empty store enforcing the given per-user IP cap.
func New(maxIPs int) *Store {
	return &Store{
		users:   make(map[string]*llmux.User),
		dirty:   make(map[string]uint64),
		deleted: make(map[string]struct{}),
		maxIPs:  maxIPs,
		now:     time.Now,
	}
}

// markDirty stamps the record with a fresh generation. Flush clears a dirty
// mark only if the generation is unchanged, so a mutation landing while a
// flush batch is in flight survives to the next flush. Callers hold mu.
func (s *Store) markDirty(token string) {
	s.gen++
	s.dirty[token] = s.gen
}

// Load replaces the table with the backend's contents. Called once at startup.
func (s *Store) Load(ctx context.Context, backend storage.UserStore) error {
	users, err := backend.ListUsers(ctx)
	if err != nil {
		return fmt.Errorf("userstore: load: %w", err)
	}

	s.mu.Lock()
	s.users = make(map[string]*llmux.User, len(users))
	for _, u := range users {
		s.users[u.Token] = u.Clone()
	}
	s.mu.Unlock()

	slog.Info("user table loaded", "users", len(users))
	return nil
}

// CreateOpts holds the fields for user creation.
type CreateOpts struct {
	Type        llmux.UserType
	Nickname    string
	TokenLimits map[llmux.ModelFamily]int64
	ExpiresAt   *time.Time // temporary users only
}

// Create mints a new user token and registers the record.
func (s *Store) Create(opts CreateOpts) *llmux.User {
	if opts.Type == "" {
		opts.Type = llmux.UserNormal
	}
	u := &llmux.User{
		Token:       uuid.NewString(),
		Type:        opts.Type,
		Nickname:    opts.Nickname,
		TokenCounts: make(map[llmux.ModelFamily]int64),
		TokenLimits: make(map[llmux.ModelFamily]int64, len(opts.TokenLimits)),
		CreatedAt:   s.now(),
		ExpiresAt:   opts.ExpiresAt,
	}
	for f, l := range opts.TokenLimits {
		u.TokenLimits[f] = l
	}

	s.mu.Lock()
	s.users[u.Token] = u
	s.markDirty(u.Token)
	clone := u.Clone()
	s.mu.Unlock()

	slog.Info("user created", "token", u.Token, "type", u.Type)
	return clone
}

// Get returns a copy of the user, or false.
func (s *Store) Get(token string) (*llmux.User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[token]
	if !ok {
		return nil, false
	}
	return u.Clone(), true
}

// List returns copies of every user.
func (s *Store) List() []*llmux.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*llmux.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u.Clone())
	}
	return out
}

// Upsert replaces or inserts the record as-is. Admin surface only.
func (s *Store) Upsert(u *llmux.User) {
	s.mu.Lock()
	s.users[u.Token] = u.Clone()
	s.markDirty(u.Token)
	delete(s.deleted, u.Token)
	s.mu.Unlock()
}

// Disable marks the user disabled with the given reason. Idempotent.
func (s *Store) Disable(token, reason string) {
	s.mu.Lock()
	u, ok := s.users[token]
	if !ok || u.Disabled() {
		s.mu.Unlock()
		return
	}
	now := s.now()
	u.DisabledAt = &now
	u.DisabledReason = reason
	s.markDirty(token)
	s.mu.Unlock()

	slog.Warn("user disabled", "token", token, "reason", reason)
}

// Delete removes the user and schedules the backend deletion.
func (s *Store) Delete(token string) {
	s.mu.Lock()
	if _, ok := s.users[token]; ok {
		delete(s.users, token)
		delete(s.dirty, token)
		s.deleted[token] = struct{}{}
	}
	s.mu.Unlock()
}

// Authenticate resolves the token, records the caller IP, and enforces the
// IP cap. Normal and temporary users exceeding the cap are disabled with
// DisableReasonIPLimit; special users bypass the cap. Returns a copy of the
// user on success.
func (s *Store) Authenticate(token, ip string) (*llmux.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[token]
	if !ok {
		return nil, llmux.ErrUnauthorized
	}
	if u.Disabled() {
		return nil, fmt.Errorf("%w: %s", llmux.ErrUserDisabled, u.DisabledReason)
	}

	if ip != "" && !containsIP(u.IPs, ip) {
		if s.maxIPs > 0 && len(u.IPs) >= s.maxIPs && u.Type != llmux.UserSpecial {
			now := s.now()
			u.DisabledAt = &now
			u.DisabledReason = llmux.DisableReasonIPLimit
			s.markDirty(token)
			slog.Warn("user disabled", "token", token, "reason", u.DisabledReason)
			return nil, fmt.Errorf("%w: %s", llmux.ErrUserDisabled, u.DisabledReason)
		}
		u.IPs = append(u.IPs, ip)
		s.markDirty(token)
	}

	u.LastUsedAt = s.now()
	s.markDirty(token)
	return u.Clone(), nil
}

func containsIP(ips []string, ip string) bool {
	for _, x := range ips {
		if x == ip {
			return true
		}
	}
	return false
}

// IncrementUsage bumps the user's prompt count and the family token counter.
func (s *Store) IncrementUsage(token string, f llmux.ModelFamily, tokens int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[token]
	if !ok {
		return
	}
	u.PromptCount++
	if u.TokenCounts == nil {
		u.TokenCounts = make(map[llmux.ModelFamily]int64)
	}
	u.TokenCounts[f] += tokens
	s.markDirty(token)
}

// SetLimits replaces the user's per-family token limits.
func (s *Store) SetLimits(token string, limits map[llmux.ModelFamily]int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[token]
	if !ok {
		return
	}
	u.TokenLimits = make(map[llmux.ModelFamily]int64, len(limits))
	for f, l := range limits {
		u.TokenLimits[f] = l
	}
	s.markDirty(token)
}

// DisableExpired disables temporary users past their expiry and deletes
// temporary users disabled more than 24h ago. Runs on the minutely tick.
func (s *Store) DisableExpired() (disabled, purged int) {
	now := s.now()

	s.mu.Lock()
	for token, u := range s.users {
		if u.Type != llmux.UserTemporary {
			continue
		}
		switch {
		case !u.Disabled() && u.ExpiresAt != nil && !now.Before(*u.ExpiresAt):
			u.DisabledAt = &now
			u.DisabledReason = "temporary token expired"
			s.markDirty(token)
			disabled++
		case u.Disabled() && now.Sub(*u.DisabledAt) >= purgeAfter:
			delete(s.users, token)
			delete(s.dirty, token)
			s.deleted[token] = struct{}{}
			purged++
		}
	}
	s.mu.Unlock()

	if disabled > 0 || purged > 0 {
		slog.Info("temporary token sweep", "disabled", disabled, "purged", purged)
	}
	return disabled, purged
}

// Flush writes dirty records and pending deletions to the backend. Records
// stay marked dirty if the write fails, so the next flush retries them. A
// record mutated while the batch is being written keeps its dirty mark: the
// snapshot predates the mutation, so clearing it would lose the update.
func (s *Store) Flush(ctx context.Context, backend storage.UserStore) error {
	s.mu.Lock()
	upserts := make([]*llmux.User, 0, len(s.dirty))
	gens := make(map[string]uint64, len(s.dirty))
	for token, gen := range s.dirty {
		if u, ok := s.users[token]; ok {
			upserts = append(upserts, u.Clone())
			gens[token] = gen
		}
	}
	deletes := make([]string, 0, len(s.deleted))
	for token := range s.deleted {
		deletes = append(deletes, token)
	}
	s.mu.Unlock()

	if len(upserts) == 0 && len(deletes) == 0 {
		return nil
	}

	if len(upserts) > 0 {
		if err := backend.UpsertUsers(ctx, upserts); err != nil {
			return fmt.Errorf("userstore: flush upserts: %w", err)
		}
	}
	if len(deletes) > 0 {
		if err := backend.DeleteUsers(ctx, deletes); err != nil {
			return fmt.Errorf("userstore: flush deletes: %w", err)
		}
	}

	s.mu.Lock()
	for _, u := range upserts {
		if s.dirty[u.Token] == gens[u.Token] {
			delete(s.dirty, u.Token)
		}
	}
	for _, token := range deletes {
		delete(s.deleted, token)
	}
	s.mu.Unlock()

	slog.Debug("user table flushed", "upserts", len(upserts), "deletes", len(deletes))
	return nil
}
