package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	llmux "github.com/eugener/llmux/internal"
)

// UpsertUsers writes the batch in one transaction, replacing by token.
func (s *Store) UpsertUsers(ctx context.Context, users []*llmux.User) error {
	if len(users) == 0 {
		return nil
	}
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO users (token, type, nickname, ips, prompt_count, token_counts,
		 token_limits, created_at, last_used_at, disabled_at, disabled_reason, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(token) DO UPDATE SET
		 type=excluded.type, nickname=excluded.nickname, ips=excluded.ips,
		 prompt_count=excluded.prompt_count, token_counts=excluded.token_counts,
		 token_limits=excluded.token_limits, last_used_at=excluded.last_used_at,
		 disabled_at=excluded.disabled_at, disabled_reason=excluded.disabled_reason,
		 expires_at=excluded.expires_at`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, u := range users {
		ips, err := marshalJSON(u.IPs)
		if err != nil {
			return err
		}
		counts, err := marshalJSON(u.TokenCounts)
		if err != nil {
			return err
		}
		limits, err := marshalJSON(u.TokenLimits)
		if err != nil {
			return err
		}
		_, err = stmt.ExecContext(ctx,
			u.Token, string(u.Type), nullStr(u.Nickname), ips, u.PromptCount,
			counts, limits,
			u.CreatedAt.UTC().Format(time.RFC3339), timeValToStr(u.LastUsedAt),
			timeToStr(u.DisabledAt), nullStr(u.DisabledReason), timeToStr(u.ExpiresAt),
		)
		if err != nil {
			return fmt.Errorf("upsert user %s: %w", u.Token, err)
		}
	}
	return tx.Commit()
}

// DeleteUsers removes the tokens. Missing tokens are not an error.
func (s *Store) DeleteUsers(ctx context.Context, tokens []string) error {
	if len(tokens) == 0 {
		return nil
	}
	args := make([]any, len(tokens))
	for i, t := range tokens {
		args[i] = t
	}
	q := `DELETE FROM users WHERE token IN (?` + strings.Repeat(",?", len(tokens)-1) + `)`
	_, err := s.write.ExecContext(ctx, q, args...)
	return err
}

// ListUsers returns every persisted user.
func (s *Store) ListUsers(ctx context.Context) ([]*llmux.User, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT token, type, nickname, ips, prompt_count, token_counts, token_limits,
		 created_at, last_used_at, disabled_at, disabled_reason, expires_at
		 FROM users ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*llmux.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func scanUser(row interface{ Scan(...any) error }) (*llmux.User, error) {
	var u llmux.User
	var typ string
	var nickname, ips, counts, limits, reason sql.NullString
	var createdAt string
	var lastUsedAt, disabledAt, expiresAt sql.NullString

	err := row.Scan(&u.Token, &typ, &nickname, &ips, &u.PromptCount,
		&counts, &limits, &createdAt, &lastUsedAt, &disabledAt, &reason, &expiresAt)
	if err != nil {
		return nil, err
	}

	u.Type = llmux.UserType(typ)
	u.Nickname = nickname.String
	u.DisabledReason = reason.String
	if err := unmarshalInto(ips, &u.IPs); err != nil {
		return nil, err
	}
	if err := unmarshalInto(counts, &u.TokenCounts); err != nil {
		return nil, err
	}
	if err := unmarshalInto(limits, &u.TokenLimits); err != nil {
		return nil, err
	}
	if u.TokenCounts == nil {
		u.TokenCounts = make(map[llmux.ModelFamily]int64)
	}
	if u.TokenLimits == nil {
		u.TokenLimits = make(map[llmux.ModelFamily]int64)
	}

	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		u.CreatedAt = t
	}
	if t := parseTime(lastUsedAt); t != nil {
		u.LastUsedAt = *t
	}
	u.DisabledAt = parseTime(disabledAt)
	u.ExpiresAt = parseTime(expiresAt)
	return &u, nil
}

// helpers

func marshalJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalInto(ns sql.NullString, dst any) error {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(ns.String), dst); err != nil {
		return fmt.Errorf("unmarshal column: %w", err)
	}
	return nil
}

func timeToStr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

func timeValToStr(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

func parseTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
