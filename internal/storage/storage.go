// Package storage defines persistence interfaces for the proxy.
package storage

import (
	"context"

	llmux "github.com/eugener/llmux/internal"
)

// UserStore persists user records. The in-memory user table is the source
// of truth at runtime; implementations only need batch durability.
type UserStore interface {
	// UpsertUsers writes the batch atomically, inserting or replacing by token.
	UpsertUsers(ctx context.Context, users []*llmux.User) error
	// DeleteUsers removes the tokens. Missing tokens are not an error.
	DeleteUsers(ctx context.Context, tokens []string) error
	// ListUsers returns every persisted user.
	ListUsers(ctx context.Context) ([]*llmux.User, error)
}

// PromptLogStore persists prompt/response pairs when prompt logging is on.
type PromptLogStore interface {
	InsertPromptLogs(ctx context.Context, logs []llmux.PromptLog) error
}

// Store combines all storage interfaces.
type Store interface {
	UserStore
	PromptLogStore
	Close() error
}

// Memory is the no-durability backend used when gatekeeperStore is
// "memory": flushes succeed and load returns nothing.
type Memory struct{}

// UpsertUsers implements UserStore.
func (Memory) UpsertUsers(context.Context, []*llmux.User) error { return nil }

// DeleteUsers implements UserStore.
func (Memory) DeleteUsers(context.Context, []string) error { return nil }

// ListUsers implements UserStore.
func (Memory) ListUsers(context.Context) ([]*llmux.User, error) { return nil, nil }

// InsertPromptLogs implements PromptLogStore.
func (Memory) InsertPromptLogs(context.Context, []llmux.PromptLog) error { return nil }

// Close implements Store.
func (Memory) Close() error { return nil }
