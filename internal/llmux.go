// Package llmux defines domain types and interfaces for the llmux reverse
// proxy. This package has no project imports -- it is the dependency root.
package llmux

import (
	"context"
	"time"
)

// --- Services and dialects ---

// Service identifies an upstream LLM API.
type Service string

const (
	ServiceOpenAI    Service = "openai"
	ServiceAnthropic Service = "anthropic"
	ServiceGoogle    Service = "google-palm"
	ServiceAWS       Service = "aws"
	ServiceMistral   Service = "mistral-ai"
)

// Dialect is a supported inbound/outbound wire format.
type Dialect string

const (
	DialectOpenAIChat  Dialect = "openai"
	DialectOpenAIText  Dialect = "openai-text"
	DialectOpenAIImage Dialect = "openai-image"
	// DialectAnthropic is the v1 text completion API; its stream events
	// carry the entire completion-so-far rather than deltas.
	DialectAnthropic Dialect = "anthropic"
	// DialectAnthropicChat is the v2 messages API; its stream events are deltas.
	DialectAnthropicChat Dialect = "anthropic-chat"
	DialectGooglePalm    Dialect = "google-palm"
	DialectGoogleAI      Dialect = "google-ai"
	DialectMistral       Dialect = "mistral-ai"
	DialectPassthrough   Dialect = "passthrough"
)

// --- Model families ---

// ModelFamily is a coarse model-capability tag used as the unit of quota
// accounting and request routing.
type ModelFamily string

const (
	FamilyTurbo         ModelFamily = "turbo"
	FamilyGPT4          ModelFamily = "gpt4"
	FamilyGPT432K       ModelFamily = "gpt4-32k"
	FamilyGPT4Turbo     ModelFamily = "gpt4-turbo"
	FamilyDallE         ModelFamily = "dall-e"
	FamilyClaude        ModelFamily = "claude"
	FamilyBison         ModelFamily = "bison"
	FamilyAWSClaude     ModelFamily = "aws-claude"
	FamilyMistralTiny   ModelFamily = "mistral-tiny"
	FamilyMistralSmall  ModelFamily = "mistral-small"
	FamilyMistralMedium ModelFamily = "mistral-medium"
	FamilyMistralLarge  ModelFamily = "mistral-large"
)

// AllFamilies lists every known model family.
var AllFamilies = []ModelFamily{
	FamilyTurbo, FamilyGPT4, FamilyGPT432K, FamilyGPT4Turbo, FamilyDallE,
	FamilyClaude, FamilyBison, FamilyAWSClaude,
	FamilyMistralTiny, FamilyMistralSmall, FamilyMistralMedium, FamilyMistralLarge,
}

// --- Users ---

// UserType determines queue priority and quota treatment.
type UserType string

const (
	// UserNormal is subject to IP limits and token quotas.
	UserNormal UserType = "normal"
	// UserSpecial bypasses the IP limit and quota refresh.
	UserSpecial UserType = "special"
	// UserTemporary expires at ExpiresAt and is purged 24h after disable.
	UserTemporary UserType = "temporary"
)

// User is a proxy access token holder.
type User struct {
	Token          string                `json:"token"` // UUID, primary key
	IPs            []string              `json:"ip"`    // ordered set, bounded by maxIpsPerUser
	Type           UserType              `json:"type"`
	PromptCount    int64                 `json:"promptCount"`
	TokenCounts    map[ModelFamily]int64 `json:"tokenCounts"`
	TokenLimits    map[ModelFamily]int64 `json:"tokenLimits"` // 0 or absent = unlimited
	Nickname       string                `json:"nickname,omitempty"`
	CreatedAt      time.Time             `json:"createdAt"`
	LastUsedAt     time.Time             `json:"lastUsedAt"`
	DisabledAt     *time.Time            `json:"disabledAt,omitempty"`
	DisabledReason string                `json:"disabledReason,omitempty"`
	ExpiresAt      *time.Time            `json:"expiresAt,omitempty"` // temporary only
}

// Clone returns a deep copy of the user.
func (u *User) Clone() *User {
	c := *u
	c.IPs = append([]string(nil), u.IPs...)
	c.TokenCounts = make(map[ModelFamily]int64, len(u.TokenCounts))
	for k, v := range u.TokenCounts {
		c.TokenCounts[k] = v
	}
	c.TokenLimits = make(map[ModelFamily]int64, len(u.TokenLimits))
	for k, v := range u.TokenLimits {
		c.TokenLimits[k] = v
	}
	if u.DisabledAt != nil {
		t := *u.DisabledAt
		c.DisabledAt = &t
	}
	if u.ExpiresAt != nil {
		t := *u.ExpiresAt
		c.ExpiresAt = &t
	}
	return &c
}

// Disabled reports whether the user has been disabled.
func (u *User) Disabled() bool { return u.DisabledAt != nil }

// DisableReasonIPLimit is the exact reason recorded when a user exceeds
// the per-user IP cap.
const DisableReasonIPLimit = "IP address limit exceeded"

// --- Token counting ---

// TokenCounter estimates token counts for prompts and completions.
// Implementations are heuristic; exactness is not required for quota
// accounting, only monotonic consistency.
type TokenCounter interface {
	// CountText counts tokens in a plain text prompt or completion.
	CountText(service Service, model, text string) int
	// CountMessages counts tokens across chat messages.
	CountMessages(service Service, model string, messages []ChatMessage) int
}

// ChatMessage is a single OpenAI-format chat message with opaque content.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// --- Prompt logging ---

// PromptLog is a single prompt/response pair destined for the logging sink.
type PromptLog struct {
	RequestID  string      `json:"request_id"`
	UserToken  string      `json:"user_token"`
	Service    Service     `json:"service"`
	Model      string      `json:"model"`
	Family     ModelFamily `json:"family"`
	Prompt     string      `json:"prompt"`
	Completion string      `json:"completion"`
	CreatedAt  time.Time   `json:"created_at"`
}

// PromptSink accepts prompt logs fire-and-forget; it must never block the
// request path.
type PromptSink interface {
	Log(PromptLog)
}

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// The User field is set later by the authenticate middleware via mutation of
// the same pointer, avoiding a second context.WithValue + Request.WithContext.
type requestMeta struct {
	RequestID string
	User      *User
}

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// UserFromContext extracts the authenticated user from ctx, or nil.
func UserFromContext(ctx context.Context) *User {
	if m := metaFromContext(ctx); m != nil {
		return m.User
	}
	return nil
}

// ContextWithUser stores the user in the existing requestMeta if present,
// avoiding a new context.WithValue allocation. Falls back to creating new
// metadata if none exists (e.g., in tests).
func ContextWithUser(ctx context.Context, u *User) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.User = u
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{User: u})
}

// RequestIDFromContext extracts the request ID from ctx, or "".
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}
