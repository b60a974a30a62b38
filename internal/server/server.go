// Package server implements the HTTP transport layer for the llmux proxy.
package server

import (
	"context"
	"net/http"
	"regexp"

	"github.com/go-chi/chi/v5"

	llmux "github.com/eugener/llmux/internal"
	"github.com/eugener/llmux/internal/circuitbreaker"
	"github.com/eugener/llmux/internal/keypool"
	"github.com/eugener/llmux/internal/queue"
	"github.com/eugener/llmux/internal/quota"
	"github.com/eugener/llmux/internal/telemetry"
	"github.com/eugener/llmux/internal/upstream"
	"github.com/eugener/llmux/internal/userstore"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// Authenticator resolves a proxy token to a user.
type Authenticator interface {
	Authenticate(r *http.Request) (*llmux.User, error)
}

// Options holds the request-policy knobs the handlers consult.
type Options struct {
	AllowedFamilies []llmux.ModelFamily // empty = all
	RejectedPhrases []string
	BlockedOrigins  []*regexp.Regexp
	PromptLogging   bool
	AdminKey        string
}

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Auth     Authenticator
	Users    *userstore.Store
	Quota    *quota.Tracker
	Pool     *keypool.Pool
	Queue    *queue.Queue
	Clients  *upstream.Clients
	Tokens   llmux.TokenCounter
	Prompts  llmux.PromptSink         // nil = prompt logging off
	Breakers *circuitbreaker.Registry // nil = no breaker
	Metrics  *telemetry.Metrics       // nil = no metrics

	Endpoints *upstream.Endpoints // nil = production hosts

	ReadyCheck ReadyChecker      // nil = always ready (for tests)
	Flush      func(context.Context) error // nil = no explicit flush on admin writes

	Options Options
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}

	// System endpoints (no auth)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)

	// Client-facing API (proxy token required)
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Get("/v1/models", s.handleListModels)

		r.Post("/v1/chat/completions", s.proxyHandler(llmux.ServiceOpenAI, llmux.DialectOpenAIChat))
		r.Post("/v1/completions", s.proxyHandler(llmux.ServiceOpenAI, llmux.DialectOpenAIText))
		r.Post("/v1/turbo-instruct/chat/completions", s.handleTurboInstruct)
		r.Post("/v1/turbo-instruct/v1/chat/completions", s.handleTurboInstruct)
		r.Post("/v1/images/generations", s.proxyHandler(llmux.ServiceOpenAI, llmux.DialectOpenAIImage))
		r.Post("/v1/embeddings", s.handleEmbeddings)

		r.Post("/v1/complete", s.proxyHandler(llmux.ServiceAnthropic, llmux.DialectAnthropic))
		r.Post("/v1/mistral/chat/completions", s.proxyHandler(llmux.ServiceMistral, llmux.DialectMistral))
		r.Post("/v1/google-palm/chat/completions", s.handleGooglePalmChat)
		r.Post("/v1/aws/claude/complete", s.handleAWSClaude)
	})

	// Admin API (static admin key)
	r.Route("/admin/v1", func(r chi.Router) {
		r.Use(s.adminAuth)
		r.Get("/users", s.handleListUsers)
		r.Post("/users", s.handleCreateUser)
		r.Get("/users/{token}", s.handleGetUser)
		r.Put("/users/{token}", s.handleUpsertUser)
		r.Post("/users/{token}/disable", s.handleDisableUser)
		r.Delete("/users/{token}", s.handleDeleteUser)
		r.Get("/keys", s.handleListKeys)
		r.Get("/stats", s.handleStats)
	})

	return r
}

type server struct {
	deps Deps
}

// familyAllowed reports whether f passes the configured allow-list.
func (s *server) familyAllowed(f llmux.ModelFamily) bool {
	if len(s.deps.Options.AllowedFamilies) == 0 {
		return true
	}
	for _, a := range s.deps.Options.AllowedFamilies {
		if a == f {
			return true
		}
	}
	return false
}
