// Package auth resolves proxy access tokens to users. Tokens arrive as a
// Bearer Authorization header or an x-api-key header; the client IP is bound
// to the token on first use.
package auth

import (
	"net"
	"net/http"
	"strings"

	llmux "github.com/eugener/llmux/internal"
)

// Accounts is the user lookup surface the authenticator needs.
type Accounts interface {
	Authenticate(token, ip string) (*llmux.User, error)
}

// TokenAuth authenticates requests against the in-memory user table.
type TokenAuth struct {
	accounts Accounts
}

// NewTokenAuth returns a TokenAuth backed by accounts.
func NewTokenAuth(accounts Accounts) *TokenAuth {
	return &TokenAuth{accounts: accounts}
}

// Authenticate extracts the proxy token and client IP from r and resolves
// the user. Missing or unknown tokens return ErrUnauthorized; disabled users
// return a wrapped ErrUserDisabled.
func (a *TokenAuth) Authenticate(r *http.Request) (*llmux.User, error) {
	token := ExtractToken(r)
	if token == "" {
		return nil, llmux.ErrUnauthorized
	}
	return a.accounts.Authenticate(token, ClientIP(r))
}

// ExtractToken pulls the proxy token from the Authorization or x-api-key
// header. Authorization wins when both are present.
func ExtractToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return token
		}
		return ""
	}
	return r.Header.Get("x-api-key")
}

// ClientIP returns the originating client address. The leftmost
// X-Forwarded-For entry is trusted when present, since the proxy is expected
// to sit behind a TLS-terminating load balancer.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
