package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	llmux "github.com/eugener/llmux/internal"
	"github.com/eugener/llmux/internal/userstore"
)

// maxAdminBody bounds admin request bodies.
const maxAdminBody = 1 << 20

// decodeJSON decodes a bounded JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxAdminBody)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return llmux.ValidationError("invalid JSON body", err.Error())
	}
	return nil
}

// flush pushes dirty user state to the storage backend so admin reads and
// writes are durable immediately rather than at the next flush tick.
func (s *server) flushUsers(ctx context.Context) {
	if s.deps.Flush == nil {
		return
	}
	if err := s.deps.Flush(ctx); err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "user flush failed", slog.Any("error", err))
	}
}

func (s *server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Users.List())
}

type createUserRequest struct {
	Type        llmux.UserType              `json:"type"`
	Nickname    string                      `json:"nickname"`
	TokenLimits map[llmux.ModelFamily]int64 `json:"tokenLimits"`
	// TTL applies to temporary users only; Go duration string, default 24h.
	TTL string `json:"ttl"`
}

func (s *server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeAPIError(w, err)
		return
	}

	if req.Type == "" {
		req.Type = llmux.UserNormal
	}
	switch req.Type {
	case llmux.UserNormal, llmux.UserSpecial, llmux.UserTemporary:
	default:
		writeAPIError(w, llmux.ValidationError("invalid user type", string(req.Type)))
		return
	}

	var expiresAt *time.Time
	if req.Type == llmux.UserTemporary {
		ttl := 24 * time.Hour
		if req.TTL != "" {
			d, err := time.ParseDuration(req.TTL)
			if err != nil || d <= 0 {
				writeAPIError(w, llmux.ValidationError("invalid ttl", req.TTL))
				return
			}
			ttl = d
		}
		t := time.Now().Add(ttl)
		expiresAt = &t
	}

	u := s.deps.Users.Create(userstore.CreateOpts{
		Type:        req.Type,
		Nickname:    req.Nickname,
		TokenLimits: req.TokenLimits,
		ExpiresAt:   expiresAt,
	})
	s.flushUsers(r.Context())
	writeJSON(w, http.StatusCreated, u)
}

func (s *server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	u, ok := s.deps.Users.Get(chi.URLParam(r, "token"))
	if !ok {
		writeAPIError(w, llmux.ValidationError("user not found"))
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *server) handleUpsertUser(w http.ResponseWriter, r *http.Request) {
	var u llmux.User
	if err := decodeJSON(w, r, &u); err != nil {
		writeAPIError(w, err)
		return
	}
	u.Token = chi.URLParam(r, "token")
	if u.Token == "" {
		writeAPIError(w, llmux.ValidationError("token is required"))
		return
	}
	s.deps.Users.Upsert(&u)
	s.flushUsers(r.Context())
	writeJSON(w, http.StatusOK, &u)
}

type disableUserRequest struct {
	Reason string `json:"reason"`
}

func (s *server) handleDisableUser(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	if _, ok := s.deps.Users.Get(token); !ok {
		writeAPIError(w, llmux.ValidationError("user not found"))
		return
	}
	var req disableUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeAPIError(w, err)
		return
	}
	if req.Reason == "" {
		req.Reason = "disabled by admin"
	}
	s.deps.Users.Disable(token, req.Reason)
	s.flushUsers(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	if _, ok := s.deps.Users.Get(token); !ok {
		writeAPIError(w, llmux.ValidationError("user not found"))
		return
	}
	s.deps.Users.Delete(token)
	s.flushUsers(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

// handleListKeys lists pool keys with secrets elided.
func (s *server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Pool.List())
}

type statsResponse struct {
	QueueDepths   map[string]int           `json:"queueDepths"`
	KeysAvailable map[llmux.Service]int    `json:"keysAvailable"`
	Breakers      map[llmux.Service]string `json:"breakers,omitempty"`
}

// allServices enumerates the services reported on /admin/v1/stats.
var allServices = []llmux.Service{
	llmux.ServiceOpenAI, llmux.ServiceAnthropic, llmux.ServiceGoogle,
	llmux.ServiceAWS, llmux.ServiceMistral,
}

func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{
		QueueDepths:   s.deps.Queue.Depths(),
		KeysAvailable: make(map[llmux.Service]int, len(allServices)),
	}
	for _, svc := range allServices {
		resp.KeysAvailable[svc] = s.deps.Pool.Available(svc)
	}
	if s.deps.Breakers != nil {
		states := s.deps.Breakers.States()
		resp.Breakers = make(map[llmux.Service]string, len(states))
		for svc, st := range states {
			resp.Breakers[svc] = st.String()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
