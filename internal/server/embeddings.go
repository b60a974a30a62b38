package server

import (
	"fmt"
	"log/slog"
	"net/http"

	llmux "github.com/eugener/llmux/internal"
	"github.com/eugener/llmux/internal/upstream"
)

// handleEmbeddings forwards embedding requests verbatim. Embeddings are
// cheap and unmetered, so they bypass the queue and the mutator pipeline;
// only the credentials are swapped.
func (s *server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	key, err := s.deps.Pool.Get(llmux.ServiceOpenAI, llmux.FamilyTurbo)
	if err != nil {
		writeAPIError(w, fmt.Errorf("%w: service=%s", llmux.ErrNoAvailableKey, llmux.ServiceOpenAI))
		return
	}

	target := "https://" + upstream.Host(llmux.ServiceOpenAI) + "/v1/embeddings"
	setAuth := func(h http.Header) {
		h.Set("Authorization", "Bearer "+key.Secret)
		if org := key.Meta["org_id"]; org != "" {
			h.Set("OpenAI-Organization", org)
		}
	}

	if err := upstream.Forward(r.Context(), s.deps.Clients.For(key), target, setAuth, w, r); err != nil {
		slog.LogAttrs(r.Context(), slog.LevelWarn, "embeddings forward failed",
			slog.String("request_id", llmux.RequestIDFromContext(r.Context())),
			slog.Any("error", err),
		)
	}
}
