package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	llmux "github.com/eugener/llmux/internal"
)

// errorBody is the wire shape of every JSON error response.
type errorBody struct {
	Error *llmux.APIError `json:"error"`
}

// jsonCT is a pre-allocated header value slice. Direct map assignment
// (w.Header()["Content-Type"] = jsonCT) avoids the []string{v} alloc
// that Header.Set creates on every call. Saves 1 alloc/req.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// writeRawJSON writes a pre-serialized JSON body.
func writeRawJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}

// writeAPIError classifies err and writes it as a JSON error response.
func writeAPIError(w http.ResponseWriter, err error) {
	api := llmux.Classify(err)
	writeJSON(w, api.Status, errorBody{Error: api})
}
