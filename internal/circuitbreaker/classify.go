package circuitbreaker

import (
	"context"
	"errors"
	"net"
	"os"

	llmux "github.com/eugener/llmux/internal"
)

// ClassifyError returns the error weight for breaker tracking.
//
// Weights:
//   - timeout (deadline exceeded) -> 1.5
//   - 5xx upstream responses -> 1.0
//   - network errors -> 1.0
//   - 429 -> 0.0 (rate limits are the key pool's problem, not an outage)
//   - other 4xx -> 0.0 (client fault)
//   - nil -> 0.0
func ClassifyError(err error) float64 {
	if err == nil {
		return 0
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, llmux.ErrTimeout) {
		return 1.5
	}

	var api *llmux.APIError
	if errors.As(err, &api) {
		return classifyStatus(api.Status)
	}

	var netErr *net.OpError
	if errors.As(err, &netErr) {
		return 1.0
	}

	// Generic failures (connection refused, unexpected EOF) count as
	// upstream fault.
	return 1.0
}

// classifyStatus returns the error weight for an HTTP status code.
func classifyStatus(code int) float64 {
	switch {
	case code >= 500 && code <= 504:
		return 1.0
	default:
		return 0.0
	}
}
