package upstream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// hopByHop headers that must not travel between client and upstream.
var hopByHop = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// maxResponseBody caps buffered upstream responses at 32 MB.
const maxResponseBody = 32 << 20

// Forward proxies a raw request to targetURL and streams the response back,
// flushing on every read for event streams. Used by the passthrough routes
// (embeddings) that skip the mutator pipeline apart from credentials, which
// setAuth injects.
func Forward(ctx context.Context, client *http.Client, targetURL string,
	setAuth func(http.Header), w http.ResponseWriter, r *http.Request) error {

	if r.URL.RawQuery != "" {
		targetURL += "?" + r.URL.RawQuery
	}
	outReq, err := http.NewRequestWithContext(ctx, r.Method, targetURL, r.Body)
	if err != nil {
		return fmt.Errorf("upstream: create request: %w", err)
	}

	for key, vals := range r.Header {
		if _, hop := hopByHop[key]; hop {
			continue
		}
		// The proxy token must never reach the provider.
		lower := strings.ToLower(key)
		if lower == "authorization" || lower == "x-api-key" || lower == "api-key" || lower == "cookie" {
			continue
		}
		outReq.Header[key] = vals
	}
	if setAuth != nil {
		setAuth(outReq.Header)
	}

	resp, err := client.Do(outReq)
	if err != nil {
		http.Error(w, "upstream request failed", http.StatusBadGateway)
		return fmt.Errorf("upstream: do request: %w", err)
	}
	defer resp.Body.Close()

	for key, vals := range resp.Header {
		if _, hop := hopByHop[key]; hop {
			continue
		}
		for _, v := range vals {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	flusher, canFlush := w.(http.Flusher)
	ct := resp.Header.Get("Content-Type")
	if canFlush && strings.Contains(ct, "text/event-stream") {
		buf := make([]byte, 32*1024)
		for {
			n, readErr := resp.Body.Read(buf)
			if n > 0 {
				if _, writeErr := w.Write(buf[:n]); writeErr != nil {
					return fmt.Errorf("upstream: write response: %w", writeErr)
				}
				flusher.Flush()
			}
			if readErr != nil {
				if readErr == io.EOF {
					return nil
				}
				return fmt.Errorf("upstream: read response: %w", readErr)
			}
		}
	}

	if _, err := io.Copy(w, io.LimitReader(resp.Body, maxResponseBody)); err != nil {
		return fmt.Errorf("upstream: copy response: %w", err)
	}
	return nil
}
