// Package mutator applies ordered, reversible mutations to an outbound
// upstream request. Every mutation is recorded with its inverse so a
// request returned to the queue (rate-limit retry) can be restored
// byte-identical before the next attempt mutates it again.
package mutator

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
)

// Request is the outbound upstream request under construction. The proxy
// owns this representation entirely; the upstream http.Request is built
// fresh from it after the pipeline runs.
type Request struct {
	Method  string
	URL     *url.URL
	Header  http.Header
	Body    map[string]any // parsed inbound JSON
	RawBody []byte         // published by FinalizeBody
}

// Clone returns a deep copy of the request (used by reversibility tests).
func (r *Request) Clone() *Request {
	u := *r.URL
	h := make(http.Header, len(r.Header))
	for k, vs := range r.Header {
		h[k] = append([]string(nil), vs...)
	}
	b := make(map[string]any, len(r.Body))
	for k, v := range r.Body {
		b[k] = v
	}
	return &Request{
		Method:  r.Method,
		URL:     &u,
		Header:  h,
		Body:    b,
		RawBody: append([]byte(nil), r.RawBody...),
	}
}

// Manager wraps a Request and records an inverse for every mutation.
type Manager struct {
	req     *Request
	inverse []func()
}

// NewManager returns a Manager for req.
func NewManager(req *Request) *Manager {
	return &Manager{req: req}
}

// Request returns the wrapped request.
func (m *Manager) Request() *Request { return m.req }

// SetHeader sets a header value, recording the previous state.
func (m *Manager) SetHeader(key, value string) {
	key = http.CanonicalHeaderKey(key)
	prev, had := m.req.Header[key]
	m.inverse = append(m.inverse, func() {
		if had {
			m.req.Header[key] = prev
		} else {
			delete(m.req.Header, key)
		}
	})
	m.req.Header[key] = []string{value}
}

// RemoveHeader deletes a header, recording the previous state.
func (m *Manager) RemoveHeader(key string) {
	key = http.CanonicalHeaderKey(key)
	prev, had := m.req.Header[key]
	if !had {
		return
	}
	m.inverse = append(m.inverse, func() {
		m.req.Header[key] = prev
	})
	delete(m.req.Header, key)
}

// SetURL replaces the request URL.
func (m *Manager) SetURL(u *url.URL) {
	prev := m.req.URL
	m.inverse = append(m.inverse, func() { m.req.URL = prev })
	m.req.URL = u
}

// SetBodyField sets a top-level body field, recording the previous value.
func (m *Manager) SetBodyField(key string, value any) {
	prev, had := m.req.Body[key]
	m.inverse = append(m.inverse, func() {
		if had {
			m.req.Body[key] = prev
		} else {
			delete(m.req.Body, key)
		}
	})
	m.req.Body[key] = value
}

// DeleteBodyField removes a top-level body field, recording the previous value.
func (m *Manager) DeleteBodyField(key string) {
	prev, had := m.req.Body[key]
	if !had {
		return
	}
	m.inverse = append(m.inverse, func() { m.req.Body[key] = prev })
	delete(m.req.Body, key)
}

// FinalizeBody serializes the body, publishes the raw byte buffer, and sets
// Content-Length. It must be the last mutation applied.
func (m *Manager) FinalizeBody() error {
	raw, err := json.Marshal(m.req.Body)
	if err != nil {
		return err
	}
	prevRaw := m.req.RawBody
	m.inverse = append(m.inverse, func() { m.req.RawBody = prevRaw })
	m.req.RawBody = raw
	m.SetHeader("Content-Length", strconv.Itoa(len(raw)))
	return nil
}

// Revert undoes every recorded mutation in reverse order, restoring the
// request to its pre-pipeline state.
func (m *Manager) Revert() {
	for i := len(m.inverse) - 1; i >= 0; i-- {
		m.inverse[i]()
	}
	m.inverse = m.inverse[:0]
}
