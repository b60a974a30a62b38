// Package upstream knows where each LLM service lives: endpoint hosts and
// paths per dialect, tuned HTTP clients with provider auth transports, and
// rate-limit telemetry parsed from response headers.
package upstream

import (
	"fmt"
	"net/url"
	"strings"

	llmux "github.com/eugener/llmux/internal"
)

// hosts maps each service to its API host. The AWS host is regional and is
// pinned by the key mutator from the key's region, so it has no entry here.
var hosts = map[llmux.Service]string{
	llmux.ServiceOpenAI:    "api.openai.com",
	llmux.ServiceAnthropic: "api.anthropic.com",
	llmux.ServiceGoogle:    "generativelanguage.googleapis.com",
	llmux.ServiceAWS:       "bedrock-runtime.us-east-1.amazonaws.com", // placeholder until AddKey pins the region
	llmux.ServiceMistral:   "api.mistral.ai",
}

// Host returns the API host for the service.
func Host(service llmux.Service) string {
	return hosts[service]
}

// Path returns the upstream request path for the (service, dialect) pair.
// model and streaming only matter for services that encode them in the path.
func Path(service llmux.Service, d llmux.Dialect, model string, streaming bool) (string, error) {
	switch service {
	case llmux.ServiceOpenAI:
		switch d {
		case llmux.DialectOpenAIChat:
			return "/v1/chat/completions", nil
		case llmux.DialectOpenAIText:
			return "/v1/completions", nil
		case llmux.DialectOpenAIImage:
			return "/v1/images/generations", nil
		}
	case llmux.ServiceAnthropic:
		switch d {
		case llmux.DialectAnthropic:
			return "/v1/complete", nil
		case llmux.DialectAnthropicChat:
			return "/v1/messages", nil
		}
	case llmux.ServiceGoogle:
		verb := "generateText"
		if streaming {
			verb = "streamGenerateText"
		}
		return "/v1beta3/models/" + url.PathEscape(model) + ":" + verb, nil
	case llmux.ServiceAWS:
		verb := "invoke"
		if streaming {
			verb = "invoke-with-response-stream"
		}
		return "/model/" + url.PathEscape(model) + "/" + verb, nil
	case llmux.ServiceMistral:
		return "/v1/chat/completions", nil
	}
	return "", fmt.Errorf("upstream: no path for %s/%s", service, d)
}

// URL builds the full upstream URL for the (service, dialect) pair against
// the production hosts.
func URL(service llmux.Service, d llmux.Dialect, model string, streaming bool) (*url.URL, error) {
	return (*Endpoints)(nil).URL(service, d, model, streaming)
}

// Endpoints resolves the target URL per service. A nil or zero value targets
// the production hosts; Override points a service at another base URL
// (gateway deployments, tests).
type Endpoints struct {
	overrides map[llmux.Service]*url.URL
}

// Override routes all traffic for service to the given base URL.
func (e *Endpoints) Override(service llmux.Service, base string) error {
	u, err := url.Parse(base)
	if err != nil {
		return fmt.Errorf("upstream: override %s: %w", service, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("upstream: override %s: %q is not an absolute URL", service, base)
	}
	if e.overrides == nil {
		e.overrides = make(map[llmux.Service]*url.URL)
	}
	e.overrides[service] = u
	return nil
}

// URL builds the full upstream URL for the (service, dialect) pair.
func (e *Endpoints) URL(service llmux.Service, d llmux.Dialect, model string, streaming bool) (*url.URL, error) {
	path, err := Path(service, d, model, streaming)
	if err != nil {
		return nil, err
	}
	if e != nil {
		if base, ok := e.overrides[service]; ok {
			u := *base
			u.Path = strings.TrimRight(u.Path, "/") + path
			return &u, nil
		}
	}
	return &url.URL{Scheme: "https", Host: Host(service), Path: path}, nil
}

// DialectFor returns the native dialect a service speaks for the given
// model. Upstream SSE events arrive in this dialect regardless of what the
// client asked in.
func DialectFor(service llmux.Service, model string) llmux.Dialect {
	switch service {
	case llmux.ServiceAnthropic, llmux.ServiceAWS:
		if strings.Contains(model, "claude-3") {
			return llmux.DialectAnthropicChat
		}
		return llmux.DialectAnthropic
	case llmux.ServiceGoogle:
		return llmux.DialectGoogleAI
	default:
		return llmux.DialectOpenAIChat
	}
}
