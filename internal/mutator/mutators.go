package mutator

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	llmux "github.com/eugener/llmux/internal"
	"github.com/eugener/llmux/internal/keypool"
)

// Context carries everything the pipeline needs about the in-flight request.
type Context struct {
	User      *llmux.User
	Key       keypool.Snapshot
	Service   llmux.Service
	Family    llmux.ModelFamily
	Inbound   llmux.Dialect
	Outbound  llmux.Dialect
	Streaming bool

	// RemainingQuota is the user's unspent token budget for the family;
	// negative means unlimited.
	RemainingQuota int64

	Config Config
}

// Config holds the pipeline's policy knobs.
type Config struct {
	RejectedPhrases []string         // prompt substrings that abort the request
	BlockedOrigins  []*regexp.Regexp // Origin/Referer patterns refused with the spoofed 403
}

// Mutator is a single reversible transformation applied to the outbound request.
type Mutator func(m *Manager, c *Context) error

// Pipeline returns the mutators in their required order. FinalizeBody must
// be last: it serializes the body and publishes the raw buffer.
func Pipeline() []Mutator {
	return []Mutator{
		ApplyQuotaLimits,
		AddKey,
		LanguageFilter,
		LimitCompletions,
		BlockZoomerOrigins,
		StripHeaders,
		FinalizeBody,
	}
}

// Run applies the mutators in order. On error the caller decides whether to
// revert; mutations applied so far remain recorded on the manager.
func Run(m *Manager, c *Context, pipeline []Mutator) error {
	for _, mut := range pipeline {
		if err := mut(m, c); err != nil {
			return err
		}
	}
	return nil
}

// maxTokensField returns the body field naming the output token cap for the
// outbound dialect.
func maxTokensField(d llmux.Dialect) string {
	switch d {
	case llmux.DialectAnthropic:
		return "max_tokens_to_sample"
	case llmux.DialectAnthropicChat:
		return "max_tokens"
	default:
		return "max_tokens"
	}
}

// ApplyQuotaLimits caps the requested output tokens to the user's remaining
// quota so a single request cannot blow far past its budget.
func ApplyQuotaLimits(m *Manager, c *Context) error {
	if c.RemainingQuota < 0 || c.Family == llmux.FamilyDallE {
		return nil
	}
	field := maxTokensField(c.Outbound)
	requested, ok := numberField(m.Request().Body, field)
	if !ok {
		return nil
	}
	if int64(requested) > c.RemainingQuota {
		m.SetBodyField(field, float64(c.RemainingQuota))
	}
	return nil
}

// bedrockHost builds the Bedrock runtime host for the key's region.
func bedrockHost(region string) string {
	if region == "" {
		region = "us-east-1"
	}
	return "bedrock-runtime." + region + ".amazonaws.com"
}

// AddKey applies the selected key's credentials in the shape the upstream
// service expects.
func AddKey(m *Manager, c *Context) error {
	switch c.Service {
	case llmux.ServiceOpenAI:
		m.SetHeader("Authorization", "Bearer "+c.Key.Secret)
		if org := c.Key.Meta["org_id"]; org != "" {
			m.SetHeader("OpenAI-Organization", org)
		}
	case llmux.ServiceAnthropic:
		m.SetHeader("X-Api-Key", c.Key.Secret)
		m.SetHeader("Anthropic-Version", "2023-06-01")
	case llmux.ServiceGoogle:
		// PaLM authenticates via a key query parameter.
		u := *m.Request().URL
		q := u.Query()
		q.Set("key", c.Key.Secret)
		u.RawQuery = q.Encode()
		m.SetURL(&u)
	case llmux.ServiceAWS:
		// Credentials ride in the SigV4 transport; the key only pins the
		// regional endpoint.
		u := *m.Request().URL
		u.Host = bedrockHost(c.Key.Meta["region"])
		m.SetURL(&u)
	case llmux.ServiceMistral:
		m.SetHeader("Authorization", "Bearer "+c.Key.Secret)
	default:
		return fmt.Errorf("addKey: unknown service %q", c.Service)
	}
	return nil
}

// LanguageFilter aborts requests whose prompt contains a rejected phrase.
// Runs before upstream contact, so rejection costs nothing.
func LanguageFilter(m *Manager, c *Context) error {
	if len(c.Config.RejectedPhrases) == 0 {
		return nil
	}
	prompt := strings.ToLower(promptText(m.Request().Body))
	for _, phrase := range c.Config.RejectedPhrases {
		if strings.Contains(prompt, strings.ToLower(phrase)) {
			return llmux.ValidationError("request rejected by content filter", "prompt contains a rejected phrase")
		}
	}
	return nil
}

// LimitCompletions forces single-choice completions; multi-n requests
// multiply cost without quota visibility.
func LimitCompletions(m *Manager, c *Context) error {
	if n, ok := numberField(m.Request().Body, "n"); ok && n > 1 {
		m.SetBodyField("n", float64(1))
	}
	return nil
}

// BlockZoomerOrigins refuses requests from blocked client origins with the
// spoofed account-disabled error so the block looks upstream-imposed.
func BlockZoomerOrigins(m *Manager, c *Context) error {
	if len(c.Config.BlockedOrigins) == 0 {
		return nil
	}
	h := m.Request().Header
	for _, name := range []string{"Origin", "Referer"} {
		for _, v := range h.Values(name) {
			for _, pat := range c.Config.BlockedOrigins {
				if pat.MatchString(v) {
					return llmux.OrgDisabledError()
				}
			}
		}
	}
	return nil
}

// strippedHeaders are inbound client headers that must never reach upstream.
var strippedHeaders = []string{
	"Authorization", // the proxy token, replaced by AddKey for OpenAI/Mistral
	"Cookie",
	"Origin",
	"Referer",
	"X-Forwarded-For",
	"X-Forwarded-Host",
	"X-Forwarded-Proto",
	"X-Real-Ip",
	"Cf-Connecting-Ip",
	"Cf-Ipcountry",
	"True-Client-Ip",
	"Forwarded",
}

// StripHeaders removes client-identifying and hop headers from the outbound
// request. Service credentials set by AddKey are re-applied afterwards when
// they collide with a stripped name.
func StripHeaders(m *Manager, c *Context) error {
	var reauth bool
	for _, name := range strippedHeaders {
		if name == "Authorization" {
			switch c.Service {
			case llmux.ServiceOpenAI, llmux.ServiceMistral:
				reauth = true
			}
		}
		m.RemoveHeader(name)
	}
	if reauth {
		m.SetHeader("Authorization", "Bearer "+c.Key.Secret)
	}
	return nil
}

// FinalizeBody serializes the mutated body and publishes the raw buffer.
// Must be last in the pipeline. Image generations never stream, so the
// stream flag is dropped for them here.
func FinalizeBody(m *Manager, c *Context) error {
	if c.Inbound == llmux.DialectOpenAIImage {
		m.DeleteBodyField("stream")
	}
	return m.FinalizeBody()
}

// numberField reads a numeric top-level body field. JSON numbers decode as
// float64.
func numberField(body map[string]any, key string) (float64, bool) {
	v, ok := body[key]
	if !ok {
		return 0, false
	}
	n, ok := v.(float64)
	return n, ok
}

// promptText extracts the user-visible prompt from either chat messages or
// a plain prompt field.
func promptText(body map[string]any) string {
	var b strings.Builder
	if msgs, ok := body["messages"].([]any); ok {
		for _, raw := range msgs {
			msg, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			if s, ok := msg["content"].(string); ok {
				b.WriteString(s)
				b.WriteByte('\n')
			}
		}
		return b.String()
	}
	if s, ok := body["prompt"].(string); ok {
		return s
	}
	return ""
}

// BuildURL is a helper for route handlers constructing the upstream target.
func BuildURL(scheme, host, path string) *url.URL {
	return &url.URL{Scheme: scheme, Host: host, Path: path}
}
