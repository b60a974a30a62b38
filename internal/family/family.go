// Package family maps model id strings to coarse model families. Families
// are the unit of quota accounting and key routing, so every request passes
// through Classify exactly once during preprocessing.
package family

import (
	"log/slog"
	"regexp"
	"strings"

	llmux "github.com/eugener/llmux/internal"
)

// rule pairs a compiled pattern with the family it selects.
type rule struct {
	pattern *regexp.Regexp
	family  llmux.ModelFamily
}

// openaiRules is an ordered list; first match wins, so more specific
// patterns (gpt4-turbo, gpt4-32k) must precede the generic gpt-4 match.
var openaiRules = []rule{
	{regexp.MustCompile(`^gpt-4-turbo`), llmux.FamilyGPT4Turbo},
	{regexp.MustCompile(`^gpt-4-(1106|0125)(-preview)?`), llmux.FamilyGPT4Turbo},
	{regexp.MustCompile(`^gpt-4-vision`), llmux.FamilyGPT4Turbo},
	{regexp.MustCompile(`^gpt-4-32k`), llmux.FamilyGPT432K},
	{regexp.MustCompile(`^gpt-4`), llmux.FamilyGPT4},
	{regexp.MustCompile(`^gpt-3\.5-turbo`), llmux.FamilyTurbo},
	{regexp.MustCompile(`^text-embedding`), llmux.FamilyTurbo},
	{regexp.MustCompile(`^dall-e`), llmux.FamilyDallE},
}

var bisonPattern = regexp.MustCompile(`^\w+-bison-\d{3}$`)

// mistralRules is the provider-supplied model table, checked in order.
var mistralRules = []rule{
	{regexp.MustCompile(`^(mistral-tiny|open-mistral-7b)`), llmux.FamilyMistralTiny},
	{regexp.MustCompile(`^(mistral-small|open-mixtral-8x7b)`), llmux.FamilyMistralSmall},
	{regexp.MustCompile(`^mistral-medium`), llmux.FamilyMistralMedium},
	{regexp.MustCompile(`^mistral-large`), llmux.FamilyMistralLarge},
}

// defaults maps each service to its fallback family for unknown model ids.
var defaults = map[llmux.Service]llmux.ModelFamily{
	llmux.ServiceOpenAI:    llmux.FamilyTurbo,
	llmux.ServiceAnthropic: llmux.FamilyClaude,
	llmux.ServiceGoogle:    llmux.FamilyBison,
	llmux.ServiceAWS:       llmux.FamilyAWSClaude,
	llmux.ServiceMistral:   llmux.FamilyMistralSmall,
}

// Classify maps a model id to its family. Unknown ids resolve to the
// service default with a warning; classification is never fatal.
func Classify(service llmux.Service, modelID string) llmux.ModelFamily {
	switch service {
	case llmux.ServiceOpenAI:
		for _, r := range openaiRules {
			if r.pattern.MatchString(modelID) {
				return r.family
			}
		}
	case llmux.ServiceAnthropic:
		// Bedrock-hosted Claude models are namespaced "anthropic.".
		if strings.HasPrefix(modelID, "anthropic.") {
			return llmux.FamilyAWSClaude
		}
		return llmux.FamilyClaude
	case llmux.ServiceGoogle:
		if bisonPattern.MatchString(modelID) {
			return llmux.FamilyBison
		}
	case llmux.ServiceAWS:
		return llmux.FamilyAWSClaude
	case llmux.ServiceMistral:
		for _, r := range mistralRules {
			if r.pattern.MatchString(modelID) {
				return r.family
			}
		}
	}

	def, ok := defaults[service]
	if !ok {
		def = llmux.FamilyTurbo
	}
	slog.Warn("unknown model id, using service default family",
		"service", service, "model", modelID, "family", def)
	return def
}

// IsImage reports whether the family serves image generation.
func IsImage(f llmux.ModelFamily) bool { return f == llmux.FamilyDallE }
