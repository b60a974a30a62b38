package server

import (
	"net/http"
	"time"

	llmux "github.com/eugener/llmux/internal"
)

// familyModels maps each family to the model IDs advertised on /v1/models.
// Only families with at least one enabled key are listed.
var familyModels = map[llmux.ModelFamily][]string{
	llmux.FamilyTurbo:         {"gpt-3.5-turbo", "gpt-3.5-turbo-1106", "gpt-3.5-turbo-instruct"},
	llmux.FamilyGPT4:          {"gpt-4", "gpt-4-0613"},
	llmux.FamilyGPT432K:       {"gpt-4-32k"},
	llmux.FamilyGPT4Turbo:     {"gpt-4-turbo-preview", "gpt-4-1106-preview"},
	llmux.FamilyDallE:         {"dall-e-3"},
	llmux.FamilyClaude:        {"claude-2", "claude-2.1", "claude-instant-1"},
	llmux.FamilyBison:         {"text-bison-001"},
	llmux.FamilyAWSClaude:     {"anthropic.claude-v2"},
	llmux.FamilyMistralTiny:   {"mistral-tiny"},
	llmux.FamilyMistralSmall:  {"mistral-small-latest"},
	llmux.FamilyMistralMedium: {"mistral-medium-latest"},
	llmux.FamilyMistralLarge:  {"mistral-large-latest"},
}

// familyOwner maps families to the OpenAI-format owned_by field.
var familyOwner = map[llmux.ModelFamily]string{
	llmux.FamilyClaude:        "anthropic",
	llmux.FamilyBison:         "google",
	llmux.FamilyAWSClaude:     "amazon",
	llmux.FamilyMistralTiny:   "mistralai",
	llmux.FamilyMistralSmall:  "mistralai",
	llmux.FamilyMistralMedium: "mistralai",
	llmux.FamilyMistralLarge:  "mistralai",
}

type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type modelListResponse struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}

// handleListModels advertises the model IDs currently servable: families
// with an enabled key, filtered by the configured allow-list.
func (s *server) handleListModels(w http.ResponseWriter, r *http.Request) {
	servable := make(map[llmux.ModelFamily]bool)
	for _, k := range s.deps.Pool.List() {
		if k.IsDisabled {
			continue
		}
		for _, f := range k.Families {
			servable[f] = true
		}
	}

	created := time.Now().Unix()
	data := make([]modelEntry, 0, len(servable)*2)
	for _, f := range llmux.AllFamilies {
		if !servable[f] || !s.familyAllowed(f) {
			continue
		}
		owner := familyOwner[f]
		if owner == "" {
			owner = "openai"
		}
		for _, id := range familyModels[f] {
			data = append(data, modelEntry{ID: id, Object: "model", Created: created, OwnedBy: owner})
		}
	}

	writeJSON(w, http.StatusOK, modelListResponse{Object: "list", Data: data})
}
