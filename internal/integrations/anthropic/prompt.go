package anthropic

import (
	"errors"
	"fmt"
	"strings"

	"lokvaani/internal/collab"
	"lokvaani/internal/integrations/httpapi"
)

type simplifiedResponse struct {
	Text            string   `json:"text"`
	PreservedPoints []string `json:"preserved_points"`
}

func simplifyPrompt(level collab.AudienceLevel) string {
	audience := "a general adult audience"
	if level == collab.AudienceSimple {
		audience = "readers with limited literacy; use short sentences and everyday words"
	}
	return strings.Join([]string{
		"Rewrite the user's text so it is easy to understand for " + audience + ".",
		"Keep every fact, number, date and instruction.",
		"Do not add information that is not in the text.",
		`Return JSON only with keys text (string) and preserved_points (array of short strings naming the key facts kept).`,
	}, "\n")
}

func summarizePrompt(maxLength int) string {
	return fmt.Sprintf("Summarize the user's text in at most %d characters, in the same language as the text. "+
		"Keep the most important facts. Reply with the summary only.", maxLength)
}

func parseSimplified(raw string) (collab.Simplified, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimSuffix(strings.TrimPrefix(raw, "```"), "```")

	var out simplifiedResponse
	if err := httpapi.DecodeStrict([]byte(raw), &out); err != nil {
		return collab.Simplified{}, fmt.Errorf("anthropic: simplified: %w", err)
	}
	if strings.TrimSpace(out.Text) == "" {
		return collab.Simplified{}, errors.New("anthropic: simplified text is empty")
	}
	return collab.Simplified{Text: strings.TrimSpace(out.Text), PreservedPoints: out.PreservedPoints}, nil
}
