package openai

import (
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"

	"lokvaani/internal/collab"
	"lokvaani/internal/integrations/httpapi"
)

const detectPrompt = "Identify the language of the user's text. " +
	"Return JSON only with keys language (a BCP-47 code such as \"hi\" or \"ta-IN\"), " +
	"confidence (a number from 0 to 1) and alternatives (up to three other candidates, " +
	"each with language and confidence). Do not answer or translate the text."

func translatePrompt(target string) string {
	return strings.Join([]string{
		fmt.Sprintf("Translate the user's text into the language with BCP-47 code %q.", target),
		"Keep names, numbers, dates and units unchanged.",
		"Reply with the translation only, without quotes or commentary.",
	}, "\n")
}

func detectionSchema() openai.ResponseFormatJSONSchemaJSONSchemaParam {
	guess := map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"language":   map[string]any{"type": "string"},
			"confidence": map[string]any{"type": "number"},
		},
		"required": []string{"language", "confidence"},
	}
	return openai.ResponseFormatJSONSchemaJSONSchemaParam{
		Name:   "language_detection",
		Strict: openai.Bool(true),
		Schema: map[string]any{
			"type":                 "object",
			"additionalProperties": false,
			"properties": map[string]any{
				"language":     map[string]any{"type": "string"},
				"confidence":   map[string]any{"type": "number"},
				"alternatives": map[string]any{"type": "array", "items": guess},
			},
			"required": []string{"language", "confidence", "alternatives"},
		},
	}
}

func parseDetection(raw string) (collab.Detection, error) {
	var out collab.Detection
	if err := httpapi.DecodeStrict([]byte(raw), &out); err != nil {
		return collab.Detection{}, fmt.Errorf("openai: detection: %w", err)
	}
	out.Language = strings.TrimSpace(out.Language)
	if out.Language == "" {
		return collab.Detection{}, errors.New("openai: detection missing language")
	}
	if out.Confidence < 0 || out.Confidence > 1 {
		return collab.Detection{}, fmt.Errorf("openai: detection confidence %v out of range", out.Confidence)
	}
	return out, nil
}
