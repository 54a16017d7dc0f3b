package domain

import (
	"sort"
	"strings"
)

// DefaultLanguage is used for new sessions when nothing else is known.
const DefaultLanguage = "en"

var supportedLanguages = map[string]struct{}{}

func init() {
	for _, code := range []string{
		"en", "en-US", "en-GB", "en-AU", "en-CA",
		"hi", "hi-IN",
		"es", "es-ES", "es-MX", "es-AR",
		"fr", "fr-FR", "fr-CA",
		"de", "de-DE",
		"it", "it-IT",
		"pt", "pt-BR", "pt-PT",
		"ru", "ru-RU",
		"ja", "ja-JP",
		"ko", "ko-KR",
		"zh", "zh-CN", "zh-TW",
		"ar", "ar-SA",
		"bn", "bn-BD", "bn-IN",
		"ur", "ur-PK",
		"ta", "ta-IN",
		"te", "te-IN",
		"ml", "ml-IN",
		"kn", "kn-IN",
		"gu", "gu-IN",
		"pa", "pa-IN",
		"mr", "mr-IN",
		"or", "or-IN",
		"as", "as-IN",
	} {
		supportedLanguages[code] = struct{}{}
	}
}

// NormalizeLanguage canonicalises a language tag ("HI-in" -> "hi-IN") and
// reports whether it is in the supported set.
func NormalizeLanguage(code string) (string, bool) {
	code = strings.TrimSpace(strings.ReplaceAll(code, "_", "-"))
	base, region, hasRegion := strings.Cut(code, "-")
	code = strings.ToLower(base)
	if hasRegion {
		code += "-" + strings.ToUpper(region)
	}
	_, ok := supportedLanguages[code]
	return code, ok
}

// BaseLanguage strips the region from a tag: "hi-IN" -> "hi".
func BaseLanguage(code string) string {
	base, _, _ := strings.Cut(code, "-")
	return strings.ToLower(base)
}

// SameLanguage reports whether two tags name the same base language.
func SameLanguage(a, b string) bool {
	return BaseLanguage(a) == BaseLanguage(b)
}

// SupportedLanguages returns the supported tags in sorted order.
func SupportedLanguages() []string {
	out := make([]string, 0, len(supportedLanguages))
	for code := range supportedLanguages {
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}
