package synth

import "strings"

// Default Aura voices per target language. Prefix matching covers regional
// variants ("es-MX" resolves the Spanish voice).
var defaultVoices = map[string]string{
	"en": "aura-asteria-en",
	"es": "aura-2-estrella-es",
	"fr": "aura-2-agathe-fr",
	"de": "aura-2-viktoria-de",
	"it": "aura-2-livia-it",
	"ja": "aura-2-fujin-ja",
	"nl": "aura-2-beatrix-nl",
}

const fallbackVoice = "aura-asteria-en"

// VoiceForLanguage resolves the synthesis voice for a language, preferring
// configured overrides, then the built-in map, then the English fallback.
func VoiceForLanguage(lang string, overrides map[string]string) string {
	if v, ok := overrides[lang]; ok && v != "" {
		return v
	}
	if v, ok := defaultVoices[lang]; ok {
		return v
	}
	for prefix, v := range defaultVoices {
		if strings.HasPrefix(lang, prefix) {
			return v
		}
	}
	if v, ok := overrides[""]; ok && v != "" {
		return v
	}
	return fallbackVoice
}
