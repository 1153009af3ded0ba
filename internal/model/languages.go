package model

import (
	"slices"
	"strings"
)

var whisperLanguages = []string{
	"af", "am", "ar", "as", "az", "ba", "be", "bg", "bn", "bo", "br", "bs", "ca", "cs",
	"cy", "da", "de", "el", "en", "es", "et", "eu", "fa", "fi", "fo", "fr", "gl", "gu",
	"ha", "haw", "he", "hi", "hr", "ht", "hu", "hy", "id", "is", "it", "ja", "jw", "ka",
	"kk", "km", "kn", "ko", "la", "lb", "ln", "lo", "lt", "lv", "mg", "mi", "mk", "ml",
	"mn", "mr", "ms", "mt", "my", "ne", "nl", "nn", "no", "oc", "pa", "pl", "ps", "pt",
	"ro", "ru", "sa", "sd", "si", "sk", "sl", "sn", "so", "sq", "sr", "su", "sv", "sw",
	"ta", "te", "tg", "th", "tk", "tl", "tr", "tt", "uk", "ur", "uz", "vi", "yi", "yo",
	"zh", "yue",
}

// AutoLanguage asks the backend to detect the spoken language.
const AutoLanguage = "auto"

func whisperLanguageList() []string {
	return slices.Clone(whisperLanguages)
}

func supportsWhisperLanguage(code string) bool {
	code = strings.ToLower(strings.TrimSpace(code))
	return code == AutoLanguage || slices.Contains(whisperLanguages, code)
}

// IsAuto reports whether code leaves language detection to the backend.
func IsAuto(code string) bool {
	code = strings.TrimSpace(code)
	return code == "" || strings.EqualFold(code, AutoLanguage)
}
