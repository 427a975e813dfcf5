// Package tags normalizes the metadata tag maps written into assembled
// containers. Keys are lowercased, values trimmed, and language tags reduced
// to their canonical BCP 47 form so both muxer backends emit identical
// metadata for the same plan.
package tags

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// fileNameReplacer replaces filesystem-unsafe characters with safe alternatives.
var fileNameReplacer = strings.NewReplacer(
	"/", "-",
	"\\", "-",
	":", "-",
	"*", "-",
	"?", "",
	"\"", "",
	"<", "",
	">", "",
	"|", "",
)

// SanitizeFileName replaces filesystem-unsafe characters in a filename.
func SanitizeFileName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	return strings.TrimSpace(fileNameReplacer.Replace(name))
}

// Sanitize returns a cleaned copy of the tag map: keys lowercased and
// trimmed, values trimmed, empty entries dropped, and the language tag
// canonicalized. A nil or fully-empty input yields nil.
func Sanitize(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for key, value := range in {
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)
		if key == "" || value == "" {
			continue
		}
		if key == "language" {
			value = NormalizeLanguage(value)
		}
		out[key] = value
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// NormalizeLanguage reduces a language name or code to canonical BCP 47
// form. Unrecognized input passes through unchanged.
func NormalizeLanguage(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	tag, err := language.Parse(trimmed)
	if err != nil {
		return trimmed
	}
	return tag.String()
}

// DisplayTitle produces a presentable title from a raw tag value.
func DisplayTitle(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	return cases.Title(language.Und).String(value)
}
