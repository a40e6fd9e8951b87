package kpi

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

var (
	longDateRegexes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)^` + monthPattern + `\.?\s+\d{1,2}(?:st|nd|rd|th)?,?\s+\d{2,4}$`),
		regexp.MustCompile(`(?i)^\d{1,2}(?:st|nd|rd|th)?\s+(?:of\s+)?` + monthPattern + `\.?,?\s+\d{2,4}$`),
		regexp.MustCompile(`(?i)^` + monthPattern + `\.?,?\s+\d{4}$`),
	}
	numericDateRegex = regexp.MustCompile(`^(\d{4}[-/.]\d{1,2}[-/.]\d{1,2}|\d{1,2}[-/.]\d{1,2}[-/.]\d{2,4})$`)
)

const maxCategoricalLen = 25

// InferTypeFallback classifies a sample value with fixed rules. It is used
// whenever the classification oracle is unavailable and is deterministic for
// every input, including the empty string.
func InferTypeFallback(value string) Type {
	if IsAbsent(value) {
		return String
	}
	s := strings.TrimSpace(value)

	if _, ok := cleanNumeric(s); ok {
		return Number
	}

	hasLetter, hasDigit := false, false
	for _, r := range s {
		switch {
		case unicode.IsLetter(r):
			hasLetter = true
		case unicode.IsDigit(r):
			hasDigit = true
		}
	}

	if hasLetter && hasDigit {
		for _, re := range longDateRegexes {
			if re.MatchString(s) {
				return Date
			}
		}
		return Categorical
	}

	if numericDateRegex.MatchString(s) {
		return Date
	}

	if hasLetter && utf8.RuneCountInString(s) <= maxCategoricalLen && isAlphabeticToken(s) {
		return Categorical
	}
	return String
}

func isAlphabeticToken(s string) bool {
	for _, r := range s {
		if !unicode.IsLetter(r) && r != ' ' && r != '-' && r != '_' {
			return false
		}
	}
	return true
}

// InferTypesFallback classifies every sample with InferTypeFallback.
func InferTypesFallback(samples map[string]string) map[string]Type {
	out := make(map[string]Type, len(samples))
	for name, value := range samples {
		out[name] = InferTypeFallback(value)
	}
	return out
}
