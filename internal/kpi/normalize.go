package kpi

import (
	"log/slog"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/araddon/dateparse"
)

// Value is a normalized KPI value. A zero Value is null.
type Value struct {
	Type   Type
	Valid  bool
	Number float64
	// Text holds the canonical YYYY-MM-DD form for dates and the trimmed
	// input for categorical and string values.
	Text string
}

// Null returns the null value for type t.
func Null(t Type) Value { return Value{Type: t} }

// IsNull reports whether v carries no value.
func (v Value) IsNull() bool { return !v.Valid }

// Interface returns v as a plain scalar suitable for a row record: nil,
// float64 or string.
func (v Value) Interface() any {
	if !v.Valid {
		return nil
	}
	if v.Type == Number {
		return v.Number
	}
	return v.Text
}

// String renders v in its canonical textual form. Null renders as "".
func (v Value) String() string {
	if !v.Valid {
		return ""
	}
	if v.Type == Number {
		return strconv.FormatFloat(v.Number, 'f', -1, 64)
	}
	return v.Text
}

// Normalize converts a raw extracted string into a typed value. It never
// panics; unparseable input yields a null value.
func Normalize(raw string, t Type) Value {
	if IsAbsent(raw) {
		return Null(t)
	}
	s := strings.TrimSpace(raw)

	switch t {
	case Number:
		f, ok := parseNumber(s)
		if !ok {
			slog.Debug("Could not normalize number.", "raw", raw)
			return Null(t)
		}
		return Value{Type: t, Valid: true, Number: f}
	case Date:
		d, ok := parseDate(s)
		if !ok {
			slog.Debug("Could not normalize date.", "raw", raw)
			return Null(t)
		}
		return Value{Type: t, Valid: true, Text: d}
	case Categorical:
		return Value{Type: t, Valid: true, Text: s}
	default:
		return Value{Type: String, Valid: true, Text: s}
	}
}

var (
	currencyCodeRegex = regexp.MustCompile(`(?i)^(usd|eur|gbp|inr|jpy|aud|cad|chf|cny|sgd|nzd|rs\.?)|(usd|eur|gbp|inr|jpy|aud|cad|chf|cny|sgd|nzd)$`)
	decimalRegex      = regexp.MustCompile(`^[-+]?(\d+(\.\d*)?|\.\d+)([eE][-+]?\d+)?$`)
)

// cleanNumeric strips currency markers, thousands separators, percent signs
// and whitespace, and turns a parenthesized amount into a negative one. It
// returns the cleaned string and whether it looks like a plain decimal.
func cleanNumeric(s string) (string, bool) {
	s = strings.TrimSpace(s)
	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") && len(s) > 2 {
		negative = true
		s = s[1 : len(s)-1]
	}

	s = strings.Map(func(r rune) rune {
		switch {
		case r == ',' || r == '%' || r == '\'':
			return -1
		case unicode.IsSpace(r) || unicode.Is(unicode.Sc, r):
			return -1
		}
		return r
	}, s)
	s = currencyCodeRegex.ReplaceAllString(s, "")

	// Inner parentheses survive currency stripping, e.g. "$(100)".
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") && len(s) > 2 {
		negative = !negative
		s = s[1 : len(s)-1]
	}
	if negative {
		s = "-" + strings.TrimPrefix(s, "-")
	}
	return s, decimalRegex.MatchString(s)
}

func parseNumber(s string) (float64, bool) {
	cleaned, ok := cleanNumeric(s)
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(cleaned, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

const monthPattern = `(?:jan(?:uary)?|feb(?:ruary)?|mar(?:ch)?|apr(?:il)?|may|june?|july?|aug(?:ust)?|sep(?:t(?:ember)?)?|oct(?:ober)?|nov(?:ember)?|dec(?:ember)?)`

var (
	// dateCandidateRegexes find date-like substrings inside free text, most
	// specific first.
	dateCandidateRegexes = []*regexp.Regexp{
		regexp.MustCompile(`\d{4}[-/.]\d{1,2}[-/.]\d{1,2}`),
		regexp.MustCompile(`\d{1,2}[-/.]\d{1,2}[-/.]\d{2,4}`),
		regexp.MustCompile(`(?i)\b` + monthPattern + `\.?\s+\d{1,2}(?:st|nd|rd|th)?,?\s+\d{4}\b`),
		regexp.MustCompile(`(?i)\b\d{1,2}(?:st|nd|rd|th)?\s+(?:of\s+)?` + monthPattern + `\.?,?\s+\d{4}\b`),
		regexp.MustCompile(`(?i)\b` + monthPattern + `\.?,?\s+\d{4}\b`),
	}
	ordinalSuffixRegex = regexp.MustCompile(`(?i)(\d)(st|nd|rd|th)\b`)
	ofRegex            = regexp.MustCompile(`(?i)\s+of\s+`)
	digitsOnlyRegex    = regexp.MustCompile(`^\d+$`)
)

// parseDate parses s with a permissive parser, falling back to date-like
// substrings when s carries surrounding text.
func parseDate(s string) (string, bool) {
	if t, ok := parseDateExact(s); ok {
		return t.Format(time.DateOnly), true
	}
	for _, re := range dateCandidateRegexes {
		for _, candidate := range re.FindAllString(s, -1) {
			if t, ok := parseDateExact(candidate); ok {
				return t.Format(time.DateOnly), true
			}
		}
	}
	return "", false
}

func parseDateExact(s string) (t time.Time, ok bool) {
	s = strings.TrimSpace(s)
	// dateparse reads bare integers as unix timestamps; only yyyymmdd is a date.
	if digitsOnlyRegex.MatchString(s) && len(s) != 8 {
		return time.Time{}, false
	}
	s = ordinalSuffixRegex.ReplaceAllString(s, "$1")
	s = ofRegex.ReplaceAllString(s, " ")

	defer func() {
		if r := recover(); r != nil {
			slog.Warn("Date parser panicked.", "input", s, "panic", r)
			t, ok = time.Time{}, false
		}
	}()
	parsed, err := dateparse.ParseIn(s, time.UTC, dateparse.PreferMonthFirst(false), dateparse.RetryAmbiguousDateWithSwap(true))
	if err != nil || parsed.Year() < 1 || parsed.Year() > 9999 {
		return time.Time{}, false
	}
	return parsed, true
}
