// Package normalizers turns raw identifier, name and address spellings into
// the case- and format-insensitive keys used for matching.
package normalizers

import (
	"strings"
	"unicode"

	"github.com/Ramsey-B/clover/pkg/models"
)

// Normalizer maps a raw value to its normalized key. An empty result means
// the raw value cannot produce a usable key.
type Normalizer func(string) string

var registry = map[models.IdentifierType]Normalizer{
	models.IdentifierTypePhone: NormalizePhone,
	models.IdentifierTypeEmail: NormalizeEmail,
	models.IdentifierTypeTag:   NormalizeTag,
}

// Identifier normalizes raw for the given type. ok is false when the type is
// unknown or the value normalizes to nothing.
func Identifier(t models.IdentifierType, raw string) (string, bool) {
	fn, ok := registry[t]
	if !ok {
		return "", false
	}
	v := fn(raw)
	return v, v != ""
}

const minPhoneDigits = 7

// NormalizePhone keeps digits only and drops a leading US country code from
// 11-digit numbers. Fewer than seven digits is not a phone number.
func NormalizePhone(s string) string {
	digits := DigitsOnly(s)
	if len(digits) == 11 && digits[0] == '1' {
		digits = digits[1:]
	}
	if len(digits) < minPhoneDigits {
		return ""
	}
	return digits
}

// NormalizeEmail lower-cases and trims an address. Values without a local
// part and a dotted domain are rejected.
func NormalizeEmail(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, "mailto:")
	at := strings.LastIndex(s, "@")
	if at <= 0 || at == len(s)-1 || strings.ContainsAny(s, " \t") {
		return ""
	}
	if !strings.Contains(s[at+1:], ".") {
		return ""
	}
	return s
}

// NormalizeTag upper-cases a physical tag code and strips separators.
func NormalizeTag(s string) string {
	return strings.ToUpper(Alphanumeric(s))
}

// EmailParts splits a normalized email into local part and domain.
func EmailParts(email string) (local, domain string) {
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return email, ""
	}
	return email[:at], email[at+1:]
}

var nameSuffixes = map[string]bool{
	"jr": true, "sr": true, "ii": true, "iii": true, "iv": true,
	"phd": true, "md": true, "dds": true, "dvm": true,
}

var nameTitles = map[string]bool{
	"mr": true, "mrs": true, "ms": true, "miss": true, "dr": true,
}

// NormalizeName lower-cases a personal name, drops punctuation, titles and
// generational suffixes, and collapses whitespace.
func NormalizeName(s string) string {
	tokens := Tokens(s)
	out := tokens[:0]
	for i, tok := range tokens {
		if i == 0 && nameTitles[tok] && len(tokens) > 1 {
			continue
		}
		if i == len(tokens)-1 && nameSuffixes[tok] && len(out) > 0 {
			continue
		}
		out = append(out, tok)
	}
	return strings.Join(out, " ")
}

var addressAbbreviations = map[string]string{
	"street":    "st",
	"avenue":    "ave",
	"boulevard": "blvd",
	"drive":     "dr",
	"road":      "rd",
	"lane":      "ln",
	"court":     "ct",
	"circle":    "cir",
	"place":     "pl",
	"parkway":   "pkwy",
	"highway":   "hwy",
	"apartment": "apt",
	"suite":     "ste",
	"north":     "n",
	"south":     "s",
	"east":      "e",
	"west":      "w",
}

// NormalizeAddress lower-cases an address, removes punctuation and
// abbreviates street types and directions token by token.
func NormalizeAddress(s string) string {
	tokens := Tokens(s)
	for i, tok := range tokens {
		if abbr, ok := addressAbbreviations[tok]; ok {
			tokens[i] = abbr
		}
	}
	return strings.Join(tokens, " ")
}

// NormalizeLocality lower-cases and trims a city or neighborhood name.
func NormalizeLocality(s string) string {
	return strings.Join(Tokens(s), " ")
}

// Tokens lower-cases s and splits it on anything that is not a letter or
// digit. Apostrophes are dropped so "O'Neil" stays one token.
func Tokens(s string) []string {
	s = strings.ReplaceAll(strings.ToLower(s), "'", "")
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// DigitsOnly keeps only digit characters.
func DigitsOnly(s string) string {
	var result strings.Builder
	for _, r := range s {
		if unicode.IsDigit(r) {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// Alphanumeric keeps only letters and digits.
func Alphanumeric(s string) string {
	var result strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			result.WriteRune(r)
		}
	}
	return result.String()
}
