// Package phone normalizes raw backup addresses into the canonical digit form
// used as contact identity.
package phone

import (
	"regexp"
	"strings"
)

// Self is returned for addresses that refer to the archive owner.
const Self = "me"

var nonDigitRe = regexp.MustCompile(`\D`)

// Normalize converts a raw address into canonical digit form.
//
// All non-digit characters are stripped. Ten-digit numbers get a leading "1"
// so they match the eleven-digit form carrying the country code; anything
// else passes through unchanged. The owner alias "me" yields Self, and blank
// input or input without digits yields "".
func Normalize(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if strings.EqualFold(raw, Self) {
		return Self
	}
	digits := nonDigitRe.ReplaceAllString(raw, "")
	if len(digits) == 10 {
		return "1" + digits
	}
	return digits
}

// IsSelf reports whether a normalized address is the owner sentinel.
func IsSelf(normalized string) bool {
	return normalized == Self
}

// Usable reports whether a normalized address can key a contact.
func Usable(normalized string) bool {
	return normalized != "" && normalized != Self
}

// SplitAddressList splits a multi-recipient address attribute ("a~b", "a,b")
// into its members, dropping blanks.
func SplitAddressList(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == '~' || r == ',' || r == ';'
	})
	out := fields[:0]
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// LooksLikeNumber reports whether raw consists only of digits and the
// punctuation used to format phone numbers.
func LooksLikeNumber(raw string) bool {
	digits := 0
	for _, r := range strings.TrimSpace(raw) {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case strings.ContainsRune("+-(). ", r):
		default:
			return false
		}
	}
	return digits > 0
}
