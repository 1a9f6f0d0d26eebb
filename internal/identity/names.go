package identity

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
)

// DefaultGroupName names group conversations whose backup carries no usable label.
const DefaultGroupName = "Group Chat"

// groupKeywords mark a multi-word name as a group label.
var groupKeywords = map[string]bool{
	"group":     true,
	"team":      true,
	"chat":      true,
	"crew":      true,
	"squad":     true,
	"club":      true,
	"family":    true,
	"friends":   true,
	"gang":      true,
	"committee": true,
}

// placeholderNames are exporter stand-ins for a missing name, compared
// case-folded after wrapping punctuation is stripped.
var placeholderNames = map[string]bool{
	"unknown":         true,
	"unknown contact": true,
	"unknown sender":  true,
	"no name":         true,
	"null":            true,
}

// placeholderWrap is the punctuation exporters wrap placeholders in.
const placeholderWrap = " \t()[]{}<>\"'`*-_."

func words(s string) []string {
	return strings.FieldsFunc(cases.Fold().String(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// IsGroupLike reports whether name reads as a group chat label: at least two
// words, one of which is a group keyword. Single words never qualify.
func IsGroupLike(name string) bool {
	ws := words(name)
	if len(ws) < 2 {
		return false
	}
	for _, w := range ws {
		if groupKeywords[w] {
			return true
		}
	}
	return false
}

func isPlaceholder(name string) bool {
	core := strings.Trim(name, placeholderWrap)
	return placeholderNames[cases.Fold().String(strings.Join(strings.Fields(core), " "))]
}

// SanitizeName returns a name fit for a person contact, or "" when raw is
// blank, a placeholder such as "(Unknown)", or a group label.
func SanitizeName(raw string) string {
	name := strings.TrimSpace(raw)
	if name == "" || isPlaceholder(name) || IsGroupLike(name) {
		return ""
	}
	return name
}

// GroupName returns the display name for a group conversation. Group labels
// are welcome here; placeholders fall back to DefaultGroupName.
func GroupName(raw string) string {
	name := strings.TrimSpace(raw)
	if name == "" || isPlaceholder(name) {
		return DefaultGroupName
	}
	return name
}
