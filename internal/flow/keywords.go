package flow

import (
	"regexp"
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"
)

// MinNameLength is the shortest accepted name, in characters.
const MinNameLength = 2

var emailRe = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// Keywords holds the words the funnel reacts to. Matching is case-insensitive.
type Keywords struct {
	Reset       []string
	SkipEmail   []string
	NoHandle    []string
	Affirmative []string
}

// DefaultKeywords returns the Portuguese and English defaults.
func DefaultKeywords() Keywords {
	return Keywords{
		Reset:     []string{"reset", "reiniciar", "recomeçar", "restart"},
		SkipEmail: []string{"skip", "pular", "pule"},
		NoHandle: []string{"skip", "pular", "não tenho", "nao tenho", "don't have", "dont have",
			"sem instagram", "não", "nao", "no", "none"},
		Affirmative: []string{"sim", "s", "yes", "y", "claro", "pode", "ok", "okay", "quero", "autorizo", "bora", "isso"},
	}
}

// ResetWord is the keyword shown to users when they are told how to restart.
func (k Keywords) ResetWord() string {
	if len(k.Reset) == 0 {
		return "reset"
	}
	return k.Reset[0]
}

// normalizeCommand lowercases text and drops surrounding spaces and
// trailing punctuation, so "Reset!" matches "reset".
func normalizeCommand(text string) string {
	s := strings.ToLower(strings.TrimSpace(text))
	s = strings.TrimRight(s, "!.?")
	return strings.TrimSpace(s)
}

func matchesAny(text string, words []string) bool {
	s := normalizeCommand(text)
	if s == "" {
		return false
	}
	return slices.ContainsFunc(words, func(w string) bool { return normalizeCommand(w) == s })
}

// IsReset reports whether text is a reset command.
func (k Keywords) IsReset(text string) bool { return matchesAny(text, k.Reset) }

func (k Keywords) isSkipEmail(text string) bool { return matchesAny(text, k.SkipEmail) }

func (k Keywords) isNoHandle(text string) bool { return matchesAny(text, k.NoHandle) }

// isAffirmative checks the first word of text.
func (k Keywords) isAffirmative(text string) bool {
	fields := strings.Fields(strings.ToLower(text))
	if len(fields) == 0 {
		return false
	}
	first := strings.TrimFunc(fields[0], func(r rune) bool { return unicode.IsPunct(r) || unicode.IsSymbol(r) })
	return first != "" && slices.Contains(k.Affirmative, first)
}

func validName(text string) (string, bool) {
	name := strings.Join(strings.Fields(text), " ")
	return name, utf8.RuneCountInString(name) >= MinNameLength
}

func validEmail(text string) (string, bool) {
	email := strings.ToLower(strings.TrimSpace(text))
	return email, emailRe.MatchString(email)
}

// normalizeHandle accepts "@user", "user" or a profile URL.
func normalizeHandle(text string) (string, bool) {
	h := strings.TrimSpace(text)
	if i := strings.Index(strings.ToLower(h), "instagram.com/"); i >= 0 {
		h = h[i+len("instagram.com/"):]
		h, _, _ = strings.Cut(h, "?")
	}
	h = strings.TrimRight(h, "/")
	h = strings.TrimPrefix(h, "@")
	h = strings.ToLower(h)
	if h == "" || strings.ContainsFunc(h, unicode.IsSpace) {
		return "", false
	}
	return h, true
}
