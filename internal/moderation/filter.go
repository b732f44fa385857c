// Package moderation screens chat text before it is relayed. The keyword
// filter blocks abusive and illegal content, spam patterns only earn the
// sender a caution, and adult language is allowed. Strikes track repeat
// offenders toward a timed ban.
package moderation

import (
	"strings"
	"unicode"
)

// defaultBlocklist covers slurs, incitement to self-harm, child sexual
// content, hate symbols, threats and common scams. Profanity and consensual
// adult language are deliberately absent.
var defaultBlocklist = []string{
	// slurs
	"nigger", "nigga", "faggot", "fag", "kike", "spic", "chink", "tranny", "retard",
	// self-harm incitement
	"kill yourself", "kys", "go die", "hang yourself", "slit your wrists",
	// minors
	"child porn", "underage nudes", "preteen", "jailbait", "loli",
	// solicitation of nudes from strangers
	"send nudes",
	// hate
	"heil hitler", "sieg heil", "white power", "gas the jews", "1488",
	// threats
	"bomb threat", "i will kill you", "i know where you live", "shoot up",
	// scams
	"free bitcoin", "crypto giveaway", "double your money", "cash app me", "send gift card",
}

// Filter is an immutable keyword blocklist and is safe for concurrent use.
type Filter struct {
	words   map[string]struct{} // single-token terms
	phrases []string            // multi-token terms, space separated
}

// NewFilter returns a Filter with the default blocklist.
func NewFilter() *Filter {
	return NewFilterWithTerms(defaultBlocklist)
}

// NewFilterWithTerms returns a Filter for terms. Blank terms are skipped.
func NewFilterWithTerms(terms []string) *Filter {
	f := &Filter{words: make(map[string]struct{})}
	for _, t := range terms {
		toks := tokenizePlain(t)
		switch len(toks) {
		case 0:
			continue
		case 1:
			f.words[toks[0]] = struct{}{}
		default:
			f.phrases = append(f.phrases, strings.Join(toks, " "))
		}
	}
	return f
}

// Check screens text. A blocklist hit returns Block; otherwise spam patterns
// may return SoftWarn.
func (f *Filter) Check(text string) Verdict {
	if text == "" {
		return Verdict{Action: Allow}
	}
	if term, ok := f.match(tokenizePlain(text)); ok {
		return Verdict{Action: Block, Reason: ReasonKeyword, Term: term}
	}

	leet := tokenizeLeet(text)
	norm := make([]string, 0, len(leet))
	for _, tok := range leet {
		norm = append(norm, tokenizePlain(normalizeLeet(tok))...)
	}
	if term, ok := f.match(norm); ok {
		return Verdict{Action: Block, Reason: ReasonKeyword, Term: term}
	}

	return checkSpamPatterns(text)
}

func (f *Filter) match(tokens []string) (string, bool) {
	for _, tok := range tokens {
		if _, ok := f.words[tok]; ok {
			return tok, true
		}
	}
	if len(f.phrases) == 0 || len(tokens) < 2 {
		return "", false
	}
	joined := " " + strings.Join(tokens, " ") + " "
	for _, p := range f.phrases {
		if strings.Contains(joined, " "+p+" ") {
			return p, true
		}
	}
	return "", false
}

var leetMap = map[rune]rune{
	'0': 'o',
	'1': 'i',
	'3': 'e',
	'4': 'a',
	'5': 's',
	'7': 't',
	'@': 'a',
	'$': 's',
	'!': 'i',
}

func normalizeLeet(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if m, ok := leetMap[r]; ok {
			r = m
		}
		b.WriteRune(r)
	}
	return b.String()
}

// tokenizePlain lowercases s and splits it on anything that is not a letter
// or digit.
func tokenizePlain(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// tokenizeLeet splits on whitespace only so substitution characters survive.
func tokenizeLeet(s string) []string {
	return strings.Fields(strings.ToLower(s))
}
