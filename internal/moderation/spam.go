package moderation

import (
	"regexp"
	"strings"
)

// Spam check names, reported as Verdict.Term.
const (
	SpamURL       = "url"
	SpamPhone     = "phone"
	SpamCharFlood = "char_flood"
	SpamWordFlood = "word_flood"
)

const (
	noteLink  = "Links can expose you. Think twice before sharing them with strangers."
	notePhone = "Sharing a phone number reveals who you are."
	noteFlood = "Please don't flood the chat."

	charFloodRun = 5 // identical characters in a row
	wordFloodRun = 3 // identical words in a row, case-insensitive
)

var (
	// Bare domains need a trailing "/" so "v2.0" and "3.14" pass.
	linkRe = regexp.MustCompile(`(?i)(https?://\S+|www\.\S+|\S+\.(com|net|org|io|co|xyz|info|biz|ru|cn|tk|ml|ga|cf)/\S*)`)

	// Anchored to whitespace so short numbers like "100" pass.
	phoneRe = regexp.MustCompile(`(?:^|\s)(\+?\d{1,3}[-.\s]?)?\(?\d{2,4}\)?[-.\s]?\d{3,4}[-.\s]?\d{3,4}(?:\s|$)`)
)

// checkSpamPatterns returns SoftWarn for the first spam signal found, in
// the order links, phone numbers, floods. Spam is delivered; only the
// sender is cautioned.
func checkSpamPatterns(text string) Verdict {
	name, note := spamSignal(text)
	if name == "" {
		return Verdict{Action: Allow}
	}
	return Verdict{Action: SoftWarn, Reason: ReasonSpam, Term: name, Note: note}
}

func spamSignal(text string) (name, note string) {
	switch {
	case linkRe.MatchString(text):
		return SpamURL, noteLink
	case phoneRe.MatchString(text):
		return SpamPhone, notePhone
	case longestRuneRun(text) >= charFloodRun:
		return SpamCharFlood, noteFlood
	case longestWordRun(text) >= wordFloodRun:
		return SpamWordFlood, noteFlood
	}
	return "", ""
}

// longestRuneRun is the length of the longest run of one repeated rune.
// RE2 has no backreferences, hence the scan.
func longestRuneRun(text string) int {
	best, run := 0, 0
	var prev rune
	for i, r := range text {
		if i > 0 && r == prev {
			run++
		} else {
			run = 1
		}
		prev = r
		best = max(best, run)
	}
	return best
}

// longestWordRun is the length of the longest run of one repeated
// whitespace-separated word, ignoring case.
func longestWordRun(text string) int {
	best, run := 0, 0
	prev := ""
	for _, w := range strings.Fields(text) {
		if strings.EqualFold(w, prev) {
			run++
		} else {
			run = 1
		}
		prev = w
		best = max(best, run)
	}
	return best
}
