package moderation

import (
	"strings"
	"testing"
)

func TestFilter_Check(t *testing.T) {
	f := NewFilterWithTerms([]string{"badword", "offensive", "kill yourself", "go die"})

	cases := []struct {
		name string
		in   string
		want Action
		term string
	}{
		{"word", "badword", Block, "badword"},
		{"word in sentence", "this is badword here", Block, "badword"},
		{"upper case", "BaDwOrD", Block, "badword"},
		{"punctuation", "hello, badword!", Block, "badword"},
		{"longer word", "badwording is fine", Allow, ""},
		{"glued prefix", "mybadword", Allow, ""},

		{"phrase", "you should kill yourself now", Block, "kill yourself"},
		{"phrase upper", "KILL YOURSELF", Block, "kill yourself"},
		{"phrase plural", "kill yourselves", Allow, ""},
		{"phrase split", "kill and yourself", Allow, ""},
		{"second phrase", "go die already", Block, "go die"},

		{"leet zero and at", "b@dw0rd", Block, "badword"},
		{"leet dollar", "off3n$ive", Block, "offensive"},
		{"leet one", "offens1ve", Block, "offensive"},
		{"leet bang", "0ff3n$!v3", Block, "offensive"},

		{"keyword beats spam", "badword http://evil.com", Block, "badword"},
		{"spam only", "visit http://evil.com", SoftWarn, SpamURL},
		{"empty", "", Allow, ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := f.Check(tc.in)
			if v.Action != tc.want {
				t.Fatalf("Check(%q).Action = %s, want %s", tc.in, v.Action, tc.want)
			}
			if v.Term != tc.term {
				t.Errorf("Check(%q).Term = %q, want %q", tc.in, v.Term, tc.term)
			}
			if v.Action == Block && v.Reason != ReasonKeyword {
				t.Errorf("Check(%q).Reason = %q, want %q", tc.in, v.Reason, ReasonKeyword)
			}
		})
	}
}

// The default list targets abuse and illegal content; casual profanity and
// adult talk between consenting users pass.
func TestFilter_DefaultList(t *testing.T) {
	f := NewFilter()

	for _, in := range []string{
		"faggot",
		"kys",
		"child porn",
		"send nudes",
		"heil hitler",
		"i know where you live",
		"free bitcoin",
	} {
		if v := f.Check(in); v.Action != Block {
			t.Errorf("Check(%q) = %s, want block", in, v.Action)
		}
	}

	for _, in := range []string{
		"hello, how are you?",
		"I need to assess the situation",
		"the grape harvest was great",
		"damn that's a hot take, I love it",
		"you're sexy as hell",
		"what the fuck happened",
	} {
		if v := f.Check(in); v.Action != Allow {
			t.Errorf("Check(%q) = %s (term=%q), want allow", in, v.Action, v.Term)
		}
	}
}

func TestNewFilterWithTerms_SkipsBlank(t *testing.T) {
	f := NewFilterWithTerms([]string{"", "  ", "valid", "two  words"})
	if len(f.words) != 1 {
		t.Errorf("words = %v, want only %q", f.words, "valid")
	}
	if len(f.phrases) != 1 || f.phrases[0] != "two words" {
		t.Errorf("phrases = %q, want [\"two words\"]", f.phrases)
	}
}

func TestTokenizers(t *testing.T) {
	cases := []struct {
		in    string
		plain string
		leet  string
	}{
		{"hello world", "hello|world", "hello|world"},
		{"hello, world!", "hello|world", "hello,|world!"},
		{"  spaced  out  ", "spaced|out", "spaced|out"},
		{"hello---world", "hello|world", "hello---world"},
		{"b@dw0rd", "b|dw0rd", "b@dw0rd"},
		{"", "", ""},
	}
	for _, tc := range cases {
		if got := strings.Join(tokenizePlain(tc.in), "|"); got != tc.plain {
			t.Errorf("tokenizePlain(%q) = %q, want %q", tc.in, got, tc.plain)
		}
		if got := strings.Join(tokenizeLeet(tc.in), "|"); got != tc.leet {
			t.Errorf("tokenizeLeet(%q) = %q, want %q", tc.in, got, tc.leet)
		}
	}
}

func TestNormalizeLeet(t *testing.T) {
	for in, want := range map[string]string{
		"hello":  "hello",
		"h3ll0":  "hello",
		"$h!t":   "shit",
		"ch@ng3": "change",
	} {
		if got := normalizeLeet(in); got != want {
			t.Errorf("normalizeLeet(%q) = %q, want %q", in, got, want)
		}
	}
}

func BenchmarkFilter_Check(b *testing.B) {
	f := NewFilter()
	msg := strings.Repeat("this is a perfectly normal message with no bad content. ", 40)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		f.Check(msg)
	}
}
