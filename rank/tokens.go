package rank

import (
	"strings"
	"unicode"

	"github.com/surgebase/porter2"
)

// Tokenize casefolds text, splits on non-alphanumerics, drops stopwords, and
// stems each token. The resulting tokens are the currency of the relevance
// and specificity components.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if isStopWord[f] {
			continue
		}
		out = append(out, porter2.Stem(f))
	}
	return out
}

type tokenSet map[string]struct{}

func newTokenSet(text string) tokenSet {
	toks := Tokenize(text)
	s := make(tokenSet, len(toks))
	for _, t := range toks {
		s[t] = struct{}{}
	}
	return s
}

func (s tokenSet) has(tok string) bool {
	_, ok := s[tok]
	return ok
}

func (s tokenSet) addAll(text string) {
	for _, t := range Tokenize(text) {
		s[t] = struct{}{}
	}
}
