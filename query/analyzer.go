package query

import (
	"context"
	"strings"

	"goa.design/clue/log"

	"github.com/scholium/scholium/article"
	"github.com/scholium/scholium/scherr"
)

type (
	// Expansion is the thesaurus answer for one term.
	Expansion struct {
		// Term is the looked-up form.
		Term string
		// Canonical is the preferred vocabulary form; equal to Term for
		// unknown terms.
		Canonical string
		// Synonyms is a small bag of entry terms.
		Synonyms []string
	}

	// Expander looks up a term in the controlled vocabulary. Unknown terms
	// return a pass-through expansion, not an error.
	Expander interface {
		Expand(ctx context.Context, term string) (Expansion, error)
	}

	// Analyzer rewrites free text into the normalized Query. It holds the
	// vocabulary expander and nothing else; a nil expander disables
	// expansion.
	Analyzer struct {
		expander Expander
	}

	// Options carries the structured fields supplied alongside the text.
	Options struct {
		DateFrom       article.PubDate
		DateTo         article.PubDate
		DocTypes       []article.PubType
		Language       string
		OpenAccessOnly bool
		Demographics   []string
		Filters        map[string]string
	}
)

// NewAnalyzer returns an analyzer using exp for vocabulary expansion.
func NewAnalyzer(exp Expander) *Analyzer {
	return &Analyzer{expander: exp}
}

// Analyze classifies text, decomposes clinical questions, expands topic
// terms, and returns the normalized query. Expansion failures degrade to
// pass-through terms; only cancellation propagates as an error.
func (a *Analyzer) Analyze(ctx context.Context, text string, opts Options) (Query, error) {
	text = strings.TrimSpace(text)
	q := Query{
		Text:           text,
		DateFrom:       opts.DateFrom,
		DateTo:         opts.DateTo,
		DocTypes:       append([]article.PubType(nil), opts.DocTypes...),
		Language:       strings.ToLower(strings.TrimSpace(opts.Language)),
		OpenAccessOnly: opts.OpenAccessOnly,
		Demographics:   append([]string(nil), opts.Demographics...),
		Class:          Classify(text),
	}
	if len(opts.Filters) > 0 {
		q.Filters = make(map[string]string, len(opts.Filters))
		for k, v := range opts.Filters {
			q.Filters[k] = v
		}
	}

	switch q.Class {
	case ClassIdentifier:
		q.Identifier = ParseIdentifier(text)
		return q, nil
	case ClassBoolean:
		q.Boolean = text
		return q, nil
	case ClassClinical:
		q.Clinical = ParseClinical(text)
		terms, err := a.expandAll(ctx, q.Clinical.Parts())
		if err != nil {
			return Query{}, err
		}
		q.Terms = terms
		return q, nil
	default:
		terms, err := a.expandAll(ctx, TopicTerms(text))
		if err != nil {
			return Query{}, err
		}
		q.Terms = terms
		return q, nil
	}
}

func (a *Analyzer) expandAll(ctx context.Context, terms []string) ([]Term, error) {
	out := make([]Term, 0, len(terms))
	for _, term := range terms {
		if err := ctx.Err(); err != nil {
			return nil, scherr.Wrapf(scherr.Cancelled, err, "expand %q", term)
		}
		out = append(out, a.expand(ctx, term))
	}
	return out, nil
}

func (a *Analyzer) expand(ctx context.Context, term string) Term {
	if a.expander == nil {
		return Term{Term: term, Canonical: term}
	}
	exp, err := a.expander.Expand(ctx, term)
	if err != nil {
		// Expansion is advisory; searches proceed on the written form.
		log.Debugf(ctx, "vocabulary expansion failed for %q: %v", term, err)
		return Term{Term: term, Canonical: term}
	}
	canonical := exp.Canonical
	if canonical == "" {
		canonical = term
	}
	return Term{Term: term, Canonical: canonical, Synonyms: exp.Synonyms}
}

// queryFunctionWords are words skipped during topic-term extraction. The
// full stopword table lives with the ranker; term extraction only needs the
// grammatical glue that would otherwise hit the thesaurus.
var queryFunctionWords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "by": true, "do": true, "does": true, "for": true,
	"from": true, "how": true, "in": true, "is": true, "it": true,
	"its": true, "of": true, "on": true, "or": true, "the": true,
	"their": true, "to": true, "what": true, "when": true, "which": true,
	"with": true,
}

// TopicTerms splits simple-topic text into candidate vocabulary terms:
// whitespace tokens with edge punctuation trimmed and function words
// dropped. Token case is preserved so acronyms survive the thesaurus
// lookup.
func TopicTerms(text string) []string {
	var out []string
	for _, tok := range strings.Fields(text) {
		tok = strings.Trim(tok, `.,;:!?"'()[]{}`)
		if tok == "" || queryFunctionWords[strings.ToLower(tok)] {
			continue
		}
		out = append(out, tok)
	}
	return out
}
